package translator

import "github.com/mcules/opus-mt-server/internal/route"

// TranslationFailed is returned as text when the engine decodes nothing.
const TranslationFailed = "Translation failed"

// Result is the outcome of a single translation. Exactly one of Text or Err
// is meaningful.
type Result struct {
	Route route.Route
	Text  string
	// Empty is set when the engine produced no output and Text holds
	// TranslationFailed.
	Empty bool
	Err   error
}

func (r Result) OK() bool { return r.Err == nil && !r.Empty }

// Output renders the result as a single string, errors included.
func (r Result) Output() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return r.Text
}

// BatchResult is the outcome of a batch translation. On success Texts is
// aligned with the inputs; on failure Err applies to every input.
type BatchResult struct {
	Route route.Route
	Texts []string
	Err   error

	n int
}

func (r BatchResult) OK() bool { return r.Err == nil }

// Len is the number of inputs the result covers.
func (r BatchResult) Len() int { return r.n }

// Outputs renders one string per input, repeating the error text on failure.
func (r BatchResult) Outputs() []string {
	if r.Err == nil {
		return r.Texts
	}
	msg := r.Err.Error()
	out := make([]string, r.n)
	for i := range out {
		out[i] = msg
	}
	return out
}
