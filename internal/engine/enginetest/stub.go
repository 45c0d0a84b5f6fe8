// Package enginetest provides in-memory engine implementations for tests.
package enginetest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mcules/opus-mt-server/internal/engine"
)

// Transform maps one input text to its translation.
type Transform func(string) string

// Upper is a Transform that upper-cases its input.
func Upper(s string) string { return strings.ToUpper(s) }

// Model is a stub model that applies Transform to each text in the batch.
type Model struct {
	Transform Transform
	// Err, when set, is returned by Generate.
	Err error
	// Drop truncates the generated output to this many sequences when >= 0.
	Drop int

	closed atomic.Bool

	mu    sync.Mutex
	texts map[int]string
}

func NewModel(fn Transform) *Model {
	return &Model{Transform: fn, Drop: -1, texts: map[int]string{}}
}

func (m *Model) Generate(_ context.Context, b engine.Batch) (engine.Sequences, error) {
	if m.closed.Load() {
		return nil, engine.ErrClosed
	}
	if m.Err != nil {
		return nil, m.Err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seqs := make(engine.Sequences, 0, len(b.InputIDs))
	for _, ids := range b.InputIDs {
		src := decodeRunes(ids)
		id := len(m.texts)
		m.texts[id] = m.Transform(src)
		seqs = append(seqs, []int{id})
	}
	if m.Drop >= 0 && m.Drop < len(seqs) {
		seqs = seqs[:m.Drop]
	}
	return seqs, nil
}

func (m *Model) lookup(id int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.texts[id]
}

func (m *Model) Close(context.Context) error {
	m.closed.Store(true)
	return nil
}

func (m *Model) Closed() bool { return m.closed.Load() }

// Tokenizer encodes texts as rune ids and decodes through its Model.
type Tokenizer struct {
	Model *Model
	// EncodeErr, when set, is returned by Encode.
	EncodeErr error
	// Gate, when set, blocks Encode until it is closed. Blocked counts the
	// calls that reached it.
	Gate    <-chan struct{}
	Blocked *atomic.Int64
}

func (t *Tokenizer) Encode(ctx context.Context, texts []string, _ engine.EncodeOptions) (engine.Batch, error) {
	if t.Gate != nil {
		if t.Blocked != nil {
			t.Blocked.Add(1)
		}
		select {
		case <-t.Gate:
		case <-ctx.Done():
			return engine.Batch{}, ctx.Err()
		}
	}
	if t.EncodeErr != nil {
		return engine.Batch{}, t.EncodeErr
	}
	b := engine.Batch{Texts: texts}
	for _, s := range texts {
		ids := make([]int, 0, len(s))
		for _, r := range s {
			ids = append(ids, int(r))
		}
		b.InputIDs = append(b.InputIDs, ids)
	}
	return b, nil
}

func (t *Tokenizer) Decode(_ context.Context, seqs engine.Sequences) ([]string, error) {
	out := make([]string, 0, len(seqs))
	for _, s := range seqs {
		if len(s) != 1 {
			return nil, errors.New("unexpected sequence")
		}
		out = append(out, t.Model.lookup(s[0]))
	}
	return out, nil
}

func decodeRunes(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteRune(rune(id))
	}
	return sb.String()
}

// Loader hands out stub models and counts Load calls.
type Loader struct {
	Transform Transform
	// Err, when set, is returned by Load.
	Err error
	// Gate, when set, blocks Load until it is closed.
	Gate chan struct{}
	// EncodeGate is handed to every Tokenizer loaded afterwards.
	EncodeGate chan struct{}

	calls   atomic.Int64
	blocked atomic.Int64

	mu     sync.Mutex
	models []*Model
	dirs   []string
}

func NewLoader(fn Transform) *Loader {
	return &Loader{Transform: fn}
}

func (l *Loader) Load(ctx context.Context, dir string) (engine.Model, engine.Tokenizer, error) {
	l.calls.Add(1)
	if l.Gate != nil {
		select {
		case <-l.Gate:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if l.Err != nil {
		return nil, nil, l.Err
	}

	m := NewModel(l.Transform)
	l.mu.Lock()
	l.models = append(l.models, m)
	l.dirs = append(l.dirs, dir)
	l.mu.Unlock()
	tok := &Tokenizer{Model: m}
	if l.EncodeGate != nil {
		tok.Gate = l.EncodeGate
		tok.Blocked = &l.blocked
	}
	return m, tok, nil
}

// Calls returns the number of Load invocations.
func (l *Loader) Calls() int { return int(l.calls.Load()) }

// Blocked returns the number of Encode calls that reached EncodeGate.
func (l *Loader) Blocked() int { return int(l.blocked.Load()) }

// Models returns every model handed out so far.
func (l *Loader) Models() []*Model {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Model(nil), l.models...)
}

// Dirs returns the directories passed to Load.
func (l *Loader) Dirs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.dirs...)
}
