// Package remote implements the engine interfaces on top of a Marian
// inference sidecar. Model metadata is read from the model directory; weights
// and tokenization live in the sidecar.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mcules/opus-mt-server/internal/engine"
)

const defaultMaxLength = 512

var ErrMissingConfig = errors.New("config.json not found")

// ModelConfig is the subset of a Marian config.json the server cares about.
type ModelConfig struct {
	ModelType           string `json:"model_type"`
	VocabSize           int    `json:"vocab_size"`
	MaxLength           int    `json:"max_length"`
	NumBeams            int    `json:"num_beams"`
	DecoderStartTokenID int    `json:"decoder_start_token_id"`
}

type tokenizerConfig struct {
	ModelMaxLength int `json:"model_max_length"`
}

// ReadConfig parses config.json and tokenizer_config.json from dir.
func ReadConfig(dir string) (ModelConfig, int, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return ModelConfig{}, 0, fmt.Errorf("%w in %s", ErrMissingConfig, dir)
	}
	if err != nil {
		return ModelConfig{}, 0, err
	}
	var cfg ModelConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ModelConfig{}, 0, fmt.Errorf("parse config.json: %w", err)
	}
	if cfg.ModelType != "" && cfg.ModelType != "marian" {
		return ModelConfig{}, 0, fmt.Errorf("unsupported model_type %q", cfg.ModelType)
	}

	maxLen := defaultMaxLength
	raw, err = os.ReadFile(filepath.Join(dir, "tokenizer_config.json"))
	switch {
	case err == nil:
		var tc tokenizerConfig
		if err := json.Unmarshal(raw, &tc); err != nil {
			return ModelConfig{}, 0, fmt.Errorf("parse tokenizer_config.json: %w", err)
		}
		// Some exports carry a sentinel huge value; keep the default then.
		if tc.ModelMaxLength > 0 && tc.ModelMaxLength <= 1<<16 {
			maxLen = tc.ModelMaxLength
		}
	case !errors.Is(err, fs.ErrNotExist):
		return ModelConfig{}, 0, err
	}
	return cfg, maxLen, nil
}

type Loader struct {
	Client *Client
}

func NewLoader(c *Client) *Loader {
	return &Loader{Client: c}
}

func (l *Loader) Load(ctx context.Context, dir string) (engine.Model, engine.Tokenizer, error) {
	cfg, maxLen, err := ReadConfig(dir)
	if err != nil {
		return nil, nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, nil, err
	}
	handle, err := l.Client.LoadModel(ctx, filepath.Base(dir), abs, cfg)
	if err != nil {
		return nil, nil, err
	}
	m := &Model{client: l.Client, handle: handle, cfg: cfg}
	tok := &Tokenizer{client: l.Client, handle: handle, maxLength: maxLen}
	return m, tok, nil
}

// Model is a sidecar-resident model handle. It owns the handle; Close
// unloads it from the sidecar.
type Model struct {
	client *Client
	handle string
	cfg    ModelConfig
}

func (m *Model) Handle() string { return m.handle }

func (m *Model) Generate(ctx context.Context, b engine.Batch) (engine.Sequences, error) {
	if len(b.InputIDs) == 0 {
		return engine.Sequences{}, nil
	}
	out, err := m.client.Generate(ctx, generateReq{
		Handle:        m.handle,
		InputIDs:      b.InputIDs,
		AttentionMask: b.AttentionMask,
		NumBeams:      m.cfg.NumBeams,
		MaxLength:     m.cfg.MaxLength,
	})
	if err != nil {
		return nil, err
	}
	return engine.Sequences(out.Sequences), nil
}

func (m *Model) Close(ctx context.Context) error {
	return m.client.UnloadModel(ctx, m.handle)
}

type Tokenizer struct {
	client    *Client
	handle    string
	maxLength int
}

func (t *Tokenizer) Encode(ctx context.Context, texts []string, opts engine.EncodeOptions) (engine.Batch, error) {
	req := tokenizeReq{
		Handle:     t.handle,
		Texts:      texts,
		Padding:    opts.Padding,
		Truncation: opts.Truncation,
	}
	if opts.Truncation {
		req.MaxLength = t.maxLength
	}
	out, err := t.client.Tokenize(ctx, req)
	if err != nil {
		return engine.Batch{}, err
	}
	if len(out.InputIDs) != len(texts) {
		return engine.Batch{}, fmt.Errorf("tokenizer returned %d sequences for %d texts", len(out.InputIDs), len(texts))
	}
	return engine.Batch{Texts: texts, InputIDs: out.InputIDs, AttentionMask: out.AttentionMask}, nil
}

func (t *Tokenizer) Decode(ctx context.Context, seqs engine.Sequences) ([]string, error) {
	if len(seqs) == 0 {
		return []string{}, nil
	}
	out, err := t.client.Detokenize(ctx, detokenizeReq{
		Handle:            t.handle,
		Sequences:         seqs,
		SkipSpecialTokens: true,
	})
	if err != nil {
		return nil, err
	}
	return out.Texts, nil
}
