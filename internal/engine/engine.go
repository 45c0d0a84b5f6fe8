// Package engine describes the inference capability the translator dispatches to.
//
// A Loader turns a model directory into a (Model, Tokenizer) pair. Translation
// runs as encode -> generate -> decode over a batch of texts.
package engine

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("model handle closed")

// EncodeOptions controls batched tokenization.
type EncodeOptions struct {
	// Padding pads every sequence to the longest one in the batch.
	Padding bool
	// Truncation cuts sequences to the tokenizer's maximum length.
	Truncation bool
}

// Batch is an encoded input batch. Texts is kept for backends that tokenize
// on their own side.
type Batch struct {
	Texts         []string
	InputIDs      [][]int
	AttentionMask [][]int
}

// Len returns the number of sequences in the batch.
func (b Batch) Len() int {
	if len(b.InputIDs) > 0 {
		return len(b.InputIDs)
	}
	return len(b.Texts)
}

// Sequences are generated token id sequences, one per input.
type Sequences [][]int

type Tokenizer interface {
	Encode(ctx context.Context, texts []string, opts EncodeOptions) (Batch, error)
	// Decode turns generated sequences into text, skipping special tokens.
	Decode(ctx context.Context, seqs Sequences) ([]string, error)
}

type Model interface {
	Generate(ctx context.Context, batch Batch) (Sequences, error)
}

type Loader interface {
	Load(ctx context.Context, dir string) (Model, Tokenizer, error)
}

// Closer is implemented by handles holding resources outside the process.
type Closer interface {
	Close(ctx context.Context) error
}

// Run executes the encode -> generate -> decode pipeline.
func Run(ctx context.Context, m Model, tok Tokenizer, texts []string, opts EncodeOptions) ([]string, error) {
	batch, err := tok.Encode(ctx, texts, opts)
	if err != nil {
		return nil, err
	}
	seqs, err := m.Generate(ctx, batch)
	if err != nil {
		return nil, err
	}
	return tok.Decode(ctx, seqs)
}
