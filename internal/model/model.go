// Package model provides the language model runtime used by chat. The model
// is a single projection layer: each token is embedded and scored against the
// output head, so the next-token logits depend on the last context token.
package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/litchat/internal/checkpoint"
	"github.com/samcharles93/litchat/internal/safetensors"
)

const (
	EmbeddingTensor = "transformer.wte.weight"
	HeadTensor      = "lm_head.weight"
	HeadBiasTensor  = "lm_head.bias"
)

var ErrContextExceeded = errors.New("context length exceeded")

// Instance is a loaded model. It is not safe for concurrent use.
type Instance struct {
	Name   string
	Vocab  int
	Hidden int

	Embeddings Mat
	Head       Mat
	Bias       []float32

	maxSeq int
	logits []float32
}

// Load reads the weights for cfg from a checkpoint directory.
func Load(dir string, cfg checkpoint.Config) (*Instance, error) {
	weights, err := checkpoint.LoadWeights(dir)
	if err != nil {
		return nil, err
	}
	return New(cfg, weights)
}

// New builds a model from a tensor map. The output head falls back to the
// embedding table when the checkpoint ties them.
func New(cfg checkpoint.Config, weights map[string]safetensors.Tensor) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	emb, err := matFromTensor(weights, EmbeddingTensor)
	if err != nil {
		return nil, err
	}
	head := emb
	if _, ok := weights[HeadTensor]; ok {
		if head, err = matFromTensor(weights, HeadTensor); err != nil {
			return nil, err
		}
	}
	if emb.C != cfg.NEmbd {
		return nil, fmt.Errorf("%s has %d columns, n_embd is %d", EmbeddingTensor, emb.C, cfg.NEmbd)
	}
	if head.C != emb.C {
		return nil, fmt.Errorf("%s has %d columns, embeddings have %d", HeadTensor, head.C, emb.C)
	}
	if emb.R > cfg.Vocab() || head.R > cfg.Vocab() {
		return nil, fmt.Errorf("weights exceed configured vocabulary of %d", cfg.Vocab())
	}

	m := &Instance{
		Name:       cfg.Name,
		Vocab:      head.R,
		Hidden:     emb.C,
		Embeddings: emb,
		Head:       head,
		maxSeq:     cfg.BlockSize,
		logits:     make([]float32, head.R),
	}
	if b, ok := weights[HeadBiasTensor]; ok {
		if len(b.Data) != head.R {
			return nil, fmt.Errorf("%s has %d values, head has %d rows", HeadBiasTensor, len(b.Data), head.R)
		}
		m.Bias = b.Data
	}
	return m, nil
}

func matFromTensor(weights map[string]safetensors.Tensor, name string) (Mat, error) {
	t, ok := weights[name]
	if !ok {
		return Mat{}, fmt.Errorf("%w: %s", safetensors.ErrTensorNotFound, name)
	}
	if len(t.Shape) != 2 {
		return Mat{}, fmt.Errorf("%s: expected 2D tensor, got shape %v", name, t.Shape)
	}
	return NewMatFromData(t.Shape[0], t.Shape[1], t.Data)
}

func (m *Instance) MaxSeqLength() int { return m.maxSeq }

// SetMaxSeqLength limits the context below the block size.
func (m *Instance) SetMaxSeqLength(n int) {
	if n > 0 {
		m.maxSeq = n
	}
}

// Forward scores the next token after tokens, which start at position pos.
// The returned slice is owned by the model and overwritten by the next call.
func (m *Instance) Forward(ctx context.Context, tokens []int, pos int) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, errors.New("forward: no tokens")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if end := pos + len(tokens); pos < 0 || end > m.maxSeq {
		return nil, fmt.Errorf("%w: %d > %d", ErrContextExceeded, end, m.maxSeq)
	}
	tok := tokens[len(tokens)-1]
	if tok < 0 || tok >= m.Embeddings.R {
		return nil, fmt.Errorf("token id out of range: %d", tok)
	}

	MatVec(m.logits, &m.Head, m.Embeddings.Row(tok))
	if m.Bias != nil {
		Add(m.logits, m.Bias)
	}
	return m.logits, nil
}
