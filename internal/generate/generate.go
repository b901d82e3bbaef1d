// Package generate implements the token generation loop used by chat: one
// sampled token per step, with output withheld while it may still turn into
// one of the configured stop sequences.
package generate

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

var (
	ErrEmptyPrompt      = errors.New("generate: empty prompt")
	ErrNoRoom           = errors.New("generate: max returned tokens must exceed prompt length")
	ErrExceedsMaxLength = errors.New("generate: requested length exceeds model max sequence length")
)

// Model produces next-token logits for a context.
//
// Forward receives the tokens that follow everything already consumed; pos is
// the position of tokens[0]. A call with pos == 0 starts a new sequence.
type Model interface {
	Forward(ctx context.Context, tokens []int, pos int) ([]float32, error)
	MaxSeqLength() int
}

// Sampler picks the next token from a logits vector.
type Sampler interface {
	Sample(logits []float32) int
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(logits []float32) int

func (f SamplerFunc) Sample(logits []float32) int { return f(logits) }

// Stream yields generated tokens one at a time. It is lazy and cannot be
// restarted. Typical use:
//
//	for s.Next() {
//		use(s.Token())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	ctx     context.Context
	model   Model
	sampler Sampler

	feed      []int
	last      [1]int
	pos       int
	remaining int
	generated int

	matchers []matcher
	pending  ring
	ready    []int

	tok  int
	err  error
	done bool
}

// New prepares a stream that generates until the total sequence length
// (prompt included) reaches maxReturnedTokens or a generated suffix equals
// one of stopTokens. Empty stop sequences are ignored.
func New(ctx context.Context, m Model, s Sampler, prompt []int, maxReturnedTokens int, stopTokens ...[]int) (*Stream, error) {
	if len(prompt) == 0 {
		return nil, ErrEmptyPrompt
	}
	if maxReturnedTokens <= len(prompt) {
		return nil, fmt.Errorf("%w: prompt has %d tokens, max returned tokens is %d", ErrNoRoom, len(prompt), maxReturnedTokens)
	}
	// The final sampled token is never fed back, hence the -1.
	if limit := m.MaxSeqLength(); limit < maxReturnedTokens-1 {
		return nil, fmt.Errorf("%w: need %d, model supports %d", ErrExceedsMaxLength, maxReturnedTokens-1, limit)
	}

	longest := 1
	matchers := make([]matcher, 0, len(stopTokens))
	for _, seq := range stopTokens {
		if len(seq) == 0 {
			continue
		}
		matchers = append(matchers, newMatcher(seq))
		longest = max(longest, len(seq))
	}

	return &Stream{
		ctx:       ctx,
		model:     m,
		sampler:   s,
		feed:      append([]int(nil), prompt...),
		remaining: maxReturnedTokens - len(prompt),
		matchers:  matchers,
		pending:   newRing(longest),
		ready:     make([]int, 0, longest),
	}, nil
}

// Next advances to the next emitted token. It returns false when generation
// has finished or failed; check Err afterwards.
func (s *Stream) Next() bool {
	for {
		if len(s.ready) > 0 {
			s.tok = s.ready[0]
			s.ready = s.ready[1:]
			return true
		}
		if s.done {
			return false
		}
		s.step()
	}
}

// Token returns the token produced by the last successful Next call.
func (s *Stream) Token() int { return s.tok }

// Err returns the error that ended the stream, if any. Reaching the length
// cap or a stop sequence is not an error.
func (s *Stream) Err() error { return s.err }

// Generated reports how many tokens were sampled, including tokens that were
// withheld and then dropped because they completed a stop sequence.
func (s *Stream) Generated() int { return s.generated }

// All adapts the stream to a range-over-func iterator.
func (s *Stream) All() iter.Seq[int] {
	return func(yield func(int) bool) {
		for s.Next() {
			if !yield(s.Token()) {
				return
			}
		}
	}
}

func (s *Stream) step() {
	if s.remaining == 0 {
		for s.pending.len() > 0 {
			s.ready = append(s.ready, s.pending.pop())
		}
		s.done = true
		return
	}
	if err := s.ctx.Err(); err != nil {
		s.fail(err)
		return
	}

	logits, err := s.model.Forward(s.ctx, s.feed, s.pos)
	if err != nil {
		s.fail(fmt.Errorf("forward at position %d: %w", s.pos, err))
		return
	}
	s.pos += len(s.feed)
	tok := s.sampler.Sample(logits)
	s.generated++
	s.remaining--
	s.last[0] = tok
	s.feed = s.last[:]

	// hold is the longest stop prefix currently ending at tok; that many
	// trailing tokens may still become a stop sequence.
	hold := 0
	for i := range s.matchers {
		n := s.matchers[i].advance(tok)
		if s.matchers[i].complete() {
			s.pending.reset()
			s.done = true
			return
		}
		hold = max(hold, n)
	}

	s.pending.push(tok)
	for s.pending.len() > hold {
		s.ready = append(s.ready, s.pending.pop())
	}
}

func (s *Stream) fail(err error) {
	s.pending.reset()
	s.err = err
	s.done = true
}

// Collect drains the stream into a slice.
func Collect(s *Stream) ([]int, error) {
	var out []int
	for s.Next() {
		out = append(out, s.Token())
	}
	return out, s.Err()
}
