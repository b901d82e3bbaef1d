// Package chat runs the interactive session: it prepares the checkpoint,
// reads prompts, generates replies and prints them as they are decoded.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/samcharles93/litchat/internal/checkpoint"
	"github.com/samcharles93/litchat/internal/generate"
	"github.com/samcharles93/litchat/internal/logger"
	"github.com/samcharles93/litchat/internal/logits"
	"github.com/samcharles93/litchat/internal/metrics"
	"github.com/samcharles93/litchat/internal/model"
	"github.com/samcharles93/litchat/internal/prompt"
	"github.com/samcharles93/litchat/internal/tokenizer"
)

// MergeNotice is printed before an unmerged LoRA checkpoint is merged.
const MergeNotice = "Merging LoRA weights with the base model."

var ErrPromptTooLong = errors.New("prompt does not fit in the model context")

// Tokenizer is what the session needs from a tokenizer.
type Tokenizer interface {
	Decoder
	prompt.Vocabulary
	Encode(text string, bos, eos bool) ([]int, error)
	UseBOS() bool
}

// Request carries the per-reply generation settings.
type Request struct {
	MaxReturnedTokens int
	Temperature       float64
	TopK              int
	TopP              float64
	Seed              int64
	StopTokens        [][]int
}

// Dependencies are the replaceable stages of a session. Zero fields use the
// built-in implementations.
type Dependencies struct {
	LoadModel    func(dir string, cfg checkpoint.Config) (generate.Model, error)
	NewTokenizer func(dir string) (Tokenizer, error)
	Generate     func(ctx context.Context, m generate.Model, prompt []int, req Request) (TokenStream, error)
	MergeLoRA    func(ctx context.Context, dir string) error
	// Interrupts returns a context canceled when the user presses Ctrl+C.
	Interrupts func(ctx context.Context) (context.Context, context.CancelFunc)
}

// Options configure a session.
type Options struct {
	CheckpointDir string
	MaxNewTokens  int
	Temperature   float64
	TopK          int
	TopP          float64
	Seed          int64
	// Precision rounds the weights of the default loader after loading.
	Precision model.Precision

	// In is read from its own goroutine. After an interrupt it may still be
	// blocked in ReadLine when Run returns.
	In      LineReader
	Out     io.Writer
	Err     io.Writer
	NoColor bool
	Metrics *metrics.Recorder

	Deps Dependencies
}

func (o *Options) setDefaults() {
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Err == nil {
		o.Err = os.Stderr
	}
	if o.In == nil {
		o.In = NewPlainReader(os.Stdin, o.Out)
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	d := &o.Deps
	if d.LoadModel == nil {
		d.LoadModel = func(dir string, cfg checkpoint.Config) (generate.Model, error) {
			m, err := model.Load(dir, cfg)
			if err != nil {
				return nil, err
			}
			if o.Precision != "" && o.Precision != model.Precision32 {
				if err := m.SetPrecision(o.Precision); err != nil {
					return nil, err
				}
			}
			return m, nil
		}
	}
	if d.NewTokenizer == nil {
		d.NewTokenizer = func(dir string) (Tokenizer, error) { return tokenizer.New(dir) }
	}
	if d.Generate == nil {
		d.Generate = Generate
	}
	if d.MergeLoRA == nil {
		d.MergeLoRA = func(ctx context.Context, dir string) error {
			return checkpoint.MergeLoRA(ctx, dir, checkpoint.MergeOptions{})
		}
	}
	if d.Interrupts == nil {
		d.Interrupts = func(ctx context.Context) (context.Context, context.CancelFunc) {
			return signal.NotifyContext(ctx, os.Interrupt)
		}
	}
}

// Generate is the default generator: a seeded sampler driving generate.New.
func Generate(ctx context.Context, m generate.Model, prompt []int, req Request) (TokenStream, error) {
	s := logits.NewSampler(logits.SamplerConfig{
		Seed:        req.Seed,
		Temperature: float32(req.Temperature),
		TopK:        req.TopK,
		TopP:        float32(req.TopP),
	})
	return generate.New(ctx, m, s, prompt, req.MaxReturnedTokens, req.StopTokens...)
}

type session struct {
	opts   Options
	log    logger.Logger
	name   string
	model  generate.Model
	tok    Tokenizer
	style  prompt.Style
	stops  [][]int
	marker *color.Color
	banner *color.Color
	turn   int64
}

// Run prepares the checkpoint and chats until the user enters an empty
// prompt, input ends, or the user interrupts input.
func Run(ctx context.Context, opts Options) error {
	opts.setDefaults()
	s := &session{
		opts:   opts,
		log:    logger.FromContext(ctx).With("session", uuid.NewString()),
		marker: color.New(color.FgGreen, color.Bold),
		banner: color.New(color.FgCyan),
	}
	if opts.NoColor {
		s.marker.DisableColor()
		s.banner.DisableColor()
	}
	if err := s.prepare(ctx); err != nil {
		return err
	}

	s.banner.Fprintf(opts.Out, "Now chatting with %s.\n", s.name)
	fmt.Fprint(opts.Out, "To exit, press 'Enter' on an empty prompt.\n\n")

	for {
		line, ok, err := s.readPrompt(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if strings.TrimSpace(line) == "" {
			return nil
		}
		if err := s.reply(ctx, line); err != nil {
			if errors.Is(err, ErrPromptTooLong) {
				s.log.Warn("prompt skipped", "error", err)
				continue
			}
			return err
		}
	}
}

func (s *session) prepare(ctx context.Context) error {
	dir := s.opts.CheckpointDir
	if _, ok := checkpoint.FindUnmergedLoRA(dir); ok {
		fmt.Fprintln(s.opts.Out, MergeNotice)
		if err := s.opts.Deps.MergeLoRA(ctx, dir); err != nil {
			return fmt.Errorf("merge LoRA weights: %w", err)
		}
		s.opts.Metrics.RecordMerge()
	}
	if err := checkpoint.CheckDir(dir); err != nil {
		return err
	}
	cfg, err := checkpoint.LoadConfig(dir)
	if err != nil {
		return fmt.Errorf("load model config: %w", err)
	}
	s.name = cfg.Name

	start := time.Now()
	if s.model, err = s.opts.Deps.LoadModel(dir, cfg); err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	s.log.Info("model loaded", "name", cfg.Name, "elapsed", time.Since(start).Round(time.Millisecond))

	if s.tok, err = s.opts.Deps.NewTokenizer(dir); err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}
	if s.style, err = prompt.Select(dir, cfg.Name); err != nil {
		return err
	}
	s.stops = s.style.StopTokens(s.tok)
	s.log.Debug("session ready", "prompt_style", s.style.Name, "stop_tokens", len(s.stops), "backend", s.tok.Backend())
	return nil
}

// readPrompt returns false when the session should end.
func (s *session) readPrompt(ctx context.Context) (string, bool, error) {
	ctx, stop := s.opts.Deps.Interrupts(ctx)
	defer stop()

	type result struct {
		line string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := s.opts.In.ReadLine(s.marker.Sprint(">>") + " Prompt: ")
		done <- result{line, err}
	}()

	select {
	case <-ctx.Done():
		// The reader may still be writing its prompt, so Out is left alone.
		return "", false, nil
	case res := <-done:
		switch {
		case errors.Is(res.err, io.EOF), errors.Is(res.err, ErrInterrupted):
			return "", false, nil
		case res.err != nil:
			return "", false, fmt.Errorf("read prompt: %w", res.err)
		}
		return res.line, true, nil
	}
}

func (s *session) reply(ctx context.Context, input string) error {
	encoded, err := s.tok.Encode(s.style.Apply(input), s.tok.UseBOS(), false)
	if err != nil {
		return fmt.Errorf("encode prompt: %w", err)
	}
	maxReturned := len(encoded) + s.opts.MaxNewTokens
	if limit := s.model.MaxSeqLength() + 1; maxReturned > limit {
		s.log.Debug("reply length capped by model context", "requested", maxReturned, "limit", limit)
		maxReturned = limit
	}
	if maxReturned <= len(encoded) {
		return fmt.Errorf("%w: %d tokens, context is %d", ErrPromptTooLong, len(encoded), s.model.MaxSeqLength())
	}
	s.opts.Metrics.RecordPrompt(len(encoded))

	ctx, stop := s.opts.Deps.Interrupts(ctx)
	defer stop()

	s.turn++
	stream, err := s.opts.Deps.Generate(ctx, s.model, encoded, Request{
		MaxReturnedTokens: maxReturned,
		Temperature:       s.opts.Temperature,
		TopK:              s.opts.TopK,
		TopP:              s.opts.TopP,
		Seed:              s.opts.Seed + s.turn - 1,
		StopTokens:        s.stops,
	})
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	s.marker.Fprint(s.opts.Out, ">>")
	fmt.Fprint(s.opts.Out, " Reply: ")
	start := time.Now()
	n, err := Decode(s.opts.Out, s.tok, stream)
	elapsed := time.Since(start)
	if err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}

	reason := metrics.ReasonLength
	switch {
	case ctx.Err() != nil:
		reason = metrics.ReasonInterrupt
	case len(encoded)+n < maxReturned:
		reason = metrics.ReasonStop
	}
	s.opts.Metrics.RecordReply(n, elapsed, reason)

	secs := elapsed.Seconds()
	rate := 0.0
	if secs > 0 {
		rate = float64(n) / secs
	}
	fmt.Fprintln(s.opts.Out)
	fmt.Fprintf(s.opts.Err, "Time for inference: %.02f sec total, %.02f tokens/sec, %d tokens\n", secs, rate, n)
	fmt.Fprintln(s.opts.Out)
	s.log.Debug("reply finished", "tokens", n, "reason", reason, "elapsed", elapsed)
	return nil
}
