package chat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/samcharles93/litchat/internal/checkpoint"
	"github.com/samcharles93/litchat/internal/generate"
	"github.com/samcharles93/litchat/internal/logger"
	"github.com/samcharles93/litchat/internal/metrics"
	"github.com/samcharles93/litchat/internal/model"
	"github.com/samcharles93/litchat/internal/safetensors"
	"github.com/samcharles93/litchat/internal/tokenizer"
)

type sliceStream struct {
	tokens []int
	i      int
	err    error
}

func (s *sliceStream) Next() bool {
	if s.i >= len(s.tokens) {
		return false
	}
	s.i++
	return true
}

func (s *sliceStream) Token() int { return s.tokens[s.i-1] }
func (s *sliceStream) Err() error {
	if s.i >= len(s.tokens) {
		return s.err
	}
	return nil
}

type mapDecoder struct {
	backend tokenizer.Backend
	text    map[int]string
	calls   [][]int
}

func (d *mapDecoder) Backend() tokenizer.Backend { return d.backend }

func (d *mapDecoder) Decode(ids []int) (string, error) {
	d.calls = append(d.calls, append([]int(nil), ids...))
	var sb strings.Builder
	for _, id := range ids {
		t, ok := d.text[id]
		if !ok {
			return "", errors.New("unknown id")
		}
		sb.WriteString(t)
	}
	return sb.String(), nil
}

func TestDecode(t *testing.T) {
	t.Parallel()
	for _, backend := range []tokenizer.Backend{tokenizer.HuggingFace, tokenizer.SentencePiece} {
		t.Run(string(backend), func(t *testing.T) {
			t.Parallel()
			dec := &mapDecoder{backend: backend, text: map[int]string{1: "foo ", 2: "bar ", 3: "baz "}}
			var out bytes.Buffer
			n, err := Decode(&out, dec, &sliceStream{tokens: []int{3, 2, 1}})
			require.NoError(t, err)
			require.Equal(t, 3, n)
			require.Equal(t, "baz bar foo ", out.String())
			require.Len(t, dec.calls, 3)
		})
	}
}

// spaceDecoder drops the leading space of a sequence like SentencePiece does.
type spaceDecoder struct{ mapDecoder }

func (d *spaceDecoder) Decode(ids []int) (string, error) {
	s, err := d.mapDecoder.Decode(ids)
	return strings.TrimPrefix(s, " "), err
}

func TestDecodeSentencePieceUsesContext(t *testing.T) {
	t.Parallel()
	dec := &spaceDecoder{mapDecoder{backend: tokenizer.SentencePiece, text: map[int]string{1: " Hello", 2: " world"}}}
	var out bytes.Buffer
	n, err := Decode(&out, dec, &sliceStream{tokens: []int{1, 2}})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "Hello world", out.String())
	require.Equal(t, [][]int{{1}, {1, 2}}, dec.calls)
}

func TestDecodeInterrupted(t *testing.T) {
	t.Parallel()
	dec := &mapDecoder{backend: tokenizer.HuggingFace, text: map[int]string{1: "a", 2: "b"}}
	var out bytes.Buffer
	n, err := Decode(&out, dec, &sliceStream{tokens: []int{1, 2}, err: context.Canceled})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "ab", out.String())
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	dec := &mapDecoder{backend: tokenizer.HuggingFace, text: map[int]string{1: "a"}}
	_, err := Decode(io.Discard, dec, &sliceStream{tokens: []int{1}, err: boom})
	require.ErrorIs(t, err, boom)

	n, err := Decode(io.Discard, dec, &sliceStream{tokens: []int{1, 9}})
	require.Error(t, err)
	require.Equal(t, 1, n)

	_, err = Decode(io.Discard, &mapDecoder{backend: "tiktoken"}, &sliceStream{})
	require.Error(t, err)
}

type fakeModel struct{ maxSeq int }

func (m fakeModel) Forward(context.Context, []int, int) ([]float32, error) { return nil, nil }

func (m fakeModel) MaxSeqLength() int { return m.maxSeq }

type fakeTokenizer struct {
	mapDecoder
	encoded []int
	reply   string
	encodes []string
}

func (f *fakeTokenizer) Decode(ids []int) (string, error) {
	f.calls = append(f.calls, append([]int(nil), ids...))
	return f.reply, nil
}

func (f *fakeTokenizer) Encode(text string, bos, eos bool) ([]int, error) {
	f.encodes = append(f.encodes, text)
	return f.encoded, nil
}

func (f *fakeTokenizer) EOSID() int { return 7 }

func (f *fakeTokenizer) TokenToID(string) (int, bool) { return 0, false }

func (f *fakeTokenizer) UseBOS() bool { return false }

type generateCall struct {
	prompt []int
	req    Request
}

type scriptedInput struct {
	lines []string
	err   error
}

func (s *scriptedInput) ReadLine(string) (string, error) {
	if len(s.lines) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func fakeCheckpoint(t *testing.T, cfg checkpoint.Config, weightsFile string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, checkpoint.SaveConfig(cfg, dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, weightsFile), nil, 0o644))
	return dir
}

func passThrough(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(ctx)
}

func testContext() context.Context {
	return logger.WithContext(context.Background(), logger.Discard())
}

func TestRun(t *testing.T) {
	t.Parallel()
	cases := map[string]*scriptedInput{
		"interrupt":   {lines: []string{"Hello"}, err: ErrInterrupted},
		"empty input": {lines: []string{"Hello", ""}},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := checkpoint.Config{Name: "Llama 3", BlockSize: 128, VocabSize: 50, NLayer: 2, NHead: 4, NEmbd: 8, RotaryPercentage: 1}
			dir := fakeCheckpoint(t, cfg, checkpoint.WeightsFile)

			tok := &fakeTokenizer{
				mapDecoder: mapDecoder{backend: tokenizer.SentencePiece},
				encoded:    []int{1, 2, 3},
				reply:      "foo bar baz",
			}
			var calls []generateCall
			var out, errOut bytes.Buffer
			err := Run(testContext(), Options{
				CheckpointDir: dir,
				MaxNewTokens:  10,
				Temperature:   2.0,
				TopK:          2,
				TopP:          0.9,
				In:            input,
				Out:           &out,
				Err:           &errOut,
				NoColor:       true,
				Deps: Dependencies{
					LoadModel: func(string, checkpoint.Config) (generate.Model, error) {
						return fakeModel{maxSeq: 128}, nil
					},
					NewTokenizer: func(string) (Tokenizer, error) { return tok, nil },
					Generate: func(_ context.Context, _ generate.Model, p []int, req Request) (TokenStream, error) {
						calls = append(calls, generateCall{prompt: p, req: req})
						return &sliceStream{tokens: []int{3, 2, 1}}, nil
					},
					Interrupts: passThrough,
				},
			})
			require.NoError(t, err)

			// One decode per generated token, the last one covering the reply.
			require.Len(t, tok.calls, 3)
			require.Equal(t, []int{3, 2, 1}, tok.calls[2])
			require.Equal(t, []string{"Hello"}, tok.encodes)

			require.Len(t, calls, 1)
			require.Equal(t, []int{1, 2, 3}, calls[0].prompt)
			require.Equal(t, 13, calls[0].req.MaxReturnedTokens)
			require.Equal(t, 2.0, calls[0].req.Temperature)
			require.Equal(t, 2, calls[0].req.TopK)
			require.Equal(t, 0.9, calls[0].req.TopP)
			require.Equal(t, [][]int{{7}}, calls[0].req.StopTokens)

			require.Regexp(t, regexp.MustCompile(`(?s).*Now chatting with Llama 3.*>> .*Reply: foo bar baz`), out.String())
			require.Contains(t, errOut.String(), "Time for inference:")
			require.NotContains(t, errOut.String(), "foo bar baz")
		})
	}
}

func TestRunMergesLoRA(t *testing.T) {
	t.Parallel()
	cfg, err := checkpoint.ConfigFromName("pythia-14m")
	require.NoError(t, err)
	dir := fakeCheckpoint(t, cfg, checkpoint.WeightsFile+checkpoint.LoRASuffix)

	merges := 0
	rec := metrics.New()
	var out bytes.Buffer
	err = Run(testContext(), Options{
		CheckpointDir: dir,
		In:            &scriptedInput{lines: []string{""}},
		Out:           &out,
		Err:           io.Discard,
		NoColor:       true,
		Metrics:       rec,
		Deps: Dependencies{
			LoadModel: func(string, checkpoint.Config) (generate.Model, error) { return fakeModel{maxSeq: 512}, nil },
			NewTokenizer: func(string) (Tokenizer, error) {
				return &fakeTokenizer{mapDecoder: mapDecoder{backend: tokenizer.HuggingFace}}, nil
			},
			MergeLoRA: func(_ context.Context, d string) error {
				merges++
				return os.WriteFile(checkpoint.WeightsPath(d), nil, 0o644)
			},
			Interrupts: passThrough,
		},
	})
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`(?s).*Merging LoRA weights with the base model\..*`), out.String())
	require.Equal(t, 1, merges)
	require.Equal(t, 1.0, testutil.ToFloat64(rec.LoRAMerges))
}

func TestRunMergeFailure(t *testing.T) {
	t.Parallel()
	cfg, err := checkpoint.ConfigFromName("pythia-14m")
	require.NoError(t, err)
	dir := fakeCheckpoint(t, cfg, checkpoint.WeightsFile+checkpoint.LoRASuffix)

	boom := errors.New("boom")
	err = Run(testContext(), Options{
		CheckpointDir: dir,
		Out:           io.Discard,
		Deps: Dependencies{
			MergeLoRA: func(context.Context, string) error { return boom },
		},
	})
	require.ErrorIs(t, err, boom)
}

func TestRunSkipsPromptTooLong(t *testing.T) {
	t.Parallel()
	cfg := checkpoint.Config{Name: "tiny", BlockSize: 2, VocabSize: 10, NEmbd: 2}
	dir := fakeCheckpoint(t, cfg, checkpoint.WeightsFile)

	generated := 0
	tok := &fakeTokenizer{mapDecoder: mapDecoder{backend: tokenizer.HuggingFace}, encoded: []int{1, 2, 3}}
	err := Run(testContext(), Options{
		CheckpointDir: dir,
		MaxNewTokens:  5,
		In:            &scriptedInput{lines: []string{"a long prompt", "quit", ""}},
		Out:           io.Discard,
		Err:           io.Discard,
		Deps: Dependencies{
			LoadModel: func(string, checkpoint.Config) (generate.Model, error) { return fakeModel{maxSeq: 2}, nil },
			NewTokenizer: func(string) (Tokenizer, error) { return tok, nil },
			Generate: func(context.Context, generate.Model, []int, Request) (TokenStream, error) {
				generated++
				return &sliceStream{}, nil
			},
			Interrupts: passThrough,
		},
	})
	require.NoError(t, err)
	// "quit" is an ordinary prompt and is skipped for the same reason.
	require.Zero(t, generated)
	require.Equal(t, []string{"a long prompt", "quit"}, tok.encodes)
}

func TestRunInterruptWhileReading(t *testing.T) {
	t.Parallel()
	cfg := checkpoint.Config{Name: "tiny", BlockSize: 8, VocabSize: 10, NEmbd: 2}
	dir := fakeCheckpoint(t, cfg, checkpoint.WeightsFile)

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	err := Run(testContext(), Options{
		CheckpointDir: dir,
		In: LineReaderFunc(func(string) (string, error) {
			<-block
			return "", io.EOF
		}),
		Out: io.Discard,
		Deps: Dependencies{
			LoadModel: func(string, checkpoint.Config) (generate.Model, error) { return fakeModel{maxSeq: 8}, nil },
			NewTokenizer: func(string) (Tokenizer, error) {
				return &fakeTokenizer{mapDecoder: mapDecoder{backend: tokenizer.HuggingFace}}, nil
			},
			Interrupts: func(ctx context.Context) (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(ctx)
				cancel()
				return ctx, cancel
			},
		},
	})
	require.NoError(t, err)
}

func TestRunBadCheckpoint(t *testing.T) {
	t.Parallel()
	err := Run(testContext(), Options{CheckpointDir: t.TempDir(), Out: io.Discard})
	require.Error(t, err)
}

func TestPlainReader(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	r := NewPlainReader(strings.NewReader("first\r\nsecond"), &out)

	line, err := r.ReadLine("> ")
	require.NoError(t, err)
	require.Equal(t, "first", line)

	line, err = r.ReadLine("> ")
	require.NoError(t, err)
	require.Equal(t, "second", line)

	_, err = r.ReadLine("> ")
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, "> > > ", out.String())
}

func TestGenerateDefault(t *testing.T) {
	t.Parallel()
	// Greedy decoding walks 0 -> 1 -> 2 -> 0.
	m, err := model.New(checkpoint.Config{Name: "cycle", BlockSize: 16, VocabSize: 3, NEmbd: 3}, map[string]safetensors.Tensor{
		model.EmbeddingTensor: {Shape: []int{3, 3}, Data: []float32{1, 0, 0, 0, 1, 0, 0, 0, 1}},
		model.HeadTensor:      {Shape: []int{3, 3}, Data: []float32{0, 0, 1, 1, 0, 0, 0, 1, 0}},
	})
	require.NoError(t, err)

	stream, err := Generate(context.Background(), m, []int{0}, Request{MaxReturnedTokens: 10, StopTokens: [][]int{{0}}})
	require.NoError(t, err)
	got, err := generate.Collect(stream.(*generate.Stream))
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, got)

	stream, err = Generate(context.Background(), m, []int{0}, Request{MaxReturnedTokens: 5})
	require.NoError(t, err)
	got, err = generate.Collect(stream.(*generate.Stream))
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 0, 1}, got)
}

func TestRunDefaultLoaderAppliesPrecision(t *testing.T) {
	t.Parallel()
	cfg := checkpoint.Config{Name: "tiny", BlockSize: 8, VocabSize: 2, NEmbd: 2}
	dir := t.TempDir()
	require.NoError(t, checkpoint.SaveConfig(cfg, dir))
	require.NoError(t, safetensors.WriteFile(checkpoint.WeightsPath(dir), map[string]safetensors.Tensor{
		model.EmbeddingTensor: {Shape: []int{2, 2}, Data: []float32{0.1, 1, 1, 0}},
	}, nil))

	var loaded *model.Instance
	err := Run(testContext(), Options{
		CheckpointDir: dir,
		MaxNewTokens:  1,
		Precision:     model.PrecisionBF16,
		In:            &scriptedInput{lines: []string{"hi"}},
		Out:           io.Discard,
		Err:           io.Discard,
		Deps: Dependencies{
			NewTokenizer: func(string) (Tokenizer, error) {
				return &fakeTokenizer{mapDecoder: mapDecoder{backend: tokenizer.HuggingFace}, encoded: []int{0}}, nil
			},
			Generate: func(_ context.Context, m generate.Model, _ []int, _ Request) (TokenStream, error) {
				loaded = m.(*model.Instance)
				return &sliceStream{}, nil
			},
			Interrupts: passThrough,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, float32(0.10009765625), loaded.Embeddings.Data[0])
}

// byteFallbackDir writes a SentencePiece model whose "é" only exists as two
// byte pieces: 0 <unk>, 1 <s>, 2 </s>, 3 <0xC3>, 4 <0xA9>, 5 h.
func byteFallbackDir(t *testing.T) string {
	t.Helper()
	pieces := []struct {
		text string
		kind uint64
	}{
		{"<unk>", 2}, {"<s>", 3}, {"</s>", 3}, {"<0xC3>", 6}, {"<0xA9>", 6}, {"h", 1},
	}
	var b []byte
	for _, p := range pieces {
		var msg []byte
		msg = protowire.AppendTag(msg, 1, protowire.BytesType)
		msg = protowire.AppendString(msg, p.text)
		msg = protowire.AppendTag(msg, 2, protowire.Fixed32Type)
		msg = protowire.AppendFixed32(msg, math.Float32bits(0))
		msg = protowire.AppendTag(msg, 3, protowire.VarintType)
		msg = protowire.AppendVarint(msg, p.kind)
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.model"), b, 0o644))
	return dir
}

func TestDecodeSentencePieceByteFallback(t *testing.T) {
	t.Parallel()
	tok, err := tokenizer.New(byteFallbackDir(t))
	require.NoError(t, err)
	require.Equal(t, tokenizer.SentencePiece, tok.Backend())

	cases := map[string]struct {
		tokens []int
		want   string
	}{
		"completed character":   {tokens: []int{5, 3, 4}, want: "hé"},
		"character then text":   {tokens: []int{3, 4, 5}, want: "éh"},
		"incomplete at the end": {tokens: []int{5, 3}, want: "h\uFFFD"},
		"stray continuation":    {tokens: []int{4, 5}, want: "\uFFFDh"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			full, err := tok.Decode(tc.tokens)
			require.NoError(t, err)
			require.Equal(t, tc.want, full)

			var out bytes.Buffer
			n, err := Decode(&out, tok, &sliceStream{tokens: tc.tokens})
			require.NoError(t, err)
			require.Equal(t, len(tc.tokens), n)
			require.Equal(t, full, out.String())
		})
	}
}

func TestWriteNewResyncsOnDivergence(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	printed := ""
	for _, text := range []string{"ab", "abé", "abe", "ab", "abex"} {
		require.NoError(t, writeNew(&out, &printed, text))
	}
	// "e" replaces "é" from the point where the texts differ; a shorter
	// prefix prints nothing.
	require.Equal(t, "abéex", out.String())
	require.Equal(t, "abex", printed)
}

func TestRunInterruptLeavesOutputToReader(t *testing.T) {
	t.Parallel()
	cfg := checkpoint.Config{Name: "tiny", BlockSize: 8, VocabSize: 10, NEmbd: 2}
	dir := fakeCheckpoint(t, cfg, checkpoint.WeightsFile)

	var out bytes.Buffer
	started := make(chan struct{})
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	err := Run(testContext(), Options{
		CheckpointDir: dir,
		In: LineReaderFunc(func(prompt string) (string, error) {
			out.WriteString(prompt)
			close(started)
			<-block
			return "", io.EOF
		}),
		Out:     &out,
		Err:     io.Discard,
		NoColor: true,
		Deps: Dependencies{
			LoadModel: func(string, checkpoint.Config) (generate.Model, error) { return fakeModel{maxSeq: 8}, nil },
			NewTokenizer: func(string) (Tokenizer, error) {
				return &fakeTokenizer{mapDecoder: mapDecoder{backend: tokenizer.HuggingFace}}, nil
			},
			Interrupts: func(ctx context.Context) (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(ctx)
				go func() {
					<-started
					cancel()
				}()
				return ctx, cancel
			},
		},
	})
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(out.String(), ">> Prompt: "), "unexpected output %q", out.String())
}
