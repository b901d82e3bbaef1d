package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/samcharles93/litchat/internal/tokenizer"
)

// Decoder turns token IDs into text.
type Decoder interface {
	Decode(ids []int) (string, error)
	Backend() tokenizer.Backend
}

// TokenStream is the iterator shape produced by generate.Stream.
type TokenStream interface {
	Next() bool
	Token() int
	Err() error
}

// Decode prints tokens from stream to w as they arrive and returns how many
// were consumed. A canceled stream is treated as the user interrupting the
// reply and is not an error.
func Decode(w io.Writer, dec Decoder, stream TokenStream) (int, error) {
	var (
		n   int
		err error
	)
	switch dec.Backend() {
	case tokenizer.HuggingFace:
		n, err = decodeEach(w, dec, stream)
	case tokenizer.SentencePiece:
		n, err = decodeIncremental(w, dec, stream)
	default:
		return 0, fmt.Errorf("unsupported tokenizer backend %q", dec.Backend())
	}
	if err == nil {
		err = stream.Err()
	}
	if errors.Is(err, context.Canceled) {
		return n, nil
	}
	return n, err
}

func decodeEach(w io.Writer, dec Decoder, stream TokenStream) (int, error) {
	n := 0
	var one [1]int
	for stream.Next() {
		one[0] = stream.Token()
		text, err := dec.Decode(one[:])
		if err != nil {
			return n, err
		}
		if _, err := io.WriteString(w, text); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// decodeIncremental re-decodes the whole reply each step because a
// SentencePiece token's text depends on its neighbours. Only the new suffix
// is written. Trailing replacement characters are held back until the next
// token: with byte fallback they are the leading bytes of a character that
// is not complete yet.
func decodeIncremental(w io.Writer, dec Decoder, stream TokenStream) (int, error) {
	var (
		soFar   []int
		text    string
		printed string
	)
	for stream.Next() {
		soFar = append(soFar, stream.Token())
		var err error
		if text, err = dec.Decode(soFar); err != nil {
			return len(soFar) - 1, err
		}
		ready := strings.TrimRight(text, string(utf8.RuneError))
		if err := writeNew(w, &printed, ready); err != nil {
			return len(soFar) - 1, err
		}
	}
	if err := writeNew(w, &printed, text); err != nil {
		return len(soFar), err
	}
	return len(soFar), nil
}

// writeNew writes the part of text not yet in *printed. When text no longer
// extends *printed, output resumes where the two diverge.
func writeNew(w io.Writer, printed *string, text string) error {
	suffix, ok := strings.CutPrefix(text, *printed)
	if !ok {
		cp := commonPrefix(text, *printed)
		if cp == len(text) {
			return nil
		}
		suffix = text[cp:]
	}
	*printed = text
	if suffix == "" {
		return nil
	}
	_, err := io.WriteString(w, suffix)
	return err
}

// commonPrefix returns the length of the longest common prefix of a and b
// that ends on a rune boundary of a.
func commonPrefix(a, b string) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	for i > 0 && i < len(a) && !utf8.RuneStart(a[i]) {
		i--
	}
	return i
}
