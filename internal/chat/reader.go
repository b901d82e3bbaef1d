package chat

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrInterrupted is returned by a LineReader when the user presses Ctrl+C.
var ErrInterrupted = errors.New("interrupted")

// LineReader shows prompt and returns one line of input without its trailing
// newline. It returns io.EOF when input ends.
type LineReader interface {
	ReadLine(prompt string) (string, error)
}

// LineReaderFunc adapts a function to LineReader.
type LineReaderFunc func(prompt string) (string, error)

func (f LineReaderFunc) ReadLine(prompt string) (string, error) { return f(prompt) }

type plainReader struct {
	r *bufio.Reader
	w io.Writer
}

// NewPlainReader reads lines from r, writing prompts to w. It is used when
// stdin is not a terminal.
func NewPlainReader(r io.Reader, w io.Writer) LineReader {
	return &plainReader{r: bufio.NewReader(r), w: w}
}

func (p *plainReader) ReadLine(prompt string) (string, error) {
	if _, err := fmt.Fprint(p.w, prompt); err != nil {
		return "", err
	}
	s, err := p.r.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || s == "") {
		return "", err
	}
	return TrimNewline(s), nil
}

// TrimNewline removes one trailing "\n" or "\r\n".
func TrimNewline(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}
