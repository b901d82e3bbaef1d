//go:build linux

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/samcharles93/litchat/internal/chat"
)

// newLineReader returns a line editor with history when stdin is a terminal.
func newLineReader() chat.LineReader {
	if !stdinIsTTY() {
		return chat.NewPlainReader(os.Stdin, os.Stdout)
	}
	return &terminalReader{in: os.Stdin, out: os.Stdout}
}

// terminalReader edits one line at a time in raw mode. ISIG is cleared so
// Ctrl+C arrives as a byte and ends the session instead of raising SIGINT.
type terminalReader struct {
	in      *os.File
	out     io.Writer
	history []string
}

// lineState is the buffer being edited.
type lineState struct {
	out    io.Writer
	prompt string
	line   []byte
	cursor int
}

func (t *terminalReader) ReadLine(prompt string) (string, error) {
	fd := int(t.in.Fd())
	oldState, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return "", err
	}
	newState := *oldState
	newState.Lflag &^= unix.ICANON | unix.ECHO | unix.ISIG
	newState.Cc[unix.VMIN] = 1
	newState.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &newState); err != nil {
		return "", err
	}
	defer func() {
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, oldState)
	}()

	fmt.Fprint(t.out, prompt)
	st := &lineState{out: t.out, prompt: prompt, line: make([]byte, 0, 256)}
	escState := 0
	var escBuf strings.Builder
	var buf [16]byte
	histPos := len(t.history)
	histBrowsing := false
	histDraft := ""

	recall := func(s string) {
		st.line = append(st.line[:0], s...)
		st.cursor = len(st.line)
		st.redraw()
	}
	handleCSI := func(seq string) {
		switch seq {
		case "A": // up
			if len(t.history) == 0 {
				return
			}
			if !histBrowsing {
				histDraft = string(st.line)
				histBrowsing = true
				histPos = len(t.history)
			}
			if histPos > 0 {
				histPos--
				recall(t.history[histPos])
			}
		case "B": // down
			if !histBrowsing {
				return
			}
			if histPos < len(t.history)-1 {
				histPos++
				recall(t.history[histPos])
			} else {
				histPos = len(t.history)
				histBrowsing = false
				recall(histDraft)
			}
		case "D":
			st.move(st.cursor - 1)
		case "C":
			st.move(st.cursor + 1)
		case "H":
			st.move(0)
		case "F":
			st.move(len(st.line))
		case "3~":
			st.deleteRange(st.cursor, st.cursor+1)
		case "1;5D", "5D":
			st.move(st.wordStart())
		case "1;5C", "5C":
			st.move(st.wordEnd())
		case "3;5~":
			st.deleteRange(st.cursor, st.wordEnd())
		}
	}

	for {
		n, err := t.in.Read(buf[:])
		if err != nil {
			return "", err
		}
		for _, b := range buf[:n] {
			if escState != 0 {
				switch escState {
				case 1:
					escState = 0
					switch b {
					case '[':
						escState = 2
						escBuf.Reset()
					case 'b', 'B': // Alt+b
						st.move(st.wordStart())
					case 'f', 'F': // Alt+f
						st.move(st.wordEnd())
					case 127: // Alt+Backspace
						st.deleteRange(st.wordStart(), st.cursor)
					}
				case 2:
					escBuf.WriteByte(b)
					if (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '~' {
						handleCSI(escBuf.String())
						escState = 0
					}
				}
				continue
			}

			switch b {
			case 27: // ESC
				escState = 1
			case '\r', '\n':
				fmt.Fprint(t.out, "\r\n")
				out := string(st.line)
				if strings.TrimSpace(out) != "" {
					t.history = append(t.history, out)
				}
				return out, nil
			case 3: // Ctrl+C
				fmt.Fprint(t.out, "^C\r\n")
				return "", chat.ErrInterrupted
			case 4: // Ctrl+D
				if len(st.line) == 0 {
					fmt.Fprint(t.out, "\r\n")
					return "", io.EOF
				}
			case 127, 8: // backspace
				st.deleteRange(st.cursor-1, st.cursor)
			case 1: // Ctrl+A
				st.move(0)
			case 5: // Ctrl+E
				st.move(len(st.line))
			case 21: // Ctrl+U
				st.deleteRange(0, st.cursor)
			case 23: // Ctrl+W
				st.deleteRange(st.wordStart(), st.cursor)
			default:
				if b >= 32 {
					st.insert(b)
				}
			}
		}
	}
}

func (s *lineState) redraw() {
	fmt.Fprintf(s.out, "\r%s%s\x1b[K", s.prompt, s.line)
	if s.cursor < len(s.line) {
		fmt.Fprintf(s.out, "\r%s%s", s.prompt, s.line[:s.cursor])
	}
}

func (s *lineState) move(pos int) {
	pos = max(0, min(pos, len(s.line)))
	if pos == s.cursor {
		return
	}
	s.cursor = pos
	s.redraw()
}

func (s *lineState) insert(b byte) {
	s.line = append(s.line, 0)
	copy(s.line[s.cursor+1:], s.line[s.cursor:])
	s.line[s.cursor] = b
	s.cursor++
	s.redraw()
}

// deleteRange removes line[from:to] and leaves the cursor at from.
func (s *lineState) deleteRange(from, to int) {
	from = max(0, from)
	to = min(to, len(s.line))
	if from >= to {
		return
	}
	s.line = append(s.line[:from], s.line[to:]...)
	s.cursor = from
	s.redraw()
}

func (s *lineState) wordStart() int {
	i := s.cursor
	for i > 0 && isBlank(s.line[i-1]) {
		i--
	}
	for i > 0 && !isBlank(s.line[i-1]) {
		i--
	}
	return i
}

func (s *lineState) wordEnd() int {
	i := s.cursor
	for i < len(s.line) && isBlank(s.line[i]) {
		i++
	}
	for i < len(s.line) && !isBlank(s.line[i]) {
		i++
	}
	return i
}

func isBlank(b byte) bool { return b == ' ' || b == '\t' }
