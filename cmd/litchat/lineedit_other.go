//go:build !linux

package main

import (
	"os"

	"github.com/samcharles93/litchat/internal/chat"
)

// newLineReader reads plain lines; raw terminal editing is linux only.
func newLineReader() chat.LineReader {
	return chat.NewPlainReader(os.Stdin, os.Stdout)
}
