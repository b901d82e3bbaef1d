package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/samcharles93/litchat/internal/checkpoint"
)

const (
	envCheckpointDir = "LITCHAT_CHECKPOINT_DIR"
	envModelsDir     = "LITCHAT_MODELS_DIR"
)

// stdinIsTTY is a small seam for tests.
var stdinIsTTY = isTTY

// resolveCheckpointDir picks the checkpoint to use: the flag, then
// LITCHAT_CHECKPOINT_DIR, then a checkpoint found under the models directory.
func resolveCheckpointDir(dirFlag, modelsPath string, stdin io.Reader, stderr io.Writer) (string, error) {
	dir := strings.TrimSpace(dirFlag)
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv(envCheckpointDir))
	}
	if dir != "" {
		return filepath.Clean(dir), nil
	}

	root := strings.TrimSpace(modelsPath)
	if root == "" {
		root = strings.TrimSpace(os.Getenv(envModelsDir))
	}
	if root == "" {
		return "", fmt.Errorf("--checkpoint-dir is required unless %s or %s is set", envCheckpointDir, envModelsDir)
	}

	dirs, err := discoverCheckpoints(root)
	if err != nil {
		return "", err
	}
	switch len(dirs) {
	case 0:
		return "", fmt.Errorf("no checkpoints found in %s", root)
	case 1:
		_, _ = fmt.Fprintf(stderr, "chat: using checkpoint %s\n", dirs[0])
		return dirs[0], nil
	default:
		if !stdinIsTTY() {
			return "", fmt.Errorf(
				"multiple checkpoints found in %s but stdin is not interactive; set --checkpoint-dir",
				root,
			)
		}
		return selectCheckpointInteractively(root, dirs, stdin, stderr)
	}
}

// discoverCheckpoints lists the immediate subdirectories of dir, and dir
// itself, that hold a model config.
func discoverCheckpoints(dir string) ([]string, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("models directory is empty")
	}
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}
	if hasConfig(dir) {
		return []string{filepath.Clean(dir)}, nil
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	dirs := make([]string, 0, len(ents))
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if hasConfig(p) {
			dirs = append(dirs, p)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

func hasConfig(dir string) bool {
	st, err := os.Stat(filepath.Join(dir, checkpoint.ConfigFile))
	return err == nil && st.Mode().IsRegular()
}

func selectCheckpointInteractively(root string, dirs []string, stdin io.Reader, stderr io.Writer) (string, error) {
	if len(dirs) == 0 {
		return "", fmt.Errorf("no checkpoints available in %s", root)
	}

	_, _ = fmt.Fprintf(stderr, "chat: select a checkpoint from %s\n", root)
	for i, d := range dirs {
		_, _ = fmt.Fprintf(stderr, "%d. %s\n", i+1, displayName(root, d))
	}

	reader := bufio.NewReader(stdin)
	for {
		_, _ = fmt.Fprintf(stderr, "chat: enter selection [1-%d]: ", len(dirs))
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if errors.Is(err, io.EOF) {
				return "", errors.New("no selection provided on stdin; set --checkpoint-dir")
			}
			continue
		}

		idx, convErr := strconv.Atoi(line)
		if convErr != nil || idx < 1 || idx > len(dirs) {
			_, _ = fmt.Fprintf(stderr, "chat: invalid selection %q\n", line)
			if errors.Is(err, io.EOF) {
				return "", errors.New("invalid selection provided on stdin; set --checkpoint-dir")
			}
			continue
		}
		return dirs[idx-1], nil
	}
}

func displayName(root, dir string) string {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." {
		return filepath.Base(dir)
	}
	return rel
}

func isTTY() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}
