// Package tokenizer converts between text and token IDs for a checkpoint.
// Two backends are supported: byte-level BPE read from a Hugging Face
// tokenizer.json, and SentencePiece models read from tokenizer.model.
package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Backend names the implementation behind a Tokenizer.
type Backend string

const (
	HuggingFace   Backend = "huggingface"
	SentencePiece Backend = "sentencepiece"
)

const (
	hfFile               = "tokenizer.json"
	spFile               = "tokenizer.model"
	configFile           = "tokenizer_config.json"
	generationConfigFile = "generation_config.json"
)

var ErrNoTokenizer = errors.New("no tokenizer.json or tokenizer.model found")

type model interface {
	encode(text string) ([]int, error)
	decode(ids []int) (string, error)
	tokenID(piece string) (int, bool)
	vocabSize() int
}

// Tokenizer encodes prompts and decodes generated tokens.
type Tokenizer struct {
	backend Backend
	model   model
	bosID   int
	eosID   int
	useBOS  bool
}

// New loads the tokenizer stored in a checkpoint directory.
func New(dir string) (*Tokenizer, error) {
	var (
		t   = &Tokenizer{bosID: -1, eosID: -1}
		err error
	)
	switch {
	case isFile(filepath.Join(dir, hfFile)):
		t.backend = HuggingFace
		t.model, err = loadHF(filepath.Join(dir, hfFile))
	case isFile(filepath.Join(dir, spFile)):
		t.backend = SentencePiece
		var sp *spModel
		sp, err = loadSentencePiece(filepath.Join(dir, spFile))
		if sp != nil {
			t.model = sp
			t.bosID, t.eosID = sp.bosID, sp.eosID
		}
	default:
		return nil, fmt.Errorf("%w in %s", ErrNoTokenizer, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s tokenizer: %w", t.backend, err)
	}

	special, err := loadSpecialTokens(dir)
	if err != nil {
		return nil, err
	}
	if err := t.applySpecialTokens(special); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tokenizer) applySpecialTokens(s specialTokens) error {
	if s.bos != "" {
		id, ok := t.model.tokenID(s.bos)
		if !ok {
			return fmt.Errorf("bos token %q is not in the vocabulary", s.bos)
		}
		t.bosID = id
	}
	if s.eos != "" {
		id, ok := t.model.tokenID(s.eos)
		if !ok {
			return fmt.Errorf("eos token %q is not in the vocabulary", s.eos)
		}
		t.eosID = id
	}
	if t.bosID < 0 && s.bosID != nil {
		t.bosID = *s.bosID
	}
	if t.eosID < 0 && s.eosID != nil {
		t.eosID = *s.eosID
	}
	t.useBOS = s.useBOS
	return nil
}

// Backend reports which implementation decodes tokens. Decoding of a
// SentencePiece prefix depends on the whole sequence, Hugging Face tokens
// decode independently.
func (t *Tokenizer) Backend() Backend { return t.backend }

// BOSID returns the beginning-of-sequence token, or -1 when there is none.
func (t *Tokenizer) BOSID() int { return t.bosID }

// EOSID returns the end-of-sequence token, or -1 when there is none.
func (t *Tokenizer) EOSID() int { return t.eosID }

// UseBOS reports whether prompts should start with the BOS token.
func (t *Tokenizer) UseBOS() bool { return t.useBOS }

func (t *Tokenizer) VocabSize() int { return t.model.vocabSize() }

// TokenToID looks up a single vocabulary entry.
func (t *Tokenizer) TokenToID(token string) (int, bool) { return t.model.tokenID(token) }

// Encode tokenizes text, optionally framing it with BOS and EOS. A BOS token
// already produced by the model is not repeated.
func (t *Tokenizer) Encode(text string, bos, eos bool) ([]int, error) {
	ids, err := t.model.encode(text)
	if err != nil {
		return nil, err
	}
	if bos {
		if t.bosID < 0 {
			return nil, errors.New("tokenizer has no bos token")
		}
		if len(ids) == 0 || ids[0] != t.bosID {
			ids = append([]int{t.bosID}, ids...)
		}
	}
	if eos && t.eosID >= 0 {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}

func (t *Tokenizer) Decode(ids []int) (string, error) { return t.model.decode(ids) }

func isFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
