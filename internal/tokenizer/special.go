package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

type specialTokens struct {
	bos, eos     string
	bosID, eosID *int
	useBOS       bool
}

type tokenizerConfig struct {
	AddBOS         *bool           `json:"add_bos_token"`
	BOS            json.RawMessage `json:"bos_token"`
	EOS            json.RawMessage `json:"eos_token"`
	TokenizerClass string          `json:"tokenizer_class"`
}

type generationConfig struct {
	BOS json.RawMessage `json:"bos_token_id"`
	EOS json.RawMessage `json:"eos_token_id"`
}

// loadSpecialTokens reads BOS/EOS from tokenizer_config.json, with the IDs in
// generation_config.json as a fallback. Both files are optional.
func loadSpecialTokens(dir string) (specialTokens, error) {
	var s specialTokens

	var tc tokenizerConfig
	found, err := readJSON(filepath.Join(dir, configFile), &tc)
	if err != nil {
		return s, err
	}
	if found {
		if s.bos, err = tokenContent(tc.BOS); err != nil {
			return s, fmt.Errorf("%s bos_token: %w", configFile, err)
		}
		if s.eos, err = tokenContent(tc.EOS); err != nil {
			return s, fmt.Errorf("%s eos_token: %w", configFile, err)
		}
		if tc.AddBOS != nil {
			s.useBOS = *tc.AddBOS
		} else {
			s.useBOS = tc.TokenizerClass == "LlamaTokenizer"
		}
	}

	var gc generationConfig
	found, err = readJSON(filepath.Join(dir, generationConfigFile), &gc)
	if err != nil {
		return s, err
	}
	if found {
		if s.bosID, err = firstTokenID(gc.BOS); err != nil {
			return s, fmt.Errorf("%s bos_token_id: %w", generationConfigFile, err)
		}
		if s.eosID, err = firstTokenID(gc.EOS); err != nil {
			return s, fmt.Errorf("%s eos_token_id: %w", generationConfigFile, err)
		}
	}
	return s, nil
}

func readJSON(path string, v any) (bool, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// tokenContent accepts either "<s>" or {"content": "<s>", ...}.
func tokenContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", err
	}
	return obj.Content, nil
}

// firstTokenID accepts a single ID or a list of IDs.
func firstTokenID(raw json.RawMessage) (*int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var id int
	if err := json.Unmarshal(raw, &id); err == nil {
		return &id, nil
	}
	var ids []int
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return &ids[0], nil
}
