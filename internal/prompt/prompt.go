// Package prompt wraps user input in the chat template a model was tuned on
// and names the extra token sequences that end a reply.
package prompt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the optional per-checkpoint style override.
const File = "prompt_style.yaml"

var ErrUnknownStyle = errors.New("unknown prompt style")

// Vocabulary resolves special tokens to IDs.
type Vocabulary interface {
	EOSID() int
	TokenToID(token string) (int, bool)
}

// Style is a named prompt template. Every "{prompt}" in Template is replaced
// by the user input.
type Style struct {
	Name     string
	Template string
	// StopMarkers are special tokens that end a reply in addition to EOS.
	StopMarkers []string
}

func (s Style) Apply(prompt string) string {
	if s.Template == "" {
		return prompt
	}
	return strings.ReplaceAll(s.Template, "{prompt}", prompt)
}

// StopTokens returns the token sequences that end generation: EOS first,
// then each stop marker known to the vocabulary.
func (s Style) StopTokens(v Vocabulary) [][]int {
	var stops [][]int
	if eos := v.EOSID(); eos >= 0 {
		stops = append(stops, []int{eos})
	}
	for _, m := range s.StopMarkers {
		if id, ok := v.TokenToID(m); ok {
			stops = append(stops, []int{id})
		}
	}
	return stops
}

var styles = map[string]Style{
	"default": {Name: "default"},
	"alpaca": {
		Name: "alpaca",
		Template: "Below is an instruction that describes a task. " +
			"Write a response that appropriately completes the request.\n\n" +
			"### Instruction:\n{prompt}\n\n### Response:\n",
	},
	"chatml": {
		Name: "chatml",
		Template: "<|im_start|>system\nYou are a helpful assistant.<|im_end|>\n" +
			"<|im_start|>user\n{prompt}<|im_end|>\n<|im_start|>assistant\n",
		StopMarkers: []string{"<|im_end|>"},
	},
	"llama3": {
		Name: "llama3",
		Template: "<|begin_of_text|><|start_header_id|>system<|end_header_id|>\n\n" +
			"You are a helpful assistant.<|eot_id|>\n" +
			"<|start_header_id|>user<|end_header_id|>\n\n{prompt}<|eot_id|>\n" +
			"<|start_header_id|>assistant<|end_header_id|>\n\n",
		StopMarkers: []string{"<|eot_id|>"},
	},
	"phi2": {
		Name:     "phi2",
		Template: "Instruct: {prompt}\nOutput:",
	},
	"phi3": {
		Name:        "phi3",
		Template:    "<|system|>\nYou are a helpful assistant.<|end|>\n<|user|>\n{prompt}<|end|>\n<|assistant|>\n",
		StopMarkers: []string{"<|end|>"},
	},
	"tinyllama": {
		Name: "tinyllama",
		Template: "<|system|>\nYou are a friendly chatbot who always gives helpful, detailed, and polite answers.</s>\n" +
			"<|user|>\n{prompt}</s>\n<|assistant|>\n",
	},
}

// class_name values written by other tools map onto the built-in styles.
var classNames = map[string]string{
	"Default":   "default",
	"Alpaca":    "alpaca",
	"ChatML":    "chatml",
	"Llama3":    "llama3",
	"Phi2":      "phi2",
	"Phi3":      "phi3",
	"TinyLlama": "tinyllama",
}

var namePatterns = []struct {
	re    *regexp.Regexp
	style string
}{
	{regexp.MustCompile(`(?i)llama-?3`), "llama3"},
	{regexp.MustCompile(`(?i)phi-2`), "phi2"},
	{regexp.MustCompile(`(?i)phi-3`), "phi3"},
	{regexp.MustCompile(`(?i)tiny-?llama.*chat`), "tinyllama"},
	{regexp.MustCompile(`(?i)qwen|chatml`), "chatml"},
}

// Get returns a built-in style by name or class name.
func Get(name string) (Style, error) {
	if s, ok := styles[name]; ok {
		return s, nil
	}
	if key, ok := classNames[name]; ok {
		return styles[key], nil
	}
	return Style{}, fmt.Errorf("%w %q (known: %s)", ErrUnknownStyle, name, strings.Join(Names(), ", "))
}

func Names() []string {
	names := make([]string, 0, len(styles))
	for n := range styles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FromModelName guesses a style from the model name, falling back to default.
func FromModelName(name string) Style {
	for _, p := range namePatterns {
		if p.re.MatchString(name) {
			return styles[p.style]
		}
	}
	return styles["default"]
}

type styleFile struct {
	ClassName string   `yaml:"class_name"`
	Template  string   `yaml:"template,omitempty"`
	Stop      []string `yaml:"stop_tokens,omitempty"`
}

// Load reads the style stored in dir. The second result is false when the
// directory has no style file.
func Load(dir string) (Style, bool, error) {
	raw, err := os.ReadFile(filepath.Join(dir, File))
	if errors.Is(err, os.ErrNotExist) {
		return Style{}, false, nil
	}
	if err != nil {
		return Style{}, false, err
	}
	var sf styleFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return Style{}, false, fmt.Errorf("parse %s: %w", File, err)
	}
	if sf.Template != "" {
		name := sf.ClassName
		if name == "" {
			name = "custom"
		}
		return Style{Name: name, Template: sf.Template, StopMarkers: sf.Stop}, true, nil
	}
	s, err := Get(sf.ClassName)
	if err != nil {
		return Style{}, false, fmt.Errorf("%s: %w", File, err)
	}
	return s, true, nil
}

// Select picks the style for a checkpoint: the style file when present,
// otherwise a guess from the model name.
func Select(dir, modelName string) (Style, error) {
	s, ok, err := Load(dir)
	if err != nil {
		return Style{}, err
	}
	if ok {
		return s, nil
	}
	return FromModelName(modelName), nil
}
