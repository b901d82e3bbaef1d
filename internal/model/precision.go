package model

import (
	"fmt"
	"strings"

	"github.com/samcharles93/litchat/internal/safetensors"
)

// Precision names the numeric format weights are rounded to after loading.
// Arithmetic always runs in float32.
type Precision string

const (
	Precision32   Precision = "32-true"
	Precision16   Precision = "16-true"
	PrecisionBF16 Precision = "bf16-true"
)

var precisionDTypes = map[Precision]string{
	Precision32:   "F32",
	Precision16:   "F16",
	PrecisionBF16: "BF16",
}

// ParsePrecision accepts "32-true", "16-true" and "bf16-true". The mixed
// variants map to their true counterpart. Empty means 32-true.
func ParsePrecision(s string) (Precision, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "32", "32-true":
		return Precision32, nil
	case "16", "16-true", "16-mixed":
		return Precision16, nil
	case "bf16", "bf16-true", "bf16-mixed":
		return PrecisionBF16, nil
	}
	return "", fmt.Errorf("unsupported precision %q", s)
}

// SetPrecision rounds the weights in place. Rounding is not reversible.
func (m *Instance) SetPrecision(p Precision) error {
	dtype, ok := precisionDTypes[p]
	if !ok {
		return fmt.Errorf("unsupported precision %q", p)
	}
	if err := safetensors.Round(m.Embeddings.Data, dtype); err != nil {
		return err
	}
	if !m.tied() {
		if err := safetensors.Round(m.Head.Data, dtype); err != nil {
			return err
		}
	}
	if m.Bias != nil {
		return safetensors.Round(m.Bias, dtype)
	}
	return nil
}

func (m *Instance) tied() bool {
	h, e := m.Head.Data, m.Embeddings.Data
	return len(h) > 0 && len(e) > 0 && &h[0] == &e[0]
}
