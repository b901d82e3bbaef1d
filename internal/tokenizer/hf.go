package tokenizer

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
)

const bpeCacheSize = 1 << 14

// hfModel is a byte-level BPE model loaded from a Hugging Face tokenizer.json.
type hfModel struct {
	encoder      map[string]int
	decoder      []string
	bpeRanks     map[Pair]int
	cache        *lru.Cache[string, []string]
	byteEncoder  map[byte]string
	byteDecoder  map[string]byte
	pattern      *regexp.Regexp
	unkID        int
	ignoreMerges bool
	special      []string
}

type hfPreTokenizer struct {
	Type          string `json:"type"`
	Pretokenizers []struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	} `json:"pretokenizers"`
}

type hfTokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		UnkToken     string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer hfPreTokenizer `json:"pre_tokenizer"`
	AddedTokens  []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

func loadHF(path string) (*hfModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseHF(data)
}

func parseHF(data []byte) (*hfModel, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, err
	}
	if strings.ToUpper(tj.Model.Type) != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}

	encoder := make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens))
	maxID := -1
	for tok, id := range tj.Model.Vocab {
		encoder[tok] = id
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		encoder[at.Content] = at.ID
		maxID = max(maxID, at.ID)
	}
	decoder := make([]string, maxID+1)
	for tok, id := range encoder {
		if id >= 0 {
			decoder[id] = tok
		}
	}

	var special []string
	for _, at := range tj.AddedTokens {
		if at.Special || isSpecialToken(at.Content) {
			special = append(special, at.Content)
		}
	}
	special = append(special, collectSpecials(decoder)...)

	unkID := -1
	if id, ok := encoder[tj.Model.UnkToken]; ok && tj.Model.UnkToken != "" {
		unkID = id
	}

	cache, err := lru.New[string, []string](bpeCacheSize)
	if err != nil {
		return nil, err
	}
	byteEncoder, byteDecoder := bytesToUnicode()
	return &hfModel{
		encoder:      encoder,
		decoder:      decoder,
		bpeRanks:     parseMerges(tj.Model.Merges),
		cache:        cache,
		byteEncoder:  byteEncoder,
		byteDecoder:  byteDecoder,
		pattern:      buildHFPattern(tj.PreTokenizer),
		unkID:        unkID,
		ignoreMerges: tj.Model.IgnoreMerges,
		special:      sortLongestFirst(dedupe(special)),
	}, nil
}

// parseMerges accepts both the "a b" string form and the ["a", "b"] pair form.
func parseMerges(raw []any) map[Pair]int {
	ranks := make(map[Pair]int, len(raw))
	rank := 0
	for _, m := range raw {
		line := ""
		switch v := m.(type) {
		case string:
			line = v
		case []any:
			if len(v) == 2 {
				a, aok := v[0].(string)
				b, bok := v[1].(string)
				if aok && bok {
					line = a + " " + b
				}
			}
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a, b, ok := strings.Cut(line, " ")
		if !ok || strings.Contains(b, " ") {
			continue
		}
		p := Pair{A: a, B: b}
		if _, ok := ranks[p]; !ok {
			ranks[p] = rank
			rank++
		}
	}
	return ranks
}

func (m *hfModel) encode(text string) ([]int, error) {
	var ids []int
	for _, part := range splitSpecials(text, m.special) {
		if part.isSpecial {
			ids = append(ids, m.encoder[part.text])
			continue
		}
		for _, word := range m.pattern.FindAllString(part.text, -1) {
			for _, piece := range m.bpe(m.byteEncode(word)) {
				id, ok := m.encoder[piece]
				if !ok {
					if m.unkID < 0 {
						return nil, fmt.Errorf("unknown token: %q", piece)
					}
					id = m.unkID
				}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (m *hfModel) decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(m.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		token := m.decoder[id]
		if isSpecialToken(token) {
			b = append(b, token...)
			continue
		}
		for _, r := range token {
			if by, ok := m.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

func (m *hfModel) tokenID(piece string) (int, bool) {
	id, ok := m.encoder[piece]
	return id, ok
}

func (m *hfModel) vocabSize() int { return len(m.decoder) }

func (m *hfModel) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(m.byteEncoder[by])
	}
	return b.String()
}

func (m *hfModel) bpe(token string) []string {
	if v, ok := m.cache.Get(token); ok {
		return v
	}
	if m.ignoreMerges {
		if _, ok := m.encoder[token]; ok {
			out := []string{token}
			m.cache.Add(token, out)
			return out
		}
	}
	word := splitRunes(token)
	for len(word) > 1 {
		best, found := m.bestPair(word)
		if !found {
			break
		}
		word = mergePair(word, best)
	}
	m.cache.Add(token, word)
	return word
}

func (m *hfModel) bestPair(word []string) (Pair, bool) {
	bestRank := int(^uint(0) >> 1)
	var best Pair
	found := false
	for p := range getPairs(word) {
		if rank, ok := m.bpeRanks[p]; ok && rank < bestRank {
			bestRank, best, found = rank, p, true
		}
	}
	return best, found
}

func buildHFPattern(pre hfPreTokenizer) *regexp.Regexp {
	// Default to GPT2-ish regex.
	pat := `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`
	if pre.Type == "Sequence" {
		for _, p := range pre.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				pat = p.Pattern.Regex
				break
			}
		}
	}
	// Llama 3 style patterns use lookahead, which Go regexp lacks.
	if strings.Contains(pat, "(?!\\S)") || strings.Contains(pat, "(?i:") {
		pat = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)
	}
	return re
}
