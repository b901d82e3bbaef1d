package tokenizer

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Piece types from sentencepiece_model.proto.
const (
	pieceNormal      = 1
	pieceUnknown     = 2
	pieceControl     = 3
	pieceUserDefined = 4
	pieceUnused      = 5
	pieceByte        = 6
)

const spaceMarker = "▁"

type spPiece struct {
	text  string
	score float32
	kind  int
}

// spModel is a SentencePiece model with score-driven merges and byte fallback.
type spModel struct {
	pieces       []spPiece
	index        map[string]int
	byteIDs      [256]int
	unkID        int
	bosID        int
	eosID        int
	byteFallback bool
	dummyPrefix  bool
}

func loadSentencePiece(path string) (*spModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseSentencePiece(raw)
}

// parseSentencePiece decodes the ModelProto wire format. Only the fields
// needed for encoding and decoding are read.
func parseSentencePiece(b []byte) (*spModel, error) {
	m := &spModel{unkID: 0, bosID: 1, eosID: 2, dummyPrefix: true}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			var p spPiece
			if p, err = parsePiece(msg); err == nil {
				m.pieces = append(m.pieces, p)
			}
		case 2:
			err = m.parseTrainerSpec(msg)
		case 3:
			err = m.parseNormalizerSpec(msg)
		}
		if err != nil {
			return nil, err
		}
	}
	if len(m.pieces) == 0 {
		return nil, errors.New("sentencepiece model has no pieces")
	}

	m.index = make(map[string]int, len(m.pieces))
	for i := range m.byteIDs {
		m.byteIDs[i] = -1
	}
	for id, p := range m.pieces {
		if _, dup := m.index[p.text]; !dup {
			m.index[p.text] = id
		}
		if p.kind == pieceByte {
			if by, ok := parseBytePiece(p.text); ok {
				m.byteIDs[by] = id
			}
		}
	}
	if m.unkID >= len(m.pieces) {
		m.unkID = -1
	}
	if m.bosID >= len(m.pieces) {
		m.bosID = -1
	}
	if m.eosID >= len(m.pieces) {
		m.eosID = -1
	}
	return m, nil
}

func parsePiece(b []byte) (spPiece, error) {
	p := spPiece{kind: pieceNormal}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.text = string(v)
			b = b[n:]
		case num == 2 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.score = math.Float32frombits(v)
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.kind = int(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

// TrainerSpec: byte_fallback=35, unk_id=40, bos_id=41, eos_id=42.
func (m *spModel) parseTrainerSpec(b []byte) error {
	return eachVarint(b, func(num protowire.Number, v uint64) {
		switch num {
		case 35:
			m.byteFallback = v != 0
		case 40:
			m.unkID = int(int32(v))
		case 41:
			m.bosID = int(int32(v))
		case 42:
			m.eosID = int(int32(v))
		}
	})
}

// NormalizerSpec: add_dummy_prefix=3.
func (m *spModel) parseNormalizerSpec(b []byte) error {
	return eachVarint(b, func(num protowire.Number, v uint64) {
		if num == 3 {
			m.dummyPrefix = v != 0
		}
	})
}

func eachVarint(b []byte, fn func(protowire.Number, uint64)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fn(num, v)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

// parseBytePiece reads "<0xAB>".
func parseBytePiece(s string) (byte, bool) {
	if len(s) != 6 || !strings.HasPrefix(s, "<0x") || s[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(s[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

func (m *spModel) tokenID(piece string) (int, bool) {
	id, ok := m.index[piece]
	return id, ok
}

func (m *spModel) vocabSize() int { return len(m.pieces) }

// encode normalizes spaces to the ▁ marker, then greedily merges the adjacent
// pair whose concatenation is the highest scoring piece.
func (m *spModel) encode(text string) ([]int, error) {
	if text == "" {
		return nil, nil
	}
	norm := strings.ReplaceAll(text, " ", spaceMarker)
	if m.dummyPrefix {
		norm = spaceMarker + norm
	}

	symbols := splitRunes(norm)
	for len(symbols) > 1 {
		best := -1
		var bestScore float32
		for i := 0; i+1 < len(symbols); i++ {
			id, ok := m.index[symbols[i]+symbols[i+1]]
			if !ok || !m.mergeable(id) {
				continue
			}
			if s := m.pieces[id].score; best < 0 || s > bestScore {
				best, bestScore = i, s
			}
		}
		if best < 0 {
			break
		}
		symbols[best] += symbols[best+1]
		symbols = append(symbols[:best+1], symbols[best+2:]...)
	}

	ids := make([]int, 0, len(symbols))
	for _, sym := range symbols {
		if id, ok := m.index[sym]; ok && m.mergeable(id) {
			ids = append(ids, id)
			continue
		}
		if m.byteFallback {
			fallback, ok := m.byteTokens(sym)
			if ok {
				ids = append(ids, fallback...)
				continue
			}
		}
		if m.unkID < 0 {
			return nil, fmt.Errorf("unknown piece %q and no unk token", sym)
		}
		ids = append(ids, m.unkID)
	}
	return ids, nil
}

func (m *spModel) mergeable(id int) bool {
	k := m.pieces[id].kind
	return k == pieceNormal || k == pieceUserDefined
}

func (m *spModel) byteTokens(sym string) ([]int, bool) {
	out := make([]int, 0, len(sym))
	for i := 0; i < len(sym); i++ {
		id := m.byteIDs[sym[i]]
		if id < 0 {
			return nil, false
		}
		out = append(out, id)
	}
	return out, true
}

// decode joins pieces, turning ▁ back into spaces. The leading space added by
// the dummy prefix is dropped, so the text of a token depends on whether it
// starts the sequence.
func (m *spModel) decode(ids []int) (string, error) {
	var (
		sb      strings.Builder
		pending []byte
	)
	flush := func() {
		if len(pending) > 0 {
			sb.WriteString(strings.ToValidUTF8(string(pending), string(utf8.RuneError)))
			pending = pending[:0]
		}
	}
	for _, id := range ids {
		if id < 0 || id >= len(m.pieces) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		p := m.pieces[id]
		switch p.kind {
		case pieceControl, pieceUnused:
			continue
		case pieceByte:
			if by, ok := parseBytePiece(p.text); ok {
				pending = append(pending, by)
				continue
			}
		case pieceUnknown:
			flush()
			sb.WriteString(" ⁇ ")
			continue
		}
		flush()
		sb.WriteString(strings.ReplaceAll(p.text, spaceMarker, " "))
	}
	flush()
	out := sb.String()
	if m.dummyPrefix {
		out = strings.TrimPrefix(out, " ")
	}
	return out, nil
}
