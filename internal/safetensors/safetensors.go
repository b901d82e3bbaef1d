// Package safetensors reads and writes the safetensors weight format used for
// checkpoints and LoRA adapter files.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"
)

const metadataKey = "__metadata__"

// maxHeaderSize bounds the JSON header; real headers are a few KB.
const maxHeaderSize = 100 << 20

var ErrTensorNotFound = errors.New("tensor not found")

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is a parsed safetensors header. Tensor payloads are read on demand.
type File struct {
	Path      string
	DataStart int64
	// DataSize is the payload length following the header.
	DataSize int64
	Tensors  map[string]TensorInfo
	Metadata map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	headerLen, err := readU64(f)
	if err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	if headerLen > maxHeaderSize {
		return nil, fmt.Errorf("header too large: %d bytes", headerLen)
	}
	dataStart := int64(8 + headerLen)
	if dataStart > st.Size() {
		return nil, fmt.Errorf("header length %d exceeds file size %d", headerLen, st.Size())
	}
	dataSize := st.Size() - dataStart
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	var meta map[string]string
	if msg, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(msg, &meta); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		delete(raw, metadataKey)
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		info := TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
		if err := info.check(dataSize); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		tensors[name] = info
	}
	return &File{
		Path:      path,
		DataStart: dataStart,
		DataSize:  dataSize,
		Tensors:   tensors,
		Metadata:  meta,
	}, nil
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	if err := t.check(f.DataSize); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	buf := make([]byte, t.End-t.Start)

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	if _, err := file.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// ReadTensorF32 reads a tensor and widens F16/BF16 payloads to float32.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	out, err := decodeF32(raw, info)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

// ReadAll loads every tensor in the file as float32.
func (f *File) ReadAll() (map[string]Tensor, error) {
	out := make(map[string]Tensor, len(f.Tensors))
	for _, name := range f.Names() {
		data, info, err := f.ReadTensorF32(name)
		if err != nil {
			return nil, err
		}
		out[name] = Tensor{Shape: append([]int(nil), info.Shape...), Data: data}
	}
	return out, nil
}

// dtypeWidths holds the element size in bytes of the dtypes whose payload
// length can be checked against the shape.
var dtypeWidths = map[string]int64{
	"F64": 8, "F32": 4, "F16": 2, "BF16": 2,
	"I64": 8, "I32": 4, "I16": 2, "I8": 1, "U8": 1, "BOOL": 1,
}

// check validates the offsets against a payload of dataSize bytes and, for
// known dtypes, against the shape.
func (t TensorInfo) check(dataSize int64) error {
	if t.Start < 0 || t.End < t.Start || t.End > dataSize {
		return fmt.Errorf("invalid data_offsets [%d, %d] for %d payload bytes", t.Start, t.End, dataSize)
	}
	width, ok := dtypeWidths[t.DType]
	if !ok {
		return nil
	}
	n, err := numElements(t.Shape)
	if err != nil {
		return err
	}
	if int64(n)*width != t.End-t.Start {
		return fmt.Errorf("%s shape %v needs %d bytes, data_offsets span %d", t.DType, t.Shape, int64(n)*width, t.End-t.Start)
	}
	return nil
}

func decodeF32(raw []byte, info TensorInfo) ([]float32, error) {
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, err
	}
	var width int
	switch info.DType {
	case "F32":
		width = 4
	case "F16", "BF16":
		width = 2
	default:
		return nil, fmt.Errorf("unsupported dtype %s", info.DType)
	}
	if len(raw) != n*width {
		return nil, fmt.Errorf("invalid %s data size: got %d bytes, want %d", info.DType, len(raw), n*width)
	}
	out := make([]float32, n)
	for i := range out {
		switch info.DType {
		case "F32":
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		case "BF16":
			out[i] = bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		case "F16":
			out[i] = fp16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	}
	return out, nil
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
