// Package weights implements murmur's model blob container and block
// quantization.
//
// A blob is laid out as:
//
//	"MRMW"            4-byte magic
//	version           uint16, little endian
//	header length     uint32, little endian
//	header            msgpack-encoded [Header]
//	data              tensor payloads at the offsets recorded in the header
//
// Quantized tensors use 32-value blocks with a float16 scale (Q4_0: 18
// bytes per block, Q8_0: 34 bytes per block) and are dequantized block by
// block at use time.
package weights

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/MrWong99/murmur/pkg/model"
)

// Version is the container version written by [Builder].
const Version = 1

var magic = [4]byte{'M', 'R', 'M', 'W'}

// maxHeader bounds the header allocation for corrupt inputs.
const maxHeader = 64 << 20

// ErrFormat is wrapped by every decode error caused by the blob's content.
var ErrFormat = errors.New("weights: invalid blob")

// TensorInfo locates one tensor inside the data section.
type TensorInfo struct {
	Name   string             `msgpack:"name"`
	Type   model.Quantization `msgpack:"type"`
	Rows   int                `msgpack:"rows"`
	Cols   int                `msgpack:"cols"`
	Offset int64              `msgpack:"offset"`
	Size   int64              `msgpack:"size"`
}

// Header describes the architecture and tensor layout of a blob.
type Header struct {
	Family       string             `msgpack:"family"`
	Variant      string             `msgpack:"variant"`
	Role         string             `msgpack:"role"`
	Quantization model.Quantization `msgpack:"quantization"`
	Hyper        map[string]int     `msgpack:"hyper"`
	Vocab        []string           `msgpack:"vocab"`
	Special      map[string]int     `msgpack:"special"`
	Tensors      []TensorInfo       `msgpack:"tensors"`
}

// File is a decoded blob.
type File struct {
	Header  Header
	tensors map[string]*Tensor
	data    []byte
}

// Tensor returns the named tensor.
func (f *File) Tensor(name string) (*Tensor, error) {
	t, ok := f.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing tensor %q", ErrFormat, name)
	}
	return t, nil
}

// Hyper returns a positive hyper-parameter.
func (f *File) Hyper(name string) (int, error) {
	v, ok := f.Header.Hyper[name]
	if !ok || v <= 0 {
		return 0, fmt.Errorf("%w: missing hyper-parameter %q", ErrFormat, name)
	}
	return v, nil
}

// Special returns the ID of a special token.
func (f *File) Special(name string) (int, error) {
	v, ok := f.Header.Special[name]
	if !ok || v < 0 || v >= len(f.Header.Vocab) {
		return 0, fmt.Errorf("%w: missing special token %q", ErrFormat, name)
	}
	return v, nil
}

// ResidentBytes returns the memory held by the tensor data.
func (f *File) ResidentBytes() int64 { return int64(len(f.data)) }

// Release drops the tensor data. The File must not be used afterwards.
func (f *File) Release() {
	f.data = nil
	f.tensors = nil
}

// Decode reads a complete blob from r. Structural problems wrap [ErrFormat];
// I/O failures are returned as-is.
func Decode(r io.Reader) (*File, error) {
	var pre [10]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: truncated preamble", ErrFormat)
		}
		return nil, err
	}
	if !bytes.Equal(pre[:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrFormat, pre[:4])
	}
	if v := binary.LittleEndian.Uint16(pre[4:6]); v != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, v)
	}
	hlen := binary.LittleEndian.Uint32(pre[6:10])
	if hlen == 0 || hlen > maxHeader {
		return nil, fmt.Errorf("%w: header length %d", ErrFormat, hlen)
	}
	hbuf := make([]byte, hlen)
	if _, err := io.ReadFull(r, hbuf); err != nil {
		return nil, fmt.Errorf("%w: truncated header: %v", ErrFormat, err)
	}
	var h Header
	if err := msgpack.Unmarshal(hbuf, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	f := &File{Header: h, tensors: make(map[string]*Tensor, len(h.Tensors)), data: data}
	for _, ti := range h.Tensors {
		if err := checkInfo(ti, int64(len(data))); err != nil {
			return nil, err
		}
		f.tensors[ti.Name] = &Tensor{
			Name: ti.Name,
			Type: ti.Type,
			Rows: ti.Rows,
			Cols: ti.Cols,
			data: data[ti.Offset : ti.Offset+ti.Size : ti.Offset+ti.Size],
		}
	}
	return f, nil
}

func checkInfo(ti TensorInfo, dataLen int64) error {
	if !ti.Type.Valid() {
		return fmt.Errorf("%w: tensor %q: unknown type %q", ErrFormat, ti.Name, ti.Type)
	}
	if ti.Rows <= 0 || ti.Cols <= 0 {
		return fmt.Errorf("%w: tensor %q: shape %dx%d", ErrFormat, ti.Name, ti.Rows, ti.Cols)
	}
	if ti.Type != model.F32 && ti.Cols%BlockSize != 0 {
		return fmt.Errorf("%w: tensor %q: %d columns not a multiple of %d", ErrFormat, ti.Name, ti.Cols, BlockSize)
	}
	if want := int64(ti.Rows) * int64(rowBytes(ti.Type, ti.Cols)); ti.Size != want {
		return fmt.Errorf("%w: tensor %q: size %d, want %d", ErrFormat, ti.Name, ti.Size, want)
	}
	if ti.Offset < 0 || ti.Offset+ti.Size > dataLen {
		return fmt.Errorf("%w: tensor %q: range [%d,%d) outside data (%d bytes)", ErrFormat, ti.Name, ti.Offset, ti.Offset+ti.Size, dataLen)
	}
	return nil
}

// Builder assembles a blob.
type Builder struct {
	h    Header
	data bytes.Buffer
}

// NewBuilder starts a blob whose matrices default to quantization q.
func NewBuilder(family, variant string, role model.Role, q model.Quantization) *Builder {
	return &Builder{h: Header{
		Family:       family,
		Variant:      variant,
		Role:         role.String(),
		Quantization: q,
		Hyper:        map[string]int{},
		Special:      map[string]int{},
	}}
}

// SetHyper records a hyper-parameter.
func (b *Builder) SetHyper(name string, v int) *Builder {
	b.h.Hyper[name] = v
	return b
}

// SetVocab records the vocabulary and the special token IDs.
func (b *Builder) SetVocab(tokens []string, special map[string]int) *Builder {
	b.h.Vocab = tokens
	for k, v := range special {
		b.h.Special[k] = v
	}
	return b
}

// AddTensor appends a rows × cols matrix (row-major values) in the
// builder's default quantization.
func (b *Builder) AddTensor(name string, rows, cols int, values []float32) error {
	return b.AddTensorAs(name, b.h.Quantization, rows, cols, values)
}

// AddTensorAs appends a matrix in an explicit encoding. Biases and norms are
// usually stored as F32.
func (b *Builder) AddTensorAs(name string, q model.Quantization, rows, cols int, values []float32) error {
	if len(values) != rows*cols {
		return fmt.Errorf("weights: tensor %q: %d values for %dx%d", name, len(values), rows, cols)
	}
	if q != model.F32 && cols%BlockSize != 0 {
		return fmt.Errorf("weights: tensor %q: %d columns not a multiple of %d", name, cols, BlockSize)
	}
	enc := quantize(q, values)
	b.h.Tensors = append(b.h.Tensors, TensorInfo{
		Name:   name,
		Type:   q,
		Rows:   rows,
		Cols:   cols,
		Offset: int64(b.data.Len()),
		Size:   int64(len(enc)),
	})
	b.data.Write(enc)
	return nil
}

// Encode writes the blob to w.
func (b *Builder) Encode(w io.Writer) error {
	hbuf, err := msgpack.Marshal(&b.h)
	if err != nil {
		return fmt.Errorf("weights: encode header: %w", err)
	}
	var pre [10]byte
	copy(pre[:4], magic[:])
	binary.LittleEndian.PutUint16(pre[4:6], Version)
	binary.LittleEndian.PutUint32(pre[6:10], uint32(len(hbuf)))
	for _, part := range [][]byte{pre[:], hbuf, b.data.Bytes()} {
		if _, err := w.Write(part); err != nil {
			return fmt.Errorf("weights: write blob: %w", err)
		}
	}
	return nil
}

// Bytes returns the encoded blob.
func (b *Builder) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := b.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
