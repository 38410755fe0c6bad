package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/ryandielhenn/fedledger/pkg/fl"
)

// Codec serializes parameters into one checkpoint format.
type Codec interface {
	// Format is the file extension, without the dot.
	Format() string
	Encode(p fl.Parameters) ([]byte, error)
	Decode(b []byte) (fl.Parameters, error)
}

const (
	FormatBinary = "ckpt"
	FormatJSON   = "json"
)

// DefaultCodecs returns the canonical binary codec followed by the portable
// JSON codec.
func DefaultCodecs() []Codec { return []Codec{BinaryCodec{}, JSONCodec{}} }

// CodecFor resolves a format name.
func CodecFor(format string) (Codec, error) {
	switch format {
	case FormatBinary:
		return BinaryCodec{}, nil
	case FormatJSON:
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("checkpoint: unknown format %q", format)
	}
}

const (
	binaryMagic   uint32 = 0x464c434b // "FLCK"
	binaryVersion uint16 = 1
	maxDims              = 16
)

var ErrCorrupt = errors.New("checkpoint: corrupt payload")

// BinaryCodec is the canonical layout. All integers and values are little
// endian:
//
//	magic u32 | version u16 | tensors u32 |
//	  { dims u32 | dim u64 * dims | value f64 * volume } * tensors
//
// The encoding is deterministic for equal parameters, which is what makes
// it usable as the input of a content identifier.
type BinaryCodec struct{}

func (BinaryCodec) Format() string { return FormatBinary }

func (BinaryCodec) Encode(p fl.Parameters) ([]byte, error) {
	var buf bytes.Buffer
	le := binary.LittleEndian
	_ = binary.Write(&buf, le, binaryMagic)
	_ = binary.Write(&buf, le, binaryVersion)
	_ = binary.Write(&buf, le, uint32(len(p)))
	for i, t := range p {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("checkpoint: tensor %d: %w", i, err)
		}
		_ = binary.Write(&buf, le, uint32(len(t.Shape)))
		for _, d := range t.Shape {
			_ = binary.Write(&buf, le, uint64(d))
		}
		var word [8]byte
		for _, v := range t.Data {
			le.PutUint64(word[:], math.Float64bits(v))
			buf.Write(word[:])
		}
	}
	return buf.Bytes(), nil
}

func (BinaryCodec) Decode(b []byte) (fl.Parameters, error) {
	r := bytes.NewReader(b)
	le := binary.LittleEndian
	var (
		magic   uint32
		version uint16
		count   uint32
	)
	if err := readAll(r, le, &magic, &version, &count); err != nil {
		return nil, err
	}
	if magic != binaryMagic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrCorrupt, magic)
	}
	if version != binaryVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, version)
	}
	// every tensor needs at least its dims word
	if uint64(count) > uint64(r.Len())/4 {
		return nil, fmt.Errorf("%w: %d tensors in %d bytes", ErrCorrupt, count, r.Len())
	}
	out := make(fl.Parameters, 0, count)
	for i := uint32(0); i < count; i++ {
		var dims uint32
		if err := readAll(r, le, &dims); err != nil {
			return nil, err
		}
		if dims > maxDims {
			return nil, fmt.Errorf("%w: tensor %d has %d dims", ErrCorrupt, i, dims)
		}
		shape := make([]int, dims)
		vol := uint64(1)
		for d := range shape {
			var n uint64
			if err := readAll(r, le, &n); err != nil {
				return nil, err
			}
			if n > math.MaxInt || (n != 0 && vol > math.MaxInt/n) {
				return nil, fmt.Errorf("%w: tensor %d dimension %d out of range", ErrCorrupt, i, n)
			}
			shape[d] = int(n)
			vol *= n
		}
		if vol > uint64(r.Len())/8 {
			return nil, fmt.Errorf("%w: tensor %d truncated", ErrCorrupt, i)
		}
		data := make([]float64, vol)
		var word [8]byte
		for k := range data {
			if _, err := io.ReadFull(r, word[:]); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			data[k] = math.Float64frombits(le.Uint64(word[:]))
		}
		t := fl.Tensor{Shape: shape, Data: data}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("%w: tensor %d: %v", ErrCorrupt, i, err)
		}
		out = append(out, t)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.Len())
	}
	return out, nil
}

func readAll(r io.Reader, order binary.ByteOrder, dst ...any) error {
	for _, d := range dst {
		if err := binary.Read(r, order, d); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	return nil
}

// JSONCodec is the portable layout for consumers that cannot read the
// binary format.
type JSONCodec struct{}

type jsonCheckpoint struct {
	Version int         `json:"version"`
	Tensors []fl.Tensor `json:"tensors"`
}

func (JSONCodec) Format() string { return FormatJSON }

func (JSONCodec) Encode(p fl.Parameters) ([]byte, error) {
	for i, t := range p {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("checkpoint: tensor %d: %w", i, err)
		}
	}
	return json.Marshal(jsonCheckpoint{Version: 1, Tensors: p})
}

func (JSONCodec) Decode(b []byte) (fl.Parameters, error) {
	var doc jsonCheckpoint
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	for i, t := range doc.Tensors {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("%w: tensor %d: %v", ErrCorrupt, i, err)
		}
	}
	return fl.Parameters(doc.Tensors), nil
}
