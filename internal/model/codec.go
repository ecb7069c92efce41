package model

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/couchcryptid/fire-risk-service/internal/compress"
	"github.com/couchcryptid/fire-risk-service/internal/domain"
)

// CodecVersion is bumped whenever the blob layout changes.
const CodecVersion uint16 = 1

var magic = [4]byte{'F', 'R', 'M', 'P'}

// ErrCodec reports an unreadable parameter blob.
var ErrCodec = errors.New("parameter codec")

type blobHeader struct {
	Arch      Architecture            `json:"arch"`
	Version   string                  `json:"version"`
	Epoch     int                     `json:"epoch"`
	Threshold float64                 `json:"threshold"`
	Selection domain.FeatureSelection `json:"selection"`
	Names     []string                `json:"names"`
	Sizes     []int                   `json:"sizes"`
}

// EncodeParameters serialises p as magic, codec version and a zstd body
// holding a JSON header followed by little-endian float64 tensors.
func EncodeParameters(p *Parameters) ([]byte, error) {
	h := blobHeader{
		Arch:      p.Arch,
		Version:   p.Version,
		Epoch:     p.Epoch,
		Threshold: p.Threshold,
		Selection: p.Selection,
		Names:     p.Names(),
	}
	for _, n := range h.Names {
		h.Sizes = append(h.Sizes, len(p.Tensors[n]))
	}
	hdr, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}

	body := make([]byte, 0, 4+len(hdr)+8*p.Count())
	body = binary.LittleEndian.AppendUint32(body, uint32(len(hdr)))
	body = append(body, hdr...)
	for _, n := range h.Names {
		for _, v := range p.Tensors[n] {
			body = binary.LittleEndian.AppendUint64(body, math.Float64bits(v))
		}
	}
	packed, err := compress.Encode(body)
	if err != nil {
		return nil, fmt.Errorf("compress parameters: %w", err)
	}

	out := make([]byte, 0, 6+len(packed))
	out = append(out, magic[:]...)
	out = binary.LittleEndian.AppendUint16(out, CodecVersion)
	return append(out, packed...), nil
}

// DecodeParameters reverses EncodeParameters.
func DecodeParameters(data []byte) (*Parameters, error) {
	if len(data) < 6 || !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrCodec)
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != CodecVersion {
		return nil, fmt.Errorf("%w: codec version %d, want %d", ErrCodec, v, CodecVersion)
	}
	body, err := compress.Decode(data[6:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: truncated header", ErrCodec)
	}
	n := int(binary.LittleEndian.Uint32(body))
	if len(body) < 4+n {
		return nil, fmt.Errorf("%w: truncated header", ErrCodec)
	}
	var h blobHeader
	if err := json.Unmarshal(body[4:4+n], &h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCodec, err)
	}
	if len(h.Names) != len(h.Sizes) {
		return nil, fmt.Errorf("%w: %d names for %d sizes", ErrCodec, len(h.Names), len(h.Sizes))
	}

	rest := body[4+n:]
	p := &Parameters{
		Arch:      h.Arch,
		Version:   h.Version,
		Epoch:     h.Epoch,
		Threshold: h.Threshold,
		Selection: h.Selection,
		Tensors:   make(map[string][]float64, len(h.Names)),
	}
	for i, name := range h.Names {
		size := h.Sizes[i]
		if size < 0 || len(rest) < 8*size {
			return nil, fmt.Errorf("%w: tensor %s truncated", ErrCodec, name)
		}
		t := make([]float64, size)
		for j := range t {
			t[j] = math.Float64frombits(binary.LittleEndian.Uint64(rest[8*j:]))
		}
		p.Tensors[name] = t
		rest = rest[8*size:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCodec, len(rest))
	}
	return p, nil
}
