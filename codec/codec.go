// Package codec implements the decompression dispatch described in spec
// §4.C/§6: a uniform decompress(codec, input, expectedOutSize) that never
// guesses the codec and always enforces the declared output length.
package codec

import (
	"fmt"

	"github.com/aarsakian/keramics/kerr"
)

const layer = "codec"

// ID identifies a compression codec used by some image-container chunk
// or filesystem compression unit.
type ID int

const (
	Raw ID = iota
	Zero
	ADC
	BZip2
	Zlib
	DeflateRaw
	LZFSE
	LZMA
	LZNT1
	LZXpress
	LZXpressHuffman
	LZX
	LZVN
)

func (id ID) String() string {
	switch id {
	case Raw:
		return "raw"
	case Zero:
		return "zero"
	case ADC:
		return "adc"
	case BZip2:
		return "bzip2"
	case Zlib:
		return "zlib"
	case DeflateRaw:
		return "deflate-raw"
	case LZFSE:
		return "lzfse"
	case LZMA:
		return "lzma"
	case LZNT1:
		return "lznt1"
	case LZXpress:
		return "lzxpress"
	case LZXpressHuffman:
		return "lzxpress_huffman"
	case LZX:
		return "lzx"
	case LZVN:
		return "lzvn"
	default:
		return fmt.Sprintf("codec(%d)", int(id))
	}
}

// Decoder decompresses in into exactly outSize bytes, or returns an error.
// It must never return a slice shorter than outSize on success.
type Decoder func(in []byte, outSize int) ([]byte, error)

// Registry maps codec IDs to Decoders. The default Registry (see
// DefaultRegistry) wires the codecs this module implements natively
// (Raw, Zero, Zlib, DeflateRaw, BZip2, LZNT1) and registers
// Unimplemented placeholders for the remaining "external collaborator"
// codecs spec §1/§6 explicitly scopes out of this library's own body.
type Registry struct {
	decoders map[ID]Decoder
}

// NewRegistry returns an empty Registry; callers typically start from
// DefaultRegistry() and override/add entries instead.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[ID]Decoder)}
}

// Register installs (or replaces) the Decoder for id.
func (r *Registry) Register(id ID, d Decoder) {
	r.decoders[id] = d
}

// Decompress dispatches to the Decoder registered for id and enforces
// that the result has exactly outSize bytes, converting any mismatch to
// kerr.Corrupt per spec §4.C. The caller always knows the codec; this
// function never inspects in to guess one.
func (r *Registry) Decompress(id ID, in []byte, outSize int) ([]byte, error) {
	d, ok := r.decoders[id]
	if !ok {
		return nil, kerr.New(kerr.Unsupported, layer, -1, "no decoder registered for "+id.String())
	}
	out, err := d(in, outSize)
	if err != nil {
		return nil, err
	}
	if len(out) != outSize {
		return nil, kerr.New(kerr.Corrupt, layer, -1,
			fmt.Sprintf("%s decoder produced %d bytes, expected %d", id, len(out), outSize))
	}
	return out, nil
}

// Unimplemented returns a Decoder that always fails with kerr.Unsupported,
// used for codecs whose algorithm body is treated as an external
// byte-in/byte-out collaborator per spec §1 rather than implemented here.
// A caller that has such a collaborator registers a real Decoder in its
// place with Register.
func Unimplemented(id ID) Decoder {
	return func(in []byte, outSize int) ([]byte, error) {
		return nil, kerr.New(kerr.Unsupported, layer, -1, id.String()+" decoder not implemented; register one with Registry.Register")
	}
}

// DefaultRegistry returns a Registry with every codec ID bound: the
// natively implemented ones for real, and the rest as Unimplemented
// placeholders ready for a caller-supplied external decoder.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Raw, rawDecode)
	r.Register(Zero, zeroDecode)
	r.Register(Zlib, zlibDecode)
	r.Register(DeflateRaw, deflateRawDecode)
	r.Register(BZip2, bzip2Decode)
	r.Register(LZNT1, lznt1Decode)
	r.Register(ADC, Unimplemented(ADC))
	r.Register(LZFSE, Unimplemented(LZFSE))
	r.Register(LZMA, Unimplemented(LZMA))
	r.Register(LZXpress, Unimplemented(LZXpress))
	r.Register(LZXpressHuffman, Unimplemented(LZXpressHuffman))
	r.Register(LZX, Unimplemented(LZX))
	r.Register(LZVN, Unimplemented(LZVN))
	return r
}

func rawDecode(in []byte, outSize int) ([]byte, error) {
	if len(in) < outSize {
		return nil, kerr.New(kerr.Corrupt, layer, -1, "raw chunk shorter than declared size")
	}
	out := make([]byte, outSize)
	copy(out, in[:outSize])
	return out, nil
}

func zeroDecode(in []byte, outSize int) ([]byte, error) {
	return make([]byte, outSize), nil
}
