// Package content maps Content-Format codes to Encode/Decode codecs. The
// core codec treats payload bytes opaquely; this is where a Content-Format
// option is actually turned into/out of a Go value.
package content

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/junbin-yang/coapd/pkg/coaperr"
)

// Format is a CoAP Content-Format code.
type Format uint16

const (
	TextPlain   Format = 0
	LinkFormat  Format = 40
	XML         Format = 41
	OctetStream Format = 42
	JSON        Format = 50
	CBOR        Format = 60

	// Default is used when a request carries no Content-Format option.
	Default = JSON
)

// Codec encodes/decodes a single content format.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(b []byte) (any, error)
}

// Registry maps Content-Format codes to codecs.
type Registry struct {
	codecs map[Format]Codec
}

// NewRegistry builds a registry pre-populated with the four formats this
// module ships: plain text, octet-stream passthrough, JSON, and CBOR.
// application/link-format (40) is intentionally absent here; it is owned
// and rendered directly by pkg/router.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[Format]Codec)}
	r.Register(TextPlain, plainCodec{})
	r.Register(OctetStream, octetCodec{})
	r.Register(JSON, jsonCodec{})
	r.Register(CBOR, cborCodec{})
	return r
}

// Register installs or replaces the codec for format.
func (r *Registry) Register(format Format, c Codec) {
	r.codecs[format] = c
}

// Encode renders v as bytes under format.
func (r *Registry) Encode(v any, format Format) ([]byte, error) {
	c, ok := r.codecs[format]
	if !ok {
		return nil, coaperr.ErrUnsupportedContentFormat
	}
	return c.Encode(v)
}

// Decode parses b under format into a Go value.
func (r *Registry) Decode(b []byte, format Format) (any, error) {
	c, ok := r.codecs[format]
	if !ok {
		return nil, coaperr.ErrUnsupportedContentFormat
	}
	return c.Decode(b)
}

type plainCodec struct{}

func (plainCodec) Encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return []byte(fmt.Sprint(v)), nil
	}
}

func (plainCodec) Decode(b []byte) (any, error) { return string(b), nil }

type octetCodec struct{}

func (octetCodec) Encode(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("content: octet-stream encode expects []byte, got %T", v)
	}
	return b, nil
}

func (octetCodec) Decode(b []byte) (any, error) { return b, nil }

type jsonCodec struct{}

func (jsonCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Decode(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

type cborCodec struct{}

func (cborCodec) Encode(v any) ([]byte, error) { return cbor.Marshal(v) }

func (cborCodec) Decode(b []byte) (any, error) {
	var v any
	if err := cbor.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
