package codec

import (
	"encoding/binary"

	"github.com/junbin-yang/coapd/pkg/coaperr"
)

// maxOptionValue is the largest option value length this codec accepts.
const maxOptionValue = 65804

// EncodeUintOption renders v as the minimal big-endian byte encoding CoAP
// uint-valued options use (RFC 7252 §3.2): Max-Message-Size, Observe's
// sequence counter, Content-Format, and Accept all follow this rule.
func EncodeUintOption(v uint32) []byte {
	if v == 0 {
		return nil
	}
	b := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	i := 0
	for i < len(b)-1 && b[i] == 0 {
		i++
	}
	return b[i:]
}

// encodeExtended splits a delta or length value into its 4-bit nibble
// plus 0/1/2 extension bytes per the 13/14 escape scheme (RFC 7252 §3.1),
// shared verbatim between UDP and TCP framing and between delta and length.
func encodeExtended(v uint32) (nibble uint8, ext []byte) {
	switch {
	case v < 13:
		return uint8(v), nil
	case v < 269:
		return 13, []byte{uint8(v - 13)}
	default:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v-269))
		return 14, b
	}
}

// decodeExtended reads a nibble plus trailing bytes (already sliced by the
// caller) back into the original value. nibble must be 13 or 14.
func decodeExtended(nibble uint8, ext []byte) (uint32, int, error) {
	switch nibble {
	case 13:
		if len(ext) < 1 {
			return 0, 0, coaperr.ErrMalformedMessage
		}
		return 13 + uint32(ext[0]), 1, nil
	case 14:
		if len(ext) < 2 {
			return 0, 0, coaperr.ErrMalformedMessage
		}
		return 269 + uint32(binary.BigEndian.Uint16(ext[:2])), 2, nil
	default:
		return 0, 0, coaperr.ErrMalformedMessage
	}
}

// encodeOptions writes the canonically-ordered option sequence starting
// from delta base 0, followed by the 0xFF payload marker and payload when
// payload is non-empty.
func encodeOptions(options []Option, payload []byte) ([]byte, error) {
	out := make([]byte, 0, 32)
	var prev uint32
	for _, opt := range options {
		if len(opt.Value) > maxOptionValue {
			return nil, coaperr.ErrOptionTooLarge
		}
		delta := opt.Number - prev
		prev = opt.Number

		deltaNib, deltaExt := encodeExtended(delta)
		lenNib, lenExt := encodeExtended(uint32(len(opt.Value)))

		out = append(out, (deltaNib<<4)|lenNib)
		out = append(out, deltaExt...)
		out = append(out, lenExt...)
		out = append(out, opt.Value...)
	}
	if len(payload) > 0 {
		out = append(out, 0xFF)
		out = append(out, payload...)
	}
	return out, nil
}

// decodeOptions parses options from buf starting at offset until it hits
// the 0xFF marker or runs out of bytes, returning the options, the
// remaining payload (nil if there was no marker), and an error for any
// malformed escape, truncated value, or option-number overflow.
func decodeOptions(buf []byte, offset int) ([]Option, []byte, error) {
	var options []Option
	var prev uint32
	for offset < len(buf) {
		if buf[offset] == 0xFF {
			offset++
			if offset >= len(buf) {
				// 0xFF present with zero following bytes: empty payload
				// marker is itself malformed.
				return nil, nil, coaperr.ErrMalformedMessage
			}
			return options, buf[offset:], nil
		}
		h := buf[offset]
		offset++
		deltaNib := h >> 4
		lenNib := h & 0x0F

		delta := uint32(deltaNib)
		if deltaNib == 15 || lenNib == 15 {
			return nil, nil, coaperr.ErrMalformedMessage
		}
		if deltaNib >= 13 {
			v, n, err := decodeExtended(deltaNib, buf[offset:])
			if err != nil {
				return nil, nil, err
			}
			delta = v
			offset += n
		}

		length := uint32(lenNib)
		if lenNib >= 13 {
			v, n, err := decodeExtended(lenNib, buf[offset:])
			if err != nil {
				return nil, nil, err
			}
			length = v
			offset += n
		}

		if uint64(offset)+uint64(length) > uint64(len(buf)) {
			return nil, nil, coaperr.ErrMalformedMessage
		}
		num := prev + delta
		if num < prev {
			return nil, nil, coaperr.ErrMalformedMessage // overflow / non-increasing
		}
		prev = num

		value := make([]byte, length)
		copy(value, buf[offset:offset+int(length)])
		offset += int(length)

		if IsCritical(num) && !IsKnown(num) {
			return nil, nil, coaperr.ErrUnknownCriticalOption
		}
		options = append(options, Option{Number: num, Value: value})
	}
	return options, nil, nil
}
