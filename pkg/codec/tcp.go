package codec

import (
	"encoding/binary"
	"io"

	"github.com/junbin-yang/coapd/pkg/coaperr"
)

// lengthNibble and its extensions follow the same 13/14/15 escape scheme
// as option encoding, but with a third tier at 15 for very large bodies
// (RFC 8323 §3.3): 0..12 direct, 13 -> +1 byte (13..268), 14 -> +2 bytes
// (269..65804), 15 -> +4 bytes (65805+).
func encodeTCPLength(v uint32) (nibble uint8, ext []byte) {
	switch {
	case v < 13:
		return uint8(v), nil
	case v < 269:
		return 13, []byte{uint8(v - 13)}
	case v < 65805:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v-269))
		return 14, b
	default:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v-65805)
		return 15, b
	}
}

func decodeTCPLength(nibble uint8, ext []byte) (uint32, int, error) {
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
	case 15:
		if len(ext) < 4 {
			return 0, 0, coaperr.ErrMalformedMessage
		}
		return 65805 + binary.BigEndian.Uint32(ext[:4]), 4, nil
	default:
		return uint32(nibble), 0, nil
	}
}

// ParseTCP decodes one framed CoAP-over-TCP message from buf (the exact
// bytes of a single frame, no trailing data). Body length (Len) covers
// everything after Code+Token: options + marker + payload.
func ParseTCP(buf []byte) (*Message, error) {
	if len(buf) < 1 {
		return nil, coaperr.ErrMalformedMessage
	}
	first := buf[0]
	lenNib := first >> 4
	tkl := first & 0x0F
	if tkl > 8 {
		return nil, coaperr.ErrMalformedMessage
	}
	offset := 1

	bodyLen := uint32(lenNib)
	if lenNib >= 13 {
		v, n, err := decodeTCPLength(lenNib, buf[offset:])
		if err != nil {
			return nil, err
		}
		bodyLen = v
		offset += n
	}

	if offset >= len(buf) {
		return nil, coaperr.ErrMalformedMessage
	}
	code := Code(buf[offset])
	offset++

	tokenEnd := offset + int(tkl)
	if tokenEnd > len(buf) {
		return nil, coaperr.ErrMalformedMessage
	}
	token := make([]byte, tkl)
	copy(token, buf[offset:tokenEnd])
	offset = tokenEnd

	bodyEnd := offset + int(bodyLen)
	if bodyEnd > len(buf) {
		return nil, coaperr.ErrMalformedMessage
	}

	options, payload, err := decodeOptions(buf[:bodyEnd], offset)
	if err != nil {
		// Code and token already decoded: preserve them so a critical-option
		// rejection can still echo the right token in a 4.02 response.
		return &Message{Code: code, Token: token}, err
	}

	return &Message{
		Code:    code,
		Token:   token,
		Options: options,
		Payload: payload,
	}, nil
}

// SerializeTCP encodes a Message using the RFC 8323 variable-length framing.
func SerializeTCP(m *Message) ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, coaperr.ErrMalformedMessage
	}
	body, err := encodeOptions(m.Options, m.Payload)
	if err != nil {
		return nil, err
	}

	lenNib, lenExt := encodeTCPLength(uint32(len(body)))
	out := make([]byte, 0, 2+len(lenExt)+len(m.Token)+len(body))
	out = append(out, (lenNib<<4)|uint8(len(m.Token)))
	out = append(out, lenExt...)
	out = append(out, uint8(m.Code))
	out = append(out, m.Token...)
	out = append(out, body...)
	return out, nil
}

// frameBodyLen peeks the first bytes of a TCP stream to determine how many
// total bytes (prefix+code+token+body) a complete frame needs, without
// requiring the whole frame to be buffered yet. Returns 0, false if more
// header bytes are needed before the length can be determined.
func frameBodyLen(header []byte) (total int, ok bool) {
	if len(header) < 1 {
		return 0, false
	}
	first := header[0]
	lenNib := first >> 4
	tkl := int(first & 0x0F)
	offset := 1

	var extLen int
	switch {
	case lenNib < 13:
		extLen = 0
	case lenNib == 13:
		extLen = 1
	case lenNib == 14:
		extLen = 2
	default:
		extLen = 4
	}
	if len(header) < offset+extLen {
		return 0, false
	}

	bodyLen, _, err := decodeTCPLength(lenNib, header[offset:offset+extLen])
	if err != nil {
		return 0, false
	}
	offset += extLen

	// prefix + code(1) + token(tkl) + body
	total = offset + 1 + tkl + int(bodyLen)
	return total, true
}

// ReadFrame reads exactly one CoAP-over-TCP frame from r, returning its
// raw bytes ready for ParseTCP. It reads the minimal header first to learn
// the frame's total length, then the remainder.
func ReadFrame(r io.Reader) ([]byte, error) {
	// Enough to cover the worst case 1 (prefix) + 4 (ext length) header bytes.
	head := make([]byte, 1, 5)
	if _, err := io.ReadFull(r, head[:1]); err != nil {
		return nil, err
	}
	for {
		if total, ok := frameBodyLen(head); ok {
			frame := make([]byte, total)
			copy(frame, head)
			if total > len(head) {
				if _, err := io.ReadFull(r, frame[len(head):]); err != nil {
					return nil, err
				}
			}
			return frame, nil
		}
		extra := make([]byte, 1)
		if _, err := io.ReadFull(r, extra); err != nil {
			return nil, err
		}
		head = append(head, extra[0])
		if len(head) > 5 {
			return nil, coaperr.ErrMalformedMessage
		}
	}
}
