package codec

import (
	"encoding/binary"

	"github.com/junbin-yang/coapd/pkg/coaperr"
)

// ParseUDP decodes a UDP datagram into a Message (RFC 7252 §3).
// Fixed 4-byte header: [Ver(2)|Type(2)|TKL(4)] [Code(8)] [MessageID(16)].
func ParseUDP(buf []byte) (*Message, error) {
	if len(buf) < 4 {
		return nil, coaperr.ErrMalformedMessage
	}
	ver := buf[0] >> 6
	if ver != Version {
		return nil, coaperr.ErrMalformedMessage
	}
	typ := Type((buf[0] >> 4) & 0x03)
	tkl := buf[0] & 0x0F
	if tkl > 8 {
		return nil, coaperr.ErrMalformedMessage
	}
	code := Code(buf[1])
	msgID := binary.BigEndian.Uint16(buf[2:4])

	tokenEnd := 4 + int(tkl)
	if tokenEnd > len(buf) {
		return nil, coaperr.ErrMalformedMessage
	}
	token := make([]byte, tkl)
	copy(token, buf[4:tokenEnd])

	options, payload, err := decodeOptions(buf, tokenEnd)
	if err != nil {
		// Header and token are already valid: hand back a minimal Message
		// so a critical-option rejection can still echo the right
		// MessageID/Token in a 4.02 response.
		return &Message{Type: typ, Code: code, MessageID: msgID, Token: token}, err
	}

	return &Message{
		Type:      typ,
		Code:      code,
		MessageID: msgID,
		Token:     token,
		Options:   options,
		Payload:   payload,
	}, nil
}

// SerializeUDP encodes a Message for transmission over UDP.
func SerializeUDP(m *Message) ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, coaperr.ErrMalformedMessage
	}
	out := make([]byte, 4, 4+len(m.Token)+16)
	out[0] = (Version << 6) | (uint8(m.Type) << 4) | uint8(len(m.Token))
	out[1] = uint8(m.Code)
	binary.BigEndian.PutUint16(out[2:4], m.MessageID)
	out = append(out, m.Token...)

	body, err := encodeOptions(m.Options, m.Payload)
	if err != nil {
		return nil, err
	}
	return append(out, body...), nil
}
