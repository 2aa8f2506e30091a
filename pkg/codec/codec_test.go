package codec

import (
	"bytes"
	"testing"
)

func sampleMessage(payloadLen int) *Message {
	m := &Message{
		Type:      Confirmable,
		Code:      GET,
		MessageID: 0x4242,
		Token:     []byte{0xAA, 0xBB},
	}
	m.SetUriPath("/ping")
	m.AddOption(OptionUriQuery, []byte("a=1"))
	m.AddOption(OptionUriQuery, []byte("b=2"))
	if payloadLen > 0 {
		m.Payload = bytes.Repeat([]byte{'x'}, payloadLen)
	}
	return m
}

func equalMessages(t *testing.T, a, b *Message) {
	t.Helper()
	if a.Code != b.Code {
		t.Fatalf("code mismatch: %v != %v", a.Code, b.Code)
	}
	if !bytes.Equal(a.Token, b.Token) {
		t.Fatalf("token mismatch: %v != %v", a.Token, b.Token)
	}
	if !bytes.Equal(a.Payload, b.Payload) {
		t.Fatalf("payload mismatch: len %d != %d", len(a.Payload), len(b.Payload))
	}
	if len(a.Options) != len(b.Options) {
		t.Fatalf("option count mismatch: %d != %d", len(a.Options), len(b.Options))
	}
	for i := range a.Options {
		if a.Options[i].Number != b.Options[i].Number || !bytes.Equal(a.Options[i].Value, b.Options[i].Value) {
			t.Fatalf("option %d mismatch: %+v != %+v", i, a.Options[i], b.Options[i])
		}
	}
}

func TestUDPRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 13, 268, 269, 1000} {
		m := sampleMessage(n)
		buf, err := SerializeUDP(m)
		if err != nil {
			t.Fatalf("serialize payload=%d: %v", n, err)
		}
		got, err := ParseUDP(buf)
		if err != nil {
			t.Fatalf("parse payload=%d: %v", n, err)
		}
		equalMessages(t, m, got)
	}
}

func TestTCPRoundTripFramingSizes(t *testing.T) {
	for _, n := range []int{0, 12, 13, 268, 269, 65804, 65805} {
		m := sampleMessage(n)
		buf, err := SerializeTCP(m)
		if err != nil {
			t.Fatalf("serialize payload=%d: %v", n, err)
		}
		got, err := ParseTCP(buf)
		if err != nil {
			t.Fatalf("parse payload=%d: %v", n, err)
		}
		equalMessages(t, m, got)

		total, ok := frameBodyLen(buf)
		if !ok || total != len(buf) {
			t.Fatalf("frameBodyLen payload=%d: got (%d,%v), want (%d,true)", n, total, ok, len(buf))
		}
	}
}

func TestOptionDeltaNonDecreasing(t *testing.T) {
	m := sampleMessage(0)
	buf, err := SerializeUDP(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	var prev uint32
	for _, o := range got.Options {
		if o.Number < prev {
			t.Fatalf("option numbers not non-decreasing: %d after %d", o.Number, prev)
		}
		prev = o.Number
	}
}

func TestParseShortHeaderIsMalformed(t *testing.T) {
	if _, err := ParseUDP([]byte{0x40, 0x01}); err == nil {
		t.Fatal("expected error for short header")
	}
}

func TestEmptyPayloadNeverEmitsMarker(t *testing.T) {
	m := sampleMessage(0)
	buf, err := SerializeUDP(m)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range buf {
		_ = b
	}
	// No payload -> no trailing 0xFF once options are accounted for.
	got, err := ParseUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got.Payload))
	}
}

func TestUnknownCriticalOptionRejected(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET, MessageID: 1}
	m.AddOption(99, []byte("x")) // 99 is odd => critical, unknown
	buf, err := SerializeUDP(m)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseUDP(buf); err == nil {
		t.Fatal("expected rejection of unknown critical option")
	}
}

func TestUnknownCriticalOptionStillReturnsHeader(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET, MessageID: 7, Token: []byte{0x5}}
	m.AddOption(99, []byte("x"))
	buf, err := SerializeUDP(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseUDP(buf)
	if err == nil {
		t.Fatal("expected rejection of unknown critical option")
	}
	if got == nil {
		t.Fatal("expected a partial message carrying the header even on rejection")
	}
	if got.MessageID != 7 || !bytes.Equal(got.Token, []byte{0x5}) {
		t.Fatalf("partial message lost header fields: %+v", got)
	}
	if ResponseCodeForParseError(err) != BadOption {
		t.Fatalf("expected BadOption response code, got %v", ResponseCodeForParseError(err))
	}
}

func TestUnknownElectiveOptionIgnoredNotRejected(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET, MessageID: 1}
	m.AddOption(100, []byte("x")) // even => elective
	buf, err := SerializeUDP(m)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseUDP(buf); err != nil {
		t.Fatalf("unexpected rejection of unknown elective option: %v", err)
	}
}

func TestOptionTooLarge(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET, MessageID: 1}
	m.AddOption(OptionUriQuery, bytes.Repeat([]byte{'a'}, maxOptionValue+1))
	if _, err := SerializeUDP(m); err == nil {
		t.Fatal("expected OptionTooLarge error")
	}
}
