package tcp

import (
	"net"
	"testing"
	"time"

	"github.com/junbin-yang/coapd/pkg/codec"
	"github.com/junbin-yang/coapd/pkg/router"
)

// TestTCPCSMHandshakeAndRoundTrip exercises scenario 9 (TCP round-trip):
// the server sends its CSM unprompted on connect, and a GET/response pair
// round-trips through RFC 8323 framing.
func TestTCPCSMHandshakeAndRoundTrip(t *testing.T) {
	handle := func(ctx *router.Context) *codec.Message {
		return &codec.Message{Code: codec.Content, Token: ctx.Request.Token}
	}
	l, err := New("127.0.0.1:0", handle)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := codec.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read CSM frame: %v", err)
	}
	csm, err := codec.ParseTCP(frame)
	if err != nil {
		t.Fatalf("parse CSM: %v", err)
	}
	if csm.Code != codec.SignalCSM {
		t.Fatalf("expected server CSM first, got code %v", csm.Code)
	}

	req := &codec.Message{Code: codec.GET, Token: []byte{0x07}}
	req.SetUriPath("/ping")
	out, err := codec.SerializeTCP(req)
	if err != nil {
		t.Fatalf("serialize request: %v", err)
	}
	if _, err := conn.Write(out); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	respFrame, err := codec.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read response frame: %v", err)
	}
	resp, err := codec.ParseTCP(respFrame)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.Code != codec.Content || string(resp.Token) != string([]byte{0x07}) {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestTCPPingPong(t *testing.T) {
	l, err := New("127.0.0.1:0", func(ctx *router.Context) *codec.Message { return nil })
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := codec.ReadFrame(conn); err != nil {
		t.Fatalf("read CSM frame: %v", err)
	}

	ping := &codec.Message{Code: codec.SignalPing, Token: []byte{0x55}}
	out, _ := codec.SerializeTCP(ping)
	if _, err := conn.Write(out); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := codec.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	pong, err := codec.ParseTCP(frame)
	if err != nil {
		t.Fatalf("parse pong: %v", err)
	}
	if pong.Code != codec.SignalPong || string(pong.Token) != string([]byte{0x55}) {
		t.Fatalf("unexpected pong: %+v", pong)
	}
}
