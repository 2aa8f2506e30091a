package udp

import (
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/junbin-yang/coapd/pkg/codec"
	"github.com/junbin-yang/coapd/pkg/observe"
	"github.com/junbin-yang/coapd/pkg/reactor"
	"github.com/junbin-yang/coapd/pkg/router"
)

func localSocket(t *testing.T) *Socket {
	t.Helper()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	s, err := Bind(addr, false)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	return s
}

func startListener(t *testing.T, handle func(ctx *router.Context) *codec.Message) (*Listener, *net.UDPAddr) {
	t.Helper()
	sock := localSocket(t)
	pool := reactor.NewPool(2, 8)
	reg := observe.NewRegistry(clockwork.NewRealClock())
	t.Cleanup(reg.Close)
	l := New(sock, pool, clockwork.NewRealClock(), reg, handle)
	go l.Serve()
	t.Cleanup(func() {
		l.Close()
		pool.Close(time.Second)
	})
	return l, sock.Conn.LocalAddr().(*net.UDPAddr)
}

// TestPingGET exercises scenario 1.
func TestPingGET(t *testing.T) {
	handle := func(ctx *router.Context) *codec.Message {
		return ctx.Content([]byte(`{"message":"Pong"}`))
	}
	_, addr := startListener(t, handle)

	client, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	req := &codec.Message{Type: codec.Confirmable, Code: codec.GET, MessageID: 0x4242, Token: []byte{0xAA, 0xBB}}
	req.SetUriPath("/ping")
	buf, err := codec.SerializeUDP(req)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, err := client.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	respBuf := make([]byte, 2048)
	n, err := client.Read(respBuf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	resp, err := codec.ParseUDP(respBuf[:n])
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.Type != codec.Acknowledgement || resp.MessageID != 0x4242 || resp.Code != codec.Content {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if string(resp.Token) != string([]byte{0xAA, 0xBB}) {
		t.Fatalf("token mismatch: %x", resp.Token)
	}
}

// TestEmptyConPing exercises scenario 3.
func TestEmptyConPing(t *testing.T) {
	_, addr := startListener(t, func(ctx *router.Context) *codec.Message { return nil })

	client, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte{0x40, 0x00, 0x51, 0x51}); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	respBuf := make([]byte, 64)
	n, err := client.Read(respBuf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	resp, err := codec.ParseUDP(respBuf[:n])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Type != codec.Acknowledgement || resp.Code != codec.Empty || resp.MessageID != 0x5151 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

// TestUnexpectedNonEmpty exercises scenario 4.
func TestUnexpectedNonEmpty(t *testing.T) {
	_, addr := startListener(t, func(ctx *router.Context) *codec.Message { return nil })

	client, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte{0x50, 0x00, 0x51, 0x51}); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	respBuf := make([]byte, 64)
	n, err := client.Read(respBuf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	resp, err := codec.ParseUDP(respBuf[:n])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Type != codec.Reset || resp.MessageID != 0x5151 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

// TestUnknownCriticalOptionGetsBadOption exercises the §7 propagation
// policy for a request whose header parses but whose options don't: the
// listener answers 4.02 rather than dropping the datagram silently.
func TestUnknownCriticalOptionGetsBadOption(t *testing.T) {
	_, addr := startListener(t, func(ctx *router.Context) *codec.Message { return nil })

	client, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	req := &codec.Message{Type: codec.Confirmable, Code: codec.GET, MessageID: 0x33, Token: []byte{0x09}}
	req.AddOption(99, []byte("x")) // odd-numbered => critical, unrecognized
	buf, err := codec.SerializeUDP(req)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, err := client.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	respBuf := make([]byte, 64)
	n, err := client.Read(respBuf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	resp, err := codec.ParseUDP(respBuf[:n])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Code != codec.BadOption || resp.MessageID != 0x33 || string(resp.Token) != string([]byte{0x09}) {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

// TestDuplicateCONIdempotent exercises scenario 5.
func TestDuplicateCONIdempotent(t *testing.T) {
	invocations := 0
	handle := func(ctx *router.Context) *codec.Message {
		invocations++
		return ctx.Content([]byte("pong"))
	}
	_, addr := startListener(t, handle)

	client, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	req := &codec.Message{Type: codec.Confirmable, Code: codec.GET, MessageID: 0x9999, Token: []byte{0x01}}
	req.SetUriPath("/ping")
	buf, _ := codec.SerializeUDP(req)

	var responses [][]byte
	for i := 0; i < 2; i++ {
		if _, err := client.Write(buf); err != nil {
			t.Fatalf("write: %v", err)
		}
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		respBuf := make([]byte, 2048)
		n, err := client.Read(respBuf)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		cp := make([]byte, n)
		copy(cp, respBuf[:n])
		responses = append(responses, cp)
		time.Sleep(50 * time.Millisecond)
	}

	if string(responses[0]) != string(responses[1]) {
		t.Fatalf("expected byte-identical responses for duplicate CON")
	}
	if invocations != 1 {
		t.Fatalf("expected handler invoked exactly once, got %d", invocations)
	}
}

// TestRstDropsObserveSubscriptions exercises RFC 7641's RST-cancels rule:
// a peer that resets a notification loses every subscription it holds, not
// just the one the notification belonged to.
func TestRstDropsObserveSubscriptions(t *testing.T) {
	l, addr := startListener(t, func(ctx *router.Context) *codec.Message { return nil })

	client, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	peer := client.LocalAddr().String()
	l.Observe.Subscribe("/temp", peer, []byte{0x01}, noopSender{})
	l.Observe.Subscribe("/humidity", peer, []byte{0x02}, noopSender{})
	if got := l.Observe.Count("/temp") + l.Observe.Count("/humidity"); got != 2 {
		t.Fatalf("expected 2 subscriptions before RST, got %d", got)
	}

	rst := &codec.Message{Type: codec.Reset, Code: codec.Empty, MessageID: 0x4242}
	buf, err := codec.SerializeUDP(rst)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, err := client.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.Observe.Count("/temp")+l.Observe.Count("/humidity") == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected RST to drop all subscriptions for peer %s", peer)
}

type noopSender struct{}

func (noopSender) SendNotify(peerAddr string, msg []byte) error { return nil }
