// Package tcp implements the CoAP-over-TCP listener: one listening
// socket, one handler goroutine per connection, RFC 8323 CSM handshake,
// per-connection framed reads with a 5s completion timeout, strict
// per-connection FIFO dispatch.
package tcp

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/junbin-yang/coapd/pkg/codec"
	"github.com/junbin-yang/coapd/pkg/router"
	"github.com/junbin-yang/coapd/pkg/utils/logger"
)

// FrameReadTimeout bounds how long a connection may sit mid-frame before
// it is dropped.
const FrameReadTimeout = 5 * time.Second

// MaxMessageSize is advertised in this server's CSM.
const MaxMessageSize = 1152

// Listener accepts CoAP-over-TCP connections, one goroutine per
// connection.
type Listener struct {
	ln net.Listener

	mu       sync.Mutex
	conns    map[int]net.Conn
	nextID   int
	stopCh   chan struct{}
	wg       sync.WaitGroup

	Handle func(ctx *router.Context) *codec.Message
}

// New starts accepting on addr.
func New(addr string, handle func(ctx *router.Context) *codec.Message) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		ln:     ln,
		conns:  make(map[int]net.Conn),
		nextID: 1000,
		stopCh: make(chan struct{}),
		Handle: handle,
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the bound address, for tests and the example app's log line.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				logger.Errorf("tcp: accept error: %v", err)
				continue
			}
		}

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *Listener) registerConn(conn net.Conn) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.conns[id] = conn
	return id
}

func (l *Listener) unregisterConn(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if conn, ok := l.conns[id]; ok {
		conn.Close()
		delete(l.conns, id)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	id := l.registerConn(conn)
	defer l.unregisterConn(id)

	logger.Debugf("tcp: connection opened id=%d remote=%v", id, conn.RemoteAddr())

	if err := l.performCSM(conn); err != nil {
		logger.Warnf("tcp: CSM handshake failed id=%d: %v", id, err)
		return
	}

	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		// Wait for the next frame's first byte without a deadline; only the
		// rest of the frame is bounded by FrameReadTimeout.
		conn.SetReadDeadline(time.Time{})
		first := make([]byte, 1)
		_, err := io.ReadFull(conn, first)
		var frame []byte
		if err == nil {
			conn.SetReadDeadline(time.Now().Add(FrameReadTimeout))
			frame, err = codec.ReadFrame(io.MultiReader(bytes.NewReader(first), conn))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debugf("tcp: connection closed by peer id=%d", id)
			} else {
				logger.Debugf("tcp: frame read error id=%d: %v", id, err)
			}
			return
		}

		m, err := codec.ParseTCP(frame)
		if err != nil {
			logger.Warnf("tcp: malformed frame id=%d: %v", id, err)
			if m != nil {
				resp := &codec.Message{Code: codec.ResponseCodeForParseError(err), Token: m.Token}
				if out, serr := codec.SerializeTCP(resp); serr == nil {
					conn.Write(out)
				}
			}
			continue
		}

		if l.handleSignaling(conn, m) {
			continue
		}

		ctx := &router.Context{Request: m, Peer: conn.RemoteAddr()}
		resp := l.Handle(ctx)
		if resp == nil {
			continue
		}
		out, err := codec.SerializeTCP(resp)
		if err != nil {
			logger.Errorf("tcp: serialize response failed id=%d: %v", id, err)
			continue
		}
		if _, err := conn.Write(out); err != nil {
			logger.Warnf("tcp: write response failed id=%d: %v", id, err)
			return
		}
	}
}

// performCSM sends this server's CSM immediately on connect.
func (l *Listener) performCSM(conn net.Conn) error {
	csm := csmMessage()
	out, err := codec.SerializeTCP(csm)
	if err != nil {
		return err
	}
	_, err = conn.Write(out)
	return err
}

func csmMessage() *codec.Message {
	m := &codec.Message{Code: codec.SignalCSM}
	m.SetOption(codec.OptionMaxMessageSize, codec.EncodeUintOption(MaxMessageSize))
	return m
}

// handleSignaling answers RFC 8323 7.xx signaling codes that don't flow
// through the router (CSM, Ping/Pong, Release, Abort). Returns true if m
// was a signaling message and has been fully handled.
func (l *Listener) handleSignaling(conn net.Conn, m *codec.Message) bool {
	switch m.Code {
	case codec.SignalCSM:
		logger.Debugf("tcp: received peer CSM")
		return true
	case codec.SignalPing:
		pong := &codec.Message{Code: codec.SignalPong, Token: m.Token}
		if out, err := codec.SerializeTCP(pong); err == nil {
			conn.Write(out)
		}
		return true
	case codec.SignalPong:
		return true
	case codec.SignalRelease, codec.SignalAbort:
		return true
	default:
		return false
	}
}

// Close stops the accept loop, closes every open connection, and waits
// for all handler goroutines to exit. Idempotent.
func (l *Listener) Close() error {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	l.ln.Close()

	l.mu.Lock()
	for id, conn := range l.conns {
		conn.Close()
		delete(l.conns, id)
	}
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}
