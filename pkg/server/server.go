package server

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/junbin-yang/coapd/pkg/content"
	"github.com/junbin-yang/coapd/pkg/listener/tcp"
	"github.com/junbin-yang/coapd/pkg/listener/udp"
	"github.com/junbin-yang/coapd/pkg/middleware"
	"github.com/junbin-yang/coapd/pkg/observe"
	"github.com/junbin-yang/coapd/pkg/reactor"
	"github.com/junbin-yang/coapd/pkg/reliability"
	"github.com/junbin-yang/coapd/pkg/router"
	"github.com/junbin-yang/coapd/pkg/utils/config"
	"github.com/junbin-yang/coapd/pkg/utils/logger"
)

// Server is the lifecycle coordinator: it owns every subsystem and stages
// their boot/teardown, rolling back what's already started on a failed
// boot step.
type Server struct {
	Config  *config.Config
	Routes  *router.Composite
	Content *content.Registry
	Chain   middleware.Middleware
	Clock   clockwork.Clock

	Observe *observe.Registry
	Pool    *reactor.Pool
	Reactor *reactor.Reactor

	udpListeners []*udp.Listener
	tcpListener  *tcp.Listener

	mu       sync.Mutex
	isInit   bool
	shutdown chan struct{}
}

// New builds a Server that is not yet started.
func New(cfg *config.Config, routes *router.Composite, chain middleware.Middleware) *Server {
	if chain == nil {
		chain = middleware.Identity
	}
	return &Server{
		Config:   cfg,
		Routes:   routes,
		Content:  content.NewRegistry(),
		Chain:    chain,
		Clock:    clockwork.NewRealClock(),
		shutdown: make(chan struct{}),
	}
}

// Start boots every configured subsystem in order: observe registry,
// reactor pool, then one listener per configured protocol. A failure at
// any step unwinds everything already started.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isInit {
		return nil
	}

	logger.Info("server: booting")

	s.Observe = observe.NewRegistry(s.Clock)

	threads := s.Config.Workers.Threads
	if threads <= 0 {
		threads = 4
	}
	s.Pool = reactor.NewPool(threads, threads*16)
	s.Reactor = reactor.New(s.Pool, func(path string, value float64, encode func(float64) []byte) {
		s.Observe.Notify(path, value, encode)
	}, defaultFloatEncoder)

	dispatcher := NewDispatcher(s.Routes, s.Chain, s.Content)

	for _, proto := range s.Config.Protocols {
		switch proto {
		case "udp":
			if err := s.startUDP(dispatcher); err != nil {
				s.teardownLocked()
				return errors.Wrap(err, "server: start udp listener")
			}
		case "tcp":
			if err := s.startTCP(dispatcher); err != nil {
				s.teardownLocked()
				return errors.Wrap(err, "server: start tcp listener")
			}
		default:
			s.teardownLocked()
			return errors.Errorf("server: unknown protocol %q", proto)
		}
	}

	s.isInit = true
	logger.Info("server: boot complete")
	return nil
}

// UDPSocket exposes the bound UDP socket so an application can build
// pkg/listener/udp.ObserveSender values for its own observable resources.
// Returns nil if the udp protocol was not configured.
func (s *Server) UDPSocket() *udp.Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.udpListeners) == 0 {
		return nil
	}
	return s.udpListeners[0].Socket
}

// ReliabilityManager exposes the UDP retransmission manager for the same
// reason. Returns nil if the udp protocol was not configured. When
// Workers.Processes fans out across several sockets, this is the manager
// for the first one only; each socket in the fan-out has its own.
func (s *Server) ReliabilityManager() *reliability.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.udpListeners) == 0 {
		return nil
	}
	return s.udpListeners[0].RelMgr
}

// UDPListeners exposes every UDP listener started by Workers.Processes
// fan-out, so an application can wire metrics hooks (or anything else
// listener-scoped) onto each one individually.
func (s *Server) UDPListeners() []*udp.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*udp.Listener(nil), s.udpListeners...)
}

func defaultFloatEncoder(v float64) []byte {
	return []byte(fmt.Sprintf("%v", v))
}

// startUDP binds Config.Workers.Processes independent sockets, each its
// own Listener sharing the dispatch pool, clock, and Observe registry.
// With Processes>1 every socket is bound SO_REUSEPORT so the kernel
// load-balances datagrams across them; a single process binds normally.
func (s *Server) startUDP(dispatcher *Dispatcher) error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: s.Config.Port}
	procs := s.Config.Workers.Processes
	if procs <= 0 {
		procs = 1
	}
	reusePort := procs > 1

	for i := 0; i < procs; i++ {
		sock, err := udp.Bind(addr, reusePort)
		if err != nil {
			return err
		}
		l := udp.New(sock, s.Pool, s.Clock, s.Observe, dispatcher.Handle)
		s.udpListeners = append(s.udpListeners, l)
		go l.Serve()
	}
	logger.Infof("server: udp listening on %v (%d socket(s))", addr, procs)
	return nil
}

func (s *Server) startTCP(dispatcher *Dispatcher) error {
	ln, err := tcp.New(fmt.Sprintf(":%d", s.Config.Port), dispatcher.Handle)
	if err != nil {
		return err
	}
	s.tcpListener = ln
	logger.Infof("server: tcp listening on %v", ln.Addr())
	return nil
}

// teardownLocked stops every subsystem that was started, in reverse
// boot order. Called both from a failed Start and from Shutdown.
func (s *Server) teardownLocked() error {
	var errs error
	if s.tcpListener != nil {
		if err := s.tcpListener.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
		s.tcpListener = nil
	}
	for _, l := range s.udpListeners {
		l.Close()
	}
	s.udpListeners = nil
	if s.Reactor != nil {
		s.Reactor.Close(5 * time.Second)
		s.Reactor = nil
		s.Pool = nil
	}
	if s.Observe != nil {
		s.Observe.Close()
		s.Observe = nil
	}
	return errs
}

// Shutdown stops every subsystem. Idempotent.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isInit {
		return nil
	}
	logger.Info("server: shutting down")
	err := s.teardownLocked()
	s.isInit = false
	logger.Info("server: shutdown complete")
	return err
}

// WaitForSignal blocks until SIGINT/SIGTERM arrives, then calls Shutdown.
// The signal handler itself only closes a channel.
func (s *Server) WaitForSignal() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		close(s.shutdown)
	}()

	<-s.shutdown
	return s.Shutdown()
}
