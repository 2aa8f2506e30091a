// Command coapd is the example CoAP server application: a couple of
// resources mounted through a composite router (one of them at a nested
// prefix so the longest-prefix mount dispatch actually gets exercised),
// an observable temperature sensor, and an optional Prometheus /metrics
// endpoint.
//
// The signal handler only flips the shutdown flag; pkg/server.WaitForSignal
// runs the actual teardown on the main goroutine.
package main

import (
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/junbin-yang/coapd/pkg/codec"
	"github.com/junbin-yang/coapd/pkg/content"
	"github.com/junbin-yang/coapd/pkg/eventbus"
	"github.com/junbin-yang/coapd/pkg/listener/udp"
	coapmetrics "github.com/junbin-yang/coapd/pkg/metrics"
	"github.com/junbin-yang/coapd/pkg/middleware"
	"github.com/junbin-yang/coapd/pkg/reactor"
	"github.com/junbin-yang/coapd/pkg/router"
	"github.com/junbin-yang/coapd/pkg/server"
	"github.com/junbin-yang/coapd/pkg/utils/config"
	"github.com/junbin-yang/coapd/pkg/utils/logger"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		logger.Warnf("coapd: %v, falling back to built-in defaults", err)
		cfg = &config.Config{Port: 5683, Protocols: []string{"udp", "tcp"}}
		cfg.Workers.Threads = 4
	}

	metricsReg := prometheus.NewRegistry()
	mx := coapmetrics.New(metricsReg)

	routes, sensors := buildRoutes()
	chain := middleware.Chain(requestCounter(mx))

	srv := server.New(cfg, routes, chain)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "coapd: failed to start: %v\n", err)
		os.Exit(1)
	}
	logger.Infof("coapd: listening on port %d, protocols=%v", cfg.Port, cfg.Protocols)

	for _, l := range srv.UDPListeners() {
		l.RelMgr.OnRetransmit = mx.RetransmitAttempts.Inc
		l.Dedup.OnHit = mx.DedupHits.Inc
	}

	bus := eventbus.New()
	wireTemperatureSensor(srv, sensors, mx)
	wireMotionSensor(srv, sensors, mx, bus)
	go simulateMotionEvents(bus)

	serveMetrics(metricsReg)

	if err := srv.WaitForSignal(); err != nil {
		logger.Errorf("coapd: shutdown error: %v", err)
	}
}

// buildRoutes assembles the resource tree. /api/v1/sensors is mounted as
// its own sub-router and merged into the composite at a nested prefix, so
// a request for it exercises the longest-prefix mount-dispatch path
// rather than always landing in the root router.
func buildRoutes() (*router.Composite, *router.Router) {
	composite := router.NewComposite()

	root := router.New()
	mustHandle(root.Handle(codec.GET, "/ping", pingHandler, router.Metadata{ResourceType: "core.p", Title: "liveness check"}))
	mustHandle(root.Handle(codec.GET, router.WellKnownCorePath, wellKnownCoreHandler(composite), router.Metadata{}))

	sensors := router.New() // /temp and /motion are registered once the server exists

	if err := composite.Mount("/", root); err != nil {
		logger.Fatalf("coapd: mount root: %v", err)
	}
	if err := composite.Mount("/api/v1/sensors", sensors); err != nil {
		logger.Fatalf("coapd: mount sensors: %v", err)
	}
	return composite, sensors
}

func mustHandle(err error) {
	if err != nil {
		logger.Fatalf("coapd: route registration failed: %v", err)
	}
}

func pingHandler(ctx *router.Context) (*codec.Message, error) {
	return ctx.Content([]byte("Pong")), nil
}

// wellKnownCoreHandler serves RFC 6690 discovery, in JSON instead of the
// link-format text grammar when the requester's Accept option names it.
func wellKnownCoreHandler(composite *router.Composite) router.Handler {
	return func(ctx *router.Context) (*codec.Message, error) {
		queries := router.QueriesOf(ctx.Request)
		routes := composite.AllRoutes()

		if wantsJSON(ctx.Request) {
			resp := ctx.Content(router.RenderLinkFormatJSON(routes, queries))
			resp.SetOption(codec.OptionContentFormat, codec.EncodeUintOption(router.ContentFormatLinkFormatJSON))
			return resp, nil
		}

		resp := ctx.Content(router.RenderLinkFormat(routes, queries))
		resp.SetOption(codec.OptionContentFormat, []byte{byte(router.ContentFormatLinkFormat)})
		return resp, nil
	}
}

func wantsJSON(m *codec.Message) bool {
	for _, v := range m.GetOptions(codec.OptionAccept) {
		var format uint32
		for _, b := range v {
			format = format<<8 | uint32(b)
		}
		if format == router.ContentFormatLinkFormatJSON {
			return true
		}
	}
	return false
}

// temperatureState is the in-process value the observable /temp resource
// reports; a real deployment would read this from a sensor driver.
type temperatureState struct {
	value float64
}

func wireTemperatureSensor(srv *server.Server, sensors *router.Router, mx *coapmetrics.Metrics) {
	state := &temperatureState{value: 21.0}

	mustHandle(sensors.Handle(codec.GET, "/temp", temperatureHandler(srv, state, mx), router.Metadata{
		ResourceType:  "temperature",
		Observable:    true,
		ContentFormat: fmt.Sprintf("%d", content.JSON),
	}))

	reactorInstance := srv.Reactor
	if reactorInstance == nil {
		return
	}
	reactorInstance.ObservablePolling("/api/v1/sensors/temp", 10*time.Second, func() float64 {
		state.value += (rand.Float64() - 0.5)
		return state.value
	})
}

func temperatureHandler(srv *server.Server, state *temperatureState, mx *coapmetrics.Metrics) router.Handler {
	reg := content.NewRegistry()
	return func(ctx *router.Context) (*codec.Message, error) {
		return serveObservable(srv, ctx, reg, mx, "/api/v1/sensors/temp", func() any {
			return map[string]any{"celsius": state.value}
		})
	}
}

// motionState is the in-process value the event-driven /motion resource
// reports, updated by whatever goroutine subscribes to the eventbus topic.
type motionState struct {
	mu       sync.Mutex
	detected bool
}

func (s *motionState) set(v bool) {
	s.mu.Lock()
	s.detected = v
	s.mu.Unlock()
}

func (s *motionState) get() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detected
}

// wireMotionSensor registers an event-driven observable resource: unlike
// /temp's ticker-driven ObservablePolling, a producer goroutine publishes
// to an eventbus topic whenever motion actually happens, and a relay
// goroutine forwards each event to the Reactor's Emitter, which is the
// decoupling pkg/eventbus's own doc comment describes.
func wireMotionSensor(srv *server.Server, sensors *router.Router, mx *coapmetrics.Metrics, bus *eventbus.Bus) {
	state := &motionState{}

	mustHandle(sensors.Handle(codec.GET, "/motion", motionHandler(srv, state, mx), router.Metadata{
		ResourceType:  "motion",
		Observable:    true,
		ContentFormat: fmt.Sprintf("%d", content.JSON),
	}))

	if srv.Reactor == nil {
		return
	}
	srv.Reactor.Observable("/api/v1/sensors/motion", func(emitter *reactor.Emitter) {
		events := bus.Subscribe("motion")
		go func() {
			for v := range events {
				detected, _ := v.(bool)
				state.set(detected)
				value := 0.0
				if detected {
					value = 1.0
				}
				emitter.Notify(value)
			}
		}()
	})
}

func motionHandler(srv *server.Server, state *motionState, mx *coapmetrics.Metrics) router.Handler {
	reg := content.NewRegistry()
	return func(ctx *router.Context) (*codec.Message, error) {
		return serveObservable(srv, ctx, reg, mx, "/api/v1/sensors/motion", func() any {
			return map[string]any{"detected": state.get()}
		})
	}
}

// simulateMotionEvents stands in for a real PIR sensor's interrupt
// callback, publishing an occasional detection to the eventbus topic
// wireMotionSensor's relay goroutine is listening on.
func simulateMotionEvents(bus *eventbus.Bus) {
	for {
		time.Sleep(time.Duration(5+rand.Intn(10)) * time.Second)
		bus.Publish("motion", true)
		time.Sleep(2 * time.Second)
		bus.Publish("motion", false)
	}
}

// serveObservable is the shared GET/Observe-subscribe path both
// observable resources use: plain GET returns one encoded snapshot,
// Observe registration or deregistration is handled against srv.Observe.
// A registration returns a fresh snapshot as the first notification; a
// deregistration (Observe=1) returns a 2.05 with an empty payload.
func serveObservable(srv *server.Server, ctx *router.Context, reg *content.Registry, mx *coapmetrics.Metrics, path string, snapshot func() any) (*codec.Message, error) {
	obs, isObserve := ctx.Request.GetOption(codec.OptionObserve)
	if !isObserve {
		body, err := reg.Encode(snapshot(), content.JSON)
		if err != nil {
			return nil, err
		}
		resp := ctx.Content(body)
		resp.SetOption(codec.OptionContentFormat, []byte{byte(content.JSON)})
		return resp, nil
	}

	peer, ok := ctx.Peer.(*net.UDPAddr)
	if !ok {
		return ctx.Content([]byte("observe requires udp")), nil
	}

	reqObserve := uint32(0)
	if len(obs) > 0 {
		for _, b := range obs {
			reqObserve = reqObserve<<8 | uint32(b)
		}
	}
	if reqObserve == 1 {
		srv.Observe.Unsubscribe(peer.String(), ctx.Request.Token)
		return ctx.Content(nil), nil
	}

	sub, _ := srv.Observe.Subscribe(path, peer.String(), ctx.Request.Token, nil)
	sub.Sender = &udp.ObserveSender{
		Socket: srv.UDPSocket(),
		RelMgr: srv.ReliabilityManager(),
		Sub:    sub,
		Format: content.JSON,
	}
	mx.ActiveSubscriptions.Set(float64(srv.Observe.Count(path)))

	body, err := reg.Encode(snapshot(), content.JSON)
	if err != nil {
		return nil, err
	}
	resp := ctx.Content(body)
	resp.SetOption(codec.OptionObserve, []byte{0})
	resp.SetOption(codec.OptionContentFormat, []byte{byte(content.JSON)})
	return resp, nil
}

func requestCounter(mx *coapmetrics.Metrics) middleware.Middleware {
	return func(next router.Handler) router.Handler {
		return func(ctx *router.Context) (*codec.Message, error) {
			resp, err := next(ctx)
			if resp != nil {
				mx.RequestsTotal.WithLabelValues(resp.Code.Dotted()).Inc()
			}
			return resp, err
		}
	}
}

// serveMetrics starts the optional /metrics HTTP endpoint.
func serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(":9090", mux); err != nil && err != http.ErrServerClosed {
			logger.Warnf("coapd: metrics endpoint stopped: %v", err)
		}
	}()
}
