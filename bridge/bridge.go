package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/wsbridge/bus"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	// DefaultListenAddr is where the bridge listens unless configured otherwise.
	DefaultListenAddr = "127.0.0.1:3001"
	// DefaultReadLimit is the largest client message accepted, in bytes.
	DefaultReadLimit = 32768
)

// CommandSender accepts commands destined for the worker. Send must be safe for concurrent use.
type CommandSender interface {
	Send(command string)
}

// Bridge accepts WebSocket clients and pumps events and commands between them and the worker.
type Bridge struct {
	log *zap.SugaredLogger

	events *bus.Bus
	input  CommandSender

	listenAddr     string
	readLimit      int64
	originPatterns []string
	workerRunning  func() bool

	listenOnce sync.Once
	listenErr  error
	listener   net.Listener
	httpServer *http.Server

	// ctx is the parent of every connection's context; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	connsMut sync.Mutex
	stopped  bool
	conns    sync.WaitGroup
}

type Option func(b *Bridge)

func WithListenAddr(s string) Option {
	return func(b *Bridge) {
		b.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.log = l.Named("bridge").Sugar()
	}
}

// WithReadLimit sets the largest client message accepted, in bytes.
func WithReadLimit(n int64) Option {
	return func(b *Bridge) {
		b.readLimit = n
	}
}

// WithOriginPatterns sets the host patterns allowed in a browser's Origin header, see websocket.AcceptOptions.
func WithOriginPatterns(patterns ...string) Option {
	return func(b *Bridge) {
		b.originPatterns = patterns
	}
}

// WithWorkerStatus reports worker liveness on the heartbeat endpoint.
func WithWorkerStatus(f func() bool) Option {
	return func(b *Bridge) {
		b.workerRunning = f
	}
}

// New builds a bridge between the events bus and the worker input.
func New(events *bus.Bus, input CommandSender, opts ...Option) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		log:            zap.NewNop().Sugar(),
		events:         events,
		input:          input,
		listenAddr:     DefaultListenAddr,
		readLimit:      DefaultReadLimit,
		originPatterns: []string{"*"},
		workerRunning:  func() bool { return !events.Closed() },
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, o := range opts {
		o(b)
	}

	router := httprouter.New()
	router.GET("/", b.serveWS)
	router.GET("/ws", b.serveWS)
	router.GET("/heartbeat", b.heartbeat)

	b.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return b.ctx },
	}
	return b
}

// Listen binds the listen address. It is called by Serve and Run if needed.
func (b *Bridge) Listen() error {
	b.listenOnce.Do(func() {
		l, err := net.Listen("tcp", b.listenAddr)
		if err != nil {
			b.listenErr = fmt.Errorf("listening TCP: %w", err)
			return
		}
		b.listener = l
		b.log.Infof("WebSocket running at ws://%s/ws", l.Addr())
	})
	return b.listenErr
}

// Addr returns the bound address, or nil before Listen.
func (b *Bridge) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Serve accepts connections until Stop is called. Each connection is handled on its own goroutine.
func (b *Bridge) Serve() error {
	if err := b.Listen(); err != nil {
		return err
	}
	err := b.httpServer.Serve(b.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run serves until ctx is done, then stops the bridge and waits for every connection to be torn down.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Listen(); err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- b.Serve() }()

	select {
	case err := <-serveErr:
		if stopErr := b.Stop(); stopErr != nil {
			b.log.Debugf("error stopping bridge: %s", stopErr)
		}
		return err
	case <-ctx.Done():
		stopErr := b.Stop()
		if err := <-serveErr; err != nil {
			return err
		}
		return stopErr
	}
}

// Stop closes the listener, tears down every open connection and waits for their handlers to return.
func (b *Bridge) Stop() error {
	b.connsMut.Lock()
	b.stopped = true
	b.connsMut.Unlock()

	b.cancel()
	err := b.httpServer.Close()
	if b.listener != nil {
		// no-op when Serve already owns it
		b.listener.Close()
	}
	b.conns.Wait()
	return err
}

func (b *Bridge) trackConn() bool {
	b.connsMut.Lock()
	defer b.connsMut.Unlock()
	if b.stopped {
		return false
	}
	b.conns.Add(1)
	return true
}

func (b *Bridge) serveWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !b.trackConn() {
		http.Error(w, "bridge stopped", http.StatusServiceUnavailable)
		return
	}
	defer b.conns.Done()

	log := b.log.Named("conn").With("ConnID", uuid.NewString(), "RemoteAddr", r.RemoteAddr)

	// Subscribe before the handshake completes so that a client sees every event published after it connects.
	sub := b.events.Subscribe()

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: b.originPatterns,
	})
	if err != nil {
		sub.Close()
		log.Infof("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(b.readLimit)
	log.Debug("accepted WebSocket conn")

	h := &connHandler{
		log:   log,
		conn:  wsConn,
		sub:   sub,
		input: b.input,
	}
	h.run(r.Context())
	log.Debug("connection closed")
}

// Status is the heartbeat response.
type Status struct {
	Subscribers   int
	WorkerRunning bool
}

func (b *Bridge) heartbeat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resp := Status{
		Subscribers:   b.events.Len(),
		WorkerRunning: b.workerRunning(),
	}
	body, err := json.Marshal(resp)
	if err != nil {
		b.log.Debugf("error marshaling heartbeat response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		b.log.Debugf("error writing heartbeat response: %s", err)
	}
}
