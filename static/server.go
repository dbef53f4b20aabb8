/*
Package static serves the browser UI's asset directory.

With live reload enabled, the asset tree is watched for changes. Browsers loading an HTML page
get a small script that connects to "/__livereload" over WebSocket and reloads the page
whenever a "reload" message arrives. The server shares nothing with the bridge; it only
serves files.
*/
package static

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/wsbridge/bus"
	"github.com/guseggert/wsbridge/internal/files"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	DefaultListenAddr = "127.0.0.1:8080"
	LiveReloadPath    = "/__livereload"
	reloadMessage     = "reload"

	defaultDebounce = 100 * time.Millisecond
)

type Server struct {
	log *zap.SugaredLogger

	root       string
	listenAddr string
	liveReload bool
	debounce   time.Duration

	// reloads fans out change notifications to every connected browser.
	reloads *bus.Bus

	listenOnce sync.Once
	listenErr  error
	listener   net.Listener
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	// workers counts the watcher and live reload conns; Stop waits for them.
	workersMut sync.Mutex
	stopped    bool
	workers    sync.WaitGroup
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("static").Sugar()
	}
}

func WithLiveReload(enabled bool) Option {
	return func(s *Server) {
		s.liveReload = enabled
	}
}

// WithDebounce sets how long the tree must be quiet before browsers are told to reload.
func WithDebounce(d time.Duration) Option {
	return func(s *Server) {
		s.debounce = d
	}
}

// New builds a server for the asset directory at root, which should come from ResolveRoot.
func New(root string, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:        zap.NewNop().Sugar(),
		root:       root,
		listenAddr: DefaultListenAddr,
		liveReload: true,
		debounce:   defaultDebounce,
		reloads:    bus.New(1),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(s)
	}

	router := httprouter.New()
	if s.liveReload {
		router.GET(LiveReloadPath, s.serveLiveReload)
	}
	router.NotFound = &fileHandler{
		fs:     http.Dir(s.root),
		files:  http.FileServer(http.Dir(s.root)),
		inject: s.liveReload,
	}

	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	return s
}

// ResolveRoot returns root if it is a directory.
// Otherwise a relative root is searched for in the working directory's ancestors.
func ResolveRoot(root string) (string, error) {
	fi, err := os.Stat(root)
	if err == nil {
		if !fi.IsDir() {
			return "", fmt.Errorf("asset root %q is not a directory", root)
		}
		return root, nil
	}
	if !errors.Is(err, os.ErrNotExist) || filepath.IsAbs(root) {
		return "", fmt.Errorf("asset root: %w", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working dir: %w", err)
	}
	found, err := files.FindUp(filepath.Clean(root), wd)
	if err != nil {
		return "", fmt.Errorf("searching for asset root %q: %w", root, err)
	}
	if found == "" {
		return "", fmt.Errorf("asset root %q not found in %s or its parents", root, wd)
	}
	return found, nil
}

// Listen binds the listen address and, with live reload enabled, starts watching the asset tree.
func (s *Server) Listen() error {
	s.listenOnce.Do(func() {
		var w *watcher
		if s.liveReload {
			var err error
			w, err = newWatcher(s.log.Named("watch"), s.root, s.debounce, s.reload)
			if err != nil {
				s.listenErr = err
				return
			}
		}

		l, err := net.Listen("tcp", s.listenAddr)
		if err != nil {
			if w != nil {
				w.close()
			}
			s.listenErr = fmt.Errorf("listening TCP: %w", err)
			return
		}
		s.listener = l

		if w != nil {
			if !s.track() {
				w.close()
				l.Close()
				s.listenErr = errors.New("server stopped")
				return
			}
			go func() {
				defer s.workers.Done()
				w.run(s.ctx)
			}()
		}
		s.log.Infow("serving assets", "URL", fmt.Sprintf("http://%s/", l.Addr()), "Root", s.root, "LiveReload", s.liveReload)
	})
	return s.listenErr
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Serve() error {
	if err := s.Listen(); err != nil {
		return err
	}
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run serves until ctx is done, then stops the server.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve() }()

	select {
	case err := <-serveErr:
		if stopErr := s.Stop(); stopErr != nil {
			s.log.Debugf("error stopping static server: %s", stopErr)
		}
		return err
	case <-ctx.Done():
		stopErr := s.Stop()
		if err := <-serveErr; err != nil {
			return err
		}
		return stopErr
	}
}

// Stop closes the listener, disconnects live reload clients and stops the watcher.
func (s *Server) Stop() error {
	s.workersMut.Lock()
	s.stopped = true
	s.workersMut.Unlock()

	s.cancel()
	s.reloads.Close()
	err := s.httpServer.Close()
	if s.listener != nil {
		s.listener.Close()
	}
	s.workers.Wait()
	return err
}

func (s *Server) track() bool {
	s.workersMut.Lock()
	defer s.workersMut.Unlock()
	if s.stopped {
		return false
	}
	s.workers.Add(1)
	return true
}

func (s *Server) reload() {
	n := s.reloads.Publish(reloadMessage)
	s.log.Infow("assets changed, reloading browsers", "Browsers", n)
}

func (s *Server) serveLiveReload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.track() {
		http.Error(w, "server stopped", http.StatusServiceUnavailable)
		return
	}
	defer s.workers.Done()

	log := s.log.Named("livereload").With("ConnID", uuid.NewString(), "RemoteAddr", r.RemoteAddr)

	sub := s.reloads.Subscribe()
	defer sub.Close()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	// browsers never send anything, so this just watches for them going away
	ctx := conn.CloseRead(r.Context())

	for {
		_, err := sub.Recv(ctx)
		var lagged *bus.LaggedError
		switch {
		case errors.As(err, &lagged):
			// a newer reload is already queued
			continue
		case errors.Is(err, bus.ErrClosed):
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case err != nil:
			log.Debugf("live reload conn done: %s", err)
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, []byte(reloadMessage)); err != nil {
			log.Debugf("error writing reload: %s", err)
			return
		}
	}
}
