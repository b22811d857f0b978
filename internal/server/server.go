package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/fetchctrl/internal/config"
)

const shutdownTimeout = 5 * time.Second

// Drainer is closed after the listener stops accepting requests. The
// resource registry is the usual drainer: closing it waits for running
// fetches and flushes the snapshot mirror.
type Drainer interface {
	Close(ctx context.Context) error
}

// Server serves the registry handler and, on shutdown, stops the listener
// before draining the resources behind it.
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	drainers   []Drainer
	timeout    time.Duration

	mu       sync.Mutex
	listener net.Listener
	once     sync.Once
	stopErr  error
}

// New builds the listener from the listen settings. Reloads swap resources
// behind the handler, never the listener. Nil drainers are skipped.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler, drainers ...Drainer) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		logger:  logger.With(slog.String("agent", "listener")),
		timeout: shutdownTimeout,
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port)),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
	for _, d := range drainers {
		if d != nil {
			s.drainers = append(s.drainers, d)
		}
	}
	return s, nil
}

// Addr reports the bound address once Run is listening, else the configured
// one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Run serves until ctx ends or the listener fails. Either way open requests
// get a grace period and the drainers are closed before Run returns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Join(fmt.Errorf("server: listen: %w", err), s.stop())
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listener starting", slog.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		if err := s.stop(); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return errors.Join(err, s.stop())
	}
}

// stop shuts the listener down and then drains; it runs at most once. Each
// step gets its own timeout.
func (s *Server) stop() error {
	s.once.Do(func() {
		s.logger.Info("http listener shutting down")
		httpCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
		httpErr := s.httpServer.Shutdown(httpCtx)
		cancel()
		if httpErr != nil {
			httpErr = fmt.Errorf("server: shutdown: %w", httpErr)
		}

		drainCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		started := time.Now()
		var drainErrs []error
		for _, d := range s.drainers {
			if err := d.Close(drainCtx); err != nil {
				drainErrs = append(drainErrs, err)
			}
		}
		drainErr := errors.Join(drainErrs...)
		if drainErr != nil {
			s.logger.Error("resource drain failed", slog.Any("error", drainErr))
			drainErr = fmt.Errorf("server: drain: %w", drainErr)
		} else if len(s.drainers) > 0 {
			s.logger.Info("resources drained",
				slog.Int("drainers", len(s.drainers)),
				slog.Duration("duration", time.Since(started)),
			)
		}
		s.stopErr = errors.Join(httpErr, drainErr)
	})
	return s.stopErr
}
