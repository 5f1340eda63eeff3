// Package server runs the DICOM SCP listener: one goroutine per
// accepted connection, each driving a PDU layer gated by the facility
// registry.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/halcyonimaging/pacscore/dimse"
	"github.com/halcyonimaging/pacscore/interfaces"
	"github.com/halcyonimaging/pacscore/pdu"
)

const (
	defaultIdleTimeout       = 60 * time.Second
	defaultObjectReadTimeout = 30 * time.Second
	defaultWriteTimeout      = 30 * time.Second
)

// Option configures a Server instance.
type Option func(*Server)

// WithLogger overrides the logger used by the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.Logger = logger
	}
}

// WithIdleTimeout sets how long an association may sit idle between
// PDUs before it is aborted.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.IdleTimeout = timeout
	}
}

// WithObjectReadTimeout bounds how long one PDU body may take to arrive
// after its header was read.
func WithObjectReadTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.ObjectReadTimeout = timeout
	}
}

// WithWriteTimeout bounds how long a single outgoing PDU write may
// block.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.WriteTimeout = timeout
	}
}

// Server is the DICOM listener wiring the PDU and DIMSE layers together
// behind the association gate.
type Server struct {
	AETitle           string
	Handler           interfaces.ServiceHandler
	Gate              interfaces.AssociationGate
	Logger            *slog.Logger
	IdleTimeout       time.Duration
	ObjectReadTimeout time.Duration
	WriteTimeout      time.Duration
}

// New builds a Server with the provided AE title, handler and gate.
func New(aeTitle string, handler interfaces.ServiceHandler, gate interfaces.AssociationGate, opts ...Option) *Server {
	srv := &Server{
		AETitle:           aeTitle,
		Handler:           handler,
		Gate:              gate,
		IdleTimeout:       defaultIdleTimeout,
		ObjectReadTimeout: defaultObjectReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// ListenAndServe listens on the given address and serves until the
// context is done or an unrecoverable error occurs.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	defer listener.Close()
	return s.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if listener == nil {
		return errors.New("dicomserver: listener is required")
	}
	if s.Handler == nil {
		return errors.New("dicomserver: handler is required")
	}
	if s.Gate == nil {
		return errors.New("dicomserver: association gate is required")
	}
	if s.AETitle == "" {
		return errors.New("dicomserver: AE title is required")
	}

	logger := s.logger()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	logger.Info("DICOM server listening",
		"address", listener.Addr().String(),
		"ae_title", s.AETitle)

	var (
		wg       sync.WaitGroup
		serveErr error
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Warn("Accept timeout", "error", err)
				continue
			}
			serveErr = err
			break
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			s.handleConnection(ctx, c, logger)
		}(conn)
	}

	wg.Wait()

	if serveErr != nil {
		return serveErr
	}
	return ctx.Err()
}

// handleConnection drives one association. Each connection gets its own
// DIMSE service; fragment reassembly state is never shared.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	service := dimse.NewService(s.Handler, logger)
	timeouts := pdu.Timeouts{
		Idle:       s.IdleTimeout,
		ObjectRead: s.ObjectReadTimeout,
		Write:      s.WriteTimeout,
	}
	layer := pdu.NewLayer(conn, service, s.Gate, s.AETitle, timeouts, logger)

	if err := layer.HandleConnection(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("DICOM connection ended",
			"error", err,
			"remote_addr", conn.RemoteAddr())
	} else {
		logger.Info("DICOM connection closed",
			"remote_addr", conn.RemoteAddr())
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
