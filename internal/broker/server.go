// Package broker implements the rendezvous server: service agents register
// a key, gateway agents subscribe to one, and the broker pairs them by
// handing the gateway agent's connection a bridge to a fresh data
// connection the service agent opens on request.
package broker

import (
	"context"
	"net"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/quaybridge/pbmapper/internal/logging"
)

// Config parameterises a Server.
type Config struct {
	ListenAddr string // host:port to bind the control/data TCP listener
	MaxConns   int    // soft cap on concurrently accepted connections, 0 = unbounded
}

// Server owns the TCP accept loop and the Manager task center that backs it.
type Server struct {
	cfg     Config
	manager *Manager

	ready  chan struct{}
	lnAddr net.Addr
}

// New returns a ready-to-serve broker. The caller must invoke ListenAndServe.
func New(cfg Config) *Server {
	return &Server{cfg: cfg, manager: NewManager(), ready: make(chan struct{})}
}

// Ready is closed once the listener is bound; Addr is valid after that.
// Useful for embedders binding port 0.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listener address, or nil before Ready.
func (s *Server) Addr() net.Addr { return s.lnAddr }

// Manager exposes the underlying task center, e.g. for the admin HTTP
// surface to post status queries against.
func (s *Server) Manager() *Manager { return s.manager }

// ListenAndServe binds cfg.ListenAddr and runs the accept loop until ctx is
// cancelled. The Manager's own task-center loop is started alongside it.
func (s *Server) ListenAndServe(ctx context.Context) error {
	log := logging.Logger().Named("broker.server")

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	s.lnAddr = ln.Addr()
	close(s.ready)

	go s.manager.Run(ctx)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log.Info("broker listening", zap.String("addr", s.cfg.ListenAddr))
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			log.Warn("accept", zap.Error(err))
			continue
		}
		s.manager.TaskSender() <- taskAccept{Conn: conn}
	}
}
