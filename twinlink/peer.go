package twinlink

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/TheusHen/twinlink/twinlink/client"
	"github.com/TheusHen/twinlink/twinlink/config"
	"github.com/TheusHen/twinlink/twinlink/observability"
	"github.com/TheusHen/twinlink/twinlink/server"
	"github.com/TheusHen/twinlink/twinlink/session"
)

var ErrNotListening = errors.New("twinlink: peer is not listening")

// Peer is a high-level helper that shares one configuration and logger
// between a server and the clients it dials.
type Peer struct {
	Config config.Config
	Logger *zap.Logger
	// Authorizer admits clients of Listen.
	Authorizer session.Authorizer
	// Token is presented by clients created with Dial.
	Token []byte

	server *server.Server
}

func NewPeer(cfg config.Config, logger *zap.Logger) *Peer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Peer{Config: cfg, Logger: logger}
}

// LoadPeer reads configuration from path (see config.Load) and builds the
// logger it describes.
func LoadPeer(path string) (*Peer, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := observability.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	return NewPeer(cfg, logger), nil
}

func (p *Peer) Listen(ctx context.Context, addr string) error {
	srv, err := server.Listen(ctx, addr, p.Config, server.Options{
		Logger:     p.Logger,
		Authorizer: p.Authorizer,
	})
	if err != nil {
		return err
	}
	p.server = srv
	return nil
}

// Server returns the listening server, nil before Listen.
func (p *Peer) Server() *server.Server { return p.server }

func (p *Peer) ListenAddr() string {
	if p.server == nil {
		return ""
	}
	return p.server.Addr().String()
}

func (p *Peer) Close() error {
	if p.server == nil {
		return nil
	}
	return p.server.Close()
}

// Wait blocks until the server stops.
func (p *Peer) Wait() error {
	if p.server == nil {
		return ErrNotListening
	}
	return p.server.Wait()
}

// Dial prepares a client for the server at addr; start it with Run.
func (p *Peer) Dial(addr string) (*client.Client, error) {
	return client.New(addr, p.Config, client.Options{Logger: p.Logger, Token: p.Token})
}
