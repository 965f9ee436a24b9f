package kernel

import (
	"context"
	"fmt"

	"github.com/danmuck/kernelctl/internal/connection"
	"github.com/danmuck/kernelctl/internal/protocol/session"
	"github.com/danmuck/kernelctl/internal/transport"
)

// Bind listens on all five endpoints in info.
func Bind(ctx context.Context, t transport.Transport, info connection.Info) (Sockets, error) {
	var s Sockets
	targets := map[connection.Channel]*transport.Socket{
		connection.Shell:   &s.Shell,
		connection.Control: &s.Control,
		connection.Stdin:   &s.Stdin,
		connection.IOPub:   &s.IOPub,
		connection.HB:      &s.HB,
	}
	for _, ch := range connection.Channels {
		ep, err := info.Endpoint(ch)
		if err != nil {
			s.closeAll()
			return Sockets{}, err
		}
		sock, err := t.Listen(ctx, transport.KernelPattern(ch), ep)
		if err != nil {
			s.closeAll()
			return Sockets{}, fmt.Errorf("kernel: bind %s: %w", ch, err)
		}
		*targets[ch] = sock
	}
	return s, nil
}

// Start binds info and returns a core ready to Run.
func Start(ctx context.Context, t transport.Transport, info connection.Info, engine Engine, cfg Config) (*Core, error) {
	sess, err := session.New(info.SessionConfig())
	if err != nil {
		return nil, err
	}
	sockets, err := Bind(ctx, t, info)
	if err != nil {
		return nil, err
	}
	cfg.Connection = info
	return New(engine, sockets, sess, cfg), nil
}

// Serve runs a kernel on info until ctx ends or it is shut down.
func Serve(ctx context.Context, t transport.Transport, info connection.Info, engine Engine, cfg Config) error {
	core, err := Start(ctx, t, info, engine, cfg)
	if err != nil {
		return err
	}
	return core.Run(ctx)
}
