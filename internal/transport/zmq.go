package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
)

// ZMQ implements Transport over ZeroMQ sockets.
type ZMQ struct {
	// DialRetry is the reconnect interval for dialers; zero uses zmq4's default.
	DialRetry time.Duration
}

type zmqSocket struct {
	sock   zmq4.Socket
	closed atomic.Bool
}

func (z ZMQ) newSocket(ctx context.Context, pattern Pattern, identity []byte) (zmq4.Socket, error) {
	var opts []zmq4.Option
	if len(identity) > 0 {
		opts = append(opts, zmq4.WithID(zmq4.SocketIdentity(identity)))
	}
	if z.DialRetry > 0 {
		opts = append(opts, zmq4.WithDialerRetry(z.DialRetry))
	}
	switch pattern {
	case Router:
		return zmq4.NewRouter(ctx, opts...), nil
	case Dealer:
		return zmq4.NewDealer(ctx, opts...), nil
	case Pub:
		return zmq4.NewPub(ctx, opts...), nil
	case Sub:
		return zmq4.NewSub(ctx, opts...), nil
	case Rep:
		return zmq4.NewRep(ctx, opts...), nil
	case Req:
		return zmq4.NewReq(ctx, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPattern, pattern)
	}
}

func (z ZMQ) Listen(ctx context.Context, pattern Pattern, endpoint string) (Socket, error) {
	sock, err := z.newSocket(ctx, pattern, nil)
	if err != nil {
		return nil, err
	}
	if err := sock.Listen(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("transport: listen %s %s: %w", pattern, endpoint, err)
	}
	return &zmqSocket{sock: sock}, nil
}

func (z ZMQ) Dial(ctx context.Context, pattern Pattern, endpoint string, identity []byte) (Socket, error) {
	sock, err := z.newSocket(ctx, pattern, identity)
	if err != nil {
		return nil, err
	}
	if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("transport: dial %s %s: %w", pattern, endpoint, err)
	}
	if pattern == Sub {
		if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			sock.Close()
			return nil, fmt.Errorf("transport: subscribe %s: %w", endpoint, err)
		}
	}
	return &zmqSocket{sock: sock}, nil
}

func (s *zmqSocket) Send(frames [][]byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(frames) == 1 {
		return s.sock.Send(zmq4.NewMsg(frames[0]))
	}
	return s.sock.SendMulti(zmq4.NewMsgFrom(frames...))
}

func (s *zmqSocket) Recv() ([][]byte, error) {
	msg, err := s.sock.Recv()
	if err != nil {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		return nil, err
	}
	return msg.Frames, nil
}

func (s *zmqSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.sock.Close()
}
