// Package transport abstracts the multipart socket patterns the kernel
// channels run on. ZMQ backs real processes; Fabric connects sockets inside
// one process.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/kernelctl/internal/connection"
)

var (
	ErrClosed             = errors.New("transport: socket closed")
	ErrAddrInUse          = errors.New("transport: endpoint already bound")
	ErrUnsupportedPattern = errors.New("transport: unsupported pattern")
)

// Pattern is a socket messaging pattern.
type Pattern int

const (
	Router Pattern = iota + 1
	Dealer
	Pub
	Sub
	Rep
	Req
)

func (p Pattern) String() string {
	switch p {
	case Router:
		return "ROUTER"
	case Dealer:
		return "DEALER"
	case Pub:
		return "PUB"
	case Sub:
		return "SUB"
	case Rep:
		return "REP"
	case Req:
		return "REQ"
	default:
		return fmt.Sprintf("Pattern(%d)", int(p))
	}
}

// Socket sends and receives whole multipart messages.
//
// A Router's Recv prefixes the peer identity frame and its Send expects one.
// Recv blocks until a message arrives or the socket is closed, in which case
// it returns ErrClosed.
type Socket interface {
	Send(frames [][]byte) error
	Recv() ([][]byte, error)
	Close() error
}

// Transport binds kernel-side sockets and dials front-end sockets.
type Transport interface {
	Listen(ctx context.Context, pattern Pattern, endpoint string) (Socket, error)
	// Dial connects to endpoint. A nil identity lets the transport pick one.
	Dial(ctx context.Context, pattern Pattern, endpoint string, identity []byte) (Socket, error)
}

// KernelPattern returns the pattern the kernel binds for ch.
func KernelPattern(ch connection.Channel) Pattern {
	switch ch {
	case connection.IOPub:
		return Pub
	case connection.HB:
		return Rep
	default:
		return Router
	}
}

// ClientPattern returns the pattern a front-end dials for ch.
func ClientPattern(ch connection.Channel) Pattern {
	switch ch {
	case connection.IOPub:
		return Sub
	case connection.HB:
		return Req
	default:
		return Dealer
	}
}

// For returns the transport serving info: fabric for inproc, ZMQ otherwise.
func For(info connection.Info, fabric *Fabric) Transport {
	if info.Transport == connection.TransportInproc && fabric != nil {
		return fabric
	}
	return ZMQ{}
}
