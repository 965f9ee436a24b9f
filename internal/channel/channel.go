// Package channel binds one transport socket to one logical kernel stream and
// provides the front-end KernelClient built on top of those streams.
package channel

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/danmuck/kernelctl/internal/connection"
	logs "github.com/danmuck/kernelctl/internal/logging"
	"github.com/danmuck/kernelctl/internal/protocol"
	"github.com/danmuck/kernelctl/internal/protocol/session"
	"github.com/danmuck/kernelctl/internal/transport"
)

var ErrNotRunning = errors.New("channel: not running")

// Handler observes one inbound message.
type Handler func(protocol.Message)

// Channel is one typed message stream over a socket. Inbound messages are
// delivered to handlers in arrival order from a single goroutine.
type Channel struct {
	name connection.Channel
	sock transport.Socket
	sess *session.Session

	sendMu sync.Mutex

	mu       sync.RWMutex
	handlers map[uint64]Handler
	order    []uint64
	nextID   uint64

	running atomic.Bool
	stopped chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New wraps sock. The channel owns sock and closes it on Stop.
func New(name connection.Channel, sock transport.Socket, sess *session.Session) *Channel {
	return &Channel{
		name:     name,
		sock:     sock,
		sess:     sess,
		handlers: make(map[uint64]Handler),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *Channel) Name() connection.Channel {
	return c.name
}

// Subscribe registers h and returns a function that removes it.
func (c *Channel) Subscribe(h Handler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[id] = h
	c.order = append(c.order, id)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
		for i, v := range c.order {
			if v == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
}

// Start launches the receive loop. Calling Start twice is a no-op.
func (c *Channel) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	go c.loop()
}

// Stop closes the socket and waits for the receive loop to exit.
func (c *Channel) Stop() {
	c.once.Do(func() {
		close(c.stopped)
		c.sock.Close()
	})
	if c.running.Load() {
		<-c.done
	}
}

// IsAlive reports whether the receive loop is running.
func (c *Channel) IsAlive() bool {
	if !c.running.Load() {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send serializes and sends msg.
func (c *Channel) Send(msg protocol.Message) error {
	select {
	case <-c.stopped:
		return ErrNotRunning
	default:
	}
	frames, err := c.sess.Serialize(msg)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sock.Send(frames)
}

// Recv reads and verifies one message directly. It must not be used while
// the receive loop is running.
func (c *Channel) Recv() (protocol.Message, error) {
	frames, err := c.sock.Recv()
	if err != nil {
		return protocol.Message{}, err
	}
	return c.sess.Deserialize(frames)
}

func (c *Channel) loop() {
	defer close(c.done)
	for {
		msg, err := c.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			select {
			case <-c.stopped:
				return
			default:
			}
			LogDropped("channel.Channel.loop", c.name, err)
			if !IsProtocolError(err) {
				return
			}
			continue
		}
		c.callHandlers(msg)
	}
}

func (c *Channel) callHandlers(msg protocol.Message) {
	c.mu.RLock()
	hs := make([]Handler, 0, len(c.order))
	for _, id := range c.order {
		hs = append(hs, c.handlers[id])
	}
	c.mu.RUnlock()
	for _, h := range hs {
		h(msg)
	}
}

// IsProtocolError reports whether err is a per-message protocol failure that
// should be dropped rather than ending a receive loop.
func IsProtocolError(err error) bool {
	return errors.Is(err, protocol.ErrMalformedMessage) ||
		errors.Is(err, protocol.ErrSignature) ||
		errors.Is(err, protocol.ErrReplay)
}

// LogDropped logs a dropped inbound message at the level its error class
// calls for: signature failures at error, the rest at warn.
func LogDropped(where string, ch connection.Channel, err error) {
	if errors.Is(err, protocol.ErrSignature) {
		logs.Errorf("%s channel=%s dropped err=%v", where, ch, err)
		return
	}
	logs.Warnf("%s channel=%s dropped err=%v", where, ch, err)
}
