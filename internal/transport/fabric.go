package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

const (
	fabricQueueSize   = 4096
	fabricPendingSize = 1024
)

// Fabric is an in-process Transport. Endpoints are plain strings; a listener
// may close and a new one bind the same endpoint while dialers stay attached,
// which is how in-process kernels restart behind stable connection info.
type Fabric struct {
	mu        sync.Mutex
	endpoints map[string]*fabricEndpoint
}

type fabricEndpoint struct {
	listener *fabricSocket
	peers    map[string]*fabricSocket
	subs     []*fabricSocket
	// pending holds dialer messages sent while no listener is bound.
	pending [][][]byte
}

func NewFabric() *Fabric {
	return &Fabric{endpoints: make(map[string]*fabricEndpoint)}
}

func (f *Fabric) endpoint(name string) *fabricEndpoint {
	ep, ok := f.endpoints[name]
	if !ok {
		ep = &fabricEndpoint{peers: make(map[string]*fabricSocket)}
		f.endpoints[name] = ep
	}
	return ep
}

func (f *Fabric) Listen(_ context.Context, pattern Pattern, endpoint string) (Socket, error) {
	switch pattern {
	case Router, Pub, Rep:
	default:
		return nil, fmt.Errorf("%w: listen %s", ErrUnsupportedPattern, pattern)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ep := f.endpoint(endpoint)
	if ep.listener != nil {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, endpoint)
	}
	s := newFabricSocket(f, pattern, endpoint, "")
	ep.listener = s
	for _, frames := range ep.pending {
		s.offer(frames)
	}
	ep.pending = nil
	return s, nil
}

func (f *Fabric) Dial(_ context.Context, pattern Pattern, endpoint string, identity []byte) (Socket, error) {
	switch pattern {
	case Dealer, Sub, Req:
	default:
		return nil, fmt.Errorf("%w: dial %s", ErrUnsupportedPattern, pattern)
	}
	id := string(identity)
	if id == "" {
		id = uuid.NewString()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ep := f.endpoint(endpoint)
	s := newFabricSocket(f, pattern, endpoint, id)
	if pattern == Sub {
		ep.subs = append(ep.subs, s)
	} else {
		ep.peers[id] = s
	}
	return s, nil
}

type fabricSocket struct {
	fabric   *Fabric
	pattern  Pattern
	endpoint string
	identity string

	inbox     chan [][]byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	lastPeer string
}

func newFabricSocket(f *Fabric, pattern Pattern, endpoint, identity string) *fabricSocket {
	return &fabricSocket{
		fabric:   f,
		pattern:  pattern,
		endpoint: endpoint,
		identity: identity,
		inbox:    make(chan [][]byte, fabricQueueSize),
		done:     make(chan struct{}),
	}
}

// offer enqueues without blocking and reports whether the message was kept.
func (s *fabricSocket) offer(frames [][]byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- frames:
		return true
	default:
		return false
	}
}

func (s *fabricSocket) Send(frames [][]byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	frames = slices.Clone(frames)

	switch s.pattern {
	case Dealer, Req:
		return s.sendToListener(frames)
	case Router:
		if len(frames) == 0 {
			return nil
		}
		if peer := s.peer(string(frames[0])); peer != nil {
			peer.offer(frames[1:])
		}
		return nil
	case Rep:
		s.mu.Lock()
		id := s.lastPeer
		s.mu.Unlock()
		if peer := s.peer(id); peer != nil {
			peer.offer(frames)
		}
		return nil
	case Pub:
		s.fabric.mu.Lock()
		subs := slices.Clone(s.fabric.endpoint(s.endpoint).subs)
		s.fabric.mu.Unlock()
		for _, sub := range subs {
			sub.offer(frames)
		}
		return nil
	default:
		return fmt.Errorf("%w: send on %s", ErrUnsupportedPattern, s.pattern)
	}
}

func (s *fabricSocket) sendToListener(frames [][]byte) error {
	routed := append([][]byte{[]byte(s.identity)}, frames...)
	s.fabric.mu.Lock()
	ep := s.fabric.endpoint(s.endpoint)
	listener := ep.listener
	if listener == nil {
		if len(ep.pending) < fabricPendingSize {
			ep.pending = append(ep.pending, routed)
		}
		s.fabric.mu.Unlock()
		return nil
	}
	s.fabric.mu.Unlock()

	select {
	case listener.inbox <- routed:
		return nil
	case <-listener.done:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *fabricSocket) peer(id string) *fabricSocket {
	s.fabric.mu.Lock()
	defer s.fabric.mu.Unlock()
	return s.fabric.endpoint(s.endpoint).peers[id]
}

func (s *fabricSocket) Recv() ([][]byte, error) {
	select {
	case frames := <-s.inbox:
		if s.pattern == Rep && len(frames) > 0 {
			s.mu.Lock()
			s.lastPeer = string(frames[0])
			s.mu.Unlock()
			return frames[1:], nil
		}
		return frames, nil
	case <-s.done:
		return nil, ErrClosed
	}
}

func (s *fabricSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.fabric.mu.Lock()
		defer s.fabric.mu.Unlock()
		ep := s.fabric.endpoint(s.endpoint)
		switch s.pattern {
		case Router, Pub, Rep:
			if ep.listener == s {
				ep.listener = nil
			}
		case Sub:
			ep.subs = slices.DeleteFunc(ep.subs, func(o *fabricSocket) bool { return o == s })
		default:
			if ep.peers[s.identity] == s {
				delete(ep.peers, s.identity)
			}
		}
	})
	return nil
}
