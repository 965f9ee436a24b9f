// Package heartbeat implements the raw echo liveness channel: Echo on the
// kernel side and Monitor on the front-end side. Pings are single unsigned
// frames.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	logs "github.com/danmuck/kernelctl/internal/logging"
	"github.com/danmuck/kernelctl/internal/transport"
)

var ErrAlreadyRunning = errors.New("heartbeat: monitor already running")

// Ping is the single frame each beat carries.
var Ping = []byte{0x01}

// Config controls probe timing.
type Config struct {
	// FirstBeat delays the first ping after Start.
	FirstBeat time.Duration
	// Period is the ping interval; a ping unanswered for one Period is a death.
	Period time.Duration
}

func DefaultConfig() Config {
	return Config{
		FirstBeat: time.Second,
		Period:    3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FirstBeat < 0 {
		c.FirstBeat = 0
	}
	if c.Period <= 0 {
		c.Period = def.Period
	}
	return c
}

// Dialer opens a fresh REQ socket to the kernel's heartbeat endpoint.
type Dialer func(ctx context.Context) (transport.Socket, error)

// Monitor pings a kernel periodically and reports the first missed beat.
type Monitor struct {
	dial Dialer
	cfg  Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	beating bool
}

func NewMonitor(dial Dialer, cfg Config) *Monitor {
	return &Monitor{dial: dial, cfg: cfg.withDefaults()}
}

// Start dials and begins probing. onDead runs once, from the monitor
// goroutine, when a ping goes unanswered; the monitor then stops. Start may
// be called again after a death or Stop.
func (m *Monitor) Start(onDead func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		select {
		case <-m.done:
		default:
			return ErrAlreadyRunning
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	sock, err := m.dial(ctx)
	if err != nil {
		cancel()
		return err
	}
	m.cancel = cancel
	m.done = make(chan struct{})
	m.beating = true
	go m.run(ctx, sock, onDead, m.done)
	return nil
}

// Stop cancels probing and waits for the monitor goroutine to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsBeating reports whether the last probe cycle saw the kernel answer.
func (m *Monitor) IsBeating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beating
}

func (m *Monitor) setBeating(v bool) {
	m.mu.Lock()
	m.beating = v
	m.mu.Unlock()
}

func (m *Monitor) run(ctx context.Context, sock transport.Socket, onDead func(), done chan struct{}) {
	defer close(done)
	defer sock.Close()

	pongs := make(chan struct{}, 1)
	go func() {
		for {
			if _, err := sock.Recv(); err != nil {
				return
			}
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		return
	case <-time.After(m.cfg.FirstBeat):
	}

	ticker := time.NewTicker(m.cfg.Period)
	defer ticker.Stop()
	outstanding := false
	send := func() bool {
		if err := sock.Send([][]byte{Ping}); err != nil {
			logs.Warnf("heartbeat.Monitor.run send err=%v", err)
			return false
		}
		outstanding = true
		return true
	}
	if !send() {
		m.die(onDead)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-pongs:
			outstanding = false
			m.setBeating(true)
		case <-ticker.C:
			if outstanding {
				m.die(onDead)
				return
			}
			if !send() {
				m.die(onDead)
				return
			}
		}
	}
}

func (m *Monitor) die(onDead func()) {
	m.setBeating(false)
	logs.Warnf("heartbeat.Monitor missed beat period=%s", m.cfg.Period)
	if onDead != nil {
		onDead()
	}
}

// Echo answers every ping on sock until the socket closes or ctx ends.
func Echo(ctx context.Context, sock transport.Socket) error {
	go func() {
		<-ctx.Done()
		sock.Close()
	}()
	for {
		frames, err := sock.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := sock.Send(frames); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
