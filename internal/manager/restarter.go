package manager

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/kernelctl/internal/heartbeat"
	logs "github.com/danmuck/kernelctl/internal/logging"
	"github.com/danmuck/kernelctl/internal/observability"
	"github.com/danmuck/kernelctl/internal/transport"
)

// RestartEvent names a restarter callback hook.
type RestartEvent string

const (
	// EventRestart fires after each automatic restart.
	EventRestart RestartEvent = "restart"
	// EventDead fires when a restart fails or the restart limit is reached.
	EventDead RestartEvent = "dead"
)

// RestartCallback receives the kernel id and the event. Callbacks run on the
// restarter goroutine and must not stop that restarter.
type RestartCallback func(kernelID string, event RestartEvent)

// CallbackID identifies a registered callback for removal.
type CallbackID uint64

type RestarterConfig struct {
	// Interval is time_to_dead: how often liveness is polled.
	Interval time.Duration
	// Backoff, when set, delays consecutive restarts. Nil restarts at once.
	Backoff *BackoffConfig
	// Limit caps consecutive restarts; 0 is unlimited.
	Limit int
	// StableAfter resets the consecutive count once a kernel has stayed up
	// this long.
	StableAfter time.Duration
	// Heartbeat, when set and the target can dial its heartbeat, treats a
	// missed beat as a death even while the process is alive.
	Heartbeat *heartbeat.Config
}

func DefaultRestarterConfig() RestarterConfig {
	return RestarterConfig{
		Interval:    3 * time.Second,
		StableAfter: 10 * time.Second,
	}
}

// restartTarget is what a Restarter supervises.
type restartTarget interface {
	ID() string
	IsAlive() bool
	Restart(ctx context.Context, now bool) error
}

// heartbeatDialer is implemented by targets with a heartbeat endpoint.
type heartbeatDialer interface {
	DialHeartbeat(ctx context.Context) (transport.Socket, error)
}

// Restarter polls a kernel and replaces it when it dies.
type Restarter struct {
	target restartTarget
	cfg    RestarterConfig
	rng    *rand.Rand

	paused atomic.Int32

	hb      *heartbeat.Monitor
	hbMu    sync.Mutex
	hbArmed bool
	missed  chan struct{}

	mu        sync.Mutex
	callbacks map[RestartEvent]map[CallbackID]RestartCallback
	nextID    CallbackID
	cancel    context.CancelFunc
	done      chan struct{}
	attempts  int
	lastStart time.Time
}

func NewRestarter(target restartTarget, cfg RestarterConfig) *Restarter {
	def := DefaultRestarterConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = def.StableAfter
	}
	r := &Restarter{
		target: target,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		missed: make(chan struct{}, 1),
		callbacks: map[RestartEvent]map[CallbackID]RestartCallback{
			EventRestart: {},
			EventDead:    {},
		},
	}
	if d, ok := target.(heartbeatDialer); ok && cfg.Heartbeat != nil {
		r.hb = heartbeat.NewMonitor(d.DialHeartbeat, *cfg.Heartbeat)
	}
	return r
}

// rearm restarts heartbeat probing against the current process and drops
// any miss reported for the previous one.
func (r *Restarter) rearm() {
	if r.hb == nil {
		return
	}
	r.hbMu.Lock()
	defer r.hbMu.Unlock()
	r.hb.Stop()
	select {
	case <-r.missed:
	default:
	}
	err := r.hb.Start(func() {
		select {
		case r.missed <- struct{}{}:
		default:
		}
	})
	r.hbArmed = err == nil
	if err != nil {
		logs.Warnf("manager.Restarter.rearm kernel=%s heartbeat err=%v", r.target.ID(), err)
	}
}

func (r *Restarter) disarm() {
	if r.hb == nil {
		return
	}
	r.hbMu.Lock()
	r.hb.Stop()
	r.hbArmed = false
	r.hbMu.Unlock()
}

func (r *Restarter) armed() bool {
	r.hbMu.Lock()
	defer r.hbMu.Unlock()
	return r.hb == nil || r.hbArmed
}

// AddCallback registers fn for event.
func (r *Restarter) AddCallback(event RestartEvent, fn RestartCallback) CallbackID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	if r.callbacks[event] == nil {
		r.callbacks[event] = map[CallbackID]RestartCallback{}
	}
	r.callbacks[event][r.nextID] = fn
	return r.nextID
}

// RemoveCallback unregisters id; unknown ids are ignored.
func (r *Restarter) RemoveCallback(event RestartEvent, id CallbackID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.callbacks[event], id)
}

func (r *Restarter) fire(event RestartEvent) {
	r.mu.Lock()
	ids := make([]CallbackID, 0, len(r.callbacks[event]))
	for id := range r.callbacks[event] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]RestartCallback, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.callbacks[event][id])
	}
	r.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logs.Errorf("manager.Restarter.fire kernel=%s event=%s callback panic=%v", r.target.ID(), event, rec)
				}
			}()
			fn(r.target.ID(), event)
		}()
	}
}

// Start begins polling. Calling Start on a running restarter is a no-op.
func (r *Restarter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.attempts = 0
	r.lastStart = time.Now()
	go r.poll(ctx, r.done)
	logs.Debugf("manager.Restarter.Start kernel=%s interval=%s heartbeat=%t", r.target.ID(), r.cfg.Interval, r.hb != nil)
}

// Stop ends polling and waits for an in-flight restart to finish.
func (r *Restarter) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Restarter) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running()
}

func (r *Restarter) running() bool {
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Pause suspends death handling until a matching Resume; manual restarts
// use it so the restarter does not race them.
func (r *Restarter) Pause() {
	r.paused.Add(1)
}

func (r *Restarter) Resume() {
	r.paused.Add(-1)
}

func (r *Restarter) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer r.disarm()
	r.rearm()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.missed:
			if r.paused.Load() > 0 {
				continue
			}
			logs.Warnf("manager.Restarter kernel=%s missed heartbeat", r.target.ID())
			if !r.handleDeath(ctx) {
				return
			}
			continue
		case <-ticker.C:
		}
		if r.paused.Load() > 0 {
			continue
		}
		if r.target.IsAlive() {
			if !r.armed() {
				r.rearm()
			}
			r.mu.Lock()
			if r.attempts > 0 && time.Since(r.lastStart) >= r.cfg.StableAfter {
				r.attempts = 0
			}
			r.mu.Unlock()
			continue
		}
		if !r.handleDeath(ctx) {
			return
		}
	}
}

// handleDeath restarts the target and reports whether polling continues.
func (r *Restarter) handleDeath(ctx context.Context) bool {
	r.mu.Lock()
	r.attempts++
	attempt := r.attempts
	r.mu.Unlock()
	id := r.target.ID()

	if r.cfg.Limit > 0 && attempt > r.cfg.Limit {
		logs.Errorf("manager.Restarter kernel=%s restart limit %d reached", id, r.cfg.Limit)
		observability.RecordLifecycle("dead")
		r.fire(EventDead)
		return false
	}
	if r.cfg.Backoff != nil {
		delay := NextBackoffDelay(*r.cfg.Backoff, attempt, r.rng)
		logs.Warnf("manager.Restarter kernel=%s died, restarting in %s attempt=%d", id, delay, attempt)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	} else {
		logs.Warnf("manager.Restarter kernel=%s died, restarting attempt=%d", id, attempt)
	}

	if err := r.target.Restart(ctx, true); err != nil {
		logs.Errorf("manager.Restarter kernel=%s restart failed err=%v", id, err)
		observability.RecordLifecycle("dead")
		r.fire(EventDead)
		return false
	}
	r.mu.Lock()
	r.lastStart = time.Now()
	r.mu.Unlock()
	r.rearm()
	r.fire(EventRestart)
	return true
}
