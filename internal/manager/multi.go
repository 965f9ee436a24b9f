package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/danmuck/kernelctl/internal/channel"
	"github.com/danmuck/kernelctl/internal/connection"
	"github.com/danmuck/kernelctl/internal/heartbeat"
	logs "github.com/danmuck/kernelctl/internal/logging"
	"github.com/danmuck/kernelctl/internal/observability"
	"github.com/danmuck/kernelctl/internal/protocol/session"
	"github.com/danmuck/kernelctl/internal/transport"
	"github.com/google/uuid"
)

// MultiKernelManager owns a set of kernels addressed by id. It is an
// explicit value shared by reference; there is no package-level registry.
type MultiKernelManager struct {
	cfg       Config
	launcher  Launcher
	transport transport.Transport

	mu      sync.RWMutex
	kernels map[string]*KernelManager
}

func NewMultiKernelManager(cfg Config, launcher Launcher, t transport.Transport) *MultiKernelManager {
	return &MultiKernelManager{
		cfg:       cfg.withDefaults(),
		launcher:  launcher,
		transport: t,
		kernels:   make(map[string]*KernelManager),
	}
}

// StartOption overrides per-kernel settings.
type StartOption func(*startOptions)

type startOptions struct {
	id  string
	cfg Config
}

// WithKernelID uses id instead of a generated UUID.
func WithKernelID(id string) StartOption {
	return func(o *startOptions) { o.id = id }
}

func WithKernelName(name string) StartOption {
	return func(o *startOptions) { o.cfg.KernelName = name }
}

func WithArgv(argv ...string) StartOption {
	return func(o *startOptions) { o.cfg.Argv = argv }
}

func WithEnv(env ...string) StartOption {
	return func(o *startOptions) { o.cfg.Env = append(o.cfg.Env, env...) }
}

// StartKernel launches a kernel and returns its id.
func (m *MultiKernelManager) StartKernel(ctx context.Context, opts ...StartOption) (string, error) {
	o := startOptions{cfg: m.cfg}
	o.cfg.Env = append([]string(nil), m.cfg.Env...)
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	km := NewKernelManager(o.id, o.cfg, m.launcher, m.transport)
	m.mu.Lock()
	if _, exists := m.kernels[o.id]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateKernel, o.id)
	}
	// reserve the id while starting
	m.kernels[o.id] = km
	m.mu.Unlock()

	if err := km.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.kernels, o.id)
		m.mu.Unlock()
		return "", err
	}
	if o.cfg.AutoRestart {
		km.StartRestarter()
	}
	observability.SetKernels(m.count())
	logs.Infof("manager.MultiKernelManager.StartKernel kernel=%s name=%s", o.id, o.cfg.KernelName)
	return o.id, nil
}

func (m *MultiKernelManager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.kernels)
}

// Kernel returns the manager for id.
func (m *MultiKernelManager) Kernel(id string) (*KernelManager, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	km, ok := m.kernels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKernelNotFound, id)
	}
	return km, nil
}

// ListKernelIDs returns every kernel id in sorted order.
func (m *MultiKernelManager) ListKernelIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.kernels))
	for id := range m.kernels {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (m *MultiKernelManager) ConnectionInfo(id string) (connection.Info, error) {
	km, err := m.Kernel(id)
	if err != nil {
		return connection.Info{}, err
	}
	return km.ConnectionInfo(), nil
}

// RemoveKernel forgets id without shutting the kernel down.
func (m *MultiKernelManager) RemoveKernel(id string) (*KernelManager, error) {
	m.mu.Lock()
	km, ok := m.kernels[id]
	if ok {
		delete(m.kernels, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKernelNotFound, id)
	}
	km.StopRestarter()
	observability.SetKernels(m.count())
	return km, nil
}

// ShutdownKernel stops id. Unless restart is set the record is removed.
func (m *MultiKernelManager) ShutdownKernel(ctx context.Context, id string, now, restart bool) error {
	km, err := m.Kernel(id)
	if err != nil {
		return err
	}
	err = km.Shutdown(ctx, now, restart)
	if !restart {
		m.RemoveKernel(id)
	}
	return err
}

func (m *MultiKernelManager) RestartKernel(ctx context.Context, id string, now bool) error {
	km, err := m.Kernel(id)
	if err != nil {
		return err
	}
	return km.Restart(ctx, now)
}

func (m *MultiKernelManager) InterruptKernel(ctx context.Context, id string) error {
	km, err := m.Kernel(id)
	if err != nil {
		return err
	}
	return km.Interrupt(ctx)
}

func (m *MultiKernelManager) SignalKernel(id string, sig os.Signal) error {
	km, err := m.Kernel(id)
	if err != nil {
		return err
	}
	return km.Signal(sig)
}

func (m *MultiKernelManager) IsAlive(id string) (bool, error) {
	km, err := m.Kernel(id)
	if err != nil {
		return false, err
	}
	return km.IsAlive(), nil
}

// AddRestartCallback registers fn on id's restarter, starting one if the
// kernel has none.
func (m *MultiKernelManager) AddRestartCallback(id string, event RestartEvent, fn RestartCallback) (CallbackID, error) {
	km, err := m.Kernel(id)
	if err != nil {
		return 0, err
	}
	r := km.Restarter()
	if r == nil {
		r = km.StartRestarter()
	}
	return r.AddCallback(event, fn), nil
}

func (m *MultiKernelManager) RemoveRestartCallback(id string, event RestartEvent, cb CallbackID) error {
	km, err := m.Kernel(id)
	if err != nil {
		return err
	}
	if r := km.Restarter(); r != nil {
		r.RemoveCallback(event, cb)
	}
	return nil
}

func (m *MultiKernelManager) connect(ctx context.Context, id string, ch connection.Channel, identity []byte) (connection.Info, transport.Socket, error) {
	info, err := m.ConnectionInfo(id)
	if err != nil {
		return connection.Info{}, nil, err
	}
	ep, err := info.Endpoint(ch)
	if err != nil {
		return connection.Info{}, nil, err
	}
	if ch == connection.IOPub {
		identity = nil
	}
	sock, err := m.transport.Dial(ctx, transport.ClientPattern(ch), ep, identity)
	if err != nil {
		return connection.Info{}, nil, err
	}
	return info, sock, nil
}

func (m *MultiKernelManager) connectChannel(ctx context.Context, id string, ch connection.Channel, identity []byte) (*channel.Channel, error) {
	info, sock, err := m.connect(ctx, id, ch, identity)
	if err != nil {
		return nil, err
	}
	sess, err := session.New(info.SessionConfig())
	if err != nil {
		sock.Close()
		return nil, err
	}
	return channel.New(ch, sock, sess), nil
}

// ConnectShell returns a new, unstarted shell channel. Each identity gets
// only its own replies.
func (m *MultiKernelManager) ConnectShell(ctx context.Context, id string, identity []byte) (*channel.Channel, error) {
	return m.connectChannel(ctx, id, connection.Shell, identity)
}

// ConnectIOPub returns a new subscriber; every subscriber sees every broadcast.
func (m *MultiKernelManager) ConnectIOPub(ctx context.Context, id string) (*channel.Channel, error) {
	return m.connectChannel(ctx, id, connection.IOPub, nil)
}

func (m *MultiKernelManager) ConnectStdin(ctx context.Context, id string, identity []byte) (*channel.Channel, error) {
	return m.connectChannel(ctx, id, connection.Stdin, identity)
}

func (m *MultiKernelManager) ConnectControl(ctx context.Context, id string, identity []byte) (*channel.Channel, error) {
	return m.connectChannel(ctx, id, connection.Control, identity)
}

// ConnectHB returns a raw REQ socket on the heartbeat endpoint.
func (m *MultiKernelManager) ConnectHB(ctx context.Context, id string) (transport.Socket, error) {
	km, err := m.Kernel(id)
	if err != nil {
		return nil, err
	}
	return km.DialHeartbeat(ctx)
}

// HeartbeatMonitor returns a standalone monitor that redials id's heartbeat
// on each Start. Restarters configured with a heartbeat run their own.
func (m *MultiKernelManager) HeartbeatMonitor(id string, cfg heartbeat.Config) (*heartbeat.Monitor, error) {
	km, err := m.Kernel(id)
	if err != nil {
		return nil, err
	}
	return heartbeat.NewMonitor(km.DialHeartbeat, cfg), nil
}

// Client opens a full front-end client to id.
func (m *MultiKernelManager) Client(ctx context.Context, id string, opts ...channel.ClientOption) (*channel.KernelClient, error) {
	info, err := m.ConnectionInfo(id)
	if err != nil {
		return nil, err
	}
	return channel.Connect(ctx, m.transport, info, opts...)
}

// ShutdownAll asks every kernel to stop, then waits for each and removes it.
// Slow kernels do not delay the others from starting their shutdown.
func (m *MultiKernelManager) ShutdownAll(ctx context.Context, now bool) error {
	m.mu.RLock()
	kms := make([]*KernelManager, 0, len(m.kernels))
	for _, km := range m.kernels {
		kms = append(kms, km)
	}
	m.mu.RUnlock()

	for _, km := range kms {
		km.StopRestarter()
	}
	var wg sync.WaitGroup
	for _, km := range kms {
		if now {
			if p := km.Process(); p != nil {
				p.Kill()
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.RequestShutdown(ctx, false)
		}()
	}
	wg.Wait()

	var errs []error
	for _, km := range kms {
		if err := km.FinishShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("kernel %s: %w", km.ID(), err))
		}
		km.Cleanup(false)
		m.RemoveKernel(km.ID())
		observability.RecordLifecycle("shutdown")
	}
	logs.Infof("manager.MultiKernelManager.ShutdownAll kernels=%d errors=%d", len(kms), len(errs))
	return errors.Join(errs...)
}
