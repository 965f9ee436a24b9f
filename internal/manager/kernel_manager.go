package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danmuck/kernelctl/internal/channel"
	"github.com/danmuck/kernelctl/internal/connection"
	logs "github.com/danmuck/kernelctl/internal/logging"
	"github.com/danmuck/kernelctl/internal/observability"
	"github.com/danmuck/kernelctl/internal/protocol"
	"github.com/danmuck/kernelctl/internal/protocol/session"
	"github.com/danmuck/kernelctl/internal/transport"
)

const (
	InterruptSignal  = "signal"
	InterruptMessage = "message"
)

// Config is shared by every kernel a manager starts.
type Config struct {
	KernelName string
	// Argv is the launch template; ConnectionFilePlaceholder marks the file.
	Argv []string
	Env  []string
	Dir  string
	// ConnectionDir holds connection files; empty skips writing them.
	ConnectionDir   string
	Transport       string
	IP              string
	SignatureScheme string
	// ShutdownWait bounds a graceful shutdown before the process is killed.
	ShutdownWait  time.Duration
	InterruptMode string

	AutoRestart bool
	Restarter   RestarterConfig
}

func DefaultConfig() Config {
	return Config{
		KernelName:      "shell",
		ConnectionDir:   filepath.Join(os.TempDir(), "kernelctl"),
		Transport:       connection.TransportTCP,
		IP:              connection.DefaultIP,
		SignatureScheme: session.SchemeHMACSHA256,
		ShutdownWait:    5 * time.Second,
		InterruptMode:   InterruptSignal,
		AutoRestart:     true,
		Restarter:       DefaultRestarterConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Transport == "" {
		c.Transport = def.Transport
	}
	if c.IP == "" {
		c.IP = def.IP
	}
	if c.SignatureScheme == "" {
		c.SignatureScheme = def.SignatureScheme
	}
	if c.ShutdownWait <= 0 {
		c.ShutdownWait = def.ShutdownWait
	}
	if c.InterruptMode == "" {
		c.InterruptMode = def.InterruptMode
	}
	return c
}

// KernelManager owns one kernel process and its connection info. Restarts
// replace the process and keep the connection info.
type KernelManager struct {
	id        string
	cfg       Config
	launcher  Launcher
	transport transport.Transport

	// lifecycle serializes Start, Shutdown and Restart.
	lifecycle sync.Mutex

	mu        sync.RWMutex
	info      connection.Info
	connFile  string
	proc      Process
	sess      *session.Session
	restarter *Restarter
	started   time.Time
	restarts  int
}

func NewKernelManager(id string, cfg Config, launcher Launcher, t transport.Transport) *KernelManager {
	return &KernelManager{
		id:        id,
		cfg:       cfg.withDefaults(),
		launcher:  launcher,
		transport: t,
	}
}

func (km *KernelManager) ID() string {
	return km.id
}

func (km *KernelManager) KernelName() string {
	return km.cfg.KernelName
}

func (km *KernelManager) ConnectionInfo() connection.Info {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.info
}

func (km *KernelManager) ConnectionFile() string {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.connFile
}

func (km *KernelManager) Process() Process {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.proc
}

// StartedAt is when the current process was launched.
func (km *KernelManager) StartedAt() time.Time {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.started
}

// Restarts counts process replacements since the kernel was created.
func (km *KernelManager) Restarts() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.restarts
}

func (km *KernelManager) Restarter() *Restarter {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.restarter
}

// Start allocates connection info on first use, writes the connection file
// and launches the process.
func (km *KernelManager) Start(ctx context.Context) error {
	km.lifecycle.Lock()
	defer km.lifecycle.Unlock()
	return km.start(ctx)
}

func (km *KernelManager) start(ctx context.Context) error {
	km.mu.Lock()
	if km.proc != nil && km.proc.Alive() {
		km.mu.Unlock()
		return fmt.Errorf("manager: kernel %s already running", km.id)
	}
	if km.info.Key == "" {
		info := connection.New()
		info.Transport = km.cfg.Transport
		info.IP = km.cfg.IP
		info.SignatureScheme = km.cfg.SignatureScheme
		info.KernelName = km.cfg.KernelName
		if info.Transport == connection.TransportIPC {
			info.IP = filepath.Join(km.cfg.ConnectionDir, "kernel-"+km.id)
		}
		if err := connection.AllocatePorts(&info); err != nil {
			km.mu.Unlock()
			return err
		}
		km.info = info
		if km.cfg.ConnectionDir != "" {
			km.connFile = filepath.Join(km.cfg.ConnectionDir, connection.FileName(km.id))
		}
	}
	if km.sess == nil {
		sess, err := session.New(km.info.SessionConfig())
		if err != nil {
			km.mu.Unlock()
			return err
		}
		km.sess = sess
	}
	info, connFile := km.info, km.connFile
	km.mu.Unlock()

	if connFile != "" {
		if err := connection.WriteFile(connFile, info); err != nil {
			return err
		}
	}
	proc, err := km.launcher.Launch(ctx, LaunchSpec{
		KernelID:       km.id,
		KernelName:     km.cfg.KernelName,
		ConnectionFile: connFile,
		Info:           info,
		Argv:           km.cfg.Argv,
		Env:            km.cfg.Env,
		Dir:            km.cfg.Dir,
	})
	if err != nil {
		return err
	}
	km.mu.Lock()
	km.proc = proc
	km.started = time.Now()
	km.mu.Unlock()
	observability.RecordLifecycle("start")
	logs.Infof("manager.KernelManager.Start kernel=%s pid=%d transport=%s", km.id, proc.Pid(), info.Transport)
	return nil
}

// IsAlive reports whether the kernel process is running.
func (km *KernelManager) IsAlive() bool {
	p := km.Process()
	return p != nil && p.Alive()
}

// StartRestarter begins automatic restarts with the manager's restarter
// config. Calling it twice is a no-op.
func (km *KernelManager) StartRestarter() *Restarter {
	km.mu.Lock()
	if km.restarter == nil {
		km.restarter = NewRestarter(km, km.cfg.Restarter)
	}
	r := km.restarter
	km.mu.Unlock()
	r.Start()
	return r
}

func (km *KernelManager) StopRestarter() {
	if r := km.Restarter(); r != nil {
		r.Stop()
	}
}

// controlRequest sends one message on control and waits up to wait for the
// reply.
func (km *KernelManager) controlRequest(ctx context.Context, msgType protocol.MsgType, content map[string]any, wait time.Duration) (protocol.Message, error) {
	km.mu.RLock()
	info, sess := km.info, km.sess
	km.mu.RUnlock()
	if sess == nil {
		return protocol.Message{}, ErrKernelNotRunning
	}
	ep, err := info.Endpoint(connection.Control)
	if err != nil {
		return protocol.Message{}, err
	}
	sock, err := km.transport.Dial(ctx, transport.Dealer, ep, nil)
	if err != nil {
		return protocol.Message{}, err
	}
	ch := channel.New(connection.Control, sock, sess)
	defer ch.Stop()

	req := sess.Build(msgType, content)
	if err := ch.Send(req); err != nil {
		return protocol.Message{}, err
	}
	replies := make(chan protocol.Message, 1)
	ch.Subscribe(func(m protocol.Message) {
		if m.ParentID() == req.MsgID() {
			select {
			case replies <- m:
			default:
			}
		}
	})
	ch.Start()

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// RequestShutdown asks the kernel to exit via shutdown_request on control.
func (km *KernelManager) RequestShutdown(ctx context.Context, restart bool) error {
	if !km.IsAlive() {
		return nil
	}
	_, err := km.controlRequest(ctx, protocol.ShutdownRequest, map[string]any{"restart": restart}, km.cfg.ShutdownWait)
	if err != nil {
		logs.Warnf("manager.KernelManager.RequestShutdown kernel=%s no reply err=%v", km.id, err)
	}
	return nil
}

// FinishShutdown waits for the process to exit, killing it after
// ShutdownWait.
func (km *KernelManager) FinishShutdown(ctx context.Context) error {
	p := km.Process()
	if p == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, km.cfg.ShutdownWait)
	err := p.Wait(waitCtx)
	cancel()
	if err == nil {
		return nil
	}
	logs.Warnf("manager.KernelManager.FinishShutdown kernel=%s graceful shutdown timed out, killing", km.id)
	if kerr := p.Kill(); kerr != nil {
		return errors.Join(ErrShutdownTimeout, kerr)
	}
	waitCtx, cancel = context.WithTimeout(ctx, km.cfg.ShutdownWait)
	defer cancel()
	if err := p.Wait(waitCtx); err != nil {
		return fmt.Errorf("%w: %s", ErrShutdownTimeout, km.id)
	}
	return nil
}

// Cleanup removes the connection file unless the kernel is restarting.
func (km *KernelManager) Cleanup(restart bool) {
	if restart {
		return
	}
	if f := km.ConnectionFile(); f != "" {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			logs.Warnf("manager.KernelManager.Cleanup kernel=%s err=%v", km.id, err)
		}
	}
}

// Shutdown stops the kernel. now kills immediately; otherwise the kernel is
// asked to exit and killed after ShutdownWait. restart keeps the connection
// file and the restarter.
func (km *KernelManager) Shutdown(ctx context.Context, now, restart bool) error {
	if !restart {
		km.StopRestarter()
	}
	km.lifecycle.Lock()
	defer km.lifecycle.Unlock()
	return km.shutdown(ctx, now, restart)
}

func (km *KernelManager) shutdown(ctx context.Context, now, restart bool) error {
	var err error
	if now {
		err = km.kill(ctx)
	} else {
		km.RequestShutdown(ctx, restart)
		err = km.FinishShutdown(ctx)
	}
	km.Cleanup(restart)
	if !restart {
		observability.RecordLifecycle("shutdown")
	}
	logs.Infof("manager.KernelManager.Shutdown kernel=%s now=%t restart=%t", km.id, now, restart)
	return err
}

func (km *KernelManager) kill(ctx context.Context) error {
	p := km.Process()
	if p == nil {
		return nil
	}
	if err := p.Kill(); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, km.cfg.ShutdownWait)
	defer cancel()
	if err := p.Wait(waitCtx); err != nil {
		return fmt.Errorf("%w: %s", ErrShutdownTimeout, km.id)
	}
	return nil
}

// Restart replaces the process and keeps the connection info.
func (km *KernelManager) Restart(ctx context.Context, now bool) error {
	r := km.Restarter()
	if r != nil {
		r.Pause()
		defer r.Resume()
	}
	km.lifecycle.Lock()
	defer km.lifecycle.Unlock()
	if err := km.shutdown(ctx, now, true); err != nil {
		logs.Warnf("manager.KernelManager.Restart kernel=%s shutdown err=%v", km.id, err)
	}
	if err := km.start(ctx); err != nil {
		return err
	}
	km.mu.Lock()
	km.restarts++
	km.mu.Unlock()
	if r != nil && r.IsRunning() {
		r.rearm()
	}
	observability.RecordLifecycle("restart")
	return nil
}

// DialHeartbeat opens a REQ socket on the kernel's heartbeat endpoint.
func (km *KernelManager) DialHeartbeat(ctx context.Context) (transport.Socket, error) {
	ep, err := km.ConnectionInfo().Endpoint(connection.HB)
	if err != nil {
		return nil, err
	}
	return km.transport.Dial(ctx, transport.ClientPattern(connection.HB), ep, nil)
}

// Interrupt interrupts the running execution using the configured mode.
func (km *KernelManager) Interrupt(ctx context.Context) error {
	if !km.IsAlive() {
		return ErrKernelNotRunning
	}
	observability.RecordLifecycle("interrupt")
	switch km.cfg.InterruptMode {
	case InterruptSignal:
		return km.Signal(os.Interrupt)
	case InterruptMessage:
		_, err := km.controlRequest(ctx, protocol.InterruptRequest, nil, km.cfg.ShutdownWait)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrInterruptMode, km.cfg.InterruptMode)
	}
}

// Signal delivers sig to the kernel process.
func (km *KernelManager) Signal(sig os.Signal) error {
	p := km.Process()
	if p == nil || !p.Alive() {
		return ErrKernelNotRunning
	}
	return p.Signal(sig)
}

// Stats samples the process when the launcher supports it.
func (km *KernelManager) Stats() (Stats, bool, error) {
	p := km.Process()
	sp, ok := p.(StatsProvider)
	if !ok || !p.Alive() {
		return Stats{}, false, nil
	}
	s, err := sp.Stats()
	return s, true, err
}
