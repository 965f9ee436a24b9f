// Package inprocess runs kernels as goroutines over a shared transport
// fabric. It backs tests and single-binary deployments where spawning a
// process per kernel is not wanted.
package inprocess

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/kernelctl/internal/engine/shell"
	"github.com/danmuck/kernelctl/internal/kernel"
	logs "github.com/danmuck/kernelctl/internal/logging"
	"github.com/danmuck/kernelctl/internal/manager"
	"github.com/danmuck/kernelctl/internal/transport"
)

var ErrUnsupportedSignal = errors.New("inprocess: unsupported signal")

// EngineFactory builds the engine for one launch.
type EngineFactory func(spec manager.LaunchSpec) (kernel.Engine, error)

// ShellEngine is the default factory.
func ShellEngine(spec manager.LaunchSpec) (kernel.Engine, error) {
	return shell.New(shell.Config{Dir: spec.Dir, Env: spec.Env}), nil
}

// Launcher starts kernel cores on Transport. A nil Transport requires
// inproc connection info and uses Fabric. Engines defaults to the shell
// engine for every launch.
type Launcher struct {
	Fabric        *transport.Fabric
	Transport     transport.Transport
	Engines       EngineFactory
	ShutdownGrace time.Duration
}

// NewLauncher resolves engines by kernel name through DefaultRegistry.
func NewLauncher(fabric *transport.Fabric) *Launcher {
	return &Launcher{Fabric: fabric, Engines: DefaultRegistry().Factory()}
}

func (l *Launcher) Launch(ctx context.Context, spec manager.LaunchSpec) (manager.Process, error) {
	engines := l.Engines
	if engines == nil {
		engines = ShellEngine
	}
	engine, err := engines(spec)
	if err != nil {
		return nil, fmt.Errorf("inprocess: engine for %s: %w", spec.KernelID, err)
	}
	t := l.Transport
	if t == nil {
		t = transport.For(spec.Info, l.Fabric)
	}
	// Sockets outlive the launch request; zmq4 closes them when their ctx ends.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	core, err := kernel.Start(runCtx, t, spec.Info, engine, kernel.Config{
		KernelID:      spec.KernelID,
		ShutdownGrace: l.ShutdownGrace,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	p := &Process{core: core, cancel: cancel, exited: make(chan struct{})}
	go func() {
		err := core.Run(runCtx)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.exited)
		logs.Infof("inprocess.Process exited kernel=%s err=%v", spec.KernelID, err)
	}()
	logs.Infof("inprocess.Launcher.Launch kernel=%s transport=%s", spec.KernelID, spec.Info.Transport)
	return p, nil
}

// Process is a running in-process kernel.
type Process struct {
	core   *kernel.Core
	cancel context.CancelFunc
	exited chan struct{}

	mu  sync.Mutex
	err error
}

// Pid is the host process id; every in-process kernel shares it.
func (p *Process) Pid() int {
	return os.Getpid()
}

func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Core exposes the dispatcher for callers that drive it directly.
func (p *Process) Core() *kernel.Core {
	return p.core
}

// Signal maps os.Interrupt to an execution interrupt and terminating
// signals to Kill.
func (p *Process) Signal(sig os.Signal) error {
	if !p.Alive() {
		return manager.ErrKernelNotRunning
	}
	switch sig {
	case os.Interrupt:
		p.core.Interrupt()
		return nil
	case os.Kill, syscall.SIGTERM, syscall.SIGQUIT:
		return p.Kill()
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedSignal, sig)
	}
}

func (p *Process) Kill() error {
	p.cancel()
	return nil
}

func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err is Run's result once the kernel has exited.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
