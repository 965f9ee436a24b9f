package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/danmuck/kernelctl/internal/connection"
	logs "github.com/danmuck/kernelctl/internal/logging"
	"github.com/danmuck/kernelctl/internal/tools"
	"github.com/shirou/gopsutil/process"
)

// ConnectionFilePlaceholder in an argv template is replaced with the
// connection file path.
const ConnectionFilePlaceholder = "{connection_file}"

// LaunchSpec describes one kernel process to start.
type LaunchSpec struct {
	KernelID       string
	KernelName     string
	ConnectionFile string
	Info           connection.Info
	Argv           []string
	Env            []string
	Dir            string
}

// Launcher starts kernel processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// Process is a running kernel.
type Process interface {
	Pid() int
	Alive() bool
	Signal(sig os.Signal) error
	Kill() error
	// Wait blocks until the process exits or ctx ends.
	Wait(ctx context.Context) error
}

// Stats is a resource snapshot of a kernel process.
type Stats struct {
	Pid        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// StatsProvider is implemented by processes that can report usage.
type StatsProvider interface {
	Stats() (Stats, error)
}

// LocalLauncher runs kernels as host processes.
type LocalLauncher struct{}

// DefaultArgv runs this binary's kernel subcommand.
func DefaultArgv() []string {
	exe, err := os.Executable()
	if err != nil {
		exe = "kernelctl"
	}
	return []string{exe, "kernel", "-f", ConnectionFilePlaceholder}
}

// FormatArgv substitutes the connection file into argv.
func FormatArgv(argv []string, connectionFile string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = strings.ReplaceAll(a, ConnectionFilePlaceholder, connectionFile)
	}
	return out
}

func (LocalLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	argv := spec.Argv
	if len(argv) == 0 {
		argv = DefaultArgv()
	}
	if spec.ConnectionFile == "" {
		return nil, fmt.Errorf("manager: local launch of %s needs a connection file", spec.KernelID)
	}
	argv = FormatArgv(argv, spec.ConnectionFile)
	if argv[0] == "" {
		return nil, ErrNoArgv
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env, "KERNELCTL_KERNEL_ID="+spec.KernelID)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("manager: launch %q: %w", argv[0], err)
	}
	p := &localProcess{cmd: cmd, exited: make(chan struct{})}
	go func() {
		code, err := tools.ExitCode(cmd.Wait())
		p.mu.Lock()
		p.code, p.err = code, err
		p.mu.Unlock()
		close(p.exited)
		logs.Infof("manager.localProcess exited kernel=%s pid=%d code=%d", spec.KernelID, cmd.Process.Pid, code)
	}()
	logs.Infof("manager.LocalLauncher.Launch kernel=%s pid=%d argv=%q", spec.KernelID, cmd.Process.Pid, argv)
	return p, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	exited chan struct{}

	mu   sync.Mutex
	code int32
	err  error
}

func (p *localProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *localProcess) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *localProcess) Signal(sig os.Signal) error {
	if !p.Alive() {
		return ErrKernelNotRunning
	}
	return p.cmd.Process.Signal(sig)
}

func (p *localProcess) Kill() error {
	if !p.Alive() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *localProcess) Wait(ctx context.Context) error {
	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitCode returns the exit status once the process has exited.
func (p *localProcess) ExitCode() (int32, bool) {
	if p.Alive() {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, true
}

func (p *localProcess) Stats() (Stats, error) {
	return ProcessStats(p.Pid())
}

// ProcessStats samples cpu and resident memory for pid.
func ProcessStats(pid int) (Stats, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Stats{}, fmt.Errorf("manager: stats pid=%d: %w", pid, err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		return Stats{}, fmt.Errorf("manager: cpu pid=%d: %w", pid, err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Stats{}, fmt.Errorf("manager: memory pid=%d: %w", pid, err)
	}
	return Stats{Pid: pid, CPUPercent: cpu, RSSBytes: mem.RSS}, nil
}
