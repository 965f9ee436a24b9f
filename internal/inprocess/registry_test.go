package inprocess

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/kernelctl/internal/kernel"
	"github.com/danmuck/kernelctl/internal/manager"
	"github.com/danmuck/kernelctl/internal/testutil/testlog"
	"github.com/danmuck/kernelctl/internal/transport"
)

func TestRegistryResolvesByKernelName(t *testing.T) {
	testlog.Start(t)
	r := DefaultRegistry()
	var got string
	r.Register("echo", func(spec manager.LaunchSpec) (kernel.Engine, error) {
		got = spec.KernelID
		return ShellEngine(spec)
	})
	if names := r.Names(); len(names) != 2 || names[0] != "echo" || names[1] != "shell" {
		t.Fatalf("names=%v", names)
	}

	f := r.Factory()
	if _, err := f(manager.LaunchSpec{KernelID: "k1", KernelName: "echo"}); err != nil || got != "k1" {
		t.Fatalf("echo factory got=%q err=%v", got, err)
	}
	if e, err := f(manager.LaunchSpec{KernelID: "k2"}); err != nil || e == nil {
		t.Fatalf("default kernel err=%v", err)
	}
	if _, err := f(manager.LaunchSpec{KernelName: "ruby"}); !errors.Is(err, ErrUnknownKernel) {
		t.Fatalf("unknown kernel err=%v", err)
	}
}

func TestLaunchUnknownKernelName(t *testing.T) {
	testlog.Start(t)
	l := NewLauncher(transport.NewFabric())
	_, err := l.Launch(context.Background(), manager.LaunchSpec{KernelID: "k1", KernelName: "ruby", Info: inprocInfo(t)})
	if !errors.Is(err, ErrUnknownKernel) {
		t.Fatalf("err=%v", err)
	}
}
