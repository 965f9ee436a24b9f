package connection

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/kernelctl/internal/testutil/testlog"
)

func TestAllocateTCPAndRoundTripFile(t *testing.T) {
	testlog.Start(t)
	info := New()
	if err := AllocatePorts(&info); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := info.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	path := filepath.Join(t.TempDir(), "runtime", FileName("k1"))
	if err := WriteFile(path, info); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != info {
		t.Fatalf("round-trip mismatch:\n got=%+v\nwant=%+v", got, info)
	}

	ep, err := got.Endpoint(Shell)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if !strings.HasPrefix(ep, "tcp://127.0.0.1:") {
		t.Fatalf("unexpected endpoint: %s", ep)
	}
}

func TestAllocateKeepsAssignedPorts(t *testing.T) {
	testlog.Start(t)
	info := Info{IP: "kernel-x", Transport: TransportIPC, ShellPort: 1, HBPort: 9}
	if err := AllocatePorts(&info); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if info.ShellPort != 1 || info.HBPort != 9 {
		t.Fatalf("assigned ports changed: %+v", info)
	}
	if err := info.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	ep, _ := info.Endpoint(HB)
	if ep != "ipc://kernel-x-9" {
		t.Fatalf("unexpected ipc endpoint: %s", ep)
	}
}

func TestValidateRejects(t *testing.T) {
	testlog.Start(t)
	info := Info{IP: DefaultIP, Transport: "udp"}
	if err := info.Validate(); !errors.Is(err, ErrUnknownTransport) {
		t.Fatalf("expected ErrUnknownTransport, got %v", err)
	}
	info = Info{IP: DefaultIP, Transport: TransportTCP, ShellPort: 1, IOPubPort: 1, StdinPort: 2, ControlPort: 3, HBPort: 4}
	if err := info.Validate(); !errors.Is(err, ErrInvalidInfo) {
		t.Fatalf("expected ErrInvalidInfo for shared port, got %v", err)
	}
}

func TestSessionConfigCarriesKey(t *testing.T) {
	testlog.Start(t)
	info := New()
	info.SignatureScheme = "hmac-sha512"
	cfg := info.SessionConfig()
	if string(cfg.Key) != info.Key || cfg.SignatureScheme != "hmac-sha512" {
		t.Fatalf("session config mismatch: %+v", cfg)
	}
}
