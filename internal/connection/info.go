// Package connection owns the connection file shared between a kernel and its
// front-ends: transport, address, the five channel ports, and the signing key.
package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/kernelctl/internal/protocol/session"
	"github.com/google/uuid"
)

var (
	ErrInvalidInfo      = errors.New("connection: invalid connection info")
	ErrUnknownTransport = errors.New("connection: unknown transport")
	ErrUnknownChannel   = errors.New("connection: unknown channel")
)

const (
	TransportTCP    = "tcp"
	TransportIPC    = "ipc"
	TransportInproc = "inproc"

	DefaultIP = "127.0.0.1"
)

// Channel names one of the five kernel sockets.
type Channel string

const (
	Shell   Channel = "shell"
	IOPub   Channel = "iopub"
	Stdin   Channel = "stdin"
	Control Channel = "control"
	HB      Channel = "hb"
)

// Channels lists every kernel socket in allocation order.
var Channels = []Channel{Shell, IOPub, Stdin, Control, HB}

// Info is the connection file payload. It is immutable for the lifetime of a
// kernel id; restarts reuse it exactly.
type Info struct {
	IP              string `json:"ip"`
	Transport       string `json:"transport"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	HBPort          int    `json:"hb_port"`
	ControlPort     int    `json:"control_port"`
	Key             string `json:"key"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name,omitempty"`
}

// New returns tcp connection info on DefaultIP with a fresh key and no ports.
func New() Info {
	return Info{
		IP:              DefaultIP,
		Transport:       TransportTCP,
		Key:             NewKey(),
		SignatureScheme: session.SchemeHMACSHA256,
	}
}

// NewKey returns a random signing key.
func NewKey() string {
	return uuid.NewString()
}

// Port returns the port assigned to ch.
func (i Info) Port(ch Channel) int {
	switch ch {
	case Shell:
		return i.ShellPort
	case IOPub:
		return i.IOPubPort
	case Stdin:
		return i.StdinPort
	case Control:
		return i.ControlPort
	case HB:
		return i.HBPort
	default:
		return 0
	}
}

func (i *Info) setPort(ch Channel, port int) {
	switch ch {
	case Shell:
		i.ShellPort = port
	case IOPub:
		i.IOPubPort = port
	case Stdin:
		i.StdinPort = port
	case Control:
		i.ControlPort = port
	case HB:
		i.HBPort = port
	}
}

// Endpoint returns the socket address for ch, e.g. tcp://127.0.0.1:5555 or
// ipc://kernel-ab12-3.
func (i Info) Endpoint(ch Channel) (string, error) {
	port := i.Port(ch)
	if port <= 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	switch i.Transport {
	case TransportTCP, "":
		return fmt.Sprintf("tcp://%s:%d", i.IP, port), nil
	case TransportIPC, TransportInproc:
		return fmt.Sprintf("%s://%s-%d", i.Transport, i.IP, port), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTransport, i.Transport)
	}
}

// Validate checks that every port is assigned and the transport is known.
func (i Info) Validate() error {
	switch i.Transport {
	case TransportTCP, TransportIPC, TransportInproc:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, i.Transport)
	}
	if strings.TrimSpace(i.IP) == "" {
		return fmt.Errorf("%w: missing ip", ErrInvalidInfo)
	}
	seen := make(map[int]Channel, len(Channels))
	for _, ch := range Channels {
		p := i.Port(ch)
		if p <= 0 {
			return fmt.Errorf("%w: %s port unassigned", ErrInvalidInfo, ch)
		}
		if other, dup := seen[p]; dup {
			return fmt.Errorf("%w: %s and %s share port %d", ErrInvalidInfo, other, ch, p)
		}
		seen[p] = ch
	}
	return nil
}

// SessionConfig returns a session config carrying this file's key and scheme.
func (i Info) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.Key = []byte(i.Key)
	if i.SignatureScheme != "" {
		cfg.SignatureScheme = i.SignatureScheme
	}
	return cfg
}

// FileName returns the conventional connection file name for a kernel id.
func FileName(kernelID string) string {
	return "kernel-" + kernelID + ".json"
}

// WriteFile writes info to path with owner-only permissions.
func WriteFile(path string, info Info) error {
	if err := info.Validate(); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("connection: create dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("connection: encode: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("connection: write %s: %w", path, err)
	}
	return nil
}

// ReadFile loads and validates a connection file.
func ReadFile(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("connection: read %s: %w", path, err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("%w: %s: %v", ErrInvalidInfo, path, err)
	}
	if info.Transport == "" {
		info.Transport = TransportTCP
	}
	if info.SignatureScheme == "" {
		info.SignatureScheme = session.SchemeHMACSHA256
	}
	if err := info.Validate(); err != nil {
		return Info{}, err
	}
	return info, nil
}
