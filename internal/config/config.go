// Package config loads kernelctl TOML files. Keys that are absent keep the
// values from DefaultManagerConfig.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/kernelctl/internal/connection"
	"github.com/danmuck/kernelctl/internal/heartbeat"
	"github.com/danmuck/kernelctl/internal/manager"
	"github.com/danmuck/kernelctl/internal/protocol/session"
)

var ErrInvalidConfig = errors.New("config: invalid")

// ManagerConfig is the resolved `kernelctl serve` configuration.
type ManagerConfig struct {
	Kernel    manager.Config
	Heartbeat heartbeat.Config
	// AdminAddr is the admin HTTP listen address; empty disables it.
	AdminAddr   string
	CorsOrigins []string
	// AdminTokens, when set, are required as bearer tokens on /kernels.
	AdminTokens []string
	AdminTLS    TLSFiles
	// BootKernels is how many kernels to start with the server.
	BootKernels int
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Kernel:      manager.DefaultConfig(),
		Heartbeat:   heartbeat.DefaultConfig(),
		AdminAddr:   "127.0.0.1:7070",
		CorsOrigins: []string{"http://localhost:3000"},
	}
}

// KernelConfig is Kernel with the heartbeat settings handed to every
// kernel's restarter.
func (c ManagerConfig) KernelConfig() manager.Config {
	k := c.Kernel
	hb := c.Heartbeat
	k.Restarter.Heartbeat = &hb
	return k
}

// TLSFiles are PEM paths; an empty CertFile disables TLS.
type TLSFiles struct {
	CertFile     string `toml:"cert"`
	KeyFile      string `toml:"key"`
	ClientCAFile string `toml:"client_ca"`
}

func (f TLSFiles) Enabled() bool {
	return f.CertFile != ""
}

type fileConfig struct {
	KernelName      string   `toml:"kernel_name"`
	Argv            []string `toml:"argv"`
	Env             []string `toml:"env"`
	Dir             string   `toml:"dir"`
	ConnectionDir   string   `toml:"connection_dir"`
	Transport       string   `toml:"transport"`
	IP              string   `toml:"ip"`
	SignatureScheme string   `toml:"signature_scheme"`
	ShutdownWait    string   `toml:"shutdown_wait"`
	InterruptMode   string   `toml:"interrupt_mode"`
	AdminAddr       string   `toml:"admin_addr"`
	CorsOrigins     []string `toml:"cors_origins"`
	BootKernels     int      `toml:"boot_kernels"`
	AdminTokens     []string `toml:"admin_tokens"`
	AdminTLS        TLSFiles `toml:"admin_tls"`

	Restart   restartSection   `toml:"restart"`
	Heartbeat heartbeatSection `toml:"heartbeat"`
}

type restartSection struct {
	Auto        bool           `toml:"auto"`
	Interval    string         `toml:"interval"`
	Limit       int            `toml:"limit"`
	StableAfter string         `toml:"stable_after"`
	Backoff     backoffSection `toml:"backoff"`
}

type backoffSection struct {
	Initial    string  `toml:"initial"`
	Multiplier float64 `toml:"multiplier"`
	Max        string  `toml:"max"`
	Jitter     bool    `toml:"jitter"`
}

type heartbeatSection struct {
	FirstBeat string `toml:"first_beat"`
	Period    string `toml:"period"`
}

// LoadManagerConfig reads path over DefaultManagerConfig.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ManagerConfig{}, fmt.Errorf("load kernelctl config: %w", err)
	}
	cfg, err := overlay(DefaultManagerConfig(), raw, meta)
	if err != nil {
		return ManagerConfig{}, err
	}
	if err := Validate(cfg); err != nil {
		return ManagerConfig{}, err
	}
	return cfg, nil
}

// ParseManagerConfig is LoadManagerConfig for in-memory TOML.
func ParseManagerConfig(data string) (ManagerConfig, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return ManagerConfig{}, fmt.Errorf("parse kernelctl config: %w", err)
	}
	cfg, err := overlay(DefaultManagerConfig(), raw, meta)
	if err != nil {
		return ManagerConfig{}, err
	}
	if err := Validate(cfg); err != nil {
		return ManagerConfig{}, err
	}
	return cfg, nil
}

func overlay(cfg ManagerConfig, raw fileConfig, meta toml.MetaData) (ManagerConfig, error) {
	k := &cfg.Kernel
	if meta.IsDefined("kernel_name") {
		k.KernelName = strings.TrimSpace(raw.KernelName)
	}
	if meta.IsDefined("argv") {
		k.Argv = normalizeList(raw.Argv)
	}
	if meta.IsDefined("env") {
		k.Env = normalizeList(raw.Env)
	}
	if meta.IsDefined("dir") {
		k.Dir = strings.TrimSpace(raw.Dir)
	}
	if meta.IsDefined("connection_dir") {
		k.ConnectionDir = strings.TrimSpace(raw.ConnectionDir)
	}
	if meta.IsDefined("transport") {
		k.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("ip") {
		k.IP = strings.TrimSpace(raw.IP)
	}
	if meta.IsDefined("signature_scheme") {
		k.SignatureScheme = strings.TrimSpace(raw.SignatureScheme)
	}
	if meta.IsDefined("shutdown_wait") {
		d, err := parseDuration("shutdown_wait", raw.ShutdownWait)
		if err != nil {
			return ManagerConfig{}, err
		}
		k.ShutdownWait = d
	}
	if meta.IsDefined("interrupt_mode") {
		k.InterruptMode = strings.ToLower(strings.TrimSpace(raw.InterruptMode))
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("admin_tokens") {
		cfg.AdminTokens = normalizeList(raw.AdminTokens)
	}
	if meta.IsDefined("admin_tls") {
		cfg.AdminTLS = TLSFiles{
			CertFile:     strings.TrimSpace(raw.AdminTLS.CertFile),
			KeyFile:      strings.TrimSpace(raw.AdminTLS.KeyFile),
			ClientCAFile: strings.TrimSpace(raw.AdminTLS.ClientCAFile),
		}
	}
	if meta.IsDefined("boot_kernels") {
		cfg.BootKernels = raw.BootKernels
	}

	if meta.IsDefined("restart", "auto") {
		k.AutoRestart = raw.Restart.Auto
	}
	if meta.IsDefined("restart", "interval") {
		d, err := parseDuration("restart.interval", raw.Restart.Interval)
		if err != nil {
			return ManagerConfig{}, err
		}
		k.Restarter.Interval = d
	}
	if meta.IsDefined("restart", "limit") {
		k.Restarter.Limit = raw.Restart.Limit
	}
	if meta.IsDefined("restart", "stable_after") {
		d, err := parseDuration("restart.stable_after", raw.Restart.StableAfter)
		if err != nil {
			return ManagerConfig{}, err
		}
		k.Restarter.StableAfter = d
	}
	if meta.IsDefined("restart", "backoff") {
		b, err := backoff(raw.Restart.Backoff, meta)
		if err != nil {
			return ManagerConfig{}, err
		}
		k.Restarter.Backoff = &b
	}

	if meta.IsDefined("heartbeat", "first_beat") {
		d, err := parseDuration("heartbeat.first_beat", raw.Heartbeat.FirstBeat)
		if err != nil {
			return ManagerConfig{}, err
		}
		cfg.Heartbeat.FirstBeat = d
	}
	if meta.IsDefined("heartbeat", "period") {
		d, err := parseDuration("heartbeat.period", raw.Heartbeat.Period)
		if err != nil {
			return ManagerConfig{}, err
		}
		cfg.Heartbeat.Period = d
	}
	return cfg, nil
}

func backoff(raw backoffSection, meta toml.MetaData) (manager.BackoffConfig, error) {
	b := manager.DefaultBackoffConfig()
	if meta.IsDefined("restart", "backoff", "initial") {
		d, err := parseDuration("restart.backoff.initial", raw.Initial)
		if err != nil {
			return b, err
		}
		b.InitialDelay = d
	}
	if meta.IsDefined("restart", "backoff", "multiplier") {
		b.Multiplier = raw.Multiplier
	}
	if meta.IsDefined("restart", "backoff", "max") {
		d, err := parseDuration("restart.backoff.max", raw.Max)
		if err != nil {
			return b, err
		}
		b.MaxDelay = d
	}
	if meta.IsDefined("restart", "backoff", "jitter") {
		b.Jitter = raw.Jitter
	}
	return b, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Validate rejects settings the manager cannot run with.
func Validate(cfg ManagerConfig) error {
	k := cfg.Kernel
	switch k.Transport {
	case connection.TransportTCP, connection.TransportIPC, connection.TransportInproc:
	default:
		return fmt.Errorf("%w: transport %q", ErrInvalidConfig, k.Transport)
	}
	if _, err := session.New(session.Config{Key: []byte("probe"), SignatureScheme: k.SignatureScheme}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch k.InterruptMode {
	case manager.InterruptSignal, manager.InterruptMessage:
	default:
		return fmt.Errorf("%w: interrupt_mode %q", ErrInvalidConfig, k.InterruptMode)
	}
	if k.ShutdownWait <= 0 {
		return fmt.Errorf("%w: shutdown_wait must be positive", ErrInvalidConfig)
	}
	if k.Restarter.Interval <= 0 {
		return fmt.Errorf("%w: restart.interval must be positive", ErrInvalidConfig)
	}
	if k.Restarter.Limit < 0 {
		return fmt.Errorf("%w: restart.limit must not be negative", ErrInvalidConfig)
	}
	if cfg.Heartbeat.FirstBeat <= 0 || cfg.Heartbeat.Period <= 0 {
		return fmt.Errorf("%w: heartbeat durations must be positive", ErrInvalidConfig)
	}
	if tlsf := cfg.AdminTLS; (tlsf.CertFile == "") != (tlsf.KeyFile == "") || (tlsf.ClientCAFile != "" && !tlsf.Enabled()) {
		return fmt.Errorf("%w: admin_tls needs both cert and key", ErrInvalidConfig)
	}
	if cfg.BootKernels < 0 {
		return fmt.Errorf("%w: boot_kernels must not be negative", ErrInvalidConfig)
	}
	return nil
}
