package admin

import (
	"time"

	"github.com/danmuck/kernelctl/internal/manager"
)

// StartRequest is the optional POST /kernels body.
type StartRequest struct {
	KernelID   string   `json:"kernel_id"`
	KernelName string   `json:"kernel_name"`
	Env        []string `json:"env"`
}

func (r StartRequest) options() []manager.StartOption {
	var opts []manager.StartOption
	if r.KernelID != "" {
		opts = append(opts, manager.WithKernelID(r.KernelID))
	}
	if r.KernelName != "" {
		opts = append(opts, manager.WithKernelName(r.KernelName))
	}
	if len(r.Env) > 0 {
		opts = append(opts, manager.WithEnv(r.Env...))
	}
	return opts
}

// ConnectionView is connection info without the signing key.
type ConnectionView struct {
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	SignatureScheme string `json:"signature_scheme"`
	ConnectionFile  string `json:"connection_file,omitempty"`
}

type StatsView struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

type KernelView struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Alive      bool           `json:"alive"`
	Pid        int            `json:"pid,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	Restarts   int            `json:"restarts"`
	Connection ConnectionView `json:"connection"`
	Stats      *StatsView     `json:"stats,omitempty"`
}

func viewOf(km *manager.KernelManager) KernelView {
	info := km.ConnectionInfo()
	v := KernelView{
		ID:        km.ID(),
		Name:      km.KernelName(),
		Alive:     km.IsAlive(),
		StartedAt: km.StartedAt(),
		Restarts:  km.Restarts(),
		Connection: ConnectionView{
			Transport:       info.Transport,
			IP:              info.IP,
			ShellPort:       info.ShellPort,
			IOPubPort:       info.IOPubPort,
			StdinPort:       info.StdinPort,
			ControlPort:     info.ControlPort,
			HBPort:          info.HBPort,
			SignatureScheme: info.SignatureScheme,
			ConnectionFile:  km.ConnectionFile(),
		},
	}
	if p := km.Process(); p != nil {
		v.Pid = p.Pid()
	}
	if s, ok, err := km.Stats(); ok && err == nil {
		v.Stats = &StatsView{CPUPercent: s.CPUPercent, RSSBytes: s.RSSBytes}
	}
	return v
}
