package connection

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"
)

var inprocSeq atomic.Int64

// AllocatePorts assigns every unset port in info. tcp binds ephemeral ports
// on info.IP and releases them; ipc picks unused socket file suffixes; inproc
// hands out process-unique numbers.
func AllocatePorts(info *Info) error {
	switch info.Transport {
	case TransportTCP, "":
		info.Transport = TransportTCP
		return allocateTCP(info)
	case TransportIPC:
		return allocateIPC(info)
	case TransportInproc:
		for _, ch := range Channels {
			if info.Port(ch) == 0 {
				info.setPort(ch, int(inprocSeq.Add(1)))
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, info.Transport)
	}
}

func allocateTCP(info *Info) error {
	var held []net.Listener
	defer func() {
		for _, l := range held {
			l.Close()
		}
	}()
	for _, ch := range Channels {
		if info.Port(ch) != 0 {
			continue
		}
		l, err := net.Listen("tcp", net.JoinHostPort(info.IP, "0"))
		if err != nil {
			return fmt.Errorf("connection: allocate %s port: %w", ch, err)
		}
		held = append(held, l)
		info.setPort(ch, l.Addr().(*net.TCPAddr).Port)
	}
	return nil
}

func allocateIPC(info *Info) error {
	used := make(map[int]bool, len(Channels))
	for _, ch := range Channels {
		used[info.Port(ch)] = true
	}
	next := 1
	for _, ch := range Channels {
		if info.Port(ch) != 0 {
			continue
		}
		for used[next] || ipcExists(info.IP, next) {
			next++
		}
		info.setPort(ch, next)
		used[next] = true
	}
	return nil
}

func ipcExists(ip string, port int) bool {
	_, err := os.Stat(ip + "-" + strconv.Itoa(port))
	return err == nil
}
