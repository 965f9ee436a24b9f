package manager_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/kernelctl/internal/channel"
	"github.com/danmuck/kernelctl/internal/connection"
	"github.com/danmuck/kernelctl/internal/heartbeat"
	"github.com/danmuck/kernelctl/internal/inprocess"
	"github.com/danmuck/kernelctl/internal/manager"
	"github.com/danmuck/kernelctl/internal/protocol"
	"github.com/danmuck/kernelctl/internal/testutil/testlog"
	"github.com/danmuck/kernelctl/internal/transport"
)

func newManager(t *testing.T, mutate func(*manager.Config)) (*manager.MultiKernelManager, *transport.Fabric) {
	t.Helper()
	fabric := transport.NewFabric()
	cfg := manager.DefaultConfig()
	cfg.Transport = connection.TransportInproc
	cfg.IP = "manager-test"
	cfg.ConnectionDir = ""
	cfg.AutoRestart = false
	cfg.ShutdownWait = 2 * time.Second
	cfg.Restarter.Interval = 20 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	m := manager.NewMultiKernelManager(cfg, inprocess.NewLauncher(fabric), fabric)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.ShutdownAll(ctx, true)
	})
	return m, fabric
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

func connectClient(t *testing.T, m *manager.MultiKernelManager, id string) *channel.KernelClient {
	t.Helper()
	client, err := m.Client(testCtx(t), id)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestStartKernelAndExecute(t *testing.T) {
	testlog.Start(t)
	m, _ := newManager(t, nil)
	ctx := testCtx(t)

	id, err := m.StartKernel(ctx, manager.WithKernelID("k1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if alive, err := m.IsAlive(id); err != nil || !alive {
		t.Fatalf("alive=%t err=%v", alive, err)
	}

	client := connectClient(t, m, id)
	var mu sync.Mutex
	var stdout strings.Builder
	client.IOPub.Subscribe(func(msg protocol.Message) {
		if msg.Type() == protocol.Stream {
			mu.Lock()
			stdout.WriteString(msg.Content["text"].(string))
			mu.Unlock()
		}
	})

	reply, err := client.Execute(ctx, "echo hello", channel.DefaultExecuteOptions())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if reply.Status() != protocol.StatusOK {
		t.Fatalf("reply=%v", reply.Content)
	}
	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stdout.String() == "hello\n"
	})
}

func TestDuplicateAndUnknownKernel(t *testing.T) {
	testlog.Start(t)
	m, _ := newManager(t, nil)
	ctx := testCtx(t)

	if _, err := m.StartKernel(ctx, manager.WithKernelID("dup")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.StartKernel(ctx, manager.WithKernelID("dup")); !errors.Is(err, manager.ErrDuplicateKernel) {
		t.Fatalf("duplicate err=%v", err)
	}

	checks := map[string]error{}
	_, checks["IsAlive"] = m.IsAlive("missing")
	_, checks["ConnectionInfo"] = m.ConnectionInfo("missing")
	checks["ShutdownKernel"] = m.ShutdownKernel(ctx, "missing", true, false)
	checks["RestartKernel"] = m.RestartKernel(ctx, "missing", true)
	checks["InterruptKernel"] = m.InterruptKernel(ctx, "missing")
	checks["SignalKernel"] = m.SignalKernel("missing", os.Interrupt)
	_, checks["ConnectShell"] = m.ConnectShell(ctx, "missing", nil)
	_, checks["AddRestartCallback"] = m.AddRestartCallback("missing", manager.EventRestart, func(string, manager.RestartEvent) {})
	for name, err := range checks {
		if !errors.Is(err, manager.ErrKernelNotFound) {
			t.Fatalf("%s err=%v", name, err)
		}
	}
}

func TestGeneratedIDsAreListedSorted(t *testing.T) {
	testlog.Start(t)
	m, _ := newManager(t, nil)
	ctx := testCtx(t)
	for _, id := range []string{"b", "a"} {
		if _, err := m.StartKernel(ctx, manager.WithKernelID(id)); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}
	gen, err := m.StartKernel(ctx)
	if err != nil || len(gen) != 36 {
		t.Fatalf("generated id=%q err=%v", gen, err)
	}
	ids := m.ListKernelIDs()
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("ids=%v", ids)
	}
}

func TestRestartKeepsConnectionInfo(t *testing.T) {
	testlog.Start(t)
	m, _ := newManager(t, nil)
	ctx := testCtx(t)
	id, err := m.StartKernel(ctx, manager.WithKernelID("k1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	before, _ := m.ConnectionInfo(id)
	km, _ := m.Kernel(id)
	oldProc := km.Process()

	if err := m.RestartKernel(ctx, id, false); err != nil {
		t.Fatalf("restart: %v", err)
	}
	after, _ := m.ConnectionInfo(id)
	if before != after {
		t.Fatalf("connection info changed:\n%+v\n%+v", before, after)
	}
	if km.Process() == oldProc || oldProc.Alive() {
		t.Fatal("restart did not replace the process")
	}
	if km.Restarts() != 1 {
		t.Fatalf("restarts=%d", km.Restarts())
	}

	client := connectClient(t, m, id)
	reply, err := client.Execute(ctx, "true", channel.DefaultExecuteOptions())
	if err != nil || reply.Status() != protocol.StatusOK {
		t.Fatalf("execute after restart reply=%v err=%v", reply.Content, err)
	}
}

func TestAutoRestartAfterKill(t *testing.T) {
	testlog.Start(t)
	m, _ := newManager(t, func(cfg *manager.Config) { cfg.AutoRestart = true })
	ctx := testCtx(t)
	id, err := m.StartKernel(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	restarted := make(chan string, 4)
	if _, err := m.AddRestartCallback(id, manager.EventRestart, func(kid string, _ manager.RestartEvent) {
		restarted <- kid
	}); err != nil {
		t.Fatalf("callback: %v", err)
	}

	km, _ := m.Kernel(id)
	km.Process().Kill()
	select {
	case got := <-restarted:
		if got != id {
			t.Fatalf("callback id=%q want %q", got, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("kernel was not restarted")
	}
	waitUntil(t, 2*time.Second, km.IsAlive)
	if km.Restarts() != 1 {
		t.Fatalf("restarts=%d", km.Restarts())
	}
}

func TestShutdownKernelRemovesRecord(t *testing.T) {
	testlog.Start(t)
	m, _ := newManager(t, nil)
	ctx := testCtx(t)
	id, _ := m.StartKernel(ctx)
	km, _ := m.Kernel(id)
	proc := km.Process()

	if err := m.ShutdownKernel(ctx, id, false, false); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if proc.Alive() {
		t.Fatal("process still alive")
	}
	if _, err := m.Kernel(id); !errors.Is(err, manager.ErrKernelNotFound) {
		t.Fatalf("record kept err=%v", err)
	}
}

func TestShutdownAll(t *testing.T) {
	testlog.Start(t)
	m, _ := newManager(t, func(cfg *manager.Config) { cfg.AutoRestart = true })
	ctx := testCtx(t)
	var procs []manager.Process
	for i := 0; i < 3; i++ {
		id, err := m.StartKernel(ctx)
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		km, _ := m.Kernel(id)
		procs = append(procs, km.Process())
	}

	if err := m.ShutdownAll(ctx, false); err != nil {
		t.Fatalf("shutdown all: %v", err)
	}
	if ids := m.ListKernelIDs(); len(ids) != 0 {
		t.Fatalf("ids after shutdown=%v", ids)
	}
	time.Sleep(100 * time.Millisecond)
	for i, p := range procs {
		if p.Alive() {
			t.Fatalf("kernel %d alive after shutdown", i)
		}
	}
}

func TestInterruptMessageMode(t *testing.T) {
	testlog.Start(t)
	m, _ := newManager(t, func(cfg *manager.Config) { cfg.InterruptMode = manager.InterruptMessage })
	ctx := testCtx(t)
	id, _ := m.StartKernel(ctx)
	client := connectClient(t, m, id)

	type result struct {
		reply protocol.Message
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := client.Execute(ctx, "sleep 5", channel.DefaultExecuteOptions())
		done <- result{reply, err}
	}()

	km, _ := m.Kernel(id)
	core := km.Process().(*inprocess.Process).Core()
	waitUntil(t, 2*time.Second, func() bool { return core.State() == protocol.StateBusy })
	if err := m.InterruptKernel(ctx, id); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("execute: %v", r.err)
		}
		if r.reply.Status() != protocol.StatusError || r.reply.Content["ename"] != "KeyboardInterrupt" {
			t.Fatalf("reply=%v", r.reply.Content)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("execution not interrupted")
	}
}

func TestSignalModeInterrupt(t *testing.T) {
	testlog.Start(t)
	m, _ := newManager(t, nil)
	ctx := testCtx(t)
	id, _ := m.StartKernel(ctx)
	if err := m.InterruptKernel(ctx, id); err != nil {
		t.Fatalf("interrupt idle kernel: %v", err)
	}
	if alive, _ := m.IsAlive(id); !alive {
		t.Fatal("interrupt killed the kernel")
	}
}

func TestSeparateChannelsPerConnection(t *testing.T) {
	testlog.Start(t)
	m, _ := newManager(t, nil)
	ctx := testCtx(t)
	id, _ := m.StartKernel(ctx)

	subA, err := m.ConnectIOPub(ctx, id)
	if err != nil {
		t.Fatalf("iopub a: %v", err)
	}
	defer subA.Stop()
	subB, err := m.ConnectIOPub(ctx, id)
	if err != nil {
		t.Fatalf("iopub b: %v", err)
	}
	defer subB.Stop()
	seen := make(chan string, 16)
	subA.Subscribe(func(msg protocol.Message) { seen <- "a:" + string(msg.Type()) })
	subB.Subscribe(func(msg protocol.Message) { seen <- "b:" + string(msg.Type()) })
	subA.Start()
	subB.Start()

	shell, err := m.ConnectShell(ctx, id, []byte("front-1"))
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	defer shell.Stop()
	replies := make(chan protocol.Message, 1)
	shell.Subscribe(func(msg protocol.Message) { replies <- msg })
	shell.Start()

	info, _ := m.ConnectionInfo(id)
	sess, err := newSession(info)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := shell.Send(sess.Build(protocol.KernelInfoRequest, nil)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case reply := <-replies:
		if reply.Type() != protocol.KernelInfoReply {
			t.Fatalf("reply type=%s", reply.Type())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no kernel_info_reply")
	}

	got := map[string]bool{}
	deadline := time.After(3 * time.Second)
	for !(got["a:status"] && got["b:status"]) {
		select {
		case s := <-seen:
			got[s] = true
		case <-deadline:
			t.Fatalf("subscribers saw %v", got)
		}
	}
}

func TestHeartbeatMonitorReportsDeath(t *testing.T) {
	testlog.Start(t)
	m, _ := newManager(t, nil)
	ctx := testCtx(t)
	id, _ := m.StartKernel(ctx)

	mon, err := m.HeartbeatMonitor(id, heartbeat.Config{FirstBeat: 20 * time.Millisecond, Period: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	dead := make(chan struct{}, 2)
	if err := mon.Start(func() { dead <- struct{}{} }); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer mon.Stop()
	waitUntil(t, 2*time.Second, mon.IsBeating)

	if err := m.SignalKernel(id, os.Kill); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case <-dead:
	case <-time.After(3 * time.Second):
		t.Fatal("heartbeat death not reported")
	}
}

// muteHeartbeat swallows heartbeat replies for the first remaining launches.
type muteHeartbeat struct {
	transport.Transport
	remaining atomic.Int32
}

func (m *muteHeartbeat) Listen(ctx context.Context, pattern transport.Pattern, endpoint string) (transport.Socket, error) {
	sock, err := m.Transport.Listen(ctx, pattern, endpoint)
	if err != nil || pattern != transport.Rep || m.remaining.Add(-1) < 0 {
		return sock, err
	}
	return deafSocket{sock}, nil
}

type deafSocket struct {
	transport.Socket
}

func (deafSocket) Send([][]byte) error { return nil }

func TestHeartbeatMissRestartsWedgedKernel(t *testing.T) {
	testlog.Start(t)
	fabric := transport.NewFabric()
	muted := &muteHeartbeat{Transport: fabric}
	muted.remaining.Store(1)

	cfg := manager.DefaultConfig()
	cfg.Transport = connection.TransportInproc
	cfg.IP = "manager-wedged"
	cfg.ConnectionDir = ""
	cfg.ShutdownWait = 2 * time.Second
	cfg.AutoRestart = true
	cfg.Restarter.Interval = 20 * time.Millisecond
	cfg.Restarter.Heartbeat = &heartbeat.Config{FirstBeat: 20 * time.Millisecond, Period: 100 * time.Millisecond}
	m := manager.NewMultiKernelManager(cfg, &inprocess.Launcher{Fabric: fabric, Transport: muted}, fabric)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.ShutdownAll(ctx, true)
	})
	ctx := testCtx(t)

	id, err := m.StartKernel(ctx, manager.WithKernelID("wedged"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	restarted := make(chan string, 4)
	if _, err := m.AddRestartCallback(id, manager.EventRestart, func(id string, _ manager.RestartEvent) {
		restarted <- id
	}); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if alive, _ := m.IsAlive(id); !alive {
		t.Fatal("wedged kernel should still look alive")
	}

	select {
	case got := <-restarted:
		if got != id {
			t.Fatalf("restart callback for %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("missed heartbeat did not restart the kernel")
	}
	km, _ := m.Kernel(id)
	if km.Restarts() != 1 {
		t.Fatalf("restarts=%d want 1", km.Restarts())
	}

	// the re-armed monitor sees a healthy replacement
	time.Sleep(400 * time.Millisecond)
	if km.Restarts() != 1 {
		t.Fatalf("healthy kernel restarted again, restarts=%d", km.Restarts())
	}
	reply, err := connectClient(t, m, id).KernelInfo(ctx)
	if err != nil || reply.Status() != protocol.StatusOK {
		t.Fatalf("kernel_info after restart: %v %v", reply.Content, err)
	}
}
