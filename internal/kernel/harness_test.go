package kernel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/kernelctl/internal/channel"
	"github.com/danmuck/kernelctl/internal/connection"
	"github.com/danmuck/kernelctl/internal/protocol"
	"github.com/danmuck/kernelctl/internal/protocol/session"
	"github.com/danmuck/kernelctl/internal/transport"
)

// fakeEngine dispatches on the code string.
type fakeEngine struct {
	gate  chan struct{}
	mu    sync.Mutex
	calls []string
	reset int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{gate: make(chan struct{})}
}

func (e *fakeEngine) record(code string) {
	e.mu.Lock()
	e.calls = append(e.calls, code)
	e.mu.Unlock()
}

func (e *fakeEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) Execute(ctx context.Context, req protocol.ExecuteRequestContent, out Output) (ExecuteResult, error) {
	e.record(req.Code)
	switch req.Code {
	case "boom":
		return ExecuteResult{}, errors.New("engine exploded")
	case "panic":
		panic("kaboom")
	case "fail":
		out.Error("ValueError", "bad value", []string{"line 1"})
		return ExecuteResult{Status: protocol.StatusError, EName: "ValueError", EValue: "bad value"}, nil
	case "gate":
		<-e.gate
		return ExecuteResult{Status: protocol.StatusOK}, nil
	case "gate-fail":
		<-e.gate
		return ExecuteResult{Status: protocol.StatusError, EName: "ValueError", EValue: "gated"}, nil
	case "sleep":
		select {
		case <-ctx.Done():
			return ExecuteResult{}, ctx.Err()
		case <-time.After(10 * time.Second):
			return ExecuteResult{Status: protocol.StatusOK}, nil
		}
	case "input":
		v, err := out.Input(ctx, "name? ", false)
		if err != nil {
			return ExecuteResult{Status: protocol.StatusError, EName: "StdinNotImplementedError", EValue: err.Error()}, nil
		}
		out.Stream("stdout", "hello "+v)
		return ExecuteResult{Status: protocol.StatusOK}, nil
	default:
		out.Stream("stdout", "ran "+req.Code)
		out.ExecuteResult(map[string]any{"text/plain": "2"}, nil)
		out.AddPayload(map[string]any{"source": "page", "text": "p"})
		ue := map[string]any{}
		for k := range req.UserExpressions {
			ue[k] = map[string]any{"status": "ok", "data": map[string]any{"text/plain": k}}
		}
		return ExecuteResult{Status: protocol.StatusOK, UserExpressions: ue}, nil
	}
}

func (e *fakeEngine) Complete(_ context.Context, req protocol.CompleteRequestContent) (map[string]any, error) {
	return map[string]any{"matches": []string{req.Code + "nt"}, "cursor_start": 0, "cursor_end": req.CursorPos, "metadata": map[string]any{}}, nil
}

func (e *fakeEngine) Inspect(context.Context, protocol.InspectRequestContent) (map[string]any, error) {
	return map[string]any{"found": false, "data": map[string]any{}, "metadata": map[string]any{}}, nil
}

func (e *fakeEngine) History(context.Context, protocol.HistoryRequestContent) (map[string]any, error) {
	return map[string]any{"history": []any{}}, nil
}

func (e *fakeEngine) IsComplete(_ context.Context, req protocol.IsCompleteRequestContent) (map[string]any, error) {
	if req.Code == "if x:" {
		return map[string]any{"status": "incomplete", "indent": "    "}, nil
	}
	return map[string]any{"status": "complete"}, nil
}

func (e *fakeEngine) Shutdown(context.Context, bool) error { return nil }

func (e *fakeEngine) Info() Info {
	return Info{
		Implementation:        "fake",
		ImplementationVersion: "0.1",
		LanguageInfo:          map[string]any{"name": "fake", "mimetype": "text/plain"},
		Banner:                "fake kernel",
	}
}

func (e *fakeEngine) Reset(context.Context) error {
	e.mu.Lock()
	e.reset++
	e.mu.Unlock()
	return nil
}

type sentFrames struct {
	ch     connection.Channel
	frames [][]byte
}

// recordingSocket logs every kernel send in one global order.
type recordingSocket struct {
	transport.Socket
	ch  connection.Channel
	log *sendLog
}

func (r recordingSocket) Send(frames [][]byte) error {
	r.log.add(r.ch, frames)
	return r.Socket.Send(frames)
}

type sendLog struct {
	mu      sync.Mutex
	raw     []sentFrames
	decoded []loggedMessage
	dec     *session.Session
}

type loggedMessage struct {
	ch  connection.Channel
	msg protocol.Message
}

func (l *sendLog) add(ch connection.Channel, frames [][]byte) {
	l.mu.Lock()
	l.raw = append(l.raw, sentFrames{ch: ch, frames: frames})
	l.mu.Unlock()
}

func (l *sendLog) messages(t *testing.T) []loggedMessage {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.decoded) < len(l.raw) {
		r := l.raw[len(l.decoded)]
		msg, err := l.dec.Deserialize(r.frames)
		if err != nil {
			t.Fatalf("decode logged frames: %v", err)
		}
		l.decoded = append(l.decoded, loggedMessage{ch: r.ch, msg: msg})
	}
	return append([]loggedMessage(nil), l.decoded...)
}

// forParent returns logged messages answering parentID, in send order.
func (l *sendLog) forParent(t *testing.T, parentID string) []loggedMessage {
	var out []loggedMessage
	for _, m := range l.messages(t) {
		if m.msg.ParentID() == parentID {
			out = append(out, m)
		}
	}
	return out
}

func (l *sendLog) waitFor(t *testing.T, what string, cond func([]loggedMessage) bool) []loggedMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		msgs := l.messages(t)
		if cond(msgs) {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; log=%d messages", what, len(msgs))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type harness struct {
	fabric *transport.Fabric
	info   connection.Info
	engine *fakeEngine
	core   *Core
	client *channel.KernelClient
	log    *sendLog
	runErr chan error
}

func startHarness(t *testing.T, opts ...channel.ClientOption) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f := transport.NewFabric()

	info := connection.New()
	info.Transport = connection.TransportInproc
	info.IP = "kernel-test"
	if err := connection.AllocatePorts(&info); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	sockets, err := Bind(ctx, f, info)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	dec, _ := session.New(info.SessionConfig())
	log := &sendLog{dec: dec}
	sockets.Shell = recordingSocket{Socket: sockets.Shell, ch: connection.Shell, log: log}
	sockets.Control = recordingSocket{Socket: sockets.Control, ch: connection.Control, log: log}
	sockets.IOPub = recordingSocket{Socket: sockets.IOPub, ch: connection.IOPub, log: log}
	sockets.Stdin = recordingSocket{Socket: sockets.Stdin, ch: connection.Stdin, log: log}

	sess, err := session.New(info.SessionConfig())
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	engine := newFakeEngine()
	core := New(engine, sockets, sess, Config{KernelID: "k1", Connection: info, ShutdownGrace: 20 * time.Millisecond})

	h := &harness{fabric: f, info: info, engine: engine, core: core, log: log, runErr: make(chan error, 1)}
	go func() { h.runErr <- core.Run(ctx) }()

	client, err := channel.Connect(ctx, f, info, opts...)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	h.client = client
	t.Cleanup(func() {
		client.Close()
		cancel()
		select {
		case <-h.runErr:
		case <-time.After(3 * time.Second):
			t.Errorf("core did not stop")
		}
	})
	return h
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func indexOf(msgs []loggedMessage, match func(loggedMessage) bool) int {
	for i, m := range msgs {
		if match(m) {
			return i
		}
	}
	return -1
}

func isStatus(state protocol.ExecutionState) func(loggedMessage) bool {
	return func(m loggedMessage) bool {
		return m.ch == connection.IOPub && m.msg.Type() == protocol.Status && m.msg.ExecutionState() == state
	}
}

func isType(ch connection.Channel, t protocol.MsgType) func(loggedMessage) bool {
	return func(m loggedMessage) bool { return m.ch == ch && m.msg.Type() == t }
}

func hasIdle(parentID string) func([]loggedMessage) bool {
	return func(msgs []loggedMessage) bool {
		for _, m := range msgs {
			if m.msg.ParentID() == parentID && isStatus(protocol.StateIdle)(m) {
				return true
			}
		}
		return false
	}
}

func decodeExecuteReply(t *testing.T, msg protocol.Message) protocol.ExecuteReplyContent {
	t.Helper()
	var out protocol.ExecuteReplyContent
	if err := protocol.DecodeContent(msg.Content, &out); err != nil {
		t.Fatalf("decode execute_reply: %v", err)
	}
	return out
}
