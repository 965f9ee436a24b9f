// Package kernel implements the kernel-side message dispatcher: it reads the
// shell, control and stdin routers, brackets each request with iopub busy and
// idle status, and delegates evaluation to an Engine.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/danmuck/kernelctl/internal/channel"
	"github.com/danmuck/kernelctl/internal/connection"
	"github.com/danmuck/kernelctl/internal/heartbeat"
	logs "github.com/danmuck/kernelctl/internal/logging"
	"github.com/danmuck/kernelctl/internal/observability"
	"github.com/danmuck/kernelctl/internal/protocol"
	"github.com/danmuck/kernelctl/internal/protocol/session"
	"github.com/danmuck/kernelctl/internal/transport"
)

const (
	queueSize            = 1024
	DefaultShutdownGrace = 100 * time.Millisecond
)

// Config holds per-core settings.
type Config struct {
	// KernelID names the kernel in iopub topics; defaults to the session id.
	KernelID string
	// Connection is reported in connect_reply.
	Connection connection.Info
	// ShutdownGrace delays exit after shutdown_reply so replies can flush.
	ShutdownGrace time.Duration
}

// Sockets are the five bound kernel sockets.
type Sockets struct {
	Shell   transport.Socket
	Control transport.Socket
	Stdin   transport.Socket
	IOPub   transport.Socket
	HB      transport.Socket
}

func (s Sockets) closeAll() {
	for _, sock := range []transport.Socket{s.Shell, s.Control, s.Stdin, s.IOPub, s.HB} {
		if sock != nil {
			sock.Close()
		}
	}
}

type handlerFunc func(ctx context.Context, ch *channel.Channel, msg protocol.Message) error

type queued struct {
	ch  *channel.Channel
	msg protocol.Message
}

// Core is one kernel's dispatcher and busy/idle state machine. Handler state
// (execution count, aborted set) is owned by the dispatch goroutine.
type Core struct {
	cfg    Config
	engine Engine
	sess   *session.Session

	shell   *channel.Channel
	control *channel.Channel
	stdin   *channel.Channel
	iopub   *channel.Channel
	hb      transport.Socket

	shellQ   chan queued
	controlQ chan queued
	inputQ   chan protocol.Message

	shellHandlers   map[protocol.MsgType]handlerFunc
	controlHandlers map[protocol.MsgType]handlerFunc

	executionCount int
	aborted        map[string]struct{}

	mu          sync.Mutex
	state       protocol.ExecutionState
	cancelExec  context.CancelFunc
	interrupted bool

	exit     chan struct{}
	exitOnce sync.Once
	failed   chan struct{}
	failOnce sync.Once
	failErr  error
	closing  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New assembles a core over bound sockets. The core owns the sockets.
func New(engine Engine, sockets Sockets, sess *session.Session, cfg Config) *Core {
	if cfg.KernelID == "" {
		cfg.KernelID = sess.ID()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	c := &Core{
		cfg:      cfg,
		engine:   engine,
		sess:     sess,
		shell:    channel.New(connection.Shell, sockets.Shell, sess),
		control:  channel.New(connection.Control, sockets.Control, sess),
		stdin:    channel.New(connection.Stdin, sockets.Stdin, sess),
		iopub:    channel.New(connection.IOPub, sockets.IOPub, sess),
		hb:       sockets.HB,
		shellQ:   make(chan queued, queueSize),
		controlQ: make(chan queued, queueSize),
		inputQ:   make(chan protocol.Message, 16),
		aborted:  make(map[string]struct{}),
		state:    protocol.StateStarting,
		exit:     make(chan struct{}),
		failed:   make(chan struct{}),
		closing:  make(chan struct{}),
	}
	c.shellHandlers = map[protocol.MsgType]handlerFunc{
		protocol.ExecuteRequest:    c.handleExecute,
		protocol.CompleteRequest:   c.handleComplete,
		protocol.InspectRequest:    c.handleInspect,
		protocol.HistoryRequest:    c.handleHistory,
		protocol.KernelInfoRequest: c.handleKernelInfo,
		protocol.ConnectRequest:    c.handleConnect,
		protocol.ShutdownRequest:   c.handleShutdown,
		protocol.IsCompleteRequest: c.handleIsComplete,
		protocol.ApplyRequest:      c.handleApply,
	}
	c.controlHandlers = make(map[protocol.MsgType]handlerFunc, len(c.shellHandlers)+3)
	for t, h := range c.shellHandlers {
		c.controlHandlers[t] = h
	}
	c.controlHandlers[protocol.ClearRequest] = c.handleClear
	c.controlHandlers[protocol.AbortRequest] = c.handleAbort
	c.controlHandlers[protocol.InterruptRequest] = c.handleInterrupt
	return c
}

func (c *Core) KernelID() string {
	return c.cfg.KernelID
}

func (c *Core) State() protocol.ExecutionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Core) setState(s protocol.ExecutionState) {
	c.mu.Lock()
	if c.state != protocol.StateShuttingDown {
		c.state = s
	}
	c.mu.Unlock()
}

// Done is closed once the core has decided to exit after shutdown_request.
func (c *Core) Done() <-chan struct{} {
	return c.exit
}

// Run publishes the starting status, serves until ctx ends or a shutdown
// request completes, then closes every socket. A socket failing outside of
// shutdown ends Run with that error.
func (c *Core) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.stop()

	c.wg.Add(4)
	go c.read(c.shell, c.shellQ)
	go c.read(c.control, c.controlQ)
	go c.readStdin()
	go func() {
		defer c.wg.Done()
		if err := heartbeat.Echo(ctx, c.hb); err != nil {
			logs.Warnf("kernel.Core.Run heartbeat kernel=%s err=%v", c.cfg.KernelID, err)
			c.fail(fmt.Errorf("kernel: hb socket: %w", err))
		}
	}()

	c.publishStatus(protocol.StateStarting, protocol.Message{})
	c.setState(protocol.StateIdle)
	logs.Infof("kernel.Core.Run kernel=%s session=%s ready", c.cfg.KernelID, c.sess.ID())

	for {
		// control preempts shell on every iteration
		select {
		case q := <-c.controlQ:
			c.dispatch(ctx, q, c.controlHandlers)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.exit:
			return nil
		case <-c.failed:
			if ctx.Err() != nil {
				return nil
			}
			return c.failErr
		case q := <-c.controlQ:
			c.dispatch(ctx, q, c.controlHandlers)
		case q := <-c.shellQ:
			c.dispatch(ctx, q, c.shellHandlers)
		}
	}
}

func (c *Core) stop() {
	c.stopOnce.Do(func() {
		close(c.closing)
		c.mu.Lock()
		c.state = protocol.StateShuttingDown
		if c.cancelExec != nil {
			c.cancelExec()
		}
		c.mu.Unlock()
		c.shell.Stop()
		c.control.Stop()
		c.stdin.Stop()
		c.iopub.Stop()
		c.hb.Close()
		c.wg.Wait()
		logs.Infof("kernel.Core.stop kernel=%s stopped", c.cfg.KernelID)
	})
}

// Interrupt cancels the running execution, if any.
func (c *Core) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelExec == nil {
		return
	}
	c.interrupted = true
	c.cancelExec()
	logs.Infof("kernel.Core.Interrupt kernel=%s", c.cfg.KernelID)
}

func (c *Core) read(ch *channel.Channel, q chan<- queued) {
	defer c.wg.Done()
	for {
		msg, err := ch.Recv()
		if err != nil {
			if !c.recvFailed(ch, err) {
				return
			}
			continue
		}
		if ch == c.control && msg.Type() == protocol.InterruptRequest {
			c.Interrupt()
		}
		select {
		case q <- queued{ch: ch, msg: msg}:
		case <-c.closing:
			return
		}
	}
}

func (c *Core) readStdin() {
	defer c.wg.Done()
	for {
		msg, err := c.stdin.Recv()
		if err != nil {
			if !c.recvFailed(c.stdin, err) {
				return
			}
			continue
		}
		if msg.Type() != protocol.InputReply {
			logs.Warnf("kernel.Core.readStdin kernel=%s unexpected type=%s", c.cfg.KernelID, msg.Type())
			continue
		}
		select {
		case c.inputQ <- msg:
		default:
			logs.Warnf("kernel.Core.readStdin kernel=%s input queue full, dropping reply parent=%s", c.cfg.KernelID, msg.ParentID())
		}
	}
}

// recvFailed logs a receive error and reports whether reading should go on.
// Any non-protocol error outside of stop ends Run.
func (c *Core) recvFailed(ch *channel.Channel, err error) bool {
	if channel.IsProtocolError(err) {
		channel.LogDropped("kernel.Core.read kernel="+c.cfg.KernelID, ch.Name(), err)
		observability.RecordDropped(string(ch.Name()), dropReason(err))
		return true
	}
	select {
	case <-c.closing:
		return false
	default:
	}
	logs.Errorf("kernel.Core.read kernel=%s channel=%s err=%v", c.cfg.KernelID, ch.Name(), err)
	c.fail(fmt.Errorf("kernel: %s socket: %w", ch.Name(), err))
	return false
}

func (c *Core) fail(err error) {
	c.failOnce.Do(func() {
		c.failErr = err
		close(c.failed)
	})
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrSignature):
		return "signature"
	case errors.Is(err, protocol.ErrReplay):
		return "replay"
	default:
		return "malformed"
	}
}

func (c *Core) dispatch(ctx context.Context, q queued, table map[protocol.MsgType]handlerFunc) {
	msg := q.msg
	chName := string(q.ch.Name())
	start := time.Now()
	c.setState(protocol.StateBusy)
	c.publishStatus(protocol.StateBusy, msg)
	outcome := c.handle(ctx, q, table)
	c.publishStatus(protocol.StateIdle, msg)
	c.setState(protocol.StateIdle)
	observability.RecordDispatch(chName, string(msg.Type()), outcome, time.Since(start))
}

// handle runs one bracketed request and returns its dispatch outcome label.
func (c *Core) handle(ctx context.Context, q queued, table map[protocol.MsgType]handlerFunc) string {
	msg := q.msg
	if _, ok := c.aborted[msg.MsgID()]; ok {
		delete(c.aborted, msg.MsgID())
		logs.Infof("kernel.Core.dispatch kernel=%s aborted msg_id=%s type=%s", c.cfg.KernelID, msg.MsgID(), msg.Type())
		c.replyAborted(q.ch, msg)
		return protocol.StatusAborted
	}
	h, ok := table[msg.Type()]
	if !ok {
		logs.Warnf("kernel.Core.dispatch kernel=%s channel=%s unknown type=%s", c.cfg.KernelID, q.ch.Name(), msg.Type())
		return "unknown"
	}
	if err := c.invoke(ctx, h, q.ch, msg); err != nil {
		logs.Errorf("kernel.Core.dispatch kernel=%s channel=%s type=%s msg_id=%s err=%v", c.cfg.KernelID, q.ch.Name(), msg.Type(), msg.MsgID(), err)
		return "failed"
	}
	return "ok"
}

// invoke runs h and converts a panic into an error carrying the stack.
func (c *Core) invoke(ctx context.Context, h handlerFunc, ch *channel.Channel, msg protocol.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, ch, msg)
}

func (c *Core) topic(msgType protocol.MsgType) []byte {
	return []byte("kernel." + c.cfg.KernelID + "." + string(msgType))
}

func (c *Core) publish(msgType protocol.MsgType, content map[string]any, parent protocol.Message) {
	msg := c.sess.Build(msgType, content,
		session.WithParentHeader(parent.Header),
		session.WithIdents(c.topic(msgType)),
	)
	if err := c.iopub.Send(msg); err != nil {
		logs.Warnf("kernel.Core.publish kernel=%s type=%s err=%v", c.cfg.KernelID, msgType, err)
	}
}

func (c *Core) publishStatus(state protocol.ExecutionState, parent protocol.Message) {
	c.publish(protocol.Status, map[string]any{"execution_state": string(state)}, parent)
}

func (c *Core) reply(ch *channel.Channel, parent protocol.Message, content map[string]any, opts ...session.BuildOption) {
	opts = append(opts, session.WithParent(parent), session.WithIdents(parent.Idents...))
	msg := c.sess.Build(protocol.ReplyType(parent.Type()), content, opts...)
	if err := ch.Send(msg); err != nil {
		logs.Warnf("kernel.Core.reply kernel=%s type=%s err=%v", c.cfg.KernelID, msg.Type(), err)
	}
}

func (c *Core) replyAborted(ch *channel.Channel, msg protocol.Message) {
	c.reply(ch, msg, map[string]any{"status": protocol.StatusAborted})
}

// abortQueued replies aborted to every shell request currently queued.
func (c *Core) abortQueued() int {
	n := 0
	for {
		select {
		case q := <-c.shellQ:
			c.replyAborted(q.ch, q.msg)
			observability.RecordDispatch(string(q.ch.Name()), string(q.msg.Type()), protocol.StatusAborted, 0)
			n++
		default:
			if n > 0 {
				logs.Infof("kernel.Core.abortQueued kernel=%s aborted=%d", c.cfg.KernelID, n)
			}
			return n
		}
	}
}

// scheduleExit closes Done after the shutdown grace period.
func (c *Core) scheduleExit() {
	c.mu.Lock()
	c.state = protocol.StateShuttingDown
	c.mu.Unlock()
	time.AfterFunc(c.cfg.ShutdownGrace, func() {
		c.exitOnce.Do(func() { close(c.exit) })
	})
}
