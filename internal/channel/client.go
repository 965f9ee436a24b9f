package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/kernelctl/internal/connection"
	logs "github.com/danmuck/kernelctl/internal/logging"
	"github.com/danmuck/kernelctl/internal/protocol"
	"github.com/danmuck/kernelctl/internal/protocol/session"
	"github.com/danmuck/kernelctl/internal/transport"
)

var ErrClientClosed = errors.New("channel: client closed")

// InputFunc answers a kernel input_request.
type InputFunc func(prompt string, password bool) (string, error)

// ClientOption customizes Connect.
type ClientOption func(*clientOptions)

type clientOptions struct {
	session *session.Session
	input   InputFunc
}

// WithSession uses an existing session instead of one derived from the
// connection info.
func WithSession(s *session.Session) ClientOption {
	return func(o *clientOptions) { o.session = s }
}

// WithInput answers stdin input requests.
func WithInput(fn InputFunc) ClientOption {
	return func(o *clientOptions) { o.input = fn }
}

// KernelClient is a front-end connection to one kernel. Shell, control and
// stdin share one routing identity so the kernel can address stdin requests
// to the front-end that issued the execution.
type KernelClient struct {
	sess    *session.Session
	Shell   *Channel
	Control *Channel
	Stdin   *Channel
	IOPub   *Channel
	input   InputFunc

	mu      sync.Mutex
	waiters map[string]chan protocol.Message
	closed  bool
}

// Connect dials the shell, control, stdin and iopub channels described by info.
func Connect(ctx context.Context, t transport.Transport, info connection.Info, opts ...ClientOption) (*KernelClient, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	sess := o.session
	if sess == nil {
		var err error
		sess, err = session.New(info.SessionConfig())
		if err != nil {
			return nil, err
		}
	}
	c := &KernelClient{
		sess:    sess,
		input:   o.input,
		waiters: make(map[string]chan protocol.Message),
	}
	identity := []byte(sess.ID())

	var dialed []*Channel
	dial := func(ch connection.Channel) (*Channel, error) {
		ep, err := info.Endpoint(ch)
		if err != nil {
			return nil, err
		}
		var id []byte
		if ch != connection.IOPub {
			id = identity
		}
		sock, err := t.Dial(ctx, transport.ClientPattern(ch), ep, id)
		if err != nil {
			for _, d := range dialed {
				d.Stop()
			}
			return nil, err
		}
		out := New(ch, sock, sess)
		dialed = append(dialed, out)
		return out, nil
	}
	var err error
	if c.Shell, err = dial(connection.Shell); err != nil {
		return nil, err
	}
	if c.Control, err = dial(connection.Control); err != nil {
		return nil, err
	}
	if c.Stdin, err = dial(connection.Stdin); err != nil {
		return nil, err
	}
	if c.IOPub, err = dial(connection.IOPub); err != nil {
		return nil, err
	}

	c.Shell.Subscribe(c.deliver)
	c.Control.Subscribe(c.deliver)
	c.Stdin.Subscribe(c.answerInput)
	for _, ch := range dialed {
		ch.Start()
	}
	logs.Debugf("channel.KernelClient.Connect session=%s transport=%s ip=%s", sess.ID(), info.Transport, info.IP)
	return c, nil
}

func (c *KernelClient) Session() *session.Session {
	return c.sess
}

// Close stops every channel and fails pending requests.
func (c *KernelClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, ch := range c.waiters {
		close(ch)
		delete(c.waiters, id)
	}
	c.mu.Unlock()
	for _, ch := range []*Channel{c.Shell, c.Control, c.Stdin, c.IOPub} {
		ch.Stop()
	}
}

func (c *KernelClient) deliver(msg protocol.Message) {
	c.mu.Lock()
	ch, ok := c.waiters[msg.ParentID()]
	if ok {
		delete(c.waiters, msg.ParentID())
	}
	c.mu.Unlock()
	if !ok {
		logs.Debugf("channel.KernelClient.deliver unmatched type=%s parent=%s", msg.Type(), msg.ParentID())
		return
	}
	ch <- msg
}

func (c *KernelClient) answerInput(msg protocol.Message) {
	if msg.Type() != protocol.InputRequest {
		return
	}
	var req protocol.InputRequestContent
	if err := protocol.DecodeContent(msg.Content, &req); err != nil {
		logs.Warnf("channel.KernelClient.answerInput decode err=%v", err)
		return
	}
	value := ""
	if c.input != nil {
		v, err := c.input(req.Prompt, req.Password)
		if err != nil {
			logs.Warnf("channel.KernelClient.answerInput prompt=%q err=%v", req.Prompt, err)
		}
		value = v
	}
	reply := c.sess.Build(protocol.InputReply, map[string]any{"value": value}, session.WithParent(msg))
	if err := c.Stdin.Send(reply); err != nil {
		logs.Warnf("channel.KernelClient.answerInput send err=%v", err)
	}
}

// Request sends msgType on ch and waits for the reply whose parent is the
// request. Replies to other requests are not consumed.
func (c *KernelClient) Request(ctx context.Context, ch *Channel, msgType protocol.MsgType, content map[string]any) (protocol.Message, error) {
	return c.RequestMessage(ctx, ch, c.sess.Build(msgType, content))
}

// RequestMessage sends a prebuilt msg on ch and waits for its reply.
func (c *KernelClient) RequestMessage(ctx context.Context, ch *Channel, msg protocol.Message) (protocol.Message, error) {
	msgType := msg.Type()
	wait := make(chan protocol.Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Message{}, ErrClientClosed
	}
	c.waiters[msg.MsgID()] = wait
	c.mu.Unlock()

	if err := ch.Send(msg); err != nil {
		c.forget(msg.MsgID())
		return protocol.Message{}, fmt.Errorf("channel: send %s: %w", msgType, err)
	}
	select {
	case reply, ok := <-wait:
		if !ok {
			return protocol.Message{}, ErrClientClosed
		}
		return reply, nil
	case <-ctx.Done():
		c.forget(msg.MsgID())
		return protocol.Message{}, ctx.Err()
	}
}

func (c *KernelClient) forget(id string) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// ExecuteOptions are the execute_request flags.
type ExecuteOptions struct {
	Silent          bool
	StoreHistory    bool
	UserExpressions map[string]any
	AllowStdin      bool
	StopOnError     bool
}

// DefaultExecuteOptions mirrors the protocol defaults.
func DefaultExecuteOptions() ExecuteOptions {
	return ExecuteOptions{StoreHistory: true, AllowStdin: true, StopOnError: true}
}

func (c *KernelClient) Execute(ctx context.Context, code string, opts ExecuteOptions) (protocol.Message, error) {
	ue := opts.UserExpressions
	if ue == nil {
		ue = map[string]any{}
	}
	return c.Request(ctx, c.Shell, protocol.ExecuteRequest, map[string]any{
		"code":             code,
		"silent":           opts.Silent,
		"store_history":    opts.StoreHistory,
		"user_expressions": ue,
		"allow_stdin":      opts.AllowStdin && c.input != nil,
		"stop_on_error":    opts.StopOnError,
	})
}

func (c *KernelClient) KernelInfo(ctx context.Context) (protocol.Message, error) {
	return c.Request(ctx, c.Shell, protocol.KernelInfoRequest, nil)
}

func (c *KernelClient) Complete(ctx context.Context, code string, cursorPos int) (protocol.Message, error) {
	return c.Request(ctx, c.Shell, protocol.CompleteRequest, map[string]any{"code": code, "cursor_pos": cursorPos})
}

func (c *KernelClient) Inspect(ctx context.Context, code string, cursorPos, detailLevel int) (protocol.Message, error) {
	return c.Request(ctx, c.Shell, protocol.InspectRequest, map[string]any{
		"code":         code,
		"cursor_pos":   cursorPos,
		"detail_level": detailLevel,
	})
}

func (c *KernelClient) History(ctx context.Context, accessType string, n int) (protocol.Message, error) {
	return c.Request(ctx, c.Shell, protocol.HistoryRequest, map[string]any{
		"hist_access_type": accessType,
		"n":                n,
		"output":           false,
		"raw":              true,
	})
}

func (c *KernelClient) IsComplete(ctx context.Context, code string) (protocol.Message, error) {
	return c.Request(ctx, c.Shell, protocol.IsCompleteRequest, map[string]any{"code": code})
}

// Shutdown asks the kernel to exit over control.
func (c *KernelClient) Shutdown(ctx context.Context, restart bool) (protocol.Message, error) {
	return c.Request(ctx, c.Control, protocol.ShutdownRequest, map[string]any{"restart": restart})
}

// Interrupt sends interrupt_request over control.
func (c *KernelClient) Interrupt(ctx context.Context) (protocol.Message, error) {
	return c.Request(ctx, c.Control, protocol.InterruptRequest, nil)
}

// Abort marks msgIDs aborted, or aborts all queued shell requests when
// msgIDs is empty.
func (c *KernelClient) Abort(ctx context.Context, msgIDs ...string) (protocol.Message, error) {
	content := map[string]any{}
	if len(msgIDs) > 0 {
		ids := make([]any, len(msgIDs))
		for i, id := range msgIDs {
			ids[i] = id
		}
		content["msg_ids"] = ids
	}
	return c.Request(ctx, c.Control, protocol.AbortRequest, content)
}
