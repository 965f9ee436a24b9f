package kernel

import (
	"context"
	"sync"

	"github.com/danmuck/kernelctl/internal/protocol"
	"github.com/danmuck/kernelctl/internal/protocol/session"
)

// output publishes engine side effects with one request as parent.
type output struct {
	core       *Core
	parent     protocol.Message
	allowStdin bool
	count      int

	mu      sync.Mutex
	payload []map[string]any
}

func newOutput(c *Core, parent protocol.Message, allowStdin bool, count int) *output {
	return &output{core: c, parent: parent, allowStdin: allowStdin, count: count}
}

func (o *output) Stream(name, text string) {
	o.core.publish(protocol.Stream, map[string]any{"name": name, "text": text}, o.parent)
}

func (o *output) DisplayData(data, metadata map[string]any) {
	o.core.publish(protocol.DisplayData, map[string]any{
		"data":      nonNil(data),
		"metadata":  nonNil(metadata),
		"transient": map[string]any{},
	}, o.parent)
}

func (o *output) ExecuteResult(data, metadata map[string]any) {
	o.core.publish(protocol.ExecuteResult, map[string]any{
		"execution_count": o.count,
		"data":            nonNil(data),
		"metadata":        nonNil(metadata),
	}, o.parent)
}

func (o *output) Error(ename, evalue string, traceback []string) {
	if traceback == nil {
		traceback = []string{}
	}
	o.core.publish(protocol.Error, map[string]any{
		"ename":     ename,
		"evalue":    evalue,
		"traceback": traceback,
	}, o.parent)
}

func (o *output) ClearOutput(wait bool) {
	o.core.publish(protocol.ClearOutput, map[string]any{"wait": wait}, o.parent)
}

func (o *output) AddPayload(p map[string]any) {
	o.mu.Lock()
	o.payload = append(o.payload, p)
	o.mu.Unlock()
}

// takePayload returns and clears the accumulated payload list.
func (o *output) takePayload() []map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.payload
	o.payload = nil
	if p == nil {
		p = []map[string]any{}
	}
	return p
}

// Input sends input_request to the front-end identity that sent the parent
// request and waits for the matching input_reply.
func (o *output) Input(ctx context.Context, prompt string, password bool) (string, error) {
	if !o.allowStdin {
		return "", ErrStdinNotAllowed
	}
	c := o.core
	// Replies to earlier, abandoned prompts are stale.
	for drained := false; !drained; {
		select {
		case <-c.inputQ:
		default:
			drained = true
		}
	}
	req := c.sess.Build(protocol.InputRequest,
		map[string]any{"prompt": prompt, "password": password},
		session.WithParent(o.parent),
		session.WithIdents(o.parent.Idents...),
	)
	if err := c.stdin.Send(req); err != nil {
		return "", err
	}
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.closing:
			return "", ErrStopped
		case reply := <-c.inputQ:
			if reply.ParentID() != req.MsgID() {
				continue
			}
			var content protocol.InputReplyContent
			if err := protocol.DecodeContent(reply.Content, &content); err != nil {
				return "", err
			}
			return content.Value, nil
		}
	}
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
