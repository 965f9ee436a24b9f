package kernel

import (
	"context"
	"errors"
	"maps"

	"github.com/danmuck/kernelctl/internal/channel"
	logs "github.com/danmuck/kernelctl/internal/logging"
	"github.com/danmuck/kernelctl/internal/protocol"
	"github.com/danmuck/kernelctl/internal/protocol/session"
)

func (c *Core) handleExecute(ctx context.Context, ch *channel.Channel, msg protocol.Message) error {
	req, err := protocol.DecodeExecuteRequest(msg.Content)
	if err != nil {
		return err
	}
	if !req.Silent {
		c.executionCount++
		c.publish(protocol.ExecuteInput, map[string]any{
			"code":            req.Code,
			"execution_count": c.executionCount,
		}, msg)
	}
	count := c.executionCount
	started := protocol.FormatDate(msg.Header.Date)

	execCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelExec = cancel
	c.interrupted = false
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancelExec = nil
		c.mu.Unlock()
		cancel()
	}()

	out := newOutput(c, msg, req.AllowStdin, count)
	res, err := c.engine.Execute(execCtx, req, out)
	if err != nil {
		c.mu.Lock()
		interrupted := c.interrupted
		c.mu.Unlock()
		if !interrupted || !errors.Is(err, context.Canceled) {
			return err
		}
		res = ExecuteResult{
			Status: protocol.StatusError,
			EName:  "KeyboardInterrupt",
			EValue: ErrInterrupted.Error(),
		}
		out.Error(res.EName, res.EValue, nil)
	}
	if res.Status == "" {
		res.Status = protocol.StatusOK
	}
	ue := res.UserExpressions
	if ue == nil {
		ue = map[string]any{}
	}
	content := map[string]any{
		"status":           res.Status,
		"execution_count":  count,
		"user_expressions": ue,
		"payload":          out.takePayload(),
	}
	if res.Status == protocol.StatusError {
		tb := res.Traceback
		if tb == nil {
			tb = []string{}
		}
		content["ename"] = res.EName
		content["evalue"] = res.EValue
		content["traceback"] = tb
	}
	c.reply(ch, msg, content, session.WithMetadata(map[string]any{
		"started":          started,
		"dependencies_met": true,
		"status":           res.Status,
	}))

	if res.Status == protocol.StatusError && req.StopOnError {
		c.abortQueued()
	}
	return nil
}

func withStatus(content map[string]any) map[string]any {
	if content == nil {
		content = map[string]any{}
	}
	if _, ok := content["status"]; !ok {
		content["status"] = protocol.StatusOK
	}
	return content
}

func (c *Core) handleComplete(ctx context.Context, ch *channel.Channel, msg protocol.Message) error {
	var req protocol.CompleteRequestContent
	if err := protocol.DecodeContent(msg.Content, &req); err != nil {
		return err
	}
	content, err := c.engine.Complete(ctx, req)
	if err != nil {
		return err
	}
	c.reply(ch, msg, withStatus(content))
	return nil
}

func (c *Core) handleInspect(ctx context.Context, ch *channel.Channel, msg protocol.Message) error {
	var req protocol.InspectRequestContent
	if err := protocol.DecodeContent(msg.Content, &req); err != nil {
		return err
	}
	content, err := c.engine.Inspect(ctx, req)
	if err != nil {
		return err
	}
	c.reply(ch, msg, withStatus(content))
	return nil
}

func (c *Core) handleHistory(ctx context.Context, ch *channel.Channel, msg protocol.Message) error {
	var req protocol.HistoryRequestContent
	if err := protocol.DecodeContent(msg.Content, &req); err != nil {
		return err
	}
	content, err := c.engine.History(ctx, req)
	if err != nil {
		return err
	}
	c.reply(ch, msg, withStatus(content))
	return nil
}

func (c *Core) handleIsComplete(ctx context.Context, ch *channel.Channel, msg protocol.Message) error {
	var req protocol.IsCompleteRequestContent
	if err := protocol.DecodeContent(msg.Content, &req); err != nil {
		return err
	}
	content, err := c.engine.IsComplete(ctx, req)
	if err != nil {
		return err
	}
	c.reply(ch, msg, withStatus(content))
	return nil
}

func (c *Core) handleKernelInfo(_ context.Context, ch *channel.Channel, msg protocol.Message) error {
	info := c.engine.Info()
	help := info.HelpLinks
	if help == nil {
		help = []map[string]any{}
	}
	c.reply(ch, msg, map[string]any{
		"status":                 protocol.StatusOK,
		"protocol_version":       protocol.Version,
		"implementation":         info.Implementation,
		"implementation_version": info.ImplementationVersion,
		"language_info":          info.LanguageInfo,
		"banner":                 info.Banner,
		"help_links":             help,
	})
	return nil
}

func (c *Core) handleConnect(_ context.Context, ch *channel.Channel, msg protocol.Message) error {
	ci := c.cfg.Connection
	c.reply(ch, msg, map[string]any{
		"status":       protocol.StatusOK,
		"shell_port":   ci.ShellPort,
		"iopub_port":   ci.IOPubPort,
		"stdin_port":   ci.StdinPort,
		"hb_port":      ci.HBPort,
		"control_port": ci.ControlPort,
	})
	return nil
}

func (c *Core) handleShutdown(ctx context.Context, ch *channel.Channel, msg protocol.Message) error {
	var req protocol.ShutdownRequestContent
	if err := protocol.DecodeContent(msg.Content, &req); err != nil {
		return err
	}
	if err := c.engine.Shutdown(ctx, req.Restart); err != nil {
		logs.Warnf("kernel.Core.handleShutdown kernel=%s engine err=%v", c.cfg.KernelID, err)
	}
	content := map[string]any{"status": protocol.StatusOK, "restart": req.Restart}
	c.reply(ch, msg, content)
	c.publish(protocol.ShutdownReply, maps.Clone(content), msg)
	logs.Infof("kernel.Core.handleShutdown kernel=%s restart=%t grace=%s", c.cfg.KernelID, req.Restart, c.cfg.ShutdownGrace)
	c.scheduleExit()
	return nil
}

func (c *Core) handleApply(ctx context.Context, ch *channel.Channel, msg protocol.Message) error {
	applier, ok := c.engine.(Applier)
	if !ok {
		c.reply(ch, msg, map[string]any{
			"status":    protocol.StatusError,
			"ename":     "NotImplementedError",
			"evalue":    "apply_request is not supported by this engine",
			"traceback": []string{},
		})
		return nil
	}
	content, err := applier.Apply(ctx, msg.Content, newOutput(c, msg, false, c.executionCount))
	if err != nil {
		return err
	}
	c.reply(ch, msg, withStatus(content))
	return nil
}

func (c *Core) handleClear(ctx context.Context, ch *channel.Channel, msg protocol.Message) error {
	if r, ok := c.engine.(Resetter); ok {
		if err := r.Reset(ctx); err != nil {
			return err
		}
	}
	c.executionCount = 0
	c.reply(ch, msg, map[string]any{"status": protocol.StatusOK})
	return nil
}

func (c *Core) handleAbort(_ context.Context, ch *channel.Channel, msg protocol.Message) error {
	ids := abortIDs(msg.Content["msg_ids"])
	if len(ids) == 0 {
		c.abortQueued()
	} else {
		for _, id := range ids {
			c.aborted[id] = struct{}{}
		}
		logs.Infof("kernel.Core.handleAbort kernel=%s marked=%d", c.cfg.KernelID, len(ids))
	}
	c.reply(ch, msg, map[string]any{"status": protocol.StatusOK})
	return nil
}

// abortIDs accepts a single id or a list of ids.
func abortIDs(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// handleInterrupt only replies; the reader already interrupted the running
// execution when the request arrived.
func (c *Core) handleInterrupt(_ context.Context, ch *channel.Channel, msg protocol.Message) error {
	c.reply(ch, msg, map[string]any{"status": protocol.StatusOK})
	return nil
}
