package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/kernelctl/internal/channel"
	"github.com/danmuck/kernelctl/internal/connection"
	"github.com/danmuck/kernelctl/internal/protocol"
	"github.com/danmuck/kernelctl/internal/transport"
	"github.com/spf13/cobra"
)

var execFlags struct {
	connectionFile string
	timeout        time.Duration
	silent         bool
}

var execCmd = &cobra.Command{
	Use:   "exec <code...>",
	Short: "Execute code on a running kernel and print its output",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := connection.ReadFile(execFlags.connectionFile)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		status, err := execute(ctx, info, strings.Join(args, " "), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		if status != protocol.StatusOK {
			return fmt.Errorf("execution finished with status %s", status)
		}
		return nil
	},
}

func init() {
	execCmd.Flags().StringVarP(&execFlags.connectionFile, "connection-file", "f", "", "kernel connection file")
	execCmd.Flags().DurationVar(&execFlags.timeout, "timeout", time.Minute, "reply timeout")
	execCmd.Flags().BoolVar(&execFlags.silent, "silent", false, "run without broadcasting output")
	_ = execCmd.MarkFlagRequired("connection-file")
	rootCmd.AddCommand(execCmd)
}

func execute(ctx context.Context, info connection.Info, code string, stdin io.Reader, stdout, stderr io.Writer) (string, error) {
	lines := bufio.NewReader(stdin)
	input := func(prompt string, _ bool) (string, error) {
		fmt.Fprint(stderr, prompt)
		line, err := lines.ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	// the client's sockets live as long as this context
	client, err := channel.Connect(ctx, transport.For(info, nil), info, channel.WithInput(input))
	if err != nil {
		return "", err
	}
	defer client.Close()

	if err := waitReady(ctx, client); err != nil {
		return "", err
	}

	opts := channel.DefaultExecuteOptions()
	opts.Silent = execFlags.silent
	req := client.Session().Build(protocol.ExecuteRequest, map[string]any{
		"code":             code,
		"silent":           opts.Silent,
		"store_history":    opts.StoreHistory && !opts.Silent,
		"user_expressions": map[string]any{},
		"allow_stdin":      true,
		"stop_on_error":    opts.StopOnError,
	})

	idle := make(chan struct{})
	var once sync.Once
	client.IOPub.Subscribe(func(msg protocol.Message) {
		if msg.ParentID() != req.MsgID() {
			return
		}
		if msg.Type() == protocol.Status && msg.ExecutionState() == protocol.StateIdle {
			once.Do(func() { close(idle) })
			return
		}
		printOutput(msg, stdout, stderr)
	})

	reqCtx, cancel := context.WithTimeout(ctx, execFlags.timeout)
	defer cancel()
	reply, err := client.RequestMessage(reqCtx, client.Shell, req)
	if err != nil {
		if ctx.Err() != nil {
			// interrupted locally: ask the kernel to stop too
			intCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			client.Interrupt(intCtx)
		}
		return "", err
	}
	// output is complete once idle arrives on iopub
	select {
	case <-idle:
	case <-time.After(time.Second):
	}
	return reply.Status(), nil
}

func printOutput(msg protocol.Message, stdout, stderr io.Writer) {
	switch msg.Type() {
	case protocol.Stream:
		text, _ := msg.Content["text"].(string)
		if msg.Content["name"] == "stderr" {
			fmt.Fprint(stderr, text)
			return
		}
		fmt.Fprint(stdout, text)
	case protocol.ExecuteResult, protocol.DisplayData:
		if data, ok := msg.Content["data"].(map[string]any); ok {
			if text, ok := data["text/plain"].(string); ok {
				fmt.Fprintln(stdout, text)
			}
		}
	case protocol.Error:
		fmt.Fprintf(stderr, "%v: %v\n", msg.Content["ename"], msg.Content["evalue"])
		if tb, ok := msg.Content["traceback"].([]any); ok {
			for _, line := range tb {
				fmt.Fprintln(stderr, line)
			}
		}
	}
}

// waitReady sends kernel_info requests until iopub delivers the matching
// status, so the subscription is connected before output is produced.
func waitReady(ctx context.Context, client *channel.KernelClient) error {
	seen := make(chan string, 16)
	unsubscribe := client.IOPub.Subscribe(func(msg protocol.Message) {
		if msg.Type() == protocol.Status {
			select {
			case seen <- msg.ParentID():
			default:
			}
		}
	})
	defer unsubscribe()

	for attempt := 0; attempt < 10; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, execFlags.timeout)
		req := client.Session().Build(protocol.KernelInfoRequest, nil)
		_, err := client.RequestMessage(reqCtx, client.Shell, req)
		cancel()
		if err != nil {
			return err
		}
		deadline := time.After(200 * time.Millisecond)
	wait:
		for {
			select {
			case parent := <-seen:
				if parent == req.MsgID() {
					return nil
				}
			case <-deadline:
				break wait
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("kernelctl: iopub not connected")
}
