// Package shell is a kernel Engine that runs each cell through the host
// shell. stdout and stderr stream to iopub as the command writes them.
package shell

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/kernelctl/internal/kernel"
	logs "github.com/danmuck/kernelctl/internal/logging"
	"github.com/danmuck/kernelctl/internal/protocol"
	"github.com/danmuck/kernelctl/internal/tools"
)

const Version = "0.1.0"

// Config selects the shell binary and working directory.
type Config struct {
	Shell string
	Dir   string
	Env   []string
}

func DefaultConfig() Config {
	return Config{Shell: "/bin/sh"}
}

type entry struct {
	line   int
	input  string
	output string
}

// Engine implements kernel.Engine, kernel.Resetter and kernel.Applier.
type Engine struct {
	cfg    Config
	runner tools.CommandRunner

	mu      sync.Mutex
	history []entry
}

func New(cfg Config) *Engine {
	if cfg.Shell == "" {
		cfg.Shell = DefaultConfig().Shell
	}
	return &Engine{
		cfg:    cfg,
		runner: tools.ExecRunner{Dir: cfg.Dir, Env: cfg.Env},
	}
}

// NewWithRunner uses runner in place of the host runner.
func NewWithRunner(cfg Config, runner tools.CommandRunner) *Engine {
	e := New(cfg)
	e.runner = runner
	return e
}

// streamWriter forwards each write as one iopub stream message.
type streamWriter struct {
	name string
	out  kernel.Output
	mu   *sync.Mutex
	buf  *strings.Builder
}

func (w streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf.Write(p)
	w.mu.Unlock()
	w.out.Stream(w.name, string(p))
	return len(p), nil
}

func (e *Engine) Execute(ctx context.Context, req protocol.ExecuteRequestContent, out kernel.Output) (kernel.ExecuteResult, error) {
	if strings.TrimSpace(req.Code) == "" {
		return kernel.ExecuteResult{Status: protocol.StatusOK}, nil
	}
	var mu sync.Mutex
	var captured strings.Builder
	stdout := streamWriter{name: "stdout", out: out, mu: &mu, buf: &captured}
	stderr := streamWriter{name: "stderr", out: out, mu: &mu, buf: &captured}

	code, err := e.runner.Stream(ctx, stdout, stderr, e.cfg.Shell, "-c", req.Code)
	if ctx.Err() != nil {
		return kernel.ExecuteResult{}, ctx.Err()
	}
	if req.StoreHistory {
		e.record(req.Code, captured.String())
	}

	ue := e.userExpressions(ctx, req.UserExpressions)
	if err == nil {
		return kernel.ExecuteResult{Status: protocol.StatusOK, UserExpressions: ue}, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) && code != 127 {
		return kernel.ExecuteResult{}, err
	}
	ename := "ExitError"
	if code == 127 {
		ename = "CommandNotFound"
	}
	evalue := fmt.Sprintf("exit status %d", code)
	tb := []string{fmt.Sprintf("%s: %s", ename, evalue)}
	out.Error(ename, evalue, tb)
	logs.Debugf("shell.Engine.Execute exit=%d", code)
	return kernel.ExecuteResult{
		Status:          protocol.StatusError,
		UserExpressions: ue,
		EName:           ename,
		EValue:          evalue,
		Traceback:       tb,
	}, nil
}

// userExpressions evaluates each expression as a command and returns its
// stdout as text/plain.
func (e *Engine) userExpressions(ctx context.Context, exprs map[string]any) map[string]any {
	out := make(map[string]any, len(exprs))
	for name, raw := range exprs {
		expr, _ := raw.(string)
		stdout, stderr, code, err := e.runner.Run(ctx, e.cfg.Shell, "-c", expr)
		if err != nil {
			out[name] = map[string]any{
				"status": protocol.StatusError,
				"ename":  "ExitError",
				"evalue": fmt.Sprintf("exit status %d: %s", code, strings.TrimSpace(string(stderr))),
			}
			continue
		}
		out[name] = map[string]any{
			"status":   protocol.StatusOK,
			"data":     map[string]any{"text/plain": strings.TrimRight(string(stdout), "\n")},
			"metadata": map[string]any{},
		}
	}
	return out
}

func (e *Engine) record(code, output string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, entry{line: len(e.history) + 1, input: code, output: output})
}

func lastToken(code string, cursor int) (string, int) {
	if cursor < 0 || cursor > len(code) {
		cursor = len(code)
	}
	start := strings.LastIndexAny(code[:cursor], " \t\n;|&") + 1
	return code[start:cursor], start
}

func (e *Engine) Complete(_ context.Context, req protocol.CompleteRequestContent) (map[string]any, error) {
	token, start := lastToken(req.Code, req.CursorPos)
	seen := map[string]bool{}
	var matches []string
	add := func(w string) {
		if token != "" && strings.HasPrefix(w, token) && w != token && !seen[w] {
			seen[w] = true
			matches = append(matches, w)
		}
	}
	for _, w := range builtins {
		add(w)
	}
	e.mu.Lock()
	for _, h := range e.history {
		for _, w := range strings.Fields(h.input) {
			add(w)
		}
	}
	e.mu.Unlock()
	sort.Strings(matches)
	if matches == nil {
		matches = []string{}
	}
	return map[string]any{
		"matches":      matches,
		"cursor_start": start,
		"cursor_end":   start + len(token),
		"metadata":     map[string]any{},
	}, nil
}

var builtins = []string{"cd", "echo", "exit", "export", "printf", "pwd", "read", "set", "test", "unset"}

func (e *Engine) Inspect(_ context.Context, req protocol.InspectRequestContent) (map[string]any, error) {
	token, _ := lastToken(req.Code, req.CursorPos)
	if token == "" {
		return map[string]any{"found": false, "data": map[string]any{}, "metadata": map[string]any{}}, nil
	}
	path, err := exec.LookPath(token)
	if err != nil {
		return map[string]any{"found": false, "data": map[string]any{}, "metadata": map[string]any{}}, nil
	}
	return map[string]any{
		"found":    true,
		"data":     map[string]any{"text/plain": fmt.Sprintf("%s is %s", token, path)},
		"metadata": map[string]any{},
	}, nil
}

func (e *Engine) History(_ context.Context, req protocol.HistoryRequestContent) (map[string]any, error) {
	e.mu.Lock()
	entries := append([]entry(nil), e.history...)
	e.mu.Unlock()

	switch req.HistAccessType {
	case "tail":
		if req.N > 0 && req.N < len(entries) {
			entries = entries[len(entries)-req.N:]
		}
	case "range":
		var out []entry
		for _, en := range entries {
			if en.line >= req.Start && (req.Stop <= 0 || en.line < req.Stop) {
				out = append(out, en)
			}
		}
		entries = out
	case "search":
		var out []entry
		for _, en := range entries {
			if ok, _ := matchGlob(req.Pattern, en.input); ok {
				out = append(out, en)
			}
		}
		entries = out
	}

	hist := make([]any, 0, len(entries))
	for _, en := range entries {
		if req.Output {
			hist = append(hist, []any{0, en.line, []any{en.input, en.output}})
		} else {
			hist = append(hist, []any{0, en.line, en.input})
		}
	}
	return map[string]any{"history": hist}, nil
}

// matchGlob supports "*" wildcards only.
func matchGlob(pattern, s string) (bool, error) {
	if pattern == "" || pattern == "*" {
		return true, nil
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false, nil
	}
	s = s[len(parts[0]):]
	for i, p := range parts[1:] {
		if i == len(parts)-2 {
			return strings.HasSuffix(s, p), nil
		}
		idx := strings.Index(s, p)
		if idx < 0 {
			return false, nil
		}
		s = s[idx+len(p):]
	}
	return true, nil
}

func (e *Engine) IsComplete(_ context.Context, req protocol.IsCompleteRequestContent) (map[string]any, error) {
	code := strings.TrimRight(req.Code, " \t")
	switch {
	case strings.HasSuffix(code, "\\"), strings.HasSuffix(code, "|"), strings.HasSuffix(code, "&&"):
		return map[string]any{"status": "incomplete", "indent": ""}, nil
	case strings.Count(code, "'")%2 == 1, strings.Count(code, "\"")%2 == 1:
		return map[string]any{"status": "incomplete", "indent": ""}, nil
	default:
		return map[string]any{"status": "complete"}, nil
	}
}

func (e *Engine) Shutdown(context.Context, bool) error {
	logs.Infof("shell.Engine.Shutdown entries=%d", e.historyLen())
	return nil
}

func (e *Engine) historyLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}

// Reset forgets history.
func (e *Engine) Reset(context.Context) error {
	e.mu.Lock()
	e.history = nil
	e.mu.Unlock()
	return nil
}

// Apply runs content["code"] without recording history and returns its
// buffered output.
func (e *Engine) Apply(ctx context.Context, content map[string]any, _ kernel.Output) (map[string]any, error) {
	code, _ := content["code"].(string)
	stdout, stderr, exit, err := e.runner.Run(ctx, e.cfg.Shell, "-c", code)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	status := protocol.StatusOK
	if err != nil {
		status = protocol.StatusError
	}
	return map[string]any{
		"status":    status,
		"exit_code": exit,
		"stdout":    string(stdout),
		"stderr":    string(stderr),
	}, nil
}

func (e *Engine) Info() kernel.Info {
	return kernel.Info{
		Implementation:        "kernelctl-shell",
		ImplementationVersion: Version,
		LanguageInfo: map[string]any{
			"name":           "sh",
			"version":        "posix",
			"mimetype":       "text/x-sh",
			"file_extension": ".sh",
		},
		Banner: "kernelctl shell kernel " + Version,
	}
}
