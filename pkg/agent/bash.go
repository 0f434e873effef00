package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/tools"
)

// maxOutputBytes caps each captured stream before it reaches the model
// and the logs.
const maxOutputBytes = 16 * 1024

// termGrace is how long a timed-out command gets between SIGTERM and
// the forced kill.
const termGrace = 5 * time.Second

// envAlwaysKept survives scrubbing regardless of configuration.
var envAlwaysKept = []string{"PATH", "HOME", "LANG", "TERM", "TMPDIR"}

// blockedPatterns are refused statically, before anything executes.
var blockedPatterns = []struct {
	pattern *regexp.Regexp
	reason  string
}{
	{regexp.MustCompile(`(?i)\brm\s+(?:-[a-z-]+\s+)+/+\*?\s*(?:$|[;&|])`), "recursive delete of the filesystem root"},
	{regexp.MustCompile(`(?i)\bmkfs(?:\.\w+)?\b`), "filesystem creation"},
	{regexp.MustCompile(`(?i)\bdd\b[^;|&]*\bof=/dev/`), "raw write to a device"},
}

// forkBombDef matches a shell function definition; the body is then
// checked for the function piping into itself.
var forkBombDef = regexp.MustCompile(`([A-Za-z_]\w*|:)\s*\(\s*\)\s*\{`)

func looksLikeForkBomb(command string) bool {
	m := forkBombDef.FindStringSubmatch(command)
	if m == nil {
		return false
	}
	name := m[1]
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, command)
	return strings.Contains(compact, name+"|"+name) && strings.Contains(compact, "&")
}

func refusalReason(command string) string {
	for _, b := range blockedPatterns {
		if b.pattern.MatchString(command) {
			return b.reason
		}
	}
	if looksLikeForkBomb(command) {
		return "fork bomb"
	}
	return ""
}

// scrubbedEnv builds the child environment from scratch: the always-kept
// variables plus explicitly forwarded credentials. Everything else the
// parent process carries is withheld.
func scrubbedEnv(passthrough []string) []string {
	names := make([]string, 0, len(envAlwaysKept)+len(passthrough))
	names = append(names, envAlwaysKept...)
	names = append(names, passthrough...)

	seen := make(map[string]struct{}, len(names))
	env := make([]string, 0, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

// bashTool is the agent-local shell capability, scoped to a
// per-conversation workspace directory.
type bashTool struct {
	cfg     config.BashAgentConfig
	workDir string
}

func newBashTool(cfg config.BashAgentConfig, conversationID int64) (*bashTool, error) {
	cfg.SetDefaults()
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), fmt.Sprintf("munshi-conv-%d", conversationID))
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace %s: %w", workDir, err)
	}
	return &bashTool{cfg: cfg, workDir: workDir}, nil
}

func (t *bashTool) Name() string { return "bash" }

func (t *bashTool) Description() string {
	return "Run a shell command in the agent workspace. Pipes and redirects are supported; " +
		"stdout and stderr are captured separately and truncated past 16 KiB each."
}

func (t *bashTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to run.",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Directory to run in. Defaults to the agent workspace.",
			},
			"timeout_ms": map[string]any{
				"type":        "integer",
				"description": "Per-command timeout in milliseconds. Defaults to the configured limit.",
			},
		},
		"required": []any{"command"},
	}
}

func (t *bashTool) Invoke(ctx context.Context, args map[string]any) (tools.Result, error) {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return tools.NewErrorResult("command is required"), nil
	}
	if reason := refusalReason(command); reason != "" {
		return tools.NewErrorResult("refused: command matches a blocked pattern (%s)", reason), nil
	}

	workDir := t.workDir
	if dir, ok := args["working_dir"].(string); ok && dir != "" {
		workDir = dir
	}
	timeout := t.cfg.Timeout
	if ms, ok := numberArg(args, "timeout_ms"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, runErr := runCommand(runCtx, command, workDir, t.cfg.EnvPassthrough)

	if err := ctx.Err(); err != nil {
		return tools.Result{}, err
	}
	timedOut := runCtx.Err() == context.DeadlineExceeded

	var execNote string
	if runErr != nil && !timedOut {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			execNote = runErr.Error()
		}
	}

	result := tools.NewResult(renderOutput(exitCode, stdout, stderr, timedOut, timeout, execNote))
	result.ExecutionTime = time.Since(start)
	result.Metadata = map[string]any{
		"command":     command,
		"working_dir": workDir,
		"exit_code":   exitCode,
	}
	return result, nil
}

// runCommand executes through sh -c with a scrubbed environment. When
// the context expires the process gets SIGTERM, then a forced kill after
// the grace period.
func runCommand(ctx context.Context, command, dir string, passthrough []string) (stdout, stderr string, exitCode int, err error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = scrubbedEnv(passthrough)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	err = cmd.Run()
	if err != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	return truncateOutput(outBuf.String()), truncateOutput(errBuf.String()), exitCode, err
}

func renderOutput(exitCode int, stdout, stderr string, timedOut bool, timeout time.Duration, execNote string) string {
	var b strings.Builder
	if timedOut {
		fmt.Fprintf(&b, "command timed out after %s (sent SIGTERM)\n", timeout)
	}
	fmt.Fprintf(&b, "exit code: %d\n", exitCode)
	if execNote != "" {
		fmt.Fprintf(&b, "error: %s\n", execNote)
	}
	if stdout != "" {
		b.WriteString("stdout:\n")
		b.WriteString(stdout)
		if !strings.HasSuffix(stdout, "\n") {
			b.WriteByte('\n')
		}
	}
	if stderr != "" {
		b.WriteString("stderr:\n")
		b.WriteString(stderr)
		if !strings.HasSuffix(stderr, "\n") {
			b.WriteByte('\n')
		}
	}
	if stdout == "" && stderr == "" && execNote == "" {
		b.WriteString("(no output)\n")
	}
	return b.String()
}

func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	cut := maxOutputBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[... output truncated]"
}

func numberArg(args map[string]any, key string) (int64, bool) {
	switch v := args[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}
