package taskexec

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/swarmguard/taskgraph/internal/schema"
	"github.com/swarmguard/taskgraph/internal/task"
)

// ShellExecutor runs a whitelisted shell command, adapted from the
// teacher's ShellPlugin (services/orchestrator/plugins.go) including its
// command whitelist; DANGEROUS if the whitelist is ever widened carelessly.
type ShellExecutor struct {
	allowed map[string]bool
}

var defaultShellWhitelist = map[string]bool{
	"echo": true,
	"cat":  true,
	"grep": true,
	"awk":  true,
	"sed":  true,
	"jq":   true,
	"curl": true,
	"wget": true,
}

// NewShellExecutorFromConfig builds a ShellExecutor; extras may carry
// "allow" ([]any of command names) to extend the default whitelist.
func NewShellExecutorFromConfig(extras map[string]any) (task.Executor, error) {
	allowed := make(map[string]bool, len(defaultShellWhitelist))
	for k, v := range defaultShellWhitelist {
		allowed[k] = v
	}
	if raw, ok := extras["allow"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				allowed[s] = true
			}
		}
	}
	return &ShellExecutor{allowed: allowed}, nil
}

func (e *ShellExecutor) Type() string     { return "shell" }
func (e *ShellExecutor) Category() string { return "compute" }
func (e *ShellExecutor) Cacheable() bool  { return false }

func (e *ShellExecutor) InputSchema() *schema.Schema {
	return schema.New(
		[]string{"command"},
		map[string]schema.Property{"command": {Type: schema.TypeString}},
		[]string{"command"},
	)
}

func (e *ShellExecutor) OutputSchema() *schema.Schema {
	return schema.New(
		[]string{"stdout", "stderr", "exitCode"},
		map[string]schema.Property{
			"stdout":   {Type: schema.TypeString},
			"stderr":   {Type: schema.TypeString},
			"exitCode": {Type: schema.TypeInteger},
		},
		[]string{"exitCode"},
	)
}

func (e *ShellExecutor) Execute(ctx *task.ExecuteContext, input map[string]any) (map[string]any, error) {
	command, _ := input["command"].(string)
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("taskexec: empty shell command")
	}
	if !e.allowed[parts[0]] {
		return nil, fmt.Errorf("taskexec: command not allowed: %s", parts[0])
	}

	cmdCtx := ctxFromSignal(ctx.Signal)
	cmd := exec.CommandContext(cmdCtx, parts[0], parts[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if runErr != nil && cmd.ProcessState == nil {
		return nil, fmt.Errorf("taskexec: shell command failed to start: %w", runErr)
	}
	return map[string]any{
		"stdout":   stdout.String(),
		"stderr":   stderr.String(),
		"exitCode": exitCode,
	}, nil
}
