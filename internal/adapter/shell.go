package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"
)

// ShellExecutor runs a shell command and captures its streams. Commands run
// relative to the workflow file's directory unless `dir` overrides it.
type ShellExecutor struct{}

func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{}
}

func (e *ShellExecutor) Name() string {
	return "shell"
}

func (e *ShellExecutor) Execute(ctx context.Context, req *Request) (interface{}, error) {
	command, err := req.RequireString("command")
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = req.String("dir", req.BasePath)

	cmd.Env = os.Environ()
	for key, value := range req.StringMap("env") {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	if stdin := req.String("stdin", ""); stdin != "" {
		cmd.Stdin = bytes.NewReader([]byte(stdin))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to run command: %w", runErr)
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	log.Debug().
		Str("step_id", req.StepID).
		Int("exit_code", exitCode).
		Msg("shell command completed")

	output := map[string]interface{}{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}

	// structured commands can hand back JSON on stdout
	var decoded interface{}
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err == nil {
		output["json"] = decoded
	}

	if exitCode != 0 && !req.Bool("allow_failure", false) {
		return nil, fmt.Errorf("command exited with status %d: %s", exitCode, truncate(stderr.String(), 200))
	}
	return output, nil
}
