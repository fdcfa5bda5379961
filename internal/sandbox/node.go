package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// harnessScript reads the payload from stdin, evaluates the code inside a
// vm context exposing only the snapshot, and writes the result as JSON.
const harnessScript = `"use strict";
const vm = require("vm");
const chunks = [];
process.stdin.on("data", (c) => chunks.push(c));
process.stdin.on("end", () => {
  let payload;
  try {
    payload = JSON.parse(Buffer.concat(chunks).toString("utf8"));
  } catch (err) {
    process.stderr.write(JSON.stringify({ message: "invalid payload: " + err.message }));
    process.exit(1);
  }
  const sandbox = {
    variables: payload.variables || {},
    inputs: payload.inputs || {},
    steps: payload.steps || {},
    console: console,
    JSON: JSON,
    Math: Math,
    Date: Date,
  };
  vm.createContext(sandbox);
  let result;
  try {
    result = vm.runInContext(payload.code, sandbox, { timeout: payload.timeout_ms || 30000 });
  } catch (err) {
    process.stderr.write(JSON.stringify({ message: String((err && err.message) || err) }));
    process.exit(1);
  }
  Promise.resolve(result)
    .then((value) => {
      process.stdout.write(JSON.stringify({ result: value === undefined ? null : value }));
    })
    .catch((err) => {
      process.stderr.write(JSON.stringify({ message: String((err && err.message) || err) }));
      process.exit(1);
    });
});
`

type scriptPayload struct {
	Code      string                 `json:"code"`
	Variables map[string]interface{} `json:"variables"`
	Inputs    map[string]interface{} `json:"inputs"`
	Steps     map[string]interface{} `json:"steps"`
	TimeoutMs int64                  `json:"timeout_ms,omitempty"`
}

type scriptError struct {
	Message string `json:"message"`
}

// NodeRunner executes script steps with a local node binary
type NodeRunner struct {
	nodePath string
	cacheDir string
}

// NewNodeRunner locates node on PATH and prepares the harness cache
func NewNodeRunner(cacheDir string) (*NodeRunner, error) {
	nodePath, err := exec.LookPath("node")
	if err != nil {
		return nil, fmt.Errorf("node binary not found in PATH: %w", err)
	}

	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "marktoflow-scripts")
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create script cache directory: %w", err)
	}

	return &NodeRunner{
		nodePath: nodePath,
		cacheDir: cacheDir,
	}, nil
}

var _ Runner = (*NodeRunner)(nil)

// Run evaluates code against the snapshot. The returned value is the
// script's final expression decoded from JSON.
func (r *NodeRunner) Run(ctx context.Context, code string, snapshot *Snapshot) (interface{}, error) {
	harnessPath, err := r.harness()
	if err != nil {
		return nil, err
	}

	if snapshot == nil {
		snapshot = &Snapshot{}
	}
	payload := scriptPayload{
		Code:      code,
		Variables: snapshot.Variables,
		Inputs:    snapshot.Inputs,
		Steps:     snapshot.Steps,
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			payload.TimeoutMs = remaining.Milliseconds()
		}
	}

	input, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode script payload: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.nodePath, harnessPath)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var scriptErr scriptError
		if jsonErr := json.Unmarshal(stderr.Bytes(), &scriptErr); jsonErr == nil && scriptErr.Message != "" {
			return nil, fmt.Errorf("script failed: %s", scriptErr.Message)
		}
		return nil, fmt.Errorf("script failed: %w: %s", err, stderr.String())
	}

	log.Debug().
		Dur("duration", time.Since(started)).
		Msg("script completed")

	var result struct {
		Result interface{} `json:"result"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("script produced invalid output: %w", err)
	}
	return result.Result, nil
}

// harness writes the harness script to the cache keyed by content hash so
// concurrent runs share one file.
func (r *NodeRunner) harness() (string, error) {
	hash := sha256.Sum256([]byte(harnessScript))
	name := fmt.Sprintf("harness_%s.js", hex.EncodeToString(hash[:])[:8])
	path := filepath.Join(r.cacheDir, name)

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, []byte(harnessScript), 0o644); err != nil {
		return "", fmt.Errorf("failed to write script harness: %w", err)
	}
	return path, nil
}
