package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Request is the JSON document a bridge process reads from stdin.
type Request struct {
	Action    string   `json:"action"`
	Weights   string   `json:"weights,omitempty"`
	Data      string   `json:"data,omitempty"`
	Source    string   `json:"source,omitempty"`
	Conf      float64  `json:"conf"`
	Epochs    int      `json:"epochs,omitempty"`
	Batch     int      `json:"batch,omitempty"`
	ImageSize int      `json:"imgsz,omitempty"`
	Name      string   `json:"name,omitempty"`
	Project   string   `json:"project,omitempty"`
	Save      bool     `json:"save,omitempty"`
	Modules   []string `json:"modules,omitempty"`
}

// Response is the JSON document a bridge process writes to stdout.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Bridge runs one interpreter process per request, exchanging JSON over stdio.
type Bridge struct {
	// Command is the interpreter executable.
	Command string
	// Args are passed before any request data, typically the script path.
	Args []string
	// Dir is the working directory of the process.
	Dir string
	// Timeout bounds each call. Zero means the call runs until ctx is done.
	Timeout time.Duration
}

// Execute marshals req to the process's stdin and parses its stdout as a Response.
// Anything the process writes to stderr is relayed to the debug log.
func (b *Bridge) Execute(ctx context.Context, req *Request) (*Response, error) {
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, b.Command, b.Args...)
	cmd.Dir = b.Dir

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	cmd.Stdin = bytes.NewReader(reqJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	relayStderr(req.Action, stderr.String())

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("engine %s timed out after %s", req.Action, b.Timeout)
	}
	if err != nil {
		if tail := lastLines(stderr.String(), 5); tail != "" {
			return nil, fmt.Errorf("engine %s failed: %w, stderr: %s", req.Action, err, tail)
		}
		return nil, fmt.Errorf("engine %s failed: %w", req.Action, err)
	}

	var response Response
	if err := json.Unmarshal(lastJSONLine(stdout.Bytes()), &response); err != nil {
		return nil, fmt.Errorf("failed to parse engine response: %w, stdout: %s", err, stdout.String())
	}

	log.WithFields(log.Fields{
		"action":  req.Action,
		"elapsed": time.Since(start).Round(time.Millisecond),
		"success": response.Success,
	}).Debug("engine call finished")

	return &response, nil
}

// Call executes req and decodes a successful response's data into out.
func (b *Bridge) Call(ctx context.Context, req *Request, out any) error {
	resp, err := b.Execute(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success {
		if resp.Error == "" {
			resp.Error = "unknown error"
		}
		return fmt.Errorf("engine %s: %s", req.Action, resp.Error)
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", req.Action, err)
	}
	return nil
}

// lastJSONLine picks the final non-empty stdout line; frameworks often print
// progress to stdout before the response.
func lastJSONLine(out []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		l := bytes.TrimSpace(lines[i])
		if len(l) > 0 && l[0] == '{' {
			return l
		}
	}
	return bytes.TrimSpace(out)
}

func relayStderr(action, s string) {
	if s == "" {
		return
	}
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			log.WithField("action", action).Debug(line)
		}
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
