// Package worker is the container side of the wire protocol: a main loop
// that serves an environment adapter over JSON lines on stdin/stdout.
// Binaries built on it run inside worker containers, not in the server
// process.
package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Result is what an adapter returns from init and step
type Result struct {
	Observation string
	Reward      float64
	Done        bool
	Info        map[string]interface{}
}

// Adapter is the contract an environment implements. InitEnv may be called
// again mid-life to start a fresh episode on the same worker.
type Adapter interface {
	InitEnv(envID string, params map[string]interface{}) (Result, error)
	StepEnv(action string) (Result, error)
}

// Closer is implemented by adapters that hold resources to release when
// stdin closes
type Closer interface {
	Close() error
}

// Runtime drives the protocol between an adapter and a stream pair
type Runtime struct {
	Adapter Adapter

	in  io.Reader
	out io.Writer

	initialized bool
	done        bool
}

// NewRuntime wires an adapter to explicit streams. Tests use this to feed
// the loop entirely in memory.
func NewRuntime(adapter Adapter, in io.Reader, out io.Writer) *Runtime {
	return &Runtime{Adapter: adapter, in: in, out: out}
}

// Run serves the protocol on the process's real stdin/stdout. Stdout is
// repointed at stderr first, keeping a private handle for protocol writes,
// so library chatter cannot corrupt the stream.
func Run(adapter Adapter) error {
	protocol := os.Stdout
	os.Stdout = os.Stderr
	return NewRuntime(adapter, os.Stdin, protocol).Serve()
}

// Serve reads one command per line until the input closes, then runs the
// adapter's Close if it has one
func (r *Runtime) Serve() error {
	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd := map[string]interface{}{}
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			r.sendError(fmt.Sprintf("Invalid JSON: %v", err))
			continue
		}

		switch cmd["cmd"] {
		case "init":
			r.handleInit(cmd)
		case "step":
			r.handleStep(cmd)
		default:
			r.sendError(fmt.Sprintf("Unknown command: %v", cmd["cmd"]))
		}
	}

	if closer, ok := r.Adapter.(Closer); ok {
		_ = closer.Close()
	}
	return scanner.Err()
}

func (r *Runtime) handleInit(cmd map[string]interface{}) {
	envID, _ := cmd["env_id"].(string)

	// everything except cmd and env_id is params
	params := map[string]interface{}{}
	for k, v := range cmd {
		if k == "cmd" || k == "env_id" {
			continue
		}
		params[k] = v
	}

	result, err := r.Adapter.InitEnv(envID, params)
	if err != nil {
		r.sendError(fmt.Sprintf("Init failed: %v", err))
		return
	}

	r.initialized = true
	r.done = result.Done
	r.send(result)
}

func (r *Runtime) handleStep(cmd map[string]interface{}) {
	if !r.initialized {
		r.sendError("Environment not initialized")
		return
	}
	if r.done {
		r.sendError("Episode is already done")
		return
	}

	action, _ := cmd["action"].(string)
	result, err := r.Adapter.StepEnv(action)
	if err != nil {
		r.sendError(fmt.Sprintf("Step failed: %v", err))
		return
	}

	r.done = result.Done
	r.send(result)
}

func (r *Runtime) send(result Result) {
	resp := map[string]interface{}{
		"status":      "ok",
		"observation": result.Observation,
		"reward":      result.Reward,
		"done":        result.Done,
	}
	// info keys are spread flat into the response
	for k, v := range result.Info {
		resp[k] = v
	}
	r.write(resp)
}

func (r *Runtime) sendError(message string) {
	r.write(map[string]interface{}{"status": "error", "message": message})
}

func (r *Runtime) write(obj map[string]interface{}) {
	payload, err := json.Marshal(obj)
	if err != nil {
		payload, _ = json.Marshal(map[string]interface{}{
			"status":  "error",
			"message": fmt.Sprintf("unserializable response: %v", err),
		})
	}
	_, _ = r.out.Write(append(payload, '\n'))
}
