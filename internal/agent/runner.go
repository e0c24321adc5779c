package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/coderelay/coderelay/internal/config"
	"github.com/coderelay/coderelay/internal/logger"
	"github.com/coderelay/coderelay/internal/models"
)

// killGracePeriod is how long KillAll waits after SIGTERM before escalating.
const killGracePeriod = 5 * time.Second

// StreamCallback receives each parsed update as it arrives. A returned
// error is logged and does not abort the stream.
type StreamCallback func(models.StreamUpdate) error

// ExecuteRequest describes one agent invocation.
type ExecuteRequest struct {
	Prompt           string
	WorkingDirectory string
	SessionID        string
	Continue         bool
	OnStream         StreamCallback
}

type invocation struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Runner spawns the agent CLI, consumes its stream-json output, and
// aggregates the final response. In-flight processes are tracked in a
// registry keyed by an opaque invocation id so KillAll can reach them.
type Runner struct {
	settings *config.Settings

	mu     sync.Mutex
	active map[string]*invocation
}

// NewRunner creates a runner for the configured agent binary.
func NewRunner(settings *config.Settings) *Runner {
	return &Runner{
		settings: settings,
		active:   make(map[string]*invocation),
	}
}

// Name identifies the runner when used as an execution backend.
func (r *Runner) Name() string { return "subprocess" }

// BuildArgs constructs the argument vector for one invocation. Arguments
// are always passed as a vector, never through a shell.
//
// Four cases: new session (no id, no continue), continue most recent
// (continue, empty prompt), resume by id with a new prompt, and resume by
// id without a prompt.
func (r *Runner) BuildArgs(prompt, sessionID string, continueSession bool) []string {
	var args []string

	if continueSession {
		if prompt == "" {
			args = append(args, "--continue")
		}
		if sessionID != "" {
			args = append(args, "--resume", sessionID)
		}
		if prompt != "" {
			args = append(args, "-p", prompt)
		}
	} else if prompt != "" {
		args = append(args, "-p", prompt)
	}

	args = append(args, "--output-format", "stream-json", "--verbose")
	args = append(args, "--max-turns", strconv.Itoa(r.settings.MaxTurns))

	if len(r.settings.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(r.settings.AllowedTools, ","))
	}
	return args
}

// Execute runs one agent invocation to completion.
//
// Failures of the agent itself (bad exit, timeout) are recovered into an
// error Response; failures to launch at all (missing binary, bad working
// directory) are returned as errors.
func (r *Runner) Execute(ctx context.Context, req *ExecuteRequest) (*models.Response, error) {
	if info, err := os.Stat(req.WorkingDirectory); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("working directory %q is not usable: %w", req.WorkingDirectory, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.settings.Timeout())
	defer cancel()

	args := r.BuildArgs(req.Prompt, req.SessionID, req.Continue)
	cmd := exec.CommandContext(runCtx, r.settings.AgentBinary, args...)
	cmd.Dir = req.WorkingDirectory
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	id := uuid.NewString()
	inv := &invocation{cmd: cmd, done: make(chan struct{})}
	r.register(id, inv)
	defer func() {
		r.unregister(id)
		close(inv.done)
	}()

	var stderrBuf strings.Builder
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		_, _ = io.Copy(&stderrBuf, stderr)
	}()

	// Wait closes the pipes, so both reads must finish first or the tail
	// of stderr can be lost.
	state := r.consumeStream(stdout, req)
	<-stderrDone

	waitErr := cmd.Wait()

	if state.malformed > 0 {
		logger.Debugf("agent stream contained %d malformed lines", state.malformed)
	}
	if state.evicted > 0 {
		logger.Debugf("agent stream exceeded buffer cap, evicted %d updates", state.evicted)
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		logger.Warnf("agent invocation %s timed out after %s", id, r.settings.Timeout())
		return &models.Response{
			Content:    "Agent did not complete within the configured timeout",
			SessionID:  req.SessionID,
			DurationMS: time.Since(started).Milliseconds(),
			IsError:    true,
			ErrorType:  models.ErrorTypeTimeout,
			ToolsUsed:  state.toolsUsed,
		}, nil
	}

	if state.resultRaw != nil {
		return ParseResult(state.resultRaw, state.toolsUsed), nil
	}

	detail := strings.TrimSpace(stderrBuf.String())
	if detail == "" {
		if waitErr != nil {
			detail = waitErr.Error()
		} else {
			detail = "agent exited without a result message"
		}
	}
	logger.Errorf("agent invocation %s failed: %s", id, detail)
	return &models.Response{
		Content:    detail,
		SessionID:  req.SessionID,
		DurationMS: time.Since(started).Milliseconds(),
		IsError:    true,
		ErrorType:  models.ErrorTypeProcessFailed,
		ToolsUsed:  state.toolsUsed,
	}, nil
}

type streamState struct {
	toolsUsed []models.ToolUse
	resultRaw map[string]any
	buffered  int
	malformed int
	evicted   int
}

// consumeStream reads stdout in bounded chunks, splitting on newlines and
// buffering any trailing partial line across reads.
func (r *Runner) consumeStream(stdout io.Reader, req *ExecuteRequest) *streamState {
	state := &streamState{}
	buf := make([]byte, r.settings.StreamChunkSize)
	var pending []byte

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := string(pending[:idx])
				pending = pending[idx+1:]
				r.handleLine(line, req, state)
			}
		}
		if err != nil {
			if len(pending) > 0 {
				r.handleLine(string(pending), req, state)
			}
			return state
		}
	}
}

func (r *Runner) handleLine(line string, req *ExecuteRequest, state *streamState) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		state.malformed++
		return
	}
	msgType, ok := raw["type"].(string)
	if !ok || msgType == "" {
		state.malformed++
		return
	}

	if msgType == models.UpdateTypeResult {
		state.resultRaw = raw
		return
	}

	update := ParseMessage(raw)
	if update == nil {
		// Unknown type: forward-compatible no-op.
		return
	}

	for _, tc := range update.ToolCalls {
		state.toolsUsed = append(state.toolsUsed, models.ToolUse{
			Name:      tc.Name,
			Timestamp: updateTimestamp(update),
		})
	}

	// Tool usage and the result accumulate separately, so raw updates are
	// only counted against the cap, never retained. Live delivery below
	// continues past it.
	if state.buffered >= r.settings.MaxBufferedMessages {
		state.evicted++
	} else {
		state.buffered++
	}

	if req.OnStream != nil {
		if err := req.OnStream(*update); err != nil {
			logger.Warnf("stream callback failed, continuing: %v", err)
		}
	}
}

func updateTimestamp(update *models.StreamUpdate) time.Time {
	if update.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, update.Timestamp); err == nil {
			return ts
		}
	}
	return time.Now().UTC()
}

func (r *Runner) register(id string, inv *invocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[id] = inv
}

func (r *Runner) unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

// ActiveProcessCount returns the number of in-flight invocations.
func (r *Runner) ActiveProcessCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// KillAll terminates every in-flight agent process: SIGTERM first, then a
// hard kill for stragglers after a grace period. Individual failures are
// logged and do not stop the sweep.
func (r *Runner) KillAll(ctx context.Context) {
	r.mu.Lock()
	snapshot := r.active
	r.active = make(map[string]*invocation)
	r.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	logger.Infof("killing %d active agent processes", len(snapshot))

	g, _ := errgroup.WithContext(ctx)
	for id, inv := range snapshot {
		g.Go(func() error {
			proc := inv.cmd.Process
			if proc == nil {
				return nil
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				logger.Warnf("terminate agent process %s: %v", id, err)
			}
			select {
			case <-inv.done:
				return nil
			case <-time.After(killGracePeriod):
			}
			if err := proc.Kill(); err != nil {
				logger.Warnf("kill agent process %s: %v", id, err)
			}
			select {
			case <-inv.done:
			case <-time.After(killGracePeriod):
				logger.Errorf("agent process %s did not exit after kill", id)
			}
			return nil
		})
	}
	_ = g.Wait()
}
