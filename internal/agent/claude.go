package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/prompts"
)

// sessionNamespace is a fixed UUID namespace for deterministic session IDs,
// so each phase attempt maps to one resumable Claude session
var sessionNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// outputTail is how many trailing output lines are kept for error extraction
const outputTail = 50

// ClaudeRunner runs phases through the Claude Code CLI
type ClaudeRunner struct {
	Command    string
	Model      string
	WorkDir    string
	ExtraArgs  []string
	Repo       string // owner/repo, passed to the prompt
	BaseBranch string
	Prompts    *prompts.Loader
	Log        *zap.Logger

	// WaitDelay bounds how long output pipes may stay open after the process
	// was killed on timeout
	WaitDelay time.Duration
}

// SessionID returns the deterministic Claude session ID of a phase attempt
func SessionID(adwID, phase string, attempt int) string {
	return uuid.NewSHA1(sessionNamespace, []byte(fmt.Sprintf("%s/%s/%d", adwID, phase, attempt))).String()
}

// Execute renders the phase prompt and runs the agent until it exits or ctx is done
func (r *ClaudeRunner) Execute(ctx context.Context, req Request) (*Result, error) {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("adw_id", req.ADWID), zap.String("phase", string(req.Phase)))

	loader := r.Prompts
	if loader == nil {
		loader = prompts.NewLoader()
	}
	prompt, err := loader.BuildPhasePrompt(prompts.PhaseData{
		ADWID:       req.ADWID,
		IssueNumber: req.IssueNumber,
		Workflow:    req.WorkflowType,
		Phase:       req.Phase,
		Attempt:     req.Attempt,
		Repo:        r.Repo,
		BaseBranch:  r.BaseBranch,
		Prior:       req.Prior,
	})
	if err != nil {
		return nil, fmt.Errorf("building prompt: %w", err)
	}

	sessionID := SessionID(req.ADWID, string(req.Phase), req.Attempt)
	cmd := r.buildCommand(ctx, sessionID, prompt)

	// The process writes into our pipes so that Wait, and with it WaitDelay,
	// owns the copying even if a child process keeps the descriptors open.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	out := &streamState{}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.readLines(stdoutR, out, log, true)
	}()
	go func() {
		defer wg.Done()
		r.readLines(stderrR, out, log, false)
	}()
	closePipes := func() {
		stdoutW.Close()
		stderrW.Close()
		wg.Wait()
	}

	if err := cmd.Start(); err != nil {
		closePipes()
		if errors.Is(err, exec.ErrNotFound) {
			res := Failed(fmt.Sprintf("agent unavailable: %v", err), domain.KindAgentUnavailable)
			res.SessionID = sessionID
			return res, nil
		}
		return nil, fmt.Errorf("starting %s: %w", cmd.Path, err)
	}
	log.Info("agent started", zap.Int("pid", cmd.Process.Pid), zap.String("session_id", sessionID))

	waitErr := cmd.Wait()
	closePipes()
	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Warn("agent interrupted", zap.Error(ctxErr))
		return nil, ctxErr
	}

	res := out.result(waitErr)
	res.SessionID = sessionID
	log.Info("agent finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("tokens_input", res.TokensInput),
		zap.Int("tokens_output", res.TokensOutput),
		zap.Float64("cost_usd", res.CostUSD))
	return res, nil
}

// buildCommand creates the Claude Code invocation
func (r *ClaudeRunner) buildCommand(ctx context.Context, sessionID, prompt string) *exec.Cmd {
	args := []string{
		"--print",                        // Non-interactive mode
		"--verbose",                      // Required for stream-json output
		"--dangerously-skip-permissions", // Skip permission prompts
		"--output-format", "stream-json", // Stream output as JSON for realtime updates
		"--session-id", sessionID,        // Named session for resume capability
	}
	if r.Model != "" {
		args = append(args, "--model", r.Model)
	}
	args = append(args, r.ExtraArgs...)
	args = append(args, "-p", prompt)

	command := r.Command
	if command == "" {
		command = "claude"
	}
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = r.WorkDir
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	return cmd
}

func (r *ClaudeRunner) readLines(rd io.Reader, out *streamState, log *zap.Logger, isStdout bool) {
	scanner := bufio.NewScanner(rd)
	// Increase buffer size for long JSON lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		out.add(line, isStdout)
		log.Debug("agent output", zap.String("line", truncate(line, 500)))
	}
	if err := scanner.Err(); err != nil {
		log.Warn("reading agent output", zap.Error(err))
		// Keep draining so the writer never blocks.
		io.Copy(io.Discard, rd)
	}
}

// streamState collects what the agent printed
type streamState struct {
	mu     sync.Mutex
	final  *resultMessage
	tail   []string
	stderr []string
}

func (s *streamState) add(line string, isStdout bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if isStdout {
		if msg, ok := parseResultLine(line); ok {
			s.final = msg
		}
	} else if strings.TrimSpace(line) != "" {
		s.stderr = appendTail(s.stderr, line)
	}
	s.tail = appendTail(s.tail, line)
}

// result turns the collected output and the process exit status into a Result
func (s *streamState) result(waitErr error) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := &Result{}
	if s.final != nil {
		res.TokensInput = s.final.Usage.InputTokens
		res.TokensOutput = s.final.Usage.OutputTokens
		res.CostUSD = s.final.cost()
	}

	if waitErr != nil {
		msg := waitErr.Error()
		if extracted := extractError(s.tail); extracted != "" {
			msg = fmt.Sprintf("%s: %s", msg, extracted)
		} else if len(s.stderr) > 0 {
			msg = fmt.Sprintf("%s: %s", msg, s.stderr[len(s.stderr)-1])
		}
		res.Outcome = OutcomeFailure
		res.ErrorMessage = msg
		return res
	}

	if s.final == nil {
		res.Outcome = OutcomeFailure
		res.ErrorMessage = "agent exited without a result message"
		return res
	}

	report, found, err := parseReport(s.final.Result)
	switch {
	case err != nil:
		res.Outcome = OutcomeFailure
		res.ErrorMessage = err.Error()
	case s.final.IsError:
		res.Outcome = OutcomeFailure
		res.ErrorMessage = firstNonEmpty(report.Error, s.final.Result, s.final.Subtype)
		res.KindHint = report.kind()
	case found && report.Status == string(OutcomeFailure):
		res.Outcome = OutcomeFailure
		res.ErrorMessage = firstNonEmpty(report.Error, "agent reported failure")
		res.KindHint = report.kind()
	default:
		res.Outcome = OutcomeSuccess
		res.Artifacts = report.artifacts()
		if res.Artifacts.Summary == "" {
			res.Artifacts.Summary = truncate(firstLine(s.final.Result), 280)
		}
	}
	return res
}

func appendTail(lines []string, line string) []string {
	lines = append(lines, line)
	if len(lines) > outputTail {
		lines = lines[len(lines)-outputTail:]
	}
	return lines
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
