package checks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	lf "github.com/bigredeye/relgate/internal/logfield"
	"github.com/bigredeye/relgate/internal/models"
	"github.com/bigredeye/relgate/internal/storage"
)

const DefaultMaxOutput = 4 << 20

// CommandRunner runs a stage's commands through the shell and classifies the
// result. Non-zero exits are failures unless the exit code is declared as a
// tool error; anything that prevents a verdict is an error.
type CommandRunner struct {
	Dir       string
	Logs      *storage.LogStorage
	MaxOutput int64
	Logger    *zap.Logger

	// RetryBackOff builds the delay policy between attempts of a stage
	// with retries. Nil means exponential backoff.
	RetryBackOff func() backoff.BackOff
}

func NewCommandRunner(dir string, logs *storage.LogStorage, maxOutput int64, logger *zap.Logger) *CommandRunner {
	return &CommandRunner{
		Dir:       dir,
		Logs:      logs,
		MaxOutput: maxOutput,
		Logger:    logger.Named("checks"),
	}
}

func (r *CommandRunner) Run(ctx context.Context, stage models.Stage) models.Outcome {
	log := r.logger().With(lf.Stage(stage.Name))

	var policy backoff.BackOff
	if r.RetryBackOff != nil {
		policy = r.RetryBackOff()
	} else {
		policy = backoff.NewExponentialBackOff()
	}
	policy = backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(stage.Action.Retries, 0))), ctx)

	var outcome models.Outcome
	attempts := 0
	operation := func() error {
		attempts++
		outcome = r.attempt(ctx, stage, log.With(lf.Attempt(attempts)))
		if outcome.Status != models.OutcomeError {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return errors.New(outcome.Message)
	}
	notify := func(err error, delay time.Duration) {
		log.Warn("Check errored, retrying", zap.Error(err), zap.Duration("delay", delay), lf.Attempt(attempts))
	}

	_ = backoff.RetryNotify(operation, policy, notify)
	outcome.Attempts = attempts
	return outcome
}

func (r *CommandRunner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *CommandRunner) attempt(ctx context.Context, stage models.Stage, log *zap.Logger) models.Outcome {
	outcome := models.Outcome{
		Stage:     stage.Name,
		StartedAt: time.Now(),
	}
	defer func() {
		outcome.FinishedAt = time.Now()
	}()

	limit := r.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	output := &limitedBuffer{limit: limit}
	env := r.environ(stage)

	// Verdicts come only from files this attempt writes.
	if err := r.clearEvidence(stage); err != nil {
		log.Warn("Failed to clear previous evidence", zap.Error(err))
		outcome.Status = models.OutcomeError
		outcome.Message = err.Error()
		return outcome
	}

	for _, line := range stage.Action.Commands {
		status, code, msg := r.runCommand(ctx, line, env, output, stage.Action.ErrorExitCodes, log)
		outcome.ExitCode = code
		if status != models.OutcomeSuccess {
			outcome.Status = status
			outcome.Message = msg
			outcome.LogPath = r.saveLog(stage, output, log)
			return outcome
		}
	}
	outcome.LogPath = r.saveLog(stage, output, log)

	if stage.Action.Report != "" {
		findings, err := r.readReport(stage)
		if err != nil {
			log.Warn("Failed to read report", zap.Error(err))
			outcome.Status = models.OutcomeError
			outcome.Message = err.Error()
			return outcome
		}
		outcome.Findings = findings
		if blocking := Blocking(findings, stage.Action.Threshold); len(blocking) > 0 {
			threshold := stage.Action.Threshold
			if threshold == "" {
				threshold = DefaultThreshold
			}
			outcome.Status = models.OutcomeFailure
			outcome.Message = fmt.Sprintf("%d of %d findings at or above %s", len(blocking), len(findings), threshold)
			return outcome
		}
	}

	if stage.Action.ProducesImage {
		ref, err := r.imageRef(stage, output.Tail())
		if err != nil {
			outcome.Status = models.OutcomeError
			outcome.Message = err.Error()
			return outcome
		}
		outcome.Artifact = ref
		log.Info("Stage produced image", lf.Artifact(ref))
	}

	outcome.Status = models.OutcomeSuccess
	return outcome
}

func (r *CommandRunner) runCommand(ctx context.Context, line string, env []string, output *limitedBuffer, errorCodes []int, log *zap.Logger) (models.OutcomeStatus, int, string) {
	log.Debug("Running command", lf.Command(line))

	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	cmd.Dir = r.Dir
	cmd.Env = env
	cmd.Stdout = output
	cmd.Stderr = output
	// Grandchildren may keep the output pipe open after sh is killed.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if err == nil {
		log.Debug("Command finished", lf.Command(line))
		return models.OutcomeSuccess, 0, ""
	}

	if ctx.Err() != nil {
		log.Warn("Command interrupted", lf.Command(line), zap.Error(ctx.Err()))
		if ctx.Err() == context.DeadlineExceeded {
			return models.OutcomeError, -1, "Timed out"
		}
		return models.OutcomeError, -1, "Cancelled"
	}

	exitErr := &exec.ExitError{}
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		log.Info("Command exited with non-zero status", lf.Command(line), zap.Int("exit_code", code))
		if slices.Contains(errorCodes, code) {
			return models.OutcomeError, code, fmt.Sprintf("Tool error: %q exited with %d", line, code)
		}
		return models.OutcomeFailure, code, fmt.Sprintf("%q exited with %d", line, code)
	}

	log.Error("Command failed to run", lf.Command(line), zap.Error(err))
	return models.OutcomeError, -1, errors.Wrapf(err, "Failed to run %q", line).Error()
}

func (r *CommandRunner) environ(stage models.Stage) []string {
	env := os.Environ()
	env = append(env, EnvStage+"="+stage.Name)
	if stage.Action.Report != "" {
		env = append(env, EnvReport+"="+r.path(stage.Action.Report))
	}

	keys := maps.Keys(stage.Action.Env)
	slices.Sort(keys)
	for _, key := range keys {
		env = append(env, key+"="+stage.Action.Env[key])
	}
	return env
}

func (r *CommandRunner) path(name string) string {
	if filepath.IsAbs(name) || r.Dir == "" {
		return name
	}
	return filepath.Join(r.Dir, name)
}

func (r *CommandRunner) clearEvidence(stage models.Stage) error {
	for _, name := range []string{stage.Action.Report, stage.Action.ImageRefFile} {
		if name == "" {
			continue
		}
		if err := os.Remove(r.path(name)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "Failed to remove stale %s", name)
		}
	}
	return nil
}

func (r *CommandRunner) readReport(stage models.Stage) ([]models.Finding, error) {
	data, err := os.ReadFile(r.path(stage.Action.Report))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read report")
	}
	return ParseReport(data, stage.Action.ReportFormat)
}

func (r *CommandRunner) imageRef(stage models.Stage, output []byte) (string, error) {
	var ref string
	if stage.Action.ImageRefFile != "" {
		data, err := os.ReadFile(r.path(stage.Action.ImageRefFile))
		if err != nil {
			return "", errors.Wrap(err, "Failed to read image reference")
		}
		ref = strings.TrimSpace(string(data))
	} else {
		ref = lastLine(output)
	}
	if ref == "" {
		return "", errors.New("Stage produced no image reference")
	}
	return ref, nil
}

func (r *CommandRunner) saveLog(stage models.Stage, output *limitedBuffer, log *zap.Logger) string {
	if r.Logs == nil {
		return ""
	}
	path, err := r.Logs.SaveLog(stage.Action.Env[EnvRunID], stage.Name, output.Contents())
	if err != nil {
		log.Warn("Failed to save stage log", zap.Error(err))
		return ""
	}
	return path
}

func lastLine(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

const tailSize = 4 << 10

// limitedBuffer keeps the first limit bytes written to it and counts the rest.
// The last tailSize bytes are kept regardless of the limit.
type limitedBuffer struct {
	buf     bytes.Buffer
	limit   int64
	dropped int64
	tail    []byte
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.keepTail(p)
	room := b.limit - int64(b.buf.Len())
	if room <= 0 {
		b.dropped += int64(len(p))
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.buf.Write(p[:room])
		b.dropped += int64(len(p)) - room
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) keepTail(p []byte) {
	if len(p) >= tailSize {
		b.tail = append(b.tail[:0], p[len(p)-tailSize:]...)
		return
	}
	b.tail = append(b.tail, p...)
	if over := len(b.tail) - tailSize; over > 0 {
		b.tail = append(b.tail[:0], b.tail[over:]...)
	}
}

func (b *limitedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}

// Tail returns the end of everything written, including truncated output.
func (b *limitedBuffer) Tail() []byte {
	return b.tail
}

func (b *limitedBuffer) Contents() []byte {
	if b.dropped == 0 {
		return b.buf.Bytes()
	}
	return append(append([]byte{}, b.buf.Bytes()...), []byte(fmt.Sprintf("\n[relgate: %d bytes of output truncated]\n", b.dropped))...)
}
