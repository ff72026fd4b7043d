package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/telepilot/telepilot/log"
)

const (
	// DefaultMaxBufferSize is the maximum size of one JSON line from the child (1MB)
	DefaultMaxBufferSize = 1024 * 1024

	// DefaultStderrTailBytes bounds the retained stderr diagnostics (16KB)
	DefaultStderrTailBytes = 16 * 1024

	// GracefulTimeout is how long Close waits after closing stdin
	GracefulTimeout = 5 * time.Second

	// ForceTimeout is how long Close waits after SIGINT before SIGKILL
	ForceTimeout = 2 * time.Second
)

// Options parameterizes one assistant child process
type Options struct {
	BinaryPath   string
	Workdir      string
	Model        string
	SystemPrompt string
	HomeOverride string
	Env          map[string]string

	MaxBufferSize   int
	StderrTailBytes int
}

// Driver owns one assistant child process and its stdio framing loop.
// At most one Ask may be in flight at a time.
type Driver struct {
	opts Options

	cmd   *exec.Cmd
	stdin io.WriteCloser

	messages chan []byte
	stderr   *tailBuffer

	// done is closed by the monitor goroutine after cmd.Wait returns
	done     chan struct{}
	exitErr  error
	exitCode int

	askMu   sync.Mutex
	writeMu sync.Mutex

	mu      sync.RWMutex
	alive   bool
	closed  bool
	closing atomic.Bool

	wg sync.WaitGroup
}

// Spawn starts the assistant child in streaming JSON mode pinned to workdir
func Spawn(opts Options) (*Driver, error) {
	info, err := os.Stat(opts.Workdir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrWorkdirMissing, opts.Workdir)
	}

	binPath, err := exec.LookPath(opts.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotExecutable, opts.BinaryPath, err)
	}

	maxBuf := opts.MaxBufferSize
	if maxBuf <= 0 {
		maxBuf = DefaultMaxBufferSize
	}
	tailBytes := opts.StderrTailBytes
	if tailBytes <= 0 {
		tailBytes = DefaultStderrTailBytes
	}

	d := &Driver{
		opts:     opts,
		messages: make(chan []byte, 100),
		stderr:   newTailBuffer(tailBytes),
		done:     make(chan struct{}),
	}

	args := []string{
		"--dangerously-skip-permissions",
		"--verbose",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--strict-mcp-config",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}

	d.cmd = exec.Command(binPath, args...)
	d.cmd.Dir = opts.Workdir
	d.cmd.Env = buildEnv(opts)

	d.stdin, err = d.cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Path: binPath, Cause: err}
	}
	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Path: binPath, Cause: err}
	}
	stderr, err := d.cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Path: binPath, Cause: err}
	}

	if err := d.cmd.Start(); err != nil {
		return nil, &SpawnError{Path: binPath, Cause: err}
	}
	d.alive = true

	log.Info().
		Int("pid", d.cmd.Process.Pid).
		Str("binary", binPath).
		Str("workdir", opts.Workdir).
		Msg("assistant process started")

	d.wg.Add(2)
	go d.readStdout(stdout, maxBuf)
	go d.readStderr(stderr)
	go d.monitor()

	return d, nil
}

// buildEnv assembles the child environment. CLAUDECODE is stripped so a
// nested assistant does not think it is running inside itself; HOME is
// overridden when configured so the per-user config file location is
// predictable under service-account execution.
func buildEnv(opts Options) []string {
	env := make([]string, 0, len(os.Environ())+len(opts.Env)+1)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		if opts.HomeOverride != "" && strings.HasPrefix(kv, "HOME=") {
			continue
		}
		env = append(env, kv)
	}
	if opts.HomeOverride != "" {
		env = append(env, "HOME="+opts.HomeOverride)
	}
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// readStdout feeds inbound JSON lines to the messages channel.
// It owns the channel and closes it on EOF so Ask can detect death.
func (d *Driver) readStdout(stdout io.ReadCloser, maxBuf int) {
	defer d.wg.Done()
	defer close(d.messages)

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, maxBuf)
	scanner.Buffer(buf, maxBuf)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		dataCopy := make([]byte, len(line))
		copy(dataCopy, line)
		d.messages <- dataCopy
	}

	if err := scanner.Err(); err != nil && !d.closing.Load() {
		log.Error().Err(err).Msg("assistant stdout read error")
	}
}

func (d *Driver) readStderr(stderr io.ReadCloser) {
	defer d.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		d.stderr.Add(line)
		log.Debug().Str("stderr", line).Msg("assistant stderr")
	}
}

// monitor joins on process exit and records the outcome
func (d *Driver) monitor() {
	err := d.cmd.Wait()

	d.mu.Lock()
	d.alive = false
	d.exitErr = err
	if d.cmd.ProcessState != nil {
		d.exitCode = d.cmd.ProcessState.ExitCode()
	}
	d.mu.Unlock()

	if err != nil && !d.closing.Load() {
		log.Warn().
			Err(err).
			Int("pid", d.cmd.Process.Pid).
			Msg("assistant process exited unexpectedly")
	} else {
		log.Debug().Int("pid", d.cmd.Process.Pid).Msg("assistant process exited")
	}

	close(d.done)
}

// Ask writes one prompt frame and reads the stream up to the result frame.
// It returns the result field when present, otherwise the concatenated
// assistant text blocks. Serialized internally; callers see ErrClosed after
// Close and ErrDead when the child exits mid-request.
func (d *Driver) Ask(ctx context.Context, prompt string) (string, error) {
	d.askMu.Lock()
	defer d.askMu.Unlock()

	d.mu.RLock()
	closed, alive := d.closed, d.alive
	d.mu.RUnlock()
	if closed {
		return "", ErrClosed
	}
	if !alive {
		return "", &DeadError{StderrTail: d.stderr.String(), Cause: d.exitError()}
	}

	// Discard frames left over from startup or a previous response
	d.drainPending()

	frame := userFrame{Type: "user", Message: userMessage{Role: "user", Content: prompt}}
	data, err := json.Marshal(frame)
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrProtocol, err)
	}
	data = append(data, '\n')

	d.writeMu.Lock()
	_, err = d.stdin.Write(data)
	d.writeMu.Unlock()
	if err != nil {
		return "", &DeadError{StderrTail: d.stderr.String(), Cause: err}
	}

	var acc strings.Builder
	for {
		select {
		case raw, ok := <-d.messages:
			if !ok {
				return "", &DeadError{
					Partial:    acc.String(),
					StderrTail: d.stderr.String(),
					Cause:      d.exitError(),
				}
			}

			var f inboundFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				// Not a frame we understand; skip the line
				log.Debug().Str("line", string(raw)).Msg("skipping unparseable assistant output")
				continue
			}

			switch f.Type {
			case "assistant":
				if f.Message != nil {
					for _, block := range f.Message.Content {
						if block.Type == "text" {
							acc.WriteString(block.Text)
						}
					}
				}
			case "result":
				if f.Result != nil {
					return *f.Result, nil
				}
				return acc.String(), nil
			default:
				// system, tool activity, etc: consumed, no content
			}

		case <-ctx.Done():
			return acc.String(), ctx.Err()
		}
	}
}

// drainPending removes any buffered frames without blocking
func (d *Driver) drainPending() {
	for {
		select {
		case _, ok := <-d.messages:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Close shuts the child down: stdin EOF, then SIGINT after GracefulTimeout,
// then SIGKILL after ForceTimeout. Idempotent; blocks until the process has
// been reaped.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.closing.Store(true)

	d.writeMu.Lock()
	d.stdin.Close()
	d.writeMu.Unlock()

	select {
	case <-d.done:
	case <-time.After(GracefulTimeout):
		log.Warn().Int("pid", d.cmd.Process.Pid).Msg("assistant did not exit after stdin close, sending SIGINT")
		d.cmd.Process.Signal(syscall.SIGINT)

		select {
		case <-d.done:
		case <-time.After(ForceTimeout):
			log.Warn().Int("pid", d.cmd.Process.Pid).Msg("assistant ignored SIGINT, sending SIGKILL")
			d.cmd.Process.Kill()
			<-d.done
		}
	}

	// Unblock the stdout reader if it is parked on a full channel
	go func() {
		for range d.messages {
		}
	}()
	d.wg.Wait()

	log.Debug().Int("pid", d.cmd.Process.Pid).Msg("assistant process closed")
	return nil
}

// Wait blocks until the child has exited
func (d *Driver) Wait() (int, error) {
	<-d.done
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.exitCode, d.exitErr
}

// Alive reports whether the child process is still running
func (d *Driver) Alive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.alive && !d.closed
}

// Pid returns the child process id
func (d *Driver) Pid() int {
	return d.cmd.Process.Pid
}

// StderrTail returns the retained tail of the child's stderr
func (d *Driver) StderrTail() string {
	return d.stderr.String()
}

func (d *Driver) exitError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.exitErr
}
