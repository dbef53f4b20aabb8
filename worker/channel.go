package worker

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// maxStderrLineSize bounds a single stderr line; stdout lines are unbounded.
const maxStderrLineSize = 1024 * 1024

// Publisher receives every line the worker writes to stdout.
// Close is called once stdout has ended and no more lines will be published.
type Publisher interface {
	Publish(record string) int
	Close()
}

// Command describes how to launch the worker.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// DefaultCommand runs the worker from source in the working directory.
var DefaultCommand = Command{Path: "go", Args: []string{"run", "main.go"}}

// Channel owns the worker's stdin and stdout.
type Channel struct {
	log *zap.SugaredLogger
	pub Publisher

	// m serializes writes to stdin, which does not support concurrent writers.
	m           sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool

	stdout io.Reader

	cmd      *exec.Cmd
	stderrWG sync.WaitGroup
	exitCode int

	done     chan struct{}
	stopOnce sync.Once
}

// New builds a Channel over existing streams. Start is the usual constructor.
func New(log *zap.SugaredLogger, stdin io.WriteCloser, stdout io.Reader, pub Publisher) *Channel {
	return &Channel{
		log:      log,
		pub:      pub,
		stdin:    stdin,
		stdout:   stdout,
		exitCode: -1,
		done:     make(chan struct{}),
	}
}

// Start launches the worker with its stdin and stdout captured.
// Stderr is forwarded line by line to the logger.
// The caller must run ReadLoop to start publishing events.
func Start(log *zap.SugaredLogger, command Command, pub Publisher) (*Channel, error) {
	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ProcessSpawnError{Command: command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ProcessSpawnError{Command: command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ProcessSpawnError{Command: command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &ProcessSpawnError{Command: command, Err: err}
	}
	log.Infow("worker started", "Command", command.String(), "PID", cmd.Process.Pid)

	c := New(log, stdin, stdout, pub)
	c.cmd = cmd
	c.stderrWG.Add(1)
	go c.logStderr(stderr)
	return c, nil
}

func (c *Channel) logStderr(r io.Reader) {
	defer c.stderrWG.Done()
	log := c.log.Named("stderr")
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStderrLineSize)
	for scanner.Scan() {
		log.Infow("worker stderr", "Line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.Debugf("stderr scanner error: %s", err)
	}
}

// ReadLoop publishes each stdout line until stdout closes, then closes the publisher.
// It blocks, so run it on its own goroutine. It is not cancellable; it ends only when the worker's stdout does.
func (c *Channel) ReadLoop() {
	defer close(c.done)

	reader := bufio.NewReader(c.stdout)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			line = trimEOL(line)
			c.log.Debugw("worker event", "Line", line)
			c.pub.Publish(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				c.log.Debugf("stdout read error: %s", err)
			}
			break
		}
	}
	c.log.Info("worker stdout closed, no more events will be published")
	c.pub.Close()
	c.reap()
}

func trimEOL(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}

// reap waits for the process once all of its output has been read.
func (c *Channel) reap() {
	if c.cmd == nil {
		return
	}
	c.stderrWG.Wait()
	err := c.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			c.log.Debugf("unexpected wait error: %s", err)
		}
	}
	c.exitCode = c.cmd.ProcessState.ExitCode()
	c.log.Infow("worker exited", "PID", c.cmd.Process.Pid, "ExitCode", c.exitCode)
}

// Send writes the command and a trailing newline to the worker's stdin.
// Failures are logged and dropped; they are never returned to the caller.
func (c *Channel) Send(command string) {
	if err := c.write(command); err != nil {
		c.log.Warnw("dropping command", "Error", err)
	}
}

func (c *Channel) write(command string) error {
	b := make([]byte, 0, len(command)+1)
	b = append(b, command...)
	b = append(b, '\n')

	c.m.Lock()
	defer c.m.Unlock()
	if c.stdinClosed {
		return &WriteError{Err: os.ErrClosed}
	}
	if _, err := c.stdin.Write(b); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// Done is closed once the read loop has ended.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Running reports whether the worker's stdout is still open.
func (c *Channel) Running() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the worker's exit code, or -1 if it has not been reaped.
// It is only meaningful after Done is closed.
func (c *Channel) ExitCode() int {
	select {
	case <-c.done:
		return c.exitCode
	default:
		return -1
	}
}

// Stop closes stdin and kills the worker. It is safe to call more than once.
func (c *Channel) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.m.Lock()
		c.stdinClosed = true
		closeErr := c.stdin.Close()
		c.m.Unlock()
		if closeErr != nil {
			c.log.Debugf("error closing stdin: %s", closeErr)
		}
		if c.cmd != nil && c.cmd.Process != nil {
			c.log.Debugw("killing worker", "PID", c.cmd.Process.Pid)
			if killErr := c.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
				err = killErr
			}
		}
	})
	return err
}
