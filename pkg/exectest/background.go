// Package exectest helps tests run subprocesses in the background, such as
// the ephemeral Redis server or a locally spawned worker.
package exectest

import (
	"bytes"
	"os/exec"
	"strings"
	"sync"
	"testing"
)

// Background runs a command in the background of a test, capturing output
// into the test log.
type Background struct {
	tb   testing.TB
	Cmd  *exec.Cmd
	Name string // log line prefix

	wg      sync.WaitGroup
	done    chan struct{}
	err     error
	errLock sync.Mutex
}

// NewBackground prepares a command to run in the background of a test.
func NewBackground(tb testing.TB, cmd *exec.Cmd) *Background {
	return &Background{tb: tb, Cmd: cmd, done: make(chan struct{})}
}

// Start spawns the process. Accessing Cmd afterwards is unsafe until Close
// returns. Can only be called once.
func (b *Background) Start() {
	prefix := b.Name
	if prefix != "" {
		prefix += ": "
	}
	b.Cmd.Stdout = &logWriter{tb: b.tb, prefix: prefix}
	b.Cmd.Stderr = &logWriter{tb: b.tb, prefix: prefix}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(b.done)
		err := b.Cmd.Run()
		b.errLock.Lock()
		b.err = err
		b.errLock.Unlock()
	}()
}

// Close kills the process if still running and waits for exit.
// It must be called before the test returns and is idempotent.
func (b *Background) Close() {
	if b.Cmd.Process != nil {
		_ = b.Cmd.Process.Kill()
	}
	b.wg.Wait()
}

// Done closes when the command exits.
func (b *Background) Done() <-chan struct{} { return b.done }

// Err returns the process exit error, if any.
func (b *Background) Err() error {
	b.errLock.Lock()
	defer b.errLock.Unlock()
	return b.err
}

// logWriter forwards complete lines of subprocess output to the test log.
type logWriter struct {
	tb     testing.TB
	prefix string
	buf    bytes.Buffer
}

func (w *logWriter) Write(buf []byte) (int, error) {
	w.buf.Write(buf)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line, keep buffering.
			w.buf.WriteString(line)
			break
		}
		w.tb.Log(w.prefix + strings.TrimRight(line, "\n"))
	}
	return len(buf), nil
}
