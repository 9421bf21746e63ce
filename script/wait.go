package script

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"
)

type handleKind int

const (
	processHandle handleKind = iota
	taskHandle
)

// A WaitHandle is one in-flight deferred operation: either an external
// process or a goroutine task. It must be waited for exactly once.
type WaitHandle struct {
	kind handleKind
	cmd  *exec.Cmd // processHandle only

	stdout bytes.Buffer
	stderr bytes.Buffer
	done   chan struct{}
	err    error

	mu     sync.Mutex
	waited bool
}

// StartProcess starts cmd with its standard streams captured.
func StartProcess(cmd *exec.Cmd) (*WaitHandle, error) {
	h := &WaitHandle{kind: processHandle, cmd: cmd, done: make(chan struct{})}
	cmd.Stdout = &h.stdout
	cmd.Stderr = &h.stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		// Wait returns once both streams are drained.
		h.err = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// Go runs fn in its own goroutine. A panic in fn is reported as an error.
func Go(fn func() error) *WaitHandle {
	return GoOutput(func(io.Writer, io.Writer) error { return fn() })
}

// GoOutput is like Go, but the task writes its output to stdout and stderr.
// The writers must not be used after fn returns.
func GoOutput(fn func(stdout, stderr io.Writer) error) *WaitHandle {
	h := &WaitHandle{kind: taskHandle, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.err = fmt.Errorf("panic: %v", r)
			}
		}()
		h.err = fn(&h.stdout, &h.stderr)
	}()
	return h
}

// Wait blocks until the operation completes and returns its captured
// output. A second call returns ErrAlreadyWaited.
func (h *WaitHandle) Wait() (stdout, stderr string, err error) {
	h.mu.Lock()
	if h.waited {
		h.mu.Unlock()
		return "", "", ErrAlreadyWaited
	}
	h.waited = true
	h.mu.Unlock()

	<-h.done
	return h.stdout.String(), h.stderr.String(), h.err
}

// Kill stops a running process: it is interrupted first, then killed if it
// is still running after grace. Tasks cannot be stopped and are left to
// complete on their own.
func (h *WaitHandle) Kill(grace time.Duration) error {
	if h.kind != processHandle {
		return nil
	}
	select {
	case <-h.done:
		return nil
	default:
	}

	if runtime.GOOS == "windows" {
		return ignoreFinished(h.cmd.Process.Kill())
	}
	if err := h.cmd.Process.Signal(os.Interrupt); err != nil {
		return ignoreFinished(h.cmd.Process.Kill())
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
		return ignoreFinished(h.cmd.Process.Kill())
	}
}

func ignoreFinished(err error) error {
	if err == os.ErrProcessDone {
		return nil
	}
	return err
}
