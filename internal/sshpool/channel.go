package sshpool

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

// ShellChannel is a PTY-backed interactive shell opened over a pooled
// transport. The Terminal I/O Pump reads and writes it directly.
type ShellChannel struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

// OpenChannel opens a new PTY-backed shell channel over h's transport,
// requesting the given initial terminal size.
func (p *Pool) OpenChannel(h *Handle, cols, rows uint32) (*ShellChannel, error) {
	session, err := h.client.NewSession()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", int(rows), int(cols), modes); err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}

	return &ShellChannel{session: session, stdin: stdin, stdout: stdout}, nil
}

// Read reads output produced by the remote shell.
func (c *ShellChannel) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

// Write forwards input to the remote shell.
func (c *ShellChannel) Write(p []byte) (int, error) {
	return c.stdin.Write(p)
}

// Resize notifies the remote PTY of a terminal size change.
func (c *ShellChannel) Resize(cols, rows uint32) error {
	return trace.Wrap(c.session.WindowChange(int(rows), int(cols)))
}

// Close tears down the shell channel.
func (c *ShellChannel) Close() error {
	return trace.Wrap(c.session.Close())
}

// ExecResult is the captured outcome of a one-shot command execution.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Exec runs command to completion over h's transport as a one-shot
// (non-interactive) channel, capturing stdout/stderr and the exit
// code, bounded by ctx. It backs the Terminal I/O Pump's ExecuteOnce
// path.
func (p *Pool) Exec(ctx context.Context, h *Handle, command string) (*ExecResult, error) {
	session, err := h.client.NewSession()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	doneC := make(chan error, 1)
	go func() { doneC <- session.Run(command) }()

	select {
	case err := <-doneC:
		exitCode := 0
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitStatus()
			} else {
				return nil, trace.Wrap(err)
			}
		}
		return &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitCode}, nil
	case <-ctx.Done():
		session.Close()
		return nil, trace.Wrap(ctx.Err())
	}
}
