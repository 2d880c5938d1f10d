package termpump

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opsconsole/remoteshell/internal/audit"
)

const outputChunkBytes = 4096

// Pump owns one shell channel for one session and runs the cooperating
// input and output forwarders described by the Terminal I/O Pump.
type Pump struct {
	cfg Config

	inputC chan []byte
	stopC  chan struct{}
	doneC  chan struct{}
	stop   sync.Once

	mu      sync.Mutex
	buffer  []byte
	history []audit.Record
}

// New creates a Pump from cfg. Call Start to begin forwarding.
func New(cfg Config) (*Pump, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pump{
		cfg:    cfg,
		inputC: make(chan []byte, cfg.InputQueueSize),
		stopC:  make(chan struct{}),
		doneC:  make(chan struct{}),
	}, nil
}

// Start launches the output and input forwarders. It returns
// immediately; forwarding runs until Stop is called or the channel
// closes on its own.
func (p *Pump) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(p.outputForwarder)
	g.Go(func() error { return p.inputForwarder(gctx) })

	go func() {
		if err := g.Wait(); err != nil {
			p.cfg.Logger.WithError(err).Debug("Terminal pump forwarders exited.")
		}
		close(p.doneC)
	}()
}

// Input enqueues a frame of input bytes read from the browser
// transport. It blocks if the input queue is full, providing natural
// backpressure; it returns promptly once the pump is stopped.
func (p *Pump) Input(ctx context.Context, data []byte) error {
	select {
	case p.inputC <- data:
		return nil
	case <-p.stopC:
		return trace.Errorf("terminal pump is closed")
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// Resize notifies the remote PTY of a terminal size change. Resize
// frames do not participate in command parsing.
func (p *Pump) Resize(cols, rows uint32) error {
	return trace.Wrap(p.cfg.Channel.Resize(cols, rows))
}

// History returns a snapshot of the in-memory command-history ring,
// oldest first.
func (p *Pump) History() []audit.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]audit.Record, len(p.history))
	copy(out, p.history)
	return out
}

// Stop closes the shell channel, waits up to the configured join
// timeout for both forwarders to exit, and notifies the transport that
// the session is closing.
func (p *Pump) Stop(reason string) {
	p.stop.Do(func() {
		close(p.stopC)
		_ = p.cfg.Channel.Close()
	})

	select {
	case <-p.doneC:
	case <-p.cfg.Clock.After(p.cfg.JoinTimeout):
		p.cfg.Logger.Warn("Terminal pump forwarders did not join before timeout; abandoning.")
	}

	if err := p.cfg.Transport.SendClosed(reason); err != nil {
		p.cfg.Logger.WithError(err).Debug("Failed to notify transport of session close.")
	}
}

// outputForwarder mirrors remote shell output to the browser
// transport until the channel closes or a write fails.
func (p *Pump) outputForwarder() error {
	buf := make([]byte, outputChunkBytes)
	for {
		n, err := p.cfg.Channel.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := p.cfg.Transport.SendOutput(chunk); sendErr != nil {
				return trace.Wrap(sendErr)
			}
			p.touch()
		}
		if err != nil {
			return nil
		}
	}
}

// inputForwarder reads queued input frames, forwarding them to the
// shell channel unless a submission boundary is reached and the
// command policy blocks it.
func (p *Pump) inputForwarder(ctx context.Context) error {
	for {
		select {
		case data, ok := <-p.inputC:
			if !ok {
				return nil
			}
			if err := p.handleInput(ctx, data); err != nil {
				return trace.Wrap(err)
			}
		case <-p.stopC:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Pump) handleInput(ctx context.Context, data []byte) error {
	p.touch()

	boundary, line := p.accumulate(data)
	if !boundary {
		_, err := p.cfg.Channel.Write(data)
		return trace.Wrap(err)
	}

	rec := p.newRecord(line)
	decision := p.cfg.Policy.Check(ctx, p.cfg.HostID, p.cfg.TenantID, line)
	if !decision.Allowed {
		rec.Status = audit.StatusBlocked
		rec.BlockReason = decision.Reason
		p.recordAndAudit(rec)
		return trace.Wrap(p.sendBlocked(decision.Reason))
	}

	rec.Status = audit.StatusSuccess
	p.recordAndAudit(rec)

	_, err := p.cfg.Channel.Write(data)
	return trace.Wrap(err)
}

// accumulate appends data to the pending command buffer and, if data
// ends on a CR/LF boundary, returns the completed line (without the
// trailing CR/LF) and clears the buffer.
func (p *Pump) accumulate(data []byte) (boundary bool, line string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buffer = append(p.buffer, data...)
	if len(data) == 0 {
		return false, ""
	}
	last := data[len(data)-1]
	if last != '\r' && last != '\n' {
		return false, ""
	}

	line = strings.TrimRight(string(p.buffer), "\r\n")
	p.buffer = p.buffer[:0]
	return true, line
}

func (p *Pump) newRecord(line string) audit.Record {
	rec := audit.NewRecord(p.cfg.Clock.Now())
	rec.TenantID = p.cfg.TenantID
	rec.UserID = p.cfg.UserID
	rec.HostID = p.cfg.HostID
	rec.SessionID = p.cfg.SessionID
	rec.CommandText = line
	return rec
}

func (p *Pump) sendBlocked(reason string) error {
	msg := fmt.Sprintf("\r\n\x1b[31m[blocked] %s\x1b[0m\r\n", reason)
	return p.cfg.Transport.SendOutput([]byte(msg))
}

func (p *Pump) recordAndAudit(rec audit.Record) {
	p.mu.Lock()
	p.history = append(p.history, rec)
	if len(p.history) > p.cfg.HistoryCap {
		p.history = p.history[len(p.history)-p.cfg.HistoryCap:]
	}
	p.mu.Unlock()

	if p.cfg.Audit != nil {
		p.cfg.Audit.Append(rec)
	}
	if p.cfg.History != nil {
		_ = p.cfg.History.Push(p.cfg.SessionID, rec)
	}
}

func (p *Pump) touch() {
	if p.cfg.OnActivity != nil {
		p.cfg.OnActivity()
	}
}

// ExecuteOnce runs command out of band via exec, applying the same
// policy check and audit path as interactive submissions. Unlike
// interactive submissions, its CommandRecord carries the ExitCode when
// the command ran to completion (interactive submissions leave it nil,
// since a PTY's exit status is not discoverable). A blocked command, or
// one whose exec returned an error, also leaves ExitCode nil.
func (p *Pump) ExecuteOnce(ctx context.Context, exec ExecFunc, command string, timeout time.Duration) (audit.Record, error) {
	rec := p.newRecord(command)

	decision := p.cfg.Policy.Check(ctx, p.cfg.HostID, p.cfg.TenantID, command)
	if !decision.Allowed {
		rec.Status = audit.StatusBlocked
		rec.BlockReason = decision.Reason
		p.recordAndAudit(rec)
		return rec, trace.AccessDenied(decision.Reason)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := p.cfg.Clock.Now()
	stdout, stderr, exitCode, err := exec(execCtx, command)
	rec.Duration = p.cfg.Clock.Now().Sub(start)
	rec.OutputCapture = string(stdout)
	rec.ErrorCapture = string(stderr)

	if err != nil {
		rec.Status = audit.StatusFailed
		if rec.ErrorCapture == "" {
			rec.ErrorCapture = err.Error()
		}
		p.recordAndAudit(rec)
		return rec, trace.Wrap(err)
	}

	exit := exitCode
	rec.ExitCode = &exit
	if exitCode == 0 {
		rec.Status = audit.StatusSuccess
	} else {
		rec.Status = audit.StatusFailed
	}
	p.recordAndAudit(rec)
	return rec, nil
}
