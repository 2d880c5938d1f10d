package termpump

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/opsconsole/remoteshell/internal/policy"
)

type fakeChannel struct {
	mu       sync.Mutex
	written  [][]byte
	outputC  chan []byte
	closed   bool
	closedC  chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{outputC: make(chan []byte, 16), closedC: make(chan struct{})}
}

func (f *fakeChannel) Read(p []byte) (int, error) {
	select {
	case chunk, ok := <-f.outputC:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, chunk)
		return n, nil
	case <-f.closedC:
		return 0, io.EOF
	}
}

func (f *fakeChannel) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.written = append(f.written, cp)
	return len(p), nil
}

func (f *fakeChannel) Resize(cols, rows uint32) error { return nil }

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closedC)
	}
	return nil
}

func (f *fakeChannel) writtenSnapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

type fakeTransport struct {
	mu     sync.Mutex
	output [][]byte
	closed string
}

func (f *fakeTransport) SendOutput(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.output = append(f.output, cp)
	return nil
}

func (f *fakeTransport) SendClosed(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = reason
	return nil
}

func (f *fakeTransport) outputSnapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.output))
	copy(out, f.output)
	return out
}

func allowAllEvaluator(t *testing.T) *policy.Evaluator {
	ev, err := policy.NewEvaluator(policy.EvaluatorConfig{
		Resolve: func(ctx context.Context, hostID, tenantID string) (*policy.RuleSet, *policy.RuleSet, error) {
			return nil, nil, nil
		},
	})
	require.NoError(t, err)
	return ev
}

func denylistEvaluator(t *testing.T, patterns []string) *policy.Evaluator {
	rs := &policy.RuleSet{Scope: policy.ScopeGlobal, Mode: policy.Denylist, DenyPatterns: patterns, Active: true}
	ev, err := policy.NewEvaluator(policy.EvaluatorConfig{
		Resolve: func(ctx context.Context, hostID, tenantID string) (*policy.RuleSet, *policy.RuleSet, error) {
			return nil, rs, nil
		},
	})
	require.NoError(t, err)
	return ev
}

func TestPumpForwardsAllowedCommand(t *testing.T) {
	ch := newFakeChannel()
	tr := &fakeTransport{}
	p, err := New(Config{
		SessionID: "s1",
		Channel:   ch,
		Transport: tr,
		Policy:    allowAllEvaluator(t),
		Clock:     clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	p.Start(context.Background())
	require.NoError(t, p.Input(context.Background(), []byte("whoami\n")))

	require.Eventually(t, func() bool {
		return len(ch.writtenSnapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, "whoami\n", string(ch.writtenSnapshot()[0]))
	require.Len(t, p.History(), 1)
	require.Equal(t, "whoami", p.History()[0].CommandText)

	p.Stop("test done")
	require.Equal(t, "test done", tr.closed)
}

func TestPumpBlocksDenylistedCommand(t *testing.T) {
	ch := newFakeChannel()
	tr := &fakeTransport{}
	p, err := New(Config{
		SessionID: "s1",
		HostID:    "h1",
		Channel:   ch,
		Transport: tr,
		Policy:    denylistEvaluator(t, []string{"rm*"}),
		Clock:     clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	p.Start(context.Background())
	require.NoError(t, p.Input(context.Background(), []byte("rm -rf /tmp\n")))

	require.Eventually(t, func() bool {
		return len(tr.outputSnapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	require.Empty(t, ch.writtenSnapshot())
	require.Contains(t, string(tr.outputSnapshot()[0]), "[blocked]")
	require.Contains(t, string(tr.outputSnapshot()[0]), "rm")

	require.Len(t, p.History(), 1)
	require.Equal(t, "blocked", string(p.History()[0].Status))

	p.Stop("done")
}

func TestPumpForwardsPartialInputImmediately(t *testing.T) {
	ch := newFakeChannel()
	tr := &fakeTransport{}
	p, err := New(Config{
		SessionID: "s1",
		Channel:   ch,
		Transport: tr,
		Policy:    allowAllEvaluator(t),
		Clock:     clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	p.Start(context.Background())
	require.NoError(t, p.Input(context.Background(), []byte("w")))
	require.NoError(t, p.Input(context.Background(), []byte("h")))

	require.Eventually(t, func() bool {
		return len(ch.writtenSnapshot()) == 2
	}, time.Second, 10*time.Millisecond)

	require.Empty(t, p.History())
	p.Stop("done")
}

func TestPumpMirrorsOutput(t *testing.T) {
	ch := newFakeChannel()
	tr := &fakeTransport{}
	p, err := New(Config{
		SessionID: "s1",
		Channel:   ch,
		Transport: tr,
		Policy:    allowAllEvaluator(t),
		Clock:     clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	p.Start(context.Background())
	ch.outputC <- []byte("result\n")

	require.Eventually(t, func() bool {
		return len(tr.outputSnapshot()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "result\n", string(tr.outputSnapshot()[0]))

	p.Stop("done")
}

func TestPumpExecuteOnceRecordsExitCode(t *testing.T) {
	ch := newFakeChannel()
	tr := &fakeTransport{}
	p, err := New(Config{
		SessionID: "s1",
		Channel:   ch,
		Transport: tr,
		Policy:    allowAllEvaluator(t),
		Clock:     clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	exec := func(ctx context.Context, command string) ([]byte, []byte, int, error) {
		return []byte("ok\n"), nil, 0, nil
	}

	rec, err := p.ExecuteOnce(context.Background(), exec, "echo ok", time.Second)
	require.NoError(t, err)
	require.NotNil(t, rec.ExitCode)
	require.Equal(t, 0, *rec.ExitCode)
	require.Equal(t, "success", string(rec.Status))
}

func TestPumpExecuteOnceBlockedNeverRuns(t *testing.T) {
	ch := newFakeChannel()
	tr := &fakeTransport{}
	p, err := New(Config{
		SessionID: "s1",
		HostID:    "h1",
		Channel:   ch,
		Transport: tr,
		Policy:    denylistEvaluator(t, []string{"rm*"}),
		Clock:     clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	ran := false
	exec := func(ctx context.Context, command string) ([]byte, []byte, int, error) {
		ran = true
		return nil, nil, 0, nil
	}

	_, err = p.ExecuteOnce(context.Background(), exec, "rm -rf /", time.Second)
	require.Error(t, err)
	require.False(t, ran)
}

func TestPumpExecuteOnceFailurePropagates(t *testing.T) {
	ch := newFakeChannel()
	tr := &fakeTransport{}
	p, err := New(Config{
		SessionID: "s1",
		Channel:   ch,
		Transport: tr,
		Policy:    allowAllEvaluator(t),
		Clock:     clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	exec := func(ctx context.Context, command string) ([]byte, []byte, int, error) {
		return nil, nil, 0, errors.New("channel closed")
	}

	rec, err := p.ExecuteOnce(context.Background(), exec, "echo hi", time.Second)
	require.Error(t, err)
	require.Equal(t, "failed", string(rec.Status))
}
