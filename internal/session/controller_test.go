package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/swarmwatch/internal/reducer"
	"github.com/mark3labs/swarmwatch/internal/stream"
	"github.com/mark3labs/swarmwatch/internal/swarm"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu       sync.Mutex
	open     func(ctx context.Context, req swarm.RunRequest) (io.ReadCloser, error)
	outputs  func(ctx context.Context, sessionID string) (map[string]string, error)
	onCancel func(mode swarm.StopMode)
	requests []swarm.RunRequest
	cancels  []swarm.StopMode
	fetches  int
}

func (f *fakeBackend) Stream(ctx context.Context, req swarm.RunRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	open := f.open
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return open(ctx, req)
}

func (f *fakeBackend) Cancel(ctx context.Context, sessionID string, mode swarm.StopMode) error {
	f.mu.Lock()
	f.cancels = append(f.cancels, mode)
	onCancel := f.onCancel
	f.mu.Unlock()
	if onCancel != nil {
		onCancel(mode)
	}
	return nil
}

func (f *fakeBackend) SharedOutputs(ctx context.Context, sessionID string) (map[string]string, error) {
	f.mu.Lock()
	f.fetches++
	outputs := f.outputs
	f.mu.Unlock()
	if outputs == nil {
		return map[string]string{}, nil
	}
	return outputs(ctx, sessionID)
}

func (f *fakeBackend) cancelModes() []swarm.StopMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]swarm.StopMode(nil), f.cancels...)
}

func staticStream(frames ...string) func(context.Context, swarm.RunRequest) (io.ReadCloser, error) {
	return func(context.Context, swarm.RunRequest) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(strings.Join(frames, ""))), nil
	}
}

func frame(json string) string {
	return "data: " + json + "\n\n"
}

func systemMessages(s reducer.Snapshot) []reducer.Message {
	var out []reducer.Message
	for _, m := range s.Messages {
		if m.Role == reducer.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

func newController(b *fakeBackend) *Controller {
	return New(b, Options{GracePeriod: 50 * time.Millisecond, RecoveryTimeout: time.Second})
}

func TestRunExampleScenario(t *testing.T) {
	b := &fakeBackend{
		open: staticStream(
			frame(`{"type":"session_start","session_id":"s1"}`),
			frame(`{"type":"agent_started","agent":"researcher"}`),
			frame(`{"type":"text_generation","agent":"researcher","content":"Paris is"}`),
			frame(`{"type":"text_generation","agent":"researcher","content":" the capital."}`),
			frame(`{"type":"agent_completed","agent":"researcher"}`),
			frame(`{"type":"agent_completed","agent":"researcher"}`),
		),
		outputs: func(context.Context, string) (map[string]string, error) {
			return map[string]string{"researcher": "Paris is the capital."}, nil
		},
	}
	c := newController(b)

	require.NoError(t, c.Run(context.Background(), swarm.RunRequest{Task: "What is the capital of France?"}))

	snap := c.Snapshot()
	require.Equal(t, "s1", snap.SessionID)
	require.Equal(t, stream.TerminalCompleted, snap.Terminal)
	msgs := snap.MessagesFrom("researcher")
	require.Len(t, msgs, 1)
	require.Equal(t, "Paris is the capital.", msgs[0].Content)
	require.Equal(t, reducer.RoleUser, snap.Messages[0].Role)
	require.Empty(t, systemMessages(snap))
	require.False(t, c.Active())
}

func TestRunReconcilesMissingOutputs(t *testing.T) {
	b := &fakeBackend{
		open: staticStream(
			frame(`{"type":"session_start","session_id":"s1"}`),
			frame(`{"type":"agent_completed","agent":"writer","content":"Draft"}`),
			frame(`{"type":"session_complete"}`),
		),
		outputs: func(context.Context, string) (map[string]string, error) {
			return map[string]string{"writer": "Draft", "reviewer": "Approved."}, nil
		},
	}
	c := newController(b)
	require.NoError(t, c.Run(context.Background(), swarm.RunRequest{Task: "write"}))

	snap := c.Snapshot()
	require.Len(t, snap.MessagesFrom("writer"), 1)
	require.Len(t, snap.MessagesFrom("reviewer"), 1)
}

func TestRunCoordinatorFallback(t *testing.T) {
	b := &fakeBackend{
		open: staticStream(
			frame(`{"type":"session_start","session_id":"s1"}`),
			frame(`{"type":"handoff","data":{"from_agent":"coordinator","to_agent":"researcher"}}`),
			frame(`{"type":"agent_completed","agent":"coordinator","content":"[blank text]"}`),
		),
		outputs: func(context.Context, string) (map[string]string, error) {
			return map[string]string{"coordinator": "", "researcher": "Paris."}, nil
		},
	}
	c := newController(b)
	require.NoError(t, c.Run(context.Background(), swarm.RunRequest{Task: "q"}))

	snap := c.Snapshot()
	require.Empty(t, snap.MessagesFrom("coordinator"))
	require.Len(t, snap.MessagesFrom("researcher"), 1)
}

func TestRecoveryDoesNotStallStream(t *testing.T) {
	pr, pw := io.Pipe()
	release := make(chan struct{})
	b := &fakeBackend{
		open: func(context.Context, swarm.RunRequest) (io.ReadCloser, error) { return pr, nil },
		outputs: func(ctx context.Context, _ string) (map[string]string, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return map[string]string{"researcher": "Late answer"}, nil
		},
	}
	c := newController(b)

	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background(), swarm.RunRequest{Task: "q"}) }()

	_, err := io.WriteString(pw, frame(`{"type":"session_start","session_id":"s1"}`)+
		frame(`{"type":"agent_completed","agent":"coordinator","content":""}`))
	require.NoError(t, err)
	_, err = io.WriteString(pw, frame(`{"type":"delta","agent":"writer","content":"still streaming"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, ok := c.Snapshot().Agent("writer")
		return ok && a.Text == "still streaming"
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		return len(c.Snapshot().MessagesFrom("researcher")) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, pw.Close())
	require.NoError(t, <-errc)
}

func TestRunTransportFailure(t *testing.T) {
	boom := errors.New("connection reset by peer")
	pr, pw := io.Pipe()
	b := &fakeBackend{open: func(context.Context, swarm.RunRequest) (io.ReadCloser, error) { return pr, nil }}
	c := newController(b)

	go func() {
		_, _ = io.WriteString(pw, frame(`{"type":"delta","agent":"writer","content":"partial"}`))
		pw.CloseWithError(boom)
	}()

	err := c.Run(context.Background(), swarm.RunRequest{Task: "q"})
	require.ErrorIs(t, err, boom)

	snap := c.Snapshot()
	sys := systemMessages(snap)
	require.Len(t, sys, 1)
	require.Contains(t, sys[0].Content, "connection reset by peer")
	require.Len(t, snap.MessagesFrom("writer"), 1)
}

func TestRunOpenFailure(t *testing.T) {
	b := &fakeBackend{open: func(context.Context, swarm.RunRequest) (io.ReadCloser, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	c := newController(b)

	err := c.Run(context.Background(), swarm.RunRequest{Task: "q"})
	require.Error(t, err)
	require.Len(t, systemMessages(c.Snapshot()), 1)
}

func startPipeRun(t *testing.T, c *Controller, pw *io.PipeWriter) chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background(), swarm.RunRequest{Task: "q"}) }()
	_, err := io.WriteString(pw, frame(`{"type":"session_start","session_id":"s1"}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.SessionID() == "s1" }, time.Second, 5*time.Millisecond)
	return errc
}

func TestGracefulStopServerEndsStream(t *testing.T) {
	pr, pw := io.Pipe()
	b := &fakeBackend{open: func(context.Context, swarm.RunRequest) (io.ReadCloser, error) { return pr, nil }}
	b.onCancel = func(mode swarm.StopMode) {
		go func() {
			_, _ = io.WriteString(pw, frame(`{"type":"execution_stopped"}`))
			pw.Close()
		}()
	}
	c := New(b, Options{GracePeriod: 5 * time.Second})
	errc := startPipeRun(t, c, pw)

	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, <-errc)

	require.Equal(t, []swarm.StopMode{swarm.StopGraceful}, b.cancelModes())
	snap := c.Snapshot()
	require.Equal(t, stream.TerminalStopped, snap.Terminal)
	sys := systemMessages(snap)
	require.Len(t, sys, 1)
	require.Equal(t, "Execution stopped", sys[0].Content)
}

func TestStoppingDuringGracePeriod(t *testing.T) {
	pr, pw := io.Pipe()
	b := &fakeBackend{open: func(context.Context, swarm.RunRequest) (io.ReadCloser, error) { return pr, nil }}
	c := New(b, Options{GracePeriod: 10 * time.Second})
	errc := startPipeRun(t, c, pw)
	require.False(t, c.Stopping())

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(context.Background()) }()
	require.Eventually(t, c.Stopping, time.Second, 5*time.Millisecond)
	require.True(t, c.Active())

	require.NoError(t, pw.Close())
	require.NoError(t, <-errc)
	require.NoError(t, <-stopped)
	require.False(t, c.Stopping())
	require.False(t, c.Active())
}

func TestGracefulStopAbortsAfterGracePeriod(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	b := &fakeBackend{open: func(context.Context, swarm.RunRequest) (io.ReadCloser, error) { return pr, nil }}
	c := newController(b)
	errc := startPipeRun(t, c, pw)

	_, err := io.WriteString(pw, frame(`{"type":"delta","agent":"writer","content":"half"}`))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, c.Stop(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.NoError(t, <-errc)

	snap := c.Snapshot()
	require.Empty(t, systemMessages(snap))
	require.Empty(t, snap.Agents)
	require.Len(t, snap.MessagesFrom("writer"), 1)
}

func TestEmergencyStop(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	b := &fakeBackend{open: func(context.Context, swarm.RunRequest) (io.ReadCloser, error) { return pr, nil }}
	c := New(b, Options{GracePeriod: time.Hour})
	errc := startPipeRun(t, c, pw)

	c.EmergencyStop()
	c.EmergencyStop()
	require.NoError(t, <-errc)
	c.Wait()

	require.Equal(t, []swarm.StopMode{swarm.StopEmergency}, b.cancelModes())
	require.Empty(t, systemMessages(c.Snapshot()))
	require.False(t, c.Active())
}

func TestEmergencyStopDuringGracefulStop(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	b := &fakeBackend{open: func(context.Context, swarm.RunRequest) (io.ReadCloser, error) { return pr, nil }}
	c := New(b, Options{GracePeriod: time.Hour})
	errc := startPipeRun(t, c, pw)

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(context.Background()) }()
	require.Eventually(t, func() bool { return len(b.cancelModes()) == 1 }, time.Second, 5*time.Millisecond)

	c.EmergencyStop()
	require.NoError(t, <-stopped)
	require.NoError(t, <-errc)
	c.Wait()
	require.Equal(t, []swarm.StopMode{swarm.StopGraceful, swarm.StopEmergency}, b.cancelModes())
}

func TestStopsAfterStreamEndAreNoops(t *testing.T) {
	b := &fakeBackend{open: staticStream(
		frame(`{"type":"session_start","session_id":"s1"}`),
		frame(`{"type":"agent_completed","agent":"writer","content":"done"}`),
	)}
	c := newController(b)
	require.NoError(t, c.Run(context.Background(), swarm.RunRequest{Task: "q"}))
	before := len(c.Snapshot().Messages)

	require.NoError(t, c.Stop(context.Background()))
	c.EmergencyStop()
	c.EmergencyStop()
	require.NoError(t, c.Stop(context.Background()))
	c.Wait()

	require.Empty(t, b.cancelModes())
	require.Len(t, c.Snapshot().Messages, before)
	require.Empty(t, systemMessages(c.Snapshot()))
}

func TestRunAbortsInFlightStream(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	calls := 0
	b := &fakeBackend{}
	b.open = func(ctx context.Context, req swarm.RunRequest) (io.ReadCloser, error) {
		calls++
		if calls == 1 {
			return pr, nil
		}
		return io.NopCloser(strings.NewReader(frame(`{"type":"agent_completed","agent":"writer","content":"second"}`))), nil
	}
	c := newController(b)
	errc := startPipeRun(t, c, pw)

	require.NoError(t, c.Run(context.Background(), swarm.RunRequest{Task: "again"}))
	require.NoError(t, <-errc)

	snap := c.Snapshot()
	require.Empty(t, systemMessages(snap))
	require.Len(t, snap.MessagesFrom("writer"), 1)
}

func TestContinue(t *testing.T) {
	b := &fakeBackend{open: staticStream(frame(`{"type":"session_start","session_id":"s1"}`))}
	c := newController(b)
	require.ErrorIs(t, c.Continue(context.Background(), "more"), ErrNoSession)

	require.NoError(t, c.Run(context.Background(), swarm.RunRequest{Task: "q"}))
	require.NoError(t, c.Continue(context.Background(), "more"))

	b.mu.Lock()
	last := b.requests[len(b.requests)-1]
	b.mu.Unlock()
	require.True(t, last.Continue)
	require.Equal(t, "s1", last.SessionID)
	require.Equal(t, "more", last.Task)

	c.NewSession()
	require.Empty(t, c.SessionID())
}

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
	ids    []string
	log    []string
}

func (r *recorder) Record(sessionID string, ev stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, sessionID)
	r.events = append(r.events, ev)
	r.log = append(r.log, ev.Type)
}

func (r *recorder) RecordPrompt(sessionID, task string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, "prompt "+sessionID+": "+task)
}

func TestRecorderAndListeners(t *testing.T) {
	rec := &recorder{}
	b := &fakeBackend{open: staticStream(
		frame(`{"type":"session_start","session_id":"s1"}`),
		"data: not json\n\n",
		frame(`{"type":"delta","agent":"writer","content":"hi"}`),
		frame(`{"type":"agent_done","agent":"writer"}`),
	)}
	c := New(b, Options{Recorder: rec})

	var appended []reducer.Message
	unsubscribe := c.Subscribe(func(_ reducer.Snapshot, res reducer.Result) {
		appended = append(appended, res.Appended...)
	})
	require.NoError(t, c.Run(context.Background(), swarm.RunRequest{Task: "q"}))
	unsubscribe()

	require.Len(t, rec.events, 3)
	require.Equal(t, []string{"s1", "s1", "s1"}, rec.ids)
	require.Equal(t, []string{"prompt s1: q", "session_start", "delta", "agent_done"}, rec.log)
	require.Len(t, appended, 2)
	require.Equal(t, "hi", appended[1].Content)

	c.SetPaused(true)
	require.True(t, c.Snapshot().Paused)
	require.Len(t, appended, 2)
}

func TestContinueRecordsPromptBeforeFirstFrame(t *testing.T) {
	rec := &recorder{}
	b := &fakeBackend{open: staticStream(
		frame(`{"type":"delta","agent":"writer","content":"again"}`),
		frame(`{"type":"agent_done","agent":"writer"}`),
	)}
	c := New(b, Options{Recorder: rec, SessionID: "s9"})

	require.NoError(t, c.Continue(context.Background(), "follow up"))
	require.Equal(t, []string{"prompt s9: follow up", "delta", "agent_done"}, rec.log)

	// A run whose stream never opens still has its prompt journaled.
	b.open = func(context.Context, swarm.RunRequest) (io.ReadCloser, error) {
		return nil, errors.New("dial tcp: connection refused")
	}
	require.Error(t, c.Continue(context.Background(), "retry"))
	require.Equal(t, "prompt s9: retry", rec.log[len(rec.log)-1])
}
