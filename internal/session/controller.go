// Package session drives one swarm event stream at a time: it opens runs,
// feeds the bytes through the parser into the reducer, resolves recovery
// queries off the hot path and implements graceful and emergency stops.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mark3labs/swarmwatch/internal/logger"
	"github.com/mark3labs/swarmwatch/internal/reducer"
	"github.com/mark3labs/swarmwatch/internal/stream"
	"github.com/mark3labs/swarmwatch/internal/swarm"
)

const (
	DefaultGracePeriod     = 3 * time.Second
	DefaultRecoveryTimeout = 5 * time.Second
	stopRequestTimeout     = 10 * time.Second
	readBufferSize         = 32 * 1024
)

// Backend is everything the controller needs from the swarm server.
type Backend interface {
	Stream(ctx context.Context, req swarm.RunRequest) (io.ReadCloser, error)
	Cancel(ctx context.Context, sessionID string, mode swarm.StopMode) error
	SharedOutputs(ctx context.Context, sessionID string) (map[string]string, error)
}

// Recorder receives every parsed event and the task that opened each run.
// Implementations must not block.
type Recorder interface {
	Record(sessionID string, ev stream.Event)
	RecordPrompt(sessionID, task string)
}

// Listener is notified after each state change with a fresh snapshot and
// what changed.
type Listener func(reducer.Snapshot, reducer.Result)

// Options configures a Controller.
type Options struct {
	Reducer reducer.Options
	// SessionID seeds the session used by Continue.
	SessionID string
	// GracePeriod is how long Stop waits for the server to end the stream.
	GracePeriod time.Duration
	// RecoveryTimeout bounds each shared-output fetch.
	RecoveryTimeout time.Duration
	Recorder        Recorder
}

// Controller owns the reducer and the single active stream.
type Controller struct {
	backend Backend
	opts    Options

	mu        sync.Mutex
	red       *reducer.Reducer
	active    *activeRun
	listeners map[int]Listener
	nextID    int
	// prompt waits here until the run's session id is known.
	prompt string

	bg sync.WaitGroup
}

// activeRun is the bookkeeping for one open stream. Fields other than
// cancel and done are guarded by Controller.mu.
type activeRun struct {
	cancel    context.CancelFunc
	done      chan struct{}
	aborted   bool
	stopping  bool
	emergency bool
}

// ErrNoSession is returned by Continue when no session is known.
var ErrNoSession = errors.New("no session to continue")

// New creates a Controller.
func New(backend Backend, opts Options) *Controller {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = DefaultRecoveryTimeout
	}
	red := reducer.New(opts.Reducer)
	red.SetSessionID(opts.SessionID)
	return &Controller{
		backend:   backend,
		opts:      opts,
		red:       red,
		listeners: make(map[int]Listener),
	}
}

// SessionID returns the current session id, empty before the first run.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.red.SessionID()
}

// NewSession forgets the current session so the next Run creates one.
func (c *Controller) NewSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.red.SetSessionID("")
}

// Active reports whether a stream is open.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Stopping reports whether a graceful stop is waiting for the open stream
// to end.
func (c *Controller) Stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil && c.active.stopping
}

// Snapshot returns the latest display state.
func (c *Controller) Snapshot() reducer.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.red.Snapshot()
}

// SetPaused withholds or releases streaming text.
func (c *Controller) SetPaused(paused bool) {
	c.mu.Lock()
	c.red.SetPaused(paused)
	c.mu.Unlock()
	c.notify(reducer.Result{})
}

// Subscribe registers l and returns a function that removes it.
func (c *Controller) Subscribe(l Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Continue runs task against the current session.
func (c *Controller) Continue(ctx context.Context, task string) error {
	sid := c.SessionID()
	if sid == "" {
		return ErrNoSession
	}
	return c.Run(ctx, swarm.RunRequest{Task: task, SessionID: sid, Continue: true})
}

// Run aborts any in-flight stream, opens a new one and consumes it until it
// ends. Intentional cancellation returns nil; a transport failure adds one
// system message and is returned.
func (c *Controller) Run(ctx context.Context, req swarm.RunRequest) error {
	c.abortActive()

	runCtx, cancel := context.WithCancel(ctx)
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}
	defer func() {
		cancel()
		c.mu.Lock()
		if c.active == ar {
			c.active = nil
		}
		c.mu.Unlock()
		close(ar.done)
	}()

	c.mu.Lock()
	c.active = ar
	res := c.red.NewRun()
	if !req.Continue {
		c.red.SetSessionID(req.SessionID)
	}
	if req.Task != "" {
		user := c.red.AddUserMessage(req.Task)
		res.Appended = append(res.Appended, user.Appended...)
	}
	c.prompt = req.Task
	c.mu.Unlock()
	c.notify(res)
	c.recordPrompt()

	logger.Info("Starting run (session=%q continue=%t)", req.SessionID, req.Continue)
	body, err := c.backend.Stream(runCtx, req)
	if err != nil {
		if c.intentional(runCtx, ar) {
			return nil
		}
		c.report(err)
		return fmt.Errorf("starting stream: %w", err)
	}
	defer body.Close()

	return c.consume(runCtx, ar, body)
}

func (c *Controller) consume(ctx context.Context, ar *activeRun, body io.ReadCloser) error {
	chunks := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, readBufferSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					readErr <- ctx.Err()
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	quit := make(chan struct{})
	defer close(quit)
	recoveries := make(chan reducer.RecoveryResult)
	pending := 0
	parser := stream.NewParser()

	for {
		select {
		case chunk := <-chunks:
			pending += c.apply(ctx, parser.Feed(chunk), recoveries, quit)

		case rr := <-recoveries:
			pending--
			c.applyRecovery(rr)

		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				pending += c.apply(ctx, parser.Flush(), recoveries, quit)
				pending += c.finish(ctx, recoveries, quit)
				c.drain(ctx, recoveries, pending)
				logger.Info("Stream ended (%d malformed frames)", parser.Malformed())
				return nil
			}
			discardPartial(parser)
			if c.intentional(ctx, ar) {
				c.abortReducer()
				return nil
			}
			c.abortReducer()
			c.report(err)
			return fmt.Errorf("reading stream: %w", err)

		case <-ctx.Done():
			// Unblocks a reader stuck in Read on bodies that ignore ctx.
			body.Close()
			discardPartial(parser)
			logger.Info("Stream aborted")
			c.abortReducer()
			return nil
		}
	}
}

// discardPartial notes an incomplete frame left behind by a stream that did
// not end cleanly. Such a frame is never decoded.
func discardPartial(p *stream.Parser) {
	if p.Pending() {
		logger.Debug("Discarding partial frame from interrupted stream")
	}
}

// recordPrompt hands the run's task to the recorder once a session id is
// known, so it is journaled ahead of the run's first frame.
func (c *Controller) recordPrompt() {
	if c.opts.Recorder == nil {
		return
	}
	c.mu.Lock()
	task, sid := c.prompt, c.red.SessionID()
	if task == "" || sid == "" {
		c.mu.Unlock()
		return
	}
	c.prompt = ""
	c.mu.Unlock()
	c.opts.Recorder.RecordPrompt(sid, task)
}

// apply reduces events in order and starts any recovery they ask for. It
// returns the number of recoveries started.
func (c *Controller) apply(ctx context.Context, events []stream.Event, out chan<- reducer.RecoveryResult, quit <-chan struct{}) int {
	started := 0
	for _, ev := range events {
		c.mu.Lock()
		res := c.red.Apply(ev)
		sid := c.red.SessionID()
		c.mu.Unlock()

		if c.opts.Recorder != nil {
			c.recordPrompt()
			c.opts.Recorder.Record(sid, ev)
		}
		c.notify(res)
		if res.Recovery != nil {
			c.recover(ctx, *res.Recovery, out, quit)
			started++
		}
	}
	return started
}

// finish closes the run after a clean EOF.
func (c *Controller) finish(ctx context.Context, out chan<- reducer.RecoveryResult, quit <-chan struct{}) int {
	c.mu.Lock()
	res := c.red.Finish()
	c.mu.Unlock()
	c.notify(res)
	if res.Recovery != nil {
		c.recover(ctx, *res.Recovery, out, quit)
		return 1
	}
	return 0
}

// recover fetches shared outputs in the background and hands the result
// back to the consume loop.
func (c *Controller) recover(ctx context.Context, req reducer.RecoveryRequest, out chan<- reducer.RecoveryResult, quit <-chan struct{}) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		rr := reducer.RecoveryResult{Request: req}
		if req.SessionID == "" {
			rr.Err = errors.New("no session id for shared output")
		} else {
			fetchCtx, cancel := context.WithTimeout(ctx, c.opts.RecoveryTimeout)
			rr.Outputs, rr.Err = c.backend.SharedOutputs(fetchCtx, req.SessionID)
			cancel()
		}
		select {
		case out <- rr:
		case <-quit:
		}
	}()
}

// drain waits up to RecoveryTimeout for outstanding recoveries after the
// stream ended.
func (c *Controller) drain(ctx context.Context, in <-chan reducer.RecoveryResult, pending int) {
	if pending == 0 {
		return
	}
	timer := time.NewTimer(c.opts.RecoveryTimeout)
	defer timer.Stop()
	for pending > 0 {
		select {
		case rr := <-in:
			pending--
			c.applyRecovery(rr)
		case <-timer.C:
			logger.Warn("Gave up waiting for %d recovery queries", pending)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) applyRecovery(rr reducer.RecoveryResult) {
	c.mu.Lock()
	res := c.red.ApplyRecovery(rr)
	c.mu.Unlock()
	c.notify(res)
}

func (c *Controller) abortReducer() {
	c.mu.Lock()
	res := c.red.Abort()
	c.mu.Unlock()
	c.notify(res)
}

func (c *Controller) report(err error) {
	logger.Error("Stream failed: %v", err)
	c.mu.Lock()
	res := c.red.ReportError(err)
	c.mu.Unlock()
	c.notify(res)
}

// intentional reports whether the run ended because someone asked it to.
func (c *Controller) intentional(ctx context.Context, ar *activeRun) bool {
	c.mu.Lock()
	aborted := ar.aborted
	c.mu.Unlock()
	return aborted || ctx.Err() != nil
}

func (c *Controller) notify(res reducer.Result) {
	c.mu.Lock()
	if len(c.listeners) == 0 {
		c.mu.Unlock()
		return
	}
	snap := c.red.Snapshot()
	listeners := make([]Listener, 0, len(c.listeners))
	for id := 0; id < c.nextID; id++ {
		if l, ok := c.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(snap, res)
	}
}

// abortActive cancels the open stream, if any, and waits for its loop to
// exit.
func (c *Controller) abortActive() {
	c.mu.Lock()
	ar := c.active
	if ar != nil {
		ar.aborted = true
	}
	c.mu.Unlock()
	if ar == nil {
		return
	}
	ar.cancel()
	<-ar.done
}

// Stop asks the server to wind down gracefully and waits up to GracePeriod
// for the stream to end before aborting the local read. It is a no-op when
// no stream is open or a stop is already in progress.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	ar := c.active
	if ar == nil || ar.stopping || ar.emergency {
		c.mu.Unlock()
		return nil
	}
	ar.stopping = true
	sid := c.red.SessionID()
	c.mu.Unlock()

	if sid != "" {
		if err := c.backend.Cancel(ctx, sid, swarm.StopGraceful); err != nil {
			logger.Warn("Graceful stop request failed: %v", err)
		}
	}

	timer := time.NewTimer(c.opts.GracePeriod)
	defer timer.Stop()
	select {
	case <-ar.done:
		return nil
	case <-timer.C:
		logger.Info("Grace period elapsed, aborting stream")
	case <-ctx.Done():
	}

	c.mu.Lock()
	ar.aborted = true
	c.mu.Unlock()
	ar.cancel()
	<-ar.done
	return nil
}

// EmergencyStop aborts the local read immediately and asks the server to
// terminate the execution in the background. It is a no-op when no stream
// is open.
func (c *Controller) EmergencyStop() {
	c.mu.Lock()
	ar := c.active
	if ar == nil || ar.emergency {
		c.mu.Unlock()
		return
	}
	ar.emergency = true
	ar.aborted = true
	sid := c.red.SessionID()
	c.mu.Unlock()

	if sid != "" {
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), stopRequestTimeout)
			defer cancel()
			if err := c.backend.Cancel(ctx, sid, swarm.StopEmergency); err != nil {
				logger.Warn("Emergency stop request failed: %v", err)
			}
		}()
	}
	ar.cancel()
}

// Wait blocks until background requests started by the controller finish.
func (c *Controller) Wait() {
	c.bg.Wait()
}
