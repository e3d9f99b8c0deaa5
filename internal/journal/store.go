// Package journal persists every parsed stream frame in a JetStream log so
// a session's conversation can be rebuilt later by replaying its frames
// through the reducer.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mark3labs/swarmwatch/internal/logger"
	"github.com/mark3labs/swarmwatch/internal/nats"
	"github.com/mark3labs/swarmwatch/internal/stream"
	"github.com/nats-io/nats.go/jetstream"
)

// Frame is one journaled stream frame.
type Frame struct {
	Seq        uint64          `json:"-"`
	Session    string          `json:"session"`
	Type       string          `json:"type"`
	ReceivedAt time.Time       `json:"received_at"`
	Data       json.RawMessage `json:"data"`
}

// Store appends frames to the journal stream and reads them back.
type Store struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	now    func() time.Time

	embedded *nats.Embedded
	failed   atomic.Int64
}

// NewStore wraps an existing JetStream context and stream.
func NewStore(js jetstream.JetStream, stream jetstream.Stream) *Store {
	return &Store{js: js, stream: stream, now: time.Now}
}

// Open starts an embedded NATS server under dataDir/nats and returns a
// Store backed by it. Close releases the server.
func Open(ctx context.Context, dataDir string) (*Store, error) {
	s := &Store{now: time.Now}
	emb, err := nats.Start(filepath.Join(dataDir, "nats"), func(subject string, err error) {
		s.failed.Add(1)
		logger.Warn("Journal publish to %s failed: %v", subject, err)
	})
	if err != nil {
		return nil, fmt.Errorf("starting journal: %w", err)
	}
	st, err := nats.SetupStream(ctx, emb.JS)
	if err != nil {
		_ = emb.Close()
		return nil, fmt.Errorf("setting up journal stream: %w", err)
	}
	s.js = emb.JS
	s.stream = st
	s.embedded = emb
	return s, nil
}

// Close waits briefly for pending publishes and shuts down the embedded
// server, if the Store owns one.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		logger.Warn("Journal flush on close: %v", err)
	}
	return s.embedded.Close()
}

// Record implements session.Recorder. It publishes asynchronously and never
// blocks the stream loop; failures are logged and counted.
func (s *Store) Record(session string, ev stream.Event) {
	if len(ev.Raw) == 0 {
		return
	}
	f := Frame{Session: session, Type: ev.Type, ReceivedAt: s.now(), Data: ev.Raw}
	data, err := json.Marshal(f)
	if err != nil {
		logger.Error("Failed to marshal frame: %v", err)
		return
	}

	s.publish(nats.Subject(session, nats.KindFrame), data)
	if ev.Kind == stream.KindUnknown {
		s.publish(nats.Subject(session, nats.KindUnknown), data)
	}
}

// PromptType marks journal frames that hold the task which started a run.
// It is written by the client and never appears on the wire.
const PromptType = "swarmwatch.prompt"

type promptData struct {
	Content string `json:"content"`
}

// RecordPrompt implements session.Recorder. The prompt is journaled as a
// frame of PromptType so replay can restore the user turn and the run
// boundary it opened.
func (s *Store) RecordPrompt(session, task string) {
	raw, err := json.Marshal(promptData{Content: task})
	if err != nil {
		logger.Error("Failed to marshal prompt: %v", err)
		return
	}
	data, err := json.Marshal(Frame{Session: session, Type: PromptType, ReceivedAt: s.now(), Data: raw})
	if err != nil {
		logger.Error("Failed to marshal frame: %v", err)
		return
	}
	s.publish(nats.Subject(session, nats.KindFrame), data)
}

func (s *Store) publish(subject string, data []byte) {
	if _, err := s.js.PublishAsync(subject, data); err != nil {
		s.failed.Add(1)
		logger.Warn("Journal publish to %s failed: %v", subject, err)
	}
}

// Failed reports how many publishes have failed.
func (s *Store) Failed() int64 {
	return s.failed.Load()
}

// Flush waits until every async publish has been acknowledged.
func (s *Store) Flush(ctx context.Context) error {
	select {
	case <-s.js.PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadFrames returns the session's frames in arrival order.
func (s *Store) LoadFrames(ctx context.Context, session string) ([]Frame, error) {
	return s.load(ctx, nats.Subject(session, nats.KindFrame))
}

// LoadUnknown returns the frames whose type the decoder did not recognize.
func (s *Store) LoadUnknown(ctx context.Context, session string) ([]Frame, error) {
	return s.load(ctx, nats.Subject(session, nats.KindUnknown))
}

func (s *Store) load(ctx context.Context, subject string) ([]Frame, error) {
	logger.Debug("Loading journal frames: %s", subject)

	consumer, err := s.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: subject,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer: %w", err)
	}
	defer func() {
		if err := s.stream.DeleteConsumer(context.Background(), consumer.CachedInfo().Name); err != nil {
			logger.Debug("Deleting journal consumer: %v", err)
		}
	}()

	const batchSize = 1000
	var frames []Frame
	malformed := 0
	for {
		msgs, err := consumer.FetchNoWait(batchSize)
		if err != nil {
			break
		}
		count := 0
		for msg := range msgs.Messages() {
			count++
			var f Frame
			if err := json.Unmarshal(msg.Data(), &f); err != nil {
				malformed++
				_ = msg.Ack()
				continue
			}
			if meta, err := msg.Metadata(); err == nil {
				f.Seq = meta.Sequence.Stream
			}
			frames = append(frames, f)
			_ = msg.Ack()
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			return frames, fmt.Errorf("fetching frames: %w", err)
		}
		if count < batchSize {
			break
		}
	}

	if malformed > 0 {
		logger.Warn("Skipped %d malformed journal records on %s", malformed, subject)
	}
	logger.Debug("Loaded %d frames from %s", len(frames), subject)
	return frames, nil
}

// Sessions lists the session tokens that have journaled frames.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	info, err := s.stream.Info(ctx, jetstream.WithSubjectFilter(nats.AllFrames()))
	if err != nil {
		return nil, fmt.Errorf("reading stream info: %w", err)
	}
	var out []string
	for subject := range info.State.Subjects {
		parts := strings.Split(subject, ".")
		if len(parts) == 3 {
			out = append(out, parts[1])
		}
	}
	sort.Strings(out)
	return out, nil
}
