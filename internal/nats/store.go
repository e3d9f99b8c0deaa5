package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/gosimple/slug"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	StreamName    = "swarmwatch_events"
	subjectPrefix = "swarmwatch"

	// Subject suffixes.
	KindFrame   = "frame"
	KindUnknown = "unknown"

	// anonymousToken stands in for frames that arrive before a session id.
	anonymousToken = "anonymous"
	retention      = 30 * 24 * time.Hour
)

// SessionToken turns a session id into a single NATS subject token.
func SessionToken(session string) string {
	tok := slug.Make(session)
	if tok == "" {
		return anonymousToken
	}
	return tok
}

// SubjectForSession returns the wildcard subject for all of a session's
// records, e.g. "swarmwatch.sess-1.>".
func SubjectForSession(session string) string {
	return fmt.Sprintf("%s.%s.>", subjectPrefix, SessionToken(session))
}

// Subject returns the subject for one record kind in a session, e.g.
// "swarmwatch.sess-1.frame".
func Subject(session, kind string) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, SessionToken(session), kind)
}

// AllFrames matches the frame subjects of every session.
func AllFrames() string {
	return fmt.Sprintf("%s.*.%s", subjectPrefix, KindFrame)
}

// SetupStream creates or updates the journal stream with 30-day retention.
func SetupStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	return js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   retention,
	})
}
