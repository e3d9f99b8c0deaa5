package nats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubjects(t *testing.T) {
	tests := []struct {
		session string
		token   string
	}{
		{"sess-1", "sess-1"},
		{"Sess 1", "sess-1"},
		{"a.b c", "a-b-c"},
		{"", "anonymous"},
	}
	for _, tt := range tests {
		t.Run(tt.session, func(t *testing.T) {
			require.Equal(t, tt.token, SessionToken(tt.session))
			require.Equal(t, "swarmwatch."+tt.token+".>", SubjectForSession(tt.session))
			require.Equal(t, "swarmwatch."+tt.token+".frame", Subject(tt.session, KindFrame))
		})
	}
	require.Equal(t, "swarmwatch.*.frame", AllFrames())
}

func TestStartAndClose(t *testing.T) {
	emb, err := Start(t.TempDir(), nil)
	require.NoError(t, err)
	require.True(t, emb.Conn.IsConnected())

	st, err := SetupStream(t.Context(), emb.JS)
	require.NoError(t, err)
	require.Equal(t, StreamName, st.CachedInfo().Config.Name)

	require.NoError(t, emb.Close())
	var nilEmb *Embedded
	require.NoError(t, nilEmb.Close())
}
