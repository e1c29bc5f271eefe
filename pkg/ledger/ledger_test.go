package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/liminal-dev/liminal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndReplayRouterEvents(t *testing.T) {
	l := openTemp(t)

	l.RecordRouterEvent(types.RouterEvent{Kind: types.Enqueued, Sender: "a", Recipient: "b", At: time.Unix(1, 0)})
	l.RecordRouterEvent(types.RouterEvent{Kind: types.Dispatched, Sender: "a", Recipient: "b", At: time.Unix(2, 0)})

	events, err := l.ReplayRouterEvents()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.Enqueued, events[0].Kind)
	assert.Equal(t, types.Dispatched, events[1].Kind)
}

func TestReopenPreservesRecordedEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	require.NoError(t, err)
	l.RecordRouterEvent(types.RouterEvent{Kind: types.Enqueued})
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	events, err := l2.ReplayRouterEvents()
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
