package ptybridge

import (
	"testing"
	"time"

	"github.com/liminal-dev/liminal/pkg/clock"
	"github.com/liminal-dev/liminal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedParsesCompleteFrame(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(DefaultConfig(), fc, nil, nil)
	sub := b.Subscribe()

	b.Feed("agent-1", []byte(`<LIMINAL_EVENT>{"name":"tool_start","tool":"grep"}</LIMINAL_EVENT>`))

	ev := <-sub.C()
	assert.Equal(t, "tool_start", ev.Name)
	assert.Equal(t, "grep", ev.Fields["tool"])
	assert.Nil(t, ev.PauseHint)
}

func TestFeedBuffersPartialFrameAcrossReads(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(DefaultConfig(), fc, nil, nil)
	sub := b.Subscribe()

	b.Feed("agent-1", []byte(`<LIMINAL_EVENT>{"name":"wai`))
	select {
	case <-sub.C():
		t.Fatal("should not have emitted on a partial frame")
	default:
	}

	b.Feed("agent-1", []byte(`t"}</LIMINAL_EVENT>`))
	ev := <-sub.C()
	assert.Equal(t, "wait", ev.Name)
}

func TestFeedSetsAndClearsPauseHint(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(DefaultConfig(), fc, nil, nil)
	sub := b.Subscribe()

	b.Feed("agent-1", []byte(`<LIMINAL_EVENT>{"name":"awaiting_input","pause":"confirm"}</LIMINAL_EVENT>`))
	<-sub.C()
	hint, ok := b.PauseHint("agent-1")
	require.True(t, ok)
	assert.Equal(t, types.PausePointKind("confirm"), hint)

	b.Feed("agent-1", []byte(`<LIMINAL_EVENT>{"name":"resumed"}</LIMINAL_EVENT>`))
	<-sub.C()
	_, ok = b.PauseHint("agent-1")
	assert.False(t, ok)
}

func TestFeedUnframedBytesEmitLogEvent(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(DefaultConfig(), fc, nil, nil)
	sub := b.Subscribe()

	b.Feed("agent-1", []byte("plain stdout line\n"))
	ev := <-sub.C()
	assert.Equal(t, "log", ev.Name)
	assert.Contains(t, ev.Fields["text"], "plain stdout line")
}

func TestFeedMalformedJSONEmitsParseErrorWithoutCorruptingBuffer(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(DefaultConfig(), fc, nil, nil)
	sub := b.Subscribe()

	b.Feed("agent-1", []byte(`<LIMINAL_EVENT>not json</LIMINAL_EVENT><LIMINAL_EVENT>{"name":"ok"}</LIMINAL_EVENT>`))

	first := <-sub.C()
	assert.Equal(t, "parse_error", first.Name)
	second := <-sub.C()
	assert.Equal(t, "ok", second.Name)
}

func TestStreamEndedEmitsEventAndInvokesHook(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	var hookCalled types.AgentId
	b := New(DefaultConfig(), fc, nil, func(a types.AgentId) { hookCalled = a })
	sub := b.Subscribe()

	b.StreamEnded("agent-1")
	ev := <-sub.C()
	assert.Equal(t, "stream_ended", ev.Name)
	assert.Equal(t, types.AgentId("agent-1"), hookCalled)
}
