// Package ptybridge implements the PTY Event Bridge (spec §4.6): it
// scans raw subprocess byte streams for framed
// <LIMINAL_EVENT>...</LIMINAL_EVENT> events, tracks each agent's
// current pause-point hint, and passes everything else through as log
// output.
package ptybridge

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/liminal-dev/liminal/pkg/bus"
	"github.com/liminal-dev/liminal/pkg/clock"
	"github.com/liminal-dev/liminal/pkg/log"
	"github.com/liminal-dev/liminal/pkg/metrics"
	"github.com/liminal-dev/liminal/pkg/types"
)

// Config mirrors the `pty.*` CoreConfig keys (spec §6).
type Config struct {
	BeginTag      string
	EndTag        string
	MaxBufferBytes int
}

// DefaultConfig returns the wire format's literal tags (spec §6 PTY
// frame format).
func DefaultConfig() Config {
	return Config{BeginTag: "<LIMINAL_EVENT>", EndTag: "</LIMINAL_EVENT>", MaxBufferBytes: 1 << 20}
}

// Bridge is one per-process instance; it demultiplexes by source
// agent internally so a single Bridge can serve every subprocess the
// core manages.
type Bridge struct {
	cfg     Config
	clock   clock.Clock
	bus     *bus.Bus[types.StructuredPtyEvent]
	metrics *metrics.Sink

	mu         sync.Mutex
	buffers    map[types.AgentId]*strings.Builder
	pauseHints map[types.AgentId]types.PausePointKind

	// onStreamEnded is the Territory Manager hook invoked on
	// stream_ended, so leases held by the departed agent can be
	// revoked (spec §4.6 Failure modes).
	onStreamEnded func(types.AgentId)
}

// New constructs a Bridge. onStreamEnded may be nil. metricsSink
// receives per-event-name counts so SnapshotMetrics (spec §3) reflects
// them; it may be nil in tests.
func New(cfg Config, clk clock.Clock, metricsSink *metrics.Sink, onStreamEnded func(types.AgentId)) *Bridge {
	return &Bridge{
		cfg:           cfg,
		clock:         clk,
		bus:           bus.New[types.StructuredPtyEvent](256, 200, func() { metrics.SubscribersDropped.WithLabelValues("pty").Inc() }),
		metrics:       metricsSink,
		buffers:       make(map[types.AgentId]*strings.Builder),
		pauseHints:    make(map[types.AgentId]types.PausePointKind),
		onStreamEnded: onStreamEnded,
	}
}

// Subscribe returns a stream of StructuredPtyEvent.
func (b *Bridge) Subscribe() *bus.Subscription[types.StructuredPtyEvent] {
	return b.bus.Subscribe()
}

// Feed appends chunk to source's buffer and scans out every complete
// frame it now contains. Partial frames are left buffered for the
// next Feed call (spec §4.6: "Partial reads must be buffered per
// source and resumed without loss").
func (b *Bridge) Feed(source types.AgentId, chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.buffers[source]
	if !ok {
		buf = &strings.Builder{}
		b.buffers[source] = buf
	}
	buf.WriteString(string(chunk))
	pending := buf.String()
	buf.Reset()

	for {
		beginIdx := strings.Index(pending, b.cfg.BeginTag)
		if beginIdx < 0 {
			if keep := partialTagSuffixLen(pending, b.cfg.BeginTag); keep > 0 {
				if flush := pending[:len(pending)-keep]; flush != "" {
					b.emitLog(source, flush)
				}
				buf.WriteString(pending[len(pending)-keep:])
			} else if len(pending) > 0 {
				b.emitLog(source, pending)
			}
			return
		}

		if beginIdx > 0 {
			b.emitLog(source, pending[:beginIdx])
		}

		rest := pending[beginIdx+len(b.cfg.BeginTag):]
		endIdx := strings.Index(rest, b.cfg.EndTag)
		if endIdx < 0 {
			// Incomplete frame: keep begin-tag-onward for next Feed,
			// unless it has grown past the configured ceiling, in which
			// case the frame is abandoned as unparsable.
			if b.cfg.MaxBufferBytes > 0 && len(rest) > b.cfg.MaxBufferBytes {
				b.emitParseError(source, "frame exceeded max_buffer_bytes without a closing tag")
				return
			}
			buf.WriteString(pending[beginIdx:])
			return
		}

		body := rest[:endIdx]
		b.parseFrame(source, body)
		pending = rest[endIdx+len(b.cfg.EndTag):]
	}
}

// partialTagSuffixLen returns the length of the longest suffix of s
// that is also a prefix of tag, so a begin tag split across two Feed
// calls (e.g. a chunk ending "...<LIMINAL_EV") is retained rather than
// flushed as log text and lost (spec §4.6: "partial reads must be
// buffered per source and resumed without loss").
func partialTagSuffixLen(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for l := max; l > 0; l-- {
		if strings.HasSuffix(s, tag[:l]) {
			return l
		}
	}
	return 0
}

func (b *Bridge) parseFrame(source types.AgentId, body string) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		b.emitParseError(source, err.Error())
		return
	}
	name, _ := raw["name"].(string)
	if name == "" {
		b.emitParseError(source, "frame missing required name field")
		return
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}

	ev := types.StructuredPtyEvent{
		SourceAgent: source,
		Name:        name,
		Fields:      fields,
		At:          b.clock.Now(),
	}

	if pause, ok := raw["pause"].(string); ok && pause != "" {
		hint := types.PausePointKind(pause)
		ev.PauseHint = &hint
		b.pauseHints[source] = hint
	} else {
		delete(b.pauseHints, source)
	}

	if b.metrics != nil {
		b.metrics.IncPtyEvent(name)
	}
	b.bus.Publish(ev)
}

func (b *Bridge) emitLog(source types.AgentId, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	b.bus.Publish(types.StructuredPtyEvent{
		SourceAgent: source,
		Name:        "log",
		Fields:      map[string]string{"text": text},
		At:          b.clock.Now(),
	})
}

var bridgeLogger = log.WithComponent("ptybridge")

func (b *Bridge) emitParseError(source types.AgentId, reason string) {
	bridgeLogger.Warn().Str("agent", string(source)).Str("reason", reason).Msg("pty frame parse error")
	metrics.PtyParseErrors.Inc()
	b.bus.Publish(types.StructuredPtyEvent{
		SourceAgent: source,
		Name:        "parse_error",
		Fields:      map[string]string{"reason": reason},
		At:          b.clock.Now(),
	})
}

// StreamEnded marks source's subprocess stream as closed: it flushes
// any buffered partial frame as a log event, emits stream_ended, and
// invokes the Territory Manager hook so held leases are revoked.
func (b *Bridge) StreamEnded(source types.AgentId) {
	b.mu.Lock()
	if buf, ok := b.buffers[source]; ok && buf.Len() > 0 {
		b.emitLog(source, buf.String())
	}
	delete(b.buffers, source)
	delete(b.pauseHints, source)
	b.mu.Unlock()

	b.bus.Publish(types.StructuredPtyEvent{
		SourceAgent: source,
		Name:        "stream_ended",
		At:          b.clock.Now(),
	})
	if b.onStreamEnded != nil {
		b.onStreamEnded(source)
	}
}

// PauseHint returns source's current pause-point tag, if any. This is
// the read-only capability the Router's pause-point gate queries
// (spec §4.1 step 4, §4.6).
func (b *Bridge) PauseHint(source types.AgentId) (types.PausePointKind, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hint, ok := b.pauseHints[source]
	return hint, ok
}
