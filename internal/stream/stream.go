// Package stream fans agent output lines out to live subscribers while
// keeping a bounded in-memory history per stream. A stream id is the run or
// review id the lines belong to. When a durable store is configured, lines
// are also persisted and numbering continues across process restarts.
package stream

import (
	"context"
	"sync"
	"time"

	"forge/internal/async"
	"forge/internal/domain"
	"forge/internal/logging"
	"forge/internal/observability"
	"forge/internal/store"
)

// Options tunes the multiplexer.
type Options struct {
	// MaxHistory is the number of most recent lines retained in memory per
	// stream.
	MaxHistory int
	// SubscriberBuffer is the per-subscriber channel capacity. A slow
	// subscriber whose buffer is full loses lines rather than stalling the
	// publisher.
	SubscriberBuffer int
	// Retention is how long a completed stream's in-memory state survives
	// before CleanupOldStreams drops it.
	Retention time.Duration
	// Persist, when set, receives every published line and seeds line
	// numbering from the stored maximum on the first publish.
	Persist store.OutputStore
}

func (o Options) withDefaults() Options {
	if o.MaxHistory <= 0 {
		o.MaxHistory = 2000
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 256
	}
	if o.Retention <= 0 {
		o.Retention = time.Hour
	}
	return o
}

// Multiplexer is the per-stream pub/sub hub.
type Multiplexer struct {
	opts    Options
	logger  logging.Logger
	metrics *observability.Metrics
	clock   func() time.Time

	// mu guards only the streams map; per-stream state has its own lock.
	mu      sync.Mutex
	streams map[string]*streamState
}

type streamState struct {
	mu          sync.Mutex
	id          string
	seeded      bool
	nextLine    int64
	history     []domain.OutputLine
	complete    bool
	completedAt time.Time

	// subMu guards subscribers and dropped and serializes channel sends
	// with channel closes, so fan-out happens outside mu. When both locks
	// are held, mu is acquired first.
	subMu       sync.Mutex
	subscribers map[*Subscription]struct{}
	dropped     int64
}

func NewMultiplexer(opts Options, logger logging.Logger, metrics *observability.Metrics) *Multiplexer {
	if metrics == nil {
		metrics = observability.Nop()
	}
	return &Multiplexer{
		opts:    opts.withDefaults(),
		logger:  logging.OrNop(logger),
		metrics: metrics,
		clock:   time.Now,
		streams: make(map[string]*streamState),
	}
}

// SetClock replaces the time source, for tests.
func (m *Multiplexer) SetClock(clock func() time.Time) { m.clock = clock }

func (m *Multiplexer) stream(id string) *streamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[id]
	if !ok {
		st = &streamState{
			id:          id,
			nextLine:    1,
			subscribers: make(map[*Subscription]struct{}),
		}
		m.streams[id] = st
	}
	return st
}

// Publish appends a line to the stream and notifies live subscribers. On a
// completed stream the line is silently dropped. Persistence failures are
// logged and do not fail the publish; numbering continues in memory.
func (m *Multiplexer) Publish(ctx context.Context, streamID, content string) {
	st := m.stream(streamID)
	st.mu.Lock()
	if st.complete {
		st.mu.Unlock()
		return
	}

	if !st.seeded {
		st.seeded = true
		if m.opts.Persist != nil {
			max, err := m.opts.Persist.MaxOutputLine(ctx, streamID)
			if err != nil {
				m.logger.Warn("stream %s: seeding line numbers failed: %v", streamID, err)
			} else if max >= st.nextLine {
				st.nextLine = max + 1
			}
		}
	}

	line := domain.OutputLine{
		StreamID:   streamID,
		LineNumber: st.nextLine,
		Content:    content,
		Timestamp:  m.clock(),
	}
	st.nextLine++

	st.history = append(st.history, line)
	if len(st.history) > m.opts.MaxHistory {
		st.history = st.history[len(st.history)-m.opts.MaxHistory:]
	}

	if m.opts.Persist != nil {
		if err := m.opts.Persist.AppendOutputLines(ctx, []domain.OutputLine{line}); err != nil {
			m.logger.Warn("stream %s: persisting line %d failed: %v", streamID, line.LineNumber, err)
		}
	}

	// Take the fan-out lock before releasing the state lock so concurrent
	// publishes deliver in line-number order. Sends happen outside mu.
	st.subMu.Lock()
	st.mu.Unlock()
	defer st.subMu.Unlock()
	for sub := range st.subscribers {
		select {
		case sub.ch <- line:
		default:
			st.dropped++
			m.metrics.DroppedLogLines.Inc()
		}
	}
}

// MarkComplete signals end-of-stream. Subscribers finish once they drain
// their buffers. Idempotent.
func (m *Multiplexer) MarkComplete(streamID string) {
	st := m.stream(streamID)
	st.mu.Lock()
	if st.complete {
		st.mu.Unlock()
		return
	}
	st.complete = true
	st.completedAt = m.clock()
	st.subMu.Lock()
	st.mu.Unlock()
	defer st.subMu.Unlock()
	if st.dropped > 0 {
		m.logger.Warn("stream %s: dropped %d line(s) for slow subscribers", streamID, st.dropped)
	}
	for sub := range st.subscribers {
		close(sub.ch)
		delete(st.subscribers, sub)
	}
}

// Subscription delivers historical then live lines for one subscriber.
type Subscription struct {
	mux    *Multiplexer
	stream *streamState
	ch     chan domain.OutputLine
	out    chan domain.OutputLine

	closeOnce sync.Once
}

// Lines is the ordered line sequence. It is closed once the stream is
// complete and all buffered lines have been delivered.
func (s *Subscription) Lines() <-chan domain.OutputLine { return s.out }

// Close detaches the subscriber. Safe to call more than once and after the
// stream completed.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.stream.subMu.Lock()
		if _, ok := s.stream.subscribers[s]; ok {
			delete(s.stream.subscribers, s)
			close(s.ch)
		}
		s.stream.subMu.Unlock()
	})
}

// Subscribe attaches a subscriber that first receives history from fromLine
// and then live lines. The caller must either drain Lines to completion or
// call Close. The context bounds delivery; once done, the subscription shuts
// down.
func (m *Multiplexer) Subscribe(ctx context.Context, streamID string, fromLine int64) *Subscription {
	st := m.stream(streamID)

	st.mu.Lock()
	var snapshot []domain.OutputLine
	for _, line := range st.history {
		if line.LineNumber >= fromLine {
			snapshot = append(snapshot, line)
		}
	}
	firstRetained := st.nextLine
	if len(st.history) > 0 {
		firstRetained = st.history[0].LineNumber
	}
	sub := &Subscription{
		mux:    m,
		stream: st,
		ch:     make(chan domain.OutputLine, m.opts.SubscriberBuffer),
		out:    make(chan domain.OutputLine, m.opts.SubscriberBuffer),
	}
	st.subMu.Lock()
	if st.complete {
		close(sub.ch)
	} else {
		st.subscribers[sub] = struct{}{}
	}
	st.subMu.Unlock()
	st.mu.Unlock()

	// Lines evicted from memory are backfilled from the durable store.
	var persisted []domain.OutputLine
	if m.opts.Persist != nil && fromLine < firstRetained {
		older, err := m.opts.Persist.GetOutputLines(ctx, streamID, fromLine)
		if err != nil {
			m.logger.Warn("stream %s: history backfill failed: %v", streamID, err)
		} else {
			for _, line := range older {
				if line.LineNumber < firstRetained {
					persisted = append(persisted, line)
				}
			}
		}
	}

	async.Go(m.logger, "stream-subscriber "+streamID, func() {
		sub.run(ctx, persisted, snapshot)
	})
	return sub
}

func (s *Subscription) run(ctx context.Context, persisted, snapshot []domain.OutputLine) {
	defer close(s.out)
	defer s.Close()

	next := int64(0)
	emit := func(line domain.OutputLine) bool {
		if line.LineNumber < next {
			return true
		}
		select {
		case s.out <- line:
			next = line.LineNumber + 1
			return true
		case <-ctx.Done():
			return false
		}
	}

	for _, line := range persisted {
		if !emit(line) {
			return
		}
	}
	for _, line := range snapshot {
		if !emit(line) {
			return
		}
	}
	for {
		select {
		case line, ok := <-s.ch:
			if !ok {
				return
			}
			if !emit(line) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// GetHistory returns a snapshot of lines from fromLine on. In-memory history
// is preferred; lines that fell out of the retained window come from the
// durable store when one is configured.
func (m *Multiplexer) GetHistory(ctx context.Context, streamID string, fromLine int64) ([]domain.OutputLine, error) {
	st := m.stream(streamID)
	st.mu.Lock()
	var lines []domain.OutputLine
	for _, line := range st.history {
		if line.LineNumber >= fromLine {
			lines = append(lines, line)
		}
	}
	firstRetained := st.nextLine
	if len(st.history) > 0 {
		firstRetained = st.history[0].LineNumber
	}
	st.mu.Unlock()

	if m.opts.Persist == nil || fromLine >= firstRetained {
		return lines, nil
	}
	older, err := m.opts.Persist.GetOutputLines(ctx, streamID, fromLine)
	if err != nil {
		return nil, err
	}
	var merged []domain.OutputLine
	for _, line := range older {
		if line.LineNumber < firstRetained {
			merged = append(merged, line)
		}
	}
	return append(merged, lines...), nil
}

// CleanupOldStreams drops in-memory state for streams completed longer than
// the retention ago and returns their ids. Durable cleanup is the caller's
// concern.
func (m *Multiplexer) CleanupOldStreams() []string {
	cutoff := m.clock().Add(-m.opts.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for id, st := range m.streams {
		st.mu.Lock()
		expired := st.complete && st.completedAt.Before(cutoff)
		st.mu.Unlock()
		if expired {
			delete(m.streams, id)
			removed = append(removed, id)
		}
	}
	return removed
}
