package engine

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultLogBufferSize is the per-subscriber buffer used when none is configured.
	DefaultLogBufferSize = 256

	logReplayPageSize = 500
)

// LogHub owns the live log streams of running deployments. Lines are persisted
// to the LogStore and fanned out to subscribers. A slow subscriber never
// blocks the producer: its oldest buffered lines are dropped and the next
// delivered line records the gap.
type LogHub struct {
	mu         sync.Mutex
	streams    map[string]*logStream
	store      LogStore
	bufferSize int
	logger     zerolog.Logger
	metrics    MetricsRecorder
	now        func() time.Time
}

type logStream struct {
	mu     sync.Mutex
	cursor int64
	subs   map[*logSubscriber]struct{}
}

type logSubscriber struct {
	mu       sync.Mutex
	capacity int
	buf      []LogLine
	closed   bool
	notify   chan struct{}
	dropped  func(int64)
}

// NewLogHub creates a log hub over the given store.
func NewLogHub(store LogStore, bufferSize int, logger zerolog.Logger, metrics MetricsRecorder) *LogHub {
	if bufferSize <= 0 {
		bufferSize = DefaultLogBufferSize
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &LogHub{
		streams:    make(map[string]*logStream),
		store:      store,
		bufferSize: bufferSize,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Open starts a live stream for a deployment whose last written cursor is startCursor.
func (h *LogHub) Open(deploymentID string, startCursor int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.streams[deploymentID]; ok {
		return
	}
	h.streams[deploymentID] = &logStream{
		cursor: startCursor,
		subs:   make(map[*logSubscriber]struct{}),
	}
}

// Append writes one line to a deployment's log and returns it with its cursor.
// Text containing newlines is split into several lines; the last is returned.
func (h *LogHub) Append(ctx context.Context, deploymentID string, stream LogStream, text string) LogLine {
	h.mu.Lock()
	s, ok := h.streams[deploymentID]
	h.mu.Unlock()
	if !ok {
		h.Open(deploymentID, 0)
		h.mu.Lock()
		s = h.streams[deploymentID]
		h.mu.Unlock()
	}

	var last LogLine
	for _, part := range strings.Split(strings.TrimRight(text, "\r\n"), "\n") {
		last = s.append(ctx, h, deploymentID, stream, strings.TrimRight(part, "\r"))
	}
	return last
}

func (s *logStream) append(ctx context.Context, h *LogHub, deploymentID string, stream LogStream, text string) LogLine {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursor++
	line := LogLine{
		Cursor:    s.cursor,
		Timestamp: h.now().UTC(),
		Stream:    stream,
		Text:      text,
	}
	if h.store != nil {
		if err := h.store.AppendLog(ctx, deploymentID, line); err != nil {
			h.logger.Error().Err(err).Str("deployment_id", deploymentID).
				Int64("cursor", line.Cursor).Msg("Failed to persist log line")
		}
	}
	for sub := range s.subs {
		sub.push(line)
	}
	return line
}

// Cursor returns the last cursor written for a live deployment.
func (h *LogHub) Cursor(deploymentID string) (int64, bool) {
	h.mu.Lock()
	s, ok := h.streams[deploymentID]
	h.mu.Unlock()
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, true
}

// Close ends a deployment's live stream. Subscribers drain what they have
// buffered and then see io.EOF.
func (h *LogHub) Close(deploymentID string) {
	h.mu.Lock()
	s, ok := h.streams[deploymentID]
	delete(h.streams, deploymentID)
	h.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		sub.close()
	}
	s.subs = nil
}

// Stream returns an iterator over a deployment's log lines after the given
// cursor. Persisted lines are replayed first, then live lines follow until
// the deployment's stream is closed.
func (h *LogHub) Stream(deploymentID string, after int64) *LogIterator {
	it := &LogIterator{
		hub:          h,
		deploymentID: deploymentID,
		last:         after,
	}

	h.mu.Lock()
	s, ok := h.streams[deploymentID]
	h.mu.Unlock()
	if ok {
		sub := &logSubscriber{
			capacity: h.bufferSize,
			notify:   make(chan struct{}, 1),
			dropped:  h.metrics.LogLinesDropped,
		}
		s.mu.Lock()
		if s.subs != nil {
			s.subs[sub] = struct{}{}
			it.sub = sub
			it.stream = s
		}
		s.mu.Unlock()
	}
	return it
}

func (s *logSubscriber) push(line LogLine) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.buf) >= s.capacity {
		oldest := s.buf[0]
		s.buf = s.buf[1:]
		gap := oldest.Gap + 1
		if len(s.buf) > 0 {
			s.buf[0].Gap += gap
		} else {
			line.Gap += gap
		}
		if s.dropped != nil {
			s.dropped(1)
		}
	}
	s.buf = append(s.buf, line)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *logSubscriber) pop() (LogLine, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return LogLine{}, false, s.closed
	}
	line := s.buf[0]
	s.buf = s.buf[1:]
	return line, true, s.closed
}

func (s *logSubscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// LogIterator yields a deployment's log lines in cursor order. It is
// restartable: a new iterator created with the last seen cursor continues
// exactly where this one stopped.
type LogIterator struct {
	hub          *LogHub
	deploymentID string
	last         int64
	pending      []LogLine
	replayDone   bool
	sub          *logSubscriber
	stream       *logStream
	closed       bool
}

// Next returns the next line. It blocks for live deployments and returns
// io.EOF once the deployment has finished and every line was delivered.
func (it *LogIterator) Next(ctx context.Context) (LogLine, error) {
	if it.closed {
		return LogLine{}, io.EOF
	}

	if !it.replayDone {
		if len(it.pending) == 0 {
			if err := it.fill(ctx); err != nil {
				return LogLine{}, err
			}
		}
		if len(it.pending) > 0 {
			return it.take(), nil
		}
		it.replayDone = true
	}

	if it.sub == nil {
		return LogLine{}, io.EOF
	}

	for {
		line, ok, closed := it.sub.pop()
		if ok {
			if line.Cursor <= it.last {
				continue
			}
			// Only report missed lines this iterator has not already replayed.
			if line.Gap > 0 {
				missed := line.Cursor - 1 - it.last
				if missed < line.Gap {
					line.Gap = missed
				}
				if line.Gap < 0 {
					line.Gap = 0
				}
			}
			it.last = line.Cursor
			return line, nil
		}
		if closed {
			// Pick up anything written between the last delivery and the close.
			it.replayDone = false
			it.sub = nil
			return it.Next(ctx)
		}
		select {
		case <-ctx.Done():
			return LogLine{}, ctx.Err()
		case <-it.sub.notify:
		}
	}
}

func (it *LogIterator) fill(ctx context.Context) error {
	if it.hub.store == nil {
		return nil
	}
	lines, err := it.hub.store.ReadLogs(ctx, it.deploymentID, it.last, logReplayPageSize)
	if err != nil {
		return err
	}
	it.pending = lines
	return nil
}

func (it *LogIterator) take() LogLine {
	line := it.pending[0]
	it.pending = it.pending[1:]
	it.last = line.Cursor
	return line
}

// Cursor returns the cursor of the last line delivered.
func (it *LogIterator) Cursor() int64 {
	return it.last
}

// Close detaches the iterator from the live stream.
func (it *LogIterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	if it.stream != nil && it.sub != nil {
		it.stream.mu.Lock()
		if it.stream.subs != nil {
			delete(it.stream.subs, it.sub)
		}
		it.stream.mu.Unlock()
	}
}
