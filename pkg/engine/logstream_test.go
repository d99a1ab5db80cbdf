package engine

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type dropCounter struct {
	nopMetrics
	dropped int64
}

func (d *dropCounter) LogLinesDropped(n int64) { d.dropped += n }

func collect(t *testing.T, it *LogIterator) []LogLine {
	t.Helper()
	lines, err := drain(it)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	return lines
}

// drain reads the iterator until io.EOF.
func drain(it *LogIterator) ([]LogLine, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var lines []LogLine
	for {
		line, err := it.Next(ctx)
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
}

func TestLogHubAppendSplitsLines(t *testing.T) {
	store := NewMemoryStore()
	hub := NewLogHub(store, 0, zerolog.Nop(), nil)
	ctx := context.Background()

	hub.Open("d-1", 0)
	last := hub.Append(ctx, "d-1", LogStdout, "one\r\ntwo\nthree\n")
	if last.Cursor != 3 || last.Text != "three" {
		t.Errorf("expected last line 3 'three', got %d %q", last.Cursor, last.Text)
	}
	if cursor, ok := hub.Cursor("d-1"); !ok || cursor != 3 {
		t.Errorf("expected cursor 3, got %d", cursor)
	}

	lines, err := store.ReadLogs(ctx, "d-1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"one", "two", "three"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d stored lines, got %d", len(want), len(lines))
	}
	for i, l := range lines {
		if l.Text != want[i] || l.Cursor != int64(i+1) || l.Stream != LogStdout {
			t.Errorf("line %d: unexpected %+v", i, l)
		}
	}
}

func TestLogHubOpenContinuesCursor(t *testing.T) {
	hub := NewLogHub(NewMemoryStore(), 0, zerolog.Nop(), nil)
	hub.Open("d-1", 41)
	hub.Open("d-1", 0)

	if line := hub.Append(context.Background(), "d-1", LogSystem, "resumed"); line.Cursor != 42 {
		t.Errorf("expected cursor 42, got %d", line.Cursor)
	}
}

func TestLogIteratorReplayThenLive(t *testing.T) {
	hub := NewLogHub(NewMemoryStore(), 0, zerolog.Nop(), nil)
	ctx := context.Background()

	hub.Open("d-1", 0)
	hub.Append(ctx, "d-1", LogSystem, "before 1")
	hub.Append(ctx, "d-1", LogSystem, "before 2")

	it := hub.Stream("d-1", 0)
	defer it.Close()

	done := make(chan []LogLine)
	errs := make(chan error, 1)
	go func() {
		lines, err := drain(it)
		errs <- err
		done <- lines
	}()

	for i := 0; i < 5; i++ {
		hub.Append(ctx, "d-1", LogStdout, "live")
	}
	hub.Close("d-1")

	if err := <-errs; err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	lines := <-done
	if len(lines) != 7 {
		t.Fatalf("expected 7 lines, got %d", len(lines))
	}
	for i, l := range lines {
		if l.Cursor != int64(i+1) {
			t.Errorf("line %d has cursor %d", i, l.Cursor)
		}
		if l.Gap != 0 {
			t.Errorf("line %d reported a gap of %d", i, l.Gap)
		}
	}
	if it.Cursor() != 7 {
		t.Errorf("expected iterator cursor 7, got %d", it.Cursor())
	}

	// A closed deployment replays from the store and ends.
	again := hub.Stream("d-1", 5)
	rest := collect(t, again)
	if len(rest) != 2 || rest[0].Cursor != 6 {
		t.Errorf("expected lines 6-7, got %+v", rest)
	}
}

func TestLogIteratorSlowSubscriberGap(t *testing.T) {
	metrics := &dropCounter{}
	hub := NewLogHub(nil, 2, zerolog.Nop(), metrics)
	ctx := context.Background()

	hub.Open("d-1", 0)
	it := hub.Stream("d-1", 0)
	defer it.Close()

	for i := 0; i < 5; i++ {
		hub.Append(ctx, "d-1", LogStdout, "line")
	}
	hub.Close("d-1")

	lines := collect(t, it)
	if len(lines) != 2 {
		t.Fatalf("expected the 2 newest lines, got %+v", lines)
	}
	if lines[0].Cursor != 4 || lines[0].Gap != 3 {
		t.Errorf("expected cursor 4 with gap 3, got cursor %d gap %d", lines[0].Cursor, lines[0].Gap)
	}
	if lines[1].Cursor != 5 || lines[1].Gap != 0 {
		t.Errorf("expected cursor 5 without gap, got cursor %d gap %d", lines[1].Cursor, lines[1].Gap)
	}
	if metrics.dropped != 3 {
		t.Errorf("expected 3 dropped lines, got %d", metrics.dropped)
	}
}

func TestLogIteratorContextCancel(t *testing.T) {
	hub := NewLogHub(NewMemoryStore(), 0, zerolog.Nop(), nil)
	hub.Open("d-1", 0)
	it := hub.Stream("d-1", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := it.Next(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	it.Close()
	if _, err := it.Next(context.Background()); err != io.EOF {
		t.Errorf("expected EOF after Close, got %v", err)
	}
}
