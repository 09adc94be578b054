package journal

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func openTestJournal(t *testing.T, maxEvents int) *Journal {
	t.Helper()
	j, err := Open(Config{
		Path:      filepath.Join(t.TempDir(), "journal.db"),
		MaxEvents: maxEvents,
		NoSync:    true,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendAndRecent(t *testing.T) {
	j := openTestJournal(t, 0)

	if err := j.Append(KindEndpointHealth, `{"url":"https://a","healthy":false}`); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := j.Append(KindFeeEstimate, `{"priorityFee":50000}`); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	events, err := j.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Recent() returned %d events, want 2", len(events))
	}
	// Newest first.
	if events[0].Kind != KindFeeEstimate || events[1].Kind != KindEndpointHealth {
		t.Errorf("order = [%s, %s], want [fee_estimate, endpoint_health]", events[0].Kind, events[1].Kind)
	}
	if events[0].Seq <= events[1].Seq {
		t.Errorf("sequence not increasing: %d then %d", events[1].Seq, events[0].Seq)
	}
	if events[0].At.IsZero() {
		t.Error("event timestamp not set")
	}
}

func TestRecentLimit(t *testing.T) {
	j := openTestJournal(t, 0)

	for i := 0; i < 10; i++ {
		if err := j.Append(KindSubmission, fmt.Sprintf(`{"n":%d}`, i)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	events, err := j.Recent(3)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Recent(3) returned %d events", len(events))
	}
	if events[0].Detail != `{"n":9}` {
		t.Errorf("newest event = %s, want n=9", events[0].Detail)
	}
}

func TestRetentionTrim(t *testing.T) {
	j := openTestJournal(t, 5)

	for i := 0; i < 20; i++ {
		if err := j.Append(KindSubmission, fmt.Sprintf(`{"n":%d}`, i)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	n, err := j.Len()
	if err != nil {
		t.Fatalf("Len() error = %v", err)
	}
	if n != 5 {
		t.Errorf("Len() = %d, want retention bound 5", n)
	}

	events, err := j.Recent(100)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("Recent() returned %d events, want 5", len(events))
	}
	// The most recent writes survive trimming.
	if events[0].Detail != `{"n":19}` {
		t.Errorf("newest retained = %s, want n=19", events[0].Detail)
	}
	if events[4].Detail != `{"n":15}` {
		t.Errorf("oldest retained = %s, want n=15", events[4].Detail)
	}
}

func TestReopenKeepsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(Config{Path: path, NoSync: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := j.Append(KindEndpointHealth, `{"url":"https://a"}`); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	events, err := reopened.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(events) != 1 || events[0].Kind != KindEndpointHealth {
		t.Errorf("events after reopen = %+v", events)
	}
}

func TestClosedJournal(t *testing.T) {
	j := openTestJournal(t, 0)
	j.Close()

	if err := j.Append(KindSubmission, "{}"); !errors.Is(err, ErrClosed) {
		t.Errorf("Append() after Close error = %v, want ErrClosed", err)
	}
	if _, err := j.Recent(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Recent() after Close error = %v, want ErrClosed", err)
	}
}
