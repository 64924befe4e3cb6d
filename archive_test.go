package monstermq

import (
	"context"
	"testing"
	"time"
)

func TestParseRetention(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"30s", 30 * time.Second, false},
		{"15m", 15 * time.Minute, false},
		{"36h", 36 * time.Hour, false},
		{"14d", 14 * 24 * time.Hour, false},
		{"2w", 2 * 7 * 24 * time.Hour, false},
		{"6M", 6 * 30 * 24 * time.Hour, false},
		{"1y", 365 * 24 * time.Hour, false},
		{"", 0, true},
		{"d", 0, true},
		{"0d", 0, true},
		{"-3h", 0, true},
		{"10x", 0, true},
	}
	for _, c := range cases {
		got, err := ParseRetention(c.in)
		if c.err != (err != nil) {
			t.Errorf("ParseRetention(%q) err = %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseRetention(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestArchiverCaptureFiltersAndBatches(t *testing.T) {
	store := NewMemoryArchiveStore()
	a := NewArchiver(&ArchiveGroup{
		Name:          "telemetry",
		Enabled:       true,
		Filters:       []string{"tele/#"},
		Store:         store,
		BatchSize:     2,
		FlushInterval: time.Hour, // batch size triggers the flush
	})
	defer a.Close()

	a.Capture(&BrokerMessage{Topic: "cmd/reboot", Payload: []byte("n"), Created: time.Now()})
	a.Capture(&BrokerMessage{Topic: "tele/a", Payload: []byte("1"), Created: time.Now()})
	if got := len(store.Entries()); got != 0 {
		t.Fatalf("flushed early: %d entries", got)
	}
	a.Capture(&BrokerMessage{Topic: "tele/b", Payload: []byte("2"), Created: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for len(store.Entries()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	entries := store.Entries()
	if len(entries) != 2 {
		t.Fatalf("archived %d entries, want 2", len(entries))
	}
	if entries[0].Topic != "tele/a" || entries[1].Topic != "tele/b" {
		t.Errorf("topics: %q %q", entries[0].Topic, entries[1].Topic)
	}
}

func TestArchiverCloseFlushesPartialBatch(t *testing.T) {
	store := NewMemoryArchiveStore()
	a := NewArchiver(&ArchiveGroup{
		Name:          "all",
		Enabled:       true,
		Filters:       []string{"#"},
		Store:         store,
		BatchSize:     100,
		FlushInterval: time.Hour,
	})
	a.Capture(&BrokerMessage{Topic: "x", Payload: []byte("1"), Created: time.Now()})
	a.Close()
	if got := len(store.Entries()); got != 1 {
		t.Errorf("close flushed %d entries, want 1", got)
	}
}

func TestArchiverPurgeHonorsRetention(t *testing.T) {
	store := NewMemoryArchiveStore()
	old := &ArchiveEntry{Topic: "t", Timestamp: time.Now().Add(-48 * time.Hour)}
	fresh := &ArchiveEntry{Topic: "t", Timestamp: time.Now()}
	if err := store.Append(context.Background(), []*ArchiveEntry{old, fresh}); err != nil {
		t.Fatal(err)
	}

	a := NewArchiver(&ArchiveGroup{
		Name:      "ret",
		Enabled:   true,
		Filters:   []string{"#"},
		Store:     store,
		Retention: 24 * time.Hour,
	})
	defer a.Close()

	a.Purge(context.Background(), time.Now())
	entries := store.Entries()
	if len(entries) != 1 || !entries[0].Timestamp.Equal(fresh.Timestamp) {
		t.Errorf("after purge: %d entries", len(entries))
	}
}

func TestArchiverSkipsDisabledGroup(t *testing.T) {
	store := NewMemoryArchiveStore()
	a := NewArchiver(&ArchiveGroup{
		Name:          "paused",
		Enabled:       false,
		Filters:       []string{"#"},
		Store:         store,
		BatchSize:     1,
		FlushInterval: time.Hour,
	})
	defer a.Close()

	a.Capture(&BrokerMessage{Topic: "tele/a", Payload: []byte("1"), Created: time.Now()})
	time.Sleep(50 * time.Millisecond)
	if got := len(store.Entries()); got != 0 {
		t.Errorf("disabled group archived %d entries", got)
	}
}

func TestArchiverRetainedOnlyGroup(t *testing.T) {
	store := NewMemoryArchiveStore()
	a := NewArchiver(&ArchiveGroup{
		Name:          "retained",
		Enabled:       true,
		RetainedOnly:  true,
		Filters:       []string{"#"},
		Store:         store,
		BatchSize:     1,
		FlushInterval: time.Hour,
	})
	defer a.Close()

	a.Capture(&BrokerMessage{Topic: "tele/live", Payload: []byte("n"), Created: time.Now()})
	a.Capture(&BrokerMessage{Topic: "tele/state", Payload: []byte("y"), Retain: true, Created: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for len(store.Entries()) < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	entries := store.Entries()
	if len(entries) != 1 || entries[0].Topic != "tele/state" {
		t.Fatalf("entries = %+v, want only the retained publish", entries)
	}
}
