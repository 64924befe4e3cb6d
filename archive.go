package monstermq

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/monstermq/monstermq/topic"
)

// ArchiveGroup captures messages matching its filters into an append-only
// store and, optionally, a last-value projection. Writes are batched.
type ArchiveGroup struct {
	Name string
	// Enabled turns the group on; a disabled group captures nothing.
	Enabled bool
	Filters []string
	// RetainedOnly restricts capture to messages published with the
	// retain flag.
	RetainedOnly bool
	Store        ArchiveStore
	LastValue    LastValueStore
	// Retention bounds the archive age, parsed by ParseRetention. Zero
	// keeps everything.
	Retention time.Duration

	BatchSize     int
	FlushInterval time.Duration

	mu    sync.Mutex
	batch []*ArchiveEntry
	done  chan struct{}
	wg    sync.WaitGroup
}

// ParseRetention parses a retention like "36h", "14d", "12w", "6M" or "1y".
// s, m and h carry their usual meanings; d is 24h, w is 7d, M is 30d and y
// is 365d.
func ParseRetention(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("archive: invalid retention %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("archive: invalid retention %q", s)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	case 'M':
		unit = 30 * 24 * time.Hour
	case 'y':
		unit = 365 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("archive: invalid retention unit %q", s)
	}
	return time.Duration(n) * unit, nil
}

func (g *ArchiveGroup) start() {
	if !g.Enabled {
		return
	}
	if g.BatchSize <= 0 {
		g.BatchSize = 1000
	}
	if g.FlushInterval <= 0 {
		g.FlushInterval = 5 * time.Second
	}
	g.done = make(chan struct{})
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		tick := time.NewTicker(g.FlushInterval)
		defer tick.Stop()
		for {
			select {
			case <-g.done:
				g.flush()
				return
			case <-tick.C:
				g.flush()
			}
		}
	}()
}

func (g *ArchiveGroup) matches(t string) bool {
	for _, f := range g.Filters {
		if topic.Match(f, t) {
			return true
		}
	}
	return false
}

func (g *ArchiveGroup) offer(e *ArchiveEntry) {
	g.mu.Lock()
	g.batch = append(g.batch, e)
	full := len(g.batch) >= g.BatchSize
	g.mu.Unlock()
	if full {
		g.flush()
	}
}

func (g *ArchiveGroup) flush() {
	g.mu.Lock()
	batch := g.batch
	g.batch = nil
	g.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if g.Store != nil {
		if err := g.Store.Append(ctx, batch); err != nil {
			log.Error().Err(err).Str("group", g.Name).Int("entries", len(batch)).Msg("archive: append failed")
		} else {
			stat.ArchivedMessages.Add(float64(len(batch)))
		}
	}
	if g.LastValue != nil {
		if err := g.LastValue.Put(ctx, batch); err != nil {
			log.Error().Err(err).Str("group", g.Name).Msg("archive: last-value put failed")
		}
	}
}

func (g *ArchiveGroup) stop() {
	if g.done == nil {
		return
	}
	close(g.done)
	g.wg.Wait()
}

// Archiver fans captured messages out to every matching group.
type Archiver struct {
	groups []*ArchiveGroup
}

func NewArchiver(groups ...*ArchiveGroup) *Archiver {
	a := &Archiver{groups: groups}
	for _, g := range groups {
		g.start()
	}
	return a
}

// Capture offers a message to every group whose filters match its topic.
func (a *Archiver) Capture(msg *BrokerMessage) {
	if len(a.groups) == 0 {
		return
	}
	var entry *ArchiveEntry
	for _, g := range a.groups {
		if !g.Enabled {
			continue
		}
		if g.RetainedOnly && !msg.Retain {
			continue
		}
		if !g.matches(msg.Topic) {
			continue
		}
		if entry == nil {
			entry = &ArchiveEntry{
				Topic:     msg.Topic,
				Timestamp: msg.Created,
				Payload:   msg.Payload,
				QoS:       msg.QoS,
				Retain:    msg.Retain,
				ClientID:  msg.ClientID,
			}
			for _, up := range msg.UserProperties {
				entry.UserProperties = append(entry.UserProperties, [2]string{up.Key, up.Value})
			}
		}
		g.offer(entry)
	}
}

// Purge enforces each group's retention. Intended to run on the cluster
// leader only.
func (a *Archiver) Purge(ctx context.Context, now time.Time) {
	for _, g := range a.groups {
		if g.Retention == 0 || g.Store == nil {
			continue
		}
		n, err := g.Store.PurgeOlderThan(ctx, now.Add(-g.Retention))
		if err != nil {
			log.Error().Err(err).Str("group", g.Name).Msg("archive: purge failed")
			continue
		}
		if n > 0 {
			log.Debug().Str("group", g.Name).Int("purged", n).Msg("archive: purge")
		}
	}
}

// Close flushes and stops every group.
func (a *Archiver) Close() {
	for _, g := range a.groups {
		g.stop()
	}
}
