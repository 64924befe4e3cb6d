package topic

import (
	"errors"
	"strings"
	"sync"
)

var (
	ErrInvalidFilter = errors.New("topic: invalid topic filter")
	ErrInvalidName   = errors.New("topic: invalid topic name")
)

// Index answers "which subscribers for topic T" in time proportional to the
// segment count. Literal filters live in an exact-match map, wildcard
// filters in a trie; Match returns the union.
type Index struct {
	mu sync.RWMutex

	exact map[string]map[string]struct{} // topic -> set of client ids
	trie  *Trie
	// byClient tracks each client's filters so a disconnect can purge in one
	// pass and wildcard-aware option lookups can iterate them.
	byClient map[string]map[string]struct{}
}

func NewIndex() *Index {
	return &Index{
		exact:    make(map[string]map[string]struct{}),
		trie:     NewTrie(),
		byClient: make(map[string]map[string]struct{}),
	}
}

// IsWildcard reports whether filter needs the trie.
func IsWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

// Subscribe installs (clientID, filter). Re-subscribing to the same filter
// is idempotent here; option replacement happens a layer up.
func (x *Index) Subscribe(clientID, filter string) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if IsWildcard(filter) {
		x.trie.Add(clientID, filter)
	} else {
		set, ok := x.exact[filter]
		if !ok {
			set = make(map[string]struct{})
			x.exact[filter] = set
		}
		set[clientID] = struct{}{}
	}
	filters, ok := x.byClient[clientID]
	if !ok {
		filters = make(map[string]struct{})
		x.byClient[clientID] = filters
	}
	filters[filter] = struct{}{}
	return nil
}

// Unsubscribe removes (clientID, filter) and reports whether it existed.
func (x *Index) Unsubscribe(clientID, filter string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.unsubscribeLocked(clientID, filter)
}

func (x *Index) unsubscribeLocked(clientID, filter string) bool {
	existed := false
	if IsWildcard(filter) {
		existed = x.trie.Remove(clientID, filter)
	} else if set, ok := x.exact[filter]; ok {
		if _, existed = set[clientID]; existed {
			delete(set, clientID)
			if len(set) == 0 {
				delete(x.exact, filter)
			}
		}
	}
	if filters, ok := x.byClient[clientID]; ok {
		delete(filters, filter)
		if len(filters) == 0 {
			delete(x.byClient, clientID)
		}
	}
	return existed
}

// RemoveClient purges every subscription of clientID.
func (x *Index) RemoveClient(clientID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for filter := range x.byClient[clientID] {
		x.unsubscribeLocked(clientID, filter)
	}
}

// MatchEntry is one subscription matched by a concrete topic.
type MatchEntry struct {
	ClientID string
	Filter   string
}

// Match returns every subscription matching topic. A client subscribed via
// both an exact and a wildcard filter appears once per filter; overlap
// collapsing is the dispatcher's concern.
func (x *Index) Match(topic string) []MatchEntry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []MatchEntry
	for clientID := range x.exact[topic] {
		out = append(out, MatchEntry{ClientID: clientID, Filter: topic})
	}
	x.trie.Walk(topic, func(clientID, filter string) {
		out = append(out, MatchEntry{ClientID: clientID, Filter: filter})
	})
	return out
}

// HasSubscriber reports whether (clientID, filter) is currently installed.
// Retain-handling=1 uses it to decide "send only if new".
func (x *Index) HasSubscriber(filter, clientID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	filters, ok := x.byClient[clientID]
	if !ok {
		return false
	}
	_, ok = filters[filter]
	return ok
}

// Filters returns a snapshot of clientID's filters.
func (x *Index) Filters(clientID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.byClient[clientID]))
	for filter := range x.byClient[clientID] {
		out = append(out, filter)
	}
	return out
}
