package topic

import "strings"

// node is one filter segment. Subscriptions whose filter ends here are held
// in subs, keyed by client id with the full filter as value so matches can
// report which filter fired.
type node struct {
	next map[string]*node
	subs map[string]string // clientID -> filter
}

func newNode() *node {
	return &node{next: make(map[string]*node)}
}

func (n *node) add(segments []string, clientID, filter string) {
	current := n
	for _, seg := range segments {
		child, ok := current.next[seg]
		if !ok {
			child = newNode()
			current.next[seg] = child
		}
		current = child
	}
	if current.subs == nil {
		current.subs = make(map[string]string)
	}
	current.subs[clientID] = filter
}

// remove deletes the subscription and prunes nodes left with neither
// subscribers nor children.
func (n *node) remove(segments []string, clientID string) bool {
	if len(segments) == 0 {
		if _, ok := n.subs[clientID]; !ok {
			return false
		}
		delete(n.subs, clientID)
		return true
	}
	child, ok := n.next[segments[0]]
	if !ok {
		return false
	}
	removed := child.remove(segments[1:], clientID)
	if len(child.next) == 0 && len(child.subs) == 0 {
		delete(n.next, segments[0])
	}
	return removed
}

// walk collects every subscription matching the remaining topic segments.
// At each level the literal child, the '+' child and the '#' child all
// apply; '#' terminates the walk and also matches the parent level itself.
func (n *node) walk(segments []string, collect func(clientID, filter string)) {
	if hash, ok := n.next[multi]; ok {
		for id, filter := range hash.subs {
			collect(id, filter)
		}
	}
	if len(segments) == 0 {
		for id, filter := range n.subs {
			collect(id, filter)
		}
		return
	}
	if child, ok := n.next[segments[0]]; ok {
		child.walk(segments[1:], collect)
	}
	if segments[0] != "" {
		if plus, ok := n.next[single]; ok {
			plus.walk(segments[1:], collect)
		}
	}
}

// Trie is the wildcard half of the index. All access goes through Index,
// which holds the lock.
type Trie struct {
	root *node
}

func NewTrie() *Trie {
	return &Trie{root: newNode()}
}

func (t *Trie) Add(clientID, filter string) {
	t.root.add(strings.Split(filter, "/"), clientID, filter)
}

func (t *Trie) Remove(clientID, filter string) bool {
	return t.root.remove(strings.Split(filter, "/"), clientID)
}

// Walk visits every (clientID, filter) subscription matching topic. Topics
// beginning with '$' skip the root-level wildcard children [MQTT-4.7.2-1].
func (t *Trie) Walk(topic string, collect func(clientID, filter string)) {
	segments := strings.Split(topic, "/")
	if strings.HasPrefix(topic, "$") {
		if child, ok := t.root.next[segments[0]]; ok {
			child.walk(segments[1:], collect)
		}
		return
	}
	t.root.walk(segments, collect)
}
