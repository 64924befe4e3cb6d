package monstermq

import (
	"context"
	"testing"
)

func TestSubscriptionManagerMatchMergesOverlap(t *testing.T) {
	ctx := context.Background()
	m := NewSubscriptionManager(NewMemorySessionStore())

	if _, err := m.Subscribe(ctx, &SubscriptionRecord{ClientID: "c1", Filter: "a/#", QoS: 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Subscribe(ctx, &SubscriptionRecord{ClientID: "c1", Filter: "a/b", QoS: 2, NoLocal: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Subscribe(ctx, &SubscriptionRecord{ClientID: "c2", Filter: "a/+", QoS: 1}); err != nil {
		t.Fatal(err)
	}

	subs := m.Match("a/b")
	if len(subs) != 2 {
		t.Fatalf("got %d subscribers, want 2", len(subs))
	}
	byID := map[string]Subscriber{}
	for _, s := range subs {
		byID[s.ClientID] = s
	}
	// c1 matched by both filters: highest QoS wins, NoLocal ORs in.
	if c1 := byID["c1"]; c1.QoS != 2 || !c1.NoLocal {
		t.Errorf("c1 merge wrong: %+v", c1)
	}
	if c2 := byID["c2"]; c2.QoS != 1 || c2.NoLocal {
		t.Errorf("c2 wrong: %+v", c2)
	}
}

func TestSubscriptionManagerReplaceReportsExisted(t *testing.T) {
	ctx := context.Background()
	m := NewSubscriptionManager(NewMemorySessionStore())

	existed, err := m.Subscribe(ctx, &SubscriptionRecord{ClientID: "c", Filter: "x/y", QoS: 0})
	if err != nil || existed {
		t.Fatalf("first subscribe: existed=%v err=%v", existed, err)
	}
	existed, err = m.Subscribe(ctx, &SubscriptionRecord{ClientID: "c", Filter: "x/y", QoS: 1})
	if err != nil || !existed {
		t.Fatalf("second subscribe: existed=%v err=%v", existed, err)
	}
	if subs := m.Match("x/y"); len(subs) != 1 || subs[0].QoS != 1 {
		t.Errorf("replacement not applied: %+v", subs)
	}
}

func TestSubscriptionManagerUnsubscribe(t *testing.T) {
	ctx := context.Background()
	m := NewSubscriptionManager(NewMemorySessionStore())

	if _, err := m.Subscribe(ctx, &SubscriptionRecord{ClientID: "c", Filter: "x", QoS: 0}); err != nil {
		t.Fatal(err)
	}
	existed, err := m.Unsubscribe(ctx, "c", "x")
	if err != nil || !existed {
		t.Fatalf("unsubscribe: existed=%v err=%v", existed, err)
	}
	existed, err = m.Unsubscribe(ctx, "c", "x")
	if err != nil || existed {
		t.Fatalf("double unsubscribe: existed=%v err=%v", existed, err)
	}
	if subs := m.Match("x"); len(subs) != 0 {
		t.Errorf("subscriber survived unsubscribe: %+v", subs)
	}
}

func TestSubscriptionManagerLoadRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	if err := store.PutSubscription(ctx, &SubscriptionRecord{ClientID: "c", Filter: "q/#", QoS: 1}); err != nil {
		t.Fatal(err)
	}
	m := NewSubscriptionManager(store)
	if err := m.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if subs := m.Match("q/deep/topic"); len(subs) != 1 || subs[0].QoS != 1 {
		t.Errorf("index not rebuilt: %+v", subs)
	}
}

func TestSubscriptionManagerRemoveClient(t *testing.T) {
	ctx := context.Background()
	m := NewSubscriptionManager(NewMemorySessionStore())
	for _, f := range []string{"a", "b/#", "c/+"} {
		if _, err := m.Subscribe(ctx, &SubscriptionRecord{ClientID: "c", Filter: f}); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.RemoveClient(ctx, "c"); err != nil {
		t.Fatal(err)
	}
	for _, topic := range []string{"a", "b/x", "c/x"} {
		if subs := m.Match(topic); len(subs) != 0 {
			t.Errorf("Match(%q) after RemoveClient = %+v", topic, subs)
		}
	}
}
