package auth

import (
	"context"
	"testing"
	"time"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if !CheckPassword(hash, "s3cret") {
		t.Error("correct password rejected")
	}
	if CheckPassword(hash, "wrong") {
		t.Error("wrong password accepted")
	}
	if CheckPassword("not-a-hash", "s3cret") {
		t.Error("garbage hash accepted")
	}
}

func TestAuthenticatorNilStoreAllowsAll(t *testing.T) {
	a := NewAuthenticator(nil, time.Minute)
	defer a.Close()

	u, ok := a.Authenticate(context.Background(), "anyone", "anything")
	if !ok || u == nil {
		t.Fatal("nil store must pass every connect")
	}
	if !a.CanPublish(u, "any/topic") || !a.CanSubscribe(u, "#") {
		t.Error("nil store must allow every operation")
	}
}

func TestAuthenticatorCredentials(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	hash, _ := HashPassword("pw")
	store.PutUser(ctx, &User{Username: "alice", PasswordHash: hash, Enabled: true, CanPublish: true, CanSubscribe: true})
	store.PutUser(ctx, &User{Username: "off", PasswordHash: hash, Enabled: false})

	a := NewAuthenticator(store, time.Minute)
	defer a.Close()

	if _, ok := a.Authenticate(ctx, "alice", "pw"); !ok {
		t.Error("valid credentials rejected")
	}
	if _, ok := a.Authenticate(ctx, "alice", "bad"); ok {
		t.Error("bad password accepted")
	}
	if _, ok := a.Authenticate(ctx, "off", "pw"); ok {
		t.Error("disabled user accepted")
	}
	if _, ok := a.Authenticate(ctx, "nobody", "pw"); ok {
		t.Error("unknown user accepted")
	}
}

func TestAuthenticatorRulePrecedence(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	hash, _ := HashPassword("pw")
	store.PutUser(ctx, &User{Username: "dev", PasswordHash: hash, Enabled: true, CanPublish: false, CanSubscribe: false})
	// Broad deny, narrow allow at higher priority.
	store.PutRule(ctx, &AclRule{Username: "dev", TopicPattern: "tele/#", CanPublish: false, CanSubscribe: true, Priority: 1})
	store.PutRule(ctx, &AclRule{Username: "dev", TopicPattern: "tele/dev/#", CanPublish: true, CanSubscribe: true, Priority: 10})

	a := NewAuthenticator(store, time.Minute)
	defer a.Close()

	u, ok := a.Authenticate(ctx, "dev", "pw")
	if !ok {
		t.Fatal("authenticate failed")
	}

	if !a.CanPublish(u, "tele/dev/cpu") {
		t.Error("high-priority allow rule did not win")
	}
	if a.CanPublish(u, "tele/other/cpu") {
		t.Error("low-priority deny rule did not apply")
	}
	if !a.CanSubscribe(u, "tele/#") {
		t.Error("subscribe allowed by rule was denied")
	}
	// No rule matches: the user's coarse flags decide.
	if a.CanPublish(u, "cmd/reboot") {
		t.Error("unmatched topic must fall back to the user flags")
	}
}

func TestAuthenticatorAdminBypass(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	hash, _ := HashPassword("pw")
	store.PutUser(ctx, &User{Username: "root", PasswordHash: hash, Enabled: true, IsAdmin: true})
	store.PutRule(ctx, &AclRule{Username: "root", TopicPattern: "#", CanPublish: false, CanSubscribe: false, Priority: 100})

	a := NewAuthenticator(store, time.Minute)
	defer a.Close()

	u, _ := a.Authenticate(ctx, "root", "pw")
	if !a.CanPublish(u, "anything") || !a.CanSubscribe(u, "#") {
		t.Error("admin must bypass rules")
	}
}

func TestAuthenticatorRefreshPicksUpChanges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	hash, _ := HashPassword("pw")
	store.PutUser(ctx, &User{Username: "u", PasswordHash: hash, Enabled: true})
	store.PutRule(ctx, &AclRule{Username: "u", TopicPattern: "a/#", CanPublish: true})

	a := NewAuthenticator(store, time.Hour)
	defer a.Close()

	u, _ := a.Authenticate(ctx, "u", "pw")
	if !a.CanPublish(u, "a/b") {
		t.Fatal("initial rule not loaded")
	}

	store.PutRule(ctx, &AclRule{Username: "u", TopicPattern: "a/#", CanPublish: false})
	if err := a.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if a.CanPublish(u, "a/b") {
		t.Error("refresh did not pick up the rule change")
	}
}
