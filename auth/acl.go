package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/monstermq/monstermq/topic"
)

// Authenticator caches users and ACL rules in memory and answers the hot
// path without touching the store. The cache refreshes on an interval, so
// rule edits take effect within one refresh period.
type Authenticator struct {
	store    UserStore
	interval time.Duration

	mu    sync.RWMutex
	users map[string]*User
	rules map[string][]*AclRule // sorted by specificity

	done chan struct{}
}

// NewAuthenticator loads the store and starts the refresh loop. A nil store
// disables authentication: every connect and operation is allowed.
func NewAuthenticator(store UserStore, refresh time.Duration) *Authenticator {
	if refresh <= 0 {
		refresh = 60 * time.Second
	}
	a := &Authenticator{
		store:    store,
		interval: refresh,
		users:    make(map[string]*User),
		rules:    make(map[string][]*AclRule),
		done:     make(chan struct{}),
	}
	if store != nil {
		if err := a.Refresh(context.Background()); err != nil {
			log.Warn().Err(err).Msg("acl: initial load failed")
		}
		go a.loop()
	}
	return a
}

func (a *Authenticator) loop() {
	tick := time.NewTicker(a.interval)
	defer tick.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-tick.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := a.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("acl: refresh failed")
			}
			cancel()
		}
	}
}

// Refresh reloads every user and rule from the store into the cache.
func (a *Authenticator) Refresh(ctx context.Context) error {
	all, err := a.store.AllRules(ctx)
	if err != nil {
		return err
	}
	rules := make(map[string][]*AclRule)
	users := make(map[string]*User)
	for _, r := range all {
		rules[r.Username] = append(rules[r.Username], r)
		if _, ok := users[r.Username]; ok {
			continue
		}
		u, err := a.store.GetUser(ctx, r.Username)
		if err != nil {
			return err
		}
		if u != nil {
			users[r.Username] = u
		}
	}
	for _, list := range rules {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Priority > list[j].Priority })
	}
	a.mu.Lock()
	a.rules = rules
	a.users = users
	a.mu.Unlock()
	return nil
}

// Authenticate verifies the credential pair. Unknown or disabled users fail;
// a nil store passes everyone.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*User, bool) {
	if a.store == nil {
		return &User{Username: username, Enabled: true, CanSubscribe: true, CanPublish: true}, true
	}
	a.mu.RLock()
	u, ok := a.users[username]
	a.mu.RUnlock()
	if !ok {
		var err error
		u, err = a.store.GetUser(ctx, username)
		if err != nil || u == nil {
			return nil, false
		}
		a.mu.Lock()
		a.users[username] = u
		a.mu.Unlock()
	}
	if !u.Enabled || !CheckPassword(u.PasswordHash, password) {
		return nil, false
	}
	return u, true
}

// CanPublish authorizes a publish to topicName for the user.
func (a *Authenticator) CanPublish(u *User, topicName string) bool {
	return a.allowed(u, topicName, false)
}

// CanSubscribe authorizes a subscribe to filter for the user. The filter is
// checked literally against the rule patterns.
func (a *Authenticator) CanSubscribe(u *User, filter string) bool {
	return a.allowed(u, filter, true)
}

func (a *Authenticator) allowed(u *User, t string, subscribe bool) bool {
	if a.store == nil || u == nil || u.IsAdmin {
		return true
	}
	a.mu.RLock()
	list := a.rules[u.Username]
	a.mu.RUnlock()
	for _, r := range list {
		if !topic.Match(r.TopicPattern, t) {
			continue
		}
		if subscribe {
			return r.CanSubscribe
		}
		return r.CanPublish
	}
	if subscribe {
		return u.CanSubscribe
	}
	return u.CanPublish
}

// Close stops the refresh loop.
func (a *Authenticator) Close() {
	if a.store != nil {
		close(a.done)
	}
}
