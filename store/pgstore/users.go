package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/monstermq/monstermq/auth"
)

// Users implements auth.UserStore on the shared pool.
type Users struct {
	store *Store
}

var _ auth.UserStore = (*Users)(nil)

func NewUsers(s *Store) *Users { return &Users{store: s} }

func (u *Users) GetUser(ctx context.Context, username string) (*auth.User, error) {
	usr := &auth.User{Username: username}
	err := u.store.pool.QueryRow(ctx, `
		SELECT password_hash, enabled, can_subscribe, can_publish, is_admin
		FROM users WHERE username = $1`, username).
		Scan(&usr.PasswordHash, &usr.Enabled, &usr.CanSubscribe, &usr.CanPublish, &usr.IsAdmin)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return usr, nil
}

func (u *Users) PutUser(ctx context.Context, usr *auth.User) error {
	_, err := u.store.pool.Exec(ctx, `
		INSERT INTO users (username, password_hash, enabled, can_subscribe, can_publish, is_admin)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (username) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			enabled = EXCLUDED.enabled,
			can_subscribe = EXCLUDED.can_subscribe,
			can_publish = EXCLUDED.can_publish,
			is_admin = EXCLUDED.is_admin`,
		usr.Username, usr.PasswordHash, usr.Enabled, usr.CanSubscribe, usr.CanPublish, usr.IsAdmin)
	return err
}

func (u *Users) DeleteUser(ctx context.Context, username string) error {
	_, err := u.store.pool.Exec(ctx, `DELETE FROM users WHERE username = $1`, username)
	return err
}

func (u *Users) Rules(ctx context.Context, username string) ([]*auth.AclRule, error) {
	rows, err := u.store.pool.Query(ctx, `
		SELECT username, topic_pattern, can_subscribe, can_publish, priority
		FROM acl_rules WHERE username = $1`, username)
	if err != nil {
		return nil, err
	}
	return scanRules(rows)
}

func (u *Users) AllRules(ctx context.Context) ([]*auth.AclRule, error) {
	rows, err := u.store.pool.Query(ctx, `
		SELECT username, topic_pattern, can_subscribe, can_publish, priority
		FROM acl_rules`)
	if err != nil {
		return nil, err
	}
	return scanRules(rows)
}

func scanRules(rows pgx.Rows) ([]*auth.AclRule, error) {
	defer rows.Close()
	var out []*auth.AclRule
	for rows.Next() {
		r := &auth.AclRule{}
		if err := rows.Scan(&r.Username, &r.TopicPattern, &r.CanSubscribe, &r.CanPublish, &r.Priority); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (u *Users) PutRule(ctx context.Context, r *auth.AclRule) error {
	_, err := u.store.pool.Exec(ctx, `
		INSERT INTO acl_rules (username, topic_pattern, can_subscribe, can_publish, priority)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (username, topic_pattern) DO UPDATE SET
			can_subscribe = EXCLUDED.can_subscribe,
			can_publish = EXCLUDED.can_publish,
			priority = EXCLUDED.priority`,
		r.Username, r.TopicPattern, r.CanSubscribe, r.CanPublish, r.Priority)
	return err
}

func (u *Users) DeleteRule(ctx context.Context, username, pattern string) error {
	_, err := u.store.pool.Exec(ctx,
		`DELETE FROM acl_rules WHERE username = $1 AND topic_pattern = $2`, username, pattern)
	return err
}
