// Package pgstore persists sessions, subscriptions, offline queues, users
// and archives in PostgreSQL via pgx.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/monstermq/monstermq"
)

// Store implements monstermq.SessionStore on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ monstermq.SessionStore = (*Store)(nil)

// schema is applied on Connect. Idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	client_id           TEXT PRIMARY KEY,
	clean_start         BOOLEAN NOT NULL,
	session_expiry      BIGINT NOT NULL,
	receive_maximum     INTEGER NOT NULL DEFAULT 0,
	max_packet_size     BIGINT NOT NULL DEFAULT 0,
	topic_alias_maximum INTEGER NOT NULL DEFAULT 0,
	connected           BOOLEAN NOT NULL,
	node_id             TEXT NOT NULL DEFAULT '',
	will                JSONB,
	will_delay          BIGINT NOT NULL DEFAULT 0,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS subscriptions (
	client_id           TEXT NOT NULL,
	filter              TEXT NOT NULL,
	qos                 SMALLINT NOT NULL,
	no_local            BOOLEAN NOT NULL DEFAULT FALSE,
	retain_handling     SMALLINT NOT NULL DEFAULT 0,
	retain_as_published BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (client_id, filter)
);
CREATE TABLE IF NOT EXISTS queued_messages (
	client_id TEXT NOT NULL,
	sequence  BIGSERIAL,
	message   JSONB NOT NULL,
	created   TIMESTAMPTZ NOT NULL DEFAULT now(),
	expiry    BIGINT NOT NULL DEFAULT -1,
	PRIMARY KEY (client_id, sequence)
);
CREATE TABLE IF NOT EXISTS archive (
	id         BIGSERIAL PRIMARY KEY,
	topic      TEXT NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	payload    BYTEA,
	qos        SMALLINT NOT NULL,
	retain     BOOLEAN NOT NULL,
	client_id  TEXT NOT NULL,
	user_props JSONB
);
CREATE INDEX IF NOT EXISTS archive_topic_ts ON archive (topic, ts);
CREATE TABLE IF NOT EXISTS users (
	username      TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	enabled       BOOLEAN NOT NULL DEFAULT TRUE,
	can_subscribe BOOLEAN NOT NULL DEFAULT TRUE,
	can_publish   BOOLEAN NOT NULL DEFAULT TRUE,
	is_admin      BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS acl_rules (
	username      TEXT NOT NULL REFERENCES users (username) ON DELETE CASCADE,
	topic_pattern TEXT NOT NULL,
	can_subscribe BOOLEAN NOT NULL DEFAULT FALSE,
	can_publish   BOOLEAN NOT NULL DEFAULT FALSE,
	priority      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (username, topic_pattern)
);
CREATE TABLE IF NOT EXISTS broker_metrics (
	id                 BIGSERIAL PRIMARY KEY,
	kind               TEXT NOT NULL,
	node_id            TEXT NOT NULL,
	ts                 TIMESTAMPTZ NOT NULL,
	messages_in        BIGINT NOT NULL DEFAULT 0,
	messages_out       BIGINT NOT NULL DEFAULT 0,
	clients_connected  INTEGER NOT NULL DEFAULT 0,
	subscription_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS broker_metrics_kind_ts ON broker_metrics (kind, ts);
`

// Connect opens a pool against dsn and ensures the schema exists.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) GetSession(ctx context.Context, clientID string) (*monstermq.SessionRecord, error) {
	rec := &monstermq.SessionRecord{ClientID: clientID}
	err := s.pool.QueryRow(ctx, `
		SELECT clean_start, session_expiry, receive_maximum, max_packet_size,
		       topic_alias_maximum, connected, node_id, will, will_delay, updated_at
		FROM sessions WHERE client_id = $1`, clientID).
		Scan(&rec.CleanStart, &rec.SessionExpiry, &rec.ReceiveMaximum, &rec.MaximumPacketSize,
			&rec.TopicAliasMaximum, &rec.Connected, &rec.NodeID, &rec.Will, &rec.WillDelay, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) PutSession(ctx context.Context, rec *monstermq.SessionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (client_id, clean_start, session_expiry, receive_maximum,
			max_packet_size, topic_alias_maximum, connected, node_id, will, will_delay, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
		ON CONFLICT (client_id) DO UPDATE SET
			clean_start = EXCLUDED.clean_start,
			session_expiry = EXCLUDED.session_expiry,
			receive_maximum = EXCLUDED.receive_maximum,
			max_packet_size = EXCLUDED.max_packet_size,
			topic_alias_maximum = EXCLUDED.topic_alias_maximum,
			connected = EXCLUDED.connected,
			node_id = EXCLUDED.node_id,
			will = EXCLUDED.will,
			will_delay = EXCLUDED.will_delay,
			updated_at = now()`,
		rec.ClientID, rec.CleanStart, rec.SessionExpiry, rec.ReceiveMaximum,
		rec.MaximumPacketSize, rec.TopicAliasMaximum, rec.Connected, rec.NodeID, rec.Will, rec.WillDelay)
	return err
}

func (s *Store) DeleteSession(ctx context.Context, clientID string) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM sessions WHERE client_id = $1`, clientID)
	batch.Queue(`DELETE FROM subscriptions WHERE client_id = $1`, clientID)
	batch.Queue(`DELETE FROM queued_messages WHERE client_id = $1`, clientID)
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *Store) SetConnected(ctx context.Context, clientID, nodeID string, connected bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET connected = $2, node_id = $3, updated_at = now()
		WHERE client_id = $1`, clientID, connected, nodeID)
	return err
}

func (s *Store) PutSubscription(ctx context.Context, rec *monstermq.SubscriptionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (client_id, filter, qos, no_local, retain_handling, retain_as_published)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (client_id, filter) DO UPDATE SET
			qos = EXCLUDED.qos,
			no_local = EXCLUDED.no_local,
			retain_handling = EXCLUDED.retain_handling,
			retain_as_published = EXCLUDED.retain_as_published`,
		rec.ClientID, rec.Filter, rec.QoS, rec.NoLocal, rec.RetainHandling, rec.RetainAsPublished)
	return err
}

func (s *Store) DeleteSubscription(ctx context.Context, clientID, filter string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE client_id = $1 AND filter = $2`, clientID, filter)
	return err
}

func (s *Store) Subscriptions(ctx context.Context, clientID string) ([]*monstermq.SubscriptionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT client_id, filter, qos, no_local, retain_handling, retain_as_published
		FROM subscriptions WHERE client_id = $1`, clientID)
	if err != nil {
		return nil, err
	}
	return scanSubscriptions(rows)
}

func (s *Store) AllSubscriptions(ctx context.Context, fn func(*monstermq.SubscriptionRecord) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT client_id, filter, qos, no_local, retain_handling, retain_as_published
		FROM subscriptions`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		rec := &monstermq.SubscriptionRecord{}
		if err := rows.Scan(&rec.ClientID, &rec.Filter, &rec.QoS, &rec.NoLocal,
			&rec.RetainHandling, &rec.RetainAsPublished); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanSubscriptions(rows pgx.Rows) ([]*monstermq.SubscriptionRecord, error) {
	defer rows.Close()
	var out []*monstermq.SubscriptionRecord
	for rows.Next() {
		rec := &monstermq.SubscriptionRecord{}
		if err := rows.Scan(&rec.ClientID, &rec.Filter, &rec.QoS, &rec.NoLocal,
			&rec.RetainHandling, &rec.RetainAsPublished); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Enqueue(ctx context.Context, msg *monstermq.QueuedMessage) error {
	data, err := msg.Message.Encode()
	if err != nil {
		return err
	}
	created := msg.Created
	if created.IsZero() {
		created = time.Now()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO queued_messages (client_id, message, created, expiry)
		VALUES ($1,$2,$3,$4)`, msg.ClientID, data, created, msg.Expiry)
	return err
}

func (s *Store) EnqueueBulk(ctx context.Context, msgs []*monstermq.QueuedMessage) error {
	batch := &pgx.Batch{}
	for _, msg := range msgs {
		data, err := msg.Message.Encode()
		if err != nil {
			return err
		}
		created := msg.Created
		if created.IsZero() {
			created = time.Now()
		}
		batch.Queue(`
			INSERT INTO queued_messages (client_id, message, created, expiry)
			VALUES ($1,$2,$3,$4)`, msg.ClientID, data, created, msg.Expiry)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *Store) Dequeue(ctx context.Context, clientID string, limit int) ([]*monstermq.QueuedMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sequence, message, created, expiry
		FROM queued_messages
		WHERE client_id = $1 AND (expiry < 0 OR created + expiry * interval '1 second' > now())
		ORDER BY sequence
		LIMIT $2`, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*monstermq.QueuedMessage
	for rows.Next() {
		qm := &monstermq.QueuedMessage{ClientID: clientID}
		var data []byte
		if err := rows.Scan(&qm.Sequence, &data, &qm.Created, &qm.Expiry); err != nil {
			return nil, err
		}
		if qm.Message, err = monstermq.DecodeBrokerMessage(data); err != nil {
			return nil, err
		}
		out = append(out, qm)
	}
	return out, rows.Err()
}

func (s *Store) Ack(ctx context.Context, clientID string, sequence uint64) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM queued_messages WHERE client_id = $1 AND sequence = $2`, clientID, sequence)
	return err
}

func (s *Store) QueueDepth(ctx context.Context, clientID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM queued_messages WHERE client_id = $1`, clientID).Scan(&n)
	return n, err
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM queued_messages
		WHERE expiry >= 0 AND created + expiry * interval '1 second' <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ExpireSessions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM sessions
		WHERE NOT connected AND updated_at + session_expiry * interval '1 second' <= $1
		RETURNING client_id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range expired {
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM subscriptions WHERE client_id = $1`, id); err != nil {
			return expired, err
		}
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM queued_messages WHERE client_id = $1`, id); err != nil {
			return expired, err
		}
	}
	return expired, nil
}
