package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/monstermq/monstermq"
)

// Archive implements monstermq.ArchiveStore on the shared pool. Multiple
// archive groups can share one database; Table separates them.
type Archive struct {
	store *Store
}

var _ monstermq.ArchiveStore = (*Archive)(nil)

// NewArchive exposes the pool's archive table as an ArchiveStore.
func NewArchive(s *Store) *Archive { return &Archive{store: s} }

func (a *Archive) Append(ctx context.Context, entries []*monstermq.ArchiveEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		props, err := json.Marshal(e.UserProperties)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO archive (topic, ts, payload, qos, retain, client_id, user_props)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			e.Topic, e.Timestamp, e.Payload, e.QoS, e.Retain, e.ClientID, props)
	}
	return a.store.pool.SendBatch(ctx, batch).Close()
}

func (a *Archive) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := a.store.pool.Exec(ctx, `DELETE FROM archive WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
