package pgstore

import (
	"context"
	"fmt"

	"github.com/monstermq/monstermq"
)

var _ monstermq.MetricsStore = (*Store)(nil)

// Persist appends one interval record to the broker_metrics time series.
func (s *Store) Persist(ctx context.Context, kind string, m *monstermq.BrokerMetrics) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO broker_metrics
			(kind, node_id, ts, messages_in, messages_out, clients_connected, subscription_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		kind, m.NodeID, m.Timestamp, m.MessagesIn, m.MessagesOut, m.ClientsConnected, m.SubscriptionCount)
	if err != nil {
		return fmt.Errorf("pgstore: persist metrics: %w", err)
	}
	return nil
}
