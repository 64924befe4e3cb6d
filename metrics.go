package monstermq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
)

// Metric kinds collected each interval. Every node answers for its own
// subsystems; the node holding the metrics lock does the collection.
var metricsKinds = []string{"broker", "subscriptions"}

func metricsSubject(kind string) string {
	return "monstermq.metrics." + kind
}

// startMetricsReplies registers the per-subsystem responders. Answering a
// request resets that subsystem's interval counters, so only the elected
// collector should ask.
func (s *Server) startMetricsReplies() error {
	for _, kind := range metricsKinds {
		sub, err := s.bus.Reply(metricsSubject(kind), func([]byte) []byte {
			m := s.snapshotMetrics(kind)
			data, err := json.Marshal(m)
			if err != nil {
				log.Error().Err(err).Str("kind", kind).Msg("metrics: encode failed")
				return nil
			}
			return data
		})
		if err != nil {
			return err
		}
		s.busSubs = append(s.busSubs, sub)
	}
	return nil
}

// snapshotMetrics reads and resets one subsystem's interval counters.
func (s *Server) snapshotMetrics(kind string) *BrokerMetrics {
	m := &BrokerMetrics{NodeID: s.Config.NodeID, Timestamp: time.Now()}
	switch kind {
	case "broker":
		m.MessagesIn = s.msgIn.Swap(0)
		m.MessagesOut = s.msgOut.Swap(0)
		s.mu.RLock()
		m.ClientsConnected = len(s.clients)
		s.mu.RUnlock()
	case "subscriptions":
		m.SubscriptionCount = s.subs.Count()
	}
	return m
}

func (s *Server) metricsLoop() {
	tick := time.NewTicker(s.Config.MetricsInterval)
	defer tick.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-tick.C:
			s.collectMetrics()
		}
	}
}

// collectMetrics runs one collection round on the node holding the metrics
// lock: each subsystem is queried over the bus with its own timeout, a
// subsystem that does not answer in time is recorded as zero.
func (s *Server) collectMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	held, err := s.coord.TryLock(ctx, "metrics", s.Config.MetricsInterval)
	if err != nil || !held {
		return
	}
	for _, kind := range metricsKinds {
		m := &BrokerMetrics{NodeID: s.Config.NodeID, Timestamp: time.Now()}
		reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
		resp, err := s.bus.Request(reqCtx, metricsSubject(kind), nil)
		reqCancel()
		if err != nil {
			log.Warn().Err(err).Str("kind", kind).Msg("metrics: subsystem did not answer")
		} else if err := json.Unmarshal(resp, m); err != nil {
			log.Warn().Err(err).Str("kind", kind).Msg("metrics: bad subsystem answer")
		}
		if s.metrics == nil {
			continue
		}
		if err := s.metrics.Persist(ctx, kind, m); err != nil {
			log.Warn().Err(err).Str("kind", kind).Msg("metrics: persist failed")
		}
	}
}
