package monstermq

import (
	"context"
	"net/http"
	"time"

	"github.com/golang-io/requests"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Stat struct {
	Uptime            prometheus.Counter
	ActiveConnections prometheus.Gauge
	PacketReceived    prometheus.Counter
	ByteReceived      prometheus.Counter
	PacketSent        prometheus.Counter
	ByteSent          prometheus.Counter
	MessagesIn        prometheus.Counter
	MessagesOut       prometheus.Counter
	MessagesQueued    prometheus.Gauge
	RetainedMessages  prometheus.Gauge
	SessionsTotal     prometheus.Gauge
	ArchivedMessages  prometheus.Counter
	DroppedMessages   prometheus.Counter
}

var stat = Stat{
	Uptime:            prometheus.NewCounter(prometheus.CounterOpts{Name: "monstermq_uptime_seconds", Help: "The uptime in seconds"}),
	ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{Name: "monstermq_active_client_count", Help: "The active number of MQTT clients"}),
	PacketReceived:    prometheus.NewCounter(prometheus.CounterOpts{Name: "monstermq_received_packets", Help: "The total number of received MQTT packets"}),
	ByteReceived:      prometheus.NewCounter(prometheus.CounterOpts{Name: "monstermq_received_bytes", Help: "The total number of received MQTT bytes"}),
	PacketSent:        prometheus.NewCounter(prometheus.CounterOpts{Name: "monstermq_send_packets", Help: "The total number of send MQTT packets"}),
	ByteSent:          prometheus.NewCounter(prometheus.CounterOpts{Name: "monstermq_send_bytes", Help: "The total number of send MQTT bytes"}),
	MessagesIn:        prometheus.NewCounter(prometheus.CounterOpts{Name: "monstermq_messages_in", Help: "The total number of application messages received"}),
	MessagesOut:       prometheus.NewCounter(prometheus.CounterOpts{Name: "monstermq_messages_out", Help: "The total number of application messages delivered"}),
	MessagesQueued:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "monstermq_messages_queued", Help: "The current number of queued offline messages"}),
	RetainedMessages:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "monstermq_retained_messages", Help: "The current number of retained messages"}),
	SessionsTotal:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "monstermq_sessions_total", Help: "The current number of sessions, connected or not"}),
	ArchivedMessages:  prometheus.NewCounter(prometheus.CounterOpts{Name: "monstermq_archived_messages", Help: "The total number of messages written to archive groups"}),
	DroppedMessages:   prometheus.NewCounter(prometheus.CounterOpts{Name: "monstermq_dropped_messages", Help: "The total number of messages dropped by queue bounds or ACL"}),
}

func genID() string { return requests.GenId() }

func serverLog(_ context.Context, s *requests.Stat) {
	log.Info().Msg(s.Print())
}

// Httpd serves /metrics and pprof on addr until the context is canceled.
func Httpd(ctx context.Context, addr string) error {
	stat.Register()
	stat.RefreshUptime()
	mux := requests.NewServeMux(requests.URL(addr), requests.Logf(serverLog))
	mux.Route("/metrics", promhttp.Handler())
	mux.Pprof()
	s := requests.NewServer(ctx, mux, requests.OnStart(func(s *http.Server) {
		log.Info().Str("addr", s.Addr).Msg("http serve")
	}))
	return s.ListenAndServe()
}

func (s *Stat) RefreshUptime() {
	go func() {
		tick := time.NewTicker(time.Second)
		for range tick.C {
			s.Uptime.Inc()
		}
	}()
}

func (s *Stat) Register() {
	prometheus.MustRegister(s.Uptime)
	prometheus.MustRegister(s.ActiveConnections)
	prometheus.MustRegister(s.PacketReceived)
	prometheus.MustRegister(s.ByteReceived)
	prometheus.MustRegister(s.PacketSent)
	prometheus.MustRegister(s.ByteSent)
	prometheus.MustRegister(s.MessagesIn)
	prometheus.MustRegister(s.MessagesOut)
	prometheus.MustRegister(s.MessagesQueued)
	prometheus.MustRegister(s.RetainedMessages)
	prometheus.MustRegister(s.SessionsTotal)
	prometheus.MustRegister(s.ArchivedMessages)
	prometheus.MustRegister(s.DroppedMessages)
}
