package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections",
		Help: "Current number of open client connections",
	})
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_users",
		Help: "Current number of authenticated users",
	})
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of persisted chat messages",
	}, []string{"kind"})
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_commands_total",
		Help: "Total number of dispatched commands",
	}, []string{"verb"})
	StoreErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_store_errors_total",
		Help: "Total number of failed store operations",
	})
	DroppedConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_dropped_connections_total",
		Help: "Connections closed because their send queue overflowed or a write failed",
	})
)

func init() {
	prometheus.MustRegister(Connections, OnlineUsers, MessagesTotal, CommandsTotal, StoreErrorsTotal, DroppedConnections)
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
