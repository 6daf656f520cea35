package main

import "github.com/prometheus/client_golang/prometheus"

var (
	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "iptv_glass_ws_connections",
			Help: "Current number of active pairing connections.",
		},
	)
	wsRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "iptv_glass_ws_rooms",
			Help: "Current number of pairing rooms.",
		},
	)
	wsMessagesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iptv_glass_ws_messages_delivered_total",
			Help: "Total relay messages delivered to peers.",
		},
	)
	proxyRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iptv_glass_proxy_requests_total",
			Help: "Total stream proxy requests received.",
		},
	)
	proxyErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iptv_glass_proxy_errors_total",
			Help: "Total stream proxy requests that failed before or during transfer.",
		},
	)
)

func init() {
	prometheus.MustRegister(wsConnections, wsRooms, wsMessagesDelivered, proxyRequests, proxyErrors)
}

func incConnections() {
	wsConnections.Inc()
}

func decConnections() {
	wsConnections.Dec()
}

func setRooms(count int) {
	wsRooms.Set(float64(count))
}

func addDelivered(count int) {
	wsMessagesDelivered.Add(float64(count))
}
