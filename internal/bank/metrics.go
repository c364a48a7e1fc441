package bank

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	appendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openmc_bank_appends_total",
		Help: "Append attempts per bank, successful or not.",
	}, []string{"bank"})

	overflowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openmc_bank_overflows_total",
		Help: "Appends rejected because the bank was at capacity.",
	}, []string{"bank"})

	syncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openmc_bank_device_syncs_total",
		Help: "Completed host/device transfers per bank and direction.",
	}, []string{"bank", "direction"})
)

// MetricsHandler serves the bank metrics in Prometheus exposition format.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
