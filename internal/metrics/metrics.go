// Package metrics exposes the agent's internal operational counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hostagent_jobs_total",
		Help: "Jobs completed, partitioned by result.",
	}, []string{"result"})

	ResendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hostagent_resends_total",
		Help: "Resend requests honored by the protocol engine.",
	})

	WriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hostagent_write_failures_total",
		Help: "Transport write failures across all bot workers.",
	})

	BotWorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hostagent_bot_workers_active",
		Help: "Currently running bot worker tasks.",
	})

	ProgressUpdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hostagent_progress_updates_total",
		Help: "UpdateJobProgress calls sent to the coordination service.",
	})
)

func init() {
	prometheus.MustRegister(JobsTotal, ResendsTotal, WriteFailuresTotal, BotWorkersActive, ProgressUpdatesTotal)
}

// Serve binds the metrics endpoint to addr (cmd/hostagent defaults it to a
// loopback address); it is operational tooling for the host it runs on,
// never pushed anywhere.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
