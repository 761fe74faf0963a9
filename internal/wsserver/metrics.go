package wsserver

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nixci/runner/internal/runnerhub"
)

var (
	runnerCPUUsed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ci_runner_cpu_used",
		Help: "CPUs currently allocated, reported by the runner agent.",
	}, []string{"platform"})
	runnerMemoryUsedMB = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ci_runner_memory_used_mb",
		Help: "Memory in MB currently allocated, reported by the runner agent.",
	}, []string{"platform"})
	runnerJobsQueued = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ci_jobs_queued",
		Help: "Jobs queued, as last reported by a runner agent.",
	}, []string{"platform"})
	runnerJobsRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ci_jobs_running",
		Help: "Jobs running, as last reported by a runner agent.",
	}, []string{"platform"})
)

func init() {
	prometheus.MustRegister(runnerCPUUsed, runnerMemoryUsedMB, runnerJobsQueued, runnerJobsRunning)
}

// observeRunnerMetrics mirrors a ReportMetrics snapshot onto the control
// plane's /metrics surface (spec §6, SPEC_FULL metric names).
func observeRunnerMetrics(m runnerhub.ReportMetrics) {
	platform := string(m.Platform)
	runnerCPUUsed.WithLabelValues(platform).Set(float64(m.UsedCPUCount))
	runnerMemoryUsedMB.WithLabelValues(platform).Set(float64(m.UsedMemoryMB))
	runnerJobsQueued.WithLabelValues(platform).Set(float64(m.QueuedJobs))
	runnerJobsRunning.WithLabelValues(platform).Set(float64(m.RunningJobs))
}
