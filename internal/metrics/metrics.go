// Package metrics exposes the learner's internal counters and gauges as
// Prometheus instruments, the observability layer spec.md's ambient
// stack carries even though "metrics" is not a named spec.md MODULE.
//
// Grounded on ghjramos-aistore's prometheus wiring (the only pack repo
// with a metrics layer); no teacher equivalent exists.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every learner gauge/counter behind one Prometheus
// registry, so cmd/learner can mount a single /metrics handler.
type Registry struct {
	TrainStep         prometheus.Gauge
	EnvSteps          prometheus.Gauge
	KLCoeff           prometheus.Gauge
	DiscardingRate    prometheus.Gauge
	PendingQueue      prometheus.Gauge
	CheckpointsSaved  prometheus.Counter
	RolloutsDiscarded prometheus.Counter
	PolicyLoss        prometheus.Gauge
	ValueLoss         prometheus.Gauge
	GradNorm          prometheus.Gauge

	reg *prometheus.Registry
}

// New builds and registers every instrument under a fresh registry,
// labeled by policy_id so a multi-policy PBT run can be scraped from one
// process.
func New(policyID int) *Registry {
	labels := prometheus.Labels{"policy_id": strconv.Itoa(policyID)}

	r := &Registry{reg: prometheus.NewRegistry()}

	r.TrainStep = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "asynclearner", Name: "train_step", Help: "Optimizer steps taken.", ConstLabels: labels,
	})
	r.EnvSteps = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "asynclearner", Name: "env_steps", Help: "Environment steps consumed.", ConstLabels: labels,
	})
	r.KLCoeff = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "asynclearner", Name: "kl_coeff", Help: "Adaptive KL penalty coefficient.", ConstLabels: labels,
	})
	r.DiscardingRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "asynclearner", Name: "discarding_rate", Help: "Rollouts discarded per second over the 30-point sliding window.", ConstLabels: labels,
	})
	r.PendingQueue = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "asynclearner", Name: "pending_rollouts", Help: "Rollouts awaiting a macro-batch.", ConstLabels: labels,
	})
	r.CheckpointsSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "asynclearner", Name: "checkpoints_saved_total", Help: "Checkpoints written.", ConstLabels: labels,
	})
	r.RolloutsDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "asynclearner", Name: "rollouts_discarded_total", Help: "Rollouts discarded for exceeding max_policy_lag.", ConstLabels: labels,
	})
	r.PolicyLoss = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "asynclearner", Name: "policy_loss", Help: "Last minibatch's PPO surrogate loss.", ConstLabels: labels,
	})
	r.ValueLoss = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "asynclearner", Name: "value_loss", Help: "Last minibatch's value loss.", ConstLabels: labels,
	})
	r.GradNorm = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "asynclearner", Name: "grad_norm", Help: "Pre-clip gradient L2 norm.", ConstLabels: labels,
	})

	r.reg.MustRegister(
		r.TrainStep, r.EnvSteps, r.KLCoeff, r.DiscardingRate, r.PendingQueue,
		r.CheckpointsSaved, r.RolloutsDiscarded, r.PolicyLoss, r.ValueLoss, r.GradNorm,
	)
	return r
}

// Registerer exposes the underlying registry for cmd/learner's
// promhttp.HandlerFor call.
func (r *Registry) Registerer() *prometheus.Registry {
	return r.reg
}

