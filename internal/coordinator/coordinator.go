// Package coordinator implements the Learner Coordinator (spec.md §4.8,
// C8): the goroutine that drains the inbound task queue, admits rollouts
// into the intake, triggers macro-batch assembly and training steps, and
// fans the results out to the broadcaster, checkpoint manager, PBT
// handler, metrics, and report hub.
//
// Grounded on original_source/appo/learner.py's `_run`/`_train_loop`, and
// on the teacher's goroutine + channel supervision style (ppo.go's
// gatherPPORollouts loop and main.go's worker fan-in).
package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/unixpickle/serializer"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/unixpickle/asynclearner/internal/batch"
	"github.com/unixpickle/asynclearner/internal/broadcast"
	"github.com/unixpickle/asynclearner/internal/checkpoint"
	"github.com/unixpickle/asynclearner/internal/config"
	"github.com/unixpickle/asynclearner/internal/intake"
	"github.com/unixpickle/asynclearner/internal/metrics"
	"github.com/unixpickle/asynclearner/internal/model"
	"github.com/unixpickle/asynclearner/internal/pbt"
	"github.com/unixpickle/asynclearner/internal/report"
	"github.com/unixpickle/asynclearner/internal/slot"
	"github.com/unixpickle/asynclearner/internal/task"
	"github.com/unixpickle/asynclearner/internal/trainer"
)

// idlePoll is how long the drain loop sleeps when the task queue is empty
// and no macro-batch is ready, learner.py's `_run` idle-spin sleep.
const idlePoll = 5 * time.Millisecond

// trainJob is one assembled macro-batch staged for the training worker,
// the single-producer/single-consumer experience queue spec.md §5 requires
// between the drain loop and the training thread.
type trainJob struct {
	buf *batch.Buffer
	cfg config.Config
}

// Coordinator wires every learner component together and owns the single
// goroutine that advances training state.
type Coordinator struct {
	Tasks    <-chan task.Message
	Reports  chan<- task.Report

	Registry   *slot.Registry
	Intake     *intake.Intake
	Assembler  *batch.Assembler
	Trainer    *trainer.Trainer
	Broadcast  *broadcast.Broadcaster
	Checkpoint *checkpoint.Manager
	PBT        *pbt.Handler
	Metrics    *metrics.Registry
	ReportHub  *report.Hub
	Cfg        *config.Hot
	PolicyID   int
	Log        *logrus.Entry

	// trainSem is the qsize>1 back-pressure gate: weight 2 admits one
	// in-flight training step plus one staged macro-batch, so a slow
	// optimizer pass never blocks the queue-drain loop from continuing to
	// admit rollouts and discard stale ones.
	trainSem *semaphore.Weighted

	// trainQueue hands assembled macro-batches from the drain loop to the
	// dedicated training worker goroutine (spec.md §5): a single-producer/
	// single-consumer channel so the two run concurrently instead of the
	// drain loop blocking on Trainer.Step itself.
	trainQueue chan trainJob

	// lastSummaryStep and rng drive the summary rate limiter (spec.md §4.4
	// "Summaries"): a piecewise-linear minimum step interval plus an
	// independent random rejection, so not every minibatch's stats get
	// reported.
	lastSummaryStep int64
	rng             *rand.Rand
}

// New builds a Coordinator from its fully constructed dependencies.
func New(
	tasks <-chan task.Message,
	reports chan<- task.Report,
	registry *slot.Registry,
	in *intake.Intake,
	assembler *batch.Assembler,
	tr *trainer.Trainer,
	bc *broadcast.Broadcaster,
	ckpt *checkpoint.Manager,
	pbtHandler *pbt.Handler,
	reg *metrics.Registry,
	hub *report.Hub,
	cfg *config.Hot,
	policyID int,
	log *logrus.Entry,
) *Coordinator {
	return &Coordinator{
		Tasks:      tasks,
		Reports:    reports,
		Registry:   registry,
		Intake:     in,
		Assembler:  assembler,
		Trainer:    tr,
		Broadcast:  bc,
		Checkpoint: ckpt,
		PBT:        pbtHandler,
		Metrics:    reg,
		ReportHub:  hub,
		Cfg:        cfg,
		PolicyID:   policyID,
		Log:        log,
		trainSem:   semaphore.NewWeighted(2),
		trainQueue: make(chan trainJob, 1),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano() + int64(policyID))),
	}
}

// Run drains the task queue and drives macro-batch formation until ctx is
// canceled or a Terminate message arrives. It returns nil on a clean
// Terminate, or ctx.Err() on cancellation.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.drainLoop(ctx) })
	g.Go(func() error { return c.trainWorker(ctx) })
	return g.Wait()
}

// errTerminated is returned internally to unwind drainLoop on a clean
// Terminate message; drainLoop translates it to a nil error.
var errTerminated = terminatedError{}

type terminatedError struct{}

func (terminatedError) Error() string { return "coordinator: terminated" }

// drainLoop is the producer side of the experience queue: it keeps
// admitting and discarding rollouts and only ever stages a macro-batch
// into trainQueue, never running the training step itself, so a slow
// optimizer pass never blocks task handling or discard bookkeeping.
func (c *Coordinator) drainLoop(ctx context.Context) error {
	defer close(c.trainQueue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.Tasks:
			if !ok {
				return nil
			}
			if err := c.handle(ctx, msg); err != nil {
				if err == errTerminated {
					return nil
				}
				return err
			}
		default:
			progressed, err := c.tryFormMacroBatch(ctx)
			if err != nil {
				return err
			}
			if !progressed {
				time.Sleep(idlePoll)
			}
		}
	}
}

// trainWorker is the consumer side of the experience queue: the dedicated
// training thread spec.md §5 requires, running concurrently with
// drainLoop rather than inline within it.
func (c *Coordinator) trainWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-c.trainQueue:
			if !ok {
				return nil
			}
			err := c.runTrainStep(ctx, job.buf, job.cfg)
			c.trainSem.Release(1)
			if err != nil {
				return err
			}
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, msg task.Message) error {
	switch msg.Type {
	case task.Init:
		// Nothing to do beyond acknowledging; the coordinator is ready to
		// admit rollouts as soon as InitTensors messages register slots.
		return nil

	case task.InitTensors:
		p := msg.Tensors
		tensors := make(map[[2]int]interface{}, len(p.Tensors))
		numAgents := 0
		for ea, handle := range p.Tensors {
			tensors[[2]int{ea.EnvIdx, ea.AgentIdx}] = handle
			if ea.AgentIdx+1 > numAgents {
				numAgents = ea.AgentIdx + 1
			}
		}
		return c.Registry.RegisterTensors(p.WorkerIdx, p.SplitIdx, p.TrajBufferIdx, tensors, p.IsReadyTensor, numAgents)

	case task.Train:
		p := msg.Train
		for _, ref := range p.Rollouts {
			key := slot.Key{
				WorkerIdx:     p.WorkerIdx,
				SplitIdx:      p.SplitIdx,
				EnvIdx:        ref.EnvIdx,
				AgentIdx:      ref.AgentIdx,
				TrajBufferIdx: p.TrajBufferIdx,
			}
			handle, ok := c.Registry.Lookup(key)
			if !ok {
				c.Log.Warnf("coordinator: train message references unregistered slot %+v", key)
				continue
			}
			c.Intake.Admit(intake.Descriptor{
				Key:              key,
				Length:           ref.Length,
				EnvSteps:         ref.EnvSteps,
				Tensors:          handle,
				MinPolicyVersion: minPolicyVersion(handle),
			})
		}
		return nil

	case task.PBT:
		if msg.PBT.PolicyID != c.PolicyID {
			return fmt.Errorf("coordinator: pbt task for policy %d sent to learner %d", msg.PBT.PolicyID, c.PolicyID)
		}
		c.PBT.Enqueue(*msg.PBT)
		if c.Metrics != nil {
			c.Metrics.PendingQueue.Set(float64(c.Intake.Pending()))
		}
		return nil

	case task.Terminate:
		return errTerminated

	default:
		return nil
	}
}

// tryFormMacroBatch is the idle-loop body: discard stale rollouts, and if
// enough are pending and trainSem has room, assemble a macro-batch and
// stage it for the training worker. It reports
// whether it did any work this tick, so the caller knows whether to sleep.
func (c *Coordinator) tryFormMacroBatch(ctx context.Context) (bool, error) {
	cfg := c.Cfg.Get()

	before := c.Intake.NumDiscardedRollouts()
	c.Intake.DiscardStale(c.Trainer.TrainStep, cfg.MaxPolicyLag, c.PolicyID)
	discarded := c.Intake.NumDiscardedRollouts() - before
	if discarded > 0 {
		c.Broadcast.RecordDiscard(discarded)
		if c.Metrics != nil {
			c.Metrics.RolloutsDiscarded.Add(float64(discarded))
		}
	}

	numRollouts := cfg.MacroBatch / cfg.Rollout
	if c.Intake.Pending() < numRollouts {
		return discarded > 0, nil
	}

	if !c.trainSem.TryAcquire(1) {
		// A training step is already in flight and one is already staged;
		// leave the rollouts at the head of the queue rather than drop
		// them.
		return discarded > 0, nil
	}
	descriptors, ok := c.Intake.TakeMacroBatch(numRollouts)
	if !ok {
		c.trainSem.Release(1)
		return discarded > 0, nil
	}

	rollouts := make([]batch.Rollout, len(descriptors))
	for i, d := range descriptors {
		rollouts[i] = rolloutFromDescriptor(d)
	}
	buf, err := c.Assembler.Assemble(rollouts)
	if err != nil {
		c.trainSem.Release(1)
		return false, err
	}

	select {
	case c.trainQueue <- trainJob{buf: buf, cfg: cfg}:
	case <-ctx.Done():
		c.trainSem.Release(1)
		return false, ctx.Err()
	}
	return true, nil
}

// runTrainStep runs one trainer.Step on an already-assembled macro-batch,
// then broadcasts, checkpoints, and reports the result — the body of
// learner.py's `_train` call site. It runs on the dedicated training
// worker goroutine, concurrently with drainLoop continuing to admit and
// discard rollouts.
func (c *Coordinator) runTrainStep(ctx context.Context, buf *batch.Buffer, cfg config.Config) error {
	// spec.md §4.4: any pending PBT mutation (LOAD_MODEL/UPDATE_CFG) is
	// applied at the top of the training iteration, before the step that
	// consumes it.
	if err := c.PBT.ApplyPending(c.Trainer.TrainStep, c.Trainer.EnvSteps,
		func() error { return c.saveCheckpoint() },
		func(obj interface{}) error { return c.loadCrossPolicy(obj) },
	); err != nil {
		c.Log.WithError(err).Warn("coordinator: pbt apply failed")
	}

	stats, err := c.Trainer.Step(buf)
	if err != nil {
		return err
	}
	c.Trainer.EnvSteps += int64(buf.EnvStepCount)

	params, err := serializer.SerializeWithID(c.Trainer.Model)
	if err != nil {
		return err
	}
	snap := c.Broadcast.Publish(c.Trainer.TrainStep, params)

	if c.Checkpoint.ShouldSave(c.Trainer.TrainStep, cfg.InitialSaveRate) {
		if err := c.saveCheckpoint(); err != nil {
			c.Log.WithError(err).Warn("coordinator: checkpoint save failed")
		} else if c.Metrics != nil {
			c.Metrics.CheckpointsSaved.Inc()
		}
	}

	c.updateMetrics(stats, snap)
	if c.shouldSummarize() {
		c.reportStats(stats, snap)
		c.lastSummaryStep = c.Trainer.TrainStep
	}
	return nil
}

// summaryMinInterval is learner.py's piecewise-linear minimum spacing (in
// train steps) between reported summaries: early training reports often,
// then backs off as train_step grows.
func summaryMinInterval(trainStep int64) int64 {
	switch {
	case trainStep < 1_000_000:
		return 50
	case trainStep < 10_000_000:
		return 1000
	default:
		return 5000
	}
}

// shouldSummarize implements spec.md §4.4's "Summaries" rate limit: a
// piecewise-linear minimum step interval since the last reported summary,
// plus an independent 10% random rejection to decorrelate the sampling
// across policies training in lockstep.
func (c *Coordinator) shouldSummarize() bool {
	if c.Trainer.TrainStep-c.lastSummaryStep < summaryMinInterval(c.Trainer.TrainStep) {
		return false
	}
	return c.rng.Float64() >= 0.1
}

func (c *Coordinator) saveCheckpoint() error {
	return c.Checkpoint.Save(c.Trainer.TrainStep, c.Trainer.EnvSteps, c.Trainer.Model)
}

func (c *Coordinator) loadCrossPolicy(obj interface{}) error {
	ac, ok := obj.(*model.ActorCritic)
	if !ok {
		return errInvalidCrossPolicyLoad
	}
	*c.Trainer.Model = *ac
	return nil
}

var errInvalidCrossPolicyLoad = crossPolicyError{}

type crossPolicyError struct{}

func (crossPolicyError) Error() string {
	return "coordinator: cross-policy checkpoint is not a *model.ActorCritic"
}

// updateMetrics refreshes the Prometheus gauges every training step,
// unconditionally — unlike the rate-limited summary report below, a
// scrape-based gauge is cheap to keep current and callers expect it to
// reflect the latest step.
func (c *Coordinator) updateMetrics(stats *trainer.Stats, snap broadcast.Snapshot) {
	if c.Metrics == nil {
		return
	}
	c.Metrics.TrainStep.Set(float64(c.Trainer.TrainStep))
	c.Metrics.EnvSteps.Set(float64(c.Trainer.EnvSteps))
	c.Metrics.KLCoeff.Set(stats.KLCoeff)
	c.Metrics.DiscardingRate.Set(snap.DiscardingRate)
	c.Metrics.PendingQueue.Set(float64(c.Intake.Pending()))
	c.Metrics.PolicyLoss.Set(stats.PolicyLoss)
	c.Metrics.ValueLoss.Set(stats.ValueLoss)
	c.Metrics.GradNorm.Set(stats.GradNorm)
}

// reportStats publishes a rate-limited summary (spec.md §4.4 "Summaries")
// to the report hub and any external reports channel.
func (c *Coordinator) reportStats(stats *trainer.Stats, snap broadcast.Snapshot) {
	r := task.Report{
		EnvSteps: c.Trainer.EnvSteps,
		PolicyID: c.PolicyID,
		Train: map[string]interface{}{
			"policy_loss": stats.PolicyLoss,
			"value_loss":  stats.ValueLoss,
			"prior_loss":  stats.PriorLoss,
			"kl_penalty":  stats.KLPenalty,
			"mean_kl":     stats.MeanKL,
			"kl_coeff":    stats.KLCoeff,
			"grad_norm":   stats.GradNorm,
			"entropy":     stats.Entropy,
		},
		Stats: map[string]interface{}{
			"discarding_rate": snap.DiscardingRate,
			"train_step":      c.Trainer.TrainStep,
		},
	}

	if c.ReportHub != nil {
		c.ReportHub.Publish(r)
	}
	if c.Reports != nil {
		select {
		case c.Reports <- r:
		default:
		}
	}
}

// rolloutFields extracts the per-field timestep series a tensor handle
// carries, per spec.md §3's per-timestep field mapping.
func rolloutFields(handle interface{}) map[string][]interface{} {
	fields, _ := handle.(map[string][]interface{})
	return fields
}

// scalarSeries pulls a named field out of fields as a float64 series,
// defaulting to a zeroed series of length n if the field is absent.
func scalarSeries(fields map[string][]interface{}, name string, n int) []float64 {
	raw, ok := fields[name]
	if !ok {
		return make([]float64, n)
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		if f, ok := v.(float64); ok {
			out[i] = f
		}
	}
	return out
}

// minPolicyVersion computes the minimum per-step policy_version tag across
// a rollout's timesteps, the value intake.DiscardStale measures lag
// against.
func minPolicyVersion(handle interface{}) int64 {
	versions := scalarSeries(rolloutFields(handle), "policy_version", 0)
	if len(versions) == 0 {
		return 0
	}
	min := versions[0]
	for _, v := range versions[1:] {
		if v < min {
			min = v
		}
	}
	return int64(min)
}

// rolloutFromDescriptor adapts an admitted intake.Descriptor into the
// host-numeric batch.Rollout shape; the opaque tensor handle carries
// per-field series keyed the way spec.md §3 lays out trajectory slots.
func rolloutFromDescriptor(d intake.Descriptor) batch.Rollout {
	fields := rolloutFields(d.Tensors)

	opaque := make(map[string][]interface{})
	for name, series := range fields {
		switch name {
		case "reward", "done", "value", "policy_version":
			// consumed as scalar series below, not pass-through opaque.
		default:
			opaque[name] = series
		}
	}

	return batch.Rollout{
		Key:           d,
		Rewards:       scalarSeries(fields, "reward", d.Length),
		Dones:         scalarSeries(fields, "done", d.Length),
		Values:        scalarSeries(fields, "value", d.Length),
		PolicyVersion: scalarSeries(fields, "policy_version", d.Length),
		Opaque:        opaque,
	}
}
