package coordinator

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/unixpickle/asynclearner/internal/batch"
	"github.com/unixpickle/asynclearner/internal/broadcast"
	"github.com/unixpickle/asynclearner/internal/config"
	"github.com/unixpickle/asynclearner/internal/intake"
	"github.com/unixpickle/asynclearner/internal/slot"
	"github.com/unixpickle/asynclearner/internal/trainer"
)

func discardLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log.WithField("test", true)
}

func newTestCoordinator(cfg config.Config) *Coordinator {
	registry := slot.New()
	return New(
		nil, nil,
		registry,
		intake.New(registry, discardLogger()),
		nil, // assembler: unreached in these tests
		&trainer.Trainer{},
		broadcast.New(),
		nil, // checkpoint manager: unreached
		nil, // pbt handler: unreached
		nil, // metrics
		nil, // report hub
		config.NewHot(cfg),
		0,
		discardLogger(),
	)
}

func descriptor(envIdx int, minVersion int64) intake.Descriptor {
	return intake.Descriptor{
		Key:              slot.Key{EnvIdx: envIdx},
		Length:           4,
		EnvSteps:         4,
		MinPolicyVersion: minVersion,
	}
}

// descriptorWithRollout is a descriptor whose tensor handle carries the
// scalar fields rolloutFromDescriptor/batch.Assembler need, so it can pass
// all the way through Assemble without touching any neural-network code.
func descriptorWithRollout(envIdx int) intake.Descriptor {
	const length = 4
	fields := map[string][]interface{}{
		"reward":         {1.0, 1.0, 1.0, 1.0},
		"done":           {0.0, 0.0, 0.0, 0.0},
		"value":          {0.0, 0.0, 0.0, 0.0},
		"policy_version": {0.0, 0.0, 0.0, 0.0},
	}
	return intake.Descriptor{
		Key:              slot.Key{EnvIdx: envIdx},
		Length:           length,
		EnvSteps:         length,
		Tensors:          fields,
		MinPolicyVersion: 0,
	}
}

// TestTryFormMacroBatchDiscardsUnderLag matches spec.md §8 scenario 2 at
// the coordinator level: rollouts admitted well behind train_step are
// discarded before a macro-batch is attempted, and the discard counter
// and pending list reflect it.
func TestTryFormMacroBatchDiscardsUnderLag(t *testing.T) {
	cfg := config.Defaults()
	cfg.MacroBatch = 2
	cfg.Rollout = 1
	cfg.MaxPolicyLag = 5

	c := newTestCoordinator(cfg)
	c.Trainer.TrainStep = 10

	for i := 0; i < 3; i++ {
		c.Intake.Admit(descriptor(i, 0))
	}

	// Hold both trainSem slots so tryFormMacroBatch can only discard, never
	// stage a training job — isolates the discard path from assembly.
	assert.True(t, c.trainSem.TryAcquire(2))

	progressed, err := c.tryFormMacroBatch(context.Background())
	assert.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, int64(3), c.Intake.NumDiscardedRollouts())
	assert.Equal(t, 0, c.Intake.Pending())
}

// TestTryFormMacroBatchRequeuesWhenTrainingInFlight covers spec.md §5's
// back-pressure requirement: when both trainSem slots are already held (a
// step in flight, one staged), the rollouts for the next macro-batch stay
// at the head of the pending list instead of being dropped.
func TestTryFormMacroBatchRequeuesWhenTrainingInFlight(t *testing.T) {
	cfg := config.Defaults()
	cfg.MacroBatch = 2
	cfg.Rollout = 1
	cfg.MaxPolicyLag = 1000

	c := newTestCoordinator(cfg)
	c.Intake.Admit(descriptor(0, 0))
	c.Intake.Admit(descriptor(1, 0))

	assert.True(t, c.trainSem.TryAcquire(2))

	progressed, err := c.tryFormMacroBatch(context.Background())
	assert.NoError(t, err)
	assert.False(t, progressed)
	assert.Equal(t, 2, c.Intake.Pending())
}

// TestTryFormMacroBatchStagesJobWhenSemaphoreFree confirms the producer
// assembles and enqueues a trainJob, and that the corresponding semaphore
// slot stays held until the (not-yet-run) worker releases it.
func TestTryFormMacroBatchStagesJobWhenSemaphoreFree(t *testing.T) {
	cfg := config.Defaults()
	cfg.MacroBatch = 1
	cfg.Rollout = 1
	cfg.MaxPolicyLag = 1000
	cfg.Gamma = 0.99
	cfg.GAELambda = 0.95

	c := newTestCoordinator(cfg)
	c.Assembler = &batch.Assembler{Gamma: cfg.Gamma, GAELambda: cfg.GAELambda}
	c.Intake.Admit(descriptorWithRollout(0))

	progressed, err := c.tryFormMacroBatch(context.Background())
	assert.NoError(t, err)
	assert.True(t, progressed)
	assert.False(t, c.trainSem.TryAcquire(2)) // only 1 of 2 remains free

	select {
	case job := <-c.trainQueue:
		assert.NotNil(t, job.buf)
	default:
		t.Fatal("expected a trainJob to be staged on trainQueue")
	}
}

func TestShouldSummarizeRespectsMinInterval(t *testing.T) {
	c := newTestCoordinator(config.Defaults())
	c.Trainer.TrainStep = 10
	c.lastSummaryStep = 0

	assert.False(t, c.shouldSummarize()) // 10 < summaryMinInterval(10) == 50

	c.Trainer.TrainStep = 60
	// Rejection is probabilistic; run enough trials that at least one
	// passes the interval gate regardless of the 10% random rejection.
	passed := false
	for i := 0; i < 200; i++ {
		if c.shouldSummarize() {
			passed = true
			break
		}
	}
	assert.True(t, passed)
}

func TestSummaryMinIntervalPiecewise(t *testing.T) {
	assert.Equal(t, int64(50), summaryMinInterval(0))
	assert.Equal(t, int64(50), summaryMinInterval(999_999))
	assert.Equal(t, int64(1000), summaryMinInterval(1_000_000))
	assert.Equal(t, int64(1000), summaryMinInterval(9_999_999))
	assert.Equal(t, int64(5000), summaryMinInterval(10_000_000))
}
