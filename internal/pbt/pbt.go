// Package pbt implements the PBT Handler (spec.md §4.7, C7): it latches
// SAVE_MODEL / LOAD_MODEL / UPDATE_CFG tasks arriving from an external
// population controller and applies them only between optimizer steps,
// never mid-step.
//
// Grounded on original_source/algorithms/appo/learner.py's
// `_process_pbt_task` and `_update_pbt`.
package pbt

import (
	"sync"

	"github.com/unixpickle/asynclearner/internal/checkpoint"
	"github.com/unixpickle/asynclearner/internal/config"
	"github.com/unixpickle/asynclearner/internal/task"
)

// Handler latches pending PBT tasks from the coordinator's task queue
// and exposes an Apply hook the training thread calls between steps.
type Handler struct {
	mu      sync.Mutex
	pending []task.PBTPayload

	cfg        *config.Hot
	checkpoint *checkpoint.Manager
	policyDir  func(policyID int) string
}

// New creates a Handler bound to the policy's hot config and checkpoint
// manager.
func New(cfg *config.Hot, ckpt *checkpoint.Manager, policyDir func(int) string) *Handler {
	return &Handler{cfg: cfg, checkpoint: ckpt, policyDir: policyDir}
}

// Enqueue latches a PBT task for later application; called from the
// coordinator's non-blocking task-queue drain, never from the training
// thread (spec.md §4.7's "never applied mid-step").
func (h *Handler) Enqueue(p task.PBTPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = append(h.pending, p)
}

// ApplyPending runs every latched task in arrival order and clears the
// queue. Must only be called between optimizer steps on the training
// thread. saveFn performs the actual SAVE_MODEL write (the training
// thread owns the live model, pbt does not); loadFn installs a
// deserialized checkpoint back into the live model.
func (h *Handler) ApplyPending(trainStep, envSteps int64, saveFn func() error, loadFn func(obj interface{}) error) error {
	h.mu.Lock()
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, p := range pending {
		switch p.Kind {
		case task.SaveModel:
			if err := saveFn(); err != nil {
				return err
			}
		case task.LoadModel:
			// learner.py's load_from_checkpoint: weights come from the
			// source policy, but this policy's train_step/env_steps clock
			// keeps running uninterrupted.
			obj, err := checkpoint.LoadCrossPolicy(h.policyDir(p.SourcePolicyID))
			if err != nil {
				return err
			}
			if err := loadFn(obj); err != nil {
				return err
			}
		case task.UpdateCfg:
			if err := h.cfg.Apply(p.NewConfig); err != nil {
				return err
			}
		}
	}
	return nil
}

// Pending reports how many PBT tasks are currently latched, for metrics.
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}
