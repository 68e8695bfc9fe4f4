// Package checkpoint implements the Checkpoint Manager (spec.md §4.6,
// C6): piecewise-linear save-rate decay, atomic tmp-then-rename saves,
// lexicographic checkpoint discovery, rotation, and PBT cross-policy
// loads.
//
// Grounded on original_source/algorithms/appo/learner.py's `_save`,
// `_maybe_save`, `load_from_checkpoint`, and `get_checkpoints`; the
// atomic-save idiom follows the teacher's `serializer.SaveAny` calls in
// ppo.go/a3c.go/clone.go (write, then swap into place).
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/unixpickle/serializer"
)

// Manager saves and loads policy checkpoints under one directory per
// policy, matching learner.py's per-policy checkpoint subdirectories.
type Manager struct {
	Dir             string
	KeepCheckpoints int

	lastSaveStep int64
}

// New creates a Manager rooted at dir, creating it if absent.
func New(dir string, keepCheckpoints int) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create checkpoint dir")
	}
	return &Manager{Dir: dir, KeepCheckpoints: keepCheckpoints}, nil
}

// filename mirrors learner.py's "checkpoint_{train_step:09d}_{env_steps}.pth"
// lexicographic-sortable naming.
func filename(trainStep, envSteps int64) string {
	return fmt.Sprintf("checkpoint_%09d_%d.pth", trainStep, envSteps)
}

// Save atomically writes obj as the checkpoint for (trainStep, envSteps):
// serialize.SaveAny to a tmp file in the same directory, then rename over
// the final path, so a reader never observes a partially written file.
func (m *Manager) Save(trainStep, envSteps int64, obj serializer.Serializer) error {
	final := filepath.Join(m.Dir, filename(trainStep, envSteps))
	tmp := final + ".tmp"

	if err := serializer.SaveAny(tmp, obj); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "serialize checkpoint")
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "rename checkpoint into place")
	}

	m.lastSaveStep = trainStep
	return m.rotate()
}

// List returns every checkpoint filename under Dir in lexicographic
// (and therefore train_step) order, matching learner.py's
// `get_checkpoints`.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		return nil, errors.Wrap(err, "list checkpoint dir")
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".pth" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Latest returns the most recent checkpoint's filename, or "" if none
// exist yet.
func (m *Manager) Latest() (string, error) {
	names, err := m.List()
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", nil
	}
	return names[len(names)-1], nil
}

// Load deserializes the checkpoint at name into dst.
func (m *Manager) Load(name string, dst *serializer.Serializer) error {
	if err := serializer.LoadAny(filepath.Join(m.Dir, name), dst); err != nil {
		return errors.Wrap(err, "deserialize checkpoint")
	}
	return nil
}

// LoadCrossPolicy loads another policy's checkpoint directory for PBT's
// LOAD_MODEL task, per learner.py's `load_from_checkpoint`: the model
// weights come from sourceDir, but train_step/env_steps are NOT
// overwritten — this policy keeps its own optimizer clock.
func LoadCrossPolicy(sourceDir string) (serializer.Serializer, error) {
	src := &Manager{Dir: sourceDir}
	name, err := src.Latest()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.Errorf("no checkpoint found under %s", sourceDir)
	}
	var obj serializer.Serializer
	if err := src.Load(name, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// rotate deletes the oldest checkpoints beyond KeepCheckpoints, per
// spec.md §4.6's "keep the N newest" rule. KeepCheckpoints <= 0 disables
// rotation.
func (m *Manager) rotate() error {
	if m.KeepCheckpoints <= 0 {
		return nil
	}
	names, err := m.List()
	if err != nil {
		return err
	}
	if len(names) <= m.KeepCheckpoints {
		return nil
	}
	for _, name := range names[:len(names)-m.KeepCheckpoints] {
		if err := os.Remove(filepath.Join(m.Dir, name)); err != nil {
			return errors.Wrapf(err, "rotate checkpoint %s", name)
		}
	}
	return nil
}

// SaveRateDecay implements learner.py's piecewise-linear save_rate_decay
// (`LinearDecay([(0, initial_save_rate), (1000000, 5000)], staircase=100)`):
// the interval between checkpoints (in optimizer steps) ramps linearly
// from initialRate at train_step 0 to 5000 at train_step 1e6 and holds
// there after, with train_step rounded down to a multiple of 100 so the
// interval itself only changes every 100 steps rather than continuously.
func SaveRateDecay(trainStep int64, initialRate int) int64 {
	const (
		rampEnd   = 1_000_000
		finalRate = 5000
		staircase = 100
	)
	step := (trainStep / staircase) * staircase
	if step >= rampEnd {
		return finalRate
	}
	frac := float64(step) / float64(rampEnd)
	rate := float64(initialRate) + frac*(float64(finalRate)-float64(initialRate))
	return int64(rate)
}

// ShouldSave reports whether trainStep is due for a checkpoint given the
// last saved step and the current decayed interval (learner.py's
// `_maybe_save`).
func (m *Manager) ShouldSave(trainStep int64, initialRate int) bool {
	interval := SaveRateDecay(trainStep, initialRate)
	if interval <= 0 {
		return false
	}
	return trainStep-m.lastSaveStep >= interval
}
