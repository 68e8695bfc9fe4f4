package pbt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/unixpickle/asynclearner/internal/config"
	"github.com/unixpickle/asynclearner/internal/task"
)

func TestApplyPendingUpdatesCfg(t *testing.T) {
	hot := config.NewHot(config.Defaults())
	h := New(hot, nil, nil)

	h.Enqueue(task.PBTPayload{
		Kind:      task.UpdateCfg,
		NewConfig: map[string]interface{}{"learning_rate": 0.001},
	})
	assert.Equal(t, 1, h.Pending())

	err := h.ApplyPending(0, 0, nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, h.Pending())
	assert.InDelta(t, 0.001, hot.Get().LearningRate, 1e-12)
}

func TestApplyPendingCallsSaveFnForSaveModel(t *testing.T) {
	hot := config.NewHot(config.Defaults())
	h := New(hot, nil, nil)

	called := false
	h.Enqueue(task.PBTPayload{Kind: task.SaveModel})

	err := h.ApplyPending(0, 0, func() error {
		called = true
		return nil
	}, nil)
	assert.NoError(t, err)
	assert.True(t, called)
}
