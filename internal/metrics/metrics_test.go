package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRegistersAllInstruments(t *testing.T) {
	r := New(3)

	mfs, err := r.Registerer().Gather()
	assert.NoError(t, err)
	assert.Len(t, mfs, 10)

	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			found := false
			for _, l := range m.GetLabel() {
				if l.GetName() == "policy_id" && l.GetValue() == "3" {
					found = true
				}
			}
			assert.True(t, found, "metric %s missing policy_id label", mf.GetName())
		}
	}
}

func TestGaugesAreIndependentAcrossPolicies(t *testing.T) {
	a := New(1)
	b := New(2)

	a.TrainStep.Set(5)
	b.TrainStep.Set(9)

	assert.InDelta(t, 5, testutilValue(a), 1e-9)
	assert.InDelta(t, 9, testutilValue(b), 1e-9)
}

func testutilValue(r *Registry) float64 {
	mfs, _ := r.Registerer().Gather()
	for _, mf := range mfs {
		if mf.GetName() == "asynclearner_train_step" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}
