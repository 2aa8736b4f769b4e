package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReduceLROnPlateau(t *testing.T) {
	t.Run("ReducesAfterPatience", func(t *testing.T) {
		s := NewReduceLROnPlateauScheduler(0.3, 2, 1e-4, "min", 1e-6)
		lr := 1e-3

		lr = s.Step(1.0, lr)
		assert.Equal(t, 1e-3, lr)
		lr = s.Step(0.9, lr)
		assert.Equal(t, 1e-3, lr)
		lr = s.Step(0.95, lr)
		assert.Equal(t, 1e-3, lr)
		lr = s.Step(0.95, lr)
		assert.InDelta(t, 3e-4, lr, 1e-12)

		// the wait counter restarts after a reduction
		lr = s.Step(0.95, lr)
		assert.InDelta(t, 3e-4, lr, 1e-12)
		lr = s.Step(0.95, lr)
		assert.InDelta(t, 9e-5, lr, 1e-12)
	})

	t.Run("ThresholdIgnoresTinyGains", func(t *testing.T) {
		s := NewReduceLROnPlateauScheduler(0.5, 1, 0.01, "min", 0)
		lr := s.Step(1.0, 1.0)
		assert.Equal(t, 1.0, lr)
		lr = s.Step(0.995, lr)
		assert.Equal(t, 0.5, lr)
	})

	t.Run("FlooredAtMinLR", func(t *testing.T) {
		s := NewReduceLROnPlateauScheduler(0.1, 1, 0, "min", 1e-6)
		lr := s.Step(1.0, 5e-6)
		lr = s.Step(1.0, lr)
		assert.InDelta(t, 1e-6, lr, 1e-15)
		lr = s.Step(1.0, lr)
		assert.InDelta(t, 1e-6, lr, 1e-15)
	})

	t.Run("MaxMode", func(t *testing.T) {
		s := NewReduceLROnPlateauScheduler(0.5, 1, 0, "max", 0)
		lr := s.Step(0.5, 1.0)
		lr = s.Step(0.6, lr)
		assert.Equal(t, 1.0, lr)
		lr = s.Step(0.55, lr)
		assert.Equal(t, 0.5, lr)
	})

	t.Run("Defaults", func(t *testing.T) {
		s := NewReduceLROnPlateauScheduler(2, 0, -1, "bogus", -1)
		assert.Equal(t, 0.1, s.Factor)
		assert.Equal(t, 10, s.Patience)
		assert.Equal(t, 1e-4, s.Threshold)
		assert.Equal(t, "min", s.Mode)
		assert.Zero(t, s.MinLR)
		assert.Equal(t, "ReduceLROnPlateau", s.GetName())
	})
}

func TestEarlyStopping(t *testing.T) {
	t.Run("StopsAfterPatience", func(t *testing.T) {
		es := NewEarlyStopping(2, 0, false)
		assert.False(t, es.Update(0, 1.0, nil))
		assert.False(t, es.Update(1, 0.8, nil))
		assert.False(t, es.Update(2, 0.8, nil))
		assert.True(t, es.Update(3, 0.9, nil))

		best, epoch := es.Best()
		assert.Equal(t, 0.8, best)
		assert.Equal(t, 1, epoch)
	})

	t.Run("RestoresBestWeights", func(t *testing.T) {
		net := newNetwork(t, headOnlySpec(t))
		param := net.Params()[0].Data
		original := append([]float32(nil), param...)

		es := NewEarlyStopping(1, 0, true)
		assert.False(t, es.Update(0, 0.5, net))
		for i := range param {
			param[i] += 1
		}
		assert.True(t, es.Update(1, 0.7, net))

		restored, err := es.RestoreBestWeights(net)
		assert.NoError(t, err)
		assert.True(t, restored)
		assert.Equal(t, original, net.Params()[0].Data)
	})

	t.Run("NothingToRestore", func(t *testing.T) {
		net := newNetwork(t, headOnlySpec(t))
		es := NewEarlyStopping(1, 0, true)
		restored, err := es.RestoreBestWeights(net)
		assert.NoError(t, err)
		assert.False(t, restored)
	})
}
