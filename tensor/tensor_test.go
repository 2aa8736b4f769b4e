package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	_, err := New([]int{2, 3}, make([]float32, 5))
	assert.Error(t, err)

	x, err := New([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	rows, cols := x.Dims2()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 3, cols)
	assert.Equal(t, []float32{4, 5, 6}, x.Sample(1))
}

func TestCloneIsDeep(t *testing.T) {
	x := Zeros(1, 2, 2, 2)
	y := x.Clone()
	y.Data[0] = 1
	assert.Equal(t, float32(0), x.Data[0])
	n, c, h, w := y.Dims4()
	assert.Equal(t, []int{1, 2, 2, 2}, []int{n, c, h, w})
}

func TestAddInPlaceAndReshape(t *testing.T) {
	x := Zeros(2, 2)
	o, _ := New([]int{2, 2}, []float32{1, 2, 3, 4})
	require.NoError(t, x.AddInPlace(o))
	assert.Equal(t, []float32{1, 2, 3, 4}, x.Data)

	assert.Error(t, x.AddInPlace(Zeros(4)))

	r, err := x.Reshape(4)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, r.Shape)
	_, err = x.Reshape(3)
	assert.Error(t, err)
}

func TestAllFinite(t *testing.T) {
	x := Zeros(3)
	assert.True(t, x.AllFinite())
	x.Data[1] = float32(math.NaN())
	assert.False(t, x.AllFinite())
	x.Data[1] = float32(math.Inf(1))
	assert.False(t, x.AllFinite())
}
