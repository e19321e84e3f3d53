package decoder

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTensorCreation tests basic tensor creation and indexing
func TestTensorCreation(t *testing.T) {
	x := NewTensor(2, 3, 4)

	assert.Equal(t, []int{2, 3, 4}, x.Shape())
	assert.Equal(t, 3, x.Dims())
	assert.Equal(t, 24, x.Size())
	assert.Equal(t, DTypeF32, x.DType())

	x.Set(5, 1, 2, 3)
	assert.Equal(t, 5.0, x.At(1, 2, 3))
	assert.Equal(t, 5.0, x.Data()[23])
}

func TestTensorInvalidShapePanics(t *testing.T) {
	assert.Panics(t, func() { NewTensor() })
	assert.Panics(t, func() { NewTensor(2, 0) })
	assert.Panics(t, func() { NewTensorFromData(DTypeF32, []float64{1, 2, 3}, 2, 2) })
	assert.Panics(t, func() { NewTensor(2, 2).At(2, 0) })
}

func TestTensorFromDataRounds(t *testing.T) {
	x := NewTensorFromData(DTypeF16, []float64{0.1, 1, 70000}, 3)

	assert.Equal(t, DTypeF16.Round(0.1), x.At(0))
	assert.Equal(t, 1.0, x.At(1))
	assert.True(t, math.IsInf(x.At(2), 1), "values past the float16 range overflow")
}

func TestTensorReshapeSharesData(t *testing.T) {
	x := NewTensorFromData(DTypeF32, []float64{1, 2, 3, 4, 5, 6}, 2, 3).WithPlacement(PS("fsdp", nil))
	y := x.Reshape(3, 2)

	assert.Equal(t, []int{3, 2}, y.Shape())
	assert.Nil(t, y.Placement(), "reshape drops placement")

	y.Set(42, 0, 1)
	assert.Equal(t, 42.0, x.At(0, 1))

	assert.Panics(t, func() { x.Reshape(4, 2) })
}

func TestTensorCloneAndCast(t *testing.T) {
	x := NewTensorFromData(DTypeF32, []float64{0.1, 0.2}, 2).WithPlacement(PS("dp"))

	c := x.Clone()
	c.Set(7, 0)
	assert.NotEqual(t, 7.0, x.At(0))
	assert.Equal(t, x.Placement(), c.Placement())

	h := x.Cast(DTypeBF16)
	assert.Equal(t, DTypeBF16, h.DType())
	assert.Equal(t, DTypeBF16.Round(x.At(1)), h.At(1))
}

func TestTensorElementwise(t *testing.T) {
	a := NewTensorFromData(DTypeF32, []float64{1, 2, 3}, 3)
	b := NewTensorFromData(DTypeF32, []float64{4, 5, 6}, 3)

	assert.Equal(t, []float64{5, 7, 9}, Add(a, b).Data())
	assert.Equal(t, []float64{4, 10, 18}, Mul(a, b).Data())
	assert.Equal(t, 3.0, MaxAbsDiff(a, b))

	assert.Panics(t, func() { Add(a, NewTensor(2)) })
}

func TestActivations(t *testing.T) {
	tests := []struct {
		name string
		want Activation
	}{
		{"", SiLU},
		{"silu", SiLU},
		{"swish", SiLU},
		{"gelu", GELU},
		{"gelu_new", GELU},
		{"relu", ReLU},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := activationByName(tt.name)
			require.NoError(t, err)
			for _, x := range []float64{-2, -0.5, 0, 0.5, 2} {
				assert.Equal(t, tt.want(x), fn(x))
			}
		})
	}

	_, err := activationByName("tanh")
	assert.ErrorIs(t, err, ErrConfiguration)

	assert.InDelta(t, 0.7310585786, SiLU(1), 1e-9)
	assert.InDelta(t, 0.841192, GELU(1), 1e-6)
	assert.Equal(t, 0.0, ReLU(-1))
}
