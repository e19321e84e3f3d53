package decoder

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDType(t *testing.T) {
	tests := []struct {
		in   string
		want DType
	}{
		{"", DTypeF32},
		{"float32", DTypeF32},
		{"FP32", DTypeF32},
		{"bfloat16", DTypeBF16},
		{"bf16", DTypeBF16},
		{"float16", DTypeF16},
		{" f16 ", DTypeF16},
		{"half", DTypeF16},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDType(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.valid())
		})
	}

	_, err := ParseDType("int8")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestDTypeString(t *testing.T) {
	assert.Equal(t, "float32", DTypeF32.String())
	assert.Equal(t, "bfloat16", DTypeBF16.String())
	assert.Equal(t, "float16", DTypeF16.String())
	assert.Equal(t, "DType(9)", DType(9).String())
	assert.False(t, DType(9).valid())
}

// TestDTypeRound checks that representable values survive and that extra
// mantissa bits are dropped.
func TestDTypeRound(t *testing.T) {
	for _, d := range []DType{DTypeF32, DTypeBF16, DTypeF16} {
		t.Run(d.String(), func(t *testing.T) {
			for _, v := range []float64{0, 1, -2, 0.5, 1.5, 1024} {
				assert.Equal(t, v, d.Round(v))
			}

			// 1 + 2^-30 is below every format's precision at 1.
			assert.Equal(t, 1.0, d.Round(1+math.Pow(2, -30)))
		})
	}

	assert.Equal(t, float64(float32(0.1)), DTypeF32.Round(0.1))

	// bfloat16 keeps 7 mantissa bits, float16 keeps 10.
	assert.Equal(t, 1.0, DTypeBF16.Round(1+math.Pow(2, -9)))
	assert.Equal(t, 1+math.Pow(2, -9), DTypeF16.Round(1+math.Pow(2, -9)))
}

func TestDTypeRoundSliceMatchesRound(t *testing.T) {
	values := []float64{0.1, -0.337, 3.14159, 1e-3, 123.456, -7.5e4}
	for _, d := range []DType{DTypeF32, DTypeBF16, DTypeF16} {
		data := append([]float64(nil), values...)
		d.RoundSlice(data)
		for i, v := range values {
			assert.Equal(t, d.Round(v), data[i], "%s value %g", d, v)
		}
	}
}

func TestDTypeMin(t *testing.T) {
	assert.Equal(t, -math.MaxFloat32, DTypeF32.Min())
	assert.Equal(t, -65504.0, DTypeF16.Min())
	assert.Equal(t, bfloat16Min, DTypeBF16.Min())

	// The minimum is itself representable.
	for _, d := range []DType{DTypeF32, DTypeBF16, DTypeF16} {
		assert.Equal(t, d.Min(), d.Round(d.Min()), d.String())
		assert.False(t, math.IsInf(d.Min(), -1))
	}
}

func TestDTypeTolerance(t *testing.T) {
	assert.Equal(t, 1e-5, DTypeF32.Tolerance())
	assert.Equal(t, 1e-3, DTypeBF16.Tolerance())
	assert.Equal(t, 1e-3, DTypeF16.Tolerance())
}
