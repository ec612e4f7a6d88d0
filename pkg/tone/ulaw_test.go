package tone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUlawRoundTrip(t *testing.T) {
	// μ-law сжатие с потерями: после цикла кодирование-декодирование
	// сэмпл остается в окрестности исходного значения
	samples := []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000}

	decoded := DecodeUlaw(EncodeUlaw(samples))
	require.Len(t, decoded, len(samples))

	for i, orig := range samples {
		diff := int32(orig) - int32(decoded[i])
		if diff < 0 {
			diff = -diff
		}
		// Шаг квантования растет с амплитудой, ~3% достаточно
		limit := int32(32)
		if orig > 1000 || orig < -1000 {
			limit = int32(orig)/16 + 64
			if limit < 0 {
				limit = -limit
			}
		}
		assert.LessOrEqual(t, diff, limit, "сэмпл %d: %d -> %d", i, orig, decoded[i])
	}
}

func TestUlawSilence(t *testing.T) {
	// Тишина кодируется в 0xFF (после инверсии стандарта)
	out := EncodeUlaw([]int16{0})
	require.Len(t, out, 1)
	assert.Equal(t, byte(0xFF), out[0])
}

func TestUlawExtremes(t *testing.T) {
	// Крайние значения не переполняются
	decoded := DecodeUlaw(EncodeUlaw([]int16{32767, -32768}))
	assert.Positive(t, decoded[0])
	assert.Negative(t, decoded[1])
}

func TestUlawSignPreserved(t *testing.T) {
	for _, s := range []int16{500, -500, 12345, -12345} {
		d := DecodeUlaw(EncodeUlaw([]int16{s}))[0]
		if s > 0 {
			assert.Positive(t, d)
		} else {
			assert.Negative(t, d)
		}
	}
}
