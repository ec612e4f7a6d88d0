package tone

// Кодирование G.711 μ-law (RFC 3551, payload type 0).
// Тоновая обратная связь кодируется тем же кодеком, что и основная
// аудио дорожка, чтобы ее можно было подмешать в исходящий поток
// без перекодирования.

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// EncodeUlaw кодирует линейный PCM 16 бит в G.711 μ-law.
func EncodeUlaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = encodeUlawSample(s)
	}
	return out
}

// encodeUlawSample кодирует один сэмпл по стандартному алгоритму G.711.
func encodeUlawSample(sample int16) byte {
	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		if sample == -32768 {
			sample = -32767
		}
		sample = -sample
	}
	v := int32(sample)
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias

	exponent := 7
	for mask := int32(0x4000); exponent > 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> uint(exponent+3)) & 0x0F)

	return ^(sign | byte(exponent)<<4 | mantissa)
}

// DecodeUlaw декодирует G.711 μ-law обратно в линейный PCM.
// Используется в тестах и при локальном проигрывании кадров.
func DecodeUlaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = decodeUlawSample(b)
	}
	return out
}

func decodeUlawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	v := (int32(mantissa)<<3 + ulawBias) << uint(exponent)
	v -= ulawBias
	if sign != 0 {
		v = -v
	}
	return int16(v)
}
