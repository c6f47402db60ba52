// Package audio implements the G.711 mu-law codec and sample-rate conversion
// between the 24kHz PCM used by speech synthesis and the 8kHz mu-law carried
// on the telephone media stream.
package audio

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// FrameSize is the number of mu-law bytes in one 20ms frame at 8kHz.
const FrameSize = 160

// mulawToLinearTable is a pre-computed lookup table for mu-law to 16-bit signed PCM.
var mulawToLinearTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		mulawToLinearTable[i] = decodeMulaw(byte(i))
	}
}

// decodeMulaw converts a single mu-law byte to a 16-bit signed PCM sample.
func decodeMulaw(mulaw byte) int16 {
	mulaw = ^mulaw
	sign := int16(mulaw & 0x80)
	exponent := int(mulaw>>4) & 0x07
	mantissa := int(mulaw & 0x0F)
	sample := int16(((mantissa<<3 + mulawBias) << uint(exponent)) - mulawBias)
	if sign != 0 {
		sample = -sample
	}
	return sample
}

// LinearToMulaw converts a 16-bit signed PCM sample to a mu-law byte.
func LinearToMulaw(sample int16) byte {
	sign := 0
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}

	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	// Find the exponent (segment).
	exponent := 7
	expMask := int16(0x4000)
	for i := 0; i < 8; i++ {
		if sample&expMask != 0 {
			break
		}
		exponent--
		expMask >>= 1
	}

	mantissa := int((sample >> uint(exponent+3)) & 0x0F)
	return byte(^(sign | (exponent << 4) | mantissa))
}

// MulawToLinear converts a single mu-law byte to a 16-bit signed PCM sample
// using the pre-computed lookup table.
func MulawToLinear(mulaw byte) int16 {
	return mulawToLinearTable[mulaw]
}

// MulawBufToLinear converts a buffer of mu-law bytes to 16-bit signed PCM (little-endian).
func MulawBufToLinear(mulaw []byte) []byte {
	pcm := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		sample := mulawToLinearTable[b]
		pcm[i*2] = byte(sample)
		pcm[i*2+1] = byte(sample >> 8)
	}
	return pcm
}

// LinearBufToMulaw converts a buffer of 16-bit signed PCM (little-endian) to mu-law.
// A trailing odd byte is ignored.
func LinearBufToMulaw(pcm []byte) []byte {
	n := len(pcm) / 2
	mulaw := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		mulaw[i] = LinearToMulaw(sample)
	}
	return mulaw
}

// Decimate24kTo8k downsamples 16-bit little-endian PCM from 24kHz to 8kHz by
// keeping every third sample. Telephone audio is band-limited to ~3.4kHz by
// the mu-law codec anyway, so plain decimation is audibly indistinguishable
// from filtered downsampling here.
func Decimate24kTo8k(pcm24k []byte) []byte {
	samplesOut := len(pcm24k) / 2 / 3
	if samplesOut == 0 {
		return nil
	}

	out := make([]byte, samplesOut*2)
	for i := 0; i < samplesOut; i++ {
		src := i * 3 * 2
		out[i*2] = pcm24k[src]
		out[i*2+1] = pcm24k[src+1]
	}
	return out
}

// Upsample8kTo24k converts 16-bit little-endian PCM from 8kHz to 24kHz using
// linear interpolation between samples.
func Upsample8kTo24k(pcm8k []byte) []byte {
	samplesIn := len(pcm8k) / 2
	if samplesIn == 0 {
		return nil
	}

	out := make([]byte, samplesIn*3*2)

	getSample := func(idx int) int32 {
		if idx >= samplesIn {
			idx = samplesIn - 1
		}
		return int32(int16(pcm8k[idx*2]) | int16(pcm8k[idx*2+1])<<8)
	}

	for i := 0; i < samplesIn; i++ {
		s0 := getSample(i)
		s1 := getSample(i + 1)
		outIdx := i * 3

		v0 := int16(s0)
		out[outIdx*2] = byte(v0)
		out[outIdx*2+1] = byte(v0 >> 8)

		v1 := int16((2*s0 + s1) / 3)
		out[(outIdx+1)*2] = byte(v1)
		out[(outIdx+1)*2+1] = byte(v1 >> 8)

		v2 := int16((s0 + 2*s1) / 3)
		out[(outIdx+2)*2] = byte(v2)
		out[(outIdx+2)*2+1] = byte(v2 >> 8)
	}
	return out
}
