// Package audio provides format conversions between the telephony leg
// (μ-law, 8kHz mono) and the speech backends (16-bit linear PCM, 16kHz mono),
// plus small buffer utilities. All functions are pure and safe to call from
// multiple call sessions concurrently.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// TelephonySampleRate is the μ-law leg rate (Twilio Media Streams).
	TelephonySampleRate = 8000
	// WidebandSampleRate is the linear PCM rate the speech backends expect.
	WidebandSampleRate = 16000
)

// Encoding tags the byte layout of a Frame.
type Encoding string

const (
	EncodingMuLaw    Encoding = "mulaw"
	EncodingLinear16 Encoding = "linear16"
)

// Frame is an audio buffer whose tags must always match its byte layout.
type Frame struct {
	Data        []byte
	Encoding    Encoding
	SampleRate  int
	Channels    int
	SampleWidth int
	ReceivedAt  time.Time
}

// Duration reports the playout duration of the frame.
func (f Frame) Duration() time.Duration {
	return Duration(f.Data, f.SampleRate, f.SampleWidth, f.Channels)
}

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// EncodeMuLaw compresses 16-bit little-endian linear PCM to G.711 μ-law,
// one output byte per input sample.
func EncodeMuLaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		out[i/2] = muLawEncodeSample(int16(binary.LittleEndian.Uint16(pcm[i : i+2])))
	}
	return out
}

// DecodeMuLaw expands G.711 μ-law to 16-bit little-endian linear PCM,
// two output bytes per input byte.
func DecodeMuLaw(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(muLawDecodeSample(b)))
	}
	return out
}

func muLawEncodeSample(sample int16) byte {
	sign := byte(0)
	s := int(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias
	exponent := 7
	for mask := 0x4000; exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> uint(exponent+3)) & 0x0F
	return ^(sign | byte(exponent<<4) | byte(mantissa))
}

func muLawDecodeSample(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	s := ((int(mantissa) << 3) + muLawBias) << uint(exponent)
	s -= muLawBias
	if sign != 0 {
		s = -s
	}
	return int16(s)
}

// Resample converts linear PCM between sample rates using linear
// interpolation. Identity when fromRate == toRate. Stateless: a trailing
// partial input sample is dropped deterministically. Supports sample widths
// 1 (signed 8-bit) and 2 (16-bit little-endian), mono.
func Resample(pcm []byte, fromRate, toRate, sampleWidth int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return pcm
	}
	if sampleWidth != 1 && sampleWidth != 2 {
		return pcm
	}
	n := len(pcm) / sampleWidth
	if n == 0 {
		return []byte{}
	}
	outN := int(int64(n) * int64(toRate) / int64(fromRate))
	out := make([]byte, outN*sampleWidth)
	ratio := float64(fromRate) / float64(toRate)
	for i := 0; i < outN; i++ {
		pos := float64(i) * ratio
		j := int(pos)
		frac := pos - float64(j)
		a := readSample(pcm, j, sampleWidth)
		b := a
		if j+1 < n {
			b = readSample(pcm, j+1, sampleWidth)
		}
		v := a + (b-a)*frac
		writeSample(out, i, sampleWidth, v)
	}
	return out
}

func readSample(pcm []byte, i, width int) float64 {
	if width == 1 {
		return float64(int8(pcm[i]))
	}
	return float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
}

func writeSample(pcm []byte, i, width int, v float64) {
	if width == 1 {
		pcm[i] = byte(int8(clampSample(v, math.MinInt8, math.MaxInt8)))
		return
	}
	binary.LittleEndian.PutUint16(pcm[i*2:i*2+2], uint16(int16(clampSample(v, math.MinInt16, math.MaxInt16))))
}

func clampSample(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MuLaw8kToPCM16k converts μ-law 8kHz telephony audio to 16-bit linear PCM
// at 16kHz. Hot path for every inbound audio chunk.
func MuLaw8kToPCM16k(mulaw []byte) []byte {
	pcm8k := DecodeMuLaw(mulaw)
	return Resample(pcm8k, TelephonySampleRate, WidebandSampleRate, 2)
}

// PCM16kToMuLaw8k converts 16-bit linear PCM at 16kHz to μ-law 8kHz
// telephony audio. Hot path for every outbound audio chunk.
func PCM16kToMuLaw8k(pcm []byte) []byte {
	pcm8k := Resample(pcm, WidebandSampleRate, TelephonySampleRate, 2)
	return EncodeMuLaw(pcm8k)
}

// AdjustVolume scales 16-bit PCM by factor, clamping to the sample range.
func AdjustVolume(pcm []byte, factor float64) []byte {
	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:i+2]))) * factor
		binary.LittleEndian.PutUint16(out[i:i+2], uint16(int16(clampSample(v, math.MinInt16, math.MaxInt16))))
	}
	return out
}

// Normalize scales 16-bit PCM so the peak sample reaches targetPeak.
// Silence is returned unchanged.
func Normalize(pcm []byte, targetPeak int) []byte {
	peak := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(pcm[i : i+2])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	if peak == 0 {
		return pcm
	}
	return AdjustVolume(pcm, float64(targetPeak)/float64(peak))
}

// Mix sums two 16-bit PCM buffers sample-wise, zero-padding the shorter one.
// The result has length max(len(a), len(b)).
func Mix(a, b []byte) []byte {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		var va, vb int
		if i+1 < len(a) {
			va = int(int16(binary.LittleEndian.Uint16(a[i : i+2])))
		}
		if i+1 < len(b) {
			vb = int(int16(binary.LittleEndian.Uint16(b[i : i+2])))
		}
		binary.LittleEndian.PutUint16(out[i:i+2], uint16(int16(clampSample(float64(va+vb), math.MinInt16, math.MaxInt16))))
	}
	return out
}

// RMS computes the root-mean-square amplitude of 16-bit PCM.
func RMS(pcm []byte) float64 {
	var sum float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i : i+2])))
		sum += v * v
		count++
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}

// IsSilence reports whether 16-bit PCM is below the RMS threshold.
// Empty buffers count as silence.
func IsSilence(pcm []byte, threshold float64) bool {
	return RMS(pcm) < threshold
}

// Duration reports how long the buffer plays for at the given format.
func Duration(data []byte, sampleRate, sampleWidth, channels int) time.Duration {
	if sampleRate <= 0 || sampleWidth <= 0 || channels <= 0 {
		return 0
	}
	samples := len(data) / (sampleWidth * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// MuLawTestTone generates a sine tone in μ-law format, used to verify the
// telephony audio path.
func MuLawTestTone(duration time.Duration, freq float64, sampleRate int) []byte {
	n := int(float64(sampleRate) * duration.Seconds())
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(16000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(pcm[i*2:i*2+2], uint16(v))
	}
	return EncodeMuLaw(pcm)
}
