package audio

import (
	"encoding/binary"
)

// fallbackSampleRate is assumed when a buffer cannot be parsed as WAV.
// The TTS backend occasionally returns raw PCM; failing hard here would
// drop an entire utterance.
const fallbackSampleRate = 16000

// BuildWAV wraps raw 16-bit mono PCM in a standard RIFF/WAVE container.
func BuildWAV(pcm []byte, sampleRate int) []byte {
	const headerSize = 44
	out := make([]byte, headerSize+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)                     // fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)                      // PCM
	binary.LittleEndian.PutUint16(out[22:24], 1)                      // mono
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))     // sample rate
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*2))   // byte rate
	binary.LittleEndian.PutUint16(out[32:34], 2)                      // block align
	binary.LittleEndian.PutUint16(out[34:36], 16)                     // bits per sample
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[headerSize:], pcm)
	return out
}

// ParseWAV extracts the PCM body and sample rate from a WAV buffer. On any
// parse failure the input is returned unchanged with the fallback rate of
// 16000 Hz, so a malformed upstream payload degrades instead of crashing.
func ParseWAV(b []byte) (pcm []byte, sampleRate int) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return b, fallbackSampleRate
	}
	rate := 0
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(b) {
			// truncated chunk: salvage a data chunk that runs to EOF
			if id == "data" && rate > 0 && body <= len(b) {
				return b[body:], rate
			}
			return b, fallbackSampleRate
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return b, fallbackSampleRate
			}
			rate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
		case "data":
			if rate == 0 {
				return b, fallbackSampleRate
			}
			return b[body : body+size], rate
		}
		// chunks are word-aligned
		if size%2 == 1 {
			size++
		}
		off = body + size
	}
	return b, fallbackSampleRate
}
