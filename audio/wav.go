package audio

import (
	"bytes"
	"fmt"
	"math"

	wav "github.com/youpy/go-wav"
)

const bitsPerSample = 16

// EncodeWAV wraps raw little-endian 16-bit PCM in a WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid WAV parameters: sampleRate=%d channels=%d", sampleRate, channels)
	}
	if len(pcm)%(2*channels) != 0 {
		return nil, fmt.Errorf("PCM length %d is not sample aligned for %d channels", len(pcm), channels)
	}

	numSamples := uint32(len(pcm) / 2 / channels)
	var buf bytes.Buffer
	w := wav.NewWriter(&buf, numSamples, uint16(channels), uint32(sampleRate), bitsPerSample)
	if _, err := w.Write(pcm); err != nil {
		return nil, fmt.Errorf("failed to write WAV data: %w", err)
	}
	return buf.Bytes(), nil
}

// Tone synthesizes mono sine-wave PCM, used by the dev server for synthesized
// reply audio.
func Tone(freq, duration float64, sampleRate int) []byte {
	n := int(duration * float64(sampleRate))
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(12000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return pcm
}
