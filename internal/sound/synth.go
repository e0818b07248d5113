package sound

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

const (
	DefaultSampleRate = 44100

	cueDuration = 200 * time.Millisecond
	lowPartial  = 1000.0
	highPartial = 1500.0
)

// envelope is the cue's gain over time: a 10ms linear attack to 0.4, then
// exponential decay to 0.15 at 80ms and to 0.01 at 200ms.
func envelope(t float64) float64 {
	switch {
	case t < 0:
		return 0
	case t < 0.01:
		return 0.4 * t / 0.01
	case t < 0.08:
		return 0.4 * math.Pow(0.15/0.4, (t-0.01)/0.07)
	case t < 0.2:
		return 0.15 * math.Pow(0.01/0.15, (t-0.08)/0.12)
	default:
		return 0
	}
}

// Synthesize renders the two-tone cue as a 16-bit mono PCM WAV file.
func Synthesize(sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	n := int(float64(sampleRate) * cueDuration.Seconds())
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		v := envelope(t) * (math.Sin(2*math.Pi*lowPartial*t) + math.Sin(2*math.Pi*highPartial*t))
		v = math.Max(-1, math.Min(1, v))
		samples[i] = int16(v * math.MaxInt16)
	}
	return encodeWAV(samples, sampleRate)
}

func encodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataLen := uint32(len(samples) * 2)
	blockAlign := uint16(channels * bitsPerSample / 8)

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	header := []any{
		uint32(36 + dataLen),
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(1), // PCM
		uint16(channels),
		uint32(sampleRate),
		uint32(sampleRate) * uint32(blockAlign),
		blockAlign,
		uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		dataLen,
	}
	for _, v := range header {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(&buf, binary.LittleEndian, samples); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
