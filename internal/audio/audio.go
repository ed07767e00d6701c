// Package audio converts between WAV files, PCM bytes and the mono 16 kHz
// float32 samples the recognizers consume.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// SampleRate is the rate every recognizer expects.
const SampleRate = 16000

// SilenceThreshold is the absolute amplitude below which a sample counts as silent.
const SilenceThreshold = 0.0001

var ErrInvalidWAV = errors.New("audio: not a valid WAV file")

// DecodeWAV reads a PCM WAV stream and returns mono samples at SampleRate.
func DecodeWAV(r io.ReadSeeker) ([]float32, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, ErrInvalidWAV
	}

	bitDepth := int(dec.BitDepth)
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(math.Pow(2, float64(bitDepth-1)))
	channels := buf.Format.NumChannels
	frames := len(buf.Data) / channels

	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c]) / scale
		}
		mono[i] = sum / float32(channels)
	}
	return Resample(mono, buf.Format.SampleRate, SampleRate), nil
}

// Resample converts samples between rates with linear interpolation.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}

// EncodeWAV writes samples as a 16-bit mono WAV at SampleRate.
func EncodeWAV(w io.WriteSeeker, samples []float32) error {
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: SampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		buffer.Data[i] = int(clamp(s) * math.MaxInt16)
	}
	enc := wav.NewEncoder(w, SampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// IsSilent reports whether every sample is below SilenceThreshold.
func IsSilent(samples []float32) bool {
	for _, s := range samples {
		if s >= SilenceThreshold || s <= -SilenceThreshold {
			return false
		}
	}
	return true
}

// DurationMS returns the length of samples at SampleRate in milliseconds.
func DurationMS(samples []float32) int64 {
	return int64(len(samples)) * 1000 / SampleRate
}

// Float32Bytes encodes samples as little-endian IEEE 754 values.
func Float32Bytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// BytesFloat32 decodes the output of Float32Bytes.
func BytesFloat32(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("audio: payload length %d not aligned to float32", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// PCM16Float32 converts little-endian signed 16-bit PCM to samples.
func PCM16Float32(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out, nil
}

func clamp(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
