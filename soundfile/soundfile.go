// Package soundfile reads sound files into float32 samples and writes samples
// to WAV files. It is used to fill arrays from disk and to save them back.
package soundfile

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/aiff"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
)

// Sound is decoded audio. Samples are interleaved and nominally in [-1, 1].
type Sound struct {
	SampleRate int
	Channels   int
	Samples    []float32
}

var ErrUnsupportedFormat = errors.New("unsupported sound file format")

// Load decodes the sound file at path. The format is chosen by the file
// extension: .wav, .aif/.aiff, .mp3 or .ogg.
func Load(path string) (*Sound, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open sound file: %w", err)
	}
	defer f.Close()
	var s *Sound
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav", ".wave":
		s, err = decodeWAV(f)
	case ".aif", ".aiff":
		s, err = decodeAIFF(f)
	case ".mp3":
		s, err = decodeMP3(f)
	case ".ogg", ".oga":
		s, err = decodeOgg(f)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("could not decode %v: %w", path, err)
	}
	return s, nil
}

func decodeWAV(r io.ReadSeeker) (*Sound, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, errors.New("not a valid wav file")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, err
	}
	return fromInts(buf, int(d.BitDepth)), nil
}

func decodeAIFF(r io.ReadSeeker) (*Sound, error) {
	d := aiff.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, errors.New("not a valid aiff file")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, err
	}
	return fromInts(buf, int(d.BitDepth)), nil
}

func fromInts(buf *audio.IntBuffer, bitDepth int) *Sound {
	if bitDepth <= 0 {
		bitDepth = buf.SourceBitDepth
	}
	scale := float32(1)
	if bitDepth > 0 {
		scale = 1 / float32(uint64(1)<<(bitDepth-1))
	}
	s := &Sound{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels, Samples: make([]float32, len(buf.Data))}
	for i, v := range buf.Data {
		s.Samples[i] = float32(v) * scale
	}
	return s
}

func decodeMP3(r io.Reader) (*Sound, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, err
	}
	b, err := io.ReadAll(d)
	if err != nil {
		return nil, err
	}
	// go-mp3 always produces 16 bit little endian stereo
	s := &Sound{SampleRate: d.SampleRate(), Channels: 2, Samples: make([]float32, len(b)/2)}
	for i := range s.Samples {
		v := int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
		s.Samples[i] = float32(v) / 32768
	}
	return s, nil
}

func decodeOgg(r io.Reader) (*Sound, error) {
	data, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return &Sound{SampleRate: format.SampleRate, Channels: format.Channels, Samples: data}, nil
}

// Frames returns the number of frames, i.e. samples per channel.
func (s *Sound) Frames() int {
	if s.Channels <= 0 {
		return 0
	}
	return len(s.Samples) / s.Channels
}

// Channel returns the samples of one channel.
func (s *Sound) Channel(ch int) []float32 {
	if ch < 0 || ch >= s.Channels {
		return nil
	}
	ret := make([]float32, s.Frames())
	for i := range ret {
		ret[i] = s.Samples[i*s.Channels+ch]
	}
	return ret
}

// Mono returns the average of all channels.
func (s *Sound) Mono() []float32 {
	if s.Channels == 1 {
		return append([]float32(nil), s.Samples...)
	}
	ret := make([]float32, s.Frames())
	for i := range ret {
		var sum float32
		for _, v := range s.Samples[i*s.Channels : (i+1)*s.Channels] {
			sum += v
		}
		ret[i] = sum / float32(s.Channels)
	}
	return ret
}

// WriteWAV writes interleaved samples as a 16-bit PCM WAV file.
func WriteWAV(w io.WriteSeeker, samples []float32, channels, sampleRate int) error {
	if channels <= 0 || sampleRate <= 0 {
		return fmt.Errorf("invalid wav format: %d channels at %d Hz", channels, sampleRate)
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, v := range samples {
		buf.Data[i] = int(min(max(float64(v)*math.MaxInt16, math.MinInt16), math.MaxInt16))
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("could not write wav data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("could not finish wav file: %w", err)
	}
	return nil
}

// Save writes the samples to a WAV file at path.
func Save(path string, samples []float32, channels, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create %v: %w", path, err)
	}
	if err := WriteWAV(f, samples, channels, sampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
