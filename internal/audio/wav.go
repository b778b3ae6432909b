// Package audio assembles synthesized utterances into per-page WAV files.
// Only 16-bit PCM WAV is handled; every synthesizer is asked for it.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// DefaultSampleRate matches the synthesis voices.
const DefaultSampleRate = 24000

// ErrNotWAV is returned for data that is not a PCM WAV file.
var ErrNotWAV = errors.New("not a PCM WAV file")

// Format describes PCM sample layout.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Mono16 is mono 16-bit PCM at the given rate.
func Mono16(sampleRate int) Format {
	return Format{SampleRate: sampleRate, Channels: 1, BitsPerSample: 16}
}

func (f Format) bytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

func (f Format) blockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

// Clip is decoded PCM audio.
type Clip struct {
	Format Format
	PCM    []byte
}

// Duration returns the playing time of the clip.
func (c *Clip) Duration() time.Duration {
	bps := c.Format.bytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(float64(len(c.PCM)) / float64(bps) * float64(time.Second))
}

// Decode parses a RIFF/WAVE file, skipping chunks other than fmt and data.
func Decode(data []byte) (*Clip, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}
	var (
		clip    Clip
		haveFmt bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(data) {
			// Streaming encoders write a placeholder size for data.
			if id != "data" {
				return nil, fmt.Errorf("%w: truncated %q chunk", ErrNotWAV, id)
			}
			end = len(data)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			if tag := binary.LittleEndian.Uint16(data[body:]); tag != 1 {
				return nil, fmt.Errorf("%w: format tag %d", ErrNotWAV, tag)
			}
			clip.Format = Format{
				Channels:      int(binary.LittleEndian.Uint16(data[body+2:])),
				SampleRate:    int(binary.LittleEndian.Uint32(data[body+4:])),
				BitsPerSample: int(binary.LittleEndian.Uint16(data[body+14:])),
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			clip.PCM = data[body:end]
			return &clip, nil
		}
		pos = end + size%2
	}
	return nil, fmt.Errorf("%w: no data chunk", ErrNotWAV)
}

// Encode writes PCM samples as a canonical 44-byte-header WAV file.
func Encode(f Format, pcm []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(f.Channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(f.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(f.bytesPerSecond()))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(f.blockAlign()))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(f.BitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

func silentPCM(f Format, d time.Duration) []byte {
	n := int(d.Seconds() * float64(f.SampleRate))
	return make([]byte, n*f.blockAlign())
}

// Silence returns a silent mono WAV of the given length.
func Silence(d time.Duration, sampleRate int) []byte {
	f := Mono16(sampleRate)
	return Encode(f, silentPCM(f, d))
}

// Tone returns a mono sine WAV, used by the mock synthesizer.
func Tone(d time.Duration, sampleRate int, freq float64) []byte {
	f := Mono16(sampleRate)
	n := int(d.Seconds() * float64(sampleRate))
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)) * 8000)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return Encode(f, pcm)
}

// Concat joins WAV segments with gap silence between them. All segments must
// share one format.
func Concat(segments [][]byte, gap time.Duration) ([]byte, time.Duration, error) {
	if len(segments) == 0 {
		return nil, 0, errors.New("no segments to assemble")
	}
	var (
		format Format
		pcm    bytes.Buffer
	)
	for i, seg := range segments {
		clip, err := Decode(seg)
		if err != nil {
			return nil, 0, fmt.Errorf("segment %d: %w", i, err)
		}
		if i == 0 {
			format = clip.Format
		} else {
			if clip.Format != format {
				return nil, 0, fmt.Errorf("segment %d: format %+v does not match %+v", i, clip.Format, format)
			}
			if gap > 0 {
				pcm.Write(silentPCM(format, gap))
			}
		}
		pcm.Write(clip.PCM)
	}
	out := &Clip{Format: format, PCM: pcm.Bytes()}
	return Encode(format, out.PCM), out.Duration(), nil
}

// Length returns the playing time of a WAV file.
func Length(data []byte) (time.Duration, error) {
	clip, err := Decode(data)
	if err != nil {
		return 0, err
	}
	return clip.Duration(), nil
}
