package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"speechtune/internal/services"
)

// Runner executes name with args, feeding stdin and returning stdout.
type Runner func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

// Decoder converts encoded audio into float32 samples in [-1, 1].
type Decoder struct {
	ffmpeg     string
	rate       int
	maxSamples int
	run        Runner
}

// Option customizes a Decoder.
type Option func(*Decoder)

// WithRunner overrides command execution (used in tests).
func WithRunner(run Runner) Option {
	return func(d *Decoder) {
		if run != nil {
			d.run = run
		}
	}
}

// WithMaxSamples truncates decoded audio to n samples. Zero disables truncation.
func WithMaxSamples(n int) Option {
	return func(d *Decoder) { d.maxSamples = max(n, 0) }
}

// NewDecoder builds a decoder producing mono audio at rate Hz.
func NewDecoder(ffmpegBinary string, rate int, opts ...Option) *Decoder {
	if strings.TrimSpace(ffmpegBinary) == "" {
		ffmpegBinary = "ffmpeg"
	}
	d := &Decoder{ffmpeg: ffmpegBinary, rate: rate, run: runCommand}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SampleRate returns the output sample rate.
func (d *Decoder) SampleRate() int { return d.rate }

// Decode returns mono samples at the decoder's rate, truncated to the
// configured maximum. PCM WAV already at the output rate is decoded in
// process; everything else, including WAV at another rate, goes through
// ffmpeg so resampling is band-limited.
func (d *Decoder) Decode(ctx context.Context, data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, services.Wrap(services.ErrExternalTool, "audio", "decode", "empty audio payload", nil)
	}
	var samples []float32
	if wav, err := ParseWAV(data); err == nil && wav.SampleRate == d.rate {
		samples = wav.Samples
	} else {
		pcm, err := d.ffmpegDecode(ctx, data)
		if err != nil {
			return nil, err
		}
		samples = PCM16ToFloat32(pcm)
	}
	if len(samples) == 0 {
		return nil, services.Wrap(services.ErrExternalTool, "audio", "decode", "no samples decoded", nil)
	}
	return Truncate(samples, d.maxSamples), nil
}

func (d *Decoder) ffmpegDecode(ctx context.Context, data []byte) ([]byte, error) {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-vn", "-sn", "-dn",
		"-ac", "1",
		"-ar", strconv.Itoa(d.rate),
		"-f", "s16le",
		"-c:a", "pcm_s16le",
		"pipe:1",
	}
	out, err := d.run(ctx, data, d.ffmpeg, args...)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "audio", "ffmpeg decode", "", err)
	}
	return out, nil
}

func runCommand(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// PCM16ToFloat32 converts little-endian signed 16-bit samples to float32.
// A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// Truncate returns at most n leading samples. n <= 0 keeps everything.
func Truncate(samples []float32, n int) []float32 {
	if n > 0 && len(samples) > n {
		return samples[:n]
	}
	return samples
}

// WAV is a decoded PCM WAV payload, mixed down to mono.
type WAV struct {
	SampleRate int
	Samples    []float32
}

var errNotPCMWAV = errors.New("not a 16-bit PCM wav payload")

// ParseWAV decodes a RIFF/WAVE payload holding 16-bit integer PCM.
func ParseWAV(data []byte) (WAV, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WAV{}, errNotPCMWAV
	}
	var (
		channels, bits int
		rate           int
		haveFmt        bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return WAV{}, errNotPCMWAV
			}
			format := binary.LittleEndian.Uint16(data[body:])
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			rate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits = int(binary.LittleEndian.Uint16(data[body+14:]))
			if format != 1 || bits != 16 || channels < 1 || rate <= 0 {
				return WAV{}, errNotPCMWAV
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAV{}, errNotPCMWAV
			}
			return WAV{SampleRate: rate, Samples: mixDown(PCM16ToFloat32(data[body:body+size]), channels)}, nil
		}
		pos = body + size + size%2
	}
	return WAV{}, errNotPCMWAV
}

func mixDown(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range out {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// EncodeWAV renders mono samples as a 16-bit PCM WAV payload.
func EncodeWAV(samples []float32, rate int) []byte {
	dataLen := len(samples) * 2
	buf := make([]byte, 44+dataLen)
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+dataLen)) //nolint:gosec
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1)
	binary.LittleEndian.PutUint16(buf[22:], 1)
	binary.LittleEndian.PutUint32(buf[24:], uint32(rate))   //nolint:gosec
	binary.LittleEndian.PutUint32(buf[28:], uint32(rate*2)) //nolint:gosec
	binary.LittleEndian.PutUint16(buf[32:], 2)
	binary.LittleEndian.PutUint16(buf[34:], 16)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(dataLen)) //nolint:gosec
	for i, s := range samples {
		s = min(max(s, -1), 1)
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(int16(s*32767)))
	}
	return buf
}
