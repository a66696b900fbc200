// Package piper implements [tts.Synthesizer] against a Piper TTS server's
// HTTP API. The server runs locally next to the voice model; synthesis is one
// POST per sentence returning a RIFF/WAVE body, which is stripped to raw PCM
// and optionally resampled to the configured output rate.
package piper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/perchlabs/parley/pkg/audio"
	"github.com/perchlabs/parley/pkg/provider/tts"
)

const (
	defaultServerURL  = "http://localhost:5000"
	defaultTimeout    = 30 * time.Second
	defaultNativeRate = 22050

	// maxWAVBytes bounds a single response. A minute of 16-bit 22.05 kHz
	// mono is ~2.6 MB; anything past this is a runaway server.
	maxWAVBytes = 32 << 20
)

// VoiceConfig is the metadata sidecar shipped next to every Piper voice
// model (<model>.onnx.json). Only the fields the pipeline needs are decoded.
type VoiceConfig struct {
	Audio struct {
		SampleRate int `json:"sample_rate"`
	} `json:"audio"`
}

// LoadVoiceConfig reads the sidecar for the given model path. Accepts either
// the model path (appending ".json") or the sidecar path itself.
func LoadVoiceConfig(modelPath string) (VoiceConfig, error) {
	path := modelPath
	if !strings.HasSuffix(path, ".json") {
		path += ".json"
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return VoiceConfig{}, fmt.Errorf("piper: read voice config %q: %w", path, err)
	}
	var cfg VoiceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return VoiceConfig{}, fmt.Errorf("piper: parse voice config %q: %w", path, err)
	}
	if cfg.Audio.SampleRate <= 0 {
		return VoiceConfig{}, fmt.Errorf("piper: voice config %q missing audio.sample_rate", path)
	}
	return cfg, nil
}

// Option is a functional option for configuring a [Synthesizer].
type Option func(*Synthesizer)

// WithServerURL sets the Piper server address. Default: http://localhost:5000.
func WithServerURL(url string) Option {
	return func(s *Synthesizer) { s.serverURL = strings.TrimRight(url, "/") }
}

// WithTimeout sets the per-sentence HTTP timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) { s.httpClient.Timeout = d }
}

// WithOutputSampleRate resamples synthesized PCM to the given rate so clips
// match the playback device. Zero (default) keeps the voice's native rate.
func WithOutputSampleRate(rate int) Option {
	return func(s *Synthesizer) { s.outputRate = rate }
}

// WithSpeed scales speaking rate: values above 1 speak faster, below 1
// slower. Sent to the server as length_scale (its reciprocal). Default: 1.
func WithSpeed(speed float64) Option {
	return func(s *Synthesizer) { s.speed = speed }
}

// Synthesizer is an HTTP client for one Piper server. Safe for concurrent
// use; overlapping Synthesize calls map to concurrent POSTs.
type Synthesizer struct {
	serverURL  string
	httpClient *http.Client
	outputRate int
	speed      float64
	nativeRate int
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// New returns a synthesizer talking to a Piper server. nativeRate is the
// voice's sample rate from its config sidecar; pass 0 to assume 22050.
func New(nativeRate int, opts ...Option) *Synthesizer {
	if nativeRate <= 0 {
		nativeRate = defaultNativeRate
	}
	s := &Synthesizer{
		serverURL:  defaultServerURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		speed:      1,
		nativeRate: nativeRate,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type synthesisRequest struct {
	Text        string  `json:"text"`
	LengthScale float64 `json:"length_scale,omitempty"`
}

// Synthesize implements tts.Synthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (audio.Clip, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return audio.Clip{}, tts.ErrEmptyText
	}

	body := synthesisRequest{Text: text}
	if s.speed > 0 && s.speed != 1 {
		body.LengthScale = 1 / s.speed
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("piper: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/", bytes.NewReader(payload))
	if err != nil {
		return audio.Clip{}, fmt.Errorf("piper: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("piper: synthesize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return audio.Clip{}, fmt.Errorf("piper: server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	wav, err := io.ReadAll(io.LimitReader(resp.Body, maxWAVBytes))
	if err != nil {
		return audio.Clip{}, fmt.Errorf("piper: read WAV response: %w", err)
	}

	info, err := parseWAV(wav)
	if err != nil {
		return audio.Clip{}, err
	}

	pcm := wav[info.DataOffset:]
	if info.DataLen > 0 && info.DataLen <= len(pcm) {
		pcm = pcm[:info.DataLen]
	}
	samples := bytesToInt16(pcm)
	if info.Channels == 2 {
		samples = stereoToMono(samples)
	}

	rate := info.SampleRate
	if rate <= 0 {
		rate = s.nativeRate
	}
	if s.outputRate > 0 && s.outputRate != rate {
		samples = audio.ResampleMono(samples, rate, s.outputRate)
		rate = s.outputRate
	}
	return audio.Clip{Samples: samples, SampleRate: rate}, nil
}

// SampleRate implements tts.Synthesizer.
func (s *Synthesizer) SampleRate() int {
	if s.outputRate > 0 {
		return s.outputRate
	}
	return s.nativeRate
}

// Close implements tts.Synthesizer. The HTTP client holds no resources that
// outlive in-flight requests.
func (s *Synthesizer) Close() error { return nil }

// wavInfo holds format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	SampleRate int
	Channels   int
	DataOffset int
	DataLen    int
}

// parseWAV walks the RIFF chunks to find the fmt and data chunks.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("piper: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("piper: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("piper: WAV response missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			info.DataLen = chunkSize
			if !foundFmt {
				info.SampleRate = defaultNativeRate
				info.Channels = 1
			}
			return info, nil
		}

		// Chunks are word-aligned: pad by 1 when the size is odd.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("piper: WAV response missing data chunk")
}

func bytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return out
}

func stereoToMono(samples []int16) []int16 {
	out := make([]int16, len(samples)/2)
	for i := range out {
		out[i] = int16((int32(samples[i*2]) + int32(samples[i*2+1])) / 2)
	}
	return out
}
