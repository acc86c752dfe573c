package devbackend

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/text/language"
)

// Transcriber turns a finished recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []int16, sampleRate int, lang string) (string, error)
}

// Whisper transcribes with the OpenAI audio transcription API.
type Whisper struct {
	client openai.Client
	model  openai.AudioModel
}

// NewWhisper creates a Whisper transcriber. baseURL may be empty.
func NewWhisper(apiKey, baseURL string) *Whisper {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Whisper{
		client: openai.NewClient(opts...),
		model:  openai.AudioModelWhisper1,
	}
}

// Transcribe uploads samples as a 16-bit mono WAV file.
func (w *Whisper) Transcribe(ctx context.Context, samples []int16, sampleRate int, lang string) (string, error) {
	f, err := os.CreateTemp("", "micstream-*.wav")
	if err != nil {
		return "", fmt.Errorf("create temp wav: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if err := writeWAV(f, samples, sampleRate); err != nil {
		return "", fmt.Errorf("encode wav: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind wav: %w", err)
	}

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(f, "audio.wav", "audio/wav"),
		Model: w.model,
	}
	if base := whisperLanguage(lang); base != "" {
		params.Language = openai.String(base)
	}

	resp, err := w.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return resp.Text, nil
}

// whisperLanguage reduces a BCP 47 tag to the ISO 639-1 code the API
// expects. Codes it cannot map yield "", which lets the API auto-detect.
func whisperLanguage(lang string) string {
	tag, err := language.Parse(lang)
	if err != nil {
		return ""
	}
	base, conf := tag.Base()
	if conf == language.No {
		return ""
	}
	s := base.String()
	if len(s) != 2 {
		return ""
	}
	return s
}

// writeWAV writes 16-bit mono PCM to ws.
func writeWAV(ws io.WriteSeeker, samples []int16, sampleRate int) error {
	enc := wav.NewEncoder(ws, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		buf.Data[i] = int(s)
	}
	if err := enc.Write(buf); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}
