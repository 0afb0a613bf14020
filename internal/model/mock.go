package model

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ambiware-labs/timbre/internal/config"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// mockSampleRate is the sample rate of mock-synthesized clips.
const mockSampleRate = 22050

// NewMockProvider returns a provider whose engines run without real model
// checkpoints. The extractor derives a deterministic embedding from the clip
// contents, the synthesizer writes genuine (silent) WAV data, and the
// converter copies audio through while honoring the embedding contract.
// This keeps the whole pipeline executable in development and tests.
func NewMockProvider(cfg config.ModelsConfig) Provider {
	return &mockProvider{cfg: cfg}
}

type mockProvider struct {
	cfg config.ModelsConfig
}

func (p *mockProvider) LoadConverter(ctx context.Context) (Converter, error) {
	return &mockConverter{}, nil
}

func (p *mockProvider) LoadExtractor(ctx context.Context) (Extractor, error) {
	return &mockExtractor{}, nil
}

func (p *mockProvider) LoadSynthesizer(ctx context.Context, language string) (Synthesizer, error) {
	keys := []string{}
	if def := p.cfg.DefaultSpeakers[language]; def != "" {
		keys = append(keys, def)
	}
	keys = append(keys, language+"-alt")
	return &mockSynth{speakers: keys}, nil
}

type mockExtractor struct{}

func (e *mockExtractor) Extract(ctx context.Context, path string, vad bool) (Embedding, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read reference clip: %w", err)
	}
	sum := sha256.Sum256(data)
	label := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Embedding(sum[:]), label, nil
}

type mockSynth struct {
	speakers []string
}

func (s *mockSynth) SpeakerKeys() []string {
	return append([]string(nil), s.speakers...)
}

func (s *mockSynth) Synthesize(ctx context.Context, text, speakerKey string, speed float64, outputPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if speed <= 0 {
		speed = 1.0
	}

	// Roughly 60ms of silence per character, scaled by speed.
	frames := int(float64(len(text)) * 0.06 * float64(mockSampleRate) / speed)
	if frames < mockSampleRate/10 {
		frames = mockSampleRate / 10
	}

	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create synth output: %w", err)
	}
	defer file.Close()

	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: 1, SampleRate: mockSampleRate},
		Data:   make([]int, frames),
	}
	enc := wav.NewEncoder(file, mockSampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		enc.Close()
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

type mockConverter struct{}

func (c *mockConverter) LoadSourceReference(ctx context.Context, speakerKey string) (Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(strings.ToLower(speakerKey)))
	return Embedding(sum[:]), nil
}

func (c *mockConverter) Convert(ctx context.Context, inputPath string, source, target Embedding, outputPath, watermark string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(source) == 0 || len(target) == 0 {
		return fmt.Errorf("conversion requires source and target embeddings")
	}
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read intermediate clip: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return fmt.Errorf("write converted clip: %w", err)
	}
	return nil
}
