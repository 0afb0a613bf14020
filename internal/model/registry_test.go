package model

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/ambiware-labs/timbre/internal/config"
)

type stubProvider struct {
	converterErr error
	extractorErr error

	synthLoads int
	synthErr   error
	speakers   []string
}

func (p *stubProvider) LoadConverter(ctx context.Context) (Converter, error) {
	if p.converterErr != nil {
		return nil, p.converterErr
	}
	return &mockConverter{}, nil
}

func (p *stubProvider) LoadExtractor(ctx context.Context) (Extractor, error) {
	if p.extractorErr != nil {
		return nil, p.extractorErr
	}
	return &mockExtractor{}, nil
}

func (p *stubProvider) LoadSynthesizer(ctx context.Context, language string) (Synthesizer, error) {
	p.synthLoads++
	if p.synthErr != nil {
		err := p.synthErr
		p.synthErr = nil
		return nil, err
	}
	return &mockSynth{speakers: p.speakers}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, provider Provider) *Registry {
	t.Helper()
	cfg := config.ModelsConfig{
		Mode:            "mock",
		Device:          "cpu",
		Languages:       []string{"EN", "VI"},
		DefaultSpeakers: map[string]string{"EN": "EN-Default", "VI": "VI-default"},
		Watermark:       "@LocaAI",
	}
	return NewRegistry(context.Background(), cfg, provider, testLogger())
}

func TestRegistryDegradedWhenConverterFails(t *testing.T) {
	provider := &stubProvider{converterErr: errors.New("checkpoint missing"), speakers: []string{"EN-Default"}}
	reg := newTestRegistry(t, provider)

	if reg.Ready() {
		t.Fatal("expected registry to report not ready")
	}
	if _, err := reg.Converter(); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("Converter error = %v, want ErrNotLoaded", err)
	}
	if _, err := reg.Extractor(); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("Extractor error = %v, want ErrNotLoaded", err)
	}
}

func TestDegradedRegistryStillListsSpeakers(t *testing.T) {
	provider := &stubProvider{converterErr: errors.New("checkpoint missing"), speakers: []string{"EN-Default", "EN-Newest"}}
	reg := newTestRegistry(t, provider)

	if _, err := reg.SynthesisModel(context.Background(), "EN"); err != nil {
		t.Fatalf("SynthesisModel on degraded registry: %v", err)
	}
	keys := reg.SpeakerKeys(context.Background(), "EN")
	if len(keys) != 2 || keys[0] != "EN-Default" {
		t.Fatalf("keys = %v, want the synthesizer's speakers", keys)
	}
}

func TestSynthesisModelCachesPerLanguage(t *testing.T) {
	provider := &stubProvider{speakers: []string{"EN-Default"}}
	reg := newTestRegistry(t, provider)

	for i := 0; i < 3; i++ {
		if _, err := reg.SynthesisModel(context.Background(), "EN"); err != nil {
			t.Fatalf("SynthesisModel: %v", err)
		}
	}
	if provider.synthLoads != 1 {
		t.Fatalf("provider loaded %d times, want 1", provider.synthLoads)
	}

	if _, err := reg.SynthesisModel(context.Background(), "VI"); err != nil {
		t.Fatalf("SynthesisModel(VI): %v", err)
	}
	if provider.synthLoads != 2 {
		t.Fatalf("provider loaded %d times after second language, want 2", provider.synthLoads)
	}
}

func TestSynthesisModelFailureNotCached(t *testing.T) {
	provider := &stubProvider{speakers: []string{"EN-Default"}, synthErr: errors.New("transient")}
	reg := newTestRegistry(t, provider)

	if _, err := reg.SynthesisModel(context.Background(), "EN"); err == nil {
		t.Fatal("expected first load to fail")
	}
	if _, err := reg.SynthesisModel(context.Background(), "EN"); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if provider.synthLoads != 2 {
		t.Fatalf("provider loaded %d times, want 2", provider.synthLoads)
	}
}

func TestSynthesisModelRejectsUnknownLanguage(t *testing.T) {
	reg := newTestRegistry(t, &stubProvider{speakers: []string{"EN-Default"}})

	_, err := reg.SynthesisModel(context.Background(), "FR")
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("error = %v, want ErrUnsupportedLanguage", err)
	}
}

func TestResolveSpeaker(t *testing.T) {
	provider := &stubProvider{speakers: []string{"EN-Default", "EN-Newest"}}
	reg := newTestRegistry(t, provider)
	ctx := context.Background()

	got, err := reg.ResolveSpeaker(ctx, "EN", "EN-Newest")
	if err != nil || got != "EN-Newest" {
		t.Fatalf("known key: got %q, %v", got, err)
	}

	got, err = reg.ResolveSpeaker(ctx, "EN", "")
	if err != nil || got != "EN-Default" {
		t.Fatalf("empty key: got %q, %v; want default speaker", got, err)
	}

	got, err = reg.ResolveSpeaker(ctx, "EN", "nonexistent")
	if err != nil || got != "EN-Default" {
		t.Fatalf("unknown key: got %q, %v; want first available", got, err)
	}
}

func TestResolveSpeakerNoSpeakers(t *testing.T) {
	reg := newTestRegistry(t, &stubProvider{speakers: nil})

	_, err := reg.ResolveSpeaker(context.Background(), "EN", "EN-Default")
	if !errors.Is(err, ErrNoSpeakers) {
		t.Fatalf("error = %v, want ErrNoSpeakers", err)
	}
}

func TestSpeakerKeysAdvisoryOnFailure(t *testing.T) {
	provider := &stubProvider{speakers: []string{"EN-Default"}, synthErr: errors.New("boom")}
	reg := newTestRegistry(t, provider)

	if keys := reg.SpeakerKeys(context.Background(), "EN"); keys != nil {
		t.Fatalf("keys = %v, want nil on load failure", keys)
	}
}

func TestMockPipelineRoundTrip(t *testing.T) {
	cfg := config.ModelsConfig{
		Mode:            "mock",
		Device:          "cpu",
		Languages:       []string{"EN"},
		DefaultSpeakers: map[string]string{"EN": "EN-Default"},
		Watermark:       "@LocaAI",
	}
	reg := NewRegistry(context.Background(), cfg, NewMockProvider(cfg), testLogger())
	if !reg.Ready() {
		t.Fatal("mock registry should be ready")
	}

	dir := t.TempDir()
	ctx := context.Background()

	synth, err := reg.SynthesisModel(ctx, "EN")
	if err != nil {
		t.Fatalf("SynthesisModel: %v", err)
	}
	tmpPath := dir + "/tmp.wav"
	if err := synth.Synthesize(ctx, "hello there", "EN-Default", 0.9, tmpPath); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	extractor, err := reg.Extractor()
	if err != nil {
		t.Fatalf("Extractor: %v", err)
	}
	target, label, err := extractor.Extract(ctx, tmpPath, true)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(target) == 0 {
		t.Fatal("expected non-empty embedding")
	}
	if label != "tmp" {
		t.Fatalf("source label = %q, want %q", label, "tmp")
	}

	converter, err := reg.Converter()
	if err != nil {
		t.Fatalf("Converter: %v", err)
	}
	source, err := converter.LoadSourceReference(ctx, "EN-Default")
	if err != nil {
		t.Fatalf("LoadSourceReference: %v", err)
	}
	outPath := dir + "/out.wav"
	if err := converter.Convert(ctx, tmpPath, source, target, outPath, cfg.Watermark); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("converted output missing: %v", err)
	}
}
