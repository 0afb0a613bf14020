package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ambiware-labs/timbre/internal/config"
)

var (
	// ErrNotLoaded indicates the registry failed to initialize the shared
	// converter and extractor; extraction and cloning fail fast on it.
	ErrNotLoaded = errors.New("models not loaded")
	// ErrUnsupportedLanguage indicates a language outside the configured set.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrNoSpeakers indicates a language whose synthesizer has no voices.
	ErrNoSpeakers = errors.New("no speakers available for language")
)

// Registry loads and caches the inference engines. The converter and
// extractor are loaded eagerly at construction; per-language synthesizers
// are loaded on first use. A converter load failure leaves the registry in a
// degraded state rather than crashing the process.
type Registry struct {
	cfg      config.ModelsConfig
	provider Provider
	log      *slog.Logger

	converter Converter
	extractor Extractor

	mu     sync.Mutex
	synths map[string]Synthesizer
}

// NewRegistry eagerly initializes the shared engines. It never returns an
// error: when initialization fails, the registry reports not ready and every
// inference call fails with ErrNotLoaded.
func NewRegistry(ctx context.Context, cfg config.ModelsConfig, provider Provider, log *slog.Logger) *Registry {
	r := &Registry{
		cfg:      cfg,
		provider: provider,
		log:      log.With(slog.String("component", "model-registry")),
		synths:   make(map[string]Synthesizer),
	}

	converter, err := provider.LoadConverter(ctx)
	if err != nil {
		r.log.Error("failed to load tone-color converter", slogError(err))
		return r
	}
	extractor, err := provider.LoadExtractor(ctx)
	if err != nil {
		r.log.Error("failed to load embedding extractor", slogError(err))
		return r
	}

	r.converter = converter
	r.extractor = extractor
	r.log.Info("models loaded", slog.String("device", cfg.Device), slog.String("mode", cfg.Mode))
	return r
}

// Ready reports whether the shared engines initialized successfully.
func (r *Registry) Ready() bool {
	return r.converter != nil && r.extractor != nil
}

// Device returns the configured inference device.
func (r *Registry) Device() string { return r.cfg.Device }

// Watermark returns the provenance message embedded in converted audio.
func (r *Registry) Watermark() string { return r.cfg.Watermark }

// Languages returns the configured language codes.
func (r *Registry) Languages() []string {
	return append([]string(nil), r.cfg.Languages...)
}

// SupportsLanguage reports whether language is in the configured set.
func (r *Registry) SupportsLanguage(language string) bool {
	for _, l := range r.cfg.Languages {
		if l == language {
			return true
		}
	}
	return false
}

// DefaultSpeaker returns the configured default speaker key for language,
// or the empty string when none is configured.
func (r *Registry) DefaultSpeaker(language string) string {
	return r.cfg.DefaultSpeakers[language]
}

// Converter returns the shared tone-color converter.
func (r *Registry) Converter() (Converter, error) {
	if !r.Ready() {
		return nil, ErrNotLoaded
	}
	return r.converter, nil
}

// Extractor returns the shared embedding extractor.
func (r *Registry) Extractor() (Extractor, error) {
	if !r.Ready() {
		return nil, ErrNotLoaded
	}
	return r.extractor, nil
}

// SynthesisModel returns the synthesizer for language, loading and caching
// it on first use. Synthesizer loading is independent of converter and
// extractor readiness, so a degraded registry can still list speakers. A
// load failure for one language is not cached and does not affect other
// languages.
func (r *Registry) SynthesisModel(ctx context.Context, language string) (Synthesizer, error) {
	if !r.SupportsLanguage(language) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if synth, ok := r.synths[language]; ok {
		return synth, nil
	}

	synth, err := r.provider.LoadSynthesizer(ctx, language)
	if err != nil {
		return nil, fmt.Errorf("load synthesizer for %s: %w", language, err)
	}
	r.synths[language] = synth
	r.log.Info("synthesis model loaded", slog.String("language", language))
	return synth, nil
}

// SpeakerKeys lists the known speakers for language. Speaker listing is
// advisory: load failures produce an empty list and a warning, not an error.
func (r *Registry) SpeakerKeys(ctx context.Context, language string) []string {
	synth, err := r.SynthesisModel(ctx, language)
	if err != nil {
		r.log.Warn("could not load speakers", slog.String("language", language), slogError(err))
		return nil
	}
	return synth.SpeakerKeys()
}

// ResolveSpeaker maps a caller-supplied speaker key to one the language's
// model actually knows. An unknown key is silently substituted with the
// first available speaker; only a language with zero speakers fails.
func (r *Registry) ResolveSpeaker(ctx context.Context, language, speakerKey string) (string, error) {
	synth, err := r.SynthesisModel(ctx, language)
	if err != nil {
		return "", err
	}
	keys := synth.SpeakerKeys()
	if len(keys) == 0 {
		return "", fmt.Errorf("%w: %q", ErrNoSpeakers, language)
	}
	if speakerKey == "" {
		speakerKey = r.DefaultSpeaker(language)
	}
	for _, key := range keys {
		if key == speakerKey {
			return key, nil
		}
	}
	r.log.Warn("unknown speaker key, substituting first available",
		slog.String("language", language),
		slog.String("requested", speakerKey),
		slog.String("substituted", keys[0]))
	return keys[0], nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
