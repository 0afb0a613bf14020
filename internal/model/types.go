// Package model owns the inference engines behind the voice pipeline: the
// speaker-embedding extractor, the per-language speech synthesizers, and the
// shared tone-color converter. The Registry loads them once and shares them
// read-only across all requests.
package model

import "context"

// Embedding is an opaque serialized speaker-embedding tensor. The pipeline
// never interprets its contents; round-tripping through the artifact store
// must preserve it byte for byte.
type Embedding []byte

// Extractor derives a speaker embedding from a reference clip on disk.
type Extractor interface {
	// Extract returns the embedding and the extractor's source label for
	// the clip. vad enables voice-activity detection trimming.
	Extract(ctx context.Context, path string, vad bool) (Embedding, string, error)
}

// Synthesizer renders text to speech for a single language.
type Synthesizer interface {
	// Synthesize writes the rendered clip to outputPath.
	Synthesize(ctx context.Context, text, speakerKey string, speed float64, outputPath string) error

	// SpeakerKeys lists the voice presets this model knows, in stable order.
	SpeakerKeys() []string
}

// Converter transfers tone color between speaker embeddings.
type Converter interface {
	// LoadSourceReference returns the embedding of a built-in source voice.
	LoadSourceReference(ctx context.Context, speakerKey string) (Embedding, error)

	// Convert rewrites inputPath's timbre from source to target and writes
	// the result to outputPath, embedding watermark as a provenance message.
	Convert(ctx context.Context, inputPath string, source, target Embedding, outputPath, watermark string) error
}

// Provider constructs engines. The Registry calls it once per engine and
// caches the results; implementations do the expensive checkpoint loading.
type Provider interface {
	LoadConverter(ctx context.Context) (Converter, error)
	LoadExtractor(ctx context.Context) (Extractor, error)
	LoadSynthesizer(ctx context.Context, language string) (Synthesizer, error)
}
