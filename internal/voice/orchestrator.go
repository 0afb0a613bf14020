// Package voice orchestrates the cloning pipeline: staging reference audio,
// extracting speaker embeddings, synthesizing base speech, and transferring
// tone color onto it. It guarantees that intermediate artifacts are removed
// whether an invocation succeeds or fails.
package voice

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ambiware-labs/timbre/internal/artifact"
	"github.com/ambiware-labs/timbre/internal/bus"
	"github.com/ambiware-labs/timbre/internal/config"
	"github.com/ambiware-labs/timbre/internal/executor"
	"github.com/ambiware-labs/timbre/internal/joblog"
	"github.com/ambiware-labs/timbre/internal/model"
	"github.com/ambiware-labs/timbre/internal/protocol"
	"github.com/google/uuid"
)

// Speed bounds accepted by CloneVoice.
const (
	MinSpeed     = 0.1
	MaxSpeed     = 2.0
	DefaultSpeed = 0.9
)

// ExtractResult reports a successful embedding extraction.
type ExtractResult struct {
	SourceLabel string
	EmbeddingID string
}

// CloneResult carries the cloned clip and the resolved request parameters.
type CloneResult struct {
	Audio      []byte
	OutputName string
	Text       string
	Language   string
	Speaker    string
	Speed      float64
}

// Health is the pipeline readiness snapshot.
type Health struct {
	Ready  bool   `json:"ready"`
	Device string `json:"device"`
}

// Orchestrator coordinates the registry, artifact store, and executor into
// the two pipeline operations. It serializes nothing itself; concurrency is
// bounded by the executor alone.
type Orchestrator struct {
	cfg      config.StorageConfig
	registry *model.Registry
	store    *artifact.Store
	pool     *executor.Pool
	jobs     *joblog.Store
	bus      *bus.Client
	log      *slog.Logger
	metrics  *pipelineMetrics
}

// NewOrchestrator wires the pipeline. jobs and busClient may be nil; job
// logging and event publication are then skipped.
func NewOrchestrator(cfg config.StorageConfig, registry *model.Registry, store *artifact.Store, pool *executor.Pool, jobs *joblog.Store, busClient *bus.Client, logger *slog.Logger) *Orchestrator {
	log := logger.With(slog.String("component", "voice-pipeline"))
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		store:    store,
		pool:     pool,
		jobs:     jobs,
		bus:      busClient,
		log:      log,
		metrics:  newPipelineMetrics(log),
	}
}

// Health reports whether the models are ready and on which device.
func (o *Orchestrator) Health() Health {
	return Health{Ready: o.registry.Ready(), Device: o.registry.Device()}
}

// ExtractEmbedding stages the uploaded clip, derives its speaker embedding
// on the executor, and persists the embedding under a fresh identifier. The
// staged upload is removed before returning, success or not.
func (o *Orchestrator) ExtractEmbedding(ctx context.Context, filename string, audio []byte) (ExtractResult, error) {
	start := time.Now()
	jobID := uuid.NewString()
	o.beginJob(ctx, jobID, "extract")

	result, err := o.extract(ctx, jobID, filename, audio)
	o.finishJob(ctx, jobID, "extract", err)
	o.metrics.observe(ctx, "extract", start, err)
	return result, err
}

func (o *Orchestrator) extract(ctx context.Context, jobID, filename string, audio []byte) (ExtractResult, error) {
	if err := o.validateUpload(filename, audio); err != nil {
		return ExtractResult{}, err
	}
	extractor, err := o.registry.Extractor()
	if err != nil {
		return ExtractResult{}, wrapKind(err)
	}

	path, err := o.store.Stage(audio, filename)
	if err != nil {
		return ExtractResult{}, iof("stage reference clip: %w", err)
	}
	o.stage(ctx, jobID, "upload_staged", filepath.Base(path))

	var embedding model.Embedding
	var label string
	err = o.runTask(ctx, func(taskCtx context.Context) error {
		var extractErr error
		embedding, label, extractErr = extractor.Extract(taskCtx, path, true)
		if extractErr != nil {
			return fmt.Errorf("extract embedding: %w", extractErr)
		}
		return nil
	}, func(error) {
		o.store.Remove(path)
	})
	if err != nil {
		return ExtractResult{}, wrapKind(err)
	}
	o.store.Remove(path)
	o.stage(ctx, jobID, "embedding_extracted", label)

	id, err := o.store.PersistBlob(embedding)
	if err != nil {
		return ExtractResult{}, iof("persist embedding: %w", err)
	}
	o.stage(ctx, jobID, "embedding_persisted", id)

	return ExtractResult{SourceLabel: label, EmbeddingID: id}, nil
}

// CloneVoice synthesizes text in the requested language and transfers the
// tone color of the stored target embedding onto it. The intermediate base
// clip is always removed; the converted output is removed too when the
// invocation fails after creating it.
func (o *Orchestrator) CloneVoice(ctx context.Context, text, language, speaker string, speed float64, targetEmbeddingID string) (CloneResult, error) {
	start := time.Now()
	jobID := uuid.NewString()
	o.beginJob(ctx, jobID, "clone")

	result, err := o.clone(ctx, jobID, text, language, speaker, speed, targetEmbeddingID)
	o.finishJob(ctx, jobID, "clone", err)
	o.metrics.observe(ctx, "clone", start, err)
	return result, err
}

func (o *Orchestrator) clone(ctx context.Context, jobID, text, language, speaker string, speed float64, targetEmbeddingID string) (CloneResult, error) {
	if strings.TrimSpace(text) == "" {
		return CloneResult{}, Validationf("text must not be empty")
	}
	if speed == 0 {
		speed = DefaultSpeed
	}
	if speed < MinSpeed || speed > MaxSpeed {
		return CloneResult{}, Validationf("speed %.2f outside [%.1f, %.1f]", speed, MinSpeed, MaxSpeed)
	}
	if !o.registry.SupportsLanguage(language) {
		return CloneResult{}, Validationf("unsupported language %q", language)
	}
	if targetEmbeddingID == "" {
		return CloneResult{}, Validationf("target embedding id must not be empty")
	}

	converter, err := o.registry.Converter()
	if err != nil {
		return CloneResult{}, wrapKind(err)
	}
	synth, err := o.registry.SynthesisModel(ctx, language)
	if err != nil {
		return CloneResult{}, wrapKind(err)
	}

	target, err := o.store.LoadBlob(targetEmbeddingID)
	if err != nil {
		return CloneResult{}, wrapKind(err)
	}

	resolved, err := o.registry.ResolveSpeaker(ctx, language, speaker)
	if err != nil {
		return CloneResult{}, wrapKind(err)
	}

	tmpPath := o.store.AllocatePath(artifact.RoleIntermediate, "")
	outPath := o.store.AllocatePath(artifact.RoleOutput, "")

	err = o.runTask(ctx, func(taskCtx context.Context) error {
		if synthErr := synth.Synthesize(taskCtx, text, resolved, speed, tmpPath); synthErr != nil {
			return fmt.Errorf("synthesize base clip: %w", synthErr)
		}
		source, refErr := converter.LoadSourceReference(taskCtx, resolved)
		if refErr != nil {
			return fmt.Errorf("load source reference for %s: %w", resolved, refErr)
		}
		if convErr := converter.Convert(taskCtx, tmpPath, source, target, outPath, o.registry.Watermark()); convErr != nil {
			return fmt.Errorf("convert tone color: %w", convErr)
		}
		return nil
	}, func(taskErr error) {
		o.store.Remove(tmpPath)
		if taskErr != nil {
			o.store.Remove(outPath)
		}
	})
	if err != nil {
		return CloneResult{}, wrapKind(err)
	}
	o.store.Remove(tmpPath)
	o.stage(ctx, jobID, "voice_cloned", filepath.Base(outPath))

	audio, err := os.ReadFile(outPath)
	if err != nil {
		o.store.Remove(outPath)
		return CloneResult{}, iof("read cloned clip: %w", err)
	}

	return CloneResult{
		Audio:      audio,
		OutputName: filepath.Base(outPath),
		Text:       text,
		Language:   language,
		Speaker:    resolved,
		Speed:      speed,
	}, nil
}

// ListSpeakers reports the supported languages and each language's known
// speakers. Listing is advisory: a language whose model fails to load
// contributes an empty list rather than failing the whole call, and a
// degraded converter does not block it either.
func (o *Orchestrator) ListSpeakers(ctx context.Context) (protocol.SpeakersReply, error) {
	reply := protocol.SpeakersReply{
		SupportedLanguages: o.registry.Languages(),
		Speakers:           make(map[string][]string),
	}
	for _, language := range reply.SupportedLanguages {
		keys := o.registry.SpeakerKeys(ctx, language)
		if keys == nil {
			keys = []string{}
		}
		reply.Speakers[language] = keys
	}
	return reply, nil
}

// ListArtifacts lists the files in the output area.
func (o *Orchestrator) ListArtifacts() ([]artifact.Info, error) {
	infos, err := o.store.List()
	if err != nil {
		return nil, iof("list artifacts: %w", err)
	}
	return infos, nil
}

// FetchArtifact returns the named output artifact's bytes.
func (o *Orchestrator) FetchArtifact(name string) ([]byte, error) {
	data, err := o.store.Fetch(name)
	if err != nil {
		return nil, wrapKind(err)
	}
	return data, nil
}

// DeleteArtifact removes the named output artifact. Deleting an absent
// artifact is not an error.
func (o *Orchestrator) DeleteArtifact(name string) bool {
	return o.store.Delete(name)
}

// PurgeOldArtifacts removes artifacts older than maxAgeHours from both
// managed areas. Zero purges everything; a negative value falls back to the
// configured retention.
func (o *Orchestrator) PurgeOldArtifacts(maxAgeHours int) int {
	if maxAgeHours < 0 {
		maxAgeHours = o.cfg.RetentionHours
	}
	removed := o.store.PurgeOlderThan(time.Duration(maxAgeHours) * time.Hour)
	o.log.Info("artifact purge finished", slog.Int("removed", removed), slog.Int("max_age_hours", maxAgeHours))
	return removed
}

// runTask submits task to the executor and waits on it with the caller's
// context. cleanup receives the task error on every failure path. When the
// caller's context expires while the task is still running, the engines keep
// going and cleanup is detached to fire only once the task actually
// finishes, so artifacts are never removed out from under a running engine
// and a late-finishing task cannot recreate them afterwards.
func (o *Orchestrator) runTask(ctx context.Context, task executor.Task, cleanup func(taskErr error)) error {
	future, err := o.pool.Submit(ctx, task)
	if err != nil {
		cleanup(err)
		return err
	}
	waitErr := future.Wait(ctx)
	if waitErr == nil {
		return nil
	}
	select {
	case <-future.Done():
		cleanup(waitErr)
	default:
		go func() {
			<-future.Done()
			cleanup(future.Err())
		}()
	}
	return waitErr
}

func (o *Orchestrator) validateUpload(filename string, audio []byte) error {
	if len(audio) == 0 {
		return Validationf("empty audio upload")
	}
	if o.cfg.MaxUploadBytes > 0 && int64(len(audio)) > o.cfg.MaxUploadBytes {
		return &Error{Kind: KindValidation, err: fmt.Errorf("%w: %d bytes exceeds limit %d", ErrTooLarge, len(audio), o.cfg.MaxUploadBytes)}
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	for _, allowed := range o.cfg.AllowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return Validationf("file extension %q not allowed, expected one of %v", ext, o.cfg.AllowedExtensions)
}

func (o *Orchestrator) beginJob(ctx context.Context, jobID, kind string) {
	if o.jobs == nil {
		return
	}
	if err := o.jobs.BeginJob(ctx, jobID, kind); err != nil {
		o.log.Warn("job log write failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) stage(ctx context.Context, jobID, stage, detail string) {
	if o.jobs == nil {
		return
	}
	if err := o.jobs.AppendStage(ctx, jobID, stage, detail); err != nil {
		o.log.Warn("job log write failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) finishJob(ctx context.Context, jobID, kind string, jobErr error) {
	status := joblog.StatusCompleted
	subject := protocol.SubjectJobCompleted
	errMsg := ""
	if jobErr != nil {
		status = joblog.StatusFailed
		subject = protocol.SubjectJobFailed
		errMsg = jobErr.Error()
	}
	if o.jobs != nil {
		if err := o.jobs.FinishJob(ctx, jobID, status, errMsg); err != nil {
			o.log.Warn("job log write failed", slog.String("error", err.Error()))
		}
	}
	if o.bus != nil {
		event := protocol.JobEvent{JobID: jobID, Kind: kind, Error: errMsg, Timestamp: time.Now().UTC()}
		if err := o.bus.PublishJSON(subject, event); err != nil {
			o.log.Warn("job event publish failed", slog.String("error", err.Error()))
		}
	}
}
