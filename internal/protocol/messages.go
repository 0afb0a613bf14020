package protocol

import "time"

// ExtractRequest carries a reference clip for embedding extraction.
type ExtractRequest struct {
	Filename string `json:"filename"`
	Audio    []byte `json:"audio"`
}

// ExtractReply reports the extractor's source label and the identifier of
// the persisted embedding blob.
type ExtractReply struct {
	SourceLabel string `json:"source_label,omitempty"`
	EmbeddingID string `json:"embedding_id,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
}

// CloneRequest asks the pipeline to synthesize text and transfer the tone
// color of the referenced target embedding onto it.
type CloneRequest struct {
	Text              string  `json:"text"`
	Language          string  `json:"language"`
	Speaker           string  `json:"speaker,omitempty"`
	Speed             float64 `json:"speed,omitempty"`
	TargetEmbeddingID string  `json:"target_embedding_id"`
}

// CloneReply carries the final cloned clip plus the echoed request metadata.
type CloneReply struct {
	Audio      []byte  `json:"audio,omitempty"`
	OutputName string  `json:"output_name,omitempty"`
	Text       string  `json:"text,omitempty"`
	Language   string  `json:"language,omitempty"`
	Speaker    string  `json:"speaker,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	Error      string  `json:"error,omitempty"`
	ErrorKind  string  `json:"error_kind,omitempty"`
}

// SpeakersReply lists known speaker keys per supported language.
type SpeakersReply struct {
	SupportedLanguages []string            `json:"supported_languages"`
	Speakers           map[string][]string `json:"speakers"`
}

// PurgeRequest triggers the retention sweep over the managed storage areas.
type PurgeRequest struct {
	MaxAgeHours int `json:"max_age_hours"`
}

// PurgeReply reports how many artifacts the sweep removed.
type PurgeReply struct {
	Removed int    `json:"removed"`
	Error   string `json:"error,omitempty"`
}

// JobEvent announces pipeline invocation outcomes on the bus.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"`
	Stage     string    `json:"stage,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectExtract      = "voice.embed.extract"
	SubjectClone        = "voice.clone"
	SubjectSpeakers     = "voice.speakers"
	SubjectPurge        = "voice.artifacts.purge"
	SubjectJobCompleted = "voice.job.completed"
	SubjectJobFailed    = "voice.job.failed"
)
