// Package httpapi exposes the voice pipeline over plain HTTP. It is a thin
// layer: all validation and orchestration lives in the voice package, this
// one translates requests and maps error kinds to status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"

	"github.com/ambiware-labs/timbre/internal/protocol"
	"github.com/ambiware-labs/timbre/internal/voice"
)

// API serves the pipeline routes.
type API struct {
	orch      *voice.Orchestrator
	maxUpload int64
	log       *slog.Logger
}

// New builds the API. maxUpload bounds request bodies on the upload routes.
func New(orch *voice.Orchestrator, maxUpload int64, logger *slog.Logger) *API {
	return &API{
		orch:      orch,
		maxUpload: maxUpload,
		log:       logger.With(slog.String("component", "httpapi")),
	}
}

// Register installs the pipeline routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /list_speakers", a.handleListSpeakers)
	mux.HandleFunc("POST /extract_voice", a.handleExtract)
	mux.HandleFunc("POST /clone_voice", a.handleClone)
	mux.HandleFunc("GET /files", a.handleListFiles)
	mux.HandleFunc("GET /download/{name}", a.handleDownload)
	mux.HandleFunc("DELETE /cleanup/{name}", a.handleCleanupOne)
	mux.HandleFunc("POST /cleanup_old_files", a.handleCleanupOld)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.orch.Health())
}

func (a *API) handleListSpeakers(w http.ResponseWriter, r *http.Request) {
	reply, err := a.orch.ListSpeakers(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, reply)
}

func (a *API) handleExtract(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload+(1<<16))
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeErrorMessage(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		a.writeErrorMessage(w, http.StatusBadRequest, "missing multipart field \"file\"")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		a.writeErrorMessage(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	result, err := a.orch.ExtractEmbedding(r.Context(), header.Filename, audio)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, protocol.ExtractReply{
		SourceLabel: result.SourceLabel,
		EmbeddingID: result.EmbeddingID,
	})
}

func (a *API) handleClone(w http.ResponseWriter, r *http.Request) {
	var req protocol.CloneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeErrorMessage(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}

	result, err := a.orch.CloneVoice(r.Context(), req.Text, req.Language, req.Speaker, req.Speed, req.TargetEmbeddingID)
	if err != nil {
		a.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(result.OutputName))
	w.Header().Set("X-Timbre-Language", result.Language)
	w.Header().Set("X-Timbre-Speaker", result.Speaker)
	w.Header().Set("X-Timbre-Speed", strconv.FormatFloat(result.Speed, 'f', -1, 64))
	w.Header().Set("X-Timbre-Text", url.QueryEscape(result.Text))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Audio)
}

func (a *API) handleListFiles(w http.ResponseWriter, _ *http.Request) {
	infos, err := a.orch.ListArtifacts()
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"files": infos})
}

func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	data, err := a.orch.FetchArtifact(name)
	if err != nil {
		a.writeError(w, err)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *API) handleCleanupOne(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	deleted := a.orch.DeleteArtifact(name)
	a.writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (a *API) handleCleanupOld(w http.ResponseWriter, r *http.Request) {
	// An absent max_age_hours means "use the configured retention", while an
	// explicit zero purges everything.
	req := protocol.PurgeRequest{MaxAgeHours: -1}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeErrorMessage(w, http.StatusBadRequest, "decode request: "+err.Error())
			return
		}
	}
	removed := a.orch.PurgeOldArtifacts(req.MaxAgeHours)
	a.writeJSON(w, http.StatusOK, protocol.PurgeReply{Removed: removed})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.log.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch voice.KindOf(err) {
	case voice.KindValidation:
		status = http.StatusBadRequest
		if errors.Is(err, voice.ErrTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
	case voice.KindNotFound:
		status = http.StatusNotFound
	case voice.KindModelsNotLoaded:
		status = http.StatusServiceUnavailable
	}
	a.writeErrorMessage(w, status, err.Error())
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", slog.String("error", err.Error()))
	}
}

func (a *API) writeErrorMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
