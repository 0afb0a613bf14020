package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ambiware-labs/timbre/internal/artifact"
	"github.com/ambiware-labs/timbre/internal/config"
	"github.com/ambiware-labs/timbre/internal/executor"
	"github.com/ambiware-labs/timbre/internal/model"
	"github.com/ambiware-labs/timbre/internal/protocol"
	"github.com/ambiware-labs/timbre/internal/voice"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()
	storageCfg := config.StorageConfig{
		UploadDir:         filepath.Join(root, "uploads"),
		OutputDir:         filepath.Join(root, "outputs"),
		MaxUploadBytes:    1 << 20,
		AllowedExtensions: []string{"wav", "mp3"},
		RetentionHours:    24,
	}
	modelsCfg := config.ModelsConfig{
		Mode:            "mock",
		Device:          "cpu",
		Languages:       []string{"EN"},
		DefaultSpeakers: map[string]string{"EN": "EN-Default"},
		Watermark:       "@LocaAI",
	}

	registry := model.NewRegistry(context.Background(), modelsCfg, model.NewMockProvider(modelsCfg), log)
	store, err := artifact.New(storageCfg, log)
	if err != nil {
		t.Fatalf("artifact.New: %v", err)
	}
	pool := executor.New(context.Background(), config.ExecutorConfig{Workers: 2, QueueSize: 8}, log)
	t.Cleanup(pool.Close)
	orch := voice.NewOrchestrator(storageCfg, registry, store, pool, nil, nil, log)

	mux := http.NewServeMux()
	New(orch, storageCfg.MaxUploadBytes, log).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func uploadClip(t *testing.T, server *httptest.Server, filename string, audio []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write(audio); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	resp, err := http.Post(server.URL+"/extract_voice", writer.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST /extract_voice: %v", err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthRoute(t *testing.T) {
	server := testServer(t)

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	health := decodeJSON[voice.Health](t, resp)
	if !health.Ready || health.Device != "cpu" {
		t.Fatalf("health = %+v", health)
	}
}

func TestListSpeakersRoute(t *testing.T) {
	server := testServer(t)

	resp, err := http.Get(server.URL + "/list_speakers")
	if err != nil {
		t.Fatalf("GET /list_speakers: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	reply := decodeJSON[protocol.SpeakersReply](t, resp)
	if len(reply.Speakers["EN"]) == 0 {
		t.Fatalf("no EN speakers in %+v", reply)
	}
}

func TestExtractAndCloneRoutes(t *testing.T) {
	server := testServer(t)

	resp := uploadClip(t, server, "reference.wav", []byte("reference audio bytes"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("extract status = %d", resp.StatusCode)
	}
	extract := decodeJSON[protocol.ExtractReply](t, resp)
	if extract.EmbeddingID == "" {
		t.Fatalf("extract reply = %+v", extract)
	}

	cloneBody, _ := json.Marshal(protocol.CloneRequest{
		Text:              "hello over http",
		Language:          "EN",
		Speed:             1.0,
		TargetEmbeddingID: extract.EmbeddingID,
	})
	cloneResp, err := http.Post(server.URL+"/clone_voice", "application/json", bytes.NewReader(cloneBody))
	if err != nil {
		t.Fatalf("POST /clone_voice: %v", err)
	}
	defer cloneResp.Body.Close()
	if cloneResp.StatusCode != http.StatusOK {
		t.Fatalf("clone status = %d", cloneResp.StatusCode)
	}
	if got := cloneResp.Header.Get("Content-Type"); got != "audio/wav" {
		t.Fatalf("content type = %q", got)
	}
	if got := cloneResp.Header.Get("X-Timbre-Speaker"); got != "EN-Default" {
		t.Fatalf("speaker header = %q", got)
	}
	disposition := cloneResp.Header.Get("Content-Disposition")
	if !strings.Contains(disposition, "cloned_voice_") {
		t.Fatalf("disposition = %q", disposition)
	}
	audio, err := io.ReadAll(cloneResp.Body)
	if err != nil {
		t.Fatalf("read clone body: %v", err)
	}
	if len(audio) == 0 {
		t.Fatal("empty clone audio")
	}
}

func TestExtractRejectsBadExtension(t *testing.T) {
	server := testServer(t)

	resp := uploadClip(t, server, "notes.txt", []byte("not audio"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCloneValidationStatus(t *testing.T) {
	server := testServer(t)

	body, _ := json.Marshal(protocol.CloneRequest{Text: "hi", Language: "EN", Speed: 9.0, TargetEmbeddingID: "deadbeef"})
	resp, err := http.Post(server.URL+"/clone_voice", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /clone_voice: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCloneUnknownEmbeddingStatus(t *testing.T) {
	server := testServer(t)

	body, _ := json.Marshal(protocol.CloneRequest{Text: "hi", Language: "EN", Speed: 1.0, TargetEmbeddingID: "deadbeef"})
	resp, err := http.Post(server.URL+"/clone_voice", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /clone_voice: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestFileRoutes(t *testing.T) {
	server := testServer(t)

	resp := uploadClip(t, server, "reference.wav", []byte("reference audio"))
	extract := decodeJSON[protocol.ExtractReply](t, resp)

	cloneBody, _ := json.Marshal(protocol.CloneRequest{Text: "hello", Language: "EN", Speed: 1.0, TargetEmbeddingID: extract.EmbeddingID})
	cloneResp, err := http.Post(server.URL+"/clone_voice", "application/json", bytes.NewReader(cloneBody))
	if err != nil {
		t.Fatalf("POST /clone_voice: %v", err)
	}
	disposition := cloneResp.Header.Get("Content-Disposition")
	cloneResp.Body.Close()
	name := strings.Trim(strings.TrimPrefix(disposition, "attachment; filename="), "\"")

	listResp, err := http.Get(server.URL + "/files")
	if err != nil {
		t.Fatalf("GET /files: %v", err)
	}
	listing := decodeJSON[map[string][]artifact.Info](t, listResp)
	found := false
	for _, info := range listing["files"] {
		if info.Name == name {
			found = true
		}
	}
	if !found {
		t.Fatalf("%q not in listing %+v", name, listing)
	}

	dlResp, err := http.Get(server.URL + "/download/" + name)
	if err != nil {
		t.Fatalf("GET /download: %v", err)
	}
	defer dlResp.Body.Close()
	if dlResp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", dlResp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/cleanup/"+name, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /cleanup: %v", err)
	}
	result := decodeJSON[map[string]bool](t, delResp)
	if !result["deleted"] {
		t.Fatalf("delete result = %v", result)
	}

	missingResp, err := http.Get(server.URL + "/download/" + name)
	if err != nil {
		t.Fatalf("GET /download after delete: %v", err)
	}
	defer missingResp.Body.Close()
	if missingResp.StatusCode != http.StatusNotFound {
		t.Fatalf("download after delete status = %d, want 404", missingResp.StatusCode)
	}
}

func TestCleanupOldFilesRoute(t *testing.T) {
	server := testServer(t)

	resp, err := http.Post(server.URL+"/cleanup_old_files", "application/json", strings.NewReader(`{"max_age_hours": 48}`))
	if err != nil {
		t.Fatalf("POST /cleanup_old_files: %v", err)
	}
	reply := decodeJSON[protocol.PurgeReply](t, resp)
	if reply.Removed != 0 {
		t.Fatalf("removed = %d, want 0 on empty store", reply.Removed)
	}
}
