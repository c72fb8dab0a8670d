package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"plantly.app/plantly-server/internal/auth"
	"plantly.app/plantly-server/internal/config"
	"plantly.app/plantly-server/internal/core"
	"plantly.app/plantly-server/internal/logging"
	"plantly.app/plantly-server/internal/store"
)

type APIHandler struct {
	chatService *core.ChatService
	verifier    auth.Verifier
	uploads     *limiterPool
	maxUpload   int64
}

func NewAPIHandler(cs *core.ChatService, verifier auth.Verifier, cfg config.UploadConfig) *APIHandler {
	maxUpload := cfg.MaxBytes
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	return &APIHandler{
		chatService: cs,
		verifier:    verifier,
		uploads:     newLimiterPool(cfg.RPS, cfg.Burst),
		maxUpload:   maxUpload,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type CreateThreadRequest struct {
	Title string `json:"title,omitempty"`
}

func (h *APIHandler) CreateThreadHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	var req CreateThreadRequest
	if r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	thread, err := h.chatService.CreateThread(r.Context(), userID, req.Title)
	if err != nil {
		l := logging.Ctx(r.Context())
		l.Error().Err(err).Msg("failed to create thread")
		http.Error(w, "Failed to create thread", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

type ListThreadsResponse struct {
	Threads []store.Thread `json:"threads"`
	Total   int            `json:"total"`
}

func (h *APIHandler) ListThreadsHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	threads, err := h.chatService.ListThreads(r.Context(), userID)
	if err != nil {
		l := logging.Ctx(r.Context())
		l.Error().Err(err).Msg("failed to list threads")
		http.Error(w, "Failed to list threads", http.StatusInternalServerError)
		return
	}
	if threads == nil {
		threads = []store.Thread{}
	}
	writeJSON(w, http.StatusOK, ListThreadsResponse{Threads: threads, Total: len(threads)})
}

type ThreadDetailsResponse struct {
	*store.Thread
	Messages []store.Message `json:"messages"`
}

func (h *APIHandler) GetThreadDetailsHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	threadID := chi.URLParam(r, "threadID")

	thread, messages, err := h.chatService.GetThreadDetails(r.Context(), userID, threadID)
	if err != nil {
		if errors.Is(err, core.ErrThreadNotFound) {
			http.Error(w, "Thread not found", http.StatusNotFound)
			return
		}
		l := logging.Ctx(r.Context())
		l.Error().Err(err).Str(logging.FieldThreadID, threadID).Msg("failed to get thread details")
		http.Error(w, "Failed to get thread details", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, ThreadDetailsResponse{Thread: thread, Messages: messages})
}

func (h *APIHandler) PlantDiseasesHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	plantID := chi.URLParam(r, "plantID")

	pd, err := h.chatService.PlantHistory(r.Context(), userID, plantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Plant not found", http.StatusNotFound)
			return
		}
		l := logging.Ctx(r.Context())
		l.Error().Err(err).Str("plant_id", plantID).Msg("failed to get plant disease history")
		http.Error(w, "Failed to get plant disease history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pd)
}

type DiagnosisPayload struct {
	Class      string    `json:"class"`
	ClassTr    string    `json:"classTr"`
	Confidence float64   `json:"confidence"`
	Probs      []float64 `json:"probs,omitempty"`
}

type AssistantPayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type AnalyzeImageResponse struct {
	ThreadID  string            `json:"thread_id"`
	Diagnosis DiagnosisPayload  `json:"diagnosis"`
	ImageRef  string            `json:"image_ref,omitempty"`
	MessageID string            `json:"message_id"`
	Assistant *AssistantPayload `json:"assistant"`
}

// AnalyzeImageHandler takes a multipart upload (file, thread_id, plant_id,
// auto_reply), classifies it and records the diagnosis on the thread.
func (h *APIHandler) AnalyzeImageHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	l := logging.Ctx(r.Context())

	if !h.uploads.Allow(userID) {
		http.Error(w, "Too many uploads, slow down", http.StatusTooManyRequests)
		return
	}

	if r.ContentLength > h.maxUpload {
		http.Error(w, "Image is too large", http.StatusRequestEntityTooLarge)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Image is too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read image", http.StatusBadRequest)
		return
	}

	autoReply := false
	if v := strings.TrimSpace(r.FormValue("auto_reply")); v != "" {
		if autoReply, err = strconv.ParseBool(v); err != nil {
			http.Error(w, "auto_reply must be a boolean", http.StatusBadRequest)
			return
		}
	}

	res, err := h.chatService.AnalyzeImage(r.Context(), userID, core.AnalyzeRequest{
		ThreadID:    strings.TrimSpace(r.FormValue("thread_id")),
		PlantID:     strings.TrimSpace(r.FormValue("plant_id")),
		AutoReply:   autoReply,
		Image:       data,
		ContentType: header.Header.Get("Content-Type"),
		Filename:    header.Filename,
	})
	if err != nil {
		switch {
		case errors.Is(err, core.ErrEmptyImage):
			http.Error(w, "Uploaded image is empty", http.StatusBadRequest)
		case errors.Is(err, core.ErrThreadNotFound):
			http.Error(w, "Thread not found", http.StatusNotFound)
		case errors.Is(err, core.ErrInference):
			l.Error().Err(err).Msg("image classification failed")
			http.Error(w, "Model inference failed", http.StatusInternalServerError)
		default:
			l.Error().Err(err).Msg("failed to analyze image")
			http.Error(w, "Failed to analyze image", http.StatusInternalServerError)
		}
		return
	}

	resp := AnalyzeImageResponse{
		ThreadID: res.ThreadID,
		Diagnosis: DiagnosisPayload{
			Class:      res.Prediction.Label,
			ClassTr:    res.ClassTr,
			Confidence: res.Prediction.Confidence,
			Probs:      res.Prediction.Probs,
		},
		ImageRef:  res.ImageRef,
		MessageID: res.MessageID,
	}
	if res.Assistant != nil {
		resp.Assistant = &AssistantPayload{MessageID: res.Assistant.ID, Content: res.Assistant.Content.Text}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ImageHandler streams one of the caller's stored uploads by its image_ref.
func (h *APIHandler) ImageHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	key := chi.URLParam(r, "*")

	rc, err := h.chatService.OpenImage(r.Context(), userID, key)
	if err != nil {
		if errors.Is(err, core.ErrImageNotFound) {
			http.Error(w, "Image not found", http.StatusNotFound)
			return
		}
		l := logging.Ctx(r.Context())
		l.Error().Err(err).Str("image_ref", key).Msg("failed to read image")
		http.Error(w, "Failed to read image", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := io.Copy(w, rc); err != nil {
		l := logging.Ctx(r.Context())
		l.Debug().Err(err).Str("image_ref", key).Msg("image stream interrupted")
	}
}
