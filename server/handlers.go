// Package server exposes the estimation pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"projectEstimate/core"
	"projectEstimate/storage"
)

// The pipeline stages are consumed through narrow interfaces so handlers can
// be tested with injected stubs.

type FrameSampler interface {
	SampleFrames(video []byte) ([]core.Frame, error)
}

type VisionAnalyzer interface {
	Summarize(ctx context.Context, frames [][]byte) *core.VisualSummary
	AnalyzeImage(ctx context.Context, image []byte) core.EquipmentAnalysis
}

type TextEncoder interface {
	Encode(ctx context.Context, text string) []float32
}

type Estimator interface {
	Estimate(ctx context.Context, description, location string, visual *core.VisualSummary) core.StructuredEstimate
}

type Corrector interface {
	CorrectEstimate(estimate *core.StructuredEstimate, visual, text []float32)
}

// Handler is the request-serving dependency container: every component is
// initialized once at startup and used read-only by concurrent requests.
type Handler struct {
	Sampler   FrameSampler
	Vision    VisionAnalyzer
	Encoder   TextEncoder
	Estimator Estimator
	Corrector Corrector
	Store     storage.FeedbackStore
}

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".avi": {}, ".mov": {}, ".mkv": {},
}

var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".webp": {},
}

// HandleAnalyzeProject runs the full multimodal pipeline: extension
// dispatch, frame sampling, visual summary, text embedding, generative
// estimate, regression correction. Only the complete absence of usable
// input is a hard failure; everything downstream recovers via fallbacks.
func (h *Handler) HandleAnalyzeProject(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	ctx := r.Context()

	content, filename, err := readUploadedFile(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var frameData [][]byte
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case isVideoExt(ext):
		log.Printf("[%s] processing video file: %s (%d bytes)", requestID, filename, len(content))
		frames, err := h.Sampler.SampleFrames(content)
		if err != nil {
			log.Printf("[%s] frame sampling error: %v", requestID, err)
		}
		if len(frames) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "could not extract frames from video"})
			return
		}
		frameData = make([][]byte, len(frames))
		for i, f := range frames {
			frameData[i] = f.Data
		}
	case isImageExt(ext):
		log.Printf("[%s] processing image file: %s (%d bytes)", requestID, filename, len(content))
		frameData = [][]byte{content}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported file format, please upload jpg, png, or mp4"})
		return
	}

	description := r.FormValue("description")
	location := r.FormValue("location")

	summary := h.Vision.Summarize(ctx, frameData)
	log.Printf("[%s] vision analysis complete: work_type=%s equipment=%v", requestID, summary.WorkType, summary.DetectedEquipment)

	textEmbedding := h.Encoder.Encode(ctx, description)

	estimate := h.Estimator.Estimate(ctx, description, location, summary)
	h.Corrector.CorrectEstimate(&estimate, summary.Embedding, textEmbedding)

	writeJSON(w, http.StatusOK, core.AnalyzeResponse{
		StructuredEstimate: estimate,
		VisualEmbedding:    summary.Embedding,
		TextEmbedding:      textEmbedding,
	})
}

// HandleAnalyzeImage inspects a single equipment photo.
func (h *Handler) HandleAnalyzeImage(w http.ResponseWriter, r *http.Request) {
	content, filename, err := readUploadedFile(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !isImageExt(strings.ToLower(filepath.Ext(filename))) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported file format, please upload jpg, png, or webp"})
		return
	}
	writeJSON(w, http.StatusOK, h.Vision.AnalyzeImage(r.Context(), content))
}

// HandleFeedback logs an actual project outcome for the continual learning
// loop. Persistence failures surface as server errors because the caller
// expects durable storage here.
func (h *Handler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	var req core.FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	rec, err := storage.BuildFeedbackRecord(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := h.Store.Log(r.Context(), rec); err != nil {
		log.Printf("failed to log project history for %s: %v", req.ProjectID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to log project history"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Feedback logged for continual learning.",
	})
}

// HandleHealth reports basic process health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStats reports feedback store counters.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	count, err := h.Store.Count(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feedback_records": count})
}

func readUploadedFile(r *http.Request) (content []byte, filename string, err error) {
	if err := r.ParseMultipartForm(128 << 20); err != nil {
		return nil, "", fmt.Errorf("invalid multipart form: %v", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", fmt.Errorf("missing file field 'file'")
	}
	defer file.Close()
	content, err = io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("read uploaded file: %v", err)
	}
	return content, header.Filename, nil
}

func isVideoExt(ext string) bool {
	_, ok := videoExtensions[ext]
	return ok
}

func isImageExt(ext string) bool {
	_, ok := imageExtensions[ext]
	return ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "write json error: %v", err)
	}
}
