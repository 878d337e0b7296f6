package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"projectEstimate/core"
	"projectEstimate/storage"
)

type stubSampler struct {
	frames []core.Frame
	err    error
}

func (s *stubSampler) SampleFrames(video []byte) ([]core.Frame, error) {
	return s.frames, s.err
}

type stubVision struct {
	summary  *core.VisualSummary
	analysis core.EquipmentAnalysis
	frames   int
}

func (s *stubVision) Summarize(ctx context.Context, frames [][]byte) *core.VisualSummary {
	s.frames = len(frames)
	return s.summary
}

func (s *stubVision) AnalyzeImage(ctx context.Context, image []byte) core.EquipmentAnalysis {
	return s.analysis
}

type stubEncoder struct{ embedding []float32 }

func (s *stubEncoder) Encode(ctx context.Context, text string) []float32 { return s.embedding }

type stubEstimator struct{ estimate core.StructuredEstimate }

func (s *stubEstimator) Estimate(ctx context.Context, description, location string, visual *core.VisualSummary) core.StructuredEstimate {
	return s.estimate
}

type stubCorrector struct{ called bool }

func (s *stubCorrector) CorrectEstimate(estimate *core.StructuredEstimate, visual, text []float32) {
	s.called = true
	estimate.EstimatedCostMin = 45000
	estimate.EstimatedCostMax = 55000
	estimate.EstimatedDurationDays = 9
}

type failingStore struct{}

func (failingStore) Log(ctx context.Context, rec core.FeedbackRecord) error {
	return errors.New("backend down")
}

func (failingStore) GetTrainingBatch(ctx context.Context, limit int) (core.TrainingBatch, error) {
	return core.TrainingBatch{}, errors.New("backend down")
}

func (failingStore) Count(ctx context.Context) (int, error) { return 0, errors.New("backend down") }

func newTestHandler() (*Handler, *stubVision, *stubCorrector) {
	vision := &stubVision{
		summary: &core.VisualSummary{
			WorkType:           "excavation",
			WorkTypeConfidence: 0.9,
			DetectedEquipment:  []string{"excavator"},
			Embedding:          make([]float32, core.VisualEmbeddingDim),
		},
		analysis: core.EquipmentAnalysis{
			EquipmentType:       "excavator",
			ConditionAssessment: "good",
			ConditionScore:      78.5,
		},
	}
	corrector := &stubCorrector{}
	h := &Handler{
		Sampler:   &stubSampler{frames: []core.Frame{{Index: 0, Data: []byte("jpeg")}}},
		Vision:    vision,
		Encoder:   &stubEncoder{embedding: make([]float32, core.TextEmbeddingDim)},
		Estimator: &stubEstimator{estimate: core.StructuredEstimate{WorkType: "Excavation", SuggestedProviders: []string{}}},
		Corrector: corrector,
		Store:     storage.NewMemoryFeedbackStore(),
	}
	return h, vision, corrector
}

func multipartUpload(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatal(err)
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/analyze-project", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestAnalyzeProjectImageUpload(t *testing.T) {
	h, vision, corrector := newTestHandler()
	req := multipartUpload(t, "site.jpg", []byte("image-bytes"), map[string]string{
		"description": "dig a pond",
		"location":    "Vermont",
	})
	rr := httptest.NewRecorder()
	h.HandleAnalyzeProject(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if vision.frames != 1 {
		t.Errorf("image upload should be summarized as one frame, got %d", vision.frames)
	}
	if !corrector.called {
		t.Error("regression correction should run on the success path")
	}

	var resp core.AnalyzeResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if resp.WorkType != "Excavation" {
		t.Errorf("work type = %q", resp.WorkType)
	}
	if resp.EstimatedCostMin != 45000 || resp.EstimatedCostMax != 55000 {
		t.Errorf("corrected band = (%f, %f)", resp.EstimatedCostMin, resp.EstimatedCostMax)
	}
	if len(resp.VisualEmbedding) != core.VisualEmbeddingDim {
		t.Errorf("visual embedding length = %d", len(resp.VisualEmbedding))
	}
	if len(resp.TextEmbedding) != core.TextEmbeddingDim {
		t.Errorf("text embedding length = %d", len(resp.TextEmbedding))
	}
}

func TestAnalyzeProjectVideoUpload(t *testing.T) {
	h, vision, _ := newTestHandler()
	h.Sampler = &stubSampler{frames: []core.Frame{
		{Index: 0, Data: []byte("f0")},
		{Index: 1, Data: []byte("f1")},
		{Index: 2, Data: []byte("f2")},
	}}

	req := multipartUpload(t, "site.mp4", []byte("video-bytes"), nil)
	rr := httptest.NewRecorder()
	h.HandleAnalyzeProject(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if vision.frames != 3 {
		t.Errorf("all sampled frames should reach the summarizer, got %d", vision.frames)
	}
}

func TestAnalyzeProjectNoFramesExtracted(t *testing.T) {
	h, _, _ := newTestHandler()
	h.Sampler = &stubSampler{frames: nil}

	req := multipartUpload(t, "broken.mp4", []byte("not a video"), nil)
	rr := httptest.NewRecorder()
	h.HandleAnalyzeProject(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "could not extract frames") {
		t.Errorf("unexpected error body: %s", rr.Body.String())
	}
}

func TestAnalyzeProjectUnsupportedExtension(t *testing.T) {
	h, _, _ := newTestHandler()
	req := multipartUpload(t, "notes.txt", []byte("hello"), nil)
	rr := httptest.NewRecorder()
	h.HandleAnalyzeProject(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "unsupported file format") {
		t.Errorf("unexpected error body: %s", rr.Body.String())
	}
}

func TestAnalyzeProjectMissingFile(t *testing.T) {
	h, _, _ := newTestHandler()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	writer.WriteField("description", "no file attached")
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/analyze-project", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rr := httptest.NewRecorder()
	h.HandleAnalyzeProject(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestAnalyzeImageEndpoint(t *testing.T) {
	h, _, _ := newTestHandler()
	req := multipartUpload(t, "machine.png", []byte("png-bytes"), nil)
	rr := httptest.NewRecorder()
	h.HandleAnalyzeImage(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var analysis core.EquipmentAnalysis
	if err := json.Unmarshal(rr.Body.Bytes(), &analysis); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if analysis.EquipmentType != "excavator" || analysis.ConditionScore != 78.5 {
		t.Errorf("unexpected analysis: %+v", analysis)
	}

	req = multipartUpload(t, "clip.mp4", []byte("video"), nil)
	rr = httptest.NewRecorder()
	h.HandleAnalyzeImage(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("video upload on the image endpoint should 400, got %d", rr.Code)
	}
}

func feedbackBody(t *testing.T, req core.FeedbackRequest) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(data)
}

func TestFeedbackEndpoint(t *testing.T) {
	h, _, _ := newTestHandler()

	body := feedbackBody(t, core.FeedbackRequest{
		ProjectID:       "p-1",
		ActualCost:      72000,
		ActualDuration:  11,
		VisualEmbedding: make([]float32, core.VisualEmbeddingDim),
		TextEmbedding:   make([]float32, core.TextEmbeddingDim),
	})
	req := httptest.NewRequest(http.MethodPost, "/feedback", body)
	rr := httptest.NewRecorder()
	h.HandleFeedback(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "success" {
		t.Errorf("status field = %q", resp["status"])
	}

	count, err := h.Store.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("store count = %d, want 1", count)
	}
}

func TestFeedbackValidationErrors(t *testing.T) {
	h, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/feedback", strings.NewReader("{broken"))
	rr := httptest.NewRecorder()
	h.HandleFeedback(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON status = %d, want 400", rr.Code)
	}

	body := feedbackBody(t, core.FeedbackRequest{ProjectID: "p-1"})
	req = httptest.NewRequest(http.MethodPost, "/feedback", body)
	rr = httptest.NewRecorder()
	h.HandleFeedback(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing embeddings status = %d, want 400", rr.Code)
	}
}

func TestFeedbackStoreFailure(t *testing.T) {
	h, _, _ := newTestHandler()
	h.Store = failingStore{}

	body := feedbackBody(t, core.FeedbackRequest{
		ProjectID:       "p-1",
		VisualEmbedding: make([]float32, core.VisualEmbeddingDim),
		TextEmbedding:   make([]float32, core.TextEmbeddingDim),
	})
	req := httptest.NewRequest(http.MethodPost, "/feedback", body)
	rr := httptest.NewRecorder()
	h.HandleFeedback(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}

func TestRouterRoutes(t *testing.T) {
	h, _, _ := newTestHandler()
	srv := httptest.NewServer(NewRouter(h))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	var stats map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got, ok := stats["feedback_records"]; !ok || got != 0 {
		t.Errorf("stats = %v", stats)
	}

	// CORS preflight is terminated by middleware with 200.
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/analyze-project", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("preflight status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
