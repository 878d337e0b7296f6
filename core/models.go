package core

// Embedding dimensions are fixed by the upstream encoders: CLIP ViT-B-32
// image vectors and e5-small text vectors. The feature vector stored for
// retraining is always the concatenation of both, zero-filled when a side
// is missing.
const (
	VisualEmbeddingDim = 512
	TextEmbeddingDim   = 384
	FeatureVectorDim   = VisualEmbeddingDim + TextEmbeddingDim
)

// Frame is a single still image sampled from an uploaded video. Frames are
// consumed once by the visual summarizer and never persisted.
type Frame struct {
	Index        int     `json:"index"`
	TimestampSec float64 `json:"timestamp_sec"`
	Data         []byte  `json:"-"`
}

// VisualSummary aggregates per-frame classification results for one request.
type VisualSummary struct {
	WorkType              string    `json:"work_type"`
	WorkTypeConfidence    float64   `json:"work_type_confidence"`
	DetectedEquipment     []string  `json:"detected_equipment"`
	OverallConditionScore float64   `json:"overall_condition_score"`
	Embedding             []float32 `json:"visual_embedding,omitempty"`
}

// StructuredEstimate is the generative layer's output schema. Cost and
// duration fields are overwritten by the regression corrector when it is
// available.
type StructuredEstimate struct {
	WorkType              string   `json:"work_type"`
	WorkTypeConfidence    float64  `json:"work_type_confidence"`
	RequiredMachinery     []string `json:"required_machinery"`
	EstimatedCostMin      float64  `json:"estimated_cost_min"`
	EstimatedCostMax      float64  `json:"estimated_cost_max"`
	EstimatedDurationDays int      `json:"estimated_duration_days"`
	DifficultyScore       float64  `json:"difficulty_score"`
	SuggestedProviders    []string `json:"suggested_providers"`
}

// AnalyzeResponse is the /analyze-project payload. The embeddings are passed
// through so a client can return them unchanged with a later feedback report.
type AnalyzeResponse struct {
	StructuredEstimate
	VisualEmbedding []float32 `json:"visual_embedding,omitempty"`
	TextEmbedding   []float32 `json:"text_embedding,omitempty"`
}

// FeedbackRequest reports the actual outcome of a completed project.
type FeedbackRequest struct {
	ProjectID       string            `json:"project_id"`
	ActualCost      float64           `json:"actual_cost"`
	ActualDuration  int               `json:"actual_duration"`
	VisualEmbedding []float32         `json:"visual_embedding"`
	TextEmbedding   []float32         `json:"text_embedding"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// FeedbackRecord is the persisted form of a feedback report, keyed by
// project id with upsert semantics (a repeated report replaces the prior
// record).
type FeedbackRecord struct {
	ProjectID      string            `json:"project_id"`
	FeatureVector  []float32         `json:"feature_vector"`
	ActualCost     float64           `json:"actual_cost"`
	ActualDuration int               `json:"actual_duration"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TrainingBatch holds parallel slices cut from stored feature vectors at the
// visual/text boundary, ready for a retraining pass.
type TrainingBatch struct {
	Visual    [][]float32
	Text      [][]float32
	Costs     []float64
	Durations []float64
}

func (b TrainingBatch) Len() int { return len(b.Costs) }

// EquipmentAnalysis is the single-image equipment inspection result.
type EquipmentAnalysis struct {
	EquipmentType           string   `json:"equipment_type"`
	EquipmentTypeConfidence float64  `json:"equipment_type_confidence"`
	ConditionAssessment     string   `json:"condition_assessment"`
	ConditionScore          float64  `json:"condition_score"`
	DetectedFeatures        []string `json:"detected_features"`
	Recommendations         []string `json:"recommendations"`
}
