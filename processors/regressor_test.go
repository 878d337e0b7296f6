package processors

import (
	"math/rand"
	"os"
	"testing"

	"projectEstimate/core"
)

func TestPredictUntrainedCorrections(t *testing.T) {
	m := NewRegressionModel(t.TempDir(), rand.New(rand.NewSource(1)))

	cost, duration := m.Predict(nil, nil)
	if cost < untrainedCostLimit {
		t.Errorf("untrained cost %f should be lifted above %f", cost, untrainedCostLimit)
	}
	if duration < 1 {
		t.Errorf("duration %d should never drop below one day", duration)
	}
	// Zero input drives the raw duration to zero, so the cold-start offset
	// of at least 3 days always applies.
	if duration < 4 {
		t.Errorf("zero-input duration %d should carry the cold-start offset", duration)
	}
}

func TestPredictDeterministicWithSeed(t *testing.T) {
	a := NewRegressionModel(t.TempDir(), rand.New(rand.NewSource(9)))
	b := NewRegressionModel(t.TempDir(), rand.New(rand.NewSource(9)))

	visual := make([]float32, core.VisualEmbeddingDim)
	for i := range visual {
		visual[i] = float32(i%7) * 0.01
	}
	costA, durA := a.Predict(visual, nil)
	costB, durB := b.Predict(visual, nil)
	if costA != costB || durA != durB {
		t.Errorf("same seed should reproduce predictions: (%f, %d) vs (%f, %d)", costA, durA, costB, durB)
	}
}

func TestCorrectEstimateBand(t *testing.T) {
	m := NewRegressionModel(t.TempDir(), rand.New(rand.NewSource(3)))

	est := core.StructuredEstimate{EstimatedCostMin: 1, EstimatedCostMax: 2, EstimatedDurationDays: 99}
	m.CorrectEstimate(&est, nil, nil)

	if est.EstimatedCostMin >= est.EstimatedCostMax {
		t.Errorf("band (%f, %f) should be ordered", est.EstimatedCostMin, est.EstimatedCostMax)
	}
	ratio := est.EstimatedCostMax / est.EstimatedCostMin
	if ratio < 1.22 || ratio > 1.23 {
		t.Errorf("band (%f, %f) should be a symmetric 10%% spread, ratio %f", est.EstimatedCostMin, est.EstimatedCostMax, ratio)
	}
	if est.EstimatedDurationDays < 1 {
		t.Errorf("corrected duration = %d", est.EstimatedDurationDays)
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	m := NewRegressionModel(dir, rand.New(rand.NewSource(5)))
	if err := m.Save(); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := os.Stat(m.WeightsPath()); err != nil {
		t.Fatalf("weights file missing after save: %v", err)
	}

	reloaded := NewRegressionModel(dir, rand.New(rand.NewSource(999)))

	visual := make([]float32, core.VisualEmbeddingDim)
	for i := range visual {
		visual[i] = 0.5
	}
	text := make([]float32, core.TextEmbeddingDim)
	for i := range text {
		text[i] = -0.25
	}

	// Compare the raw network outputs; the cold-start offsets are random so
	// predictions only match when the loaded weights match.
	x := make([]float64, core.FeatureVectorDim)
	fillFeatures(x, visual, text)
	c1, d1, _ := m.net.forward(x)
	c2, d2, _ := reloaded.net.forward(x)
	if c1 != c2 || d1 != d2 {
		t.Errorf("reloaded network diverges: (%f, %f) vs (%f, %f)", c1, d1, c2, d2)
	}
}

func TestLoadRejectsCorruptWeights(t *testing.T) {
	dir := t.TempDir()
	m := NewRegressionModel(dir, rand.New(rand.NewSource(1)))
	if err := os.WriteFile(m.WeightsPath(), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	// A corrupt file must not crash startup; the model falls back to a
	// fresh untrained network.
	fresh := NewRegressionModel(dir, rand.New(rand.NewSource(2)))
	if fresh.net == nil || !fresh.net.valid() {
		t.Error("model should recover with a valid untrained network")
	}
	if cost, _ := fresh.Predict(nil, nil); cost < minCostFloor {
		t.Errorf("prediction %f below the cost floor", cost)
	}
}

func TestFitKeepsNetworkValid(t *testing.T) {
	m := NewRegressionModel(t.TempDir(), rand.New(rand.NewSource(11)))

	batch := core.TrainingBatch{}
	for i := 0; i < 6; i++ {
		visual := make([]float32, core.VisualEmbeddingDim)
		visual[i] = 1
		text := make([]float32, core.TextEmbeddingDim)
		text[i] = 1
		batch.Visual = append(batch.Visual, visual)
		batch.Text = append(batch.Text, text)
		batch.Costs = append(batch.Costs, 50000+float64(i)*1000)
		batch.Durations = append(batch.Durations, 10)
	}

	m.Fit(batch, 10)
	if !m.net.valid() {
		t.Fatal("network shape corrupted by training")
	}
	if err := m.Save(); err != nil {
		t.Fatalf("save after fit failed: %v", err)
	}

	cost, duration := m.Predict(batch.Visual[0], batch.Text[0])
	if cost < minCostFloor || duration < 1 {
		t.Errorf("post-training prediction out of bounds: (%f, %d)", cost, duration)
	}
}

func TestClampGradient(t *testing.T) {
	if got := clampGradient(12000, 5000); got != 5000 {
		t.Errorf("clampGradient(12000, 5000) = %f", got)
	}
	if got := clampGradient(-12000, 5000); got != -5000 {
		t.Errorf("clampGradient(-12000, 5000) = %f", got)
	}
	if got := clampGradient(300, 5000); got != 300 {
		t.Errorf("clampGradient(300, 5000) = %f", got)
	}
}
