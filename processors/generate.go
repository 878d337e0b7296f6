package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"projectEstimate/config"
	"projectEstimate/core"
)

const generateTimeout = 20 * time.Second

// Provider is one text-generation backend in the fallback chain. A provider
// either returns generated text or an error; the estimator moves on to the
// next provider without retrying.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// HuggingFaceProvider calls the hosted Inference API with bearer-token auth.
type HuggingFaceProvider struct {
	Token      string
	Model      string
	Endpoint   string
	httpClient *http.Client
}

func NewHuggingFaceProvider(token, model string) *HuggingFaceProvider {
	return &HuggingFaceProvider{
		Token:      token,
		Model:      model,
		Endpoint:   "https://api-inference.huggingface.co/models/",
		httpClient: &http.Client{},
	}
}

func (p *HuggingFaceProvider) Name() string { return "huggingface" }

func (p *HuggingFaceProvider) Generate(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"inputs": prompt,
		"parameters": map[string]any{
			"max_new_tokens":   300,
			"temperature":      0.2,
			"return_full_text": false,
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint+p.Model, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("huggingface request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("huggingface returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out []struct {
		GeneratedText string `json:"generated_text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("parse huggingface response: %w", err)
	}
	if len(out) == 0 {
		return "", fmt.Errorf("huggingface returned empty result array")
	}
	return strings.TrimSpace(out[0].GeneratedText), nil
}

// OllamaProvider calls a locally reachable generation endpoint.
type OllamaProvider struct {
	BaseURL    string
	Model      string
	httpClient *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	return &OllamaProvider{BaseURL: baseURL, Model: model, httpClient: &http.Client{}}
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Generate(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"model":   p.Model,
		"prompt":  prompt,
		"stream":  false,
		"options": map[string]any{"temperature": 0.2},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("parse ollama response: %w", err)
	}
	return strings.TrimSpace(out.Response), nil
}

// PickProviders assembles the fallback chain from the process config: the
// hosted inference API first when a token is present, then the local
// generation service.
func PickProviders() []Provider {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Printf("Warning: failed to load config (%v), using Ollama provider only", err)
		return []Provider{NewOllamaProvider("http://localhost:11434", "llama3")}
	}

	var providers []Provider
	if cfg.HasHuggingFace() {
		providers = append(providers, NewHuggingFaceProvider(cfg.HuggingFaceToken, cfg.HFModel))
	}
	providers = append(providers, NewOllamaProvider(cfg.OllamaBaseURL, cfg.OllamaModel))
	return providers
}

// GenerativeEstimator builds a structured-estimate prompt from the request
// text and visual summary, walks the provider chain, and parses the reply.
// It never fails: any provider or parse failure collapses to a deterministic
// fallback estimate.
type GenerativeEstimator struct {
	providers []Provider
}

func NewGenerativeEstimator(providers []Provider) *GenerativeEstimator {
	return &GenerativeEstimator{providers: providers}
}

const estimatePromptSchema = `You are an expert construction and agriculture project estimator. ` +
	`Analyze the provided text description along with the visual data extracted from uploaded images/videos. ` +
	`Output ONLY a valid JSON object with the following schema:
{
  "work_type": "string (e.g. Demolition, Excavation)",
  "required_machinery": ["string"],
  "estimated_cost_min": float,
  "estimated_cost_max": float,
  "estimated_duration_days": int,
  "difficulty_score": float (1.0 to 10.0)
}
Do not include any explanation, only JSON.`

// Estimate produces a StructuredEstimate for the request. The final
// work_type_confidence always comes from the visual summary (0.85 when the
// summary carries none), and suggested_providers starts empty for a
// downstream recommender to fill.
func (g *GenerativeEstimator) Estimate(ctx context.Context, description, location string, visual *core.VisualSummary) core.StructuredEstimate {
	workType, equipment, confidence := "unknown", []string{}, 0.85
	if visual != nil {
		workType = visual.WorkType
		equipment = visual.DetectedEquipment
		if visual.WorkTypeConfidence > 0 {
			confidence = visual.WorkTypeConfidence
		}
	}

	prompt := g.buildPrompt(description, location, workType, equipment)

	estimate, ok := g.generateEstimate(ctx, prompt)
	if !ok {
		estimate = fallbackEstimate(workType, equipment)
		confidence = 0.5
	}

	estimate.WorkTypeConfidence = confidence
	estimate.SuggestedProviders = []string{}
	return estimate
}

func (g *GenerativeEstimator) buildPrompt(description, location, workType string, equipment []string) string {
	if description == "" {
		description = "None provided."
	}
	if location == "" {
		location = "Unknown"
	}
	equipmentList := "None"
	if len(equipment) > 0 {
		equipmentList = strings.Join(equipment, ", ")
	}

	userContext := fmt.Sprintf(
		"Project Description: %s\nLocation: %s\nVision Engine Detected Work Type: %s\nVision Engine Detected Equipment on site: %s\n",
		description, location, workType, equipmentList,
	)
	return fmt.Sprintf("<s>[INST] %s\n\nContext:\n%s\n[/INST]", estimatePromptSchema, userContext)
}

// generateEstimate walks the provider chain and parses the first non-empty
// reply. Each provider gets its own independent timeout.
func (g *GenerativeEstimator) generateEstimate(ctx context.Context, prompt string) (core.StructuredEstimate, bool) {
	var text string
	for _, provider := range g.providers {
		attemptCtx, cancel := context.WithTimeout(ctx, generateTimeout)
		out, err := provider.Generate(attemptCtx, prompt)
		cancel()
		if err != nil {
			log.Printf("Warning: provider %s failed: %v", provider.Name(), err)
			continue
		}
		if out != "" {
			text = out
			break
		}
	}
	if text == "" {
		return core.StructuredEstimate{}, false
	}

	return parseEstimateJSON(stripCodeFence(text))
}

// stripCodeFence removes an optional fenced code-block wrapper around the
// model's JSON reply.
func stripCodeFence(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		text = text[idx+len("```json"):]
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	} else if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+len("```"):]
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	}
	return strings.TrimSpace(text)
}

func parseEstimateJSON(text string) (core.StructuredEstimate, bool) {
	// Models occasionally emit duration as a float; accept both.
	var raw struct {
		WorkType              string   `json:"work_type"`
		RequiredMachinery     []string `json:"required_machinery"`
		EstimatedCostMin      float64  `json:"estimated_cost_min"`
		EstimatedCostMax      float64  `json:"estimated_cost_max"`
		EstimatedDurationDays float64  `json:"estimated_duration_days"`
		DifficultyScore       float64  `json:"difficulty_score"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		log.Printf("Warning: failed to parse estimate JSON: %v (raw: %.200s)", err, text)
		return core.StructuredEstimate{}, false
	}
	if raw.WorkType == "" {
		log.Printf("Warning: estimate JSON missing work_type (raw: %.200s)", text)
		return core.StructuredEstimate{}, false
	}
	return core.StructuredEstimate{
		WorkType:              raw.WorkType,
		RequiredMachinery:     raw.RequiredMachinery,
		EstimatedCostMin:      raw.EstimatedCostMin,
		EstimatedCostMax:      raw.EstimatedCostMax,
		EstimatedDurationDays: int(raw.EstimatedDurationDays),
		DifficultyScore:       raw.DifficultyScore,
	}, true
}

// fallbackEstimate is the deterministic estimate used when every provider
// fails or returns unparseable output.
func fallbackEstimate(visualWorkType string, visualEquipment []string) core.StructuredEstimate {
	workType := "General Construction"
	if visualWorkType != "" && visualWorkType != "unknown" {
		workType = capitalizeFirst(visualWorkType)
	}
	machinery := []string{"Excavator", "Tractor"}
	if len(visualEquipment) > 0 {
		machinery = visualEquipment
	}
	return core.StructuredEstimate{
		WorkType:              workType,
		RequiredMachinery:     machinery,
		EstimatedCostMin:      25000.0,
		EstimatedCostMax:      75000.0,
		EstimatedDurationDays: 7,
		DifficultyScore:       5.0,
	}
}

func capitalizeFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
