package processors

import (
	"context"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"projectEstimate/config"
	"projectEstimate/core"
)

// TextEncoder turns a free-text project description into a fixed-length
// embedding via an OpenAI-compatible endpoint. A nil result means "no text
// embedding available" and is never an error: the regression corrector
// zero-fills it.
type TextEncoder struct {
	cli   *openai.Client
	model string
}

// NewTextEncoder builds an encoder from the process config. When no API is
// configured the encoder is still usable and simply returns nil embeddings.
func NewTextEncoder() *TextEncoder {
	cfg, err := config.LoadConfig()
	if err != nil || !cfg.HasValidAPI() {
		log.Printf("Warning: text embedding API not configured, descriptions will not be embedded")
		return &TextEncoder{}
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.BaseURL
	return &TextEncoder{
		cli:   openai.NewClientWithConfig(clientConfig),
		model: cfg.EmbeddingModel,
	}
}

// Encode embeds the description with an e5-style "passage: " prefix. Empty
// input, a missing client, or an upstream failure all yield nil.
func (e *TextEncoder) Encode(ctx context.Context, text string) []float32 {
	if e.cli == nil || strings.TrimSpace(text) == "" {
		return nil
	}

	req := openai.EmbeddingRequest{
		Model:      openai.EmbeddingModel(e.model),
		Input:      []string{"passage: " + text},
		Dimensions: core.TextEmbeddingDim,
	}
	resp, err := e.cli.CreateEmbeddings(ctx, req)
	if err != nil {
		log.Printf("Warning: text embedding failed: %v", err)
		return nil
	}
	if len(resp.Data) == 0 {
		log.Printf("Warning: text embedding API returned no data")
		return nil
	}
	return core.FitDim(resp.Data[0].Embedding, core.TextEmbeddingDim)
}
