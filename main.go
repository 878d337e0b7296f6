package main

import (
	"context"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"

	"projectEstimate/config"
	"projectEstimate/processors"
	"projectEstimate/server"
	"projectEstimate/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		config.PrintConfigInstructions()
		log.Fatalf("invalid config: %v", err)
	}
	if err := os.MkdirAll(cfg.ModelDir, 0755); err != nil {
		log.Fatalf("failed to create model dir: %v", err)
	}

	ctx := context.Background()
	store := storage.NewFeedbackStore(ctx)
	model := processors.NewRegressionModel(cfg.ModelDir, rand.New(rand.NewSource(time.Now().UnixNano())))

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "retrain":
			// Offline continual learning loop; scheduled via cron, never
			// triggered per-request.
			if err := processors.RunRetraining(ctx, store, model); err != nil {
				log.Fatalf("retraining failed: %v", err)
			}
			return
		default:
			log.Printf("unknown argument: %s", os.Args[1])
			log.Println("available arguments:")
			log.Println("  retrain - run the offline regression retraining job")
			return
		}
	}

	clip := processors.NewClipClient(cfg.ClipBaseURL)
	vision := processors.NewVisualSummarizer(clip, rand.New(rand.NewSource(time.Now().UnixNano())))

	handler := &server.Handler{
		Sampler:   processors.NewFrameSampler(),
		Vision:    vision,
		Encoder:   processors.NewTextEncoder(),
		Estimator: processors.NewGenerativeEstimator(processors.PickProviders()),
		Corrector: model,
		Store:     store,
	}

	addr := ":8080"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}
	log.Printf("Server listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, server.NewRouter(handler)))
}
