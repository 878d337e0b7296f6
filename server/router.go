package server

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// loggingMiddleware logs request details and latency.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s - %v", r.Method, r.URL.Path, time.Since(start))
	})
}

// corsMiddleware adds permissive CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter wires the pipeline handler into the HTTP routes.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.Use(loggingMiddleware)
	r.Use(corsMiddleware)

	r.HandleFunc("/analyze-project", h.HandleAnalyzeProject).Methods("POST", "OPTIONS")
	r.HandleFunc("/analyze-image", h.HandleAnalyzeImage).Methods("POST", "OPTIONS")
	r.HandleFunc("/feedback", h.HandleFeedback).Methods("POST", "OPTIONS")
	r.HandleFunc("/health", h.HandleHealth).Methods("GET")
	r.HandleFunc("/stats", h.HandleStats).Methods("GET")

	return r
}
