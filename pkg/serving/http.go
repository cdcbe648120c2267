// Package serving exposes saved diagnosis models over HTTP and keeps a log
// of what was served.
package serving

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
	"github.com/synaptica-ai/diagnosis/pkg/dataset"
	"github.com/synaptica-ai/diagnosis/pkg/features"
	"github.com/synaptica-ai/diagnosis/pkg/serving/predictor"
)

type HTTPHandler struct {
	predictor *predictor.Predictor
	embedder  features.Embedder
	repo      *Repository
	maxBody   int64
}

// NewHTTPHandler serves predictions from p. repo may be nil, in which case
// nothing is logged.
func NewHTTPHandler(p *predictor.Predictor, embedder features.Embedder, repo *Repository, maxBody int64) *HTTPHandler {
	return &HTTPHandler{predictor: p, embedder: embedder, repo: repo, maxBody: maxBody}
}

type predictRequest struct {
	Cases []dataset.Case `json:"cases"`
}

type casePrediction struct {
	ID string `json:"id"`
	predictor.Prediction
}

type predictResponse struct {
	Model       string           `json:"model"`
	RunID       string           `json:"run_id,omitempty"`
	Predictions []casePrediction `json:"predictions"`
	LatencyMs   float64          `json:"latency_ms"`
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/models/{model}/predict", h.handlePredict).Methods(http.MethodPost)
	router.HandleFunc("/models/{model}", h.handleModel).Methods(http.MethodGet)
	router.HandleFunc("/predictions", h.handleRecent).Methods(http.MethodGet)
}

func (h *HTTPHandler) handlePredict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	name := mux.Vars(r)["model"]
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Cases) == 0 {
		http.Error(w, "cases are required", http.StatusBadRequest)
		return
	}

	loaded, err := h.predictor.Load(name)
	if err != nil {
		writeError(w, err)
		return
	}
	preds, err := loaded.Diagnose(r.Context(), h.embedder, req.Cases)
	if err != nil {
		writeError(w, err)
		return
	}

	latency := time.Since(start)
	resp := predictResponse{
		Model:       name,
		RunID:       loaded.Artifact.RunID,
		Predictions: make([]casePrediction, len(preds)),
		LatencyMs:   float64(latency.Microseconds()) / 1000.0,
	}
	for i, p := range preds {
		resp.Predictions[i] = casePrediction{ID: req.Cases[i].ID, Prediction: p}
		if h.repo != nil {
			if err := h.repo.RecordPrediction(r.Context(), name, req.Cases[i].ID, p, latency/time.Duration(len(preds))); err != nil {
				logger.Log.WithError(err).Warn("failed to record prediction log")
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleModel(w http.ResponseWriter, r *http.Request) {
	loaded, err := h.predictor.Load(mux.Vars(r)["model"])
	if err != nil {
		writeError(w, err)
		return
	}
	a := loaded.Artifact
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":       a.Name,
		"run_id":     a.RunID,
		"created_at": a.CreatedAt,
		"classes":    a.Classes,
		"layout":     a.Features.Layout,
		"metrics":    a.Metrics,
	})
}

func (h *HTTPHandler) handleRecent(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusOK, []PredictionLog{})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	logs, err := h.repo.Recent(r.Context(), limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list prediction logs")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func writeError(w http.ResponseWriter, err error) {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case errs.KindShapeMismatch, errs.KindSchemaMismatch, errs.KindMissingValue:
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errs.KindExternalService:
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		logger.Log.WithError(err).Error("prediction failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
