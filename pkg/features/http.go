package features

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
	"github.com/synaptica-ai/diagnosis/pkg/dlp"
)

// HTTPHandler embeds notes on request. Notes are scrubbed before they reach
// the embedder when a detector is set.
type HTTPHandler struct {
	embedder Embedder
	scrubber *dlp.Detector
	maxBody  int64
}

func NewHTTPHandler(embedder Embedder, scrubber *dlp.Detector, maxBody int64) *HTTPHandler {
	return &HTTPHandler{embedder: embedder, scrubber: scrubber, maxBody: maxBody}
}

type embedRequest struct {
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Dimensions int         `json:"dimensions"`
	Vectors    [][]float32 `json:"vectors"`
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/embeddings", h.handleEmbed).Methods(http.MethodPost)
}

func (h *HTTPHandler) handleEmbed(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Texts) == 0 {
		http.Error(w, "texts required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	vectors, err := h.embedder.Embed(r.Context(), h.scrubber.SanitizeAll(req.Texts))
	if err != nil {
		if errs.Is(err, errs.KindExternalService) {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		logger.Log.WithError(err).Error("embedding failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	logger.Log.WithFields(map[string]interface{}{
		logger.ModelNameKey:  h.embedder.Name(),
		logger.SamplesKey:    len(req.Texts),
		logger.DurationMsKey: time.Since(start).Milliseconds(),
	}).Debug("Embedded texts")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(embedResponse{
		Model:      h.embedder.Name(),
		Dimensions: h.embedder.Dimensions(),
		Vectors:    vectors,
	})
}
