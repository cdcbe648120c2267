package dlp

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
)

type HTTPHandler struct {
	detector *Detector
	maxBody  int64
}

func NewHTTPHandler(detector *Detector, maxBody int64) *HTTPHandler {
	return &HTTPHandler{detector: detector, maxBody: maxBody}
}

type notesRequest struct {
	Notes []string `json:"notes"`
}

type detectResponse struct {
	Results []Result `json:"results"`
}

type sanitizeResponse struct {
	Notes    []string `json:"notes"`
	Detected int      `json:"detected"`
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/phi/detect", h.handleDetect).Methods(http.MethodPost)
	router.HandleFunc("/phi/sanitize", h.handleSanitize).Methods(http.MethodPost)
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	var req notesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Notes) == 0 {
		http.Error(w, "notes required", http.StatusBadRequest)
		return nil, false
	}
	return req.Notes, true
}

func (h *HTTPHandler) handleDetect(w http.ResponseWriter, r *http.Request) {
	notes, ok := h.decode(w, r)
	if !ok {
		return
	}
	resp := detectResponse{Results: make([]Result, len(notes))}
	for i, note := range notes {
		resp.Results[i] = h.detector.Detect(note)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleSanitize(w http.ResponseWriter, r *http.Request) {
	notes, ok := h.decode(w, r)
	if !ok {
		return
	}
	detected := 0
	for _, note := range notes {
		if h.detector.Detect(note).Detected {
			detected++
		}
	}
	logger.Log.WithFields(map[string]interface{}{
		logger.ComponentKey: "dlp",
		logger.SamplesKey:   len(notes),
		"detected":          detected,
	}).Info("Notes sanitized")
	writeJSON(w, http.StatusOK, sanitizeResponse{Notes: h.detector.SanitizeAll(notes), Detected: detected})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
