package training

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
)

type HTTPHandler struct {
	service *Service
	maxBody int64
}

func NewHTTPHandler(service *Service, maxBody int64) *HTTPHandler {
	return &HTTPHandler{service: service, maxBody: maxBody}
}

type createRunRequest struct {
	Name   string                 `json:"name"`
	Config map[string]interface{} `json:"config"`
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/training/runs", h.handleCreate).Methods(http.MethodPost)
	router.HandleFunc("/training/runs", h.handleList).Methods(http.MethodGet)
	router.HandleFunc("/training/runs/{id}", h.handleGet).Methods(http.MethodGet)
	router.HandleFunc("/training/runs/{id}/metrics", h.handleMetrics).Methods(http.MethodGet)
}

func (h *HTTPHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.WithError(err).Warn("invalid training run payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	run, err := h.service.Create(r.Context(), CreateRunInput{Name: req.Name, Config: req.Config})
	if err != nil {
		if IsValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Log.WithError(err).Error("failed to create training run")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.service.List(r.Context(), limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list training runs")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	run, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *HTTPHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	points, err := h.service.Metrics(r.Context(), id, r.URL.Query().Get("name"))
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (h *HTTPHandler) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrRunNotFound) {
		http.Error(w, "training run not found", http.StatusNotFound)
		return
	}
	logger.Log.WithError(err).Error("failed to fetch training run")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
