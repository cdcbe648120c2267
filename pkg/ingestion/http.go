package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
)

// HTTPHandler exposes archive refreshes and the record catalog. Refreshes run
// in the background on the handler's context, one at a time per database.
type HTTPHandler struct {
	ctx     context.Context
	service *Service
	catalog *Catalog

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

func NewHTTPHandler(ctx context.Context, service *Service, catalog *Catalog) *HTTPHandler {
	return &HTTPHandler{ctx: ctx, service: service, catalog: catalog, running: map[string]bool{}}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/ingestion/{database}/fetch", h.handleFetch).Methods(http.MethodPost)
	router.HandleFunc("/ingestion/{database}/records", h.handleList).Methods(http.MethodGet)
	router.HandleFunc("/ingestion/{database}/records/{name:.+}", h.handleGet).Methods(http.MethodGet)
}

// Refresh starts a background fetch of database. It reports false when one is
// already running.
func (h *HTTPHandler) Refresh(database string) bool {
	h.mu.Lock()
	if h.running[database] {
		h.mu.Unlock()
		return false
	}
	h.running[database] = true
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			h.mu.Lock()
			delete(h.running, database)
			h.mu.Unlock()
		}()
		h.service.Fetch(h.ctx, database)
	}()
	return true
}

// Wait blocks until every started refresh has returned.
func (h *HTTPHandler) Wait() {
	h.wg.Wait()
}

func (h *HTTPHandler) handleFetch(w http.ResponseWriter, r *http.Request) {
	database := mux.Vars(r)["database"]
	if !h.Refresh(database) {
		writeJSON(w, http.StatusConflict, map[string]string{"database": database, "status": "running"})
		return
	}
	logger.Log.WithField(logger.DatabaseKey, database).Info("Archive refresh requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"database": database, "status": StatusAccepted})
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		http.Error(w, "catalog disabled", http.StatusNotFound)
		return
	}
	recs, err := h.catalog.List(r.Context(), mux.Vars(r)["database"])
	if err != nil {
		logger.Log.WithError(err).Error("failed to list catalog")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		http.Error(w, "catalog disabled", http.StatusNotFound)
		return
	}
	vars := mux.Vars(r)
	rec, err := h.catalog.Get(r.Context(), vars["database"], vars["name"])
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Log.WithError(err).Error("failed to read catalog")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
