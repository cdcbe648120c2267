package ingestion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRefreshAndCatalog(t *testing.T) {
	_, srv := newFakeArchive(monitorFiles())
	defer srv.Close()

	catalog := NewCatalog(newTestDB(t))
	require.NoError(t, catalog.AutoMigrate())
	svc := NewService(NewArchive(srv.URL, "1.0", t.TempDir(), srv.Client(), 1), WithCatalog(catalog))
	handler := NewHTTPHandler(context.Background(), svc, catalog)
	router := mux.NewRouter()
	handler.Register(router.PathPrefix("/api/v1").Subrouter())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/ingestion/testdb/fetch", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	handler.Wait()

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ingestion/testdb/records", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []IngestedRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	assert.Len(t, rows, 2)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ingestion/testdb/records/p1/vitals", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var row IngestedRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	assert.Equal(t, StatusParsed, row.Status)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ingestion/testdb/records/absent", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshRunsOncePerDatabase(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		http.NotFound(w, r)
	}))
	defer srv.Close()

	handler := NewHTTPHandler(context.Background(), NewService(NewArchive(srv.URL, "1.0", t.TempDir(), srv.Client(), 1)), nil)
	assert.True(t, handler.Refresh("testdb"))
	assert.False(t, handler.Refresh("testdb"))
	close(block)
	handler.Wait()
	assert.True(t, handler.Refresh("testdb"))
	handler.Wait()
}
