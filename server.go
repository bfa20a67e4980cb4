package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ziug/video-stats-bot/internal/metrics"
	"github.com/Ziug/video-stats-bot/internal/schema"
)

const schemaTimeout = 30 * time.Second

type answerer interface {
	Answer(ctx context.Context, text string) string
}

type app struct {
	answerer answerer
	schema   *schema.Cache
	// refreshSchema reloads schema from the database.
	refreshSchema func(ctx context.Context) error
}

type askRequest struct {
	Text string `json:"text"`
}

type askResponse struct {
	Answer string `json:"answer,omitempty"`
	Error  string `json:"error,omitempty"`
}

type schemaResponse struct {
	Tables      []schema.Table `json:"tables"`
	TableCount  int            `json:"tableCount"`
	Missing     []string       `json:"missing,omitempty"`
	LastRefresh string         `json:"lastRefresh"`
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Post("/ask", a.handleAsk)
	r.Get("/schema", a.handleSchema)
	r.Get("/schema/{table}", a.handleSchemaTable)
	r.Post("/schema/refresh", a.handleSchemaRefresh)
	r.Get("/healthz", handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// opsRouter serves only health and metrics, for the bot process.
func opsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/healthz", handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (a *app) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, askResponse{Error: "invalid JSON body"})
		return
	}
	respondJSON(w, http.StatusOK, askResponse{Answer: a.answerer.Answer(r.Context(), req.Text)})
}

func (a *app) handleSchema(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.schemaSnapshot())
}

func (a *app) handleSchemaTable(w http.ResponseWriter, r *http.Request) {
	table, ok := a.schema.Table(chi.URLParam(r, "table"))
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "table not found"})
		return
	}
	respondJSON(w, http.StatusOK, table)
}

func (a *app) handleSchemaRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), schemaTimeout)
	defer cancel()

	if err := a.refreshSchema(ctx); err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, a.schemaSnapshot())
}

func (a *app) schemaSnapshot() schemaResponse {
	resp := schemaResponse{
		Tables:     a.schema.Tables(),
		TableCount: a.schema.TableCount(),
		Missing:    a.schema.Missing(),
	}
	if t := a.schema.LastRefresh(); !t.IsZero() {
		resp.LastRefresh = t.Format(time.RFC3339)
	}
	return resp
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
