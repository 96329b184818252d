// Package review serves the human decision workflow for unconfirmed cells.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/confirmation"
)

// Handler handles the review API endpoints of one period.
type Handler struct {
	store  *confirmation.Store
	policy confirmation.Policy
	period string
	logger *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(store *confirmation.Store, policy confirmation.Policy, period string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, policy: policy, period: period, logger: logger}
}

// Router builds the chi router. An empty token disables authentication.
func (h *Handler) Router(token string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		if token != "" {
			r.Use(AuthMiddleware(token))
		}

		r.Get("/sheets", h.ListSheets)
		r.Get("/sheets/{id}", h.GetSheet)
		r.Post("/sheets/{id}/exclude", h.ExcludeSheet)
		r.Put("/sheets/{id}/owner", h.SetOwner)
		r.Get("/cells/pending", h.PendingCells)
		r.Post("/cells/{cellId}/reject", h.RejectCell)
		r.Post("/decisions", h.Decide)
		r.Get("/rephoto", h.ListRephoto)
		r.Post("/rephoto/dismiss", h.DismissRephoto)
	})

	return r
}

// SheetSummary is a sheet without its cells.
type SheetSummary struct {
	ID         string                   `json:"id"`
	ProductID  string                   `json:"productId"`
	Owner      string                   `json:"owner,omitempty"`
	Status     confirmation.SheetStatus `json:"status"`
	Generation int                      `json:"generation"`
	Pending    int                      `json:"pending"`
	Reason     string                   `json:"reason,omitempty"`
}

// ListSheets handles GET /api/sheets.
func (h *Handler) ListSheets(w http.ResponseWriter, r *http.Request) {
	sheets, err := h.store.ListSheets(h.period)
	if err != nil {
		h.serverError(w, "Failed to list sheets", err)
		return
	}

	summaries := make([]SheetSummary, 0, len(sheets))
	for _, s := range sheets {
		summaries = append(summaries, SheetSummary{
			ID:         s.ID,
			ProductID:  s.ProductID,
			Owner:      s.Owner,
			Status:     s.Status,
			Generation: s.Generation,
			Pending:    len(s.Pending()),
			Reason:     s.Reason,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"period": h.period,
		"sheets": summaries,
	})
}

// GetSheet handles GET /api/sheets/{id}.
func (h *Handler) GetSheet(w http.ResponseWriter, r *http.Request) {
	sheet, err := h.store.GetSheet(h.period, chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sheet": sheet})
}

// PendingCells handles GET /api/cells/pending.
func (h *Handler) PendingCells(w http.ResponseWriter, r *http.Request) {
	cells, err := h.store.PendingCells(h.period)
	if err != nil {
		h.serverError(w, "Failed to list pending cells", err)
		return
	}
	if cells == nil {
		cells = []confirmation.PendingCell{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cells": cells})
}

// DecisionsRequest is the body of POST /api/decisions.
type DecisionsRequest struct {
	Decisions []Decision `json:"decisions"`
}

// DecisionsResponse reports how many decisions were recorded.
type DecisionsResponse struct {
	Applied int      `json:"applied"`
	Errors  []string `json:"errors,omitempty"`
}

// Decide handles POST /api/decisions.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var req DecisionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request body")
		return
	}
	if len(req.Decisions) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_parameter", "Missing decisions")
		return
	}

	applied, err := Apply(h.store, h.period, h.policy, req.Decisions)
	resp := DecisionsResponse{Applied: applied}
	status := http.StatusOK
	if err != nil {
		status = http.StatusUnprocessableEntity
		for _, e := range unwrapJoined(err) {
			resp.Errors = append(resp.Errors, e.Error())
		}
		h.logger.Warn("decisions partially applied", "period", h.period, "applied", applied, "failed", len(resp.Errors))
	}
	writeJSON(w, status, resp)
}

// RejectRequest is the body of POST /api/cells/{cellId}/reject.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// RejectCell handles POST /api/cells/{cellId}/reject.
func (h *Handler) RejectCell(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request body")
			return
		}
	}

	sheet, err := h.store.Reject(h.period, chi.URLParam(r, "cellId"), req.Reason)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sheet": sheet})
}

// ExcludeRequest is the body of POST /api/sheets/{id}/exclude.
type ExcludeRequest struct {
	Reason string `json:"reason"`
}

// ExcludeSheet handles POST /api/sheets/{id}/exclude.
func (h *Handler) ExcludeSheet(w http.ResponseWriter, r *http.Request) {
	var req ExcludeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request body")
		return
	}
	if req.Reason == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_parameter", "Missing reason")
		return
	}

	sheet, err := h.store.Exclude(h.period, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sheet": sheet})
}

// OwnerRequest is the body of PUT /api/sheets/{id}/owner.
type OwnerRequest struct {
	Owner string `json:"owner"`
}

// SetOwner handles PUT /api/sheets/{id}/owner.
func (h *Handler) SetOwner(w http.ResponseWriter, r *http.Request) {
	var req OwnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request body")
		return
	}

	sheet, err := h.store.SetOwner(h.period, h.policy, chi.URLParam(r, "id"), req.Owner)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sheet": sheet})
}

// ListRephoto handles GET /api/rephoto.
func (h *Handler) ListRephoto(w http.ResponseWriter, r *http.Request) {
	requests, err := h.store.ListRephoto(h.period)
	if err != nil {
		h.serverError(w, "Failed to list rephoto requests", err)
		return
	}
	if requests == nil {
		requests = []confirmation.RephotoRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rephoto": requests})
}

// DismissRequest is the body of POST /api/rephoto/dismiss.
type DismissRequest struct {
	Source   string `json:"source"`
	Position int    `json:"position"`
	Reason   string `json:"reason"`
}

// DismissRephoto handles POST /api/rephoto/dismiss.
func (h *Handler) DismissRephoto(w http.ResponseWriter, r *http.Request) {
	var req DismissRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request body")
		return
	}
	if req.Source == "" || req.Reason == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_parameter", "Missing source or reason")
		return
	}

	if err := h.store.DismissRephoto(h.period, req.Source, req.Position); err != nil {
		h.storeError(w, err)
		return
	}
	h.logger.Info("Dismissed rephoto request", "source", req.Source, "position", req.Position, "reason", req.Reason)
	w.WriteHeader(http.StatusNoContent)
}

// storeError maps confirmation errors to HTTP statuses.
func (h *Handler) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, confirmation.ErrInvalidID):
		writeJSONError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
	case errors.Is(err, confirmation.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, confirmation.ErrInvalidTransition), errors.Is(err, confirmation.ErrSheetConfirmed):
		writeJSONError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, confirmation.ErrUnknownValue):
		writeJSONError(w, http.StatusUnprocessableEntity, "unknown_value", err.Error())
	default:
		h.serverError(w, "Failed to update cell state", err)
	}
}

func (h *Handler) serverError(w http.ResponseWriter, description string, err error) {
	h.logger.Error(description, "period", h.period, "error", err)
	writeJSONError(w, http.StatusInternalServerError, "server_error", description)
}

func unwrapJoined(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

// Serve runs the review API until ctx is canceled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting review server", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutting down review server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logger.Info("review server stopped")
		return nil
	}
}
