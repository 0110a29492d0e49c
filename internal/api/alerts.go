package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kestrelhq/sentinel/internal/store"
)

const maxAlertBodyBytes = 4 * 1024

// AlertStore is the slice of the relational store the alerts endpoints use.
type AlertStore interface {
	ListPendingAlerts(ctx context.Context, limit int) ([]store.Alert, error)
	ListAlertsByStatus(ctx context.Context, status string, limit int) ([]store.Alert, error)
	UpdateAlertStatus(ctx context.Context, id uuid.UUID, next string) error
}

// alertsHandler is the operational surface over the alert model.
type alertsHandler struct {
	store  AlertStore
	logger *slog.Logger
}

// alertView is the JSON shape of one alert.
type alertView struct {
	ID             string  `json:"id"`
	Tier           int     `json:"tier"`
	Title          string  `json:"title"`
	Body           *string `json:"body,omitempty"`
	ActionRequired *string `json:"action_required,omitempty"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at"`
}

// list serves GET /api/v1/alerts?status=; default is pending.
func (h *alertsHandler) list(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	var (
		alerts []store.Alert
		err    error
	)
	switch status {
	case "", store.AlertPending:
		alerts, err = h.store.ListPendingAlerts(r.Context(), 0)
	case store.AlertAcknowledged, store.AlertResolved, store.AlertDismissed:
		alerts, err = h.store.ListAlertsByStatus(r.Context(), status, 0)
	default:
		WriteError(w, http.StatusBadRequest, "invalid_status", "unknown alert status: "+status, h.logger)
		return
	}
	if err != nil {
		h.logger.Error("alert list failed", "status", status, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "listing alerts failed", h.logger)
		return
	}

	views := make([]alertView, 0, len(alerts))
	for _, a := range alerts {
		views = append(views, alertView{
			ID:             a.ID.String(),
			Tier:           a.Tier,
			Title:          a.Title,
			Body:           a.Body,
			ActionRequired: a.ActionRequired,
			Status:         a.Status,
			CreatedAt:      a.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"alerts": views}, h.logger)
}

// update serves PATCH /api/v1/alerts/{id} with body {"status": "..."}.
// Transitions only move forward; anything else is a 409.
func (h *alertsHandler) update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_id", "alert id must be a uuid", h.logger)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAlertBodyBytes)
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "body must be JSON with a status field", h.logger)
		return
	}

	err = h.store.UpdateAlertStatus(r.Context(), id, body.Status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		WriteError(w, http.StatusNotFound, "not_found", "no such alert", h.logger)
	case errors.Is(err, store.ErrInvalidTransition):
		WriteError(w, http.StatusConflict, "invalid_transition", err.Error(), h.logger)
	case err != nil:
		h.logger.Error("alert update failed", "id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "updating alert failed", h.logger)
	default:
		WriteJSON(w, http.StatusOK, map[string]string{
			"id":     id.String(),
			"status": body.Status,
		}, h.logger)
	}
}
