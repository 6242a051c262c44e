// Package httpapi exposes the command-center REST API: fleet state
// queries, alert lifecycle actions, dead-letter inspection and the
// websocket alert feed.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/posedge/fleet/internal/aggregator"
	"github.com/posedge/fleet/internal/domain/alert"
	"github.com/posedge/fleet/internal/domain/location"
	"github.com/posedge/fleet/internal/metrics"
	"github.com/posedge/fleet/internal/storage"
	"github.com/posedge/fleet/pkg/logger"
)

// Handler bundles the HTTP endpoints over the aggregator.
type Handler struct {
	agg *aggregator.Aggregator
	hub *Hub
	log *logger.Logger
}

// NewHandler builds the API handler. The hub may be nil when the
// websocket feed is disabled.
func NewHandler(agg *aggregator.Aggregator, hub *Hub, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Handler{agg: agg, hub: hub, log: log}
}

// Router assembles the route table. Mutating routes go through the JWT
// middleware; an empty secret disables auth for local development.
func (h *Handler) Router(jwtSecret string) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/fleet", h.listFleet).Methods(http.MethodGet)
	r.HandleFunc("/fleet/{locationId}", h.getLocation).Methods(http.MethodGet)
	r.HandleFunc("/alerts", h.listAlerts).Methods(http.MethodGet)
	r.HandleFunc("/deadletters", h.listDeadLetters).Methods(http.MethodGet)

	auth := newAuthMiddleware(jwtSecret, h.log)
	r.Handle("/alerts/{alertId}/ack", auth.Wrap(http.HandlerFunc(h.acknowledgeAlert))).Methods(http.MethodPost)

	if h.hub != nil {
		r.HandleFunc("/ws/alerts", h.hub.ServeWS).Methods(http.MethodGet)
	}

	return metrics.InstrumentHandler(r)
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listFleet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := location.Filter{
		LocationID: q.Get("location_id"),
		Type:       location.Type(q.Get("type")),
		Status:     location.ParseStatus(q.Get("status")),
	}
	states, err := h.agg.QueryFleetState(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"locations": states,
		"count":     len(states),
	})
}

func (h *Handler) getLocation(w http.ResponseWriter, r *http.Request) {
	locationID := mux.Vars(r)["locationId"]
	states, err := h.agg.QueryFleetState(r.Context(), location.Filter{LocationID: locationID})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(states) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("location %s not found", locationID))
		return
	}
	writeJSON(w, http.StatusOK, states[0])
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var status *alert.Status
	if raw := q.Get("status"); raw != "" {
		parsed, err := alert.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		status = &parsed
	}
	alerts, err := h.agg.ListAlerts(r.Context(), q.Get("location_id"), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (h *Handler) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["alertId"]

	// The body is optional when the JWT subject names the operator.
	var payload struct {
		Operator string `json:"operator"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	operator := payload.Operator
	if operator == "" {
		operator = operatorFrom(r.Context())
	}
	if operator == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("operator is required"))
		return
	}

	acked, err := h.agg.Acknowledge(r.Context(), alertID, operator)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		var te alert.TransitionError
		if errors.As(err, &te) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, acked)
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	letters, err := h.agg.ListDeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": letters,
		"count":        len(letters),
	})
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
