package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vietddude/intake/internal/booking"
	"github.com/vietddude/intake/internal/conversation"
	"github.com/vietddude/intake/internal/core/domain"
	"github.com/vietddude/intake/internal/health"
)

// ──────────────────────────────────────────────────────────────
// Conversations
// ──────────────────────────────────────────────────────────────

func (h *Handlers) processTurn(w http.ResponseWriter, r *http.Request) {
	var in conversation.TurnInput
	if err := decode(w, r, &in); err != nil {
		respondError(w, h.Log, err)
		return
	}

	res, err := h.Engine.ProcessTurn(r.Context(), in)
	if err != nil {
		respondError(w, h.Log, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) confirmBooking(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.ConfirmBooking(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, h.Log, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) getConversation(w http.ResponseWriter, r *http.Request) {
	st, err := h.Engine.State(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, h.Log, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (h *Handlers) cancelConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.CancelConversation(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		respondError(w, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ──────────────────────────────────────────────────────────────
// Bookings
// ──────────────────────────────────────────────────────────────

type createBookingRequest struct {
	Name            string    `json:"name" validate:"required,max=100"`
	Email           string    `json:"email" validate:"required,email"`
	Organization    string    `json:"organization" validate:"max=500"`
	Inquiry         string    `json:"inquiry" validate:"max=500"`
	Start           time.Time `json:"start_time" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"required"`
}

type commitResponse struct {
	*booking.CommitResult
	Degraded bool `json:"degraded"`
}

func (h *Handlers) createBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := decode(w, r, &req); err != nil {
		respondError(w, h.Log, err)
		return
	}
	if err := h.validateRequest(&req); err != nil {
		respondError(w, h.Log, err)
		return
	}

	res, err := h.Bookings.CreateDirect(r.Context(), domain.BookingRequest{
		Name:         req.Name,
		Email:        req.Email,
		Organization: req.Organization,
		Inquiry:      req.Inquiry,
		Start:        req.Start,
		Duration:     time.Duration(req.DurationMinutes) * time.Minute,
	})
	if err != nil {
		respondError(w, h.Log, err)
		return
	}
	respondJSON(w, http.StatusCreated, commitResponse{CommitResult: res, Degraded: res.Degraded()})
}

func (h *Handlers) getBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Bookings.Get(r.Context(), chi.URLParam(r, "bookingID"))
	if err != nil {
		respondError(w, h.Log, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (h *Handlers) listBookings(w http.ResponseWriter, r *http.Request) {
	all, err := h.Bookings.List(r.Context())
	if err != nil {
		respondError(w, h.Log, err)
		return
	}

	status := domain.BookingStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		respondError(w, h.Log, badRequest("status", "status must be one of pending, confirmed, cancelled"))
		return
	}

	out := make([]domain.Booking, 0, len(all))
	for _, b := range all {
		if status == "" || b.Status == status {
			out = append(out, b)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"bookings": out, "count": len(out)})
}

func (h *Handlers) setBookingStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status domain.BookingStatus `json:"status"`
	}
	if err := decode(w, r, &req); err != nil {
		respondError(w, h.Log, err)
		return
	}

	b, err := h.Bookings.SetStatus(r.Context(), chi.URLParam(r, "bookingID"), req.Status)
	if err != nil {
		respondError(w, h.Log, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (h *Handlers) availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	loc := h.Bookings.Validator().Location()

	date, err := time.ParseInLocation(time.DateOnly, q.Get("date"), loc)
	if err != nil {
		respondError(w, h.Log, badRequest("date", "date must be YYYY-MM-DD"))
		return
	}
	minutes, err := strconv.Atoi(q.Get("duration"))
	if err != nil {
		respondError(w, h.Log, badRequest("duration", "duration must be a number of minutes"))
		return
	}

	slots, err := h.Bookings.Availability(r.Context(), date, time.Duration(minutes)*time.Minute)
	if err != nil {
		respondError(w, h.Log, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"date":             date.Format(time.DateOnly),
		"duration_minutes": minutes,
		"timezone":         loc.String(),
		"slots":            slots,
	})
}

// ──────────────────────────────────────────────────────────────
// Dependencies and health
// ──────────────────────────────────────────────────────────────

func (h *Handlers) dependencyHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ready":        h.Deps.Ready(),
		"dependencies": h.Deps.HealthSnapshot(),
	})
}

func (h *Handlers) resetCircuit(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(chi.URLParam(r, "name"))
	if err := h.Deps.ResetCircuit(name); err != nil {
		respondError(w, h.Log, err)
		return
	}
	for _, dep := range h.Deps.HealthSnapshot() {
		if dep.Name == name {
			respondJSON(w, http.StatusOK, dep)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	report := h.Health.CheckHealth(r.Context())
	status := http.StatusOK
	if report.SystemStatus == health.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, report)
}

func (h *Handlers) ready(w http.ResponseWriter, r *http.Request) {
	if !h.Deps.Ready() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
