package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/events"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
	"github.com/robertarktes/concert-seat-admission/internal/queue"
	"github.com/robertarktes/concert-seat-admission/internal/saga"
	"github.com/robertarktes/concert-seat-admission/internal/seatlock"
)

type Catalog interface {
	SeatsByGrade(ctx context.Context, concertID, grade string) ([]domain.SeatInfo, error)
}

// Publisher puts an event on the channel. messageID identifies the event
// across redeliveries.
type Publisher interface {
	Publish(ctx context.Context, key, messageID string, body []byte) error
}

// ReadinessCheck reports whether a dependency is reachable.
type ReadinessCheck func(ctx context.Context) error

type Handlers struct {
	seats   *seatlock.Manager
	queue   *queue.Service
	saga    *saga.Coordinator
	catalog Catalog
	events  Publisher
	ready   []ReadinessCheck
	logger  observability.Logger
}

func NewHandlers(seats *seatlock.Manager, q *queue.Service, s *saga.Coordinator, catalog Catalog, pub Publisher, logger observability.Logger, ready ...ReadinessCheck) *Handlers {
	return &Handlers{
		seats:   seats,
		queue:   q,
		saga:    s,
		catalog: catalog,
		events:  pub,
		ready:   ready,
		logger:  logger,
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "malformed request body")
		return false
	}
	return true
}

// Waiting queue

func (h *Handlers) RegisterQueue(w http.ResponseWriter, r *http.Request) {
	entry, err := h.queue.Register(r.Context(), chi.URLParam(r, "concertID"), UserID(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toQueueEntry(entry))
}

func (h *Handlers) QueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.queue.Status(r.Context(), chi.URLParam(r, "concertID"), UserID(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueueStatus(status))
}

func (h *Handlers) LeaveQueue(w http.ResponseWriter, r *http.Request) {
	entry, err := h.queue.Leave(r.Context(), chi.URLParam(r, "concertID"), UserID(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueueEntry(entry))
}

func (h *Handlers) EnterQueue(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryID")
	status, err := h.queue.Status(r.Context(), concertOf(entryID), UserID(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if status.Entry.ID != entryID {
		writeError(w, h.logger, domain.ErrEntryNotFound)
		return
	}
	entry, err := h.queue.Enter(r.Context(), entryID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueueEntry(entry))
}

func concertOf(entryID string) string {
	concertID, _, _, err := domain.ParseQueueEntryID(entryID)
	if err != nil {
		return ""
	}
	return concertID
}

func (h *Handlers) AdmitBatch(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if !decode(w, r, &req) {
		return
	}
	admitted, err := h.queue.AdmitBatch(r.Context(), chi.URLParam(r, "concertID"), req.BatchSize)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := make([]queueEntryResponse, 0, len(admitted))
	for _, e := range admitted {
		resp = append(resp, toQueueEntry(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) ResetQueue(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.queue.Reset(r.Context(), chi.URLParam(r, "concertID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

// Seats

func (h *Handlers) ListSeats(w http.ResponseWriter, r *http.Request) {
	grade := r.URL.Query().Get("grade")
	if grade == "" {
		badRequest(w, "grade is required")
		return
	}
	infos, err := h.catalog.SeatsByGrade(r.Context(), chi.URLParam(r, "concertID"), grade)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := make([]seatResponse, 0, len(infos))
	for _, info := range infos {
		seat, err := h.seats.Seat(r.Context(), info.ID)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		resp = append(resp, seatResponse{SeatID: info.ID, Status: string(seat.Status), Grade: info.Grade, Price: info.Price})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) GetSeat(w http.ResponseWriter, r *http.Request) {
	seat, err := h.seats.Seat(r.Context(), chi.URLParam(r, "seatID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, seatResponse{SeatID: seat.ID, Status: string(seat.Status)})
}

func (h *Handlers) SelectSeat(w http.ResponseWriter, r *http.Request) {
	lock, err := h.seats.Select(r.Context(), chi.URLParam(r, "seatID"), UserID(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSeatLock(lock))
}

func (h *Handlers) ExtendSeat(w http.ResponseWriter, r *http.Request) {
	lock, err := h.seats.Extend(r.Context(), chi.URLParam(r, "seatID"), UserID(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toSeatLock(lock))
}

func (h *Handlers) ReleaseSeat(w http.ResponseWriter, r *http.Request) {
	if err := h.seats.Release(r.Context(), chi.URLParam(r, "seatID"), UserID(r.Context())); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reservations and payments

func (h *Handlers) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req reservationRequest
	if !decode(w, r, &req) {
		return
	}
	userID := UserID(r.Context())
	leases := make([]domain.LeaseRef, 0, len(req.Seats))
	for _, s := range req.Seats {
		leases = append(leases, domain.LeaseRef{SeatID: s.SeatID, UserID: userID, LockID: s.LockID})
	}
	res, err := h.saga.CreateReservation(r.Context(), userID, req.ConcertID, leases)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservation(res))
}

func (h *Handlers) RequestPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decode(w, r, &req) {
		return
	}
	reservationID, err := uuid.Parse(req.ReservationID)
	if err != nil {
		badRequest(w, "invalid reservationId")
		return
	}
	p, err := h.saga.RequestPayment(r.Context(), saga.PaymentRequest{
		ReservationID: reservationID,
		SeatID:        req.SeatID,
		LockID:        req.LockID,
		UserID:        UserID(r.Context()),
		Amount:        req.Amount,
		Method:        domain.PaymentMethod(strings.ToUpper(req.Method)),
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toPayment(p))
}

func (h *Handlers) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	p, err := h.saga.Payment(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if p.UserID != UserID(r.Context()) {
		writeError(w, h.logger, domain.ErrNotRequester)
		return
	}
	writeJSON(w, http.StatusOK, toPayment(p))
}

func (h *Handlers) CancelPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	p, err := h.saga.Cancel(r.Context(), id, UserID(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayment(p))
}

func paymentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		badRequest(w, "invalid payment id")
		return uuid.Nil, false
	}
	return id, true
}

// PaymentCallback turns a gateway notification into a payment.success or
// payment.failure event. The saga worker applies it.
func (h *Handlers) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := uuid.Parse(req.PaymentID)
	if err != nil {
		badRequest(w, "invalid paymentId")
		return
	}

	var topic string
	switch strings.ToUpper(req.Status) {
	case "SUCCEEDED", "SUCCESS", "COMPLETED":
		topic = events.TopicPaymentSuccess
	case "FAILED", "FAILURE", "CANCELED", "CANCELLED":
		topic = events.TopicPaymentFailure
		if req.Reason == "" {
			req.Reason = "payment_failed"
		}
	default:
		badRequest(w, "unknown status")
		return
	}

	ev, err := h.saga.Outcome(r.Context(), id, req.ExternalID, req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.events.Publish(r.Context(), topic, topic+":"+id.String(), body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.WithField("payment_id", id).WithField("topic", topic).Info("gateway callback accepted")
	w.WriteHeader(http.StatusAccepted)
}

// Health

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	for _, check := range h.ready {
		if err := check(r.Context()); err != nil {
			h.logger.WithError(err).Warn("readiness check failed")
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}
