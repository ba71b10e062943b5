package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/ticketeria/ticketeria/internal/adapters/crdb"
	redisadapter "github.com/ticketeria/ticketeria/internal/adapters/redis"
	"github.com/ticketeria/ticketeria/internal/config"
	"github.com/ticketeria/ticketeria/internal/domain"
	"github.com/ticketeria/ticketeria/internal/idempotency"
	"github.com/ticketeria/ticketeria/internal/observability"
	"github.com/ticketeria/ticketeria/internal/settlement"
)

type Handlers struct {
	cfg    *config.Config
	engine *settlement.Engine
	repo   *crdb.Repository
	redis  *redisadapter.Cache
	idemp  *idempotency.Idempotency
	logger observability.Logger
}

func NewHandlers(cfg *config.Config, engine *settlement.Engine, repo *crdb.Repository, redis *redisadapter.Cache, idemp *idempotency.Idempotency, logger observability.Logger) *Handlers {
	return &Handlers{
		cfg:    cfg,
		engine: engine,
		repo:   repo,
		redis:  redis,
		idemp:  idemp,
		logger: logger,
	}
}

// writeError maps domain failure kinds onto HTTP statuses without ever
// leaking provider internals to the client.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrTicketsNotFound),
		errors.Is(err, domain.ErrCodeNotFound),
		errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrTicketNotReserved),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrSerializationFailure),
		errors.Is(err, domain.ErrOrderAlreadyPaid),
		errors.Is(err, domain.ErrRefundRejected):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrCodeExpired),
		errors.Is(err, domain.ErrCodeExhausted),
		errors.Is(err, domain.ErrOrderNotPaid),
		errors.Is(err, domain.ErrNoPaymentOnOrder),
		errors.Is(err, domain.ErrInvalidTicketTransition):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrProviderUnavailable):
		http.Error(w, "payment provider unavailable, retry later", http.StatusServiceUnavailable)
	default:
		h.logger.WithError(err).Error("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) []byte {
	data, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
	return data
}

func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	existing, err := h.idemp.Get(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.Status)
		w.Write(existing.Result)
		return
	}

	var req struct {
		TicketIDs     []uuid.UUID `json:"ticket_ids"`
		PaymentMethod string      `json:"payment_method"`
		PromoterCode  string      `json:"promoter_code"`
		UserID        uuid.UUID   `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	order, err := h.engine.CreateOrder(r.Context(), settlement.CreateOrderParams{
		TicketIDs:     req.TicketIDs,
		PaymentMethod: domain.PaymentMethod(req.PaymentMethod),
		PromoterCode:  req.PromoterCode,
		UserID:        req.UserID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	data := writeJSON(w, http.StatusCreated, order)
	h.idemp.Set(r.Context(), key, idempotency.Response{Status: http.StatusCreated, Result: data})
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	order, err := h.engine.GetOrder(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type pixRequest struct {
	OrderID     uuid.UUID `json:"order_id"`
	Name        string    `json:"name"`
	CPF         string    `json:"cpf"`
	RequireCPF  bool      `json:"require_cpf"`
	EnableSplit bool      `json:"enable_split"`
}

func (h *Handlers) PayPix(w http.ResponseWriter, r *http.Request) {
	var req pixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.pay(w, r, req.OrderID, domain.MethodPix, settlement.PaymentDetails{
		Name: req.Name, CPF: req.CPF, RequireCPF: req.RequireCPF, EnableSplit: req.EnableSplit,
	})
}

type cardRequest struct {
	OrderID        uuid.UUID `json:"order_id"`
	CardNumber     string    `json:"card_number"`
	CardholderName string    `json:"cardholder_name"`
	ExpirationDate string    `json:"expiration_date"`
	CVV            string    `json:"cvv"`
	Installments   int       `json:"installments"`
}

func (h *Handlers) PayCreditCard(w http.ResponseWriter, r *http.Request) {
	var req cardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.pay(w, r, req.OrderID, domain.MethodCreditCard, settlement.PaymentDetails{
		Card: &settlement.CardDetails{
			Number:         req.CardNumber,
			HolderName:     req.CardholderName,
			ExpirationDate: req.ExpirationDate,
			CVV:            req.CVV,
			Installments:   req.Installments,
		},
	})
}

type customerRequest struct {
	OrderID uuid.UUID `json:"order_id"`
	Name    string    `json:"name"`
	CPF     string    `json:"cpf"`
	Email   string    `json:"email"`
	Phone   string    `json:"phone"`
	Bank    string    `json:"bank"`
}

func (h *Handlers) PayBoleto(w http.ResponseWriter, r *http.Request) {
	h.payCustomer(w, r, domain.MethodBoleto)
}

func (h *Handlers) PayBankTransfer(w http.ResponseWriter, r *http.Request) {
	h.payCustomer(w, r, domain.MethodBankTransfer)
}

func (h *Handlers) PayITP(w http.ResponseWriter, r *http.Request) {
	h.payCustomer(w, r, domain.MethodITP)
}

func (h *Handlers) payCustomer(w http.ResponseWriter, r *http.Request, method domain.PaymentMethod) {
	var req customerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.pay(w, r, req.OrderID, method, settlement.PaymentDetails{
		Name: req.Name, CPF: req.CPF, Email: req.Email, Phone: req.Phone, Bank: req.Bank,
	})
}

func (h *Handlers) pay(w http.ResponseWriter, r *http.Request, orderID uuid.UUID, method domain.PaymentMethod, details settlement.PaymentDetails) {
	key := r.Header.Get("Idempotency-Key")
	existing, err := h.idemp.Get(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.Status)
		w.Write(existing.Result)
		return
	}

	outcome, err := h.engine.ProcessPayment(r.Context(), orderID, method, details)
	if err != nil {
		h.writeError(w, err)
		return
	}

	data := writeJSON(w, http.StatusOK, outcome)
	h.idemp.Set(r.Context(), key, idempotency.Response{Status: http.StatusOK, Result: data})
}

func (h *Handlers) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	status, err := h.engine.CheckPayment(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handlers) Refund(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	order, err := h.engine.Refund(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// PaymentCallback receives provider webhooks and feeds them to settlement.
// Settlement is idempotent, so duplicate deliveries are harmless.
func (h *Handlers) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID   uuid.UUID `json:"order_id"`
		PaymentID string    `json:"payment_id"`
		Status    string    `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res := settlement.ProviderResult{Status: normalizeCallbackStatus(req.Status), PaymentID: req.PaymentID}
	if err := h.engine.SettlePayment(r.Context(), req.OrderID, res); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func normalizeCallbackStatus(s string) settlement.ProviderStatus {
	switch s {
	case "PAID", "CONFIRMED", "SUCCEEDED", "APPROVED":
		return settlement.ProviderConfirmed
	case "FAILED", "CANCELED", "REFUSED":
		return settlement.ProviderFailed
	}
	return settlement.ProviderPending
}

func (h *Handlers) CreatePromoterCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code          string          `json:"code"`
		DiscountType  string          `json:"discount_type"`
		DiscountValue decimal.Decimal `json:"discount_value"`
		StartDate     time.Time       `json:"start_date"`
		EndDate       time.Time       `json:"end_date"`
		MaxUses       *int32          `json:"max_uses"`
		PromoterID    uuid.UUID       `json:"promoter_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	code, err := domain.NewPromoterCode(req.Code, domain.DiscountType(req.DiscountType), req.DiscountValue, req.StartDate, req.EndDate, req.MaxUses, req.PromoterID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.repo.InsertPromoterCode(r.Context(), code); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, code)
}

// UpdateTicketStatus is the operator path for manual ticket moves (cancel a
// reservation, expire a stale one). Settlement transitions never come
// through here.
func (h *Handlers) UpdateTicketStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req struct {
		Status domain.TicketStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ticket, err := h.repo.TicketByID(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !ticket.Status.CanTransition(req.Status) {
		h.writeError(w, errors.Wrapf(domain.ErrInvalidTicketTransition, "%s -> %s", ticket.Status, req.Status))
		return
	}
	if err := h.repo.UpdateTicketStatus(r.Context(), id, ticket.Status, req.Status); err != nil {
		h.writeError(w, err)
		return
	}
	ticket.Status = req.Status
	writeJSON(w, http.StatusOK, ticket)
}

// CreateCourtesyTickets issues a batch of free tickets against a ticket
// type. They enter the inventory RESERVED like any other ticket and settle
// through a zero-amount order.
func (h *Handlers) CreateCourtesyTickets(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TicketTypeID uuid.UUID  `json:"ticket_type_id"`
		UserID       *uuid.UUID `json:"user_id"`
		Quantity     int        `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Quantity < 1 || req.Quantity > 500 {
		http.Error(w, "quantity must be between 1 and 500", http.StatusBadRequest)
		return
	}

	tt, err := h.repo.TicketTypeByID(r.Context(), req.TicketTypeID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	tickets := make([]domain.Ticket, 0, req.Quantity)
	for i := 0; i < req.Quantity; i++ {
		tk := domain.NewTicket(tt, true)
		tk.UserID = req.UserID
		if err := h.repo.InsertTicket(r.Context(), tk); err != nil {
			h.writeError(w, err)
			return
		}
		tickets = append(tickets, tk)
	}
	writeJSON(w, http.StatusCreated, tickets)
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.redis.Ping(r.Context()); err != nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}
