package settlement

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/ticketeria/ticketeria/internal/domain"
	"github.com/ticketeria/ticketeria/internal/observability"
)

// Engine coordinates order creation, provider charges and the joint
// order+ticket state transitions. It owns no state of its own; every
// multi-row change goes through a single Store transaction.
type Engine struct {
	store    Store
	provider PaymentProvider
	audit    Auditor
	logger   observability.Logger
	now      func() time.Time
}

func NewEngine(store Store, provider PaymentProvider, audit Auditor, logger observability.Logger) *Engine {
	return &Engine{
		store:    store,
		provider: provider,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

// GetOrder returns the hydrated order.
func (e *Engine) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return e.store.GetOrder(ctx, id)
}

type CreateOrderParams struct {
	TicketIDs     []uuid.UUID
	PaymentMethod domain.PaymentMethod
	PromoterCode  string
	UserID        uuid.UUID
}

// CreateOrder validates the reserved tickets, applies at most one promoter
// code and creates a PENDING order with the tickets bound to it. Everything
// runs in one transaction: if the attach fails after the code use was
// recorded, the counter increment rolls back with it.
func (e *Engine) CreateOrder(ctx context.Context, p CreateOrderParams) (*domain.Order, error) {
	ids := dedupe(p.TicketIDs)
	if len(ids) == 0 {
		return nil, errors.Wrap(domain.ErrInvalidInput, "order needs at least one ticket")
	}
	if !p.PaymentMethod.Valid() {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "unknown payment method %q", p.PaymentMethod)
	}

	var orderID uuid.UUID
	err := e.store.WithTx(ctx, func(tx Tx) error {
		tickets, err := tx.TicketsByID(ctx, ids)
		if err != nil {
			return err
		}
		if err := validateReserved(ids, tickets); err != nil {
			return err
		}

		total := decimal.Zero
		for _, t := range tickets {
			total = total.Add(t.Price)
		}

		var codeID *uuid.UUID
		if p.PromoterCode != "" {
			code, err := tx.CodeByValue(ctx, p.PromoterCode)
			if err != nil {
				return err
			}
			total, err = code.ApplyDiscount(total, e.now())
			if err != nil {
				return err
			}
			// One use per order, not per ticket.
			if err := tx.RecordCodeUse(ctx, code.ID); err != nil {
				return err
			}
			codeID = &code.ID
		}

		ord := domain.NewOrder(total, p.PaymentMethod)
		if err := tx.InsertOrder(ctx, ord); err != nil {
			return err
		}
		if err := tx.AttachTickets(ctx, ids, ord.ID, codeID, p.UserID); err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"order_id":     ord.ID,
			"status":       ord.Status,
			"total_amount": ord.TotalAmount,
		})
		if err := tx.AppendOutbox(ctx, ord.ID, "order.created", payload); err != nil {
			return err
		}
		orderID = ord.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.OrdersCreated.Inc()
	e.recordAudit(ctx, "order.created", p.UserID, map[string]interface{}{"order_id": orderID})
	return e.store.GetOrder(ctx, orderID)
}

// validateReserved checks that every requested ticket exists, is RESERVED
// and is not already bound to another order.
func validateReserved(ids []uuid.UUID, tickets []domain.Ticket) error {
	if len(tickets) != len(ids) {
		found := make(map[uuid.UUID]bool, len(tickets))
		for _, t := range tickets {
			found[t.ID] = true
		}
		var missing []uuid.UUID
		for _, id := range ids {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return errors.Wrapf(domain.ErrTicketsNotFound, "missing: %v", missing)
	}
	for _, t := range tickets {
		if t.Status != domain.TicketReserved || t.OrderID != nil {
			return errors.Wrapf(domain.ErrTicketNotReserved, "ticket %s is %s", t.ID, t.Status)
		}
	}
	return nil
}

// PaymentOutcome is what the caller gets back from a charge attempt.
type PaymentOutcome struct {
	Order    *domain.Order  `json:"order"`
	Provider ProviderResult `json:"provider"`
}

// ProcessPayment charges the order with the provider. Card charges confirm
// synchronously and settle right away; asynchronous methods store the
// provider payment id and leave the order PENDING until a poll or callback
// confirms it. The provider call happens before any row lock is taken.
func (e *Engine) ProcessPayment(ctx context.Context, orderID uuid.UUID, method domain.PaymentMethod, details PaymentDetails) (*PaymentOutcome, error) {
	ord, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ord.Status == domain.OrderPaid {
		return nil, errors.Wrapf(domain.ErrOrderAlreadyPaid, "order %s", orderID)
	}
	if ord.PaymentMethod != method {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "order %s pays with %s", orderID, ord.PaymentMethod)
	}

	details.OrderID = orderID
	res, err := e.provider.Charge(ctx, ord.PaymentMethod, ord.TotalAmount, details)
	if err != nil {
		return nil, err
	}

	switch res.Status {
	case ProviderConfirmed:
		if err := e.SettlePayment(ctx, orderID, res); err != nil {
			return nil, err
		}
	case ProviderPending:
		err := e.store.WithTx(ctx, func(tx Tx) error {
			cur, err := tx.OrderForUpdate(ctx, orderID)
			if err != nil {
				return err
			}
			if cur.Status != domain.OrderPending {
				return errors.Wrapf(domain.ErrConflict, "order %s is %s", orderID, cur.Status)
			}
			return tx.SetOrderPayment(ctx, orderID, res.PaymentID)
		})
		if err != nil {
			return nil, err
		}
	case ProviderFailed:
		observability.SettlementsTotal.WithLabelValues("declined").Inc()
		e.recordAudit(ctx, "payment.declined", uuid.Nil, map[string]interface{}{"order_id": orderID})
	}

	ord, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &PaymentOutcome{Order: ord, Provider: res}, nil
}

// SettlePayment applies a provider confirmation: order PENDING->PAID and
// every ticket RESERVED->PAID in one transaction. A second confirmation for
// the same order is a no-op. A ticket set that cannot be fully transitioned
// aborts the whole commit with ErrConsistencyViolation.
func (e *Engine) SettlePayment(ctx context.Context, orderID uuid.UUID, res ProviderResult) error {
	if res.Status != ProviderConfirmed {
		return nil
	}
	start := time.Now()
	err := e.store.WithTx(ctx, func(tx Tx) error {
		ord, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if ord.Status == domain.OrderPaid {
			return nil
		}
		if ord.Status != domain.OrderPending {
			return errors.Wrapf(domain.ErrConflict, "cannot settle order in %s", ord.Status)
		}
		if err := tx.MarkOrderPaid(ctx, orderID, res.PaymentID); err != nil {
			return err
		}
		updated, err := tx.MarkTicketsPaid(ctx, orderID)
		if err != nil {
			return err
		}
		total, err := tx.CountTickets(ctx, orderID)
		if err != nil {
			return err
		}
		if updated != total {
			return errors.Wrapf(domain.ErrConsistencyViolation, "order %s: %d of %d tickets transitioned", orderID, updated, total)
		}
		payload, _ := json.Marshal(map[string]interface{}{"order_id": orderID, "payment_id": res.PaymentID})
		return tx.AppendOutbox(ctx, orderID, "order.paid", payload)
	})
	observability.DBTxDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, domain.ErrConsistencyViolation) {
			e.logger.WithField("order_id", orderID.String()).WithError(err).Error("settlement left inconsistent state, operator attention required")
			observability.SettlementsTotal.WithLabelValues("inconsistent").Inc()
		}
		return err
	}
	observability.SettlementsTotal.WithLabelValues("paid").Inc()
	e.recordAudit(ctx, "order.paid", uuid.Nil, map[string]interface{}{"order_id": orderID, "payment_id": res.PaymentID})
	return nil
}

// PaymentStatus is the poll result surfaced to callers.
type PaymentStatus struct {
	OrderID       uuid.UUID            `json:"order_id"`
	PaymentID     string               `json:"payment_id"`
	PaymentMethod domain.PaymentMethod `json:"payment_method"`
	OrderStatus   domain.OrderStatus   `json:"order_status"`
	Provider      ProviderResult       `json:"provider"`
}

// CheckPayment polls the provider for a pending payment and settles the
// order if it has been confirmed since.
func (e *Engine) CheckPayment(ctx context.Context, orderID uuid.UUID) (*PaymentStatus, error) {
	ord, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ord.PaymentID == nil {
		return nil, errors.Wrapf(domain.ErrNoPaymentOnOrder, "order %s", orderID)
	}

	res, err := e.provider.PollStatus(ctx, *ord.PaymentID, ord.PaymentMethod)
	if err != nil {
		return nil, err
	}
	if res.Status == ProviderConfirmed && ord.Status != domain.OrderPaid {
		if err := e.SettlePayment(ctx, orderID, res); err != nil {
			return nil, err
		}
		ord, err = e.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
	}
	return &PaymentStatus{
		OrderID:       orderID,
		PaymentID:     *ord.PaymentID,
		PaymentMethod: ord.PaymentMethod,
		OrderStatus:   ord.Status,
		Provider:      res,
	}, nil
}

// Refund reverses a paid order: provider refund first (no lock held), then
// order PAID->REFUNDED and tickets PAID->CANCELED in one transaction. A
// provider rejection leaves local state untouched.
func (e *Engine) Refund(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	ord, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ord.Status != domain.OrderPaid {
		return nil, errors.Wrapf(domain.ErrOrderNotPaid, "order %s is %s", orderID, ord.Status)
	}
	if ord.PaymentID == nil {
		return nil, errors.Wrapf(domain.ErrNoPaymentOnOrder, "order %s", orderID)
	}

	if _, err := e.provider.Refund(ctx, *ord.PaymentID, ord.PaymentMethod); err != nil {
		return nil, err
	}

	err = e.store.WithTx(ctx, func(tx Tx) error {
		cur, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if cur.Status == domain.OrderRefunded {
			return nil
		}
		if cur.Status != domain.OrderPaid {
			return errors.Wrapf(domain.ErrOrderNotPaid, "order %s is %s", orderID, cur.Status)
		}
		if err := tx.MarkOrderRefunded(ctx, orderID); err != nil {
			return err
		}
		updated, err := tx.MarkTicketsCanceled(ctx, orderID)
		if err != nil {
			return err
		}
		total, err := tx.CountTickets(ctx, orderID)
		if err != nil {
			return err
		}
		if updated != total {
			return errors.Wrapf(domain.ErrConsistencyViolation, "order %s: %d of %d tickets canceled", orderID, updated, total)
		}
		payload, _ := json.Marshal(map[string]interface{}{"order_id": orderID})
		return tx.AppendOutbox(ctx, orderID, "order.refunded", payload)
	})
	if err != nil {
		if errors.Is(err, domain.ErrConsistencyViolation) {
			e.logger.WithField("order_id", orderID.String()).WithError(err).Error("refund left inconsistent state, operator attention required")
		}
		return nil, err
	}

	observability.SettlementsTotal.WithLabelValues("refunded").Inc()
	e.recordAudit(ctx, "order.refunded", uuid.Nil, map[string]interface{}{"order_id": orderID})
	return e.store.GetOrder(ctx, orderID)
}

func (e *Engine) recordAudit(ctx context.Context, action string, userID uuid.UUID, data map[string]interface{}) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, action, userID, data); err != nil {
		e.logger.WithError(err).Warn("audit record failed")
	}
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
