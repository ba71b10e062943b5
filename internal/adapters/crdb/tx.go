package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/ticketeria/ticketeria/internal/domain"
)

// Tx implements settlement.Tx on top of a pgx transaction. The conditional
// WHERE clauses below are the storage-level guards the settlement engine
// relies on: a ticket attaches at most once, a code never overruns its cap.
type Tx struct {
	tx pgx.Tx
}

func (t *Tx) TicketsByID(ctx context.Context, ids []uuid.UUID) ([]domain.Ticket, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, code, status, price, original_price, is_courtesy,
			ticket_type_id, user_id, order_id, promoter_code_id
		FROM tickets WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		var tk domain.Ticket
		err := rows.Scan(&tk.ID, &tk.Code, &tk.Status, &tk.Price, &tk.OriginalPrice, &tk.IsCourtesy,
			&tk.TicketTypeID, &tk.UserID, &tk.OrderID, &tk.PromoterCodeID)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, tk)
	}
	return tickets, rows.Err()
}

// AttachTickets binds tickets to an order. The status/order_id guard makes
// this a compare-and-swap: a concurrent order that won the race leaves
// fewer rows affected and the whole transaction rolls back.
func (t *Tx) AttachTickets(ctx context.Context, ids []uuid.UUID, orderID uuid.UUID, codeID *uuid.UUID, userID uuid.UUID) error {
	result, err := t.tx.Exec(ctx, `
		UPDATE tickets SET order_id = $2, promoter_code_id = $3, user_id = $4
		WHERE id = ANY($1) AND status = 'RESERVED' AND order_id IS NULL
	`, ids, orderID, codeID, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() != int64(len(ids)) {
		return errors.Wrapf(domain.ErrTicketNotReserved, "attached %d of %d tickets", result.RowsAffected(), len(ids))
	}
	return nil
}

func (t *Tx) MarkTicketsPaid(ctx context.Context, orderID uuid.UUID) (int64, error) {
	result, err := t.tx.Exec(ctx, `
		UPDATE tickets SET status = 'PAID' WHERE order_id = $1 AND status = 'RESERVED'
	`, orderID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func (t *Tx) MarkTicketsCanceled(ctx context.Context, orderID uuid.UUID) (int64, error) {
	result, err := t.tx.Exec(ctx, `
		UPDATE tickets SET status = 'CANCELED' WHERE order_id = $1 AND status = 'PAID'
	`, orderID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func (t *Tx) CountTickets(ctx context.Context, orderID uuid.UUID) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx, `SELECT count(*) FROM tickets WHERE order_id = $1`, orderID).Scan(&n)
	return n, err
}

// CodeByValue is a case-sensitive exact lookup.
func (t *Tx) CodeByValue(ctx context.Context, code string) (domain.PromoterCode, error) {
	var c domain.PromoterCode
	err := t.tx.QueryRow(ctx, `
		SELECT id, code, discount_type, discount_value, start_date, end_date, max_uses, current_uses, promoter_id
		FROM promoter_codes WHERE code = $1
	`, code).Scan(&c.ID, &c.Code, &c.DiscountType, &c.DiscountValue, &c.StartDate, &c.EndDate, &c.MaxUses, &c.CurrentUses, &c.PromoterID)
	if err == pgx.ErrNoRows {
		return domain.PromoterCode{}, errors.Wrapf(domain.ErrCodeNotFound, "code %s", code)
	}
	return c, err
}

// RecordCodeUse is an atomic increment-with-check, never read-then-write.
func (t *Tx) RecordCodeUse(ctx context.Context, codeID uuid.UUID) error {
	result, err := t.tx.Exec(ctx, `
		UPDATE promoter_codes SET current_uses = current_uses + 1
		WHERE id = $1 AND (max_uses IS NULL OR current_uses < max_uses)
	`, codeID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrCodeExhausted, "code id %s", codeID)
	}
	return nil
}

func (t *Tx) InsertOrder(ctx context.Context, o domain.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (id, total_amount, status, payment_method, payment_id)
		VALUES ($1, $2, $3, $4, $5)
	`, o.ID, o.TotalAmount, o.Status, o.PaymentMethod, o.PaymentID)
	return err
}

func (t *Tx) OrderForUpdate(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	var o domain.Order
	err := t.tx.QueryRow(ctx, `
		SELECT id, total_amount, status, payment_method, payment_id
		FROM orders WHERE id = $1 FOR UPDATE
	`, id).Scan(&o.ID, &o.TotalAmount, &o.Status, &o.PaymentMethod, &o.PaymentID)
	if err == pgx.ErrNoRows {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, err
}

func (t *Tx) MarkOrderPaid(ctx context.Context, id uuid.UUID, paymentID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE orders SET status = 'PAID', payment_id = $2 WHERE id = $1
	`, id, paymentID)
	return err
}

func (t *Tx) SetOrderPayment(ctx context.Context, id uuid.UUID, paymentID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE orders SET payment_id = $2 WHERE id = $1
	`, id, paymentID)
	return err
}

func (t *Tx) MarkOrderRefunded(ctx context.Context, id uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE orders SET status = 'REFUNDED' WHERE id = $1
	`, id)
	return err
}

func (t *Tx) AppendOutbox(ctx context.Context, aggregateID uuid.UUID, eventType string, payload []byte) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, status, dedupe_key)
		VALUES ($1, 'order', $2, $3, $4, 'NEW', $5)
	`, uuid.New(), aggregateID, eventType, payload, uuid.New().String())
	return err
}

// hydratedCode holds the nullable promoter-code columns of the LEFT JOIN in
// GetOrder.
type hydratedCode struct {
	id            *uuid.UUID
	code          *string
	discountType  *string
	discountValue *decimal.Decimal
	startDate     *time.Time
	endDate       *time.Time
	maxUses       *int32
	currentUses   *int32
	promoterID    *uuid.UUID
}

func (h hydratedCode) toDomain() *domain.PromoterCode {
	if h.id == nil {
		return nil
	}
	return &domain.PromoterCode{
		ID:            *h.id,
		Code:          *h.code,
		DiscountType:  domain.DiscountType(*h.discountType),
		DiscountValue: *h.discountValue,
		StartDate:     *h.startDate,
		EndDate:       *h.endDate,
		MaxUses:       h.maxUses,
		CurrentUses:   *h.currentUses,
		PromoterID:    *h.promoterID,
	}
}
