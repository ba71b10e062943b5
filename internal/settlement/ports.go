package settlement

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/ticketeria/ticketeria/internal/domain"
)

// Tx is the set of storage operations available inside one transaction.
// Implementations must make AttachTickets and RecordCodeUse conditional
// writes so concurrent purchases cannot double-sell a ticket or overrun a
// code's usage cap.
type Tx interface {
	TicketsByID(ctx context.Context, ids []uuid.UUID) ([]domain.Ticket, error)
	AttachTickets(ctx context.Context, ids []uuid.UUID, orderID uuid.UUID, codeID *uuid.UUID, userID uuid.UUID) error
	MarkTicketsPaid(ctx context.Context, orderID uuid.UUID) (int64, error)
	MarkTicketsCanceled(ctx context.Context, orderID uuid.UUID) (int64, error)
	CountTickets(ctx context.Context, orderID uuid.UUID) (int64, error)

	CodeByValue(ctx context.Context, code string) (domain.PromoterCode, error)
	RecordCodeUse(ctx context.Context, codeID uuid.UUID) error

	InsertOrder(ctx context.Context, o domain.Order) error
	OrderForUpdate(ctx context.Context, id uuid.UUID) (domain.Order, error)
	MarkOrderPaid(ctx context.Context, id uuid.UUID, paymentID string) error
	SetOrderPayment(ctx context.Context, id uuid.UUID, paymentID string) error
	MarkOrderRefunded(ctx context.Context, id uuid.UUID) error

	AppendOutbox(ctx context.Context, aggregateID uuid.UUID, eventType string, payload []byte) error
}

type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
}

type ProviderStatus string

const (
	ProviderConfirmed ProviderStatus = "CONFIRMED"
	ProviderPending   ProviderStatus = "PENDING"
	ProviderFailed    ProviderStatus = "FAILED"
)

// ProviderResult is the normalized outcome of any provider call. Metadata
// carries provider-specific extras (payment URL, QR code, bar code) that the
// engine forwards without interpreting.
type ProviderResult struct {
	Status    ProviderStatus    `json:"status"`
	PaymentID string            `json:"payment_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type CardDetails struct {
	Number         string `json:"number"`
	HolderName     string `json:"holder_name"`
	ExpirationDate string `json:"expiration_date"`
	CVV            string `json:"cvv"`
	Installments   int    `json:"installments"`
}

// PaymentDetails is forwarded opaquely to the provider adapter; which fields
// matter depends on the payment method.
type PaymentDetails struct {
	OrderID     uuid.UUID
	Name        string
	CPF         string
	Email       string
	Phone       string
	Bank        string
	RequireCPF  bool
	EnableSplit bool
	Card        *CardDetails
}

type PaymentProvider interface {
	Charge(ctx context.Context, method domain.PaymentMethod, amount decimal.Decimal, details PaymentDetails) (ProviderResult, error)
	PollStatus(ctx context.Context, paymentID string, method domain.PaymentMethod) (ProviderResult, error)
	Refund(ctx context.Context, paymentID string, method domain.PaymentMethod) (ProviderResult, error)
}

// Auditor records settlement actions for operator review. Failures are
// logged, never propagated.
type Auditor interface {
	Record(ctx context.Context, action string, userID uuid.UUID, data map[string]interface{}) error
}
