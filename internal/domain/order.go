package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderPaid     OrderStatus = "PAID"
	OrderCanceled OrderStatus = "CANCELED"
	OrderRefunded OrderStatus = "REFUNDED"
)

type PaymentMethod string

const (
	MethodPix          PaymentMethod = "PIX"
	MethodCreditCard   PaymentMethod = "CREDIT_CARD"
	MethodBoleto       PaymentMethod = "BOLETO"
	MethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	MethodITP          PaymentMethod = "ITP"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodPix, MethodCreditCard, MethodBoleto, MethodBankTransfer, MethodITP:
		return true
	}
	return false
}

type Order struct {
	ID            uuid.UUID       `json:"id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Status        OrderStatus     `json:"status"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	PaymentID     *string         `json:"payment_id,omitempty"`
	Tickets       []Ticket        `json:"tickets"`
}

func NewOrder(totalAmount decimal.Decimal, method PaymentMethod) Order {
	return Order{
		ID:            uuid.New(),
		TotalAmount:   totalAmount,
		Status:        OrderPending,
		PaymentMethod: method,
	}
}
