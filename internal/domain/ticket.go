package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TicketStatus string

const (
	TicketReserved TicketStatus = "RESERVED"
	TicketPaid     TicketStatus = "PAID"
	TicketCanceled TicketStatus = "CANCELED"
	TicketUsed     TicketStatus = "USED"
	TicketExpired  TicketStatus = "EXPIRED"
)

// ticketTransitions holds the allowed status moves. PAID only goes to
// CANCELED through a refund; USED, EXPIRED and CANCELED are terminal.
var ticketTransitions = map[TicketStatus][]TicketStatus{
	TicketReserved: {TicketPaid, TicketCanceled, TicketExpired},
	TicketPaid:     {TicketCanceled},
}

func (s TicketStatus) CanTransition(to TicketStatus) bool {
	for _, next := range ticketTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type Ticket struct {
	ID             uuid.UUID       `json:"id"`
	Code           string          `json:"code"`
	Status         TicketStatus    `json:"status"`
	Price          decimal.Decimal `json:"price"`
	OriginalPrice  decimal.Decimal `json:"original_price"`
	IsCourtesy     bool            `json:"is_courtesy"`
	TicketTypeID   uuid.UUID       `json:"ticket_type_id"`
	UserID         *uuid.UUID      `json:"user_id,omitempty"`
	OrderID        *uuid.UUID      `json:"order_id,omitempty"`
	PromoterCodeID *uuid.UUID      `json:"promoter_code_id,omitempty"`

	TicketType   *TicketType   `json:"ticket_type,omitempty"`
	PromoterCode *PromoterCode `json:"promoter_code,omitempty"`
}

type TicketType struct {
	ID      uuid.UUID       `json:"id"`
	Name    string          `json:"name"`
	Price   decimal.Decimal `json:"price"`
	EventID uuid.UUID       `json:"event_id"`
	Event   *Event          `json:"event,omitempty"`
}

type Event struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Venue string    `json:"venue"`
	Date  time.Time `json:"date"`
}

// NewTicket creates a RESERVED ticket for a ticket type. Courtesy tickets
// are free regardless of the list price.
func NewTicket(ticketType TicketType, isCourtesy bool) Ticket {
	price := ticketType.Price
	if isCourtesy {
		price = decimal.Zero
	}
	return Ticket{
		ID:            uuid.New(),
		Code:          uuid.New().String(),
		Status:        TicketReserved,
		Price:         price,
		OriginalPrice: ticketType.Price,
		IsCourtesy:    isCourtesy,
		TicketTypeID:  ticketType.ID,
	}
}
