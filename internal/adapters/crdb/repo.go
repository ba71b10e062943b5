package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ticketeria/ticketeria/internal/domain"
	"github.com/ticketeria/ticketeria/internal/settlement"
	"golang.org/x/sync/errgroup"
)

const (
	SerializationFailureCode = "40001"
)

// NewPool builds a pgx pool with decimal support registered on every
// connection, so NUMERIC columns scan straight into decimal.Decimal.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn in a SERIALIZABLE transaction. Retryable serialization
// failures surface as domain.ErrSerializationFailure for the caller to map.
func (r *Repository) WithTx(ctx context.Context, fn func(tx settlement.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	if err := fn(&Tx{tx: tx}); err != nil {
		return mapSerialization(err)
	}

	return mapSerialization(tx.Commit(ctx))
}

func mapSerialization(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
		return domain.ErrSerializationFailure
	}
	return err
}

const ticketColumns = `
	t.id, t.code, t.status, t.price, t.original_price, t.is_courtesy,
	t.ticket_type_id, t.user_id, t.order_id, t.promoter_code_id`

// GetOrder returns the fully hydrated order: tickets with nested ticket
// type, event and promoter code. This is the shape downstream consumers
// (reporting, messaging) rely on.
func (r *Repository) GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	var order domain.Order
	var tickets []domain.Ticket

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := r.pool.QueryRow(gctx, `
			SELECT id, total_amount, status, payment_method, payment_id
			FROM orders WHERE id = $1
		`, orderID).Scan(&order.ID, &order.TotalAmount, &order.Status, &order.PaymentMethod, &order.PaymentID)
		if err == pgx.ErrNoRows {
			return domain.ErrNotFound
		}
		return err
	})
	g.Go(func() error {
		rows, err := r.pool.Query(gctx, `
			SELECT `+ticketColumns+`,
				tt.id, tt.name, tt.price, tt.event_id,
				e.id, e.name, e.venue, e.date,
				pc.id, pc.code, pc.discount_type, pc.discount_value,
				pc.start_date, pc.end_date, pc.max_uses, pc.current_uses, pc.promoter_id
			FROM tickets t
			JOIN ticket_types tt ON tt.id = t.ticket_type_id
			JOIN events e ON e.id = tt.event_id
			LEFT JOIN promoter_codes pc ON pc.id = t.promoter_code_id
			WHERE t.order_id = $1
			ORDER BY t.id
		`, orderID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var t domain.Ticket
			var tt domain.TicketType
			var ev domain.Event
			pc := hydratedCode{}
			err := rows.Scan(
				&t.ID, &t.Code, &t.Status, &t.Price, &t.OriginalPrice, &t.IsCourtesy,
				&t.TicketTypeID, &t.UserID, &t.OrderID, &t.PromoterCodeID,
				&tt.ID, &tt.Name, &tt.Price, &tt.EventID,
				&ev.ID, &ev.Name, &ev.Venue, &ev.Date,
				&pc.id, &pc.code, &pc.discountType, &pc.discountValue,
				&pc.startDate, &pc.endDate, &pc.maxUses, &pc.currentUses, &pc.promoterID,
			)
			if err != nil {
				return err
			}
			tt.Event = &ev
			t.TicketType = &tt
			t.PromoterCode = pc.toDomain()
			tickets = append(tickets, t)
		}
		return rows.Err()
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	order.Tickets = tickets
	return &order, nil
}

// PendingPayments lists orders that hold a provider payment id but are
// still waiting for confirmation. Consumed by the payment poller.
func (r *Repository) PendingPayments(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM orders
		WHERE status = 'PENDING' AND payment_id IS NOT NULL
		ORDER BY id LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) InsertPromoterCode(ctx context.Context, c domain.PromoterCode) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO promoter_codes (id, code, discount_type, discount_value, start_date, end_date, max_uses, current_uses, promoter_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.Code, c.DiscountType, c.DiscountValue, c.StartDate, c.EndDate, c.MaxUses, c.CurrentUses, c.PromoterID)
	if isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrConflict, "code %s already exists", c.Code)
	}
	return err
}

func (r *Repository) InsertEvent(ctx context.Context, e domain.Event) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO events (id, name, venue, date) VALUES ($1, $2, $3, $4)
	`, e.ID, e.Name, e.Venue, e.Date)
	return err
}

func (r *Repository) InsertTicketType(ctx context.Context, tt domain.TicketType) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ticket_types (id, name, price, event_id) VALUES ($1, $2, $3, $4)
	`, tt.ID, tt.Name, tt.Price, tt.EventID)
	return err
}

func (r *Repository) TicketByID(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	var t domain.Ticket
	err := r.pool.QueryRow(ctx, `
		SELECT id, code, status, price, original_price, is_courtesy,
			ticket_type_id, user_id, order_id, promoter_code_id
		FROM tickets WHERE id = $1
	`, id).Scan(&t.ID, &t.Code, &t.Status, &t.Price, &t.OriginalPrice, &t.IsCourtesy,
		&t.TicketTypeID, &t.UserID, &t.OrderID, &t.PromoterCodeID)
	if err == pgx.ErrNoRows {
		return domain.Ticket{}, errors.Wrapf(domain.ErrNotFound, "ticket %s", id)
	}
	return t, err
}

func (r *Repository) TicketTypeByID(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	var tt domain.TicketType
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, price, event_id FROM ticket_types WHERE id = $1
	`, id).Scan(&tt.ID, &tt.Name, &tt.Price, &tt.EventID)
	if err == pgx.ErrNoRows {
		return domain.TicketType{}, errors.Wrapf(domain.ErrNotFound, "ticket type %s", id)
	}
	return tt, err
}

// UpdateTicketStatus moves a ticket from one status to another. The WHERE
// clause on the old status makes concurrent updates lose cleanly instead of
// overwriting each other.
func (r *Repository) UpdateTicketStatus(ctx context.Context, id uuid.UUID, from, to domain.TicketStatus) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE tickets SET status = $3 WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrConflict, "ticket %s no longer %s", id, from)
	}
	return nil
}

func (r *Repository) InsertTicket(ctx context.Context, t domain.Ticket) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tickets (id, code, status, price, original_price, is_courtesy, ticket_type_id, user_id, order_id, promoter_code_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.Code, t.Status, t.Price, t.OriginalPrice, t.IsCourtesy, t.TicketTypeID, t.UserID, t.OrderID, t.PromoterCodeID)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
