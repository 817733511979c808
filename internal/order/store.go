package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates no order matched the lookup.
var ErrNotFound = errors.New("order: not found")

// Payment state values for an order.
const (
	StateUnconfirmed = "unconfirmed"
	StatePaid        = "paid"
	StateOnHold      = "on-hold"
)

// Address is a billing or shipping address as captured at checkout.
type Address struct {
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Company    string `json:"company,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

// Order is a storefront order row.
type Order struct {
	ID              uuid.UUID
	OrderKey        string
	PaymentState    string
	Currency        string
	TotalAmount     int64
	TotalTax        int64
	Billing         Address
	Shipping        Address
	Country         string
	RemoteSessionID string
	RemoteOrderID   string
	Environment     string
	DatePaid        *time.Time
	ReadyForCapture bool
	SessionSnapshot []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Confirmed reports whether the order already went through confirmation.
// DatePaid is the idempotency guard for the whole confirmation flow.
func (o Order) Confirmed() bool {
	return o.DatePaid != nil
}

// ConfirmationUpdate is the single atomic write applied when a confirmation
// outcome is known.
type ConfirmationUpdate struct {
	ID              uuid.UUID
	PaymentState    string
	RemoteOrderID   string
	Environment     string
	DatePaid        *time.Time
	ClearSnapshot   bool
	ReadyForCapture *bool
}

// Store persists orders and their provider session association.
type Store interface {
	// Create inserts an order row. Orders originate in the storefront's
	// checkout, which writes them before calling the session endpoints; no
	// route in this service creates orders. The method is the ingestion seam
	// for that integration and for test fixtures.
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (Order, error)
	GetByKey(ctx context.Context, key string) (Order, error)
	LatestByRemoteSessionID(ctx context.Context, sessionID string) (Order, error)
	LatestByRemoteOrderID(ctx context.Context, orderID string) (Order, error)
	RecordConfirmation(ctx context.Context, upd ConfirmationUpdate) error
	SetReadyForCapture(ctx context.Context, id uuid.UUID) error
	SetRemoteSession(ctx context.Context, id uuid.UUID, sessionID string, snapshot []byte) error
	ClearRemoteSession(ctx context.Context, id uuid.UUID) error
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

const orderColumns = `id, order_key, payment_state, currency, total_amount, total_tax,
billing, shipping, country, remote_session_id, remote_order_id, environment,
date_paid, ready_for_capture, session_snapshot, created_at, updated_at`

func (s *pgStore) Create(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.PaymentState == "" {
		o.PaymentState = StateUnconfirmed
	}
	billing, err := json.Marshal(o.Billing)
	if err != nil {
		return err
	}
	shipping, err := json.Marshal(o.Shipping)
	if err != nil {
		return err
	}
	return s.pool.QueryRow(ctx, `INSERT INTO orders
(id, order_key, payment_state, currency, total_amount, total_tax, billing, shipping, country, environment)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING created_at, updated_at`,
		o.ID, o.OrderKey, o.PaymentState, o.Currency, o.TotalAmount, o.TotalTax,
		billing, shipping, o.Country, o.Environment,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
}

func (s *pgStore) GetByID(ctx context.Context, id uuid.UUID) (Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (s *pgStore) GetByKey(ctx context.Context, key string) (Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_key = $1`, key)
	return scanOrder(row)
}

// LatestByRemoteSessionID resolves the newest order linked to a provider
// session. Newest wins because a session can be re-created for the same cart.
func (s *pgStore) LatestByRemoteSessionID(ctx context.Context, sessionID string) (Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders
WHERE remote_session_id = $1 ORDER BY updated_at DESC LIMIT 1`, sessionID)
	return scanOrder(row)
}

func (s *pgStore) LatestByRemoteOrderID(ctx context.Context, orderID string) (Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders
WHERE remote_order_id = $1 ORDER BY updated_at DESC LIMIT 1`, orderID)
	return scanOrder(row)
}

// RecordConfirmation applies the confirmation outcome in one statement so a
// concurrent confirmation attempt observes either none or all of it.
func (s *pgStore) RecordConfirmation(ctx context.Context, upd ConfirmationUpdate) error {
	tag, err := s.pool.Exec(ctx, `UPDATE orders SET
payment_state = $2,
remote_order_id = COALESCE(NULLIF($3, ''), remote_order_id),
environment = COALESCE(NULLIF($4, ''), environment),
date_paid = COALESCE($5, date_paid),
ready_for_capture = COALESCE($6, ready_for_capture),
remote_session_id = CASE WHEN $7 THEN '' ELSE remote_session_id END,
session_snapshot = CASE WHEN $7 THEN NULL ELSE session_snapshot END,
updated_at = now()
WHERE id = $1`,
		upd.ID, upd.PaymentState, upd.RemoteOrderID, upd.Environment, upd.DatePaid, upd.ReadyForCapture, upd.ClearSnapshot)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) SetReadyForCapture(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE orders SET ready_for_capture = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) SetRemoteSession(ctx context.Context, id uuid.UUID, sessionID string, snapshot []byte) error {
	tag, err := s.pool.Exec(ctx, `UPDATE orders SET remote_session_id = $2, session_snapshot = $3, updated_at = now() WHERE id = $1`,
		id, sessionID, snapshot)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) ClearRemoteSession(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE orders SET remote_session_id = '', session_snapshot = NULL, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o        Order
		billing  []byte
		shipping []byte
		datePaid sql.NullTime
		remSess  sql.NullString
		remOrder sql.NullString
		snapshot []byte
	)
	err := row.Scan(&o.ID, &o.OrderKey, &o.PaymentState, &o.Currency, &o.TotalAmount, &o.TotalTax,
		&billing, &shipping, &o.Country, &remSess, &remOrder, &o.Environment,
		&datePaid, &o.ReadyForCapture, &snapshot, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, err
	}
	if len(billing) > 0 {
		if err := json.Unmarshal(billing, &o.Billing); err != nil {
			return Order{}, err
		}
	}
	if len(shipping) > 0 {
		if err := json.Unmarshal(shipping, &o.Shipping); err != nil {
			return Order{}, err
		}
	}
	if datePaid.Valid {
		t := datePaid.Time
		o.DatePaid = &t
	}
	if remSess.Valid {
		o.RemoteSessionID = remSess.String
	}
	if remOrder.Valid {
		o.RemoteOrderID = remOrder.String
	}
	o.SessionSnapshot = snapshot
	return o, nil
}
