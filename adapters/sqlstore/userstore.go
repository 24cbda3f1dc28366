package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/ports"
	"github.com/shopspring/decimal"
)

// UserStore implements ports.UserStore.
type UserStore struct {
	db *DB
}

// NewUserStore creates a new user store.
func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db}
}

// Get retrieves a user by ID.
func (s *UserStore) Get(ctx context.Context, id string) (ports.User, error) {
	var u ports.User
	err := s.db.queryRow(ctx, `SELECT id, email, name, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.User{}, ports.ErrNotFound
	}
	return u, err
}

// Create stores a new user.
func (s *UserStore) Create(ctx context.Context, u ports.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.exec(ctx, `INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, utc(u.CreatedAt))
	if isUniqueConstraintError(err) {
		return ports.ErrDuplicate
	}
	return err
}

// Ensure interface compliance.
var _ ports.UserStore = (*UserStore)(nil)

// PlanStore implements ports.PlanStore.
type PlanStore struct {
	db *DB
}

// NewPlanStore creates a new plan store.
func NewPlanStore(db *DB) *PlanStore {
	return &PlanStore{db: db}
}

type allowanceJSON struct {
	Included     decimal.Decimal `json:"included"`
	PerUnitPrice decimal.Decimal `json:"per_unit_price"`
	Unit         string          `json:"unit,omitempty"`
}

// Get retrieves a plan by key.
func (s *PlanStore) Get(ctx context.Context, key string) (billing.Plan, error) {
	row := s.db.queryRow(ctx, `
		SELECT plan_key, name, price, currency, billing_interval, points_per_interval, usage
		FROM plans WHERE plan_key = ?
	`, key)
	return scanPlan(row)
}

// List returns all plans ordered by price.
func (s *PlanStore) List(ctx context.Context) ([]billing.Plan, error) {
	rows, err := s.db.query(ctx, `
		SELECT plan_key, name, price, currency, billing_interval, points_per_interval, usage
		FROM plans ORDER BY plan_key ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []billing.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// Upsert creates or replaces a plan.
func (s *PlanStore) Upsert(ctx context.Context, p billing.Plan) error {
	allowances := make(map[string]allowanceJSON, len(p.Usage))
	for typ, a := range p.Usage {
		allowances[typ] = allowanceJSON{Included: a.Included, PerUnitPrice: a.PerUnitPrice, Unit: a.Unit}
	}
	usageJSON, err := json.Marshal(allowances)
	if err != nil {
		return err
	}

	_, err = s.db.exec(ctx, `
		INSERT INTO plans (plan_key, name, price, currency, billing_interval, points_per_interval, usage, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (plan_key) DO UPDATE SET
			name = excluded.name,
			price = excluded.price,
			currency = excluded.currency,
			billing_interval = excluded.billing_interval,
			points_per_interval = excluded.points_per_interval,
			usage = excluded.usage,
			updated_at = excluded.updated_at
	`, p.Key, p.Name, p.Price, p.Currency, string(p.Interval), p.PointsPerInterval, string(usageJSON), time.Now().UTC())
	return err
}

func scanPlan(row scanner) (billing.Plan, error) {
	var p billing.Plan
	var interval, usageJSON string
	err := row.Scan(&p.Key, &p.Name, &p.Price, &p.Currency, &interval, &p.PointsPerInterval, &usageJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Plan{}, ports.ErrNotFound
	}
	if err != nil {
		return billing.Plan{}, err
	}
	p.Interval = billing.Interval(interval)

	var allowances map[string]allowanceJSON
	if err := json.Unmarshal([]byte(usageJSON), &allowances); err != nil {
		return billing.Plan{}, err
	}
	if len(allowances) > 0 {
		p.Usage = make(map[string]billing.Allowance, len(allowances))
		for typ, a := range allowances {
			p.Usage[typ] = billing.Allowance{Included: a.Included, PerUnitPrice: a.PerUnitPrice, Unit: a.Unit}
		}
	}
	return p, nil
}

// Ensure interface compliance.
var _ ports.PlanStore = (*PlanStore)(nil)

// Ledger implements ports.Ledger by appending credit rows.
type Ledger struct {
	db *DB
}

// NewLedger creates a new ledger.
func NewLedger(db *DB) *Ledger {
	return &Ledger{db: db}
}

// Credit appends a wallet credit.
func (l *Ledger) Credit(ctx context.Context, e ports.LedgerEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.exec(ctx, `
		INSERT INTO ledger_entries (id, user_id, amount, currency, reason, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.Amount, e.Currency, e.Reason, e.Reference, utc(e.CreatedAt))
	if isUniqueConstraintError(err) {
		return ports.ErrDuplicate
	}
	return err
}

// Balance returns the sum of credits for a user.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	rows, err := l.db.query(ctx, `SELECT amount FROM ledger_entries WHERE user_id = ?`, userID)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

// Ensure interface compliance.
var _ ports.Ledger = (*Ledger)(nil)
