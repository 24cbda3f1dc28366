package bootstrap

import (
	"fmt"

	"github.com/artpar/billingd/adapters/memory"
	"github.com/artpar/billingd/adapters/sqlstore"
	"github.com/artpar/billingd/config"
	"github.com/artpar/billingd/ports"
)

// Stores groups the storage ports the services need.
type Stores struct {
	Subscriptions ports.SubscriptionStore
	Invoices      ports.InvoiceStore
	Retries       ports.RetryStore
	Attempts      ports.AttemptStore
	Dunning       ports.DunningStore
	Usage         ports.UsageStore
	History       ports.HistoryStore
	Warnings      ports.ExpiryWarningStore
	Users         ports.UserStore
	Plans         ports.PlanStore
	Ledger        ports.Ledger

	// DB is nil for the memory driver.
	DB *sqlstore.DB
}

// openStores opens the configured database and runs migrations.
func openStores(cfg config.DatabaseConfig) (*Stores, error) {
	if cfg.Driver == "memory" {
		return &Stores{
			Subscriptions: memory.NewSubscriptionStore(),
			Invoices:      memory.NewInvoiceStore(),
			Retries:       memory.NewRetryStore(),
			Attempts:      memory.NewAttemptStore(),
			Dunning:       memory.NewDunningStore(),
			Usage:         memory.NewUsageStore(),
			History:       memory.NewHistoryStore(),
			Warnings:      memory.NewExpiryWarningStore(),
			Users:         memory.NewUserStore(),
			Plans:         memory.NewPlanStore(),
			Ledger:        memory.NewLedger(),
		}, nil
	}

	db, err := sqlstore.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Stores{
		Subscriptions: sqlstore.NewSubscriptionStore(db),
		Invoices:      sqlstore.NewInvoiceStore(db),
		Retries:       sqlstore.NewRetryStore(db),
		Attempts:      sqlstore.NewAttemptStore(db),
		Dunning:       sqlstore.NewDunningStore(db),
		Usage:         sqlstore.NewUsageStore(db),
		History:       sqlstore.NewHistoryStore(db),
		Warnings:      sqlstore.NewExpiryWarningStore(db),
		Users:         sqlstore.NewUserStore(db),
		Plans:         sqlstore.NewPlanStore(db),
		Ledger:        sqlstore.NewLedger(db),
		DB:            db,
	}, nil
}

// Migrate opens the configured database, applies pending migrations and
// closes it again.
func Migrate(cfg config.DatabaseConfig) error {
	if cfg.Driver == "memory" {
		return nil
	}
	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	return stores.DB.Close()
}
