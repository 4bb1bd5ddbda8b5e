// Package gormstore provides a GORM implementation of the minutequota.Storage
// interface. It runs on any dialect GORM supports; SQLite and Postgres are
// exercised.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

// Storage implements minutequota.Storage on top of a GORM connection.
type Storage struct {
	db *gorm.DB
}

var _ minutequota.Storage = (*Storage)(nil)

// New wraps an open GORM connection. Call Migrate before first use.
func New(db *gorm.DB) (*Storage, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db is required")
	}
	return &Storage{db: db}, nil
}

// Open opens a connection for dialect "sqlite" or "postgres" with GORM's
// own logging silenced.
func Open(dialect, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	var dialector gorm.Dialector
	switch dialect {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: true})
	default:
		return nil, fmt.Errorf("unsupported gorm dialect %q", dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening db connection: %w", err)
	}
	if dialect == "sqlite" {
		// SQLite has a single writer.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("getting sql db handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Migrate creates or updates the ledger tables.
func (s *Storage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&accountModel{}, &reservationModel{}, &usageModel{}, &appliedEventModel{},
	)
}

// GetAccount implements minutequota.Storage
func (s *Storage) GetAccount(ctx context.Context, userID string) (*minutequota.Account, error) {
	var m accountModel
	err := s.db.WithContext(ctx).First(&m, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, minutequota.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return m.toAccount(), nil
}

// CreateAccount implements minutequota.Storage
func (s *Storage) CreateAccount(ctx context.Context, acct *minutequota.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(fromAccount(acct))
	if res.Error != nil {
		return fmt.Errorf("failed to create account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return minutequota.ErrAccountExists
	}
	return nil
}

// GetReservation implements minutequota.Storage
func (s *Storage) GetReservation(ctx context.Context, reservationID string) (*minutequota.Reservation, error) {
	return s.findReservation(ctx, "id = ?", reservationID)
}

// FindReservation implements minutequota.Storage
func (s *Storage) FindReservation(ctx context.Context, userID, jobID string) (*minutequota.Reservation, error) {
	return s.findReservation(ctx, "user_id = ? AND job_id = ?", userID, jobID)
}

func (s *Storage) findReservation(ctx context.Context, query string, args ...any) (*minutequota.Reservation, error) {
	var m reservationModel
	err := s.db.WithContext(ctx).Where(query, args...).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, minutequota.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return m.toReservation(), nil
}

// Commit implements minutequota.Storage
func (s *Storage) Commit(ctx context.Context, mut *minutequota.Mutation) error {
	if mut == nil || mut.Account == nil {
		return fmt.Errorf("invalid mutation")
	}
	acct := fromAccount(mut.Account)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&accountModel{}).
			Where("user_id = ? AND version = ?", acct.UserID, mut.ExpectedVersion).
			UpdateColumns(map[string]any{
				"plan_id":          acct.PlanID,
				"status":           acct.Status,
				"allowed_modes":    acct.AllowedModes,
				"included_minutes": acct.IncludedMinutes,
				"minutes_used":     acct.MinutesUsed,
				"minutes_reserved": acct.MinutesReserved,
				"credit_balance":   acct.CreditBalance,
				"credit_shortfall": acct.CreditShortfall,
				"cycle_start":      acct.CycleStart,
				"cycle_end":        acct.CycleEnd,
				"trial_used":       acct.TrialUsed,
				"last_event_at":    acct.LastEventAt,
				"version":          acct.Version,
				"updated_at":       acct.UpdatedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update account: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&accountModel{}).Where("user_id = ?", acct.UserID).Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check account: %w", err)
			}
			if count == 0 {
				return minutequota.ErrAccountNotFound
			}
			return minutequota.ErrVersionConflict
		}

		if mut.EventKey != "" {
			ev := &appliedEventModel{Key: mut.EventKey, UserID: acct.UserID, AppliedAt: time.Now().UTC()}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(ev)
			if res.Error != nil {
				return fmt.Errorf("failed to record event: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return minutequota.ErrEventAlreadyApplied
			}
		}

		if mut.Reservation != nil {
			err := tx.Clauses(clause.OnConflict{UpdateAll: true}).
				Create(fromReservation(mut.Reservation)).Error
			if err != nil {
				return fmt.Errorf("failed to save reservation: %w", err)
			}
		}

		if mut.Usage != nil {
			if err := tx.Create(fromUsage(mut.Usage)).Error; err != nil {
				return fmt.Errorf("failed to append usage record: %w", err)
			}
		}
		return nil
	})
}

// ListUsage implements minutequota.Storage
func (s *Storage) ListUsage(ctx context.Context, filter minutequota.UsageFilter) ([]*minutequota.UsageRecord, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", filter.UserID)
	if !filter.From.IsZero() {
		q = q.Where("recorded_at >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		q = q.Where("recorded_at < ?", filter.To.UTC())
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []usageModel
	if err := q.Order("recorded_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	out := make([]*minutequota.UsageRecord, len(rows))
	for i := range rows {
		out[i] = rows[i].toUsage()
	}
	return out, nil
}

// ListPendingReservations implements minutequota.Storage
func (s *Storage) ListPendingReservations(
	ctx context.Context, before time.Time, limit int,
) ([]*minutequota.Reservation, error) {
	q := s.db.WithContext(ctx).
		Where("state = ? AND created_at < ?", string(minutequota.ReservationPending), before.UTC()).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []reservationModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending reservations: %w", err)
	}
	out := make([]*minutequota.Reservation, len(rows))
	for i := range rows {
		out[i] = rows[i].toReservation()
	}
	return out, nil
}

// Ping verifies the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close shuts down the pooled connections.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
