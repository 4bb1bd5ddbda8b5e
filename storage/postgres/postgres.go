// Package postgres provides a PostgreSQL implementation of the minutequota.Storage interface.
// Commits are single transactions whose account update is guarded by the
// stored version, so a lost race changes no rows.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Storage implements minutequota.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

var _ minutequota.Storage = (*Storage)(nil)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Migrate applies the embedded goose migrations.
func (s *Storage) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const accountColumns = `user_id, plan_id, status, allowed_modes, included_minutes, minutes_used,
	minutes_reserved, credit_balance, credit_shortfall, cycle_start, cycle_end, trial_used,
	last_event_at, version, created_at, updated_at`

const reservationColumns = `id, user_id, job_id, mode, estimated_minutes, subscription_minutes,
	credit_minutes, credits_charged, credit_rate, state, actual_minutes, created_at, finalized_at`

const usageColumns = `id, user_id, job_id, reservation_id, mode, minutes_used, credits_used,
	credit_shortfall, source, recorded_at, cycle_start, cycle_end`

// GetAccount implements minutequota.Storage
func (s *Storage) GetAccount(ctx context.Context, userID string) (*minutequota.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM minutequota_accounts WHERE user_id = $1`, userID)

	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, minutequota.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// CreateAccount implements minutequota.Storage
func (s *Storage) CreateAccount(ctx context.Context, acct *minutequota.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO minutequota_accounts (`+accountColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (user_id) DO NOTHING`,
		acct.UserID, string(acct.PlanID), string(acct.Status), modeStrings(acct.AllowedModes),
		acct.IncludedMinutes, acct.MinutesUsed, acct.MinutesReserved,
		acct.CreditBalance, acct.CreditShortfall,
		acct.CycleStart.UTC(), acct.CycleEnd.UTC(), acct.TrialUsed,
		acct.LastEventAt.UTC(), acct.Version, acct.CreatedAt.UTC(), acct.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return minutequota.ErrAccountExists
	}
	return nil
}

// GetReservation implements minutequota.Storage
func (s *Storage) GetReservation(ctx context.Context, reservationID string) (*minutequota.Reservation, error) {
	return s.queryReservation(ctx,
		`SELECT `+reservationColumns+` FROM minutequota_reservations WHERE id = $1`, reservationID)
}

// FindReservation implements minutequota.Storage
func (s *Storage) FindReservation(ctx context.Context, userID, jobID string) (*minutequota.Reservation, error) {
	return s.queryReservation(ctx,
		`SELECT `+reservationColumns+` FROM minutequota_reservations WHERE user_id = $1 AND job_id = $2`,
		userID, jobID)
}

func (s *Storage) queryReservation(ctx context.Context, query string, args ...any) (*minutequota.Reservation, error) {
	res, err := scanReservation(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, minutequota.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return res, nil
}

// Commit implements minutequota.Storage
func (s *Storage) Commit(ctx context.Context, m *minutequota.Mutation) error {
	if m == nil || m.Account == nil {
		return fmt.Errorf("invalid mutation")
	}
	acct := m.Account

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE minutequota_accounts SET
			plan_id = $3, status = $4, allowed_modes = $5, included_minutes = $6,
			minutes_used = $7, minutes_reserved = $8, credit_balance = $9, credit_shortfall = $10,
			cycle_start = $11, cycle_end = $12, trial_used = $13, last_event_at = $14,
			version = $15, updated_at = $16
		WHERE user_id = $1 AND version = $2`,
		acct.UserID, m.ExpectedVersion,
		string(acct.PlanID), string(acct.Status), modeStrings(acct.AllowedModes), acct.IncludedMinutes,
		acct.MinutesUsed, acct.MinutesReserved, acct.CreditBalance, acct.CreditShortfall,
		acct.CycleStart.UTC(), acct.CycleEnd.UTC(), acct.TrialUsed, acct.LastEventAt.UTC(),
		acct.Version, acct.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM minutequota_accounts WHERE user_id = $1)`, acct.UserID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check account: %w", err)
		}
		if !exists {
			return minutequota.ErrAccountNotFound
		}
		return minutequota.ErrVersionConflict
	}

	if m.EventKey != "" {
		tag, err := tx.Exec(ctx,
			`INSERT INTO minutequota_applied_events (event_key, user_id) VALUES ($1, $2)
				ON CONFLICT (event_key) DO NOTHING`,
			m.EventKey, acct.UserID)
		if err != nil {
			return fmt.Errorf("failed to record event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return minutequota.ErrEventAlreadyApplied
		}
	}

	if res := m.Reservation; res != nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO minutequota_reservations (`+reservationColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
				ON CONFLICT (id) DO UPDATE SET
					state = EXCLUDED.state,
					actual_minutes = EXCLUDED.actual_minutes,
					finalized_at = EXCLUDED.finalized_at`,
			res.ID, res.UserID, res.JobID, string(res.Mode), res.EstimatedMinutes,
			res.SubscriptionMinutes, res.CreditMinutes, res.CreditsCharged, res.CreditRate,
			string(res.State), res.ActualMinutes, res.CreatedAt.UTC(), res.FinalizedAt)
		if err != nil {
			return fmt.Errorf("failed to save reservation: %w", err)
		}
	}

	if rec := m.Usage; rec != nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO minutequota_usage_records (`+usageColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			rec.ID, rec.UserID, rec.JobID, rec.ReservationID, string(rec.Mode),
			rec.MinutesUsed, rec.CreditsUsed, rec.CreditShortfall, string(rec.Source),
			rec.Timestamp.UTC(), rec.CycleStart.UTC(), rec.CycleEnd.UTC())
		if err != nil {
			return fmt.Errorf("failed to append usage record: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListUsage implements minutequota.Storage
func (s *Storage) ListUsage(ctx context.Context, filter minutequota.UsageFilter) ([]*minutequota.UsageRecord, error) {
	query := `SELECT ` + usageColumns + ` FROM minutequota_usage_records WHERE user_id = $1`
	args := []any{filter.UserID}
	if !filter.From.IsZero() {
		args = append(args, filter.From.UTC())
		query += fmt.Sprintf(" AND recorded_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To.UTC())
		query += fmt.Sprintf(" AND recorded_at < $%d", len(args))
	}
	query += " ORDER BY recorded_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*minutequota.UsageRecord, error) {
		return scanUsage(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan usage: %w", err)
	}
	return records, nil
}

// ListPendingReservations implements minutequota.Storage
func (s *Storage) ListPendingReservations(
	ctx context.Context, before time.Time, limit int,
) ([]*minutequota.Reservation, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+reservationColumns+` FROM minutequota_reservations
			WHERE state = 'pending' AND created_at < $1
			ORDER BY created_at LIMIT $2`,
		before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reservations: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*minutequota.Reservation, error) {
		return scanReservation(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan reservations: %w", err)
	}
	return out, nil
}

func scanAccount(row pgx.Row) (*minutequota.Account, error) {
	var (
		a            minutequota.Account
		plan, status string
		modes        []string
	)
	err := row.Scan(&a.UserID, &plan, &status, &modes, &a.IncludedMinutes, &a.MinutesUsed,
		&a.MinutesReserved, &a.CreditBalance, &a.CreditShortfall, &a.CycleStart, &a.CycleEnd,
		&a.TrialUsed, &a.LastEventAt, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.PlanID = minutequota.PlanID(plan)
	a.Status = minutequota.SubscriptionStatus(status)
	for _, m := range modes {
		a.AllowedModes = append(a.AllowedModes, minutequota.Mode(m))
	}
	a.CycleStart, a.CycleEnd = a.CycleStart.UTC(), a.CycleEnd.UTC()
	a.LastEventAt = a.LastEventAt.UTC()
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	return &a, nil
}

func scanReservation(row pgx.Row) (*minutequota.Reservation, error) {
	var (
		r           minutequota.Reservation
		mode, state string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.JobID, &mode, &r.EstimatedMinutes, &r.SubscriptionMinutes,
		&r.CreditMinutes, &r.CreditsCharged, &r.CreditRate, &state, &r.ActualMinutes,
		&r.CreatedAt, &r.FinalizedAt)
	if err != nil {
		return nil, err
	}
	r.Mode = minutequota.Mode(mode)
	r.State = minutequota.ReservationState(state)
	r.CreatedAt = r.CreatedAt.UTC()
	if r.FinalizedAt != nil {
		t := r.FinalizedAt.UTC()
		r.FinalizedAt = &t
	}
	return &r, nil
}

func scanUsage(row pgx.Row) (*minutequota.UsageRecord, error) {
	var (
		u            minutequota.UsageRecord
		mode, source string
	)
	err := row.Scan(&u.ID, &u.UserID, &u.JobID, &u.ReservationID, &mode, &u.MinutesUsed,
		&u.CreditsUsed, &u.CreditShortfall, &source, &u.Timestamp, &u.CycleStart, &u.CycleEnd)
	if err != nil {
		return nil, err
	}
	u.Mode = minutequota.Mode(mode)
	u.Source = minutequota.FundingSource(source)
	u.Timestamp = u.Timestamp.UTC()
	u.CycleStart, u.CycleEnd = u.CycleStart.UTC(), u.CycleEnd.UTC()
	return &u, nil
}

func modeStrings(modes []minutequota.Mode) []string {
	out := make([]string, len(modes))
	for i, m := range modes {
		out[i] = string(m)
	}
	return out
}
