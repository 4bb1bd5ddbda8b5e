// Package redis provides a Redis implementation of the minutequota.Storage interface.
// Commits run as a single Lua script so the version check and every write
// happen atomically on the server.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

// Storage implements minutequota.Storage using Redis.
//
// A commit touches keys of one account plus global reservation and event
// keys, so it must run against a single node (or a proxy that routes the
// script as a whole).
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

var _ minutequota.Storage = (*Storage)(nil)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "minutequota:")
	KeyPrefix string

	// EventTTL is how long applied event keys are remembered (0 = forever).
	// It must outlast the billing provider's redelivery window.
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "minutequota:",
		EventTTL:  30 * 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "minutequota:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

func (s *Storage) loadScripts() {
	s.scripts["create"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 'exists'
		end
		redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
		return 'ok'
	`)

	// KEYS: account, event, reservation, job, pending, usage
	// ARGV: expected version, new version, account data, event ttl,
	//       reservation id, reservation data, pending flag, reservation score,
	//       usage data, usage score
	s.scripts["commit"] = redis.NewScript(`
		local current = redis.call('HGET', KEYS[1], 'version')
		if not current then
			return 'not_found'
		end
		if tonumber(current) ~= tonumber(ARGV[1]) then
			return 'conflict'
		end

		local hasEvent = KEYS[2] ~= KEYS[1]
		if hasEvent and redis.call('EXISTS', KEYS[2]) == 1 then
			return 'duplicate'
		end

		redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3])

		if hasEvent then
			local ttl = tonumber(ARGV[4])
			if ttl > 0 then
				redis.call('SET', KEYS[2], '1', 'EX', ttl)
			else
				redis.call('SET', KEYS[2], '1')
			end
		end

		if ARGV[5] ~= '' then
			redis.call('SET', KEYS[3], ARGV[6])
			redis.call('SET', KEYS[4], ARGV[5])
			if ARGV[7] == '1' then
				redis.call('ZADD', KEYS[5], ARGV[8], ARGV[5])
			else
				redis.call('ZREM', KEYS[5], ARGV[5])
			end
		end

		if ARGV[9] ~= '' then
			redis.call('ZADD', KEYS[6], ARGV[10], ARGV[9])
		end

		return 'ok'
	`)
}

// GetAccount implements minutequota.Storage
func (s *Storage) GetAccount(ctx context.Context, userID string) (*minutequota.Account, error) {
	data, err := s.client.HGet(ctx, s.accountKey(userID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, minutequota.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	var acct minutequota.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &acct, nil
}

// CreateAccount implements minutequota.Storage
func (s *Storage) CreateAccount(ctx context.Context, acct *minutequota.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	status, err := s.scripts["create"].Run(ctx, s.client,
		[]string{s.accountKey(acct.UserID)}, acct.Version, string(data)).Text()
	if err != nil {
		return fmt.Errorf("failed to execute create script: %w", err)
	}
	if status == "exists" {
		return minutequota.ErrAccountExists
	}
	return nil
}

// GetReservation implements minutequota.Storage
func (s *Storage) GetReservation(ctx context.Context, reservationID string) (*minutequota.Reservation, error) {
	data, err := s.client.Get(ctx, s.reservationKey(reservationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, minutequota.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return decodeReservation(data)
}

// FindReservation implements minutequota.Storage
func (s *Storage) FindReservation(ctx context.Context, userID, jobID string) (*minutequota.Reservation, error) {
	id, err := s.client.Get(ctx, s.jobKey(userID, jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, minutequota.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find reservation: %w", err)
	}
	return s.GetReservation(ctx, id)
}

// Commit implements minutequota.Storage
func (s *Storage) Commit(ctx context.Context, m *minutequota.Mutation) error {
	if m == nil || m.Account == nil {
		return fmt.Errorf("invalid mutation")
	}
	userID := m.Account.UserID

	accountData, err := json.Marshal(m.Account)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	// An unused event key slot points at the account key; the script
	// treats that as "no event".
	eventKey := s.accountKey(userID)
	if m.EventKey != "" {
		eventKey = s.eventKey(m.EventKey)
	}

	// Unused reservation slots still need valid keys for the script.
	resKey, jobKey := s.reservationKey(""), s.jobKey(userID, "")
	var (
		resID, resData, usageData string
		resScore, usageScore      float64
	)
	pending := "0"
	if res := m.Reservation; res != nil {
		b, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("failed to marshal reservation: %w", err)
		}
		resKey, jobKey = s.reservationKey(res.ID), s.jobKey(res.UserID, res.JobID)
		resID, resData = res.ID, string(b)
		if res.Pending() {
			pending = "1"
		}
		resScore = score(res.CreatedAt)
	}
	if rec := m.Usage; rec != nil {
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal usage record: %w", err)
		}
		usageData = string(b)
		usageScore = score(rec.Timestamp)
	}

	status, err := s.scripts["commit"].Run(ctx, s.client,
		[]string{
			s.accountKey(userID), eventKey, resKey, jobKey,
			s.pendingKey(), s.usageKey(userID),
		},
		m.ExpectedVersion, m.Account.Version, string(accountData),
		int64(s.config.EventTTL.Seconds()),
		resID, resData, pending, resScore,
		usageData, usageScore,
	).Text()
	if err != nil {
		return fmt.Errorf("failed to execute commit script: %w", err)
	}

	switch status {
	case "ok":
		return nil
	case "not_found":
		return minutequota.ErrAccountNotFound
	case "conflict":
		return minutequota.ErrVersionConflict
	case "duplicate":
		return minutequota.ErrEventAlreadyApplied
	default:
		return fmt.Errorf("unexpected commit status %q", status)
	}
}

// ListUsage implements minutequota.Storage
func (s *Storage) ListUsage(ctx context.Context, filter minutequota.UsageFilter) ([]*minutequota.UsageRecord, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !filter.From.IsZero() {
		rng.Min = formatScore(score(filter.From))
	}
	if !filter.To.IsZero() {
		rng.Max = "(" + formatScore(score(filter.To))
	}
	if filter.Limit > 0 {
		rng.Count = int64(filter.Limit)
	}

	members, err := s.client.ZRangeByScore(ctx, s.usageKey(filter.UserID), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}

	out := make([]*minutequota.UsageRecord, 0, len(members))
	for _, member := range members {
		var rec minutequota.UsageRecord
		if err := json.Unmarshal([]byte(member), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal usage record: %w", err)
		}
		if filter.Matches(&rec) {
			out = append(out, &rec)
		}
	}
	return out, nil
}

// ListPendingReservations implements minutequota.Storage
func (s *Storage) ListPendingReservations(
	ctx context.Context, before time.Time, limit int,
) ([]*minutequota.Reservation, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "(" + formatScore(score(before))}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.pendingKey(), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reservations: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.reservationKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load pending reservations: %w", err)
	}

	out := make([]*minutequota.Reservation, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		res, err := decodeReservation([]byte(str))
		if err != nil {
			return nil, err
		}
		if res.Pending() {
			out = append(out, res)
		}
	}
	return out, nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeReservation(data []byte) (*minutequota.Reservation, error) {
	var res minutequota.Reservation
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reservation: %w", err)
	}
	return &res, nil
}

// score orders sorted set members by time with microsecond precision, which
// a float64 holds exactly for current dates.
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (s *Storage) accountKey(userID string) string {
	return fmt.Sprintf("%saccount:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) reservationKey(id string) string {
	return fmt.Sprintf("%sreservation:%s", s.config.KeyPrefix, id)
}

func (s *Storage) jobKey(userID, jobID string) string {
	return fmt.Sprintf("%sjob:%s:%s", s.config.KeyPrefix, userID, jobID)
}

func (s *Storage) pendingKey() string {
	return s.config.KeyPrefix + "pending"
}

func (s *Storage) usageKey(userID string) string {
	return fmt.Sprintf("%susage:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) eventKey(key string) string {
	return fmt.Sprintf("%sevent:%s", s.config.KeyPrefix, key)
}
