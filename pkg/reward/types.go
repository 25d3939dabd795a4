package reward

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Sats is the integer reward currency unit.
type Sats int64

// Int64 returns the raw amount.
func (amount Sats) Int64() int64 {
	return int64(amount)
}

// DeviceID identifies the external device that watches advertisements.
type DeviceID struct {
	value string
}

// UserID identifies the internal user created for a device.
type UserID struct {
	value string
}

// SessionToken is the single-use capability issued before an ad plays.
type SessionToken struct {
	value string
}

// DayKey is a server-local calendar day used to bucket daily quotas.
type DayKey struct {
	value string
}

// Source records which trigger produced a credit attempt.
type Source string

const (
	SourceClient  Source = "client"
	SourceNetwork Source = "network"
)

// NewDeviceID validates and normalizes a device identifier.
func NewDeviceID(raw string) (DeviceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DeviceID{}, fmt.Errorf("%w: empty value", ErrInvalidDeviceID)
	}
	return DeviceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id DeviceID) String() string {
	return id.value
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewSessionToken validates and normalizes a session token.
func NewSessionToken(raw string) (SessionToken, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SessionToken{}, fmt.Errorf("%w: empty value", ErrInvalidSessionToken)
	}
	return SessionToken{value: trimmed}, nil
}

// String returns the normalized token.
func (token SessionToken) String() string {
	return token.value
}

// ParseSource validates a provenance tag.
func ParseSource(raw string) (Source, error) {
	switch Source(raw) {
	case SourceClient, SourceNetwork:
		return Source(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSource, raw)
}

// String returns the provenance tag.
func (source Source) String() string {
	return string(source)
}

// NewDayKey validates a calendar-day string.
func NewDayKey(raw string) (DayKey, error) {
	trimmed := strings.TrimSpace(raw)
	if _, err := time.ParseInLocation(dayKeyLayout, trimmed, time.Local); err != nil {
		return DayKey{}, fmt.Errorf("%w: %q", ErrInvalidDayKey, raw)
	}
	return DayKey{value: trimmed}, nil
}

// String returns the day key in YYYY-MM-DD form.
func (day DayKey) String() string {
	return day.value
}

// NewSats validates a non-negative amount.
func NewSats(raw int64) (Sats, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidSats)
	}
	return Sats(raw), nil
}

// AdSession is the stored single-use capability record.
type AdSession struct {
	Token          SessionToken
	DeviceID       DeviceID
	CreatedUnixUTC int64
	Consumed       bool
}

// Reward is a single immutable grant attributed to a user and a day.
// SessionToken doubles as the idempotency anchor: the store enforces
// uniqueness so one session can never yield two rewards.
type Reward struct {
	RewardID       string
	UserID         UserID
	AmountSats     Sats
	Day            DayKey
	SessionToken   SessionToken
	Source         Source
	MetadataJSON   string
	CreatedUnixUTC int64
}

// RewardTotals aggregates reward count and sats over some scope.
type RewardTotals struct {
	Rewards int64
	Sats    Sats
}

// IssuedSession is returned to the client before the ad plays.
type IssuedSession struct {
	Token      SessionToken
	TTLSeconds int64
}

// CreditResult reports the outcome of a credit attempt.
type CreditResult struct {
	GrantedSats Sats
	Duplicate   bool
	Day         DayKey
	Source      Source
}

// BalanceView is the per-device read model.
type BalanceView struct {
	Sats            Sats
	TodayRewards    int64
	DailyCap        int64
	SatsPerReward   Sats
	MinWithdrawSats Sats
}

// StatsView is the admin-facing aggregate read model.
type StatsView struct {
	Day             DayKey
	UsersTotal      int64
	RewardsToday    int64
	SatsIssuedToday Sats
	RewardsTotal    int64
	SatsIssuedTotal Sats
}

// Store is the persistence contract used by Service.
// (gormstore and pgstore implement this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateUserID(ctx context.Context, deviceID DeviceID) (UserID, error)
	CreateSession(ctx context.Context, session AdSession) error
	GetSessionForUpdate(ctx context.Context, token SessionToken) (AdSession, error)
	MarkSessionConsumed(ctx context.Context, token SessionToken) error
	InsertReward(ctx context.Context, rewardInput Reward) error
	CountRewardsForDay(ctx context.Context, userID UserID, day DayKey) (int64, error)
	SumRewardSats(ctx context.Context, userID UserID) (Sats, error)
	DeleteStaleSessions(ctx context.Context, createdBeforeUnixUTC int64) (int64, error)
	CountUsers(ctx context.Context) (int64, error)
	RewardTotals(ctx context.Context) (RewardTotals, error)
	RewardTotalsForDay(ctx context.Context, day DayKey) (RewardTotals, error)
}
