package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/adrewards/pkg/reward"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintRewardSessionToken = "uniq_rewards_session"
	constraintSessionPrimary     = "ad_sessions_pkey"
	defaultMetadataJSON          = "{}"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorOperationStore          = "store"
	errorSubjectUser             = "user"
	errorSubjectSession          = "session"
	errorSubjectReward           = "reward"
	errorSubjectStats            = "stats"
	errorCodeCreate              = "create"
	errorCodeCount               = "count"
	errorCodeDelete              = "delete"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeLookup              = "lookup"
	errorCodeSum                 = "sum"
	errorCodeUpdate              = "update"
)

// Store implements reward.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore reward.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateUserID(ctx context.Context, deviceID reward.DeviceID) (reward.UserID, error) {
	var user User
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "device_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"device_id": clause.Expr{SQL: "excluded.device_id"},
			}),
		}).
		FirstOrCreate(&user, User{DeviceID: deviceID.String()}).Error
	if err != nil {
		return reward.UserID{}, wrapStoreError(errorSubjectUser, errorCodeLookup, err)
	}
	userID, err := reward.NewUserID(user.UserID)
	if err != nil {
		return reward.UserID{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	return userID, nil
}

func (store *Store) CreateSession(ctx context.Context, session reward.AdSession) error {
	model := AdSession{
		Token:     session.Token.String(),
		DeviceID:  session.DeviceID.String(),
		CreatedAt: time.Unix(session.CreatedUnixUTC, 0).UTC(),
		Consumed:  session.Consumed,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isSessionConflict(err) {
		return wrapStoreError(errorSubjectSession, errorCodeDuplicate, reward.ErrSessionExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetSessionForUpdate(ctx context.Context, token reward.SessionToken) (reward.AdSession, error) {
	var model AdSession
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("token = ?", token.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return reward.AdSession{}, wrapStoreError(errorSubjectSession, errorCodeGet, reward.ErrUnknownSession)
		}
		return reward.AdSession{}, wrapStoreError(errorSubjectSession, errorCodeGet, err)
	}
	return mapAdSession(model)
}

func (store *Store) MarkSessionConsumed(ctx context.Context, token reward.SessionToken) error {
	// Setting consumed twice is a no-op; the flag only ever moves false to true.
	err := store.db.WithContext(ctx).
		Model(&AdSession{}).
		Where("token = ?", token.String()).
		Update("consumed", true).Error
	if err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) InsertReward(ctx context.Context, rewardInput reward.Reward) error {
	entry := RewardEntry{
		RewardID:     rewardInput.RewardID,
		UserID:       rewardInput.UserID.String(),
		AmountSats:   rewardInput.AmountSats.Int64(),
		Day:          rewardInput.Day.String(),
		SessionToken: rewardInput.SessionToken.String(),
		Source:       rewardInput.Source.String(),
		Metadata:     datatypesJSON(rewardInput.MetadataJSON),
		CreatedAt:    time.Unix(rewardInput.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if isRewardConflict(err) {
		return wrapStoreError(errorSubjectReward, errorCodeDuplicate, reward.ErrDuplicateReward)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReward, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) CountRewardsForDay(ctx context.Context, userID reward.UserID, day reward.DayKey) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&RewardEntry{}).
		Where("user_id = ? AND day = ?", userID.String(), day.String()).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectReward, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) SumRewardSats(ctx context.Context, userID reward.UserID) (reward.Sats, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&RewardEntry{}).
		Select("coalesce(sum(amount_sats),0) as total").
		Where("user_id = ?", userID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectReward, errorCodeSum, err)
	}
	total, err := reward.NewSats(sum.Total)
	if err != nil {
		return 0, wrapStoreError(errorSubjectReward, errorCodeInvalid, err)
	}
	return total, nil
}

func (store *Store) DeleteStaleSessions(ctx context.Context, createdBeforeUnixUTC int64) (int64, error) {
	cutoff := time.Unix(createdBeforeUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Where("consumed = ? AND created_at < ?", false, cutoff).
		Delete(&AdSession{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectSession, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&User{}).Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectUser, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) RewardTotals(ctx context.Context) (reward.RewardTotals, error) {
	var totals sqlTotals
	err := store.db.WithContext(ctx).
		Model(&RewardEntry{}).
		Select("count(*) as rewards, coalesce(sum(amount_sats),0) as sats").
		Scan(&totals).Error
	if err != nil {
		return reward.RewardTotals{}, wrapStoreError(errorSubjectStats, errorCodeSum, err)
	}
	return mapTotals(totals)
}

func (store *Store) RewardTotalsForDay(ctx context.Context, day reward.DayKey) (reward.RewardTotals, error) {
	var totals sqlTotals
	err := store.db.WithContext(ctx).
		Model(&RewardEntry{}).
		Select("count(*) as rewards, coalesce(sum(amount_sats),0) as sats").
		Where("day = ?", day.String()).
		Scan(&totals).Error
	if err != nil {
		return reward.RewardTotals{}, wrapStoreError(errorSubjectStats, errorCodeSum, err)
	}
	return mapTotals(totals)
}

func wrapStoreError(subject string, code string, err error) error {
	return reward.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

type sqlTotals struct {
	Rewards int64
	Sats    int64
}

func mapTotals(totals sqlTotals) (reward.RewardTotals, error) {
	sats, err := reward.NewSats(totals.Sats)
	if err != nil {
		return reward.RewardTotals{}, wrapStoreError(errorSubjectStats, errorCodeInvalid, err)
	}
	return reward.RewardTotals{Rewards: totals.Rewards, Sats: sats}, nil
}

func mapAdSession(model AdSession) (reward.AdSession, error) {
	token, err := reward.NewSessionToken(model.Token)
	if err != nil {
		return reward.AdSession{}, wrapStoreError(errorSubjectSession, errorCodeInvalid, err)
	}
	deviceID, err := reward.NewDeviceID(model.DeviceID)
	if err != nil {
		return reward.AdSession{}, wrapStoreError(errorSubjectSession, errorCodeInvalid, err)
	}
	return reward.AdSession{
		Token:          token,
		DeviceID:       deviceID,
		CreatedUnixUTC: model.CreatedAt.Unix(),
		Consumed:       model.Consumed,
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isRewardConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintRewardSessionToken
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isSessionConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintSessionPrimary
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
