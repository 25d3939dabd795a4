package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/adrewards/pkg/reward"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintRewardSessionToken = "rewards_session_token_key"
	constraintSessionPrimary     = "ad_sessions_pkey"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectUser             = "user"
	errorSubjectSession          = "session"
	errorSubjectReward           = "reward"
	errorSubjectStats            = "stats"
	errorSubjectTransaction      = "transaction"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeCount               = "count"
	errorCodeCreate              = "create"
	errorCodeDelete              = "delete"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeLookup              = "lookup"
	errorCodeSum                 = "sum"
	errorCodeUpdate              = "update"

	sqlInsertOrGetUser = `
		insert into users(device_id) values($1)
		on conflict (device_id) do update set device_id = excluded.device_id
		returning user_id::text
	`

	sqlInsertSession = `
		insert into ad_sessions(token, device_id, created_at, consumed)
		values($1, $2, to_timestamp($3), false)
	`

	sqlSelectSessionForUpdate = `
		select token, device_id, extract(epoch from created_at)::bigint, consumed
		from ad_sessions
		where token = $1
		for update
	`

	sqlMarkSessionConsumed = `
		update ad_sessions set consumed = true where token = $1
	`

	sqlInsertReward = `
		insert into rewards(
			reward_id, user_id, amount_sats, day, session_token, source, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5,
			coalesce(nullif($6,''),'{}')::jsonb,
			to_timestamp($7)
		)
	`

	sqlCountRewardsForDay = `
		select count(*) from rewards where user_id = $1 and day = $2
	`

	sqlSumRewardSats = `
		select coalesce(sum(amount_sats),0) from rewards where user_id = $1
	`

	sqlDeleteStaleSessions = `
		delete from ad_sessions
		where consumed = false and created_at < to_timestamp($1)
	`

	sqlCountUsers = `
		select count(*) from users
	`

	sqlRewardTotals = `
		select count(*), coalesce(sum(amount_sats),0) from rewards
	`

	sqlRewardTotalsForDay = `
		select count(*), coalesce(sum(amount_sats),0) from rewards where day = $1
	`
)

// Store implements reward.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements reward.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore reward.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateUserID(ctx context.Context, deviceID reward.DeviceID) (reward.UserID, error) {
	return getOrCreateUserID(ctx, store.pool, deviceID)
}

func (store *Store) CreateSession(ctx context.Context, session reward.AdSession) error {
	return createSession(ctx, store.pool, session)
}

func (store *Store) GetSessionForUpdate(ctx context.Context, token reward.SessionToken) (reward.AdSession, error) {
	return getSessionForUpdate(ctx, store.pool, token)
}

func (store *Store) MarkSessionConsumed(ctx context.Context, token reward.SessionToken) error {
	return markSessionConsumed(ctx, store.pool, token)
}

func (store *Store) InsertReward(ctx context.Context, rewardInput reward.Reward) error {
	return insertReward(ctx, store.pool, rewardInput)
}

func (store *Store) CountRewardsForDay(ctx context.Context, userID reward.UserID, day reward.DayKey) (int64, error) {
	return countRewardsForDay(ctx, store.pool, userID, day)
}

func (store *Store) SumRewardSats(ctx context.Context, userID reward.UserID) (reward.Sats, error) {
	return sumRewardSats(ctx, store.pool, userID)
}

func (store *Store) DeleteStaleSessions(ctx context.Context, createdBeforeUnixUTC int64) (int64, error) {
	return deleteStaleSessions(ctx, store.pool, createdBeforeUnixUTC)
}

func (store *Store) CountUsers(ctx context.Context) (int64, error) {
	return countScalar(ctx, store.pool, sqlCountUsers, errorSubjectUser)
}

func (store *Store) RewardTotals(ctx context.Context) (reward.RewardTotals, error) {
	return rewardTotals(ctx, store.pool, sqlRewardTotals)
}

func (store *Store) RewardTotalsForDay(ctx context.Context, day reward.DayKey) (reward.RewardTotals, error) {
	return rewardTotals(ctx, store.pool, sqlRewardTotalsForDay, day.String())
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore reward.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetOrCreateUserID(ctx context.Context, deviceID reward.DeviceID) (reward.UserID, error) {
	return getOrCreateUserID(ctx, store.tx, deviceID)
}

func (store *TxStore) CreateSession(ctx context.Context, session reward.AdSession) error {
	return createSession(ctx, store.tx, session)
}

func (store *TxStore) GetSessionForUpdate(ctx context.Context, token reward.SessionToken) (reward.AdSession, error) {
	return getSessionForUpdate(ctx, store.tx, token)
}

func (store *TxStore) MarkSessionConsumed(ctx context.Context, token reward.SessionToken) error {
	return markSessionConsumed(ctx, store.tx, token)
}

func (store *TxStore) InsertReward(ctx context.Context, rewardInput reward.Reward) error {
	return insertReward(ctx, store.tx, rewardInput)
}

func (store *TxStore) CountRewardsForDay(ctx context.Context, userID reward.UserID, day reward.DayKey) (int64, error) {
	return countRewardsForDay(ctx, store.tx, userID, day)
}

func (store *TxStore) SumRewardSats(ctx context.Context, userID reward.UserID) (reward.Sats, error) {
	return sumRewardSats(ctx, store.tx, userID)
}

func (store *TxStore) DeleteStaleSessions(ctx context.Context, createdBeforeUnixUTC int64) (int64, error) {
	return deleteStaleSessions(ctx, store.tx, createdBeforeUnixUTC)
}

func (store *TxStore) CountUsers(ctx context.Context) (int64, error) {
	return countScalar(ctx, store.tx, sqlCountUsers, errorSubjectUser)
}

func (store *TxStore) RewardTotals(ctx context.Context) (reward.RewardTotals, error) {
	return rewardTotals(ctx, store.tx, sqlRewardTotals)
}

func (store *TxStore) RewardTotalsForDay(ctx context.Context, day reward.DayKey) (reward.RewardTotals, error) {
	return rewardTotals(ctx, store.tx, sqlRewardTotalsForDay, day.String())
}

func getOrCreateUserID(ctx context.Context, runner querier, deviceID reward.DeviceID) (reward.UserID, error) {
	var userIDValue string
	err := runner.QueryRow(ctx, sqlInsertOrGetUser, deviceID.String()).Scan(&userIDValue)
	if err != nil {
		return reward.UserID{}, wrapStoreError(errorSubjectUser, errorCodeLookup, err)
	}
	userID, err := reward.NewUserID(userIDValue)
	if err != nil {
		return reward.UserID{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	return userID, nil
}

func createSession(ctx context.Context, runner querier, session reward.AdSession) error {
	_, err := runner.Exec(ctx, sqlInsertSession,
		session.Token.String(),
		session.DeviceID.String(),
		session.CreatedUnixUTC,
	)
	if isSessionConflict(err) {
		return wrapStoreError(errorSubjectSession, errorCodeDuplicate, reward.ErrSessionExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeCreate, err)
	}
	return nil
}

func getSessionForUpdate(ctx context.Context, runner querier, token reward.SessionToken) (reward.AdSession, error) {
	var (
		tokenValue       string
		deviceValue      string
		createdAtUnixUTC int64
		consumed         bool
	)
	err := runner.QueryRow(ctx, sqlSelectSessionForUpdate, token.String()).Scan(
		&tokenValue,
		&deviceValue,
		&createdAtUnixUTC,
		&consumed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reward.AdSession{}, wrapStoreError(errorSubjectSession, errorCodeGet, reward.ErrUnknownSession)
		}
		return reward.AdSession{}, wrapStoreError(errorSubjectSession, errorCodeGet, err)
	}
	parsedToken, err := reward.NewSessionToken(tokenValue)
	if err != nil {
		return reward.AdSession{}, wrapStoreError(errorSubjectSession, errorCodeInvalid, err)
	}
	deviceID, err := reward.NewDeviceID(deviceValue)
	if err != nil {
		return reward.AdSession{}, wrapStoreError(errorSubjectSession, errorCodeInvalid, err)
	}
	return reward.AdSession{
		Token:          parsedToken,
		DeviceID:       deviceID,
		CreatedUnixUTC: createdAtUnixUTC,
		Consumed:       consumed,
	}, nil
}

func markSessionConsumed(ctx context.Context, runner querier, token reward.SessionToken) error {
	if _, err := runner.Exec(ctx, sqlMarkSessionConsumed, token.String()); err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeUpdate, err)
	}
	return nil
}

func insertReward(ctx context.Context, runner querier, rewardInput reward.Reward) error {
	_, err := runner.Exec(ctx, sqlInsertReward,
		rewardInput.UserID.String(),
		rewardInput.AmountSats.Int64(),
		rewardInput.Day.String(),
		rewardInput.SessionToken.String(),
		rewardInput.Source.String(),
		rewardInput.MetadataJSON,
		rewardInput.CreatedUnixUTC,
	)
	if isRewardConflict(err) {
		return wrapStoreError(errorSubjectReward, errorCodeDuplicate, reward.ErrDuplicateReward)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReward, errorCodeInsert, err)
	}
	return nil
}

func countRewardsForDay(ctx context.Context, runner querier, userID reward.UserID, day reward.DayKey) (int64, error) {
	var count int64
	err := runner.QueryRow(ctx, sqlCountRewardsForDay, userID.String(), day.String()).Scan(&count)
	if err != nil {
		return 0, wrapStoreError(errorSubjectReward, errorCodeCount, err)
	}
	return count, nil
}

func sumRewardSats(ctx context.Context, runner querier, userID reward.UserID) (reward.Sats, error) {
	var sum int64
	err := runner.QueryRow(ctx, sqlSumRewardSats, userID.String()).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectReward, errorCodeSum, err)
	}
	total, err := reward.NewSats(sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectReward, errorCodeInvalid, err)
	}
	return total, nil
}

func deleteStaleSessions(ctx context.Context, runner querier, createdBeforeUnixUTC int64) (int64, error) {
	tag, err := runner.Exec(ctx, sqlDeleteStaleSessions, createdBeforeUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectSession, errorCodeDelete, err)
	}
	return tag.RowsAffected(), nil
}

func countScalar(ctx context.Context, runner querier, sql string, subject string) (int64, error) {
	var count int64
	if err := runner.QueryRow(ctx, sql).Scan(&count); err != nil {
		return 0, wrapStoreError(subject, errorCodeCount, err)
	}
	return count, nil
}

func rewardTotals(ctx context.Context, runner querier, sql string, args ...any) (reward.RewardTotals, error) {
	var (
		rewards int64
		sats    int64
	)
	if err := runner.QueryRow(ctx, sql, args...).Scan(&rewards, &sats); err != nil {
		return reward.RewardTotals{}, wrapStoreError(errorSubjectStats, errorCodeSum, err)
	}
	total, err := reward.NewSats(sats)
	if err != nil {
		return reward.RewardTotals{}, wrapStoreError(errorSubjectStats, errorCodeInvalid, err)
	}
	return reward.RewardTotals{Rewards: rewards, Sats: total}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return reward.WrapError(errorOperationStore, subject, code, err)
}

func isRewardConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintRewardSessionToken
	}
	return false
}

func isSessionConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintSessionPrimary
	}
	return false
}
