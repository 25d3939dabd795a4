package reward

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the crediting domain logic over a Store.
type Service struct {
	store  Store
	config Config
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, config Config, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	service := &Service{store: store, config: config, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Config returns the immutable policy the service was built with.
func (service *Service) Config() Config {
	return service.config
}

// IssueSession creates a fresh single-use ad session bound to the device,
// lazily creating the user on first contact.
func (service *Service) IssueSession(ctx context.Context, deviceID DeviceID) (IssuedSession, error) {
	token, err := GenerateSessionToken()
	if err != nil {
		return IssuedSession{}, err
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateUserID(ctx, deviceID); err != nil {
			return err
		}
		return transactionStore.CreateSession(ctx, AdSession{
			Token:          token,
			DeviceID:       deviceID,
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationIssueSession,
		DeviceID:  deviceID,
		Token:     token,
		Error:     operationError,
	})
	if operationError != nil {
		return IssuedSession{}, operationError
	}
	return IssuedSession{
		Token:      token,
		TTLSeconds: int64(service.config.SessionTTL.Seconds()),
	}, nil
}

// Credit runs the one-session state machine: validate, enforce the daily
// quota, consume the session, and append at most one reward. Both triggers
// (client report and network callback) converge here; the session token's
// unique constraint on rewards is the backstop under true concurrency.
//
// Policy denials (expired session, quota exceeded) still consume the session,
// so those paths commit the consume before the denial is reported.
func (service *Service) Credit(ctx context.Context, deviceID DeviceID, token SessionToken, source Source, metadataJSON string) (CreditResult, error) {
	var result CreditResult
	var denial error
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		session, err := transactionStore.GetSessionForUpdate(ctx, token)
		if err != nil {
			return err
		}
		now := service.nowFn()
		day := DayKeyForUnix(now)
		if session.Consumed {
			result = CreditResult{Duplicate: true, Day: day, Source: source}
			return nil
		}
		if session.DeviceID != deviceID {
			return ErrDeviceMismatch
		}
		if now-session.CreatedUnixUTC > int64(service.config.SessionTTL.Seconds()) {
			if err := transactionStore.MarkSessionConsumed(ctx, token); err != nil {
				return err
			}
			denial = ErrSessionExpired
			return nil
		}
		userID, err := transactionStore.GetOrCreateUserID(ctx, deviceID)
		if err != nil {
			return err
		}
		rewardedToday, err := transactionStore.CountRewardsForDay(ctx, userID, day)
		if err != nil {
			return err
		}
		if rewardedToday >= service.config.DailyCap {
			if err := transactionStore.MarkSessionConsumed(ctx, token); err != nil {
				return err
			}
			denial = ErrDailyCapReached
			return nil
		}
		if err := transactionStore.MarkSessionConsumed(ctx, token); err != nil {
			return err
		}
		if err := transactionStore.InsertReward(ctx, Reward{
			UserID:         userID,
			AmountSats:     service.config.SatsPerReward,
			Day:            day,
			SessionToken:   token,
			Source:         source,
			MetadataJSON:   metadataJSON,
			CreatedUnixUTC: now,
		}); err != nil {
			return err
		}
		result = CreditResult{GrantedSats: service.config.SatsPerReward, Day: day, Source: source}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateReward) {
		// A concurrent credit won the insert race before this transaction
		// committed. Same answer as replaying a consumed session.
		result = CreditResult{Duplicate: true, Day: DayKeyForUnix(service.nowFn()), Source: source}
		operationError = nil
	}
	if operationError == nil {
		operationError = denial
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		DeviceID:  deviceID,
		Token:     token,
		Source:    source,
		Amount:    result.GrantedSats,
		Outcome:   creditOutcome(result, operationError),
		Error:     operationError,
	})
	if operationError != nil {
		return CreditResult{}, operationError
	}
	return result, nil
}

func creditOutcome(result CreditResult, err error) string {
	switch {
	case errors.Is(err, ErrUnknownSession):
		return outcomeUnknownSession
	case errors.Is(err, ErrDeviceMismatch):
		return outcomeDeviceMismatch
	case errors.Is(err, ErrSessionExpired):
		return outcomeExpired
	case errors.Is(err, ErrDailyCapReached):
		return outcomeQuotaExceeded
	case err != nil:
		return operationStatusError
	case result.Duplicate:
		return outcomeDuplicate
	}
	return outcomeGranted
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
