package reward

import "context"

// Balance returns the read-side view for a device, implicitly creating the
// user on first contact.
func (service *Service) Balance(requestContext context.Context, deviceID DeviceID) (BalanceView, error) {
	userID, err := service.store.GetOrCreateUserID(requestContext, deviceID)
	if err != nil {
		return BalanceView{}, err
	}
	totalSats, err := service.store.SumRewardSats(requestContext, userID)
	if err != nil {
		return BalanceView{}, err
	}
	today := DayKeyForUnix(service.nowFn())
	todayRewards, err := service.store.CountRewardsForDay(requestContext, userID, today)
	if err != nil {
		return BalanceView{}, err
	}
	return BalanceView{
		Sats:            totalSats,
		TodayRewards:    todayRewards,
		DailyCap:        service.config.DailyCap,
		SatsPerReward:   service.config.SatsPerReward,
		MinWithdrawSats: service.config.MinWithdrawSats,
	}, nil
}

// Stats returns global aggregates over the user directory and the ledger.
func (service *Service) Stats(requestContext context.Context) (StatsView, error) {
	today := DayKeyForUnix(service.nowFn())
	usersTotal, err := service.store.CountUsers(requestContext)
	if err != nil {
		return StatsView{}, err
	}
	todayTotals, err := service.store.RewardTotalsForDay(requestContext, today)
	if err != nil {
		return StatsView{}, err
	}
	allTotals, err := service.store.RewardTotals(requestContext)
	if err != nil {
		return StatsView{}, err
	}
	return StatsView{
		Day:             today,
		UsersTotal:      usersTotal,
		RewardsToday:    todayTotals.Rewards,
		SatsIssuedToday: todayTotals.Sats,
		RewardsTotal:    allTotals.Rewards,
		SatsIssuedTotal: allTotals.Sats,
	}, nil
}

// SweepStaleSessions deletes unconsumed sessions past their validity window.
// Pure storage reclamation: expiry is also enforced synchronously at credit
// time, so skipping or delaying the sweep never affects correctness.
func (service *Service) SweepStaleSessions(requestContext context.Context) (int64, error) {
	cutoff := service.nowFn() - int64(service.config.SessionTTL.Seconds())
	deleted, operationError := service.store.DeleteStaleSessions(requestContext, cutoff)
	service.logOperation(requestContext, OperationLog{
		Operation: operationSweep,
		Error:     operationError,
	})
	return deleted, operationError
}
