package reward

import "time"

// DayKeyForUnix maps an instant to the server-local calendar day.
// Midnight-local rollover is the sole quota-reset mechanism; host clock
// shifts (DST, manual adjustment) move the rollover instant and that is
// accepted behavior.
func DayKeyForUnix(unixSeconds int64) DayKey {
	return DayKey{value: time.Unix(unixSeconds, 0).Format(dayKeyLayout)}
}
