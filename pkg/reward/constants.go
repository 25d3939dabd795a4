package reward

const (
	operationIssueSession = "issue_session"
	operationCredit       = "credit"
	operationSweep        = "sweep"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	outcomeGranted        = "granted"
	outcomeDuplicate      = "duplicate"
	outcomeExpired        = "expired"
	outcomeQuotaExceeded  = "quota_exceeded"
	outcomeDeviceMismatch = "device_mismatch"
	outcomeUnknownSession = "invalid_session"

	dayKeyLayout = "2006-01-02"
)
