package credits

// DefaultHistoryPageSize is applied when a history request omits a page size.
const DefaultHistoryPageSize = 20

// DefaultResetTarget is the balance an administrative reset converges to.
const DefaultResetTarget int64 = 5

const (
	operationGetCredits = "get_user_credits"
	operationSpend      = "spend_credits"
	operationEarn       = "earn_credits"
	operationHistory    = "get_credit_history"
	operationTrySpend   = "try_spend_credits"
	operationReset      = "reset_credits"
	operationInitialize = "initialize_user_credits"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultSpendDescription = "credits spent"
	defaultEarnDescription  = "credits earned"
	spendOneDescription     = "test credit spend"
	resetDescription        = "administrative credit reset"

	metadataKeySource = "source"
	sourceTestButton  = "test_button"
	sourceAdminReset  = "admin_reset"
)
