package atm

import "errors"

// Domain errors. Every failed operation leaves state unchanged except for
// the lockout counters on a failed Initiate.
var (
	// ErrUnidentifiedUser means the card or account number is not registered.
	ErrUnidentifiedUser = errors.New("unidentified user")

	// ErrSuspendedUser means the account has been deactivated.
	ErrSuspendedUser = errors.New("account suspended")

	// ErrInvalidCredential means the presented PIN does not match.
	ErrInvalidCredential = errors.New("incorrect PIN")

	// ErrInvalidAmount means the amount is not a positive integer.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInsufficientBalance means a withdrawal exceeds the account balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidHolder means the holder name is empty.
	ErrInvalidHolder = errors.New("holder name must not be empty")

	// ErrDepositLimit means a single deposit exceeds the terminal limit.
	ErrDepositLimit = errors.New("deposit limit exceeded")

	// ErrCashBinDepleted means the terminal cannot dispense the amount.
	ErrCashBinDepleted = errors.New("cash bin depleted")

	// ErrNoSession means the operation requires an active session.
	ErrNoSession = errors.New("no active session")

	// ErrSessionActive means Initiate was called before End.
	ErrSessionActive = errors.New("session already active")
)
