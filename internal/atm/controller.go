package atm

import (
	"errors"
	"sync"
)

// Defaults for terminal policy. The deposit limit caps a single deposit; the
// lockout threshold is the number of consecutive PIN failures on one card
// that suspends the account.
const (
	DefaultDepositLimit     = 5000
	DefaultLockoutThreshold = 3
)

// TerminalConfig carries the per-terminal policy knobs. Zero values fall
// back to the defaults above.
type TerminalConfig struct {
	CashBin          int64
	DepositLimit     int64
	LockoutThreshold int
}

// Controller models one ATM terminal: a session slot bound to at most one
// account, the terminal's own cash reserve and the PIN-retry lockout state.
// A Controller serializes all of its operations; the Bank behind it may be
// shared by other terminals.
type Controller struct {
	mu           sync.Mutex
	bank         *Bank
	cashBin      int64
	depositLimit int64
	threshold    int

	session    *Account
	prevCard   string
	wrongCount int
}

// NewController creates a terminal for the given bank.
func NewController(bank *Bank, cfg TerminalConfig) *Controller {
	if cfg.DepositLimit <= 0 {
		cfg.DepositLimit = DefaultDepositLimit
	}
	if cfg.LockoutThreshold <= 0 {
		cfg.LockoutThreshold = DefaultLockoutThreshold
	}
	return &Controller{
		bank:         bank,
		cashBin:      cfg.CashBin,
		depositLimit: cfg.DepositLimit,
		threshold:    cfg.LockoutThreshold,
	}
}

// Initiate starts a session for the given card and PIN. Unknown-card and
// suspended-account failures propagate untouched; only a PIN mismatch feeds
// the lockout bookkeeping. Tracking is a single slot keyed by the last
// failed card, so a failure on a different card resets it. Reaching the
// threshold of consecutive failures on one card deactivates the account.
func (c *Controller) Initiate(cardNum, pin string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return ErrSessionActive
	}

	a, err := c.bank.Validate(cardNum, pin)
	if err == nil {
		c.session = a
		return nil
	}
	if !errors.Is(err, ErrInvalidCredential) {
		return err
	}

	if cardNum == c.prevCard {
		c.wrongCount++
	} else {
		c.prevCard = cardNum
		c.wrongCount = 1
	}
	if c.wrongCount >= c.threshold {
		// The card was just resolved by Validate, so this cannot miss.
		_ = c.bank.Deactivate(cardNum)
		c.prevCard = ""
		c.wrongCount = 0
	}
	return err
}

// End closes the active session. The retry counter is cleared but the last
// failed card is deliberately remembered across sessions.
func (c *Controller) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ErrNoSession
	}
	c.session = nil
	c.wrongCount = 0
	return nil
}

// CheckBalance returns the session account's balance.
func (c *Controller) CheckBalance() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return 0, ErrNoSession
	}
	return c.session.Balance(), nil
}

// Deposit puts cash into the session account. The terminal rejects amounts
// over its deposit limit; the account enforces positivity. The cash bin
// absorbs the notes only after the account accepted them.
func (c *Controller) Deposit(amount int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ErrNoSession
	}
	if amount > c.depositLimit {
		return ErrDepositLimit
	}
	if err := c.session.Deposit(amount, ""); err != nil {
		return err
	}
	c.cashBin += amount
	return nil
}

// Withdraw dispenses cash from the session account, bounded by the
// terminal's cash bin regardless of the account balance.
func (c *Controller) Withdraw(amount int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ErrNoSession
	}
	if amount > c.cashBin {
		return ErrCashBinDepleted
	}
	if err := c.session.Withdraw(amount, ""); err != nil {
		return err
	}
	c.cashBin -= amount
	return nil
}

// Transfer moves money from the session account to another account. The
// cash bin is untouched; no physical cash moves.
func (c *Controller) Transfer(recipientNum string, amount int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ErrNoSession
	}
	return c.bank.Transfer(c.session, recipientNum, amount)
}

// Transactions returns the session account's ledger in append order.
func (c *Controller) Transactions() ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, ErrNoSession
	}
	return c.session.Records(), nil
}

// Account returns the account bound to the active session.
func (c *Controller) Account() (*Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, ErrNoSession
	}
	return c.session, nil
}

// CashBin reports the terminal's current cash reserve.
func (c *Controller) CashBin() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cashBin
}
