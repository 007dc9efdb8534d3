package atm

import (
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// numberWidth is the fixed width of card and account numbers. Leading zeros
// are significant, so numbers are text everywhere.
const numberWidth = 8

// Bank owns the account registry and the card index. Account and card
// numbers come from independent per-bank counters, advanced only on a
// successful creation. The registry mutex guards the maps and counters;
// balances are guarded by the per-account locks.
type Bank struct {
	mu          sync.Mutex
	name        string
	accounts    map[string]*Account
	cards       map[string]string
	nextAccount int64
	nextCard    int64
}

// NewBank creates an empty in-memory bank.
func NewBank(name string) *Bank {
	return &Bank{
		name:     name,
		accounts: make(map[string]*Account),
		cards:    make(map[string]string),
	}
}

// Name returns the bank's display name.
func (b *Bank) Name() string { return b.name }

// CreateAccount registers a new account with the given initial balance and
// issues a fresh (card number, account number) pair. The PIN is stored as a
// bcrypt hash of the exact text presented.
func (b *Bank) CreateAccount(holder, pin string, balance int64) (*Account, string, error) {
	if holder == "" {
		return nil, "", ErrInvalidHolder
	}
	if balance < 0 {
		return nil, "", ErrInvalidAmount
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash pin: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextAccount++
	b.nextCard++
	accountNum := fmt.Sprintf("%0*d", numberWidth, b.nextAccount)
	cardNum := fmt.Sprintf("%0*d", numberWidth, b.nextCard)

	a := &Account{
		number:  accountNum,
		holder:  holder,
		pinHash: hash,
		balance: balance,
		status:  StatusActive,
	}
	b.accounts[accountNum] = a
	b.cards[cardNum] = accountNum
	return a, cardNum, nil
}

// Validate resolves a card number and checks the PIN. The order of checks is
// fixed: existence, then status, then PIN, so a suspended account reports
// suspension even when the PIN is wrong.
func (b *Bank) Validate(cardNum, pin string) (*Account, error) {
	a, err := b.AccountByCard(cardNum)
	if err != nil {
		return nil, err
	}
	if a.Status() == StatusSuspended {
		return nil, ErrSuspendedUser
	}
	if bcrypt.CompareHashAndPassword(a.pinHash, []byte(pin)) != nil {
		return nil, ErrInvalidCredential
	}
	return a, nil
}

// Account resolves an account number.
func (b *Bank) Account(num string) (*Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.accounts[num]
	if !ok {
		return nil, ErrUnidentifiedUser
	}
	return a, nil
}

// AccountByCard resolves a card number through the card index.
func (b *Bank) AccountByCard(cardNum string) (*Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	num, ok := b.cards[cardNum]
	if !ok {
		return nil, ErrUnidentifiedUser
	}
	return b.accounts[num], nil
}

// Transfer moves amount from sender to the account with the given number.
// Both account locks are taken in account-number order and held across the
// withdraw-then-deposit pair, so an insufficient-balance abort leaves the
// recipient untouched and no other operation can interleave.
func (b *Bank) Transfer(sender *Account, recipientNum string, amount int64) error {
	recipient, err := b.Account(recipientNum)
	if err != nil {
		return err
	}

	first, second := sender, recipient
	if recipient.number < sender.number {
		first, second = recipient, sender
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if first != second {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	if err := sender.debit(amount, recipient.holder); err != nil {
		return err
	}
	return recipient.credit(amount, sender.holder)
}

// Deactivate suspends the account behind a card. Unknown cards are an error,
// not a no-op.
func (b *Bank) Deactivate(cardNum string) error {
	a, err := b.AccountByCard(cardNum)
	if err != nil {
		return err
	}
	a.suspend()
	return nil
}

// AccountSnapshot is the persistable form of one account, including the card
// number from the bank's index and the full ledger.
type AccountSnapshot struct {
	Number     string
	CardNumber string
	Holder     string
	PINHash    []byte
	Balance    int64
	Status     Status
	Records    []Record
}

// SnapshotAccount exports one account for persistence.
func (b *Bank) SnapshotAccount(num string) (AccountSnapshot, error) {
	b.mu.Lock()
	a, ok := b.accounts[num]
	var card string
	if ok {
		for c, n := range b.cards {
			if n == num {
				card = c
				break
			}
		}
	}
	b.mu.Unlock()
	if !ok {
		return AccountSnapshot{}, ErrUnidentifiedUser
	}
	return a.snapshot(card), nil
}

// RestoreBank rebuilds a bank from persisted snapshots. The number counters
// resume past the highest values seen so freshly created accounts cannot
// collide with restored ones.
func RestoreBank(name string, snaps []AccountSnapshot) *Bank {
	b := NewBank(name)
	for _, s := range snaps {
		a := &Account{
			number:  s.Number,
			holder:  s.Holder,
			pinHash: s.PINHash,
			balance: s.Balance,
			status:  s.Status,
			records: s.Records,
		}
		if n := len(s.Records); n > 0 {
			a.nextSeq = s.Records[n-1].Seq
		}
		b.accounts[s.Number] = a
		b.cards[s.CardNumber] = s.Number

		if v, err := strconv.ParseInt(s.Number, 10, 64); err == nil && v > b.nextAccount {
			b.nextAccount = v
		}
		if v, err := strconv.ParseInt(s.CardNumber, 10, 64); err == nil && v > b.nextCard {
			b.nextCard = v
		}
	}
	return b
}
