// Package atm holds the domain core of the ATM backend: the Account ledger
// entity, the Bank registry and the per-terminal Controller. Amounts are
// int64 in the smallest currency unit. The package has no I/O; persistence
// and transport live above it.
package atm

import (
	"sync"
	"time"
)

// Kind classifies a ledger record.
type Kind string

const (
	KindWithdraw Kind = "withdraw"
	KindDeposit  Kind = "deposit"
	KindSend     Kind = "send"
	KindReceive  Kind = "receive"
)

// Status is the two-state account lifecycle. Suspension is permanent; there
// is no reactivation path.
type Status int

const (
	StatusActive Status = iota
	StatusSuspended
)

func (s Status) String() string {
	if s == StatusSuspended {
		return "suspended"
	}
	return "active"
}

// ParseStatus converts the stored text form back to a Status.
func ParseStatus(v string) Status {
	if v == "suspended" {
		return StatusSuspended
	}
	return StatusActive
}

// Record is one entry of an account's append-only transaction log. Seq is
// monotonically increasing per account. Counterparty is the recipient holder
// name for send records, the sender holder name for receive records, and
// empty otherwise.
type Record struct {
	Seq          int64     `json:"seq"`
	Time         time.Time `json:"time"`
	Kind         Kind      `json:"kind"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Counterparty string    `json:"counterparty,omitempty"`
}

// Account is a ledger entity owned exclusively by a Bank. Every balance
// mutation appends exactly one record with the post-mutation balance, inside
// the same critical section, so balance and log never disagree.
type Account struct {
	mu      sync.Mutex
	number  string
	holder  string
	pinHash []byte
	balance int64
	status  Status
	nextSeq int64
	records []Record
}

// Number returns the fixed-width account number.
func (a *Account) Number() string { return a.number }

// Holder returns the display name of the account holder.
func (a *Account) Holder() string { return a.holder }

// Balance returns the current balance.
func (a *Account) Balance() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

// Status returns the lifecycle state.
func (a *Account) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Deposit adds amount to the balance. A non-empty sender marks the record as
// a receive from that counterparty, otherwise a plain deposit.
func (a *Account) Deposit(amount int64, sender string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.credit(amount, sender)
}

// Withdraw removes amount from the balance. A non-empty recipient marks the
// record as a send to that counterparty, otherwise a plain withdrawal.
func (a *Account) Withdraw(amount int64, recipient string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.debit(amount, recipient)
}

// Records returns a copy of the ledger in append order.
func (a *Account) Records() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, len(a.records))
	copy(out, a.records)
	return out
}

// LastRecord returns the most recent ledger entry, if any.
func (a *Account) LastRecord() (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.records) == 0 {
		return Record{}, false
	}
	return a.records[len(a.records)-1], true
}

// credit and debit are the lock-free primitives; callers hold a.mu. Bank
// uses them directly so a transfer can run both sides under ordered locks.

func (a *Account) credit(amount int64, sender string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	a.balance += amount
	kind := KindDeposit
	if sender != "" {
		kind = KindReceive
	}
	a.append(kind, amount, sender)
	return nil
}

func (a *Account) debit(amount int64, recipient string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if amount > a.balance {
		return ErrInsufficientBalance
	}
	a.balance -= amount
	kind := KindWithdraw
	if recipient != "" {
		kind = KindSend
	}
	a.append(kind, amount, recipient)
	return nil
}

func (a *Account) append(kind Kind, amount int64, counterparty string) {
	a.nextSeq++
	a.records = append(a.records, Record{
		Seq:          a.nextSeq,
		Time:         time.Now(),
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: a.balance,
		Counterparty: counterparty,
	})
}

func (a *Account) suspend() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = StatusSuspended
}

// snapshot copies the account into its persistable form; caller supplies the
// card number since the card index lives on the Bank.
func (a *Account) snapshot(cardNumber string) AccountSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	records := make([]Record, len(a.records))
	copy(records, a.records)
	hash := make([]byte, len(a.pinHash))
	copy(hash, a.pinHash)
	return AccountSnapshot{
		Number:     a.number,
		CardNumber: cardNumber,
		Holder:     a.holder,
		PINHash:    hash,
		Balance:    a.balance,
		Status:     a.status,
		Records:    records,
	}
}
