package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paul-kang-1/simple-atm/internal/atm"
	"github.com/paul-kang-1/simple-atm/internal/config"
)

// FakeStorage records write-through calls so tests can assert persistence
// without a database.
type FakeStorage struct {
	mu       sync.Mutex
	accounts map[string]atm.AccountSnapshot
	statuses map[string]atm.Status
	balances map[string]int64
	records  map[string][]atm.Record
}

func NewFakeStorage() *FakeStorage {
	return &FakeStorage{
		accounts: make(map[string]atm.AccountSnapshot),
		statuses: make(map[string]atm.Status),
		balances: make(map[string]int64),
		records:  make(map[string][]atm.Record),
	}
}

func (f *FakeStorage) SaveAccount(_ context.Context, snap atm.AccountSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[snap.Number] = snap
	f.balances[snap.Number] = snap.Balance
	return nil
}

func (f *FakeStorage) UpdateBalance(_ context.Context, accountNumber string, balance int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[accountNumber] = balance
	return nil
}

func (f *FakeStorage) SetStatus(_ context.Context, accountNumber string, status atm.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[accountNumber] = status
	return nil
}

func (f *FakeStorage) SaveRecord(_ context.Context, accountNumber string, rec atm.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[accountNumber] = append(f.records[accountNumber], rec)
	return nil
}

func newTestServer(t *testing.T, storage Storage) (*APIServer, http.Handler, *atm.Bank) {
	t.Helper()
	cfg := &config.Config{
		Env:        "local",
		ApiHost:    "localhost",
		ApiPort:    8080,
		SessionTTL: time.Minute,
		ATM: config.ATM{
			BankName:     "test",
			CashBin:      10000,
			DepositLimit: 5000,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bank := atm.NewBank(cfg.ATM.BankName)
	controller := atm.NewController(bank, atm.TerminalConfig{
		CashBin:      cfg.ATM.CashBin,
		DepositLimit: cfg.ATM.DepositLimit,
	})
	s := New(cfg, logger, bank, controller, storage, []byte("test-secret"))
	s.configureRouter()
	return s, s.server.Handler, bank
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateAccountEndpoint(t *testing.T) {
	storage := NewFakeStorage()
	_, handler, _ := newTestServer(t, storage)

	rec := doJSON(t, handler, "POST", "/api/accounts", "", CreateAccountRequest{
		Holder: "Alice", PIN: "1234", Balance: 100,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	var resp CreateAccountResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.CardNumber) != 8 || len(resp.AccountNumber) != 8 {
		t.Fatalf("numbers not 8 digits: %+v", resp)
	}

	snap, ok := storage.accounts[resp.AccountNumber]
	if !ok {
		t.Fatal("account not written through to storage")
	}
	if snap.Holder != "Alice" || snap.Balance != 100 || snap.CardNumber != resp.CardNumber {
		t.Fatalf("persisted snapshot=%+v", snap)
	}

	rec = doJSON(t, handler, "POST", "/api/accounts", "", CreateAccountRequest{PIN: "1234"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty holder: status=%d", rec.Code)
	}
}

func createAndInitiate(t *testing.T, handler http.Handler, holder, pin string, balance int64) (CreateAccountResponse, string) {
	t.Helper()
	rec := doJSON(t, handler, "POST", "/api/accounts", "", CreateAccountRequest{
		Holder: holder, PIN: pin, Balance: balance,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var created CreateAccountResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}

	rec = doJSON(t, handler, "POST", "/api/session", "", InitiateRequest{
		CardNumber: created.CardNumber, PIN: pin,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("initiate: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var session InitiateResponse
	if err := json.NewDecoder(rec.Body).Decode(&session); err != nil {
		t.Fatal(err)
	}
	return created, session.Token
}

func TestSessionFlow(t *testing.T) {
	storage := NewFakeStorage()
	_, handler, _ := newTestServer(t, storage)

	created, token := createAndInitiate(t, handler, "Alice", "1234", 100)

	rec := doJSON(t, handler, "POST", "/api/deposit", token, AmountRequest{Amount: 100})
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, "GET", "/api/balance", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance: status=%d", rec.Code)
	}
	var bal BalanceResponse
	if err := json.NewDecoder(rec.Body).Decode(&bal); err != nil {
		t.Fatal(err)
	}
	if bal.Balance != 200 {
		t.Fatalf("balance=%d want=200", bal.Balance)
	}

	rec = doJSON(t, handler, "GET", "/api/transactions", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("transactions: status=%d", rec.Code)
	}
	var records []atm.Record
	if err := json.NewDecoder(rec.Body).Decode(&records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Kind != atm.KindDeposit || records[0].BalanceAfter != 200 {
		t.Fatalf("records=%+v", records)
	}

	// The deposit was written through.
	if storage.balances[created.AccountNumber] != 200 {
		t.Fatalf("persisted balance=%d", storage.balances[created.AccountNumber])
	}
	if got := storage.records[created.AccountNumber]; len(got) != 1 {
		t.Fatalf("persisted records=%d", len(got))
	}

	rec = doJSON(t, handler, "DELETE", "/api/session", token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("end: status=%d", rec.Code)
	}

	// The token is dead once the session ended.
	rec = doJSON(t, handler, "GET", "/api/balance", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("balance after end: status=%d", rec.Code)
	}
}

func TestTransferEndpoint(t *testing.T) {
	storage := NewFakeStorage()
	_, handler, _ := newTestServer(t, storage)

	rec := doJSON(t, handler, "POST", "/api/accounts", "", CreateAccountRequest{
		Holder: "Bob", PIN: "5678", Balance: 10,
	})
	var bob CreateAccountResponse
	if err := json.NewDecoder(rec.Body).Decode(&bob); err != nil {
		t.Fatal(err)
	}

	alice, token := createAndInitiate(t, handler, "Alice", "1234", 100)

	rec = doJSON(t, handler, "POST", "/api/transfer", token, TransferRequest{
		RecipientAccountNumber: bob.AccountNumber, Amount: 50,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("transfer: status=%d body=%s", rec.Code, rec.Body.String())
	}

	if storage.balances[alice.AccountNumber] != 50 || storage.balances[bob.AccountNumber] != 60 {
		t.Fatalf("persisted balances: %d %d",
			storage.balances[alice.AccountNumber], storage.balances[bob.AccountNumber])
	}
	if len(storage.records[bob.AccountNumber]) != 1 {
		t.Fatal("recipient record not written through")
	}

	rec = doJSON(t, handler, "POST", "/api/transfer", token, TransferRequest{
		RecipientAccountNumber: "99999999", Amount: 10,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown recipient: status=%d", rec.Code)
	}
}

func TestPolicyErrors(t *testing.T) {
	storage := NewFakeStorage()
	_, handler, _ := newTestServer(t, storage)

	_, token := createAndInitiate(t, handler, "Alice", "1234", 100)

	rec := doJSON(t, handler, "POST", "/api/deposit", token, AmountRequest{Amount: 6000})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("over limit: status=%d", rec.Code)
	}
	rec = doJSON(t, handler, "POST", "/api/deposit", token, AmountRequest{Amount: -5})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative amount: status=%d", rec.Code)
	}
	rec = doJSON(t, handler, "POST", "/api/withdraw", token, AmountRequest{Amount: 20000})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("cash bin: status=%d", rec.Code)
	}
	rec = doJSON(t, handler, "POST", "/api/withdraw", token, AmountRequest{Amount: 500})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("insufficient: status=%d", rec.Code)
	}
}

func TestAuthentication(t *testing.T) {
	storage := NewFakeStorage()
	_, handler, _ := newTestServer(t, storage)

	rec := doJSON(t, handler, "GET", "/api/balance", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status=%d", rec.Code)
	}

	rec = doJSON(t, handler, "GET", "/api/balance", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status=%d", rec.Code)
	}
}

func TestOperationLogsCardNumber(t *testing.T) {
	cfg := &config.Config{
		Env:        "local",
		ApiHost:    "localhost",
		ApiPort:    8080,
		SessionTTL: time.Minute,
		ATM: config.ATM{
			BankName:     "test",
			CashBin:      10000,
			DepositLimit: 5000,
		},
	}
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	bank := atm.NewBank(cfg.ATM.BankName)
	controller := atm.NewController(bank, atm.TerminalConfig{
		CashBin:      cfg.ATM.CashBin,
		DepositLimit: cfg.ATM.DepositLimit,
	})
	s := New(cfg, logger, bank, controller, NewFakeStorage(), []byte("test-secret"))
	s.configureRouter()
	handler := s.server.Handler

	created, token := createAndInitiate(t, handler, "Alice", "1234", 100)

	logBuf.Reset()
	rec := doJSON(t, handler, "POST", "/api/deposit", token, AmountRequest{Amount: 100})
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit: status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(logBuf.String(), "card_number="+created.CardNumber) {
		t.Fatalf("deposit log lacks the session card number: %s", logBuf.String())
	}
}

func TestLockoutWrittenThrough(t *testing.T) {
	storage := NewFakeStorage()
	_, handler, _ := newTestServer(t, storage)

	rec := doJSON(t, handler, "POST", "/api/accounts", "", CreateAccountRequest{
		Holder: "Alice", PIN: "1234", Balance: 0,
	})
	var created CreateAccountResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		rec = doJSON(t, handler, "POST", "/api/session", "", InitiateRequest{
			CardNumber: created.CardNumber, PIN: "0000",
		})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status=%d", i+1, rec.Code)
		}
	}

	if storage.statuses[created.AccountNumber] != atm.StatusSuspended {
		t.Fatal("suspension not written through to storage")
	}

	rec = doJSON(t, handler, "POST", "/api/session", "", InitiateRequest{
		CardNumber: created.CardNumber, PIN: "1234",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("suspended login: status=%d", rec.Code)
	}
}
