// Package api is the HTTP front end of one ATM terminal. It is a thin
// wrapper: every money rule lives in the domain core, the handlers only
// decode requests, map domain errors to status codes and write the result
// through to storage.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/paul-kang-1/simple-atm/internal/atm"
	"github.com/paul-kang-1/simple-atm/internal/config"
	"github.com/paul-kang-1/simple-atm/internal/lib/jwt"
)

// Storage is the durable mirror the handlers write through to. The postgres
// implementation satisfies it; tests plug in fakes.
type Storage interface {
	SaveAccount(ctx context.Context, snap atm.AccountSnapshot) error
	UpdateBalance(ctx context.Context, accountNumber string, balance int64) error
	SetStatus(ctx context.Context, accountNumber string, status atm.Status) error
	SaveRecord(ctx context.Context, accountNumber string, rec atm.Record) error
}

type ctxKey string

const cardNumberKey ctxKey = "card_number"

// cardFromContext returns the card number the authenticate middleware bound
// to the request, or empty for unauthenticated requests.
func cardFromContext(ctx context.Context) string {
	card, _ := ctx.Value(cardNumberKey).(string)
	return card
}

type APIServer struct {
	config     *config.Config
	logger     *slog.Logger
	bank       *atm.Bank
	controller *atm.Controller
	storage    Storage
	server     *http.Server
	jwtSecret  []byte
}

func New(config *config.Config, logger *slog.Logger, bank *atm.Bank, controller *atm.Controller, storage Storage, jwtSecret []byte) *APIServer {
	return &APIServer{
		config:     config,
		logger:     logger,
		bank:       bank,
		controller: controller,
		storage:    storage,
		server: &http.Server{
			Addr: config.ApiHost + ":" + strconv.Itoa(config.ApiPort),
		},
		jwtSecret: jwtSecret,
	}
}

func (s *APIServer) Start() error {
	s.logger.Info("Starting server", slog.String("port", strconv.Itoa(s.config.ApiPort)))

	s.configureRouter()

	return s.server.ListenAndServe()
}

func (s *APIServer) MustStart() {
	err := s.Start()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic("Failed to start server: " + err.Error())
	}
}

func (s *APIServer) Stop(ctx context.Context) error {
	defer s.logger.Info("Server successfully stopped")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) configureRouter() {
	router := mux.NewRouter()
	router.Use(s.logRequest)
	router.HandleFunc("/api/accounts", s.createAccountHandler()).Methods("POST")
	router.HandleFunc("/api/session", s.initiateHandler()).Methods("POST")
	router.HandleFunc("/api/session", s.authenticate(s.endSessionHandler())).Methods("DELETE")
	router.HandleFunc("/api/balance", s.authenticate(s.balanceHandler())).Methods("GET")
	router.HandleFunc("/api/deposit", s.authenticate(s.depositHandler())).Methods("POST")
	router.HandleFunc("/api/withdraw", s.authenticate(s.withdrawHandler())).Methods("POST")
	router.HandleFunc("/api/transfer", s.authenticate(s.transferHandler())).Methods("POST")
	router.HandleFunc("/api/transactions", s.authenticate(s.transactionsHandler())).Methods("GET")
	s.server.Handler = router
}

// logRequest tags every request with an id and logs method, path and
// duration once the handler returns.
func (s *APIServer) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()

		next.ServeHTTP(w, r)

		s.logger.Info("Request handled",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// statusFromError maps the domain error taxonomy onto HTTP status codes.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, atm.ErrUnidentifiedUser):
		return http.StatusNotFound
	case errors.Is(err, atm.ErrInvalidCredential), errors.Is(err, atm.ErrNoSession):
		return http.StatusUnauthorized
	case errors.Is(err, atm.ErrSuspendedUser):
		return http.StatusForbidden
	case errors.Is(err, atm.ErrInvalidAmount), errors.Is(err, atm.ErrInvalidHolder):
		return http.StatusBadRequest
	case errors.Is(err, atm.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, atm.ErrDepositLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, atm.ErrCashBinDepleted):
		return http.StatusServiceUnavailable
	case errors.Is(err, atm.ErrSessionActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFromError(err))
}

type CreateAccountRequest struct {
	Holder  string `json:"holder"`
	PIN     string `json:"pin"`
	Balance int64  `json:"balance"`
}

type CreateAccountResponse struct {
	CardNumber    string `json:"card_number"`
	AccountNumber string `json:"account_number"`
}

func (s *APIServer) createAccountHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		account, cardNum, err := s.bank.CreateAccount(req.Holder, req.PIN, req.Balance)
		if err != nil {
			s.writeError(w, err)
			return
		}

		snap, err := s.bank.SnapshotAccount(account.Number())
		if err == nil {
			err = s.storage.SaveAccount(r.Context(), snap)
		}
		if err != nil {
			s.logger.Error("Failed to persist account", "error", err)
			http.Error(w, "failed to persist account", http.StatusInternalServerError)
			return
		}

		s.logger.Info("Account created",
			slog.String("account_number", account.Number()),
			slog.String("holder", req.Holder),
		)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(CreateAccountResponse{
			CardNumber:    cardNum,
			AccountNumber: account.Number(),
		})
	}
}

type InitiateRequest struct {
	CardNumber string `json:"card_number"`
	PIN        string `json:"pin"`
}

type InitiateResponse struct {
	Token string `json:"token"`
}

func (s *APIServer) initiateHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InitiateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if err := s.controller.Initiate(req.CardNumber, req.PIN); err != nil {
			// A PIN mismatch may have tripped the lockout; mirror the
			// suspension before reporting the failure.
			if errors.Is(err, atm.ErrInvalidCredential) {
				s.persistLockout(r.Context(), req.CardNumber)
			}
			s.writeError(w, err)
			return
		}

		token, err := jwt.NewToken(req.CardNumber, string(s.jwtSecret), s.config.SessionTTL)
		if err != nil {
			s.logger.Error("Failed to issue session token", "error", err)
			http.Error(w, "failed to issue session token", http.StatusInternalServerError)
			return
		}

		s.logger.Info("Session started", slog.String("card_number", req.CardNumber))

		_ = json.NewEncoder(w).Encode(InitiateResponse{Token: token})
	}
}

func (s *APIServer) persistLockout(ctx context.Context, cardNum string) {
	account, err := s.bank.AccountByCard(cardNum)
	if err != nil || account.Status() != atm.StatusSuspended {
		return
	}
	s.logger.Info("Account suspended by lockout", slog.String("account_number", account.Number()))
	if err := s.storage.SetStatus(ctx, account.Number(), atm.StatusSuspended); err != nil {
		s.logger.Error("Failed to persist suspension", "error", err)
	}
}

func (s *APIServer) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenHeader := r.Header.Get("Authorization")
		if tokenHeader == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(tokenHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "invalid token format", http.StatusUnauthorized)
			return
		}

		cardNum, err := jwt.ParseToken(parts[1], string(s.jwtSecret))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		// The token must belong to the account bound to the live session;
		// a stale token from an ended session is rejected.
		session, err := s.controller.Account()
		if err != nil {
			s.writeError(w, err)
			return
		}
		account, err := s.bank.AccountByCard(cardNum)
		if err != nil || account.Number() != session.Number() {
			http.Error(w, "token does not match active session", http.StatusUnauthorized)
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), cardNumberKey, cardNum))
		next(w, r)
	}
}

type BalanceResponse struct {
	Balance int64 `json:"balance"`
}

func (s *APIServer) balanceHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		balance, err := s.controller.CheckBalance()
		if err != nil {
			s.writeError(w, err)
			return
		}
		_ = json.NewEncoder(w).Encode(BalanceResponse{Balance: balance})
	}
}

type AmountRequest struct {
	Amount int64 `json:"amount"`
}

func (s *APIServer) depositHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AmountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if err := s.controller.Deposit(req.Amount); err != nil {
			s.writeError(w, err)
			return
		}

		s.logger.Info("Deposit",
			slog.String("card_number", cardFromContext(r.Context())),
			slog.Int64("amount", req.Amount),
		)

		if err := s.persistSession(r.Context()); err != nil {
			http.Error(w, "failed to persist transaction", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *APIServer) withdrawHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AmountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if err := s.controller.Withdraw(req.Amount); err != nil {
			s.writeError(w, err)
			return
		}

		s.logger.Info("Withdrawal",
			slog.String("card_number", cardFromContext(r.Context())),
			slog.Int64("amount", req.Amount),
		)

		if err := s.persistSession(r.Context()); err != nil {
			http.Error(w, "failed to persist transaction", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

type TransferRequest struct {
	RecipientAccountNumber string `json:"recipient_account_number"`
	Amount                 int64  `json:"amount"`
}

func (s *APIServer) transferHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TransferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if err := s.controller.Transfer(req.RecipientAccountNumber, req.Amount); err != nil {
			s.writeError(w, err)
			return
		}

		s.logger.Info("Transfer",
			slog.String("card_number", cardFromContext(r.Context())),
			slog.Int64("amount", req.Amount),
			slog.String("to", req.RecipientAccountNumber),
		)

		err := s.persistSession(r.Context())
		if err == nil {
			err = s.persistAccount(r.Context(), req.RecipientAccountNumber)
		}
		if err != nil {
			http.Error(w, "failed to persist transaction", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *APIServer) transactionsHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := s.controller.Transactions()
		if err != nil {
			s.writeError(w, err)
			return
		}
		if records == nil {
			records = []atm.Record{}
		}
		_ = json.NewEncoder(w).Encode(records)
	}
}

func (s *APIServer) endSessionHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.controller.End(); err != nil {
			s.writeError(w, err)
			return
		}
		s.logger.Info("Session ended", slog.String("card_number", cardFromContext(r.Context())))
		w.WriteHeader(http.StatusNoContent)
	}
}

// persistSession writes the session account's new balance and latest ledger
// entry through to storage.
func (s *APIServer) persistSession(ctx context.Context) error {
	account, err := s.controller.Account()
	if err != nil {
		return err
	}
	return s.persist(ctx, account)
}

func (s *APIServer) persistAccount(ctx context.Context, accountNumber string) error {
	account, err := s.bank.Account(accountNumber)
	if err != nil {
		return err
	}
	return s.persist(ctx, account)
}

func (s *APIServer) persist(ctx context.Context, account *atm.Account) error {
	if err := s.storage.UpdateBalance(ctx, account.Number(), account.Balance()); err != nil {
		s.logger.Error("Failed to persist balance", "error", err)
		return err
	}
	rec, ok := account.LastRecord()
	if !ok {
		return nil
	}
	if err := s.storage.SaveRecord(ctx, account.Number(), rec); err != nil {
		s.logger.Error("Failed to persist record", "error", err)
		return err
	}
	return nil
}
