package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"farmcore/internal/app"
	"farmcore/internal/config"
	"farmcore/internal/intake"
	"farmcore/internal/ledger"
	"farmcore/internal/positions"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const userContextKey contextKey = "user"

type Server struct {
	cfg config.Config
	log *slog.Logger
	app *app.App
	mux *chi.Mux
}

func New(cfg config.Config, logger *slog.Logger, a *app.App) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg: cfg,
		log: logger,
		app: a,
		mux: chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/boosts/packages", s.handlePackages)

		// Service-to-service calls from the chain observer and the
		// identity layer.
		r.Group(func(r chi.Router) {
			r.Use(s.observerMiddleware)
			r.Post("/users", s.handleRegister)
			r.Post("/deposits", s.handleDeposit)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.userMiddleware)
			r.Get("/balance", s.handleBalance)
			r.Get("/transactions", s.handleTransactions)
			r.Post("/farming/deposit", s.handleFarmingDeposit)
			r.Post("/boosts", s.handleBoostPurchase)
			r.Post("/boosts/external", s.handleExternalBoost)
			r.Post("/withdrawals", s.handleWithdrawal)
			r.Get("/referrals/levels", s.handleReferralLevels)
		})
	})
}

func (s *Server) observerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ObserverToken == "" {
			writeError(w, http.StatusForbidden, "observer access is not configured")
			return
		}
		got := strings.TrimSpace(r.Header.Get("X-Observer-Token"))
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.ObserverToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid observer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// userMiddleware trusts X-User-ID, which the identity layer in front of this
// service sets after authenticating the caller.
func (s *Server) userMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get("X-User-ID")), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusUnauthorized, "missing user id")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(userContextKey).(int64)
	return id
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ExternalID string `json:"external_id"`
		InviterID  int64  `json:"inviter_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, created, err := s.app.Accounts.EnsureUser(r.Context(), in.ExternalID, in.InviterID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"user": user, "created": created})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID    int64  `json:"user_id"`
		Reference string `json:"reference"`
		Amount    string `json:"amount"`
		Currency  string `json:"currency"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, cur, err := parseMoney(in.Amount, in.Currency)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	res, err := s.app.Intake.ProcessDeposit(r.Context(), intake.DepositRequest{
		UserID:            in.UserID,
		ExternalReference: in.Reference,
		Amount:            amount,
		Currency:          cur,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeGateResult(w, res)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.app.Ledger.GetBalance(r.Context(), userFromContext(r.Context()))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance":   bal,
		"primary":   ledger.FormatMicros(bal.PrimaryMicros),
		"secondary": ledger.FormatMicros(bal.SecondaryMicros),
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.EntryFilter{}
	if v := strings.TrimSpace(q.Get("type")); v != "" {
		t, err := ledger.ParseTxType(v)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		f.Type = t
	}
	if v := strings.TrimSpace(q.Get("currency")); v != "" {
		c, err := ledger.ParseCurrency(v)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		f.Currency = c
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	entries, err := s.app.Ledger.History(r.Context(), userFromContext(r.Context()), f)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}

func (s *Server) handleFarmingDeposit(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Amount string `json:"amount"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := ledger.ParseAmount(in.Amount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	res, err := s.app.Positions.OpenFarming(r.Context(), userFromContext(r.Context()), amount, idempotencyKey(r))
	if errors.Is(err, ledger.ErrAlreadyProcessed) {
		writeJSON(w, http.StatusOK, map[string]any{"outcome": intake.OutcomeAlreadyProcessed})
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": intake.OutcomeApplied, "result": res})
}

func (s *Server) handlePackages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"packages": positions.Packages()})
}

func (s *Server) handleBoostPurchase(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PackageID int    `json:"package_id"`
		Amount    string `json:"amount"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := ledger.ParseAmount(in.Amount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	res, err := s.app.Positions.PurchaseBoost(r.Context(), userFromContext(r.Context()), in.PackageID, amount, idempotencyKey(r))
	if errors.Is(err, ledger.ErrAlreadyProcessed) {
		writeJSON(w, http.StatusOK, map[string]any{"outcome": intake.OutcomeAlreadyProcessed})
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": intake.OutcomeApplied, "result": res})
}

func (s *Server) handleExternalBoost(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PackageID int    `json:"package_id"`
		Amount    string `json:"amount"`
		Reference string `json:"reference"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := ledger.ParseAmount(in.Amount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	entry, err := s.app.Positions.ActivateExternalBoost(r.Context(), userFromContext(r.Context()), in.PackageID, amount, in.Reference)
	if errors.Is(err, ledger.ErrAlreadyProcessed) {
		writeJSON(w, http.StatusOK, map[string]any{"outcome": intake.OutcomeAlreadyProcessed})
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": intake.OutcomeApplied, "entry": entry})
}

func (s *Server) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Amount      string `json:"amount"`
		Currency    string `json:"currency"`
		Destination string `json:"destination"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, cur, err := parseMoney(in.Amount, in.Currency)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	res, err := s.app.Intake.ProcessWithdrawal(r.Context(), intake.WithdrawalRequest{
		UserID:         userFromContext(r.Context()),
		Amount:         amount,
		Currency:       cur,
		IdempotencyKey: idempotencyKey(r),
		Destination:    in.Destination,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeGateResult(w, res)
}

func (s *Server) handleReferralLevels(w http.ResponseWriter, r *http.Request) {
	stats, err := s.app.Referrals.LevelStats(r.Context(), userFromContext(r.Context()))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"levels": stats})
}

func parseMoney(amount, currency string) (int64, ledger.Currency, error) {
	micros, err := ledger.ParseAmount(amount)
	if err != nil {
		return 0, "", err
	}
	cur, err := ledger.ParseCurrency(currency)
	if err != nil {
		return 0, "", err
	}
	return micros, cur, nil
}

func writeGateResult(w http.ResponseWriter, res intake.Result) {
	if res.Outcome != intake.OutcomeRejected {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, statusFor(res.Err), res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation), errors.Is(err, intake.ErrMissingReference):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrAlreadyProcessed):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrReconciliationRequired):
		return http.StatusInternalServerError
	case errors.Is(err, ledger.ErrPersistence), errors.Is(err, ledger.ErrConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "status", status, "err", err)
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}
