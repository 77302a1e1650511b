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

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/xtrntr/spvswap/internal/auth"
	"github.com/xtrntr/spvswap/internal/db"
	"github.com/xtrntr/spvswap/internal/escrow"
	"github.com/xtrntr/spvswap/internal/market"
	"github.com/xtrntr/spvswap/internal/models"
	"github.com/xtrntr/spvswap/internal/token"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	healthTimeout     = 2 * time.Second
)

// Ledger is the token primitive exposed to traders.
type Ledger interface {
	BalanceOf(tok, owner common.Address) *uint256.Int
	Allowance(tok, owner, spender common.Address) *uint256.Int
	Approve(tok, owner, spender common.Address, amount *uint256.Int) error
}

// EventStore serves account histories from the event log. *db.DB
// implements it.
type EventStore interface {
	EventsByAccount(ctx context.Context, address common.Address, limit int) ([]models.Event, error)
	Ping(ctx context.Context) error
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Market      *market.Market
	Ledger      Ledger
	Events      EventStore
	AuthService *auth.AuthService
	Hub         *Hub
	Contract    common.Address
	Logger      *slog.Logger
}

// NewHandler creates a new handler
func NewHandler(m *market.Market, ledger Ledger, events EventStore, authService *auth.AuthService, hub *Hub, contract common.Address, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Market:      m,
		Ledger:      ledger,
		Events:      events,
		AuthService: authService,
		Hub:         hub,
		Contract:    contract,
		Logger:      logger,
	}
}

type claimsKey struct{}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeMarketError maps a market, escrow or token failure onto a response.
func (h *Handler) writeMarketError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrInvariant), errors.Is(err, escrow.ErrUnderfunded):
		return http.StatusInternalServerError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, market.ErrUnauthorized), errors.Is(err, escrow.ErrSelfLock):
		return http.StatusForbidden
	case errors.Is(err, market.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrClosed),
		errors.Is(err, market.ErrInsufficientCapacity),
		errors.Is(err, market.ErrNotExpired):
		return http.StatusConflict
	case errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, market.ErrZeroToken),
		errors.Is(err, market.ErrInvalidBitcoinAddress),
		errors.Is(err, market.ErrInvalidProof),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientAllowance),
		errors.Is(err, token.ErrZeroAddress),
		errors.Is(err, token.ErrOverflow):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// caller returns the account authenticated by JWTAuthMiddleware.
func caller(r *http.Request) (common.Address, bool) {
	claims, ok := r.Context().Value(claimsKey{}).(*auth.Claims)
	if !ok {
		return common.Address{}, false
	}
	return claims.Caller(), true
}

func idParam(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
}

func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, errors.New("amount required")
	}
	return uint256.FromDecimal(s)
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.New("invalid address")
	}
	return common.HexToAddress(s), nil
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Address  string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	address, err := parseAddress(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Address must be a hex account address")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password, address)
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, db.ErrUserExists):
		writeError(w, http.StatusConflict, "Username or address already registered")
		return
	case err != nil:
		h.Logger.Error("failed to register user", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"address":  user.Address.Hex(),
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tokenString, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": tokenString})
}

// JWTAuthMiddleware verifies JWT tokens and makes the token's address the
// caller of the request.
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		claims, err := h.AuthService.ParseToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Healthz reports whether the event store is reachable.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := h.Events.Ping(ctx); err != nil {
		h.Logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetEvents returns the caller's market history, newest first.
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := h.Events.EventsByAccount(r.Context(), addr, limit)
	if err != nil {
		h.Logger.Error("failed to load events", "address", addr.Hex(), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to retrieve events")
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
