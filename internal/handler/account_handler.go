package handler

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/errors"
	"transfer-saga/internal/service"
)

type AccountHandler struct {
	accountService  *service.AccountService
	transferService *service.TransferService
}

func NewAccountHandler(accountService *service.AccountService, transferService *service.TransferService) *AccountHandler {
	return &AccountHandler{
		accountService:  accountService,
		transferService: transferService,
	}
}

type CreateAccountRequest struct {
	UserID         string `json:"user_id"`
	AccountNumber  string `json:"account_number"`
	InitialBalance string `json:"initial_balance"`
}

type AccountResponse struct {
	AccountID     string `json:"account_id"`
	UserID        string `json:"user_id"`
	AccountNumber string `json:"account_number"`
	Balance       string `json:"balance"`
	Status        string `json:"status"`
}

type LimitsResponse struct {
	DailyLimit       string `json:"daily_limit"`
	DailyUsed        string `json:"daily_used"`
	DailyRemaining   string `json:"daily_remaining"`
	MonthlyLimit     string `json:"monthly_limit"`
	MonthlyUsed      string `json:"monthly_used"`
	MonthlyRemaining string `json:"monthly_remaining"`
}

func accountResponse(account *domain.Account) AccountResponse {
	return AccountResponse{
		AccountID:     account.ID.String(),
		UserID:        account.UserID.String(),
		AccountNumber: account.AccountNumber,
		Balance:       account.Balance.StringFixed(2),
		Status:        string(account.Status),
	}
}

func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, errors.NewAppError(errors.InvalidInput, "invalid user_id format"))
		return
	}

	initialBalance := decimal.Zero
	if req.InitialBalance != "" {
		initialBalance, err = decimal.NewFromString(req.InitialBalance)
		if err != nil {
			writeError(w, errors.NewAppError(errors.InvalidAmount, "invalid initial_balance format"))
			return
		}
	}

	account, err := h.accountService.CreateAccount(r.Context(), service.CreateAccountRequest{
		UserID:         userID,
		AccountNumber:  req.AccountNumber,
		InitialBalance: initialBalance,
	})
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, accountResponse(account))
}

func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.accountService.GetAccount(r.Context(), mux.Vars(r)["account_id"])
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse(account))
}

func (h *AccountHandler) LockAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.accountService.LockAccount(r.Context(), mux.Vars(r)["account_id"])
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse(account))
}

func (h *AccountHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.accountService.UnlockAccount(r.Context(), mux.Vars(r)["account_id"])
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse(account))
}

func (h *AccountHandler) GetLimits(w http.ResponseWriter, r *http.Request) {
	limit, err := h.accountService.GetLimits(r.Context(), mux.Vars(r)["account_id"])
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, LimitsResponse{
		DailyLimit:       limit.DailyLimit.StringFixed(2),
		DailyUsed:        limit.DailyUsed.StringFixed(2),
		DailyRemaining:   limit.DailyRemaining().StringFixed(2),
		MonthlyLimit:     limit.MonthlyLimit.StringFixed(2),
		MonthlyUsed:      limit.MonthlyUsed.StringFixed(2),
		MonthlyRemaining: limit.MonthlyRemaining().StringFixed(2),
	})
}

func (h *AccountHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page, err := intParam(query.Get("page"), 0)
	if err != nil {
		writeError(w, errors.NewAppError(errors.InvalidInput, "page must be an integer"))
		return
	}
	size, err := intParam(query.Get("size"), 0)
	if err != nil {
		writeError(w, errors.NewAppError(errors.InvalidInput, "size must be an integer"))
		return
	}

	history, err := h.transferService.ListHistory(r.Context(), service.HistoryRequest{
		AccountNumber: mux.Vars(r)["account_number"],
		Direction:     domain.Direction(query.Get("direction")),
		Page:          page,
		Size:          size,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
