// Package handler содержит HTTP-обработчики API сервиса краудсейла.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mkravchenko/crowdsale-system/internal/middleware"
	"github.com/mkravchenko/crowdsale-system/internal/model"
	"github.com/mkravchenko/crowdsale-system/internal/repository"
	"github.com/mkravchenko/crowdsale-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterAccount(ctx context.Context, login, password, number string) (int64, error)
	AuthenticateAccount(ctx context.Context, login, password string) (int64, error)
	Contribute(ctx context.Context, donorID int64, beneficiary string, amount, minRate int64) (*model.Donation, *model.Settlement, error)
	GetDonation(ctx context.Context, donationID int64) (*model.Donation, error)
	GetDonationsByDonor(ctx context.Context, donorID int64) ([]model.Donation, error)
	Collect(ctx context.Context, callerID, donationID int64, asAdmin bool) (*model.Settlement, error)
	CollectBatch(ctx context.Context, donationIDs []int64) []model.Settlement
	ProposeAverage(ctx context.Context, proposerID, periodID, hintRaised, maxSteps int64) (*service.VerifyResult, error)
	VerifyAverage(ctx context.Context, proposerID, periodID, maxSteps int64) (*service.VerifyResult, error)
	GetAttempt(ctx context.Context, proposerID int64) (*model.AverageAttempt, error)
	GetPeriod(ctx context.Context, periodID int64) (*model.Period, error)
	Status(ctx context.Context) (*model.SaleStatus, error)
	Halt(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Handler реализует HTTP-обработчики API сервиса краудсейла.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	adminToken     string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, adminToken string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		adminToken:     adminToken,
	}
}

type registerRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Account  string `json:"account"`
}

// Register обрабатывает регистрацию нового жертвователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterAccount(r.Context(), req.Login, req.Password, req.Account)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrAccountExists):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, service.ErrInvalidBeneficiary):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("register account error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию жертвователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateAccount(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type donationRequest struct {
	Beneficiary string `json:"beneficiary"`
	Value       int64  `json:"value"`
	MinRate     int64  `json:"min_rate,omitempty"`
}

type donationResponse struct {
	ID          int64  `json:"id"`
	Beneficiary string `json:"beneficiary"`
	PeriodID    int64  `json:"period"`
	Value       int64  `json:"value"`
	MinRate     int64  `json:"min_rate,omitempty"`
	IsCollected bool   `json:"collected"`
	CreatedAt   string `json:"created_at,omitempty"`
}

type settlementResponse struct {
	DonationID       int64 `json:"donation_id"`
	Tokens           int64 `json:"tokens"`
	Refund           int64 `json:"refund"`
	AlreadyCollected bool  `json:"already_collected,omitempty"`
}

func toDonationResponse(d *model.Donation) donationResponse {
	resp := donationResponse{
		ID:          d.ID,
		Beneficiary: d.Beneficiary,
		PeriodID:    d.PeriodID,
		Value:       d.Value,
		MinRate:     d.MinRate,
		IsCollected: d.IsCollected,
	}
	if !d.CreatedAt.IsZero() {
		resp.CreatedAt = d.CreatedAt.Format(time.RFC3339)
	}
	return resp
}

func toSettlementResponse(st *model.Settlement) settlementResponse {
	return settlementResponse{
		DonationID:       st.DonationID,
		Tokens:           st.Tokens,
		Refund:           st.Refund,
		AlreadyCollected: st.AlreadyCollected,
	}
}

// CreateDonation принимает взнос от текущего жертвователя. Безусловный взнос
// рассчитывается сразу, и ответ содержит итог расчёта.
func (h *Handler) CreateDonation(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req donationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	d, st, err := h.service.Contribute(r.Context(), userID, req.Beneficiary, req.Value, req.MinRate)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSaleInactive),
			errors.Is(err, service.ErrPeriodNotInitialized):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, service.ErrBelowMinimum),
			errors.Is(err, service.ErrInvalidBeneficiary),
			errors.Is(err, service.ErrRateTooLow):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("create donation error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	resp := struct {
		Donation   donationResponse    `json:"donation"`
		Settlement *settlementResponse `json:"settlement,omitempty"`
	}{
		Donation: toDonationResponse(d),
	}
	if st != nil {
		s := toSettlementResponse(st)
		resp.Settlement = &s
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode donation response", zap.Error(err))
	}
}

// GetDonations возвращает список взносов текущего жертвователя.
func (h *Handler) GetDonations(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	donations, err := h.service.GetDonationsByDonor(r.Context(), userID)
	if err != nil {
		h.logger.Error("get donations error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(donations) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]donationResponse, 0, len(donations))
	for i := range donations {
		resp = append(resp, toDonationResponse(&donations[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// GetDonation возвращает один взнос текущего жертвователя.
func (h *Handler) GetDonation(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	d, err := h.service.GetDonation(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrDonationNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get donation error", zap.Error(err), zap.Int64("donationID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if d.DonorID != userID {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toDonationResponse(d)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// CollectDonation выполняет расчёт взноса текущего жертвователя.
func (h *Handler) CollectDonation(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	st, err := h.service.Collect(r.Context(), userID, id, false)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrDonationNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrNotOwner):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, service.ErrPeriodNotClosed),
			errors.Is(err, service.ErrAverageNotComputed):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("collect donation error", zap.Error(err), zap.Int64("donationID", id))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toSettlementResponse(st)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type proposeRequest struct {
	TotalRaised int64 `json:"total_raised"`
	MaxSteps    int64 `json:"max_steps,omitempty"`
}

type verifyRequest struct {
	MaxSteps int64 `json:"max_steps,omitempty"`
}

type verifyResponse struct {
	PeriodID    int64 `json:"period"`
	Scanned     int64 `json:"scanned"`
	Remaining   int64 `json:"remaining"`
	Finalized   bool  `json:"finalized"`
	AverageRate int64 `json:"average_rate,omitempty"`
	Raised      int64 `json:"raised,omitempty"`
}

func toVerifyResponse(res *service.VerifyResult) verifyResponse {
	return verifyResponse{
		PeriodID:    res.PeriodID,
		Scanned:     res.Scanned,
		Remaining:   res.Remaining,
		Finalized:   res.Finalized,
		AverageRate: res.AverageRate,
		Raised:      res.Raised,
	}
}

func (h *Handler) writeAverageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrPeriodNotClosed),
		errors.Is(err, service.ErrPeriodNotInitialized),
		errors.Is(err, service.ErrHintInvalid),
		errors.Is(err, repository.ErrPeriodFinalized):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, repository.ErrAttemptNotFound),
		errors.Is(err, repository.ErrPeriodNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	default:
		h.logger.Error("average computation error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// ProposeAverage начинает проверяемый расчёт среднего курса закрытого периода.
func (h *Handler) ProposeAverage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	periodID, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.ProposeAverage(r.Context(), userID, periodID, req.TotalRaised, req.MaxSteps)
	if err != nil {
		h.writeAverageError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toVerifyResponse(res)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// VerifyAverage продолжает ранее начатый расчёт среднего курса.
func (h *Handler) VerifyAverage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	periodID, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.VerifyAverage(r.Context(), userID, periodID, req.MaxSteps)
	if err != nil {
		h.writeAverageError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toVerifyResponse(res)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type attemptResponse struct {
	PeriodID    int64 `json:"period"`
	Scanned     int64 `json:"scanned"`
	HintRaised  int64 `json:"hint_raised"`
	HintRate    int64 `json:"hint_rate"`
	VolumeBelow int64 `json:"volume_below"`
	VolumeTied  int64 `json:"volume_tied"`
}

// GetAttempt возвращает состояние активной попытки проверки среднего курса
// текущего жертвователя.
func (h *Handler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	a, err := h.service.GetAttempt(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrAttemptNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get attempt error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := attemptResponse{
		PeriodID:    a.PeriodID,
		Scanned:     a.Scanned,
		HintRaised:  a.HintRaised,
		HintRate:    a.HintRate,
		VolumeBelow: a.VolumeBelow,
		VolumeTied:  a.VolumeTied,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type periodResponse struct {
	ID                 int64 `json:"id"`
	DonationCount      int64 `json:"donation_count"`
	ClearedCount       int64 `json:"cleared_count"`
	TotalReceived      int64 `json:"total_received"`
	Raised             int64 `json:"raised"`
	RaisedUpTo         int64 `json:"raised_up_to"`
	AverageRate        int64 `json:"average_rate,omitempty"`
	IsInitialized      bool  `json:"initialized"`
	IsAverageComputed  bool  `json:"average_computed"`
	TiedVolume         int64 `json:"tied_volume,omitempty"`
	TiedVolumeIncluded int64 `json:"tied_volume_included,omitempty"`
}

// GetPeriod возвращает состояние периода продажи.
func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	periodID, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.GetPeriod(r.Context(), periodID)
	if err != nil {
		if errors.Is(err, repository.ErrPeriodNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get period error", zap.Error(err), zap.Int64("periodID", periodID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := periodResponse{
		ID:                 p.ID,
		DonationCount:      p.DonationCount,
		ClearedCount:       p.ClearedCount,
		TotalReceived:      p.TotalReceived,
		Raised:             p.Raised,
		RaisedUpTo:         p.RaisedUpTo,
		AverageRate:        p.AverageRate,
		IsInitialized:      p.IsInitialized,
		IsAverageComputed:  p.IsAverageComputed,
		TiedVolume:         p.TiedVolume,
		TiedVolumeIncluded: p.TiedVolumeIncluded,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type statusResponse struct {
	Started         bool   `json:"started"`
	Halted          bool   `json:"halted"`
	CurrentPeriod   int64  `json:"current_period"`
	SaleStart       string `json:"sale_start"`
	PeriodDuration  string `json:"period_duration"`
	MinContribution int64  `json:"min_contribution"`
	InitialRate     int64  `json:"initial_rate"`
	RateScale       int64  `json:"rate_scale"`
}

// GetStatus возвращает текущее состояние продажи.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Status(r.Context())
	if err != nil {
		h.logger.Error("get status error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := statusResponse{
		Started:         st.Started,
		Halted:          st.Halted,
		CurrentPeriod:   st.CurrentPeriod,
		SaleStart:       st.SaleStart.Format(time.RFC3339),
		PeriodDuration:  st.PeriodDuration.String(),
		MinContribution: st.MinContribution,
		InitialRate:     st.InitialRate,
		RateScale:       st.RateScale,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// Halt останавливает приём взносов.
func (h *Handler) Halt(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Halt(r.Context()); err != nil {
		h.logger.Error("halt error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Resume возобновляет приём взносов.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Resume(r.Context()); err != nil {
		h.logger.Error("resume error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type batchCollectRequest struct {
	DonationIDs []int64 `json:"donation_ids"`
}

// CollectBatch выполняет массовый расчёт взносов от имени администратора.
func (h *Handler) CollectBatch(w http.ResponseWriter, r *http.Request) {
	var req batchCollectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if len(req.DonationIDs) == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	settled := h.service.CollectBatch(r.Context(), req.DonationIDs)

	resp := make([]settlementResponse, 0, len(settled))
	for i := range settled {
		resp = append(resp, toSettlementResponse(&settled[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
