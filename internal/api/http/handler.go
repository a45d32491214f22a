package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"rental-escrow-backend/internal/domain"
	"rental-escrow-backend/internal/logger"
	"rental-escrow-backend/internal/security"
	"rental-escrow-backend/internal/service"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

// Handler exposes the rental lifecycle over JSON/HTTP.
type Handler struct {
	lifecycle service.RentalLifecycle
	tokens    security.TokenManager
}

func NewHandler(lifecycle service.RentalLifecycle, tokens security.TokenManager) *Handler {
	return &Handler{lifecycle: lifecycle, tokens: tokens}
}

// Router builds the mux with every named route and the auth and metrics
// middleware attached. Route names key into config.EndpointSecurityConfig.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(metricsMiddleware, h.authMiddleware)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet).Name("Health")
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet).Name("Metrics")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/listings", h.CreateListing).Methods(http.MethodPost).Name("CreateListing")
	api.HandleFunc("/listings/{id}", h.GetListing).Methods(http.MethodGet).Name("GetListing")
	api.HandleFunc("/listings/{id}/close", h.CloseListing).Methods(http.MethodPost).Name("CloseListing")
	api.HandleFunc("/listings/{id}/bookings", h.Book).Methods(http.MethodPost).Name("Book")
	api.HandleFunc("/agreements/{id}/code", h.IssueCompletionCode).Methods(http.MethodPost).Name("IssueCompletionCode")
	api.HandleFunc("/agreements/{id}/complete", h.RequestCompletion).Methods(http.MethodPost).Name("RequestCompletion")
	api.HandleFunc("/agreements/{id}/cancel", h.CancelAgreement).Methods(http.MethodPost).Name("CancelAgreement")
	api.HandleFunc("/agreements/{id}/penalties", h.AddPenalty).Methods(http.MethodPost).Name("AddPenalty")
	return r
}

type createListingRequest struct {
	OwnerAddress      string `json:"owner_address"`
	OwnerContact      string `json:"owner_contact"`
	Title             string `json:"title"`
	RentAmount        int64  `json:"rent_amount"`
	DepositAmount     int64  `json:"deposit_amount"`
	AvailableQuantity int32  `json:"available_quantity"`
	LateFeeEnabled    bool   `json:"late_fee_enabled"`
}

type bookRequest struct {
	RenterContact string `json:"renter_contact"`
	RenterSecret  string `json:"renter_secret"`
	DurationHours int    `json:"duration_hours"`
}

type completeRequest struct {
	Code string `json:"code"`
}

type penaltyRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type codeIssuedResponse struct {
	AgreementID string    `json:"agreement_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	listing, err := h.lifecycle.CreateListing(r.Context(), service.CreateListingRequest{
		OwnerID:           CallerID(r.Context()),
		OwnerAddress:      req.OwnerAddress,
		OwnerContact:      req.OwnerContact,
		Title:             req.Title,
		RentAmount:        req.RentAmount,
		DepositAmount:     req.DepositAmount,
		AvailableQuantity: req.AvailableQuantity,
		LateFeeEnabled:    req.LateFeeEnabled,
	})
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/listings/"+listing.ID)
	respondWithJSON(w, http.StatusCreated, listing)
}

func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	listing, err := h.lifecycle.GetListing(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, listing)
}

func (h *Handler) CloseListing(w http.ResponseWriter, r *http.Request) {
	listing, err := h.lifecycle.CloseListing(r.Context(), CallerID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, listing)
}

func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DurationHours < 0 {
		respondWithError(w, http.StatusBadRequest, domain.KindValidation, "duration_hours must not be negative")
		return
	}
	agreement, err := h.lifecycle.Book(r.Context(), service.BookRequest{
		ListingID:     mux.Vars(r)["id"],
		RenterID:      CallerID(r.Context()),
		RenterContact: req.RenterContact,
		RenterSecret:  req.RenterSecret,
		Duration:      time.Duration(req.DurationHours) * time.Hour,
	})
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, agreement)
}

func (h *Handler) IssueCompletionCode(w http.ResponseWriter, r *http.Request) {
	agreementID := mux.Vars(r)["id"]
	expiresAt, err := h.lifecycle.IssueCompletionCode(r.Context(), CallerID(r.Context()), agreementID)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, codeIssuedResponse{AgreementID: agreementID, ExpiresAt: expiresAt})
}

func (h *Handler) RequestCompletion(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	agreement, err := h.lifecycle.RequestCompletion(r.Context(), CallerID(r.Context()), mux.Vars(r)["id"], req.Code)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, agreement)
}

func (h *Handler) CancelAgreement(w http.ResponseWriter, r *http.Request) {
	agreement, err := h.lifecycle.Cancel(r.Context(), CallerID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, agreement)
}

func (h *Handler) AddPenalty(w http.ResponseWriter, r *http.Request) {
	var req penaltyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	agreement, err := h.lifecycle.AddPenalty(r.Context(), CallerID(r.Context()), mux.Vars(r)["id"], req.Amount, req.Reason)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, agreement)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, domain.KindValidation, "Malformed JSON body")
		return false
	}
	return true
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindInvalidCode, domain.KindCodeExpired:
		return http.StatusUnprocessableEntity
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindLedgerRejected:
		return http.StatusBadGateway
	case domain.KindLedgerTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.Kind(err)
	code := statusFor(kind)
	message := err.Error()
	if kind == domain.KindInternal {
		logger.ErrorContext(r.Context(), "Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		message = "Internal Server Error"
	}
	var ledgerErr *domain.LedgerError
	if errors.As(err, &ledgerErr) && ledgerErr.TxHash != "" {
		respondWithJSON(w, code, map[string]string{"error": message, "kind": string(kind), "tx_hash": ledgerErr.TxHash})
		return
	}
	respondWithError(w, code, kind, message)
}

func respondWithError(w http.ResponseWriter, code int, kind domain.ErrorKind, message string) {
	respondWithJSON(w, code, map[string]string{"error": message, "kind": string(kind)})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
