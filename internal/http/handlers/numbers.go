package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/leadline/sms-backend/internal/sms"
)

type provisionRequest struct {
	CustomerID       string `json:"customer_id"`
	RegionOrAreaCode string `json:"region_or_area_code,omitempty"`
}

type releaseRequest struct {
	CustomerID  string `json:"customer_id"`
	PhoneNumber string `json:"phone_number"`
}

func (api *API) ProvisionNumber(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var request provisionRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if !validCustomerID(request.CustomerID) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "customer_id is required")
		return
	}

	result, err := api.gateway.ProvisionNumber(r.Context(), sms.ProvisionParams{
		CustomerID:       request.CustomerID,
		RegionOrAreaCode: strings.TrimSpace(request.RegionOrAreaCode),
	})
	if err != nil {
		api.writeProviderError(w, r, "provision", request.CustomerID, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (api *API) ReleaseNumber(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var request releaseRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if !validCustomerID(request.CustomerID) || strings.TrimSpace(request.PhoneNumber) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "customer_id and phone_number are required")
		return
	}

	result, err := api.gateway.ReleaseNumber(r.Context(), sms.ReleaseParams{
		CustomerID:  request.CustomerID,
		PhoneNumber: strings.TrimSpace(request.PhoneNumber),
	})
	if err != nil {
		api.writeProviderError(w, r, "release", request.CustomerID, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (api *API) writeProviderError(w http.ResponseWriter, r *http.Request, operation, customerID string, err error) {
	api.logf("sms %s failed customer_id=%s err=%v", operation, customerID, err)
	switch {
	case errors.Is(err, sms.ErrProviderNotRegistered), errors.Is(err, sms.ErrMissingCredentials):
		writeError(w, r, http.StatusInternalServerError, "provider_misconfigured", "sms provider is not configured")
	case errors.Is(err, sms.ErrNotSupported):
		writeError(w, r, http.StatusNotImplemented, "not_supported", "operation not supported by sms provider")
	default:
		writeError(w, r, http.StatusBadGateway, "provider_error", "sms provider request failed")
	}
}
