package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/leadline/sms-backend/internal/policy"
	"github.com/leadline/sms-backend/internal/sms"
)

type sendRequest struct {
	CustomerID     string `json:"customer_id"`
	To             string `json:"to"`
	Body           string `json:"body"`
	From           string `json:"from,omitempty"`
	StatusCallback string `json:"status_callback,omitempty"`
}

// SendSMS queues an outbound message. An Idempotency-Key header makes
// retries return the original job.
func (api *API) SendSMS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var request sendRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if !validCustomerID(request.CustomerID) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "customer_id is required")
		return
	}
	request.To = strings.TrimSpace(request.To)
	if request.To == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "to is required")
		return
	}
	if err := policy.CheckOutbound(request.Body); err != nil {
		message := "message blocked by policy"
		var violation *policy.PolicyViolationError
		if errors.As(err, &violation) && len(violation.Violations) > 0 {
			message = violation.Violations[0].Message
		}
		writeError(w, r, http.StatusUnprocessableEntity, "policy_violation", message)
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	payloadHash := hashPayload(request)
	if idempotencyKey != "" {
		idempotencyKey = request.CustomerID + ":" + idempotencyKey
		if entry, exists := api.idempotency.Get(idempotencyKey); exists {
			if entry.PayloadHash != payloadHash {
				writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
				return
			}
			writeJSON(w, http.StatusAccepted, sms.QueueResult{Queued: true, JobID: entry.JobID})
			return
		}
	}

	result, err := api.gateway.QueueSMS(r.Context(), sms.SendParams{
		CustomerID:     request.CustomerID,
		To:             request.To,
		Body:           request.Body,
		From:           strings.TrimSpace(request.From),
		StatusCallback: strings.TrimSpace(request.StatusCallback),
	})
	if err != nil {
		api.logf("queue sms failed customer_id=%s to=%s err=%v", request.CustomerID, policy.MaskPhone(request.To), err)
		writeError(w, r, http.StatusServiceUnavailable, "queue_unavailable", "failed to queue sms")
		return
	}

	if idempotencyKey != "" {
		api.idempotency.Put(idempotencyKey, payloadHash, result.JobID)
	}
	writeJSON(w, http.StatusAccepted, result)
}
