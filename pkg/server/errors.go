package server

import (
	"encoding/json"
	"net/http"

	"github.com/Layr-Labs/car-trading-go/pkg/marketplace"
	"github.com/Layr-Labs/car-trading-go/pkg/tradingManager"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

const (
	kindBadRequest          = "BadRequest"
	kindNotFound            = "NotFound"
	kindUnauthorized        = "Unauthorized"
	kindRateLimited         = "RateLimited"
	kindBinding             = "BindingError"
	kindSubmission          = "SubmissionError"
	kindConfirmationTimeout = "ConfirmationTimeout"
	kindExecutionReverted   = "ExecutionReverted"
	kindQuery               = "QueryError"
	kindInternal            = "InternalError"
)

type errorResponse struct {
	Error           string `json:"error"`
	Kind            string `json:"kind"`
	TransactionHash string `json:"transactionHash,omitempty"`
	RequestID       string `json:"requestId,omitempty"`
}

// classify maps an operation error onto a status code, error kind and, where one exists,
// the transaction hash the caller can follow up on.
func classify(err error) (int, string, string) {
	var (
		bindingErr    *tradingManager.BindingError
		submissionErr *tradingManager.SubmissionError
		timeoutErr    *tradingManager.ConfirmationTimeout
		revertErr     *tradingManager.ExecutionReverted
		queryErr      *tradingManager.QueryError
	)
	switch {
	case errors.Is(err, marketplace.ErrCarNotFound), errors.Is(err, marketplace.ErrTradeNotFound):
		return http.StatusNotFound, kindNotFound, ""
	case errors.As(err, &bindingErr):
		return http.StatusBadRequest, kindBinding, ""
	case errors.As(err, &revertErr):
		return http.StatusConflict, kindExecutionReverted, hashOrEmpty(revertErr.TransactionHash)
	case errors.As(err, &timeoutErr):
		return http.StatusAccepted, kindConfirmationTimeout, hashOrEmpty(timeoutErr.TransactionHash)
	case errors.As(err, &submissionErr):
		return http.StatusServiceUnavailable, kindSubmission, hashOrEmpty(submissionErr.TransactionHash)
	case errors.As(err, &queryErr):
		return http.StatusBadGateway, kindQuery, ""
	default:
		return http.StatusInternalServerError, kindInternal, ""
	}
}

func hashOrEmpty(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind, txHash := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Sugar().Errorw("Request failed",
			"requestId", requestIDFrom(r.Context()),
			"path", r.URL.Path,
			"kind", kind,
			"error", err,
		)
	}
	respondError(w, r, status, kind, err.Error(), txHash)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, kind, message, txHash string) {
	respondJSON(w, status, errorResponse{
		Error:           message,
		Kind:            kind,
		TransactionHash: txHash,
		RequestID:       requestIDFrom(r.Context()),
	})
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
