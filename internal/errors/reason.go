package errors

import (
	"context"
	"errors"
)

// Reason maps an error to a short, stable label used in metrics, the attempt
// journal and run summaries.
func Reason(err error) string {
	if err == nil {
		return ""
	}

	var (
		authErr       *AuthError
		rejectedErr   *RejectedError
		stageErr      *StageTimeoutError
		codeErr       *CodeTimeoutError
		incompleteErr *IncompleteCredentialError
		staleErr      *StaleExpiryError
		remoteErr     *RemoteStoreError
		invalidErr    *InvalidPopulationError
		gatewayErr    *GatewayError
		proxyErr      *ErrNoHealthyNode
	)

	switch {
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &rejectedErr):
		return "rejected"
	case errors.As(err, &stageErr):
		return "stage_timeout"
	case errors.As(err, &codeErr):
		return "code_timeout"
	case errors.As(err, &incompleteErr):
		return "incomplete_credential"
	case errors.As(err, &staleErr):
		return "stale_expiry"
	case errors.As(err, &invalidErr):
		return "invalid_population"
	case errors.As(err, &remoteErr):
		return "remote_store"
	case errors.As(err, &gatewayErr):
		return "gateway"
	case errors.As(err, &proxyErr):
		return "no_egress"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	default:
		return "internal"
	}
}
