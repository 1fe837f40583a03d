// Package classifier turns an opaque provider error message into one of
// four outcomes the payment processor can act on: string matching only,
// no I/O, no state.
package classifier

import (
	"strings"

	"github.com/crosslogic/billing-engine/internal/pkgerrors"
)

// Domain error codes exposed to merchants.
const (
	CodePermissionRevoked   = "permission_revoked"
	CodePermissionExpired   = "permission_expired"
	CodeInsufficientBalance = "insufficient_balance"
	CodeUpstreamService     = "upstream_service_error"
	CodePaymentFailed       = "payment_failed"
)

// Classify maps a provider error to its (category, code) pair. The order
// of the checks is load-bearing: Terminal precedes RetryablePayment
// precedes UpstreamTransient precedes Other. Every branch here is
// pinned by a fixture test — do not reorder without updating it.
func Classify(err error) *pkgerrors.PaymentError {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "revoked"):
		return pkgerrors.NewPaymentError(CodePermissionRevoked, err.Error(), pkgerrors.CategoryTerminal, false)

	case strings.Contains(msg, "expired"):
		return pkgerrors.NewPaymentError(CodePermissionExpired, err.Error(), pkgerrors.CategoryTerminal, false)

	case strings.Contains(msg, "erc20: transfer amount exceeds balance"),
		strings.Contains(msg, "insufficient balance"),
		strings.Contains(msg, "not enough"):
		return pkgerrors.NewPaymentError(CodeInsufficientBalance, err.Error(), pkgerrors.CategoryRetryablePayment, true)

	case strings.Contains(msg, "error code: 5"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "gateway"),
		strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "try again"),
		strings.Contains(msg, "temporarily"),
		strings.Contains(msg, "overload"):
		return pkgerrors.NewPaymentError(CodeUpstreamService, err.Error(), pkgerrors.CategoryUpstreamTransient, true)

	default:
		return pkgerrors.NewPaymentError(CodePaymentFailed, err.Error(), pkgerrors.CategoryOther, false)
	}
}
