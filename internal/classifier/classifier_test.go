package classifier

import (
	"errors"
	"testing"

	"github.com/crosslogic/billing-engine/internal/pkgerrors"
)

// Fixture pins the exact substrings the matcher keys on so a future edit
// can't silently drop a branch.
func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		errMsg   string
		category pkgerrors.Category
		code     string
	}{
		{"revoked", "permission revoked by owner", pkgerrors.CategoryTerminal, CodePermissionRevoked},
		{"revoked mixed case", "Permission REVOKED", pkgerrors.CategoryTerminal, CodePermissionRevoked},
		{"expired", "spend permission expired", pkgerrors.CategoryTerminal, CodePermissionExpired},
		{"erc20 balance", "ERC20: transfer amount exceeds balance", pkgerrors.CategoryRetryablePayment, CodeInsufficientBalance},
		{"insufficient balance", "insufficient balance for transfer", pkgerrors.CategoryRetryablePayment, CodeInsufficientBalance},
		{"not enough", "not enough funds in wallet", pkgerrors.CategoryRetryablePayment, CodeInsufficientBalance},
		{"5xx code", "provider returned error code: 503", pkgerrors.CategoryUpstreamTransient, CodeUpstreamService},
		{"timeout", "request timeout", pkgerrors.CategoryUpstreamTransient, CodeUpstreamService},
		{"timed out", "call timed out after 30s", pkgerrors.CategoryUpstreamTransient, CodeUpstreamService},
		{"gateway", "bad gateway", pkgerrors.CategoryUpstreamTransient, CodeUpstreamService},
		{"unavailable", "service unavailable", pkgerrors.CategoryUpstreamTransient, CodeUpstreamService},
		{"try again", "please try again later", pkgerrors.CategoryUpstreamTransient, CodeUpstreamService},
		{"temporarily", "temporarily down for maintenance", pkgerrors.CategoryUpstreamTransient, CodeUpstreamService},
		{"overload", "system overload", pkgerrors.CategoryUpstreamTransient, CodeUpstreamService},
		{"unclassified", "something went sideways", pkgerrors.CategoryOther, CodePaymentFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(errors.New(tc.errMsg))
			if got.Category != tc.category {
				t.Errorf("category = %q, want %q", got.Category, tc.category)
			}
			if got.Code != tc.code {
				t.Errorf("code = %q, want %q", got.Code, tc.code)
			}
		})
	}
}

func TestClassify_OrderingPrecedence(t *testing.T) {
	// "revoked" must win over "insufficient balance" even if both appear —
	// terminal precedes retryable-payment.
	err := errors.New("permission revoked: insufficient balance noted in logs")
	got := Classify(err)
	if got.Category != pkgerrors.CategoryTerminal {
		t.Errorf("expected terminal precedence, got %q", got.Category)
	}

	// "insufficient balance" must win over "timeout" — retryable-payment
	// precedes upstream-transient.
	err2 := errors.New("insufficient balance after gateway timeout")
	got2 := Classify(err2)
	if got2.Category != pkgerrors.CategoryRetryablePayment {
		t.Errorf("expected retryable-payment precedence, got %q", got2.Category)
	}
}

func TestClassify_Nil(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("Classify(nil) should return nil")
	}
}
