package domain

import "github.com/cockroachdb/errors"

// Error kinds. Every specific error below is marked with exactly one kind so
// callers can branch with errors.Is(err, ErrConflict) etc.
var (
	ErrValidation          = errors.New("validation error")
	ErrConflict            = errors.New("conflict")
	ErrState               = errors.New("invalid state")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrExternal            = errors.New("external failure")
)

var kinds = []error{ErrValidation, ErrConflict, ErrState, ErrNotFound, ErrInsufficientBalance, ErrExternal}

func kind(msg string, k error) error {
	return errors.Mark(errors.New(msg), k)
}

var (
	ErrSerializationFailure = kind("serialization failure", ErrConflict)
	ErrInvalidInput         = kind("invalid input", ErrValidation)

	ErrAllocationExhausted = kind("token id space exhausted", ErrState)

	ErrOutOfStock          = kind("out of stock", ErrConflict)
	ErrWalletCapExceeded   = kind("per-wallet purchase cap exceeded", ErrValidation)
	ErrEventNotPurchasable = kind("event is not purchasable", ErrState)
	ErrAlreadyTerminal     = kind("already in a terminal state", ErrState)

	ErrPaymentDeclined     = kind("payment declined", ErrExternal)
	ErrPayoutFailed        = kind("payout failed", ErrExternal)
	ErrInvalidReferralCode = kind("invalid referral code", ErrValidation)

	ErrResaleDisabled           = kind("resale disabled for event", ErrState)
	ErrSoulboundTicket          = kind("ticket is soulbound", ErrState)
	ErrPriceCeilingExceeded     = kind("price exceeds resale ceiling", ErrValidation)
	ErrAlreadyListed            = kind("ticket already listed", ErrConflict)
	ErrNotOwner                 = kind("caller does not own the ticket", ErrValidation)
	ErrInvalidInstanceState     = kind("ticket state does not allow operation", ErrState)
	ErrListingNoLongerAvailable = kind("listing no longer available", ErrConflict)
	ErrSelfPurchaseNotAllowed   = kind("seller cannot buy own listing", ErrValidation)

	ErrBelowMinimum   = kind("amount below platform minimum", ErrValidation)
	ErrAlreadyClaimed = kind("withdrawal already claimed", ErrConflict)
	ErrBalanceShort   = kind("amount exceeds available balance", ErrInsufficientBalance)

	ErrInvalidTransition = kind("status transition not allowed", ErrState)
	ErrDuplicate         = kind("duplicate", ErrConflict)
	ErrForbidden         = kind("principal not permitted", ErrValidation)
)

// KindOf returns the kind sentinel err is marked with, or nil for unclassified errors.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Invalid builds a validation error carrying a field-specific message.
func Invalid(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}
