// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rtb

import (
	"errors"
	"fmt"
)

var (
	ErrNoBidders          = errors.New("no bidder endpoints registered")
	ErrExchangeBusy       = errors.New("exchange at auction capacity")
	ErrNoEligibleBids     = errors.New("no eligible bids")
	ErrNotificationFailed = errors.New("win notification failed")
)

// InvalidRequestError reports a malformed AdRequest. It is raised before fanout.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid ad request: %s: %s", e.Field, e.Reason)
}

// DuplicateAuctionError is returned when an auction id or request id was
// already recorded.
type DuplicateAuctionError struct {
	AuctionID string
	RequestID string
}

func (e *DuplicateAuctionError) Error() string {
	return fmt.Sprintf("duplicate auction %s for request %s", e.AuctionID, e.RequestID)
}

// ConflictError is an illegal ledger transition.
type ConflictError struct {
	AuctionID string
	From      Status
	To        Status
	Reason    string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("auction %s: illegal transition %s -> %s", e.AuctionID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Retryable reports whether the same transition can succeed later. An
// impression confirmed before the win notice is recorded can.
func (e *ConflictError) Retryable() bool {
	return e.From == StatusEvaluated && e.To == StatusImpressed
}

// NotFoundError is returned for unknown auction ids.
type NotFoundError struct {
	AuctionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("auction %s not found", e.AuctionID)
}

// LedgerConflictError surfaces a ledger invariant violation to RunAuction
// callers. It signals a defect and must not be retried.
type LedgerConflictError struct {
	Err error
}

func (e *LedgerConflictError) Error() string {
	return "internal error: " + e.Err.Error()
}

func (e *LedgerConflictError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}
