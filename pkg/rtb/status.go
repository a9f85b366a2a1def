// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rtb

import "fmt"

// Status is the lifecycle position of an auction. It only moves forward.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusEvaluated
	StatusNotified
	StatusImpressed
	StatusExpired
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusEvaluated: "evaluated",
	StatusNotified:  "notified",
	StatusImpressed: "impressed",
	StatusExpired:   "expired",
}

// successors lists the legal next states. Notified and Impressed further
// require the record to hold a winner, which the ledger checks.
var successors = map[Status][]Status{
	StatusPending:   {StatusEvaluated},
	StatusEvaluated: {StatusNotified, StatusExpired},
	StatusNotified:  {StatusImpressed, StatusExpired},
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// CanTransition reports whether to directly follows s.
func (s Status) CanTransition(to Status) bool {
	for _, next := range successors[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition exists.
func (s Status) Terminal() bool {
	return len(successors[s]) == 0
}

// RequiresWinner reports whether entering s needs a cleared auction.
func (s Status) RequiresWinner() bool {
	return s == StatusNotified || s == StatusImpressed
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	st, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseStatus converts a status name back to a Status.
func ParseStatus(name string) (Status, error) {
	for st, n := range statusNames {
		if n == name {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown auction status %q", name)
}
