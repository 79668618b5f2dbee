package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Reason is a machine-readable error code surfaced to callers.
type Reason string

const (
	ReasonNotOrganizer         Reason = "NOT_ORGANIZER"
	ReasonNotOwner             Reason = "NOT_OWNER"
	ReasonNotSystem            Reason = "NOT_SYSTEM"
	ReasonCommunityMismatch    Reason = "COMMUNITY_MISMATCH"
	ReasonInvalidTransition    Reason = "INVALID_TRANSITION"
	ReasonMissingPartyLocation Reason = "MISSING_PARTY_LOCATION"
	ReasonMissingScreenshot    Reason = "MISSING_SCREENSHOT"
	ReasonRunNotLive           Reason = "RUN_NOT_LIVE"
	ReasonRunClosed            Reason = "RUN_CLOSED"
	ReasonNotJoined            Reason = "NOT_JOINED"
	ReasonInvalidAmount        Reason = "INVALID_AMOUNT"
	ReasonInvalidInput         Reason = "INVALID_INPUT"
	ReasonCheckpointConflict   Reason = "CHECKPOINT_CONFLICT"
	ReasonDuplicateRun         Reason = "DUPLICATE_RUN"
)

// ValidationError reports malformed or missing input. Fields maps a field
// name to what is wrong with it.
type ValidationError struct {
	Reason  Reason
	Message string
	Fields  map[string]string
}

func (e ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("%s (%s)", e.Message, strings.Join(parts, ", "))
}

// AuthorizationError reports a missing capability, ownership or scope.
type AuthorizationError struct {
	Reason  Reason
	Message string
}

func (e AuthorizationError) Error() string { return e.Message }

// StateError reports an operation that the run's status does not allow.
type StateError struct {
	Reason    Reason
	Current   RunStatus
	Requested RunStatus
	Message   string
}

func (e StateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("invalid run transition %s -> %s", e.Current, e.Requested)
}

// ConflictError reports a concurrent or duplicate write.
type ConflictError struct {
	Reason  Reason
	Message string
}

func (e ConflictError) Error() string { return e.Message }

func Invalid(field, problem string) ValidationError {
	return ValidationError{
		Reason:  ReasonInvalidInput,
		Message: field + " " + problem,
		Fields:  map[string]string{field: problem},
	}
}

// ReasonOf returns the reason code carried by err, or "" for untyped errors.
func ReasonOf(err error) Reason {
	var ve ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	var ae AuthorizationError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	var se StateError
	if errors.As(err, &se) {
		return se.Reason
	}
	var ce ConflictError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}
