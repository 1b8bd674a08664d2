package driftline

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Message)
}

// ValidationErrors aggregates all problems found in one record so callers
// see the full picture in a single rejection.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

const (
	maxSubjectKeyLen = 128
	maxMediaRefLen   = 512

	// maxClockSkew bounds how far in the future a capture timestamp may
	// sit before it is rejected as a device clock fault.
	maxClockSkew = 5 * time.Minute

	// maxEventAge bounds how old a capture timestamp may be. Replayed
	// buffers after long outages stay within this window.
	maxEventAge = 90 * 24 * time.Hour
)

// Validator checks event records before they reach the store. Validation
// happens once at capture; queued payloads are trusted thereafter. Missing
// values with a safe default are repaired in place rather than rejected.
type Validator struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewValidator creates a Validator using the wall clock.
func NewValidator() *Validator {
	return &Validator{logger: slog.Default(), now: time.Now}
}

// ValidateEvent returns ValidationErrors describing every problem with the
// record, or nil when it is acceptable. An unset status is repaired to the
// normal on-time value.
func (v *Validator) ValidateEvent(rec *EventRecord) error {
	var errs ValidationErrors

	if rec.SubjectKey == "" {
		errs = append(errs, ValidationError{Field: "subject_key", Message: "must not be empty"})
	} else {
		if len(rec.SubjectKey) > maxSubjectKeyLen {
			errs = append(errs, ValidationError{
				Field:   "subject_key",
				Message: fmt.Sprintf("exceeds %d bytes", maxSubjectKeyLen),
			})
		}
		if !utf8.ValidString(rec.SubjectKey) {
			errs = append(errs, ValidationError{Field: "subject_key", Message: "must be valid UTF-8"})
		}
		if strings.ContainsAny(rec.SubjectKey, ":\n\r\t") {
			errs = append(errs, ValidationError{
				Field:   "subject_key",
				Message: "must not contain ':' or control characters",
			})
		}
	}

	switch rec.EventType {
	case EventCheckIn, EventCheckOut:
	case "":
		errs = append(errs, ValidationError{Field: "event_type", Message: "must not be empty"})
	default:
		errs = append(errs, ValidationError{
			Field:   "event_type",
			Message: fmt.Sprintf("unknown type %q", rec.EventType),
		})
	}

	switch rec.Status {
	case StatusPresent, StatusLate, StatusUnknown:
	case "":
		rec.Status = StatusPresent
		if v.logger != nil {
			v.logger.Debug("event status defaulted", "subject_key", rec.SubjectKey, "status", StatusPresent)
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("unknown status %q", rec.Status),
		})
	}

	now := v.now()
	switch {
	case rec.Timestamp.IsZero():
		errs = append(errs, ValidationError{Field: "timestamp", Message: "must be set"})
	case rec.Timestamp.After(now.Add(maxClockSkew)):
		errs = append(errs, ValidationError{
			Field:   "timestamp",
			Message: fmt.Sprintf("is %s in the future", rec.Timestamp.Sub(now).Round(time.Second)),
		})
	case rec.Timestamp.Before(now.Add(-maxEventAge)):
		errs = append(errs, ValidationError{Field: "timestamp", Message: "is older than the retention window"})
	}

	if len(rec.MediaRef) > maxMediaRefLen {
		errs = append(errs, ValidationError{
			Field:   "media_ref",
			Message: fmt.Sprintf("exceeds %d bytes", maxMediaRefLen),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
