package attendance

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Period is a half-day attendance window.
type Period string

const (
	Morning   Period = "morning"
	Afternoon Period = "afternoon"
)

// ParsePeriod validates a period string from a request.
func ParsePeriod(s string) (Period, error) {
	switch Period(strings.ToLower(strings.TrimSpace(s))) {
	case Morning:
		return Morning, nil
	case Afternoon:
		return Afternoon, nil
	}
	return "", fmt.Errorf("invalid period %q", s)
}

// PeriodByHour returns the default-period policy: morning strictly before
// the boundary hour, afternoon from the boundary on.
func PeriodByHour(boundary int) func(time.Time) Period {
	return func(now time.Time) Period {
		if now.Hour() < boundary {
			return Morning
		}
		return Afternoon
	}
}

// Method identifies how a presence claim was authenticated.
type Method string

const (
	MethodManual  Method = "manual"
	MethodQR      Method = "qr_code"
	MethodNumeric Method = "numeric_code"
)

// Presence is the tri-state per-period mark. Unmarked is distinct from
// Absent: a participant nobody has touched yet is not "absent".
type Presence int

const (
	Unmarked Presence = iota
	Present
	Absent
)

// Scan maps a nullable SQL boolean onto the tri-state.
func (p *Presence) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = Unmarked
	case bool:
		if v {
			*p = Present
		} else {
			*p = Absent
		}
	default:
		return fmt.Errorf("cannot scan %T into Presence", src)
	}
	return nil
}

// Value stores the tri-state as a nullable boolean.
func (p Presence) Value() (driver.Value, error) {
	switch p {
	case Unmarked:
		return nil, nil
	case Present:
		return true, nil
	case Absent:
		return false, nil
	}
	return nil, fmt.Errorf("invalid Presence %d", int(p))
}

// MarshalJSON renders the tri-state as null / true / false, matching
// what sheet consumers expect.
func (p Presence) MarshalJSON() ([]byte, error) {
	switch p {
	case Present:
		return []byte("true"), nil
	case Absent:
		return []byte("false"), nil
	}
	return []byte("null"), nil
}

// UnmarshalJSON accepts null / true / false.
func (p *Presence) UnmarshalJSON(data []byte) error {
	var b *bool
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	switch {
	case b == nil:
		*p = Unmarked
	case *b:
		*p = Present
	default:
		*p = Absent
	}
	return nil
}

// PeriodMark is one half-day cell of a row.
type PeriodMark struct {
	Present  Presence   `json:"present"`
	SignedAt *time.Time `json:"signed_at,omitempty"`
	Method   Method     `json:"signature_method,omitempty"`
}

// Row is the per-participant per-slot attendance record. Created lazily
// the first time any endpoint touches the pair.
type Row struct {
	ID            string     `json:"id"`
	SlotID        string     `json:"slot_id"`
	ParticipantID string     `json:"participant_id"`
	Morning       PeriodMark `json:"morning"`
	Afternoon     PeriodMark `json:"afternoon"`
	AbsenceReason *string    `json:"absence_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Mark returns the cell for a period.
func (r *Row) Mark(p Period) *PeriodMark {
	if p == Afternoon {
		return &r.Afternoon
	}
	return &r.Morning
}

// Slot is a single scheduled meeting occurrence within a course session.
type Slot struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	OrgID     string    `json:"org_id"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	Location  *string   `json:"location,omitempty"`
}

// Participant is a learner registered on a course session.
type Participant struct {
	ID        string  `json:"id"`
	SessionID string  `json:"session_id"`
	Name      string  `json:"name"`
	Email     *string `json:"email,omitempty"`
}

// Signature is the trainer's attestation that a slot occurred as recorded.
// One per slot; re-signing overwrites.
type Signature struct {
	SlotID    string    `json:"slot_id"`
	TrainerID string    `json:"trainer_id"`
	Data      string    `json:"signature_data"`
	SignedAt  time.Time `json:"signed_at"`
	SignerIP  string    `json:"signer_ip"`
}

// Sentinel errors the HTTP layer maps onto status codes.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNoActiveCode        = errors.New("no active attendance code")
	ErrCodeExpired         = errors.New("attendance code expired")
	ErrCodeInvalid         = errors.New("invalid attendance code")
	ErrAlreadyValidated    = errors.New("attendance already validated for this period")
	ErrConfirmRequired     = errors.New("explicit confirmation required")
)
