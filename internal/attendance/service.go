package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store is the persistence surface the service needs. *Repository is the
// Postgres implementation; tests substitute an in-memory one.
type Store interface {
	GetSlot(ctx context.Context, orgID, sessionID, slotID string) (*Slot, error)
	ListParticipants(ctx context.Context, sessionID string) ([]Participant, error)
	GetParticipant(ctx context.Context, sessionID, participantID string) (*Participant, error)

	GetOrCreateRow(ctx context.Context, slotID, participantID string) (Row, error)
	MarkPresent(ctx context.Context, rowID string, period Period, method Method, at time.Time) (Row, error)
	MarkAbsent(ctx context.Context, rowID string, period Period, reason string) (Row, error)

	ActiveCode(ctx context.Context, slotID string, period Period) (*Code, error)
	FindCodeByProof(ctx context.Context, slotID string, proof Proof) (*Code, error)
	DeactivateCodes(ctx context.Context, slotID string, period Period) error
	InsertCode(ctx context.Context, code Code) (Code, error)

	GetSignature(ctx context.Context, slotID string) (*Signature, error)
	UpsertSignature(ctx context.Context, sig Signature) (Signature, error)

	StatsInputs(ctx context.Context, orgID, sessionID string) (StatsInputs, error)
}

// Service coordinates attendance marking, code validation, and trainer
// attestation for session slots.
type Service struct {
	store    Store
	codeTTL  time.Duration
	now      func() time.Time
	periodOf func(time.Time) Period
}

// NewService creates a service. codeTTL bounds the verification-code
// window; periodOf decides the default period when a request does not name
// one (nil gets the 13:00 wall-clock boundary).
func NewService(store Store, codeTTL time.Duration, periodOf func(time.Time) Period) *Service {
	if codeTTL <= 0 {
		codeTTL = 2 * time.Hour
	}
	if periodOf == nil {
		periodOf = PeriodByHour(13)
	}
	return &Service{
		store:    store,
		codeTTL:  codeTTL,
		now:      func() time.Time { return time.Now().UTC() },
		periodOf: periodOf,
	}
}

// SetNow overrides the clock; tests use this to pin expiry behavior.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// Sheet is the full attendance projection for one slot.
type Sheet struct {
	Slot          Slot       `json:"slot"`
	Rows          []SheetRow `json:"rows"`
	Stats         SheetStats `json:"stats"`
	TrainerSigned bool       `json:"trainer_signed"`
	Signature     *Signature `json:"trainer_signature,omitempty"`
	GeneratedAt   time.Time  `json:"generated_at"`
}

// SheetRow pairs a participant with their attendance row.
type SheetRow struct {
	Participant Participant `json:"participant"`
	Row         Row         `json:"attendance"`
}

// GetSheet loads the slot's sheet, lazily creating a row for every
// registered participant so the sheet is always complete.
func (s *Service) GetSheet(ctx context.Context, orgID, sessionID, slotID string) (*Sheet, error) {
	slot, err := s.store.GetSlot(ctx, orgID, sessionID, slotID)
	if err != nil {
		return nil, err
	}
	participants, err := s.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sheet := &Sheet{Slot: *slot, GeneratedAt: s.now()}
	rows := make([]Row, 0, len(participants))
	for _, p := range participants {
		row, err := s.store.GetOrCreateRow(ctx, slot.ID, p.ID)
		if err != nil {
			return nil, fmt.Errorf("row for participant %s: %w", p.ID, err)
		}
		rows = append(rows, row)
		sheet.Rows = append(sheet.Rows, SheetRow{Participant: p, Row: row})
	}
	sheet.Stats = computeSheetStats(rows)

	sig, err := s.store.GetSignature(ctx, slot.ID)
	if err != nil {
		return nil, err
	}
	sheet.TrainerSigned = sig != nil
	sheet.Signature = sig
	return sheet, nil
}

// Mark records one participant's presence or absence for a period.
// Marking present twice is idempotent and just re-stamps; marking absent
// stores the reason and clears any proof-of-presence stamp.
func (s *Service) Mark(ctx context.Context, orgID, sessionID, slotID, participantID string, period Period, present bool, reason string) (Row, error) {
	slot, err := s.store.GetSlot(ctx, orgID, sessionID, slotID)
	if err != nil {
		return Row{}, err
	}
	if _, err := s.store.GetParticipant(ctx, sessionID, participantID); err != nil {
		return Row{}, err
	}
	row, err := s.store.GetOrCreateRow(ctx, slot.ID, participantID)
	if err != nil {
		return Row{}, err
	}
	if present {
		return s.store.MarkPresent(ctx, row.ID, period, MethodManual, s.now())
	}
	return s.store.MarkAbsent(ctx, row.ID, period, reason)
}

// BulkItem is one entry of a bulk marking request.
type BulkItem struct {
	ParticipantID string `json:"participant_id"`
	Period        string `json:"period"`
	Present       bool   `json:"present"`
	AbsenceReason string `json:"absence_reason"`
}

// BulkFailure reports one item that could not be applied.
type BulkFailure struct {
	ParticipantID string `json:"participant_id"`
	Reason        string `json:"reason"`
}

// BulkResult separates applied updates from per-item failures.
type BulkResult struct {
	Updated []Row         `json:"updated"`
	Failed  []BulkFailure `json:"failed"`
}

// BulkMark applies a whole-sheet batch with partial-success semantics:
// every item is attempted, successes stay committed, and failures (unknown
// participant, bad period) come back in the Failed list instead of rolling
// anything back.
func (s *Service) BulkMark(ctx context.Context, orgID, sessionID, slotID string, items []BulkItem) (*BulkResult, error) {
	slot, err := s.store.GetSlot(ctx, orgID, sessionID, slotID)
	if err != nil {
		return nil, err
	}

	res := &BulkResult{Updated: []Row{}, Failed: []BulkFailure{}}
	for _, item := range items {
		period, err := ParsePeriod(item.Period)
		if err != nil {
			res.Failed = append(res.Failed, BulkFailure{ParticipantID: item.ParticipantID, Reason: err.Error()})
			bulkItems.WithLabelValues("failed").Inc()
			continue
		}
		if _, err := s.store.GetParticipant(ctx, sessionID, item.ParticipantID); err != nil {
			res.Failed = append(res.Failed, BulkFailure{ParticipantID: item.ParticipantID, Reason: "participant not found"})
			bulkItems.WithLabelValues("failed").Inc()
			continue
		}
		row, err := s.store.GetOrCreateRow(ctx, slot.ID, item.ParticipantID)
		if err == nil {
			if item.Present {
				row, err = s.store.MarkPresent(ctx, row.ID, period, MethodManual, s.now())
			} else {
				row, err = s.store.MarkAbsent(ctx, row.ID, period, item.AbsenceReason)
			}
		}
		if err != nil {
			res.Failed = append(res.Failed, BulkFailure{ParticipantID: item.ParticipantID, Reason: err.Error()})
			bulkItems.WithLabelValues("failed").Inc()
			continue
		}
		res.Updated = append(res.Updated, row)
		bulkItems.WithLabelValues("updated").Inc()
	}
	return res, nil
}

// GetOrGenerateCode returns the active code for a slot/period, minting one
// when none is valid. regenerate forces supersession: the previous active
// code is flagged inactive and a fresh one is created, after which the old
// numeric and QR values no longer validate. A nil period falls back to the
// wall-clock heuristic.
func (s *Service) GetOrGenerateCode(ctx context.Context, orgID, sessionID, slotID string, period *Period, regenerate bool) (Code, error) {
	slot, err := s.store.GetSlot(ctx, orgID, sessionID, slotID)
	if err != nil {
		return Code{}, err
	}
	now := s.now()

	p := s.periodOf(now)
	if period != nil {
		p = *period
	}

	if !regenerate {
		active, err := s.store.ActiveCode(ctx, slot.ID, p)
		if err != nil {
			return Code{}, err
		}
		if active != nil && active.Valid(now) {
			return *active, nil
		}
	}

	if err := s.store.DeactivateCodes(ctx, slot.ID, p); err != nil {
		return Code{}, err
	}
	return s.store.InsertCode(ctx, NewCode(slot.ID, p, now, s.codeTTL))
}

// ValidateCode is participant self-check-in: resolve the presented proof
// to a code, enforce the window, and mark presence once. Unlike manual
// marking, validation is one-shot per period: a second attempt while a
// signed-at stamp exists is rejected, even with a still-valid code.
func (s *Service) ValidateCode(ctx context.Context, orgID, sessionID, slotID, participantID string, proof Proof) (Row, error) {
	slot, err := s.store.GetSlot(ctx, orgID, sessionID, slotID)
	if err != nil {
		return Row{}, err
	}
	if _, err := s.store.GetParticipant(ctx, sessionID, participantID); err != nil {
		return Row{}, err
	}

	code, err := s.store.FindCodeByProof(ctx, slot.ID, proof)
	if err != nil {
		return Row{}, err
	}
	if code == nil {
		codeValidations.WithLabelValues("invalid").Inc()
		return Row{}, ErrCodeInvalid
	}
	now := s.now()
	if code.Expired(now) {
		codeValidations.WithLabelValues("expired").Inc()
		return Row{}, ErrCodeExpired
	}
	if !code.Active {
		// superseded by regeneration; reported as a plain invalid code
		codeValidations.WithLabelValues("invalid").Inc()
		return Row{}, ErrCodeInvalid
	}

	row, err := s.store.GetOrCreateRow(ctx, slot.ID, participantID)
	if err != nil {
		return Row{}, err
	}
	if row.Mark(code.Period).SignedAt != nil {
		codeValidations.WithLabelValues("already_validated").Inc()
		return Row{}, ErrAlreadyValidated
	}

	updated, err := s.store.MarkPresent(ctx, row.ID, code.Period, proof.Method(), now)
	if err != nil {
		return Row{}, err
	}
	codeValidations.WithLabelValues("ok").Inc()
	return updated, nil
}

// SignSlot records the trainer's attestation. The confirm flag guards
// against accidental submission and must be explicitly true.
func (s *Service) SignSlot(ctx context.Context, orgID, sessionID, slotID, trainerID, signatureData, signerIP string, confirm bool) (Signature, error) {
	if !confirm {
		return Signature{}, ErrConfirmRequired
	}
	slot, err := s.store.GetSlot(ctx, orgID, sessionID, slotID)
	if err != nil {
		return Signature{}, err
	}
	return s.store.UpsertSignature(ctx, Signature{
		SlotID:    slot.ID,
		TrainerID: trainerID,
		Data:      signatureData,
		SignedAt:  s.now(),
		SignerIP:  signerIP,
	})
}

// Statistics reduces the session's stored data into the KPI projection.
func (s *Service) Statistics(ctx context.Context, orgID, sessionID string) (SessionStatistics, error) {
	in, err := s.store.StatsInputs(ctx, orgID, sessionID)
	if err != nil {
		return SessionStatistics{}, err
	}
	return in.Reduce(), nil
}

// IsNotFound reports whether err is one of the lookup-miss sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSlotNotFound) || errors.Is(err, ErrParticipantNotFound)
}
