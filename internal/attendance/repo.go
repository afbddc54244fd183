package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetSlot resolves a slot by id inside a session inside an organization.
// The org check rides along in the join so tenant scoping cannot be lost.
func (r *Repository) GetSlot(ctx context.Context, orgID, sessionID, slotID string) (*Slot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT sl.id, sl.session_id, cs.org_id, sl.starts_at, sl.ends_at, sl.location
		FROM session_slots sl
		JOIN course_sessions cs ON cs.id = sl.session_id
		WHERE sl.id = $1 AND sl.session_id = $2 AND cs.org_id = $3
	`, slotID, sessionID, orgID)
	var s Slot
	if err := row.Scan(&s.ID, &s.SessionID, &s.OrgID, &s.StartsAt, &s.EndsAt, &s.Location); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ListParticipants returns the session roster ordered by name.
func (r *Repository) ListParticipants(ctx context.Context, sessionID string) ([]Participant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, name, email
		FROM session_participants
		WHERE session_id = $1
		ORDER BY name, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.SessionID, &p.Name, &p.Email); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// GetParticipant returns one roster entry or ErrParticipantNotFound.
func (r *Repository) GetParticipant(ctx context.Context, sessionID, participantID string) (*Participant, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, name, email
		FROM session_participants
		WHERE id = $1 AND session_id = $2
	`, participantID, sessionID)
	var p Participant
	if err := row.Scan(&p.ID, &p.SessionID, &p.Name, &p.Email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, err
	}
	return &p, nil
}

const rowColumns = `id, slot_id, participant_id,
	morning_present, morning_signed_at, morning_method,
	afternoon_present, afternoon_signed_at, afternoon_method,
	absence_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(sc rowScanner) (Row, error) {
	var rw Row
	var mMethod, aMethod sql.NullString
	err := sc.Scan(
		&rw.ID, &rw.SlotID, &rw.ParticipantID,
		&rw.Morning.Present, &rw.Morning.SignedAt, &mMethod,
		&rw.Afternoon.Present, &rw.Afternoon.SignedAt, &aMethod,
		&rw.AbsenceReason, &rw.CreatedAt, &rw.UpdatedAt,
	)
	if err != nil {
		return Row{}, err
	}
	rw.Morning.Method = Method(mMethod.String)
	rw.Afternoon.Method = Method(aMethod.String)
	return rw, nil
}

// GetOrCreateRow fetches the per-participant row for a slot, creating it
// on first touch. The unique (slot_id, participant_id) constraint plus
// ON CONFLICT DO NOTHING makes concurrent first touches safe.
func (r *Repository) GetOrCreateRow(ctx context.Context, slotID, participantID string) (Row, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO slot_attendance (id, slot_id, participant_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (slot_id, participant_id) DO NOTHING
	`, uuid.NewString(), slotID, participantID)
	if err != nil {
		return Row{}, err
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT `+rowColumns+`
		FROM slot_attendance
		WHERE slot_id = $1 AND participant_id = $2
	`, slotID, participantID)
	return scanRow(row)
}

// periodCols maps a period to its column prefix. Periods reach the repo
// already parsed, so this cannot be attacker-controlled SQL.
func periodCols(p Period) string {
	if p == Afternoon {
		return "afternoon"
	}
	return "morning"
}

// MarkPresent sets the period cell to present with a fresh stamp. Calling
// it again just re-stamps.
func (r *Repository) MarkPresent(ctx context.Context, rowID string, period Period, method Method, at time.Time) (Row, error) {
	col := periodCols(period)
	q := fmt.Sprintf(`
		UPDATE slot_attendance
		SET %[1]s_present = TRUE, %[1]s_signed_at = $2, %[1]s_method = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING `+rowColumns, col)
	return scanRow(r.db.QueryRowContext(ctx, q, rowID, at, string(method)))
}

// MarkAbsent sets the period cell to absent with a reason. Absence carries
// no proof-of-presence, so the stamp and method are cleared.
func (r *Repository) MarkAbsent(ctx context.Context, rowID string, period Period, reason string) (Row, error) {
	col := periodCols(period)
	q := fmt.Sprintf(`
		UPDATE slot_attendance
		SET %[1]s_present = FALSE, %[1]s_signed_at = NULL, %[1]s_method = NULL,
		    absence_reason = NULLIF($2, ''), updated_at = NOW()
		WHERE id = $1
		RETURNING `+rowColumns, col)
	return scanRow(r.db.QueryRowContext(ctx, q, rowID, reason))
}

const codeColumns = `id, slot_id, period, numeric_code, qr_payload,
	valid_from, expires_at, is_active, created_at`

func scanCode(sc rowScanner) (Code, error) {
	var c Code
	err := sc.Scan(&c.ID, &c.SlotID, &c.Period, &c.NumericCode, &c.QRPayload,
		&c.ValidFrom, &c.ExpiresAt, &c.Active, &c.CreatedAt)
	return c, err
}

// ActiveCode returns the currently active code for a slot/period, nil when
// none exists.
func (r *Repository) ActiveCode(ctx context.Context, slotID string, period Period) (*Code, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+codeColumns+`
		FROM attendance_codes
		WHERE slot_id = $1 AND period = $2 AND is_active = TRUE
		ORDER BY created_at DESC
		LIMIT 1
	`, slotID, string(period))
	c, err := scanCode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// FindCodeByProof resolves a presented proof to the newest matching code
// for the slot, active or not; the service decides between expired,
// superseded, and valid.
func (r *Repository) FindCodeByProof(ctx context.Context, slotID string, proof Proof) (*Code, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+codeColumns+`
		FROM attendance_codes
		WHERE slot_id = $1 AND (numeric_code = $2 OR qr_payload = $3)
		ORDER BY created_at DESC
		LIMIT 1
	`, slotID, proof.Numeric, proof.QR)
	c, err := scanCode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// DeactivateCodes flips every active code for the slot/period inactive,
// keeping the at-most-one-active invariant across regeneration.
func (r *Repository) DeactivateCodes(ctx context.Context, slotID string, period Period) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_codes
		SET is_active = FALSE
		WHERE slot_id = $1 AND period = $2 AND is_active = TRUE
	`, slotID, string(period))
	return err
}

// InsertCode writes a freshly minted code.
func (r *Repository) InsertCode(ctx context.Context, c Code) (Code, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_codes (id, slot_id, period, numeric_code, qr_payload, valid_from, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, c.ID, c.SlotID, string(c.Period), c.NumericCode, c.QRPayload, c.ValidFrom, c.ExpiresAt, c.Active)
	if err := row.Scan(&c.CreatedAt); err != nil {
		return Code{}, err
	}
	return c, nil
}

// GetSignature returns the trainer signature for a slot, nil when unsigned.
func (r *Repository) GetSignature(ctx context.Context, slotID string) (*Signature, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT slot_id, trainer_id, signature_data, signed_at, signer_ip
		FROM trainer_signatures
		WHERE slot_id = $1
	`, slotID)
	var sig Signature
	if err := row.Scan(&sig.SlotID, &sig.TrainerID, &sig.Data, &sig.SignedAt, &sig.SignerIP); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sig, nil
}

// UpsertSignature records the trainer attestation; re-signing overwrites.
func (r *Repository) UpsertSignature(ctx context.Context, sig Signature) (Signature, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trainer_signatures (slot_id, trainer_id, signature_data, signed_at, signer_ip)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (slot_id) DO UPDATE SET
			trainer_id = EXCLUDED.trainer_id,
			signature_data = EXCLUDED.signature_data,
			signed_at = EXCLUDED.signed_at,
			signer_ip = EXCLUDED.signer_ip
	`, sig.SlotID, sig.TrainerID, sig.Data, sig.SignedAt, sig.SignerIP)
	if err != nil {
		return Signature{}, err
	}
	return sig, nil
}

// StatsInputs gathers the raw counts the session KPI reduction runs over.
func (r *Repository) StatsInputs(ctx context.Context, orgID, sessionID string) (StatsInputs, error) {
	var in StatsInputs

	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM course_sessions WHERE id = $1 AND org_id = $2)
	`, sessionID, orgID).Scan(&exists)
	if err != nil {
		return in, err
	}
	if !exists {
		return in, ErrSessionNotFound
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM session_participants WHERE session_id = $1),
			(SELECT COUNT(*) FROM session_slots WHERE session_id = $1)
	`, sessionID).Scan(&in.Participants, &in.Slots)
	if err != nil {
		return in, err
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE sa.morning_present) + COUNT(*) FILTER (WHERE sa.afternoon_present),
			COUNT(*) FILTER (WHERE sa.morning_present IS NOT NULL) + COUNT(*) FILTER (WHERE sa.afternoon_present IS NOT NULL)
		FROM slot_attendance sa
		JOIN session_slots sl ON sl.id = sa.slot_id
		WHERE sl.session_id = $1
	`, sessionID).Scan(&in.PresentCells, &in.MarkedCells)
	if err != nil {
		return in, err
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM learner_stats
		WHERE session_id = $1 AND activities_completed > 0
	`, sessionID).Scan(&in.ActiveLearners)
	if err != nil {
		return in, err
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE completed_at IS NOT NULL)
		FROM questionnaire_responses
		WHERE session_id = $1
	`, sessionID).Scan(&in.QuestionnairesSent, &in.QuestionnairesDone)
	if err != nil {
		return in, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT participant_id, score, max_score
		FROM quiz_results
		WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return in, err
	}
	defer rows.Close()
	for rows.Next() {
		var q QuizResult
		if err := rows.Scan(&q.ParticipantID, &q.Score, &q.MaxScore); err != nil {
			return in, err
		}
		in.QuizResults = append(in.QuizResults, q)
	}
	if err := rows.Err(); err != nil {
		return in, err
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(rating), 0), COUNT(*)
		FROM trainer_ratings
		WHERE session_id = $1
	`, sessionID).Scan(&in.RatingSum, &in.RatingCount)
	return in, err
}
