package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"traindesk/internal/attendance"
	"traindesk/internal/auth"
	"traindesk/internal/queue"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "traindesk-test"
)

// fakeStore is a minimal attendance.Store for handler tests: one org, one
// session, one slot, two participants.
type fakeStore struct {
	rows  map[string]*attendance.Row
	codes []attendance.Code
	sig   *attendance.Signature
	seq   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]*attendance.Row{}}
}

func (f *fakeStore) GetSlot(_ context.Context, orgID, sessionID, slotID string) (*attendance.Slot, error) {
	if orgID != "org-1" || sessionID != "sess-1" || slotID != "slot-1" {
		return nil, attendance.ErrSlotNotFound
	}
	return &attendance.Slot{ID: "slot-1", SessionID: "sess-1", OrgID: "org-1"}, nil
}

func (f *fakeStore) ListParticipants(context.Context, string) ([]attendance.Participant, error) {
	return []attendance.Participant{
		{ID: "p-a", SessionID: "sess-1", Name: "Alice"},
		{ID: "p-b", SessionID: "sess-1", Name: "Bob"},
	}, nil
}

func (f *fakeStore) GetParticipant(_ context.Context, sessionID, participantID string) (*attendance.Participant, error) {
	if participantID != "p-a" && participantID != "p-b" {
		return nil, attendance.ErrParticipantNotFound
	}
	return &attendance.Participant{ID: participantID, SessionID: sessionID}, nil
}

func (f *fakeStore) GetOrCreateRow(_ context.Context, slotID, participantID string) (attendance.Row, error) {
	key := slotID + "/" + participantID
	if r, ok := f.rows[key]; ok {
		return *r, nil
	}
	f.seq++
	r := &attendance.Row{ID: key, SlotID: slotID, ParticipantID: participantID}
	f.rows[key] = r
	return *r, nil
}

func (f *fakeStore) MarkPresent(_ context.Context, rowID string, period attendance.Period, method attendance.Method, at time.Time) (attendance.Row, error) {
	r := f.rows[rowID]
	cell := r.Mark(period)
	cell.Present = attendance.Present
	stamp := at
	cell.SignedAt = &stamp
	cell.Method = method
	return *r, nil
}

func (f *fakeStore) MarkAbsent(_ context.Context, rowID string, period attendance.Period, reason string) (attendance.Row, error) {
	r := f.rows[rowID]
	cell := r.Mark(period)
	cell.Present = attendance.Absent
	cell.SignedAt = nil
	cell.Method = ""
	if reason != "" {
		r.AbsenceReason = &reason
	}
	return *r, nil
}

func (f *fakeStore) ActiveCode(_ context.Context, slotID string, period attendance.Period) (*attendance.Code, error) {
	for i := len(f.codes) - 1; i >= 0; i-- {
		if f.codes[i].SlotID == slotID && f.codes[i].Period == period && f.codes[i].Active {
			c := f.codes[i]
			return &c, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindCodeByProof(_ context.Context, slotID string, proof attendance.Proof) (*attendance.Code, error) {
	for i := len(f.codes) - 1; i >= 0; i-- {
		if f.codes[i].SlotID == slotID && proof.Matches(f.codes[i]) {
			c := f.codes[i]
			return &c, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) DeactivateCodes(_ context.Context, slotID string, period attendance.Period) error {
	for i := range f.codes {
		if f.codes[i].SlotID == slotID && f.codes[i].Period == period {
			f.codes[i].Active = false
		}
	}
	return nil
}

func (f *fakeStore) InsertCode(_ context.Context, code attendance.Code) (attendance.Code, error) {
	f.seq++
	code.ID = fmt.Sprintf("code-%d", f.seq)
	f.codes = append(f.codes, code)
	return code, nil
}

func (f *fakeStore) GetSignature(context.Context, string) (*attendance.Signature, error) {
	return f.sig, nil
}

func (f *fakeStore) UpsertSignature(_ context.Context, sig attendance.Signature) (attendance.Signature, error) {
	f.sig = &sig
	return sig, nil
}

func (f *fakeStore) StatsInputs(context.Context, string, string) (attendance.StatsInputs, error) {
	return attendance.StatsInputs{Participants: 2, Slots: 1, PresentCells: 2, MarkedCells: 3}, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *fakeStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := newFakeStore()
	svc := attendance.NewService(st, 2*time.Hour, attendance.PeriodByHour(13))
	svc.SetNow(func() time.Time { return time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC) })
	a := &api{svc: svc, q: queue.NewInMemory(16), qrScale: 128}

	r := gin.New()
	admin := r.Group("/v1", auth.AdminAuth(testKey, testIssuer, "X-Organization-ID"))
	slots := admin.Group("/course-sessions/:sessionID/slots/:slotID")
	slots.GET("/attendance", a.getSheet)
	slots.POST("/attendance", a.mark)
	slots.POST("/attendance/bulk", a.bulkMark)
	slots.GET("/attendance/export", a.exportSheet)
	slots.POST("/trainer-signature", a.signSlot)
	slots.GET("/attendance-code", a.getCode)
	slots.POST("/validate-attendance-code", a.validateCode)
	admin.GET("/course-sessions/:sessionID/statistics", a.statistics)
	return r, st
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	tokens, err := auth.Issue("admin-1", "admin", "org-1", testIssuer, testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("bad envelope %q: %v", w.Body.String(), err)
	}
	return env
}

func TestAuthRequired(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/course-sessions/sess-1/slots/slot-1/attendance", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestGetSheetEnvelope(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/v1/course-sessions/sess-1/slots/slot-1/attendance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	env := decodeEnvelope(t, w)
	if env["success"] != true {
		t.Error("success flag missing")
	}
	data := env["data"].(map[string]any)
	if data["trainer_signed"] != false {
		t.Error("fresh slot reported signed")
	}
	if len(data["rows"].([]any)) != 2 {
		t.Error("expected a row per participant")
	}
}

func TestGetSheetUnknownSlot(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/v1/course-sessions/sess-1/slots/slot-9/attendance", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if env := decodeEnvelope(t, w); env["success"] != false {
		t.Error("error envelope must carry success=false")
	}
}

func TestMarkValidation(t *testing.T) {
	r, _ := newTestRouter(t)
	// missing present field
	w := doJSON(t, r, http.MethodPost, "/v1/course-sessions/sess-1/slots/slot-1/attendance",
		gin.H{"participant_id": "p-a", "period": "morning"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/v1/course-sessions/sess-1/slots/slot-1/attendance",
		gin.H{"participant_id": "p-a", "period": "evening", "present": true})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad period: status = %d, want 400", w.Code)
	}
}

func TestMarkAndBulk(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/v1/course-sessions/sess-1/slots/slot-1/attendance",
		gin.H{"participant_id": "p-a", "period": "morning", "present": true})
	if w.Code != http.StatusOK {
		t.Fatalf("mark: status = %d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/v1/course-sessions/sess-1/slots/slot-1/attendance/bulk",
		gin.H{"items": []gin.H{
			{"participant_id": "p-a", "period": "afternoon", "present": true},
			{"participant_id": "p-b", "period": "afternoon", "present": false, "absence_reason": "travel"},
			{"participant_id": "p-ghost", "period": "afternoon", "present": true},
		}})
	if w.Code != http.StatusOK {
		t.Fatalf("bulk: status = %d body=%s", w.Code, w.Body.String())
	}
	data := decodeEnvelope(t, w)["data"].(map[string]any)
	if len(data["updated"].([]any)) != 2 || len(data["failed"].([]any)) != 1 {
		t.Errorf("bulk result = %v", data)
	}
}

func TestTrainerSignatureConfirmGuard(t *testing.T) {
	r, st := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/v1/course-sessions/sess-1/slots/slot-1/trainer-signature",
		gin.H{"trainer_id": "tr-1", "signature_data": "data:image/png;base64,x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unconfirmed: status = %d, want 400", w.Code)
	}
	if st.sig != nil {
		t.Error("signature stored without confirmation")
	}

	w = doJSON(t, r, http.MethodPost, "/v1/course-sessions/sess-1/slots/slot-1/trainer-signature",
		gin.H{"trainer_id": "tr-1", "signature_data": "data:image/png;base64,x", "confirm": true})
	if w.Code != http.StatusCreated {
		t.Errorf("confirmed: status = %d, want 201", w.Code)
	}
	if st.sig == nil || st.sig.TrainerID != "tr-1" {
		t.Errorf("stored signature = %+v", st.sig)
	}
}

func TestAttendanceCodeEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/v1/course-sessions/sess-1/slots/slot-1/attendance-code?period=morning", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	data := decodeEnvelope(t, w)["data"].(map[string]any)

	png, err := base64.StdEncoding.DecodeString(data["qr_png_b64"].(string))
	if err != nil {
		t.Fatalf("qr_png_b64 not base64: %v", err)
	}
	if len(png) < 8 || png[1] != 'P' || png[2] != 'N' || png[3] != 'G' {
		t.Error("payload is not a PNG")
	}

	code := data["code"].(map[string]any)
	numeric := code["numeric_code"].(string)

	// fetching again without regenerate returns the same code
	w = doJSON(t, r, http.MethodGet, "/v1/course-sessions/sess-1/slots/slot-1/attendance-code?period=morning", nil)
	again := decodeEnvelope(t, w)["data"].(map[string]any)["code"].(map[string]any)
	if again["numeric_code"].(string) != numeric {
		t.Error("second fetch minted a new code")
	}

	// regenerate supersedes
	w = doJSON(t, r, http.MethodGet, "/v1/course-sessions/sess-1/slots/slot-1/attendance-code?period=morning&regenerate=true", nil)
	fresh := decodeEnvelope(t, w)["data"].(map[string]any)["code"].(map[string]any)
	if fresh["numeric_code"].(string) == numeric {
		t.Error("regenerate returned the old code")
	}
}

func TestValidateCodeEndpoint(t *testing.T) {
	r, st := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/v1/course-sessions/sess-1/slots/slot-1/attendance-code?period=morning", nil)
	code := decodeEnvelope(t, w)["data"].(map[string]any)["code"].(map[string]any)
	numeric := code["numeric_code"].(string)

	w = doJSON(t, r, http.MethodPost, "/v1/course-sessions/sess-1/slots/slot-1/validate-attendance-code",
		gin.H{"participant_id": "p-a", "code": numeric})
	if w.Code != http.StatusOK {
		t.Fatalf("validate: status = %d body=%s", w.Code, w.Body.String())
	}
	row := st.rows["slot-1/p-a"]
	if row == nil || row.Morning.Present != attendance.Present || row.Morning.Method != attendance.MethodNumeric {
		t.Errorf("row after validation = %+v", row)
	}

	// second attempt is one-shot rejected
	w = doJSON(t, r, http.MethodPost, "/v1/course-sessions/sess-1/slots/slot-1/validate-attendance-code",
		gin.H{"participant_id": "p-a", "code": numeric})
	if w.Code != http.StatusBadRequest {
		t.Errorf("re-validate: status = %d, want 400", w.Code)
	}

	// neither variant supplied
	w = doJSON(t, r, http.MethodPost, "/v1/course-sessions/sess-1/slots/slot-1/validate-attendance-code",
		gin.H{"participant_id": "p-b"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty proof: status = %d, want 422", w.Code)
	}
}

func TestExportQueuesSheet(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/v1/course-sessions/sess-1/slots/slot-1/attendance/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	data := decodeEnvelope(t, w)["data"].(map[string]any)
	if data["format"] != "json" {
		t.Errorf("format = %v, want json", data["format"])
	}
}

func TestStatisticsEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/v1/course-sessions/sess-1/statistics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	data := decodeEnvelope(t, w)["data"].(map[string]any)
	// 2 present of 2*1*2 cells
	if data["attendance_rate"].(float64) != 50 {
		t.Errorf("attendance_rate = %v, want 50", data["attendance_rate"])
	}
}
