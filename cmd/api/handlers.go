package main

import (
	"encoding/base64"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	qrcode "github.com/skip2/go-qrcode"

	"traindesk/internal/attendance"
	"traindesk/internal/auth"
	"traindesk/internal/queue"
)

// api groups the handler dependencies.
type api struct {
	svc     *attendance.Service
	q       queue.Queue
	qrScale int
}

// respond helpers keep the envelope uniform:
// {success, data?, message?, error?, errors?}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "message": msg, "error": msg})
}

// failBinding converts a binding error into a 422 with field messages when
// the validator produced them, a flat message otherwise.
func failBinding(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string][]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = append(fields[fe.Field()], "failed on "+fe.Tag())
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "message": "validation failed", "errors": fields})
		return
	}
	c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "message": "validation failed", "error": err.Error()})
}

// failDomain maps service sentinels onto the error taxonomy: lookup miss
// 404, business rule 400, anything else 500 with the raw message (this is
// a trusted admin API).
func failDomain(c *gin.Context, err error) {
	switch {
	case attendance.IsNotFound(err):
		fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, attendance.ErrCodeExpired),
		errors.Is(err, attendance.ErrCodeInvalid),
		errors.Is(err, attendance.ErrAlreadyValidated),
		errors.Is(err, attendance.ErrConfirmRequired),
		errors.Is(err, attendance.ErrNoActiveCode):
		fail(c, http.StatusBadRequest, err.Error())
	default:
		fail(c, http.StatusInternalServerError, err.Error())
	}
}

// GET /v1/course-sessions/:sessionID/slots/:slotID/attendance
func (a *api) getSheet(c *gin.Context) {
	sheet, err := a.svc.GetSheet(c.Request.Context(), auth.OrgFrom(c), c.Param("sessionID"), c.Param("slotID"))
	if err != nil {
		failDomain(c, err)
		return
	}
	ok(c, http.StatusOK, sheet)
}

// POST /v1/course-sessions/:sessionID/slots/:slotID/attendance
func (a *api) mark(c *gin.Context) {
	var req struct {
		ParticipantID string `json:"participant_id" binding:"required"`
		Period        string `json:"period" binding:"required"`
		Present       *bool  `json:"present" binding:"required"`
		AbsenceReason string `json:"absence_reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failBinding(c, err)
		return
	}
	period, err := attendance.ParsePeriod(req.Period)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	row, err := a.svc.Mark(c.Request.Context(), auth.OrgFrom(c), c.Param("sessionID"), c.Param("slotID"),
		req.ParticipantID, period, *req.Present, req.AbsenceReason)
	if err != nil {
		failDomain(c, err)
		return
	}
	ok(c, http.StatusOK, row)
}

// POST /v1/course-sessions/:sessionID/slots/:slotID/attendance/bulk
func (a *api) bulkMark(c *gin.Context) {
	var req struct {
		Items []attendance.BulkItem `json:"items" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failBinding(c, err)
		return
	}

	res, err := a.svc.BulkMark(c.Request.Context(), auth.OrgFrom(c), c.Param("sessionID"), c.Param("slotID"), req.Items)
	if err != nil {
		failDomain(c, err)
		return
	}

	msg := queue.NewMessage(queue.TypeBulkMarked, gin.H{
		"org_id":  auth.OrgFrom(c),
		"slot_id": c.Param("slotID"),
		"updated": len(res.Updated),
		"failed":  len(res.Failed),
	})
	if err := a.q.Publish(c.Request.Context(), msg); err != nil {
		log.Printf("queue publish failed: %v", err)
	}

	ok(c, http.StatusOK, res)
}

// POST /v1/course-sessions/:sessionID/slots/:slotID/trainer-signature
func (a *api) signSlot(c *gin.Context) {
	var req struct {
		TrainerID     string `json:"trainer_id" binding:"required"`
		SignatureData string `json:"signature_data" binding:"required"`
		Confirm       bool   `json:"confirm"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failBinding(c, err)
		return
	}

	sig, err := a.svc.SignSlot(c.Request.Context(), auth.OrgFrom(c), c.Param("sessionID"), c.Param("slotID"),
		req.TrainerID, req.SignatureData, c.ClientIP(), req.Confirm)
	if err != nil {
		failDomain(c, err)
		return
	}

	msg := queue.NewMessage(queue.TypeSlotSigned, gin.H{
		"org_id":     auth.OrgFrom(c),
		"session_id": c.Param("sessionID"),
		"slot_id":    sig.SlotID,
		"trainer_id": sig.TrainerID,
		"signed_at":  sig.SignedAt,
	})
	if err := a.q.Publish(c.Request.Context(), msg); err != nil {
		log.Printf("queue publish failed: %v", err)
	}

	ok(c, http.StatusCreated, sig)
}

// GET /v1/course-sessions/:sessionID/slots/:slotID/attendance-code
//
// Returns the active code for the slot/period, generating one when needed.
// ?period=morning|afternoon overrides the wall-clock default;
// ?regenerate=true supersedes the current code.
func (a *api) getCode(c *gin.Context) {
	var period *attendance.Period
	if v := c.Query("period"); v != "" {
		p, err := attendance.ParsePeriod(v)
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		period = &p
	}
	regenerate := c.Query("regenerate") == "true" || c.Query("regenerate") == "1"

	code, err := a.svc.GetOrGenerateCode(c.Request.Context(), auth.OrgFrom(c), c.Param("sessionID"), c.Param("slotID"), period, regenerate)
	if err != nil {
		failDomain(c, err)
		return
	}

	png, err := qrcode.Encode(code.QRPayload, qrcode.Medium, a.qrScale)
	if err != nil {
		fail(c, http.StatusInternalServerError, "qr render failed: "+err.Error())
		return
	}

	ok(c, http.StatusOK, gin.H{
		"code":       code,
		"qr_png_b64": base64.StdEncoding.EncodeToString(png),
	})
}

// POST /v1/course-sessions/:sessionID/slots/:slotID/validate-attendance-code
func (a *api) validateCode(c *gin.Context) {
	var req struct {
		ParticipantID string `json:"participant_id" binding:"required"`
		Code          string `json:"code"`
		QRCode        string `json:"qr_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failBinding(c, err)
		return
	}
	proof, err := attendance.NormalizeProof(req.Code, req.QRCode)
	if err != nil {
		fail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	row, err := a.svc.ValidateCode(c.Request.Context(), auth.OrgFrom(c), c.Param("sessionID"), c.Param("slotID"), req.ParticipantID, proof)
	if err != nil {
		failDomain(c, err)
		return
	}
	ok(c, http.StatusOK, row)
}

// GET /v1/course-sessions/:sessionID/slots/:slotID/attendance/export
//
// Exports the sheet as JSON and queues it for archival in the document
// store. PDF rendering stays out of this service.
func (a *api) exportSheet(c *gin.Context) {
	sheet, err := a.svc.GetSheet(c.Request.Context(), auth.OrgFrom(c), c.Param("sessionID"), c.Param("slotID"))
	if err != nil {
		failDomain(c, err)
		return
	}

	msg := queue.NewMessage(queue.TypeSheetExported, gin.H{
		"org_id":  auth.OrgFrom(c),
		"slot_id": sheet.Slot.ID,
		"sheet":   sheet,
	})
	if err := a.q.Publish(c.Request.Context(), msg); err != nil {
		log.Printf("queue publish failed: %v", err)
	}

	ok(c, http.StatusOK, gin.H{"format": "json", "sheet": sheet})
}

// GET /v1/course-sessions/:sessionID/statistics
func (a *api) statistics(c *gin.Context) {
	stats, err := a.svc.Statistics(c.Request.Context(), auth.OrgFrom(c), c.Param("sessionID"))
	if err != nil {
		failDomain(c, err)
		return
	}
	ok(c, http.StatusOK, stats)
}
