package attendance

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
)

// Code is a time-boxed presence verification token for one (slot, period).
// A participant proves presence by typing the short numeric code or by
// scanning the QR payload. At most one active code exists per slot+period;
// regeneration supersedes the previous one via the Active flag.
type Code struct {
	ID          string    `json:"id"`
	SlotID      string    `json:"slot_id"`
	Period      Period    `json:"period"`
	NumericCode string    `json:"numeric_code"`
	QRPayload   string    `json:"qr_payload"`
	ValidFrom   time.Time `json:"valid_from"`
	ExpiresAt   time.Time `json:"expires_at"`
	Active      bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Expired reports whether the code's window has passed.
func (c Code) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Valid reports whether the code can still be presented.
func (c Code) Valid(now time.Time) bool {
	return c.Active && !c.Expired(now) && !now.Before(c.ValidFrom)
}

const numericCodeLen = 6

// newNumericCode draws a short operator-typable code. Uniqueness is only
// needed within the active window; reuse after expiry is fine.
func newNumericCode() string {
	var sb strings.Builder
	for i := 0; i < numericCodeLen; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			// crypto/rand failing means the platform is broken; a
			// predictable digit beats taking attendance down.
			sb.WriteByte('0')
			continue
		}
		sb.WriteByte(byte('0' + n.Int64()))
	}
	return sb.String()
}

// qrPayloadVersion prefixes every scannable payload so old app builds can
// reject tokens they do not understand.
const qrPayloadVersion = "TDK1"

// newQRPayload builds the opaque scannable token. It embeds the numeric
// code plus slot and period context so a scan can be resolved without a
// second lookup, and a nonce so regenerated codes never collide.
func newQRPayload(slotID string, period Period, numeric string) string {
	nonce := make([]byte, 4)
	_, _ = rand.Read(nonce)
	return fmt.Sprintf("%s.%s.%s.%s.%s", qrPayloadVersion, slotID, period, numeric, hex.EncodeToString(nonce))
}

// NewCode mints a fresh code for a slot/period with the given window.
func NewCode(slotID string, period Period, now time.Time, ttl time.Duration) Code {
	numeric := newNumericCode()
	return Code{
		SlotID:      slotID,
		Period:      period,
		NumericCode: numeric,
		QRPayload:   newQRPayload(slotID, period, numeric),
		ValidFrom:   now,
		ExpiresAt:   now.Add(ttl),
		Active:      true,
	}
}

// Proof is the tagged union a participant presents: either a typed numeric
// code or a scanned QR payload. Exactly one side is set.
type Proof struct {
	Numeric string
	QR      string
}

// Method returns the signature method the proof authenticates with.
func (p Proof) Method() Method {
	if p.QR != "" {
		return MethodQR
	}
	return MethodNumeric
}

var (
	nonDigits  = regexp.MustCompile(`\D`)
	embeddedRe = regexp.MustCompile(`\.(\d{4,8})\.`)
)

// NormalizeProof reduces either proof variant to a numeric lookup key plus
// the raw payload for exact fallback matching. Typed input is stripped of
// everything non-numeric (scanners and humans both mangle separators); QR
// input first gets the embedded code extracted with a tolerant pattern and
// falls back to exact payload comparison when extraction fails.
func NormalizeProof(numeric, qr string) (Proof, error) {
	numeric = strings.TrimSpace(numeric)
	qr = strings.TrimSpace(qr)
	switch {
	case numeric == "" && qr == "":
		return Proof{}, fmt.Errorf("code or qr_code required")
	case numeric != "" && qr != "":
		return Proof{}, fmt.Errorf("provide code or qr_code, not both")
	case numeric != "":
		digits := nonDigits.ReplaceAllString(numeric, "")
		if digits == "" {
			return Proof{}, fmt.Errorf("code must contain digits")
		}
		return Proof{Numeric: digits}, nil
	}
	p := Proof{QR: qr}
	if m := embeddedRe.FindStringSubmatch(qr); m != nil {
		p.Numeric = m[1]
	}
	return p, nil
}

// Matches reports whether the proof identifies this code, by embedded or
// typed numeric first, then by exact payload match.
func (p Proof) Matches(c Code) bool {
	if p.Numeric != "" && p.Numeric == c.NumericCode {
		return true
	}
	return p.QR != "" && p.QR == c.QRPayload
}
