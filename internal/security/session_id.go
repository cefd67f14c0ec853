package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// DeriveSessionID is a pure function of (key, subject, ts), so a stored
// session can be re-validated without keeping a per-session secret.
func DeriveSessionID(key []byte, subjectID string, ts int64) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(subjectID))
	mac.Write([]byte(":"))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySessionID(key []byte, sessionID, subjectID string, ts int64) bool {
	expected := DeriveSessionID(key, subjectID, ts)
	return hmac.Equal([]byte(expected), []byte(sessionID))
}
