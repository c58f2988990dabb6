package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// redactEvent replaces the actor id with a salted hash. Event names, target
// ids and decision details are operational data and stay in clear.
func redactEvent(ev Event, salt []byte) Event {
	ev.ActorID = hashString(ev.ActorID, salt)
	if ev.Details != nil {
		if v, ok := ev.Details["requested_by"].(string); ok {
			ev.Details["requested_by"] = hashString(v, salt)
		}
		if v, ok := ev.Details["approved_by"].(string); ok {
			ev.Details["approved_by"] = hashString(v, salt)
		}
	}
	return ev
}

func hashString(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(v))
	return hex.EncodeToString(h.Sum(nil))
}
