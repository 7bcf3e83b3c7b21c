package wsframe

import (
	"encoding/binary"
	"unicode/utf8"
)

// CloseStatus is a parsed CLOSE frame payload.
type CloseStatus struct {
	Code   int
	Reason string
}

// codeReserved reports codes rejected by ParseClosePayload: 1004-1006 and
// 1012-3999 are reserved/unused on the wire (only 1000-1003, 1007-1011,
// and 4000-4999 are acceptable), per the close payload validation rule.
func codeReserved(code int) bool {
	switch {
	case code == 1004, code == 1005, code == 1006:
		return true
	case code >= 1012 && code <= 3999:
		return true
	default:
		return false
	}
}

// ParseClosePayload decodes a CLOSE frame's payload. An empty payload
// yields code 0 (meaning "no status given"). A status outside
// [1000,4999] minus the reserved band, or a non-UTF-8 reason, is rejected.
func ParseClosePayload(payload []byte) (CloseStatus, bool) {
	if len(payload) == 0 {
		return CloseStatus{Code: 0}, true
	}
	if len(payload) < 2 {
		return CloseStatus{}, false
	}
	code := int(binary.BigEndian.Uint16(payload[0:2]))
	if code < 1000 || code > 4999 || codeReserved(code) {
		return CloseStatus{}, false
	}
	reason := payload[2:]
	if !utf8.Valid(reason) {
		return CloseStatus{}, false
	}
	return CloseStatus{Code: code, Reason: string(reason)}, true
}

// FormatClosePayload encodes a CloseStatus back into a CLOSE frame
// payload. Code 0 produces an empty payload.
func FormatClosePayload(s CloseStatus) []byte {
	if s.Code == 0 {
		return nil
	}
	out := make([]byte, 2+len(s.Reason))
	binary.BigEndian.PutUint16(out[0:2], uint16(s.Code))
	copy(out[2:], s.Reason)
	return out
}
