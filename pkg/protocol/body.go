package protocol

import (
	"encoding/base64"
	"mime"
	"strings"
	"unicode/utf8"
)

// BodyKind tells how ResponseBody.Data is encoded
type BodyKind string

const (
	// BodyText means Data holds the body verbatim
	BodyText BodyKind = "text"

	// BodyBinary means Data holds the base64 encoding of the body
	BodyBinary BodyKind = "binary"
)

// ResponseBody is the body of a Response
type ResponseBody struct {
	Kind BodyKind `json:"type"`
	Data string   `json:"data"`
}

// TextBody wraps s as a text body
func TextBody(s string) ResponseBody {
	return ResponseBody{Kind: BodyText, Data: s}
}

// BinaryBody wraps b as a base64 encoded binary body
func BinaryBody(b []byte) ResponseBody {
	return ResponseBody{Kind: BodyBinary, Data: EncodeData(b)}
}

// Bytes returns the raw body. An undecodable binary body yields an empty slice.
func (b ResponseBody) Bytes() []byte {
	if b.Kind == BodyBinary {
		return DecodeData(b.Data)
	}
	return []byte(b.Data)
}

// IsTextContentType reports whether a response with the given Content-Type
// header can travel as text. Text, JSON, JavaScript and XML media types qualify.
func IsTextContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	for _, s := range []string{"json", "javascript", "xml"} {
		if strings.Contains(mt, s) {
			return true
		}
	}
	return false
}

// ClassifyBody picks the envelope encoding for a local response body. Bodies
// that are compressed or not valid UTF-8 are always sent as binary.
func ClassifyBody(contentType, contentEncoding string, raw []byte) ResponseBody {
	enc := strings.ToLower(strings.TrimSpace(contentEncoding))
	if enc != "" && enc != "identity" {
		return BinaryBody(raw)
	}
	if IsTextContentType(contentType) && utf8.Valid(raw) {
		return TextBody(string(raw))
	}
	return BinaryBody(raw)
}

// EncodeData base64 encodes a binary payload for the text envelope
func EncodeData(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeData reverses EncodeData. Malformed input yields an empty payload.
func DecodeData(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return []byte{}
	}
	return b
}

// NewWsFrame builds a ws_frame for one WebSocket message, encoding binary
// payloads as base64
func NewWsFrame(streamID string, payload []byte, isBinary bool) *WsFrame {
	f := &WsFrame{StreamID: streamID, IsBinary: isBinary}
	if isBinary {
		f.Data = EncodeData(payload)
	} else {
		f.Data = string(payload)
	}
	return f
}

// Payload returns the raw WebSocket message carried by the frame
func (m *WsFrame) Payload() []byte {
	if m.IsBinary {
		return DecodeData(m.Data)
	}
	return []byte(m.Data)
}

// WebSocket close codes used by the tunnel
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseNoStatus      = 1005
	CloseAbnormal      = 1006
	CloseInternalError = 1011
	CloseTLSHandshake  = 1015
)

// CloseCode returns the code carried by a ws_close, defaulting to CloseNormal
func (m *WsClose) CloseCode() int {
	if m.Code == 0 {
		return CloseNormal
	}
	return SendableCloseCode(m.Code)
}

// SendableCloseCode maps codes that must never appear in a close frame
// onto ones that may.
func SendableCloseCode(code int) int {
	switch code {
	case 0, CloseNoStatus:
		return CloseNormal
	case CloseAbnormal, CloseTLSHandshake:
		return CloseInternalError
	}
	if code < 1000 || code >= 5000 {
		return CloseInternalError
	}
	return code
}
