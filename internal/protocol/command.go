package protocol

import "fmt"

// Command is one decoded inbound frame payload.
type Command struct {
	Op   Opcode
	Body []byte
}

// DecodeCommand splits a frame payload into opcode and body.
func DecodeCommand(payload []byte) (Command, error) {
	if len(payload) == 0 {
		return Command{}, fmt.Errorf("empty command payload")
	}
	return Command{Op: Opcode(payload[0]), Body: payload[1:]}, nil
}

// ErrorResponse builds an ['E', code] rejection payload.
func ErrorResponse(code ErrorCode) []byte {
	return []byte{byte(CmdError), byte(code)}
}

// SuccessResponse builds a ['K', data...] payload.
func SuccessResponse(data ...byte) []byte {
	out := make([]byte, 1+len(data))
	out[0] = byte(CmdSuccess)
	copy(out[1:], data)
	return out
}

// AckResponse builds a bare single-code acknowledgment payload.
func AckResponse(code byte) []byte {
	return []byte{code}
}

// SettingsResponse wraps an encoded settings record in a settings-typed
// payload.
func SettingsResponse(record []byte) []byte {
	out := make([]byte, 1+len(record))
	out[0] = MsgTypeSettings
	copy(out[1:], record)
	return out
}

// IsErrorResponse reports whether a payload is an error frame and, if so,
// which code it carries.
func IsErrorResponse(payload []byte) (ErrorCode, bool) {
	if len(payload) == 2 && Opcode(payload[0]) == CmdError {
		return ErrorCode(payload[1]), true
	}
	return ErrNone, false
}
