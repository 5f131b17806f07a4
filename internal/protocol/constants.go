// Package protocol defines the wire vocabulary spoken between the
// controller and the companion app: opcodes, response codes, error codes
// and the LED pattern identifiers. The byte values must stay in lockstep
// with the companion app's decoder.
package protocol

// Opcode is the first payload byte of every command frame.
type Opcode byte

// Routine command opcodes (ASCII family).
const (
	CmdVersion       Opcode = 'V'
	CmdSetLED        Opcode = 'S'
	CmdClear         Opcode = 'C'
	CmdBrightness    Opcode = 'B'
	CmdPattern       Opcode = 'P'
	CmdInfo          Opcode = 'I'
	CmdSettingsGet   Opcode = 'G'
	CmdSettingsSet   Opcode = 'T'
	CmdSettingsSave  Opcode = 'A'
	CmdSettingsLoad  Opcode = 'L'
	CmdSettingsReset Opcode = 'R'
	CmdError         Opcode = 'E'
	CmdSuccess       Opcode = 'K'
	CmdPowerGet      Opcode = 'W'
	CmdEffectsGet    Opcode = 'F'
)

// Configuration and ownership opcodes (binary family).
const (
	CmdStatus           Opcode = 0x00
	CmdConfigUpdate     Opcode = 0x02
	CmdEnterConfig      Opcode = 0x10
	CmdCommitConfig     Opcode = 0x11
	CmdExitConfig       Opcode = 0x12
	CmdClaimDevice      Opcode = 0x13
	CmdVerifyOwnership  Opcode = 0x14
	CmdUnclaimDevice    Opcode = 0x15
	CmdRequestAnalytics Opcode = 0x20
	CmdConfirmAnalytics Opcode = 0x21
)

// Response codes sent back by the controller.
const (
	RespAckConfigMode  byte = 0x90
	RespAckCommit      byte = 0x91
	RespAckSuccess     byte = 0x92
	RespAnalyticsBatch byte = 0xA0
)

// Message envelope types.
const (
	MsgTypeCommand  byte = 0x01
	MsgTypeResponse byte = 0x02
	MsgTypeError    byte = 0x03
	MsgTypeSettings byte = 0x04
	MsgTypeStatus   byte = 0x05
)

// ErrorCode is the single-byte rejection code carried by error frames.
type ErrorCode byte

const (
	ErrNone                ErrorCode = 0x00
	ErrInvalidCommand      ErrorCode = 0x01
	ErrInvalidParameter    ErrorCode = 0x02
	ErrOutOfRange          ErrorCode = 0x03
	ErrNotInConfigMode     ErrorCode = 0x04
	ErrAlreadyInConfigMode ErrorCode = 0x05
	ErrFlashWriteFailed    ErrorCode = 0x06
	ErrValidationFailed    ErrorCode = 0x07
	ErrNotOwner            ErrorCode = 0x08
	ErrAlreadyClaimed      ErrorCode = 0x09
	ErrSettingsCorrupt     ErrorCode = 0x10
	ErrFlashFailure        ErrorCode = 0x11
	ErrLEDFailure          ErrorCode = 0x12
	ErrMemoryLow           ErrorCode = 0x13
	ErrPowerLow            ErrorCode = 0x14
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "none"
	case ErrInvalidCommand:
		return "invalid command"
	case ErrInvalidParameter:
		return "invalid parameter"
	case ErrOutOfRange:
		return "out of range"
	case ErrNotInConfigMode:
		return "not in config mode"
	case ErrAlreadyInConfigMode:
		return "already in config mode"
	case ErrFlashWriteFailed:
		return "flash write failed"
	case ErrValidationFailed:
		return "validation failed"
	case ErrNotOwner:
		return "not owner"
	case ErrAlreadyClaimed:
		return "already claimed"
	case ErrSettingsCorrupt:
		return "settings corrupt"
	case ErrFlashFailure:
		return "flash failure"
	case ErrLEDFailure:
		return "led failure"
	case ErrMemoryLow:
		return "memory low"
	case ErrPowerLow:
		return "power low"
	default:
		return "unknown"
	}
}

// LED pattern identifiers.
const (
	PatternOff        byte = 0
	PatternSolidWhite byte = 1
	PatternRainbow    byte = 2
	PatternPulse      byte = 3
	PatternFade       byte = 4
	PatternChase      byte = 5
	PatternTwinkle    byte = 6
	PatternWave       byte = 7
	PatternBreath     byte = 8
	PatternStrobe     byte = 9
)

// MaxEffects bounds pattern ids and the maxEffects setting.
const MaxEffects = 10

// MaxUserIDLength bounds the owner identity string.
const MaxUserIDLength = 64

var patternNames = [MaxEffects]string{
	"off", "solid_white", "rainbow", "pulse", "fade",
	"chase", "twinkle", "wave", "breath", "strobe",
}

// PatternName returns a stable lowercase name for a pattern id.
func PatternName(id byte) string {
	if int(id) >= len(patternNames) {
		return "unknown"
	}
	return patternNames[id]
}

// ConfigUpdate parameter identifiers for CmdConfigUpdate payloads.
const (
	ParamBrightness byte = 0
	ParamPattern    byte = 1
	ParamPowerMode  byte = 2
	ParamAutoOff    byte = 3
	ParamMaxEffects byte = 4
	ParamColor      byte = 5
	ParamSpeed      byte = 6
)
