// Package settings owns the controller's persisted configuration record:
// its fixed byte layout, integrity checking, and the flash-backed store
// that keeps exactly one authoritative copy across power cycles.
package settings

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Record layout constants. Field order and widths are frozen for the
// current version; changing either requires a version bump plus migration.
const (
	Magic   uint32 = 0x4C454447 // "LEDG"
	Version uint8  = 1

	RecordSize = 98

	maxOwnerLen = 64

	offMagic      = 0
	offVersion    = 4
	offBrightness = 5
	offPattern    = 6
	offPowerMode  = 7
	offAutoOff    = 8
	offMaxEffects = 9
	offColor      = 10
	offSpeed      = 13
	offOwner      = 14 // 64 bytes + NUL terminator
	offHasOwner   = 79
	offReserved   = 80
	reservedLen   = 14
	offChecksum   = 94
)

// Power modes.
const (
	PowerModeNormal byte = 0
	PowerModeLow    byte = 1
	PowerModeEco    byte = 2
)

// Default values applied on factory reset or corruption recovery.
const (
	DefaultBrightness byte = 128
	DefaultSpeed      byte = 50
	DefaultMaxEffects byte = 10
)

// Record is the in-memory form of the persisted settings.
type Record struct {
	Brightness     byte
	CurrentPattern byte
	PowerMode      byte
	AutoOffMinutes byte
	MaxEffects     byte
	Color          [3]byte
	Speed          byte
	OwnerUserID    string
	HasOwner       bool
	Reserved       [reservedLen]byte
}

// Default returns the factory record: unclaimed, white, half brightness.
func Default() Record {
	return Record{
		Brightness: DefaultBrightness,
		PowerMode:  PowerModeNormal,
		MaxEffects: DefaultMaxEffects,
		Color:      [3]byte{255, 255, 255},
		Speed:      DefaultSpeed,
	}
}

// Encode serializes the record into its fixed wire/flash layout with a
// freshly computed magic, version and checksum.
func Encode(r Record) ([]byte, error) {
	if len(r.OwnerUserID) > maxOwnerLen {
		return nil, fmt.Errorf("owner user id exceeds %d bytes: %d", maxOwnerLen, len(r.OwnerUserID))
	}
	if r.HasOwner != (r.OwnerUserID != "") {
		return nil, fmt.Errorf("hasOwner flag inconsistent with owner %q", r.OwnerUserID)
	}

	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf[offMagic:], Magic)
	buf[offVersion] = Version
	buf[offBrightness] = r.Brightness
	buf[offPattern] = r.CurrentPattern
	buf[offPowerMode] = r.PowerMode
	buf[offAutoOff] = r.AutoOffMinutes
	buf[offMaxEffects] = r.MaxEffects
	copy(buf[offColor:offColor+3], r.Color[:])
	buf[offSpeed] = r.Speed
	copy(buf[offOwner:offOwner+maxOwnerLen], r.OwnerUserID)
	if r.HasOwner {
		buf[offHasOwner] = 1
	}
	copy(buf[offReserved:offReserved+reservedLen], r.Reserved[:])
	binary.LittleEndian.PutUint32(buf[offChecksum:], Checksum(buf))

	return buf, nil
}

// Decode parses a raw record without validating it. Use Validate first
// when the bytes come from storage.
func Decode(buf []byte) (Record, error) {
	if len(buf) != RecordSize {
		return Record{}, fmt.Errorf("record size mismatch: got %d want %d", len(buf), RecordSize)
	}

	var r Record
	r.Brightness = buf[offBrightness]
	r.CurrentPattern = buf[offPattern]
	r.PowerMode = buf[offPowerMode]
	r.AutoOffMinutes = buf[offAutoOff]
	r.MaxEffects = buf[offMaxEffects]
	copy(r.Color[:], buf[offColor:offColor+3])
	r.Speed = buf[offSpeed]

	owner := buf[offOwner : offOwner+maxOwnerLen+1]
	if i := bytes.IndexByte(owner, 0); i >= 0 {
		owner = owner[:i]
	}
	r.OwnerUserID = string(owner)
	r.HasOwner = buf[offHasOwner] != 0
	copy(r.Reserved[:], buf[offReserved:offReserved+reservedLen])

	return r, nil
}

// Checksum computes the additive 32-bit integrity token over every byte
// preceding the checksum field.
func Checksum(buf []byte) uint32 {
	var sum uint32
	for _, b := range buf[:offChecksum] {
		sum += uint32(b)
	}
	return sum
}

// Validate reports whether raw bytes form a currently-supported record:
// correct size, magic, version, and checksum.
func Validate(buf []byte) bool {
	if len(buf) != RecordSize {
		return false
	}
	if binary.LittleEndian.Uint32(buf[offMagic:]) != Magic {
		return false
	}
	if buf[offVersion] != Version {
		return false
	}
	return binary.LittleEndian.Uint32(buf[offChecksum:]) == Checksum(buf)
}
