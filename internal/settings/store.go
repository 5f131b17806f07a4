package settings

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
)

// ErrFlashWrite is returned when the storage medium rejects a write or
// the read-back verification does not match what was written.
var ErrFlashWrite = errors.New("flash write failed")

// Sector is the flash-like storage primitive the store persists into.
// Offsets are relative to the start of the settings sector.
type Sector interface {
	Read(offset int, buf []byte) error
	Write(offset int, data []byte) error
	Erase() error
	Size() int
}

// Two slots, each a record plus a little-endian u32 sequence trailer.
// Saves alternate slots so a torn write can never destroy the previous
// valid record; load picks the valid slot with the highest sequence.
const (
	slotSize   = RecordSize + 4
	slotCount  = 2
	SectorSize = slotSize * slotCount
)

// LoadStatus describes what Load found in the sector.
type LoadStatus int

const (
	// LoadValid means a stored record passed validation.
	LoadValid LoadStatus = iota
	// LoadFresh means the sector was erased (first boot) and defaults
	// were written.
	LoadFresh
	// LoadCorrupt means no slot validated and the store self-healed to
	// factory defaults.
	LoadCorrupt
)

// Store reads and writes the settings record on a sector, keeping the
// previous record intact until a successor verifies.
type Store struct {
	sector Sector
	logger *slog.Logger

	activeSlot int
	sequence   uint32
}

func NewStore(sector Sector, logger *slog.Logger) (*Store, error) {
	if sector.Size() < SectorSize {
		return nil, fmt.Errorf("sector too small: %d < %d", sector.Size(), SectorSize)
	}
	return &Store{sector: sector, logger: logger, activeSlot: -1}, nil
}

// Load returns the persisted record, falling back to freshly persisted
// factory defaults when the sector is erased or fails validation. It
// never fails outward on corruption; only on unreadable media.
func (s *Store) Load() (Record, LoadStatus, error) {
	bestSlot := -1
	var bestSeq uint32
	var bestRaw []byte
	erased := true

	for slot := 0; slot < slotCount; slot++ {
		raw := make([]byte, slotSize)
		if err := s.sector.Read(slot*slotSize, raw); err != nil {
			return Record{}, LoadCorrupt, fmt.Errorf("read slot %d: %w", slot, err)
		}
		if !isErased(raw) {
			erased = false
		}
		if !Validate(raw[:RecordSize]) {
			continue
		}
		seq := binary.LittleEndian.Uint32(raw[RecordSize:])
		if bestSlot < 0 || seqNewer(seq, bestSeq) {
			bestSlot, bestSeq, bestRaw = slot, seq, raw
		}
	}

	if bestSlot >= 0 {
		rec, err := Decode(bestRaw[:RecordSize])
		if err != nil {
			return Record{}, LoadCorrupt, err
		}
		s.activeSlot = bestSlot
		s.sequence = bestSeq
		return rec, LoadValid, nil
	}

	status := LoadCorrupt
	if erased {
		status = LoadFresh
	} else {
		s.logger.Warn("settings sector corrupt, restoring factory defaults")
	}

	rec := Default()
	if err := s.Save(rec); err != nil {
		return rec, status, err
	}
	return rec, status, nil
}

// Save persists the record to the stale slot and verifies it by reading
// back. On any failure the previously saved record stays authoritative.
func (s *Store) Save(r Record) error {
	encoded, err := Encode(r)
	if err != nil {
		return err
	}

	raw := make([]byte, slotSize)
	copy(raw, encoded)
	binary.LittleEndian.PutUint32(raw[RecordSize:], s.sequence+1)

	slot := 0
	if s.activeSlot == 0 {
		slot = 1
	}

	if err := s.sector.Write(slot*slotSize, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrFlashWrite, err)
	}

	verify := make([]byte, slotSize)
	if err := s.sector.Read(slot*slotSize, verify); err != nil {
		return fmt.Errorf("%w: verify read: %v", ErrFlashWrite, err)
	}
	if !bytes.Equal(raw, verify) {
		return fmt.Errorf("%w: verify mismatch in slot %d", ErrFlashWrite, slot)
	}

	s.activeSlot = slot
	s.sequence++
	s.logger.Debug("settings saved", "slot", slot, "sequence", s.sequence)
	return nil
}

// Reset persists and returns factory defaults, clearing ownership.
func (s *Store) Reset() (Record, error) {
	rec := Default()
	if err := s.Save(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func isErased(raw []byte) bool {
	for _, b := range raw {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// seqNewer compares sequence counters with wrap-around tolerance.
func seqNewer(a, b uint32) bool {
	return int32(a-b) > 0
}
