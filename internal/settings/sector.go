package settings

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileSector emulates a fixed-size flash sector on a regular file. A
// fresh file is filled with 0xFF to mimic erased flash.
type FileSector struct {
	file *os.File
	size int
}

func OpenFileSector(path string, size int) (*FileSector, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid sector size: %d", size)
	}

	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path comes from app config, resolved by the runtime.
	file, err := os.OpenFile(cleanPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open sector file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat sector file: %w", err)
	}

	s := &FileSector{file: file, size: size}
	if info.Size() != int64(size) {
		if err := s.Erase(); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *FileSector) Size() int {
	return s.size
}

func (s *FileSector) Read(offset int, buf []byte) error {
	if err := s.checkRange(offset, len(buf)); err != nil {
		return err
	}
	if _, err := s.file.ReadAt(buf, int64(offset)); err != nil {
		return fmt.Errorf("read sector at %d: %w", offset, err)
	}
	return nil
}

func (s *FileSector) Write(offset int, data []byte) error {
	if err := s.checkRange(offset, len(data)); err != nil {
		return err
	}
	if _, err := s.file.WriteAt(data, int64(offset)); err != nil {
		return fmt.Errorf("write sector at %d: %w", offset, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync sector: %w", err)
	}
	return nil
}

func (s *FileSector) Erase() error {
	blank := make([]byte, s.size)
	for i := range blank {
		blank[i] = 0xFF
	}
	if err := s.file.Truncate(int64(s.size)); err != nil {
		return fmt.Errorf("truncate sector: %w", err)
	}
	if _, err := s.file.WriteAt(blank, 0); err != nil {
		return fmt.Errorf("erase sector: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync sector: %w", err)
	}
	return nil
}

func (s *FileSector) Close() error {
	return s.file.Close()
}

func (s *FileSector) checkRange(offset, length int) error {
	if offset < 0 || offset+length > s.size {
		return fmt.Errorf("sector range out of bounds: offset %d len %d size %d", offset, length, s.size)
	}
	return nil
}
