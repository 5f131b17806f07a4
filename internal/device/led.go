// Package device glues the protocol engine together: it dispatches
// decoded command frames to the settings store, session guard, config
// session and analytics buffer, and runs the transport serve loop.
package device

import (
	"fmt"
	"log/slog"

	"ledguitar/internal/settings"
)

// LEDDriver is the rendering collaborator. Pattern math and color
// scaling live behind it, outside this core.
type LEDDriver interface {
	SetLED(index int, r, g, b byte) error
	Clear() error
	Apply(rec settings.Record) error
}

// SlogDriver logs LED operations instead of driving hardware. It stands
// in for the APA102 routines when running off-target.
type SlogDriver struct {
	ledCount int
	logger   *slog.Logger
}

func NewSlogDriver(ledCount int, logger *slog.Logger) *SlogDriver {
	return &SlogDriver{ledCount: ledCount, logger: logger}
}

func (d *SlogDriver) SetLED(index int, r, g, b byte) error {
	if index < 0 || index >= d.ledCount {
		return fmt.Errorf("led index %d out of range [0,%d)", index, d.ledCount)
	}
	d.logger.Debug("set led", "index", index, "r", r, "g", g, "b", b)
	return nil
}

func (d *SlogDriver) Clear() error {
	d.logger.Debug("clear strip")
	return nil
}

func (d *SlogDriver) Apply(rec settings.Record) error {
	d.logger.Debug("apply settings",
		"brightness", rec.Brightness,
		"pattern", rec.CurrentPattern,
		"color", fmt.Sprintf("#%02X%02X%02X", rec.Color[0], rec.Color[1], rec.Color[2]),
		"speed", rec.Speed)
	return nil
}
