package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ledguitar/internal/protocol"
	"ledguitar/internal/settings"
)

var (
	ErrNotInConfigMode     = errors.New("not in config mode")
	ErrAlreadyInConfigMode = errors.New("already in config mode")
	ErrOutOfRange          = errors.New("value out of range")
	ErrInvalidParameter    = errors.New("invalid parameter")
)

// State of the configuration session.
type State int

const (
	StateIdle State = iota
	StateConfigMode
)

func (s State) String() string {
	if s == StateConfigMode {
		return "config"
	}
	return "idle"
}

// DefaultTimeout bounds config-mode inactivity before the shadow is
// discarded.
const DefaultTimeout = 120 * time.Second

// ConfigSession stages uncommitted settings edits. Mutations in config
// mode apply to an in-memory shadow copy; the persisted record is only
// replaced on an explicit, successful commit.
type ConfigSession struct {
	mu sync.Mutex

	state     State
	shadow    settings.Record
	enteredBy string
	verified  string

	timeout  time.Duration
	deadline time.Time
	now      func() time.Time

	logger *slog.Logger
}

func New(timeout time.Duration, now func() time.Time, logger *slog.Logger) *ConfigSession {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &ConfigSession{timeout: timeout, now: now, logger: logger}
}

func (s *ConfigSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Enter moves to config mode, snapshotting current as the shadow record.
// The caller must have verified ownership first.
func (s *ConfigSession) Enter(userID string, current settings.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConfigMode {
		return ErrAlreadyInConfigMode
	}
	s.state = StateConfigMode
	s.shadow = current
	s.enteredBy = userID
	s.deadline = s.now().Add(s.timeout)
	s.logger.Info("entered config mode", "user", userID)
	return nil
}

// Stage validates and applies one parameter update to the shadow. An
// invalid update leaves the shadow byte-for-byte unchanged.
func (s *ConfigSession) Stage(param byte, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConfigMode {
		return ErrNotInConfigMode
	}
	if err := ApplyParam(&s.shadow, param, value); err != nil {
		return err
	}
	s.deadline = s.now().Add(s.timeout)
	return nil
}

// Shadow returns the staged record; ok is false outside config mode.
func (s *ConfigSession) Shadow() (settings.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shadow, s.state == StateConfigMode
}

// FinishCommit leaves config mode after the store accepted the shadow.
func (s *ConfigSession) FinishCommit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveLocked("commit")
}

// Exit discards the shadow without persisting.
func (s *ConfigSession) Exit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConfigMode {
		return ErrNotInConfigMode
	}
	s.leaveLocked("exit")
	return nil
}

// Touch extends the inactivity deadline after any valid command.
func (s *ConfigSession) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConfigMode {
		s.deadline = s.now().Add(s.timeout)
	}
}

// ExpireIfIdle discards a config session whose inactivity window has
// elapsed. Returns true when an expiry happened.
func (s *ConfigSession) ExpireIfIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConfigMode || s.now().Before(s.deadline) {
		return false
	}
	s.leaveLocked("timeout")
	return true
}

// ResetOnDisconnect drops the shadow and any cached verified identity
// when the transport connection goes away.
func (s *ConfigSession) ResetOnDisconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified = ""
	if s.state == StateConfigMode {
		s.leaveLocked("disconnect")
	}
}

// SetVerified caches the identity that last passed VerifyOwnership on
// this connection.
func (s *ConfigSession) SetVerified(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified = userID
}

// Verified returns the cached per-connection identity, if any.
func (s *ConfigSession) Verified() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified
}

func (s *ConfigSession) leaveLocked(reason string) {
	s.logger.Info("left config mode", "reason", reason, "user", s.enteredBy)
	s.state = StateIdle
	s.shadow = settings.Record{}
	s.enteredBy = ""
	s.deadline = time.Time{}
}

// ApplyParam validates one parameter update against its declared range
// and applies it to r. Shared by staged config updates and the direct
// volatile set commands.
func ApplyParam(r *settings.Record, param byte, value []byte) error {
	wantLen := 1
	if param == protocol.ParamColor {
		wantLen = 3
	}
	if len(value) != wantLen {
		return fmt.Errorf("%w: param %d payload length %d", ErrInvalidParameter, param, len(value))
	}

	switch param {
	case protocol.ParamBrightness:
		r.Brightness = value[0]
	case protocol.ParamPattern:
		if value[0] >= r.MaxEffects {
			return fmt.Errorf("%w: pattern %d >= max effects %d", ErrOutOfRange, value[0], r.MaxEffects)
		}
		r.CurrentPattern = value[0]
	case protocol.ParamPowerMode:
		if value[0] > settings.PowerModeEco {
			return fmt.Errorf("%w: power mode %d", ErrOutOfRange, value[0])
		}
		r.PowerMode = value[0]
	case protocol.ParamAutoOff:
		r.AutoOffMinutes = value[0]
	case protocol.ParamMaxEffects:
		if value[0] == 0 || value[0] > protocol.MaxEffects {
			return fmt.Errorf("%w: max effects %d", ErrOutOfRange, value[0])
		}
		if r.CurrentPattern >= value[0] {
			return fmt.Errorf("%w: max effects %d with pattern %d active", ErrOutOfRange, value[0], r.CurrentPattern)
		}
		r.MaxEffects = value[0]
	case protocol.ParamColor:
		copy(r.Color[:], value)
	case protocol.ParamSpeed:
		if value[0] > 100 {
			return fmt.Errorf("%w: speed %d", ErrOutOfRange, value[0])
		}
		r.Speed = value[0]
	default:
		return fmt.Errorf("%w: unknown param %d", ErrInvalidParameter, param)
	}
	return nil
}
