// Package session enforces who may touch the controller's configuration:
// the ownership claim model (SessionGuard) and the gated configuration
// mode state machine (ConfigSession).
package session

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"ledguitar/internal/protocol"
)

var (
	ErrAlreadyClaimed = errors.New("device already claimed")
	ErrNotOwner       = errors.New("not the device owner")
	ErrInvalidUserID  = errors.New("invalid user id")
)

// Guard tracks the device's single ownership claim and answers per-request
// identity checks without touching storage. It knows nothing about command
// semantics; persistence of a claim is the caller's job.
type Guard struct {
	mu           sync.Mutex
	owner        string
	bypassPrefix string
	logger       *slog.Logger
}

// NewGuard creates a guard seeded with the persisted owner (empty when
// unclaimed). bypassPrefix names the reserved developer/test identity
// class; empty disables the bypass entirely.
func NewGuard(owner, bypassPrefix string, logger *slog.Logger) *Guard {
	return &Guard{owner: owner, bypassPrefix: bypassPrefix, logger: logger}
}

// Claim takes ownership of an unclaimed device. Bypass identities cannot
// claim; servicing a device must not take it over.
func (g *Guard) Claim(userID string) error {
	if err := checkUserID(userID); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner != "" {
		return ErrAlreadyClaimed
	}
	if g.isBypass(userID) {
		return ErrInvalidUserID
	}
	g.owner = userID
	g.logger.Info("device claimed", "owner", userID)
	return nil
}

// Verify reports whether userID is the current owner or a member of the
// bypass identity class.
func (g *Guard) Verify(userID string) bool {
	if checkUserID(userID) != nil {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isBypass(userID) {
		g.logger.Warn("ownership bypass identity accepted", "user", userID)
		return true
	}
	return g.owner != "" && g.owner == userID
}

// Unclaim releases ownership. Only the owner or a bypass identity may do
// so.
func (g *Guard) Unclaim(userID string) error {
	if err := checkUserID(userID); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner == "" {
		return ErrNotOwner
	}
	if g.owner != userID && !g.isBypass(userID) {
		return ErrNotOwner
	}
	g.logger.Info("device unclaimed", "previous_owner", g.owner, "by", userID)
	g.owner = ""
	return nil
}

// Owner returns the cached owner identity and whether one is set.
func (g *Guard) Owner() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owner, g.owner != ""
}

// SetOwner overwrites the cached claim, used when loading persisted
// settings or rolling back a claim whose persistence failed.
func (g *Guard) SetOwner(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.owner = owner
}

func (g *Guard) isBypass(userID string) bool {
	return g.bypassPrefix != "" && strings.HasPrefix(userID, g.bypassPrefix)
}

func checkUserID(userID string) error {
	if userID == "" || len(userID) > protocol.MaxUserIDLength {
		return ErrInvalidUserID
	}
	// The persisted record stores the owner NUL-terminated; an embedded
	// NUL would silently truncate on the flash round trip.
	if strings.IndexByte(userID, 0) >= 0 {
		return ErrInvalidUserID
	}
	return nil
}
