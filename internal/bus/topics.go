package bus

import "time"

const (
	TopicCommandHandled   = "command.handled"
	TopicOwnershipChanged = "ownership.changed"
	TopicSettingsApplied  = "settings.applied"
	TopicConnStatus       = "conn.status"
)

// CommandHandled is published after every fully processed command frame.
type CommandHandled struct {
	Opcode    byte
	ErrorCode byte
	Timestamp time.Time
}

// OwnershipChanged reports claim/unclaim transitions.
type OwnershipChanged struct {
	Owner     string
	Claimed   bool
	Timestamp time.Time
}

// SettingsApplied carries the record now live on the device, after a
// commit, reset, load, or direct set.
type SettingsApplied struct {
	Brightness byte
	Pattern    byte
	Color      [3]byte
	Speed      byte
	Persisted  bool
	Timestamp  time.Time
}

// ConnStatus is a transport lifecycle snapshot.
type ConnStatus struct {
	Transport string
	Connected bool
	Err       string
	Timestamp time.Time
}
