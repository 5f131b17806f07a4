package device

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ledguitar/internal/analytics"
	"ledguitar/internal/bus"
	"ledguitar/internal/protocol"
	"ledguitar/internal/session"
	"ledguitar/internal/settings"
)

// Identity mirrors the config values the handler reports over the wire.
type Identity struct {
	Name              string
	Manufacturer      string
	FirmwareVersion   string
	LEDCount          int
	MaxPowerMilliamps int
	BatteryLowPercent int
}

// Handler processes exactly one command frame at a time: decode, gate,
// execute, encode. It owns the live settings record; every mutation path
// runs through here, so there is no concurrent writer by construction.
type Handler struct {
	identity  Identity
	store     *settings.Store
	guard     *session.Guard
	session   *session.ConfigSession
	analytics *analytics.Buffer
	led       LEDDriver
	power     PowerSource
	bus       bus.MessageBus
	logger    *slog.Logger
	now       func() time.Time
	startedAt time.Time

	mu   sync.Mutex
	live settings.Record
}

type HandlerDeps struct {
	Identity  Identity
	Store     *settings.Store
	Guard     *session.Guard
	Session   *session.ConfigSession
	Analytics *analytics.Buffer
	LED       LEDDriver
	Power     PowerSource
	Bus       bus.MessageBus
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewHandler loads the persisted record (self-healing on corruption) and
// wires the dispatcher. The returned LoadStatus lets the caller log a
// corruption recovery distinctly.
func NewHandler(deps HandlerDeps) (*Handler, settings.LoadStatus, error) {
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	rec, status, err := deps.Store.Load()
	if err != nil {
		return nil, status, err
	}
	deps.Guard.SetOwner(rec.OwnerUserID)

	h := &Handler{
		identity:  deps.Identity,
		store:     deps.Store,
		guard:     deps.Guard,
		session:   deps.Session,
		analytics: deps.Analytics,
		led:       deps.LED,
		power:     deps.Power,
		bus:       deps.Bus,
		logger:    deps.Logger,
		now:       now,
		startedAt: now(),
		live:      rec,
	}
	if err := h.led.Apply(rec); err != nil {
		deps.Logger.Warn("initial led apply failed", "error", err)
	}
	return h, status, nil
}

// Live returns a copy of the current in-RAM record.
func (h *Handler) Live() settings.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}

// Tick runs periodic housekeeping: config-session expiry.
func (h *Handler) Tick() {
	if h.session.ExpireIfIdle() {
		h.logger.Warn("config session expired, shadow discarded")
	}
}

// OnDisconnect discards session state tied to the dropped connection.
func (h *Handler) OnDisconnect() {
	h.session.ResetOnDisconnect()
}

// HandleFrame fully processes one command payload and returns the
// response payload. Protocol rejections come back as error frames and
// never change state.
func (h *Handler) HandleFrame(ctx context.Context, payload []byte) []byte {
	h.Tick()

	cmd, err := protocol.DecodeCommand(payload)
	if err != nil {
		return h.finish(0, protocol.ErrorResponse(protocol.ErrInvalidCommand))
	}

	resp := h.dispatch(ctx, cmd)
	if _, isErr := protocol.IsErrorResponse(resp); !isErr {
		h.session.Touch()
	}
	return h.finish(byte(cmd.Op), resp)
}

func (h *Handler) dispatch(ctx context.Context, cmd protocol.Command) []byte {
	switch cmd.Op {
	case protocol.CmdVersion:
		return protocol.SuccessResponse([]byte(h.identity.FirmwareVersion)...)
	case protocol.CmdSetLED:
		return h.handleSetLED(cmd.Body)
	case protocol.CmdClear:
		return h.handleClear()
	case protocol.CmdBrightness:
		return h.handleVolatileParam(protocol.ParamBrightness, cmd.Body)
	case protocol.CmdPattern:
		return h.handleVolatileParam(protocol.ParamPattern, cmd.Body)
	case protocol.CmdInfo:
		return h.handleInfo()
	case protocol.CmdSettingsGet:
		return h.handleSettingsGet()
	case protocol.CmdSettingsSet:
		return h.handleSettingsSet(cmd.Body)
	case protocol.CmdSettingsSave:
		return h.handleSettingsSave()
	case protocol.CmdSettingsLoad:
		return h.handleSettingsLoad()
	case protocol.CmdSettingsReset:
		return h.handleSettingsReset()
	case protocol.CmdPowerGet:
		return h.handlePowerGet()
	case protocol.CmdEffectsGet:
		return h.handleEffectsGet()
	case protocol.CmdStatus:
		return h.handleStatus()
	case protocol.CmdConfigUpdate:
		return h.handleConfigUpdate(cmd.Body)
	case protocol.CmdEnterConfig:
		return h.handleEnterConfig(cmd.Body)
	case protocol.CmdCommitConfig:
		return h.handleCommitConfig()
	case protocol.CmdExitConfig:
		return h.handleExitConfig()
	case protocol.CmdClaimDevice:
		return h.handleClaim(cmd.Body)
	case protocol.CmdVerifyOwnership:
		return h.handleVerify(cmd.Body)
	case protocol.CmdUnclaimDevice:
		return h.handleUnclaim(cmd.Body)
	case protocol.CmdRequestAnalytics:
		return h.handleRequestAnalytics(ctx)
	case protocol.CmdConfirmAnalytics:
		return h.handleConfirmAnalytics(ctx, cmd.Body)
	default:
		return protocol.ErrorResponse(protocol.ErrInvalidCommand)
	}
}

// finish publishes the telemetry event for a handled command.
func (h *Handler) finish(opcode byte, resp []byte) []byte {
	code, _ := protocol.IsErrorResponse(resp)
	h.bus.Publish(bus.TopicCommandHandled, bus.CommandHandled{
		Opcode:    opcode,
		ErrorCode: byte(code),
		Timestamp: h.now(),
	})
	return resp
}

func (h *Handler) handleSetLED(body []byte) []byte {
	if len(body) != 4 {
		return protocol.ErrorResponse(protocol.ErrInvalidParameter)
	}
	if int(body[0]) >= h.identity.LEDCount {
		return protocol.ErrorResponse(protocol.ErrOutOfRange)
	}
	if err := h.led.SetLED(int(body[0]), body[1], body[2], body[3]); err != nil {
		h.logger.Error("set led failed", "error", err)
		return protocol.ErrorResponse(protocol.ErrLEDFailure)
	}
	return protocol.SuccessResponse()
}

func (h *Handler) handleClear() []byte {
	if err := h.led.Clear(); err != nil {
		h.logger.Error("clear failed", "error", err)
		return protocol.ErrorResponse(protocol.ErrLEDFailure)
	}
	return protocol.SuccessResponse()
}

// handleVolatileParam applies a single-field update to the live record
// without persisting it.
func (h *Handler) handleVolatileParam(param byte, value []byte) []byte {
	h.mu.Lock()
	next := h.live
	if err := session.ApplyParam(&next, param, value); err != nil {
		h.mu.Unlock()
		return protocol.ErrorResponse(rejectCode(err))
	}
	h.live = next
	h.mu.Unlock()

	h.applyToStrip(next, false)
	return protocol.SuccessResponse()
}

func (h *Handler) handleInfo() []byte {
	h.mu.Lock()
	live := h.live
	h.mu.Unlock()

	info := Info{
		Name:       h.identity.Name,
		Maker:      h.identity.Manufacturer,
		Firmware:   h.identity.FirmwareVersion,
		LEDCount:   h.identity.LEDCount,
		MaxEffects: int(live.MaxEffects),
		HasOwner:   live.HasOwner,
		UptimeS:    uptimeSeconds(h.startedAt, h.now()),
	}
	return protocol.SuccessResponse(encodeInfo(info)...)
}

func (h *Handler) handleSettingsGet() []byte {
	h.mu.Lock()
	live := h.live
	h.mu.Unlock()

	raw, err := settings.Encode(live)
	if err != nil {
		h.logger.Error("encode live settings failed", "error", err)
		return protocol.ErrorResponse(protocol.ErrValidationFailed)
	}
	return protocol.SettingsResponse(raw)
}

// handleSettingsSet updates the volatile mutable fields in one shot:
// [brightness pattern powerMode autoOff maxEffects r g b speed].
func (h *Handler) handleSettingsSet(body []byte) []byte {
	if len(body) != 9 {
		return protocol.ErrorResponse(protocol.ErrInvalidParameter)
	}

	h.mu.Lock()
	next := h.live
	updates := []struct {
		param byte
		value []byte
	}{
		{protocol.ParamBrightness, body[0:1]},
		{protocol.ParamMaxEffects, body[4:5]},
		{protocol.ParamPattern, body[1:2]},
		{protocol.ParamPowerMode, body[2:3]},
		{protocol.ParamAutoOff, body[3:4]},
		{protocol.ParamColor, body[5:8]},
		{protocol.ParamSpeed, body[8:9]},
	}
	// The pattern and effect bound move as a pair. Raising the bound must
	// land before the pattern; lowering it must land after, so each step
	// validates against a bound the target pattern satisfies.
	if body[4] < next.MaxEffects {
		updates[1], updates[2] = updates[2], updates[1]
	}
	for _, u := range updates {
		if err := session.ApplyParam(&next, u.param, u.value); err != nil {
			h.mu.Unlock()
			return protocol.ErrorResponse(rejectCode(err))
		}
	}
	h.live = next
	h.mu.Unlock()

	h.applyToStrip(next, false)
	return protocol.SuccessResponse()
}

func (h *Handler) handleSettingsSave() []byte {
	h.mu.Lock()
	live := h.live
	h.mu.Unlock()

	if err := h.store.Save(live); err != nil {
		h.logger.Error("settings save failed", "error", err)
		return protocol.ErrorResponse(rejectCode(err))
	}
	h.publishApplied(live, true)
	return protocol.SuccessResponse()
}

func (h *Handler) handleSettingsLoad() []byte {
	rec, status, err := h.store.Load()
	if err != nil {
		h.logger.Error("settings load failed", "error", err)
		return protocol.ErrorResponse(protocol.ErrFlashFailure)
	}

	h.mu.Lock()
	h.live = rec
	h.mu.Unlock()
	h.guard.SetOwner(rec.OwnerUserID)
	h.applyToStrip(rec, false)

	statusByte := byte(0)
	switch status {
	case settings.LoadFresh:
		statusByte = 1
	case settings.LoadCorrupt:
		statusByte = 2
		h.logger.Warn("settings were corrupt, defaults restored")
	}
	return protocol.SuccessResponse(statusByte)
}

func (h *Handler) handleSettingsReset() []byte {
	rec, err := h.store.Reset()
	if err != nil {
		h.logger.Error("settings reset failed", "error", err)
		return protocol.ErrorResponse(rejectCode(err))
	}

	h.mu.Lock()
	hadOwner := h.live.HasOwner
	h.live = rec
	h.mu.Unlock()
	h.guard.SetOwner("")
	if hadOwner {
		h.publishOwnership("", false)
	}
	h.applyToStrip(rec, true)
	return protocol.SuccessResponse()
}

func (h *Handler) handlePowerGet() []byte {
	h.mu.Lock()
	live := h.live
	h.mu.Unlock()

	battery := h.power.BatteryPercent()
	if battery < 0 {
		battery = 0
	}
	if battery > 100 {
		battery = 100
	}
	mw := estimateMilliwatts(live, h.identity.LEDCount, h.identity.MaxPowerMilliamps)

	var flags byte
	if battery < h.identity.BatteryLowPercent {
		flags |= 0x01
	}
	return protocol.SuccessResponse(
		live.PowerMode,
		byte(battery),
		byte(mw>>8), byte(mw), // #nosec G115 -- bounded by the current budget
		flags,
	)
}

func (h *Handler) handleEffectsGet() []byte {
	h.mu.Lock()
	count := h.live.MaxEffects
	h.mu.Unlock()

	data := make([]byte, 1+int(count))
	data[0] = count
	for i := byte(0); i < count; i++ {
		data[1+i] = i
	}
	return protocol.SuccessResponse(data...)
}

func (h *Handler) handleStatus() []byte {
	h.mu.Lock()
	hasOwner := h.live.HasOwner
	h.mu.Unlock()

	state := byte(0)
	if h.session.State() == session.StateConfigMode {
		state = 1
	}
	owner := byte(0)
	if hasOwner {
		owner = 1
	}
	return []byte{protocol.RespAckSuccess, state, owner, h.analytics.PendingID()}
}

func (h *Handler) handleEnterConfig(body []byte) []byte {
	// An open session wins over the ownership check so probes don't learn
	// anything while someone is configuring.
	if h.session.State() == session.StateConfigMode {
		return protocol.ErrorResponse(protocol.ErrAlreadyInConfigMode)
	}
	userID := string(body)
	if !h.guard.Verify(userID) {
		return protocol.ErrorResponse(protocol.ErrNotOwner)
	}

	h.mu.Lock()
	live := h.live
	h.mu.Unlock()
	if err := h.session.Enter(userID, live); err != nil {
		return protocol.ErrorResponse(rejectCode(err))
	}
	return protocol.AckResponse(protocol.RespAckConfigMode)
}

func (h *Handler) handleConfigUpdate(body []byte) []byte {
	if len(body) < 2 {
		return protocol.ErrorResponse(protocol.ErrInvalidParameter)
	}
	if err := h.session.Stage(body[0], body[1:]); err != nil {
		return protocol.ErrorResponse(rejectCode(err))
	}
	return protocol.AckResponse(protocol.RespAckSuccess)
}

func (h *Handler) handleCommitConfig() []byte {
	shadow, ok := h.session.Shadow()
	if !ok {
		return protocol.ErrorResponse(protocol.ErrNotInConfigMode)
	}

	if err := h.store.Save(shadow); err != nil {
		// Session stays in config mode with the shadow intact so the
		// commit can be retried.
		h.logger.Error("commit failed", "error", err)
		return protocol.ErrorResponse(rejectCode(err))
	}

	h.mu.Lock()
	h.live = shadow
	h.mu.Unlock()
	h.session.FinishCommit()
	h.applyToStrip(shadow, true)
	return protocol.AckResponse(protocol.RespAckCommit)
}

func (h *Handler) handleExitConfig() []byte {
	if err := h.session.Exit(); err != nil {
		return protocol.ErrorResponse(rejectCode(err))
	}
	return protocol.AckResponse(protocol.RespAckSuccess)
}

func (h *Handler) handleClaim(body []byte) []byte {
	userID := string(body)
	if err := h.guard.Claim(userID); err != nil {
		return protocol.ErrorResponse(rejectCode(err))
	}

	h.mu.Lock()
	prev := h.live
	next := h.live
	next.OwnerUserID = userID
	next.HasOwner = true
	h.live = next
	h.mu.Unlock()

	if err := h.store.Save(next); err != nil {
		// Roll the claim back; ownership must not exist only in RAM.
		h.mu.Lock()
		h.live = prev
		h.mu.Unlock()
		h.guard.SetOwner(prev.OwnerUserID)
		h.logger.Error("persist claim failed", "error", err)
		return protocol.ErrorResponse(rejectCode(err))
	}

	h.publishOwnership(userID, true)
	return protocol.AckResponse(protocol.RespAckSuccess)
}

func (h *Handler) handleVerify(body []byte) []byte {
	userID := string(body)
	if !h.guard.Verify(userID) {
		return protocol.ErrorResponse(protocol.ErrNotOwner)
	}
	h.session.SetVerified(userID)
	return protocol.AckResponse(protocol.RespAckSuccess)
}

func (h *Handler) handleUnclaim(body []byte) []byte {
	userID := string(body)
	if err := h.guard.Unclaim(userID); err != nil {
		return protocol.ErrorResponse(rejectCode(err))
	}

	h.mu.Lock()
	prev := h.live
	next := h.live
	next.OwnerUserID = ""
	next.HasOwner = false
	h.live = next
	h.mu.Unlock()

	if err := h.store.Save(next); err != nil {
		h.mu.Lock()
		h.live = prev
		h.mu.Unlock()
		h.guard.SetOwner(prev.OwnerUserID)
		h.logger.Error("persist unclaim failed", "error", err)
		return protocol.ErrorResponse(rejectCode(err))
	}

	h.publishOwnership("", false)
	return protocol.AckResponse(protocol.RespAckSuccess)
}

func (h *Handler) handleRequestAnalytics(ctx context.Context) []byte {
	batch, err := h.analytics.NextBatch(ctx)
	if err != nil {
		h.logger.Error("cut analytics batch failed", "error", err)
		return protocol.ErrorResponse(protocol.ErrMemoryLow)
	}
	out := make([]byte, 1+len(batch.Payload))
	out[0] = protocol.RespAnalyticsBatch
	copy(out[1:], batch.Payload)
	return out
}

func (h *Handler) handleConfirmAnalytics(ctx context.Context, body []byte) []byte {
	if len(body) != 1 {
		return protocol.ErrorResponse(protocol.ErrInvalidParameter)
	}
	if err := h.analytics.Confirm(ctx, body[0]); err != nil {
		return protocol.ErrorResponse(rejectCode(err))
	}
	return protocol.AckResponse(protocol.RespAckSuccess)
}

func (h *Handler) applyToStrip(rec settings.Record, persisted bool) {
	if err := h.led.Apply(rec); err != nil {
		h.logger.Error("led apply failed", "error", err)
	}
	h.publishApplied(rec, persisted)
}

func (h *Handler) publishApplied(rec settings.Record, persisted bool) {
	h.bus.Publish(bus.TopicSettingsApplied, bus.SettingsApplied{
		Brightness: rec.Brightness,
		Pattern:    rec.CurrentPattern,
		Color:      rec.Color,
		Speed:      rec.Speed,
		Persisted:  persisted,
		Timestamp:  h.now(),
	})
}

func (h *Handler) publishOwnership(owner string, claimed bool) {
	h.bus.Publish(bus.TopicOwnershipChanged, bus.OwnershipChanged{
		Owner:     owner,
		Claimed:   claimed,
		Timestamp: h.now(),
	})
}

// rejectCode maps internal errors to wire error codes.
func rejectCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, session.ErrNotInConfigMode):
		return protocol.ErrNotInConfigMode
	case errors.Is(err, session.ErrAlreadyInConfigMode):
		return protocol.ErrAlreadyInConfigMode
	case errors.Is(err, session.ErrOutOfRange):
		return protocol.ErrOutOfRange
	case errors.Is(err, session.ErrInvalidParameter):
		return protocol.ErrInvalidParameter
	case errors.Is(err, session.ErrAlreadyClaimed):
		return protocol.ErrAlreadyClaimed
	case errors.Is(err, session.ErrNotOwner):
		return protocol.ErrNotOwner
	case errors.Is(err, session.ErrInvalidUserID):
		return protocol.ErrInvalidParameter
	case errors.Is(err, settings.ErrFlashWrite):
		return protocol.ErrFlashWriteFailed
	case errors.Is(err, analytics.ErrUnknownBatch):
		return protocol.ErrInvalidParameter
	default:
		return protocol.ErrValidationFailed
	}
}
