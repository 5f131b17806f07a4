package device

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ledguitar/internal/analytics"
	"ledguitar/internal/bus"
	"ledguitar/internal/protocol"
	"ledguitar/internal/session"
	"ledguitar/internal/settings"
	"ledguitar/internal/transport"
)

type flakySector struct {
	data      []byte
	failWrite bool
}

func newFlakySector() *flakySector {
	data := make([]byte, settings.SectorSize)
	for i := range data {
		data[i] = 0xFF
	}
	return &flakySector{data: data}
}

func (s *flakySector) Size() int { return len(s.data) }

func (s *flakySector) Read(offset int, buf []byte) error {
	copy(buf, s.data[offset:offset+len(buf)])
	return nil
}

func (s *flakySector) Write(offset int, data []byte) error {
	if s.failWrite {
		return errors.New("injected flash failure")
	}
	copy(s.data[offset:], data)
	return nil
}

func (s *flakySector) Erase() error {
	for i := range s.data {
		s.data[i] = 0xFF
	}
	return nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	handler *Handler
	sector  *flakySector
	buffer  *analytics.Buffer
	clock   *fakeClock
	power   *FixedPower
	bus     bus.MessageBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}

	sector := newFlakySector()
	store, err := settings.NewStore(sector, logger)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	db, err := analytics.Open(context.Background(), filepath.Join(t.TempDir(), "analytics.db"))
	if err != nil {
		t.Fatalf("open analytics db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	buffer := analytics.NewBuffer(db, 4, 64, logger)

	b := bus.New(logger)
	t.Cleanup(b.Close)

	power := FixedPower(100)
	handler, _, err := NewHandler(HandlerDeps{
		Identity: Identity{
			Name:              "LED_GUITAR_TEST",
			Manufacturer:      "LED_GUITAR_CONTROLLER",
			FirmwareVersion:   "1.0.0",
			LEDCount:          10,
			MaxPowerMilliamps: 500,
			BatteryLowPercent: 15,
		},
		Store:     store,
		Guard:     session.NewGuard("", "LEDG-DEV-", logger),
		Session:   session.New(30*time.Second, clock.Now, logger),
		Analytics: buffer,
		LED:       NewSlogDriver(10, logger),
		Power:     &power,
		Bus:       b,
		Logger:    logger,
		Now:       clock.Now,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return &fixture{handler: handler, sector: sector, buffer: buffer, clock: clock, power: &power, bus: b}
}

func (f *fixture) send(op protocol.Opcode, body ...byte) []byte {
	payload := append([]byte{byte(op)}, body...)
	return f.handler.HandleFrame(context.Background(), payload)
}

func (f *fixture) mustAck(t *testing.T, want byte, op protocol.Opcode, body ...byte) {
	t.Helper()
	resp := f.send(op, body...)
	if len(resp) == 0 || resp[0] != want {
		t.Fatalf("op 0x%02X: expected ack 0x%02X, got %x", byte(op), want, resp)
	}
}

func (f *fixture) mustReject(t *testing.T, want protocol.ErrorCode, op protocol.Opcode, body ...byte) {
	t.Helper()
	resp := f.send(op, body...)
	code, isErr := protocol.IsErrorResponse(resp)
	if !isErr {
		t.Fatalf("op 0x%02X: expected error 0x%02X, got %x", byte(op), byte(want), resp)
	}
	if code != want {
		t.Fatalf("op 0x%02X: expected error 0x%02X, got 0x%02X", byte(op), byte(want), byte(code))
	}
}

// persisted reads the record currently stored in flash through a fresh
// store, bypassing the handler's RAM copy.
func (f *fixture) persisted(t *testing.T) settings.Record {
	t.Helper()
	store, err := settings.NewStore(f.sector, slog.Default())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	rec, status, err := store.Load()
	if err != nil {
		t.Fatalf("load persisted: %v", err)
	}
	if status != settings.LoadValid {
		t.Fatalf("persisted record not valid: %v", status)
	}
	return rec
}

func (f *fixture) claimAndEnter(t *testing.T, user string) {
	t.Helper()
	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdClaimDevice, []byte(user)...)
	f.mustAck(t, protocol.RespAckConfigMode, protocol.CmdEnterConfig, []byte(user)...)
}

func TestVersionCommand(t *testing.T) {
	f := newFixture(t)
	resp := f.send(protocol.CmdVersion)
	if resp[0] != byte(protocol.CmdSuccess) || string(resp[1:]) != "1.0.0" {
		t.Fatalf("version response mismatch: %q", resp)
	}
}

func TestUnknownOpcodeRejected(t *testing.T) {
	f := newFixture(t)
	f.mustReject(t, protocol.ErrInvalidCommand, protocol.Opcode(0x7E))

	resp := f.handler.HandleFrame(context.Background(), nil)
	if code, ok := protocol.IsErrorResponse(resp); !ok || code != protocol.ErrInvalidCommand {
		t.Fatalf("empty payload response: %x", resp)
	}
}

func TestConfigCommandsGatedInIdle(t *testing.T) {
	f := newFixture(t)
	before := f.persisted(t)

	f.mustReject(t, protocol.ErrNotInConfigMode, protocol.CmdConfigUpdate, protocol.ParamBrightness, 10)
	f.mustReject(t, protocol.ErrNotInConfigMode, protocol.CmdCommitConfig)
	f.mustReject(t, protocol.ErrNotInConfigMode, protocol.CmdExitConfig)

	if got := f.persisted(t); got != before {
		t.Fatalf("gated command altered persisted record")
	}
}

func TestEnterConfigRequiresOwnership(t *testing.T) {
	f := newFixture(t)

	// Unclaimed device: nobody verifies.
	f.mustReject(t, protocol.ErrNotOwner, protocol.CmdEnterConfig, []byte("alice")...)

	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdClaimDevice, []byte("alice")...)
	f.mustReject(t, protocol.ErrNotOwner, protocol.CmdEnterConfig, []byte("bob")...)
	f.mustAck(t, protocol.RespAckConfigMode, protocol.CmdEnterConfig, []byte("alice")...)
	f.mustReject(t, protocol.ErrAlreadyInConfigMode, protocol.CmdEnterConfig, []byte("alice")...)
	// A non-owner probing during an open session sees the session state,
	// not the ownership verdict.
	f.mustReject(t, protocol.ErrAlreadyInConfigMode, protocol.CmdEnterConfig, []byte("bob")...)
}

func TestBypassIdentityEntersConfigMode(t *testing.T) {
	f := newFixture(t)
	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdClaimDevice, []byte("alice")...)
	f.mustAck(t, protocol.RespAckConfigMode, protocol.CmdEnterConfig, []byte("LEDG-DEV-bench")...)
}

func TestStageCommitPersistsShadow(t *testing.T) {
	f := newFixture(t)
	f.claimAndEnter(t, "alice")

	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdConfigUpdate, protocol.ParamBrightness, 200)
	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdConfigUpdate, protocol.ParamColor, 1, 2, 3)
	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdConfigUpdate, protocol.ParamSpeed, 75)

	// Nothing persisted until commit.
	if got := f.persisted(t); got.Brightness == 200 {
		t.Fatalf("staged update leaked to flash before commit")
	}

	f.mustAck(t, protocol.RespAckCommit, protocol.CmdCommitConfig)

	got := f.persisted(t)
	if got.Brightness != 200 || got.Color != [3]byte{1, 2, 3} || got.Speed != 75 {
		t.Fatalf("committed record mismatch: %+v", got)
	}
	if got.OwnerUserID != "alice" || !got.HasOwner {
		t.Fatalf("commit lost ownership: %+v", got)
	}

	// Session is back in idle.
	f.mustReject(t, protocol.ErrNotInConfigMode, protocol.CmdCommitConfig)
}

func TestExitDiscardsStagedChanges(t *testing.T) {
	f := newFixture(t)
	f.claimAndEnter(t, "alice")

	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdConfigUpdate, protocol.ParamBrightness, 7)
	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdExitConfig)

	if got := f.persisted(t); got.Brightness == 7 {
		t.Fatalf("discarded shadow reached flash")
	}
	if got := f.handler.Live(); got.Brightness == 7 {
		t.Fatalf("discarded shadow reached the live record")
	}
}

func TestCommitAtomicOnFlashFailure(t *testing.T) {
	f := newFixture(t)
	f.claimAndEnter(t, "alice")
	before := f.persisted(t)

	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdConfigUpdate, protocol.ParamBrightness, 33)

	f.sector.failWrite = true
	f.mustReject(t, protocol.ErrFlashWriteFailed, protocol.CmdCommitConfig)
	f.sector.failWrite = false

	// Old record untouched, session still in config mode with the
	// shadow intact, so the commit can simply be retried.
	if got := f.persisted(t); got != before {
		t.Fatalf("failed commit altered flash: %+v", got)
	}
	status := f.send(protocol.CmdStatus)
	if status[1] != 1 {
		t.Fatalf("session left config mode after failed commit")
	}

	f.mustAck(t, protocol.RespAckCommit, protocol.CmdCommitConfig)
	if got := f.persisted(t); got.Brightness != 33 {
		t.Fatalf("retried commit did not persist: %+v", got)
	}
}

func TestValidationBoundaries(t *testing.T) {
	f := newFixture(t)
	f.claimAndEnter(t, "alice")

	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdConfigUpdate, protocol.ParamBrightness, 255)
	// A two-byte encoding is the closest wire form of "256".
	f.mustReject(t, protocol.ErrInvalidParameter, protocol.CmdConfigUpdate, protocol.ParamBrightness, 1, 0)
	f.mustReject(t, protocol.ErrOutOfRange, protocol.CmdConfigUpdate, protocol.ParamSpeed, 101)
	f.mustReject(t, protocol.ErrOutOfRange, protocol.CmdConfigUpdate, protocol.ParamPattern, 10)
	f.mustReject(t, protocol.ErrInvalidParameter, protocol.CmdConfigUpdate, 0x55, 1)

	f.mustAck(t, protocol.RespAckCommit, protocol.CmdCommitConfig)
	got := f.persisted(t)
	if got.Brightness != 255 {
		t.Fatalf("valid boundary update lost: %+v", got)
	}
	if got.Speed != settings.DefaultSpeed {
		t.Fatalf("rejected speed reached the record: %+v", got)
	}
}

func TestOwnershipExclusivity(t *testing.T) {
	f := newFixture(t)

	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdClaimDevice, []byte("alice")...)
	f.mustReject(t, protocol.ErrAlreadyClaimed, protocol.CmdClaimDevice, []byte("bob")...)

	if got := f.persisted(t); got.OwnerUserID != "alice" {
		t.Fatalf("ownership drifted: %+v", got)
	}

	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdVerifyOwnership, []byte("alice")...)
	f.mustReject(t, protocol.ErrNotOwner, protocol.CmdVerifyOwnership, []byte("bob")...)

	f.mustReject(t, protocol.ErrNotOwner, protocol.CmdUnclaimDevice, []byte("bob")...)
	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdUnclaimDevice, []byte("alice")...)

	got := f.persisted(t)
	if got.HasOwner || got.OwnerUserID != "" {
		t.Fatalf("unclaim not persisted: %+v", got)
	}
}

func TestClaimRolledBackOnFlashFailure(t *testing.T) {
	f := newFixture(t)

	f.sector.failWrite = true
	f.mustReject(t, protocol.ErrFlashWriteFailed, protocol.CmdClaimDevice, []byte("alice")...)
	f.sector.failWrite = false

	// The failed claim must not linger in RAM either.
	if got := f.handler.Live(); got.HasOwner {
		t.Fatalf("failed claim left RAM ownership: %+v", got)
	}
	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdClaimDevice, []byte("bob")...)
	if got := f.persisted(t); got.OwnerUserID != "bob" {
		t.Fatalf("subsequent claim failed: %+v", got)
	}
}

func TestSessionTimeoutDiscardsShadow(t *testing.T) {
	f := newFixture(t)
	f.claimAndEnter(t, "alice")
	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdConfigUpdate, protocol.ParamBrightness, 50)

	f.clock.Advance(31 * time.Second)

	f.mustReject(t, protocol.ErrNotInConfigMode, protocol.CmdConfigUpdate, protocol.ParamBrightness, 60)
	if got := f.persisted(t); got.Brightness == 50 {
		t.Fatalf("expired shadow reached flash")
	}
}

func TestAnalyticsHandshake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if err := f.buffer.Record(ctx, f.clock.Now(), analytics.KindCommand, "op=0x00 err=0x00"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	first := f.send(protocol.CmdRequestAnalytics)
	if first[0] != protocol.RespAnalyticsBatch {
		t.Fatalf("expected analytics batch response, got %x", first)
	}
	batchID := first[1]
	if batchID == 0 || first[2] != 4 {
		t.Fatalf("unexpected batch header: id=%d count=%d", first[1], first[2])
	}

	// Unconfirmed: the identical batch comes back.
	second := f.send(protocol.CmdRequestAnalytics)
	if string(second) != string(first) {
		t.Fatalf("unconfirmed batch not resent verbatim")
	}

	f.mustReject(t, protocol.ErrInvalidParameter, protocol.CmdConfirmAnalytics, batchID+1)
	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdConfirmAnalytics, batchID)

	third := f.send(protocol.CmdRequestAnalytics)
	if third[1] == batchID {
		t.Fatalf("confirmed batch id returned again")
	}
	if third[2] != 2 {
		t.Fatalf("expected remaining 2 events, got %d", third[2])
	}
}

func TestAnalyticsResponseAlwaysFramable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := strings.Repeat("x", 255)
	for i := 0; i < 4; i++ {
		if err := f.buffer.Record(ctx, f.clock.Now(), analytics.KindCommit, detail); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	delivered := 0
	for {
		resp := f.send(protocol.CmdRequestAnalytics)
		if resp[0] != protocol.RespAnalyticsBatch {
			t.Fatalf("expected analytics batch response, got %x", resp[:2])
		}
		if _, err := transport.EncodeFrame(resp); err != nil {
			t.Fatalf("batch response does not fit a frame: %v", err)
		}
		if resp[1] == 0 {
			break
		}
		delivered += int(resp[2])
		f.mustAck(t, protocol.RespAckSuccess, protocol.CmdConfirmAnalytics, resp[1])
	}
	if delivered != 4 {
		t.Fatalf("expected 4 events delivered, got %d", delivered)
	}
}

func TestStatusCommand(t *testing.T) {
	f := newFixture(t)

	resp := f.send(protocol.CmdStatus)
	if resp[0] != protocol.RespAckSuccess || resp[1] != 0 || resp[2] != 0 || resp[3] != 0 {
		t.Fatalf("idle status mismatch: %x", resp)
	}

	f.claimAndEnter(t, "alice")
	resp = f.send(protocol.CmdStatus)
	if resp[1] != 1 || resp[2] != 1 {
		t.Fatalf("config-mode status mismatch: %x", resp)
	}
}

func TestSetLEDBounds(t *testing.T) {
	f := newFixture(t)
	f.mustAck(t, byte(protocol.CmdSuccess), protocol.CmdSetLED, 9, 255, 0, 0)
	f.mustReject(t, protocol.ErrOutOfRange, protocol.CmdSetLED, 10, 255, 0, 0)
	f.mustReject(t, protocol.ErrInvalidParameter, protocol.CmdSetLED, 1, 2)
}

func TestVolatileUpdatesDoNotPersist(t *testing.T) {
	f := newFixture(t)

	f.mustAck(t, byte(protocol.CmdSuccess), protocol.CmdBrightness, 64)
	f.mustAck(t, byte(protocol.CmdSuccess), protocol.CmdPattern, 3)
	if got := f.handler.Live(); got.Brightness != 64 || got.CurrentPattern != 3 {
		t.Fatalf("volatile update not applied: %+v", got)
	}
	if got := f.persisted(t); got.Brightness == 64 {
		t.Fatalf("volatile update persisted without save")
	}

	f.mustAck(t, byte(protocol.CmdSuccess), protocol.CmdSettingsSave)
	if got := f.persisted(t); got.Brightness != 64 || got.CurrentPattern != 3 {
		t.Fatalf("save did not persist live record: %+v", got)
	}
}

func TestSettingsSetBulkValidation(t *testing.T) {
	f := newFixture(t)

	// brightness pattern powerMode autoOff maxEffects r g b speed
	f.mustAck(t, byte(protocol.CmdSuccess), protocol.CmdSettingsSet, 10, 2, 1, 5, 10, 9, 8, 7, 40)
	got := f.handler.Live()
	if got.Brightness != 10 || got.CurrentPattern != 2 || got.PowerMode != 1 ||
		got.AutoOffMinutes != 5 || got.Color != [3]byte{9, 8, 7} || got.Speed != 40 {
		t.Fatalf("bulk set mismatch: %+v", got)
	}

	f.mustReject(t, protocol.ErrOutOfRange, protocol.CmdSettingsSet, 10, 2, 1, 5, 10, 9, 8, 7, 101)
	f.mustReject(t, protocol.ErrInvalidParameter, protocol.CmdSettingsSet, 10, 2)
	if got := f.handler.Live(); got.Speed != 40 {
		t.Fatalf("rejected bulk set mutated live record: %+v", got)
	}

	// The effect bound and pattern move as a pair in either direction.
	f.mustAck(t, byte(protocol.CmdSuccess), protocol.CmdSettingsSet, 10, 2, 1, 5, 3, 9, 8, 7, 40)
	if got := f.handler.Live(); got.MaxEffects != 3 || got.CurrentPattern != 2 {
		t.Fatalf("bulk lowering of effect bound failed: %+v", got)
	}
	f.mustAck(t, byte(protocol.CmdSuccess), protocol.CmdSettingsSet, 10, 8, 1, 5, 10, 9, 8, 7, 40)
	if got := f.handler.Live(); got.MaxEffects != 10 || got.CurrentPattern != 8 {
		t.Fatalf("bulk raising of effect bound failed: %+v", got)
	}
	// A pattern at or above the new bound never lands.
	f.mustReject(t, protocol.ErrOutOfRange, protocol.CmdSettingsSet, 10, 3, 1, 5, 3, 9, 8, 7, 40)
	if got := f.handler.Live(); got.MaxEffects != 10 || got.CurrentPattern != 8 {
		t.Fatalf("rejected pair update mutated live record: %+v", got)
	}
}

func TestSettingsGetRoundTrip(t *testing.T) {
	f := newFixture(t)
	resp := f.send(protocol.CmdSettingsGet)
	if resp[0] != protocol.MsgTypeSettings {
		t.Fatalf("expected settings message type, got 0x%02X", resp[0])
	}
	rec, err := settings.Decode(resp[1:])
	if err != nil {
		t.Fatalf("decode settings payload: %v", err)
	}
	if rec != f.handler.Live() {
		t.Fatalf("settings payload mismatch: %+v", rec)
	}
}

func TestResetClearsOwnershipAndDefaults(t *testing.T) {
	f := newFixture(t)
	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdClaimDevice, []byte("alice")...)
	f.mustAck(t, byte(protocol.CmdSuccess), protocol.CmdBrightness, 11)

	f.mustAck(t, byte(protocol.CmdSuccess), protocol.CmdSettingsReset)

	got := f.persisted(t)
	if got != settings.Default() {
		t.Fatalf("reset record mismatch: %+v", got)
	}
	// Previous owner can no longer verify, the device is claimable again.
	f.mustReject(t, protocol.ErrNotOwner, protocol.CmdVerifyOwnership, []byte("alice")...)
	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdClaimDevice, []byte("bob")...)
}

func TestEffectsGet(t *testing.T) {
	f := newFixture(t)
	resp := f.send(protocol.CmdEffectsGet)
	if resp[0] != byte(protocol.CmdSuccess) || resp[1] != 10 {
		t.Fatalf("effects header mismatch: %x", resp[:2])
	}
	ids := resp[2:]
	if len(ids) != 10 || ids[0] != protocol.PatternOff || ids[9] != protocol.PatternStrobe {
		t.Fatalf("effects list mismatch: %x", ids)
	}
}

func TestPowerGetReportsLowBattery(t *testing.T) {
	f := newFixture(t)

	resp := f.send(protocol.CmdPowerGet)
	if resp[0] != byte(protocol.CmdSuccess) {
		t.Fatalf("power response: %x", resp)
	}
	if resp[5]&0x01 != 0 {
		t.Fatalf("full battery flagged low")
	}

	*f.power = FixedPower(10)
	resp = f.send(protocol.CmdPowerGet)
	if resp[5]&0x01 == 0 {
		t.Fatalf("low battery not flagged")
	}
}

func TestDisconnectResetsConfigSession(t *testing.T) {
	f := newFixture(t)
	f.claimAndEnter(t, "alice")
	f.mustAck(t, protocol.RespAckSuccess, protocol.CmdConfigUpdate, protocol.ParamBrightness, 5)

	f.handler.OnDisconnect()

	f.mustReject(t, protocol.ErrNotInConfigMode, protocol.CmdConfigUpdate, protocol.ParamBrightness, 6)
	if got := f.persisted(t); got.Brightness == 5 {
		t.Fatalf("disconnected shadow reached flash")
	}
}
