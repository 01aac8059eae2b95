package switchboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jmolds/bill-phone-sub000/internal/metrics"
	"github.com/jmolds/bill-phone-sub000/internal/registry"
	"github.com/jmolds/bill-phone-sub000/internal/session"
	"github.com/jmolds/bill-phone-sub000/internal/test/fakes"
	"github.com/jmolds/bill-phone-sub000/pkg/relay"
	"github.com/jmolds/bill-phone-sub000/pkg/signal"
)

// --- Mocks ---

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) Lookup(ctx context.Context, id relay.DeviceID) (relay.DeviceProfile, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(relay.DeviceProfile), args.Error(1)
}

func (m *mockDirectory) Close() error {
	args := m.Called()
	return args.Error(0)
}

// testFixture holds the relay core and its collaborators.
type testFixture struct {
	svc       *Service
	reg       *registry.Registry
	sessions  *session.Table
	clock     *clock.Mock
	directory *mockDirectory
	wake      *fakes.WakeNotifier
}

func setup(t *testing.T) *testFixture {
	t.Helper()
	logger := zerolog.Nop()
	mockClock := clock.NewMock()
	directory := new(mockDirectory)
	wake := fakes.NewWakeNotifier(logger)

	reg := registry.New(mockClock, logger)
	sessions := session.NewTable(mockClock, logger)

	svc, err := New(reg, sessions, &relay.Dependencies{
		Directory: directory,
		Wake:      wake,
	}, metrics.NewRecorder(), mockClock, logger)
	require.NoError(t, err)

	return &testFixture{
		svc:       svc,
		reg:       reg,
		sessions:  sessions,
		clock:     mockClock,
		directory: directory,
		wake:      wake,
	}
}

// allowDevice makes the directory recognize id as a valid device.
func (fx *testFixture) allowDevice(id string) {
	fx.directory.On("Lookup", mock.Anything, relay.DeviceID(id)).
		Return(relay.DeviceProfile{ID: relay.DeviceID(id)}, nil)
}

// register runs a full registration for id over conn and asserts the ack.
func (fx *testFixture) register(t *testing.T, id string, conn *fakes.Conn) {
	t.Helper()
	fx.svc.HandleEnvelope(context.Background(), conn, "", &signal.Envelope{
		Kind: signal.KindRegister, DeviceID: id, Platform: "test", ProtocolVersion: 1,
	})

	ack := conn.LastSent()
	require.NotNil(t, ack, "expected a registration ack")
	require.Equal(t, signal.KindRegistered, ack.Kind)
}

// --- Registration ---

func TestRegister_Success(t *testing.T) {
	fx := setup(t)
	fx.allowDevice("kiosk-1")
	conn := fakes.NewConn("conn-1", "10.0.0.1")

	fx.register(t, "kiosk-1", conn)

	bound, ok := fx.reg.Lookup("kiosk-1")
	require.True(t, ok)
	assert.Equal(t, "conn-1", bound.ID())
	assert.False(t, conn.Closed())
}

func TestRegister_UnknownDeviceClosesConnection(t *testing.T) {
	fx := setup(t)
	fx.directory.On("Lookup", mock.Anything, relay.DeviceID("stranger")).
		Return(relay.DeviceProfile{}, relay.ErrUnknownDevice)
	conn := fakes.NewConn("conn-1", "10.0.0.1")

	fx.svc.HandleEnvelope(context.Background(), conn, "", &signal.Envelope{
		Kind: signal.KindRegister, DeviceID: "stranger",
	})

	assert.True(t, conn.Closed())
	assert.Empty(t, conn.Sent(), "a denied registration gets no error frame")
	_, ok := fx.reg.Lookup("stranger")
	assert.False(t, ok)
}

func TestRegister_DirectoryFailureClosesConnection(t *testing.T) {
	fx := setup(t)
	fx.directory.On("Lookup", mock.Anything, relay.DeviceID("kiosk-1")).
		Return(relay.DeviceProfile{}, errors.New("backend down"))
	conn := fakes.NewConn("conn-1", "10.0.0.1")

	fx.svc.HandleEnvelope(context.Background(), conn, "", &signal.Envelope{
		Kind: signal.KindRegister, DeviceID: "kiosk-1",
	})

	assert.True(t, conn.Closed())
	_, ok := fx.reg.Lookup("kiosk-1")
	assert.False(t, ok)
}

func TestRegister_AuthenticatedIdentityMismatchClosesConnection(t *testing.T) {
	fx := setup(t)
	conn := fakes.NewConn("conn-1", "10.0.0.1")

	fx.svc.HandleEnvelope(context.Background(), conn, "caller-1", &signal.Envelope{
		Kind: signal.KindRegister, DeviceID: "kiosk-1",
	})

	assert.True(t, conn.Closed())
	fx.directory.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
}

func TestRegister_MatchingAuthenticatedIdentity(t *testing.T) {
	fx := setup(t)
	fx.allowDevice("kiosk-1")
	conn := fakes.NewConn("conn-1", "10.0.0.1")

	fx.svc.HandleEnvelope(context.Background(), conn, "kiosk-1", &signal.Envelope{
		Kind: signal.KindRegister, DeviceID: "kiosk-1",
	})

	_, ok := fx.reg.Lookup("kiosk-1")
	assert.True(t, ok)
}

// --- Heartbeat ---

func TestHeartbeat_Acked(t *testing.T) {
	fx := setup(t)
	fx.allowDevice("kiosk-1")
	conn := fakes.NewConn("conn-1", "10.0.0.1")
	fx.register(t, "kiosk-1", conn)

	fx.svc.HandleEnvelope(context.Background(), conn, "", &signal.Envelope{Kind: signal.KindHeartbeat})

	ack := conn.LastSent()
	require.NotNil(t, ack)
	assert.Equal(t, signal.KindHeartbeatAck, ack.Kind)
}

func TestHeartbeat_FromUnregisteredConnStillAcked(t *testing.T) {
	fx := setup(t)
	conn := fakes.NewConn("conn-1", "10.0.0.1")

	fx.svc.HandleEnvelope(context.Background(), conn, "", &signal.Envelope{Kind: signal.KindHeartbeat})

	ack := conn.LastSent()
	require.NotNil(t, ack)
	assert.Equal(t, signal.KindHeartbeatAck, ack.Kind)
}

// --- Offer ---

func TestOffer_RelaysAndStartsRinging(t *testing.T) {
	fx := setup(t)
	fx.allowDevice("kiosk-1")
	fx.allowDevice("caller-1")
	kiosk := fakes.NewConn("conn-k", "10.0.0.1")
	caller := fakes.NewConn("conn-c", "10.0.0.2")
	fx.register(t, "kiosk-1", kiosk)
	fx.register(t, "caller-1", caller)

	fx.svc.HandleEnvelope(context.Background(), kiosk, "", &signal.Envelope{
		Kind: signal.KindOffer, To: "caller-1", Payload: []byte(`{"sdp":"v=0"}`),
	})

	incoming := caller.LastSent()
	require.NotNil(t, incoming)
	assert.Equal(t, signal.KindIncomingCall, incoming.Kind)
	assert.Equal(t, "kiosk-1", incoming.From)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(incoming.Payload))

	assert.True(t, fx.sessions.Relayable("kiosk-1", "caller-1"))
}

func TestOffer_RecipientOffline(t *testing.T) {
	fx := setup(t)
	fx.allowDevice("kiosk-1")
	kiosk := fakes.NewConn("conn-k", "10.0.0.1")
	fx.register(t, "kiosk-1", kiosk)

	fx.svc.HandleEnvelope(context.Background(), kiosk, "", &signal.Envelope{
		Kind: signal.KindOffer, To: "caller-1", Payload: []byte(`{"sdp":"v=0"}`),
	})

	errFrame := kiosk.LastSent()
	require.NotNil(t, errFrame)
	assert.Equal(t, signal.KindCallError, errFrame.Kind)
	assert.Equal(t, signal.CodeRecipientUnavailable, errFrame.Code)
	assert.Equal(t, signal.KindOffer, errFrame.About)
	assert.Equal(t, 0, fx.sessions.Len(), "no session for an undelivered offer")

	// The wake notification is fired on a detached goroutine.
	require.Eventually(t, func() bool {
		return len(fx.wake.Woken()) == 1
	}, time.Second, 5*time.Millisecond, "expected a wake request for the offline device")
	assert.Equal(t, relay.DeviceID("caller-1"), fx.wake.Woken()[0])
}

func TestOffer_GlareLoserToldCallInProgress(t *testing.T) {
	fx := setup(t)
	fx.allowDevice("kiosk-1")
	fx.allowDevice("caller-1")
	kiosk := fakes.NewConn("conn-k", "10.0.0.1")
	caller := fakes.NewConn("conn-c", "10.0.0.2")
	fx.register(t, "kiosk-1", kiosk)
	fx.register(t, "caller-1", caller)

	fx.svc.HandleEnvelope(context.Background(), kiosk, "", &signal.Envelope{
		Kind: signal.KindOffer, To: "caller-1", Payload: []byte(`{"sdp":"a"}`),
	})
	// The reverse offer arrives while the first is still ringing.
	fx.svc.HandleEnvelope(context.Background(), caller, "", &signal.Envelope{
		Kind: signal.KindOffer, To: "kiosk-1", Payload: []byte(`{"sdp":"b"}`),
	})

	errFrame := caller.LastSent()
	require.NotNil(t, errFrame)
	assert.Equal(t, signal.KindCallError, errFrame.Kind)
	assert.Equal(t, signal.CodeCallInProgress, errFrame.Code)

	// Only one session exists and the first offer stands.
	assert.Equal(t, 1, fx.sessions.Len())
}

func TestOffer_DeliveryFailureRollsBackSession(t *testing.T) {
	fx := setup(t)
	fx.allowDevice("kiosk-1")
	fx.allowDevice("caller-1")
	kiosk := fakes.NewConn("conn-k", "10.0.0.1")
	caller := fakes.NewConn("conn-c", "10.0.0.2")
	fx.register(t, "kiosk-1", kiosk)
	fx.register(t, "caller-1", caller)
	caller.FailSends(errors.New("send buffer full"))

	fx.svc.HandleEnvelope(context.Background(), kiosk, "", &signal.Envelope{
		Kind: signal.KindOffer, To: "caller-1", Payload: []byte(`{"sdp":"v=0"}`),
	})

	errFrame := kiosk.LastSent()
	require.NotNil(t, errFrame)
	assert.Equal(t, signal.CodeRecipientUnavailable, errFrame.Code)
	assert.Equal(t, 0, fx.sessions.Len(), "the failed offer must not leave a session behind")
}

func TestOffer_FromUnregisteredConnDropped(t *testing.T) {
	fx := setup(t)
	conn := fakes.NewConn("conn-1", "10.0.0.1")

	fx.svc.HandleEnvelope(context.Background(), conn, "", &signal.Envelope{
		Kind: signal.KindOffer, To: "caller-1", Payload: []byte(`{}`),
	})

	assert.Empty(t, conn.Sent())
	assert.Equal(t, 0, fx.sessions.Len())
}

func TestOffer_SelfAddressedDropped(t *testing.T) {
	fx := setup(t)
	fx.allowDevice("kiosk-1")
	kiosk := fakes.NewConn("conn-k", "10.0.0.1")
	fx.register(t, "kiosk-1", kiosk)
	before := len(kiosk.Sent())

	fx.svc.HandleEnvelope(context.Background(), kiosk, "", &signal.Envelope{
		Kind: signal.KindOffer, To: "kiosk-1", Payload: []byte(`{"sdp":"v=0"}`),
	})

	assert.Len(t, kiosk.Sent(), before, "a device cannot ring itself")
	assert.Equal(t, 0, fx.sessions.Len())
}

// --- Answer ---

// activeCall wires up two registered devices with an answered call.
func activeCall(t *testing.T, fx *testFixture) (kiosk, caller *fakes.Conn) {
	t.Helper()
	fx.allowDevice("kiosk-1")
	fx.allowDevice("caller-1")
	kiosk = fakes.NewConn("conn-k", "10.0.0.1")
	caller = fakes.NewConn("conn-c", "10.0.0.2")
	fx.register(t, "kiosk-1", kiosk)
	fx.register(t, "caller-1", caller)

	fx.svc.HandleEnvelope(context.Background(), kiosk, "", &signal.Envelope{
		Kind: signal.KindOffer, To: "caller-1", Payload: []byte(`{"sdp":"offer"}`),
	})
	fx.svc.HandleEnvelope(context.Background(), caller, "", &signal.Envelope{
		Kind: signal.KindAnswer, To: "kiosk-1", Payload: []byte(`{"sdp":"answer"}`),
	})

	accepted := kiosk.LastSent()
	require.NotNil(t, accepted)
	require.Equal(t, signal.KindCallAccepted, accepted.Kind)
	return kiosk, caller
}

func TestAnswer_RelaysAndActivates(t *testing.T) {
	fx := setup(t)
	kiosk, _ := activeCall(t, fx)

	accepted := kiosk.LastSent()
	assert.Equal(t, "caller-1", accepted.From)
	assert.JSONEq(t, `{"sdp":"answer"}`, string(accepted.Payload))
	assert.True(t, fx.sessions.Relayable("kiosk-1", "caller-1"))
}

func TestAnswer_WithoutSessionDropped(t *testing.T) {
	fx := setup(t)
	fx.allowDevice("kiosk-1")
	fx.allowDevice("caller-1")
	kiosk := fakes.NewConn("conn-k", "10.0.0.1")
	caller := fakes.NewConn("conn-c", "10.0.0.2")
	fx.register(t, "kiosk-1", kiosk)
	fx.register(t, "caller-1", caller)
	before := len(kiosk.Sent())

	fx.svc.HandleEnvelope(context.Background(), caller, "", &signal.Envelope{
		Kind: signal.KindAnswer, To: "kiosk-1", Payload: []byte(`{"sdp":"answer"}`),
	})

	assert.Len(t, kiosk.Sent(), before, "a stale answer carries no peer notification")
}

func TestAnswer_CallerVanished(t *testing.T) {
	fx := setup(t)
	fx.allowDevice("kiosk-1")
	fx.allowDevice("caller-1")
	kiosk := fakes.NewConn("conn-k", "10.0.0.1")
	caller := fakes.NewConn("conn-c", "10.0.0.2")
	fx.register(t, "kiosk-1", kiosk)
	fx.register(t, "caller-1", caller)

	fx.svc.HandleEnvelope(context.Background(), kiosk, "", &signal.Envelope{
		Kind: signal.KindOffer, To: "caller-1", Payload: []byte(`{"sdp":"offer"}`),
	})
	// The caller drops between offer and answer, but cleanup has not run
	// (the registry still holds the binding only if unregistered; simulate
	// the window after cleanup by unregistering directly).
	fx.reg.Unregister(kiosk)

	fx.svc.HandleEnvelope(context.Background(), caller, "", &signal.Envelope{
		Kind: signal.KindAnswer, To: "kiosk-1", Payload: []byte(`{"sdp":"answer"}`),
	})

	errFrame := caller.LastSent()
	require.NotNil(t, errFrame)
	assert.Equal(t, signal.KindCallError, errFrame.Kind)
	assert.Equal(t, signal.CodeCallerDisconnected, errFrame.Code)
	assert.Equal(t, 0, fx.sessions.Len())
}

// --- Candidate ---

func TestCandidate_RelayedDuringCall(t *testing.T) {
	fx := setup(t)
	kiosk, caller := activeCall(t, fx)

	fx.svc.HandleEnvelope(context.Background(), kiosk, "", &signal.Envelope{
		Kind: signal.KindCandidate, To: "caller-1", Payload: []byte(`{"candidate":"c1"}`),
	})

	relayed := caller.LastSent()
	require.NotNil(t, relayed)
	assert.Equal(t, signal.KindCandidate, relayed.Kind)
	assert.Equal(t, "kiosk-1", relayed.From)
	assert.JSONEq(t, `{"candidate":"c1"}`, string(relayed.Payload))
}

func TestCandidate_DroppedOutsideSession(t *testing.T) {
	fx := setup(t)
	fx.allowDevice("kiosk-1")
	fx.allowDevice("caller-1")
	kiosk := fakes.NewConn("conn-k", "10.0.0.1")
	caller := fakes.NewConn("conn-c", "10.0.0.2")
	fx.register(t, "kiosk-1", kiosk)
	fx.register(t, "caller-1", caller)
	callerBefore := len(caller.Sent())
	kioskBefore := len(kiosk.Sent())

	fx.svc.HandleEnvelope(context.Background(), kiosk, "", &signal.Envelope{
		Kind: signal.KindCandidate, To: "caller-1", Payload: []byte(`{"candidate":"late"}`),
	})

	assert.Len(t, caller.Sent(), callerBefore, "candidates outside a live session are dropped silently")
	assert.Len(t, kiosk.Sent(), kioskBefore, "and the sender gets no error either")
}

func TestProgress_RelayedDuringCall(t *testing.T) {
	fx := setup(t)
	kiosk, caller := activeCall(t, fx)

	fx.svc.HandleEnvelope(context.Background(), caller, "", &signal.Envelope{
		Kind: signal.KindProgress, To: "kiosk-1", Payload: []byte(`{"state":"connecting"}`),
	})

	relayed := kiosk.LastSent()
	require.NotNil(t, relayed)
	assert.Equal(t, signal.KindProgress, relayed.Kind)
	assert.Equal(t, "caller-1", relayed.From)
	assert.JSONEq(t, `{"state":"connecting"}`, string(relayed.Payload))
}

func TestProgress_DroppedOutsideSession(t *testing.T) {
	fx := setup(t)
	fx.allowDevice("kiosk-1")
	fx.allowDevice("caller-1")
	kiosk := fakes.NewConn("conn-k", "10.0.0.1")
	caller := fakes.NewConn("conn-c", "10.0.0.2")
	fx.register(t, "kiosk-1", kiosk)
	fx.register(t, "caller-1", caller)
	kioskBefore := len(kiosk.Sent())

	fx.svc.HandleEnvelope(context.Background(), caller, "", &signal.Envelope{
		Kind: signal.KindProgress, To: "kiosk-1", Payload: []byte(`{"state":"connecting"}`),
	})

	assert.Len(t, kiosk.Sent(), kioskBefore, "progress outside a live session is dropped silently")
}

// --- End / Reject ---

func TestEnd_NotifiesPeerAndRemovesSession(t *testing.T) {
	fx := setup(t)
	kiosk, caller := activeCall(t, fx)

	fx.svc.HandleEnvelope(context.Background(), kiosk, "", &signal.Envelope{
		Kind: signal.KindEnd, To: "caller-1",
	})

	ended := caller.LastSent()
	require.NotNil(t, ended)
	assert.Equal(t, signal.KindCallEnded, ended.Kind)
	assert.Equal(t, "kiosk-1", ended.From)
	assert.Empty(t, ended.Code, "a graceful end carries no error code")
	assert.Equal(t, 0, fx.sessions.Len())
}

func TestEnd_WithoutSessionDropped(t *testing.T) {
	fx := setup(t)
	fx.allowDevice("kiosk-1")
	fx.allowDevice("caller-1")
	kiosk := fakes.NewConn("conn-k", "10.0.0.1")
	caller := fakes.NewConn("conn-c", "10.0.0.2")
	fx.register(t, "kiosk-1", kiosk)
	fx.register(t, "caller-1", caller)
	before := len(caller.Sent())

	fx.svc.HandleEnvelope(context.Background(), kiosk, "", &signal.Envelope{
		Kind: signal.KindEnd, To: "caller-1",
	})

	assert.Len(t, caller.Sent(), before)
}

func TestReject_NotifiesInitiator(t *testing.T) {
	fx := setup(t)
	fx.allowDevice("kiosk-1")
	fx.allowDevice("caller-1")
	kiosk := fakes.NewConn("conn-k", "10.0.0.1")
	caller := fakes.NewConn("conn-c", "10.0.0.2")
	fx.register(t, "kiosk-1", kiosk)
	fx.register(t, "caller-1", caller)

	fx.svc.HandleEnvelope(context.Background(), kiosk, "", &signal.Envelope{
		Kind: signal.KindOffer, To: "caller-1", Payload: []byte(`{"sdp":"offer"}`),
	})
	fx.svc.HandleEnvelope(context.Background(), caller, "", &signal.Envelope{
		Kind: signal.KindReject, To: "kiosk-1",
	})

	rejected := kiosk.LastSent()
	require.NotNil(t, rejected)
	assert.Equal(t, signal.KindCallRejected, rejected.Kind)
	assert.Equal(t, "caller-1", rejected.From)
	assert.Equal(t, 0, fx.sessions.Len())

	// The pair can immediately call again.
	fx.svc.HandleEnvelope(context.Background(), kiosk, "", &signal.Envelope{
		Kind: signal.KindOffer, To: "caller-1", Payload: []byte(`{"sdp":"retry"}`),
	})
	assert.Equal(t, signal.KindIncomingCall, caller.LastSent().Kind)
}

// --- Disconnect cleanup ---

func TestDisconnect_SynthesizesEndToSurvivor(t *testing.T) {
	fx := setup(t)
	kiosk, caller := activeCall(t, fx)

	fx.svc.HandleDisconnect(kiosk)

	ended := caller.LastSent()
	require.NotNil(t, ended)
	assert.Equal(t, signal.KindCallEnded, ended.Kind)
	assert.Equal(t, "kiosk-1", ended.From)
	assert.Equal(t, signal.CodeCallerDisconnected, ended.Code)

	_, ok := fx.reg.Lookup("kiosk-1")
	assert.False(t, ok)
	assert.Equal(t, 0, fx.sessions.Len())
}

func TestDisconnect_RunsExactlyOncePerConnection(t *testing.T) {
	fx := setup(t)
	kiosk, caller := activeCall(t, fx)

	// The transport close and the health timeout both report the same
	// connection; the survivor must see exactly one notification.
	fx.svc.HandleDisconnect(kiosk)
	frames := len(caller.Sent())
	fx.svc.HandleDisconnect(kiosk)

	assert.Len(t, caller.Sent(), frames)
}

func TestDisconnect_OfSupersededConnLeavesNewBindingAlone(t *testing.T) {
	fx := setup(t)
	_, caller := activeCall(t, fx)

	// The kiosk reconnects; the new registration supersedes the old one.
	oldConn, _ := fx.reg.Lookup("kiosk-1")
	newConn := fakes.NewConn("conn-k2", "10.0.0.1")
	fx.register(t, "kiosk-1", newConn)
	frames := len(caller.Sent())

	fx.svc.HandleDisconnect(oldConn)

	assert.Len(t, caller.Sent(), frames, "the superseded connection's teardown must not touch live sessions")
	bound, ok := fx.reg.Lookup("kiosk-1")
	require.True(t, ok)
	assert.Equal(t, "conn-k2", bound.ID())
	assert.Equal(t, 1, fx.sessions.Len())
}

func TestDisconnect_OfUnregisteredConnIsNoOp(t *testing.T) {
	fx := setup(t)

	fx.svc.HandleDisconnect(fakes.NewConn("conn-x", "10.0.0.9"))
	// Nothing to assert beyond not panicking; the registry and table are empty.
	assert.Equal(t, 0, fx.reg.Len())
}

func TestPruneCleaned_DropsOldMarkers(t *testing.T) {
	fx := setup(t)
	conn := fakes.NewConn("conn-1", "10.0.0.1")

	fx.svc.HandleDisconnect(conn)
	fx.clock.Add(2 * time.Minute)
	fx.svc.pruneCleaned()

	fx.svc.cleanedMu.Lock()
	defer fx.svc.cleanedMu.Unlock()
	assert.Empty(t, fx.svc.cleaned)
}
