package cm

import (
	"testing"
	"time"

	"github.com/HerbHall/wlancm/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_HappyPath(t *testing.T) {
	h := newHarness(t, testConfig(), testBSS(macA, "home", 5180, -50))

	id, err := h.m.StartConnect(ConnectParams{SSID: "home"})
	require.NoError(t, err)
	assert.Equal(t, PrefixConnect, id.Prefix())

	st, sub := h.m.State()
	assert.Equal(t, StateConnecting, st)
	assert.Equal(t, SubJoinActive, sub)
	assert.Equal(t, id, h.m.ActiveID())
	assert.Equal(t, KindConnect, h.m.ActiveRequestType())

	snap, ok := h.m.ActiveConnectRequest()
	require.True(t, ok)
	assert.Equal(t, macA, snap.Candidate.BSSID)
	assert.Equal(t, 1, snap.Attempts)

	require.NoError(t, h.m.BSSPeerCreateResponse(macA, true))
	require.Len(t, h.lmac.joins, 1)
	assert.Equal(t, id, h.lmac.joins[0].ID)
	assert.Equal(t, models.SSID("home"), h.lmac.joins[0].SSID)

	require.NoError(t, h.m.ConnectResponse(ConnectResponse{ID: id, BSSID: macA}))
	h.exec.Drain()

	assert.True(t, h.m.IsConnected())
	assert.True(t, h.m.IsActive())
	assert.Equal(t, macA, h.m.ConnectedBSS().BSSID)
	assert.Equal(t, InvalidID, h.m.ActiveID())

	res := h.rec.connectResults()
	require.Len(t, res, 1)
	assert.True(t, res[0].OK())
	assert.Equal(t, id, res[0].ID)
	assert.Equal(t, macA, res[0].BSSID)
	assert.Equal(t, 5180, res[0].Freq)
	assert.Empty(t, h.m.Status().Requests)
}

func TestConnect_RejectsInvalidSSID(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.m.StartConnect(ConnectParams{})
	assert.ErrorIs(t, err, ErrRejected)

	_, err = h.m.StartConnect(ConnectParams{SSID: "this-ssid-is-far-longer-than-thirty-two-octets"})
	assert.ErrorIs(t, err, ErrRejected)
	assert.True(t, h.m.IsDisconnected())
}

func TestConnect_ScansWhenCacheEmpty(t *testing.T) {
	h := newHarness(t, testConfig())

	id, err := h.m.StartConnect(ConnectParams{SSID: "home", FreqHint: 5180})
	require.NoError(t, err)

	st, sub := h.m.State()
	assert.Equal(t, StateConnecting, st)
	assert.Equal(t, SubScan, sub)
	require.Len(t, h.scan.scans, 1)
	assert.Equal(t, models.SSID("home"), h.scan.scans[0].SSID)
	assert.Equal(t, []int{5180}, h.scan.scans[0].Freqs)

	snap, ok := h.m.ActiveConnectRequest()
	assert.False(t, ok, "connect is not active while scanning")
	assert.Zero(t, snap.ID)

	// A result for some other scan is ignored.
	h.m.ScanDone(1, true)
	_, sub = h.m.State()
	assert.Equal(t, SubScan, sub)

	h.scan.set(testBSS(macA, "home", 5180, -55))
	h.m.ScanDone(h.scan.nextID, true)

	_, sub = h.m.State()
	assert.Equal(t, SubJoinActive, sub)
	assert.Equal(t, id, h.m.ActiveID())
	assert.Equal(t, 1, h.lmac.callCount("peer_create"))
}

func TestConnect_NoCandidateAfterScan(t *testing.T) {
	h := newHarness(t, testConfig(), testBSS(macB, "other", 2412, -40))

	id, err := h.m.StartConnect(ConnectParams{SSID: "home"})
	require.NoError(t, err)
	h.m.ScanDone(h.scan.nextID, true)
	h.exec.Drain()

	assert.True(t, h.m.IsDisconnected())
	res := h.rec.connectResults()
	require.Len(t, res, 1)
	assert.Equal(t, id, res[0].ID)
	assert.Equal(t, NoCandidateFound, res[0].Reason)
	assert.ErrorIs(t, res[0].Reason, NoCandidateFound)
}

func TestConnect_ScanStartFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.scan.scanErr = errSend

	_, err := h.m.StartConnect(ConnectParams{SSID: "home"})
	require.NoError(t, err)
	h.exec.Drain()

	assert.True(t, h.m.IsDisconnected())
	res := h.rec.connectResults()
	require.Len(t, res, 1)
	assert.Equal(t, NoCandidateFound, res[0].Reason)
}

func TestConnect_VetoedCandidateFallsBack(t *testing.T) {
	h := newHarness(t, testConfig(),
		testBSS(macA, "home", 5180, -45),
		testBSS(macB, "home", 5200, -70),
	)
	h.lmac.vetoBSS = macA

	id, err := h.m.StartConnect(ConnectParams{SSID: "home"})
	require.NoError(t, err)
	require.Equal(t, []models.MACAddr{macB}, h.lmac.peers)

	require.NoError(t, h.m.BSSPeerCreateResponse(macB, true))
	require.NoError(t, h.m.ConnectResponse(ConnectResponse{ID: id, BSSID: macB}))
	h.exec.Drain()

	res := h.rec.connectResults()
	require.Len(t, res, 1)
	assert.True(t, res[0].OK())
	assert.Equal(t, macB, res[0].BSSID)
	assert.Equal(t, 2, res[0].Attempts)
}

func TestConnect_PeerCreateFailureTriesNext(t *testing.T) {
	h := newHarness(t, testConfig(),
		testBSS(macA, "home", 5180, -45),
		testBSS(macB, "home", 5200, -70),
	)

	_, err := h.m.StartConnect(ConnectParams{SSID: "home"})
	require.NoError(t, err)
	require.NoError(t, h.m.BSSPeerCreateResponse(macA, false))

	assert.Equal(t, []models.MACAddr{macA, macB}, h.lmac.peers)
	snap, ok := h.m.ActiveConnectRequest()
	require.True(t, ok)
	assert.Equal(t, macB, snap.Candidate.BSSID)
	assert.Equal(t, 2, snap.Attempts)
}

func TestConnect_JoinTimeoutRetriesSameCandidate(t *testing.T) {
	h := newHarness(t, testConfig(), testBSS(macA, "home", 5180, -50))

	id, err := h.m.StartConnect(ConnectParams{SSID: "home"})
	require.NoError(t, err)
	require.NoError(t, h.m.BSSPeerCreateResponse(macA, true))
	require.NoError(t, h.m.ConnectResponse(ConnectResponse{ID: id, Reason: JoinTimeout}))

	assert.Equal(t, 1, h.lmac.callCount("peer_delete"))
	assert.Equal(t, []models.MACAddr{macA, macA}, h.lmac.peers)
	snap, ok := h.m.ActiveConnectRequest()
	require.True(t, ok)
	assert.Equal(t, 1, snap.CandidateRetries)

	require.NoError(t, h.m.BSSPeerCreateResponse(macA, true))
	require.NoError(t, h.m.ConnectResponse(ConnectResponse{ID: id, Reason: JoinTimeout}))
	h.exec.Drain()

	assert.True(t, h.m.IsDisconnected())
	res := h.rec.connectResults()
	require.Len(t, res, 1)
	assert.Equal(t, JoinTimeout, res[0].Reason)
	assert.Equal(t, 2, res[0].Attempts)
}

func TestConnect_NonRetryableFailureCompletes(t *testing.T) {
	h := newHarness(t, testConfig(),
		testBSS(macA, "home", 5180, -45),
		testBSS(macB, "home", 5200, -70),
	)

	id, err := h.m.StartConnect(ConnectParams{SSID: "home"})
	require.NoError(t, err)
	require.NoError(t, h.m.BSSPeerCreateResponse(macA, true))
	require.NoError(t, h.m.ConnectResponse(ConnectResponse{ID: id, Reason: GenericFailure}))
	h.exec.Drain()

	assert.True(t, h.m.IsDisconnected())
	assert.Equal(t, []models.MACAddr{macA}, h.lmac.peers)
	res := h.rec.connectResults()
	require.Len(t, res, 1)
	assert.Equal(t, GenericFailure, res[0].Reason)
}

func TestConnect_ReconnectWhileConnected(t *testing.T) {
	h := newHarness(t, testConfig(),
		testBSS(macA, "home", 5180, -50),
		testBSS(macB, "work", 5200, -50),
	)
	h.connectTo("home", macA)

	id, err := h.m.StartConnect(ConnectParams{SSID: "work"})
	require.NoError(t, err)

	// The disconnect from home goes out first; the new connect waits.
	st, sub := h.m.State()
	assert.Equal(t, StateConnecting, st)
	assert.Equal(t, SubJoinPending, sub)
	ld, ok := h.lmac.lastLinkDown()
	require.True(t, ok)
	assert.Equal(t, macA, ld.BSSID)
	assert.Equal(t, SourceInternal, ld.Source)
	assert.Equal(t, PrefixDisconnect, ld.ID.Prefix())
	assert.Equal(t, []ID{id, ld.ID}, h.m.Status().Requests)

	require.NoError(t, h.m.DisconnectResponse(DisconnectResponse{ID: ld.ID, BSSID: macA}))
	assert.Nil(t, h.m.ConnectedBSS())
	h.exec.Drain()

	_, sub = h.m.State()
	assert.Equal(t, SubJoinActive, sub)
	assert.Equal(t, id, h.m.ActiveID())

	require.NoError(t, h.m.BSSPeerCreateResponse(macB, true))
	require.NoError(t, h.m.ConnectResponse(ConnectResponse{ID: id, BSSID: macB}))
	h.exec.Drain()

	assert.True(t, h.m.IsConnected())
	assert.Equal(t, macB, h.m.ConnectedBSS().BSSID)
	dres := h.rec.disconnectResults()
	require.Len(t, dres, 1)
	assert.Equal(t, ld.ID, dres[0].ID)
	assert.Equal(t, SourceInternal, dres[0].Source)
	require.Len(t, h.rec.connectResults(), 2)
}

func TestConnect_NewConnectSupersedesActive(t *testing.T) {
	h := newHarness(t, testConfig(),
		testBSS(macA, "home", 5180, -50),
		testBSS(macB, "work", 5200, -50),
	)

	first, err := h.m.StartConnect(ConnectParams{SSID: "home"})
	require.NoError(t, err)
	require.NoError(t, h.m.BSSPeerCreateResponse(macA, true))

	second, err := h.m.StartConnect(ConnectParams{SSID: "work"})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Len(t, h.m.Status().Requests, 3)

	// The old connect's answer arrives after it was superseded.
	require.NoError(t, h.m.ConnectResponse(ConnectResponse{ID: first, BSSID: macA}))
	h.exec.Drain()

	res := h.rec.connectResults()
	require.Len(t, res, 1)
	assert.Equal(t, first, res[0].ID)
	assert.Equal(t, AbortDueToNewRequest, res[0].Reason)

	ld, ok := h.lmac.lastLinkDown()
	require.True(t, ok, "queued disconnect runs once the stale connect is gone")
	require.NoError(t, h.m.DisconnectResponse(DisconnectResponse{ID: ld.ID}))
	h.exec.Drain()

	st, sub := h.m.State()
	assert.Equal(t, StateConnecting, st)
	assert.Equal(t, SubJoinActive, sub)
	assert.Equal(t, second, h.m.ActiveID())
	assert.Equal(t, macB, h.lmac.peers[len(h.lmac.peers)-1])
}

func TestConnect_ListFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequests = 2
	h := newHarness(t, cfg, testBSS(macA, "home", 5180, -50))

	_, err := h.m.StartConnect(ConnectParams{SSID: "home"})
	require.NoError(t, err)

	_, err = h.m.StartConnect(ConnectParams{SSID: "home"})
	assert.ErrorIs(t, err, ErrListFull)
	assert.Len(t, h.m.Status().Requests, 1)
}

func TestConnect_CommandTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, testBSS(macA, "home", 5180, -50))

	id, err := h.m.StartConnect(ConnectParams{SSID: "home"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.exec.Drain()
		return len(h.rec.connectResults()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	res := h.rec.connectResults()
	assert.Equal(t, id, res[0].ID)
	assert.Equal(t, SerializationTimeout, res[0].Reason)
	assert.True(t, h.m.IsDisconnected())
}

func TestConnect_ResponseForUnknownID(t *testing.T) {
	h := newHarness(t, testConfig())

	err := h.m.ConnectResponse(ConnectResponse{ID: makeID(PrefixConnect, 0, 42)})
	assert.ErrorIs(t, err, ErrNotFound)
	err = h.m.BSSPeerCreateResponse(macA, true)
	assert.ErrorIs(t, err, ErrNotFound)
	err = h.m.HWModeChangeResponse(makeID(PrefixConnect, 0, 42), true)
	assert.ErrorIs(t, err, ErrNotFound)
}

type waitingPolicy struct{ openPolicy }

func (waitingPolicy) HWModeChange(VdevID, int, ID) (bool, error) { return true, nil }

func TestConnect_WaitsForHWModeChange(t *testing.T) {
	h := newHarness(t, testConfig(), testBSS(macA, "home", 5180, -50))
	h.m.policy = waitingPolicy{}

	id, err := h.m.StartConnect(ConnectParams{SSID: "home"})
	require.NoError(t, err)
	_, sub := h.m.State()
	assert.Equal(t, SubJoinPending, sub)
	assert.Zero(t, h.lmac.callCount("peer_create"))

	require.NoError(t, h.m.HWModeChangeResponse(id, true))
	_, sub = h.m.State()
	assert.Equal(t, SubJoinActive, sub)
	assert.Equal(t, 1, h.lmac.callCount("peer_create"))
}

func TestConnect_HWModeChangeFailure(t *testing.T) {
	h := newHarness(t, testConfig(), testBSS(macA, "home", 5180, -50))
	h.m.policy = waitingPolicy{}

	id, err := h.m.StartConnect(ConnectParams{SSID: "home"})
	require.NoError(t, err)
	require.NoError(t, h.m.HWModeChangeResponse(id, false))
	h.exec.Drain()

	res := h.rec.connectResults()
	require.Len(t, res, 1)
	assert.Equal(t, HwModeFailure, res[0].Reason)
	assert.True(t, h.m.IsDisconnected())
}
