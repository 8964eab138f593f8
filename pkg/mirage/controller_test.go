package mirage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	inst string
	sent []string

	connectCalls    int
	disconnectCalls int
	pingCalls       int
}

func (f *fakeConn) Connect() error    { f.connectCalls++; return nil }
func (f *fakeConn) Disconnect() error { f.disconnectCalls++; return nil }
func (f *fakeConn) Send(cmd string)   { f.sent = append(f.sent, cmd) }
func (f *fakeConn) CheckPing()        { f.pingCalls++ }
func (f *fakeConn) Instance() string  { return f.inst }

// connFactory stands in for Controller.newConn and records every
// connection the controller asks for
type connFactory struct {
	conns []*fakeConn
}

func (f *connFactory) new(inst string) Conn {
	fc := &fakeConn{inst: inst}
	f.conns = append(f.conns, fc)
	return fc
}

func (f *connFactory) byInstance(inst string) *fakeConn {
	for _, fc := range f.conns {
		if fc.inst == inst {
			return fc
		}
	}
	return nil
}

func newTestController(mode Mode) (*Controller, *connFactory) {
	c := NewController(zap.NewNop().Sugar(), Settings{
		Host:                 "192.0.2.1",
		Port:                 5004,
		HTTPPort:             5005,
		TickThresholdSeconds: 60,
		TickUpdateSeconds:    10,
	})
	c.name = "Mirage"
	c.mode = mode

	factory := &connFactory{}
	c.newConn = factory.new
	c.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	return c, factory
}

// connectPrimary runs Connect and simulates the primary socket coming up
func connectPrimary(t *testing.T, c *Controller, factory *connFactory) *fakeConn {
	t.Helper()

	require.NoError(t, c.Connect())

	primary := factory.byInstance(primaryInstance)
	require.NotNil(t, primary)
	require.Equal(t, 1, primary.connectCalls)

	c.connectionChanged(primary, true)

	return primary
}

func TestConnectSequenceMRAD(t *testing.T) {
	c, factory := newTestController(ModeMultiRoomAmp)

	primary := connectPrimary(t, c, factory)

	assert.Equal(t, []string{
		"setclienttype mirage",
		"setxmlmode lists",
		"mrad.subscribeevents",
		"mrad.getstatus",
		"browseinstances",
		"mrad.browseallzones",
		"mrad.browsezonegroups",
	}, primary.sent)

	assert.True(t, c.IsConnected())
}

func TestConnectSequenceStandalone(t *testing.T) {
	c, factory := newTestController(ModeStandalone)

	primary := connectPrimary(t, c, factory)

	assert.Equal(t, []string{
		"setclienttype mirage",
		"setxmlmode lists",
		"browseinstances",
	}, primary.sent)
}

func TestSideConnectionSequence(t *testing.T) {
	c, factory := newTestController(ModeMultiRoomAmp)
	connectPrimary(t, c, factory)

	frame := `<Instances total="1"><Instance name="Player_A" friendlyName="Player A" fqn="Player_A@D46A9160066E"/></Instances>`
	c.handleFrame(factory.byInstance(primaryInstance), frame)

	side := factory.byInstance("Player_A")
	require.NotNil(t, side, "instance discovery must open a side connection")
	require.Equal(t, 1, side.connectCalls)

	c.connectionChanged(side, true)

	assert.Equal(t, []string{
		"setclienttype mirage",
		"setxmlmode lists",
		"setinstance Player_A",
		"subscribeevents",
		"getstatus",
	}, side.sent)
}

func TestSideConnectionOpenedOnce(t *testing.T) {
	c, factory := newTestController(ModeMultiRoomAmp)
	primary := connectPrimary(t, c, factory)

	frame := `<Instances total="1"><Instance name="Player_A" friendlyName="Player A" fqn="Player_A@D46A9160066E"/></Instances>`
	c.handleFrame(primary, frame)
	c.handleFrame(primary, frame)

	count := 0
	for _, fc := range factory.conns {
		if fc.inst == "Player_A" {
			count++
		}
	}
	assert.Equal(t, 1, count, "a known fqn must not open a second connection")
}

func TestPrimaryConnectResetsSession(t *testing.T) {
	c, factory := newTestController(ModeMultiRoomAmp)
	z := c.AddZone("1")

	primary := connectPrimary(t, c, factory)

	// bind the placeholder and accumulate some state
	c.handleFrame(primary, `<Zones total="1"><Zone guid="guid-old" name="Office" id="Zone_1" sourceId="20000"/></Zones>`)
	c.handleFrame(primary, "MRAD.ReportState Zone_1 Volume=22")

	require.Equal(t, "Office", z.Name())
	_, ok := c.GetEvent("Zone_1", "Volume")
	require.True(t, ok)

	// simulate the appliance restarting with fresh GUIDs
	c.connectionChanged(primary, false)
	c.connectionChanged(primary, true)

	_, ok = c.GetEvent("Zone_1", "Volume")
	assert.False(t, ok, "a reconnect must not leak values from the prior session")

	c.handleFrame(primary, `<Zones total="1"><Zone guid="guid-new" name="Office" id="Zone_1" sourceId="20000"/></Zones>`)
	assert.Same(t, z, c.zonesByGuid["guid-new"], "the placeholder must rebind under the new guid")
}

func TestPrimaryDisconnectDropsSideConnections(t *testing.T) {
	c, factory := newTestController(ModeMultiRoomAmp)
	primary := connectPrimary(t, c, factory)

	c.handleFrame(primary, `<Instances total="1"><Instance name="Player_A" friendlyName="Player A" fqn="Player_A@D46A9160066E"/></Instances>`)
	side := factory.byInstance("Player_A")
	require.NotNil(t, side)

	c.connectionChanged(primary, false)

	assert.False(t, c.IsConnected())
	assert.Equal(t, 1, side.disconnectCalls)
}

func TestHandleFrameErrorRequestsRestart(t *testing.T) {
	c, factory := newTestController(ModeMultiRoomAmp)
	primary := connectPrimary(t, c, factory)

	before := len(primary.sent)
	c.handleFrame(primary, `<Zones total=`)

	require.Greater(t, len(primary.sent), before)
	assert.Equal(t, "quit", primary.sent[len(primary.sent)-1])
}

func TestEmptyZonesSnapshotRequestsRestart(t *testing.T) {
	c, factory := newTestController(ModeMultiRoomAmp)
	c.AddZone("1")
	primary := connectPrimary(t, c, factory)

	// the appliance answers browses with an empty list mid-startup; the
	// only way to get another browse is a fresh session
	c.handleFrame(primary, `<Zones total="0"></Zones>`)

	require.NotEmpty(t, primary.sent)
	assert.Equal(t, "quit", primary.sent[len(primary.sent)-1])
}

func TestEmptyInstancesSnapshotRequestsRestart(t *testing.T) {
	c, factory := newTestController(ModeStandalone)
	c.AddZone("Player A")
	primary := connectPrimary(t, c, factory)

	c.handleFrame(primary, `<Instances total="0"></Instances>`)

	require.NotEmpty(t, primary.sent)
	assert.Equal(t, "quit", primary.sent[len(primary.sent)-1])
}

func TestHandleFrameIgnoresUnknownChatter(t *testing.T) {
	c, factory := newTestController(ModeMultiRoomAmp)
	primary := connectPrimary(t, c, factory)

	before := len(primary.sent)
	c.handleFrame(primary, "GetStatusDone")
	c.handleFrame(primary, "Welcome to the media control server")

	assert.Len(t, primary.sent, before, "unmatched frames must be dropped silently")
}

func TestTrackTimeThrottle(t *testing.T) {
	c, factory := newTestController(ModeMultiRoomAmp)
	primary := connectPrimary(t, c, factory)

	z := c.AddZone("1")
	c.handleFrame(primary, `<Zones total="1"><Zone guid="g-1" name="Office" id="Zone_1" sourceId="20000"/></Zones>`)

	refreshes := 0
	z.SetOnRefresh(func() { refreshes++ })

	// first report is always kept
	c.handleFrame(primary, "MRAD.ReportState Source_20000 TrackTime=119")
	value, ok := c.GetEvent("Source_20000", "TrackTime")
	require.True(t, ok)
	require.Equal(t, "119", value)
	require.Equal(t, 1, refreshes)

	// past the threshold and off the tick interval: dropped entirely
	c.handleFrame(primary, "MRAD.ReportState Source_20000 TrackTime=125")
	value, _ = c.GetEvent("Source_20000", "TrackTime")
	assert.Equal(t, "119", value, "throttled update must not touch the store")
	assert.Equal(t, 1, refreshes, "throttled update must not refresh entities")

	// on the tick interval: kept
	c.handleFrame(primary, "MRAD.ReportState Source_20000 TrackTime=130")
	value, _ = c.GetEvent("Source_20000", "TrackTime")
	assert.Equal(t, "130", value)
	assert.Equal(t, 2, refreshes)
}

func TestTrackTimeBelowThresholdAlwaysKept(t *testing.T) {
	c, factory := newTestController(ModeMultiRoomAmp)
	primary := connectPrimary(t, c, factory)

	c.handleFrame(primary, "MRAD.ReportState Source_20000 TrackTime=3")
	c.handleFrame(primary, "MRAD.ReportState Source_20000 TrackTime=4")

	value, ok := c.GetEvent("Source_20000", "TrackTime")
	require.True(t, ok)
	assert.Equal(t, "4", value)
}

func TestTrackTimeZeroSentinel(t *testing.T) {
	c, factory := newTestController(ModeMultiRoomAmp)
	primary := connectPrimary(t, c, factory)

	c.handleFrame(primary, "MRAD.ReportState Source_20000 TrackTime=00:00:00")

	value, ok := c.GetEvent("Source_20000", "TrackTime")
	require.True(t, ok)
	assert.Equal(t, "0", value)
}

func TestTrackTimeImpliesCompanionEvents(t *testing.T) {
	c, factory := newTestController(ModeMultiRoomAmp)
	primary := connectPrimary(t, c, factory)

	c.handleFrame(primary, "MRAD.ReportState Source_20000 TrackTime=42")

	utc, ok := c.GetEvent("Source_20000", "TrackTimeUtc")
	require.True(t, ok)
	assert.Equal(t, c.now(), utc)

	smart, ok := c.GetEvent("Source_20000", "SmartSource")
	require.True(t, ok)
	assert.Equal(t, true, smart)
}

func TestStandaloneMediaArtChangedRequestsBrowse(t *testing.T) {
	c, factory := newTestController(ModeStandalone)
	primary := connectPrimary(t, c, factory)

	c.handleFrame(primary, "StateChanged Player_A MediaArtChanged=True")

	assert.Equal(t, "BrowseInstances", primary.sent[len(primary.sent)-1])
}

func TestStandaloneBindsInstances(t *testing.T) {
	c, factory := newTestController(ModeStandalone)
	z := c.AddZone("Player A")
	primary := connectPrimary(t, c, factory)

	frame := `<Instances total="1"><Instance name="Player_A" friendlyName="Player A" fqn="Player_A@D46A9160066E" m1="Money" m2="Pink Floyd" m3="" m4="" mArt="http://host/art.jpg"/></Instances>`
	c.handleFrame(primary, frame)

	assert.Equal(t, "Player A", z.Name())
	assert.Equal(t, "Player_A", z.SourceID())

	// no side connections in standalone topology
	assert.Len(t, factory.conns, 1)

	m1, ok := c.GetEvent("Player_A", "MetaData1")
	require.True(t, ok)
	assert.Equal(t, "Money", m1)
}

func TestCheckPingForwardsToAllConnections(t *testing.T) {
	c, factory := newTestController(ModeMultiRoomAmp)
	primary := connectPrimary(t, c, factory)

	c.handleFrame(primary, `<Instances total="1"><Instance name="Player_A" friendlyName="Player A" fqn="Player_A@D46A9160066E"/></Instances>`)

	c.CheckPing()

	assert.Equal(t, 1, primary.pingCalls)
	assert.Equal(t, 1, factory.byInstance("Player_A").pingCalls)
}

func TestDisconnectTearsDownEverything(t *testing.T) {
	c, factory := newTestController(ModeMultiRoomAmp)
	primary := connectPrimary(t, c, factory)

	c.handleFrame(primary, `<Instances total="1"><Instance name="Player_A" friendlyName="Player A" fqn="Player_A@D46A9160066E"/></Instances>`)
	side := factory.byInstance("Player_A")

	require.NoError(t, c.Disconnect())

	assert.Equal(t, 1, primary.disconnectCalls)
	assert.Equal(t, 1, side.disconnectCalls)
}

func TestSendWithoutSessionIsDropped(t *testing.T) {
	c, _ := newTestController(ModeMultiRoomAmp)

	// must not panic
	c.Send("mrad.AllOff")
}

func TestAllOffIsMRADOnly(t *testing.T) {
	c, factory := newTestController(ModeStandalone)
	primary := connectPrimary(t, c, factory)

	before := len(primary.sent)
	c.AllOff()
	assert.Len(t, primary.sent, before)

	c2, factory2 := newTestController(ModeMultiRoomAmp)
	primary2 := connectPrimary(t, c2, factory2)

	c2.AllOff()
	assert.Equal(t, "mrad.AllOff", primary2.sent[len(primary2.sent)-1])
}

func TestSwitchEntityRefreshOnConnectivityChange(t *testing.T) {
	c, factory := newTestController(ModeMultiRoomAmp)

	refreshes := 0
	c.AddSwitchEntity(switchFunc(func() { refreshes++ }))

	primary := connectPrimary(t, c, factory)
	require.Greater(t, refreshes, 0)

	before := refreshes
	c.connectionChanged(primary, false)
	assert.Greater(t, refreshes, before)
}

type switchFunc func()

func (f switchFunc) Refresh() { f() }
