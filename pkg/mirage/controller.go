package mirage

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Mode is the appliance topology, fixed for the lifetime of a session
type Mode string

const (
	ModeUnknown Mode = "unknown"

	// ModeStandalone drives one or more single-player instances directly
	ModeStandalone Mode = "standalone"

	// ModeMultiRoomAmp drives an amplifier rack where zones are routed to
	// shared sources (MRAD)
	ModeMultiRoomAmp Mode = "mrad"
)

// the primary control connection's instance selector
const primaryInstance = "*"

// Settings are the controller's tunables, populated from the config file
type Settings struct {
	Host     string
	Port     int
	HTTPPort int

	// TrackTime updates past the threshold are dropped unless the position
	// is a multiple of the tick interval
	TickThresholdSeconds int
	TickUpdateSeconds    int

	RetryConnectSeconds int
	PingIntervalSeconds int

	GroupVolumes bool
}

// Controller owns the appliance session: the primary control connection,
// lazily-opened per-player side connections, the event store, and the
// bindings between configured zone placeholders and device-reported GUIDs.
type Controller struct {
	logger     *zap.SugaredLogger
	httpClient *http.Client

	host     string
	port     int
	httpPort int
	webPort  int

	// discovered by CheckConnection
	name      string
	uuid      string
	version   string
	mode      Mode
	zones     []int
	instances []string

	tickThreshold int
	tickInterval  int
	retryInterval time.Duration
	pingInterval  time.Duration

	events *eventStore

	lock            sync.Mutex
	zoneEntities    []*ZoneEntity
	zonesByGuid     map[string]*ZoneEntity
	zonesByStaticID map[string]*ZoneEntity
	switchEntities  []SwitchEntity
	client          Conn
	instanceClients map[string]Conn
	connected       bool
	groupVolumes    bool
	sessionStrategy modeStrategy

	// swapped out by tests
	newConn func(inst string) Conn
	now     func() time.Time
}

func NewController(logger *zap.SugaredLogger, settings Settings) *Controller {
	logger = logger.Named("controller")

	c := &Controller{
		logger:          logger,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		host:            settings.Host,
		port:            settings.Port,
		httpPort:        settings.HTTPPort,
		webPort:         80,
		mode:            ModeUnknown,
		tickThreshold:   settings.TickThresholdSeconds,
		tickInterval:    settings.TickUpdateSeconds,
		retryInterval:   time.Duration(settings.RetryConnectSeconds) * time.Second,
		pingInterval:    time.Duration(settings.PingIntervalSeconds) * time.Second,
		groupVolumes:    settings.GroupVolumes,
		zonesByGuid:     make(map[string]*ZoneEntity),
		zonesByStaticID: make(map[string]*ZoneEntity),
		instanceClients: make(map[string]Conn),
		now:             time.Now,
	}

	c.events = newEventStore(logger)
	c.newConn = func(inst string) Conn {
		return newMmsClient(logger, c.host, c.port, inst, c.retryInterval, c.pingInterval, c)
	}

	logger.Debug("Created controller instance")

	return c
}

func (c *Controller) Name() string    { return c.name }
func (c *Controller) UUID() string    { return c.uuid }
func (c *Controller) Version() string { return c.version }

func (c *Controller) Mode() Mode {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.mode
}

// ZoneIndices returns the amplifier zone indices found by the probe
func (c *Controller) ZoneIndices() []int {
	return append([]int(nil), c.zones...)
}

// Instances returns the standalone player names found by the probe
func (c *Controller) Instances() []string {
	return append([]string(nil), c.instances...)
}

func (c *Controller) IsConnected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.connected
}

// GetEvent returns the stored value for (entityID, eventName). The second
// return distinguishes "never reported" from a stored nil reset.
func (c *Controller) GetEvent(entityID string, eventName string) (any, bool) {
	return c.events.get(entityID, eventName)
}

// PopEvent removes and returns the stored value, invalidating it
func (c *Controller) PopEvent(entityID string, eventName string) (any, bool) {
	return c.events.pop(entityID, eventName)
}

// GetZoneByEntityID finds a registered placeholder by its entity id
func (c *Controller) GetZoneByEntityID(entityID string) *ZoneEntity {
	c.lock.Lock()
	defer c.lock.Unlock()

	for _, z := range c.zoneEntities {
		if z.entityID == entityID {
			return z
		}
	}

	return nil
}

// AddSwitchEntity registers an auxiliary entity that tracks connectivity
func (c *Controller) AddSwitchEntity(s SwitchEntity) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.switchEntities = append(c.switchEntities, s)
}

// SetGroupVolumes switches MRAD volume/mute commands between per-zone and
// group-wide addressing
func (c *Controller) SetGroupVolumes(enabled bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.groupVolumes = enabled
}

func (c *Controller) GroupVolumes() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.groupVolumes
}

// Connect opens the primary control connection. The mode strategy is picked
// here, once, and holds for the whole session.
func (c *Controller) Connect() error {
	c.setMode(c.mode)

	c.lock.Lock()
	c.connected = false
	c.instanceClients = make(map[string]Conn)
	c.client = c.newConn(primaryInstance)
	client := c.client
	c.lock.Unlock()

	// consumers observe unavailability until the session is up
	c.refreshZones()
	c.refreshSwitches()

	if err := client.Connect(); err != nil {
		c.logger.Warnw("Failed to connect primary client", "error", err)
		return fmt.Errorf("connect primary client: %w", err)
	}

	return nil
}

// Disconnect tears down the primary connection and every side connection
func (c *Controller) Disconnect() error {
	c.lock.Lock()
	client := c.client
	instanceClients := c.instanceClients
	c.instanceClients = make(map[string]Conn)
	c.lock.Unlock()

	if client != nil {
		if err := client.Disconnect(); err != nil {
			c.logger.Warnw("Failed to disconnect primary client", "error", err)
			return fmt.Errorf("disconnect primary client: %w", err)
		}
	}

	for guid, side := range instanceClients {
		if err := side.Disconnect(); err != nil {
			c.logger.Warnw("Failed to disconnect instance client", "guid", guid, "error", err)
		}
	}

	return nil
}

// CheckPing forwards the keepalive tick to every open connection
func (c *Controller) CheckPing() {
	c.lock.Lock()
	client := c.client
	sides := make([]Conn, 0, len(c.instanceClients))
	for _, side := range c.instanceClients {
		sides = append(sides, side)
	}
	c.lock.Unlock()

	if client != nil {
		client.CheckPing()
	}
	for _, side := range sides {
		side.CheckPing()
	}
}

// Send forwards a raw protocol command to the primary connection
func (c *Controller) Send(cmd string) {
	c.lock.Lock()
	client := c.client
	c.lock.Unlock()

	if client == nil {
		c.logger.Debugw("Dropping command, no session", "cmd", cmd)
		return
	}

	client.Send(cmd)
}

// SendToInstance scopes a command to one player instance. The appliance
// keeps a per-connection "current instance" selection, so the selector must
// immediately precede the action, both sent, never batched or reordered.
func (c *Controller) SendToInstance(inst string, cmd string) {
	c.Send(fmt.Sprintf("setInstance \"%s\"", inst))
	c.Send(cmd)
}

// SendToZone scopes a command to one amplifier zone, same selector quirk
func (c *Controller) SendToZone(zoneID string, cmd string) {
	c.Send(fmt.Sprintf("mrad.SetZone \"%s\"", zoneID))
	c.Send(cmd)
}

// AllOff powers down every amplifier zone
func (c *Controller) AllOff() {
	if c.Mode() == ModeMultiRoomAmp {
		c.Send("mrad.AllOff")
	}
}

// setMode fixes the topology and its strategy for the session
func (c *Controller) setMode(mode Mode) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.mode = mode

	switch mode {
	case ModeMultiRoomAmp:
		c.sessionStrategy = &mradStrategy{}
	default:
		c.sessionStrategy = &standaloneStrategy{}
	}
}

func (c *Controller) strategy() modeStrategy {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.sessionStrategy == nil {
		// session started without Connect (tests drive frames directly)
		if c.mode == ModeMultiRoomAmp {
			c.sessionStrategy = &mradStrategy{}
		} else {
			c.sessionStrategy = &standaloneStrategy{}
		}
	}

	return c.sessionStrategy
}

// handleFrame classifies one inbound frame by its leading token and routes
// it. Unmatched frames are dropped without complaint; the protocol is chatty
// and most of it is uninteresting. A handler failure requests a session
// restart instead of risking corrupted downstream state.
func (c *Controller) handleFrame(conn Conn, frame string) {
	var err error

	switch {
	case strings.HasPrefix(frame, framePrefixZones):
		err = c.processZones(frame)
	case strings.HasPrefix(frame, framePrefixZoneGroups):
		err = c.processZoneGroups(frame)
	case strings.HasPrefix(frame, framePrefixMRADEvent):
		err = c.processMRADEvent(frame)
	case strings.HasPrefix(frame, framePrefixInstances):
		err = c.processInstances(frame)
	case strings.HasPrefix(frame, framePrefixReportState), strings.HasPrefix(frame, framePrefixStateChanged):
		err = c.processInstanceEvent(frame)
	}

	if err != nil {
		c.logger.Errorw("Failed to process frame, requesting session restart",
			"inst", conn.Instance(), "frame", frame, "error", err)
		c.Send("quit")
	}
}

// connectionChanged reacts to connect/disconnect notifications from a Conn.
// The primary connection's Connected transition is the session reset point:
// the event store is cleared and all GUID bindings go back to unbound.
func (c *Controller) connectionChanged(conn Conn, connected bool) {
	inst := conn.Instance()
	isPrimary := inst == primaryInstance

	c.logger.Debugw("Connection state changed", "inst", inst, "connected", connected)

	if isPrimary {
		c.lock.Lock()
		c.connected = connected
		c.lock.Unlock()

		if connected {
			// stale values from a prior session must not survive
			c.events.clear()
			c.resetBindings()
		}
	}

	c.refreshSwitches()

	if !connected {
		if isPrimary {
			c.refreshZones()
			c.dropInstanceClients()
		}
		return
	}

	conn.Send("setclienttype mirage")
	conn.Send("setxmlmode lists")

	if isPrimary {
		c.strategy().startup(c, conn)
	} else {
		conn.Send(fmt.Sprintf("setinstance %s", inst))
		conn.Send("subscribeevents")
		conn.Send("getstatus")
	}
}

func (c *Controller) refreshZones() {
	for _, z := range c.zoneList() {
		z.refresh()
	}
}

func (c *Controller) refreshSwitches() {
	c.lock.Lock()
	switches := append([]SwitchEntity(nil), c.switchEntities...)
	c.lock.Unlock()

	for _, s := range switches {
		s.Refresh()
	}
}

func (c *Controller) zoneList() []*ZoneEntity {
	c.lock.Lock()
	defer c.lock.Unlock()

	return append([]*ZoneEntity(nil), c.zoneEntities...)
}

func (c *Controller) dropInstanceClients() {
	c.lock.Lock()
	instanceClients := c.instanceClients
	c.instanceClients = make(map[string]Conn)
	c.lock.Unlock()

	for guid, side := range instanceClients {
		if err := side.Disconnect(); err != nil {
			c.logger.Warnw("Failed to drop instance client", "guid", guid, "error", err)
		}
	}
}

// modeStrategy supplies the topology-specific behavior picked once at
// session start: the startup command sequence, what to do when the
// instance list reports a player, and how instance telemetry fans out.
type modeStrategy interface {
	startup(c *Controller, conn Conn)
	instanceDiscovered(c *Controller, inst instanceElement) error
	instanceEvent(c *Controller, entityID string, eventName string)
}

type standaloneStrategy struct{}

func (s *standaloneStrategy) startup(c *Controller, conn Conn) {
	conn.Send("browseinstances")
}

func (s *standaloneStrategy) instanceDiscovered(c *Controller, inst instanceElement) error {
	z := c.resolveZone(inst.Fqn, inst.Name)
	if z == nil {
		// players configured on the device but not modeled here
		return nil
	}

	z.apply(zoneUpdate{name: strPtr(inst.FriendlyName), sourceID: strPtr(inst.Name)})
	z.refresh()

	return nil
}

func (s *standaloneStrategy) instanceEvent(c *Controller, entityID string, eventName string) {
	// re-requesting the full instance list is cheaper than art deltas
	if eventName == eventMediaArtChanged {
		c.Send("BrowseInstances")
		return
	}

	for _, z := range c.zoneList() {
		if z.ZoneID() == entityID || z.SourceID() == entityID {
			z.refresh()
		}
	}
}

type mradStrategy struct{}

func (s *mradStrategy) startup(c *Controller, conn Conn) {
	// subscribe and catch up FIRST so the browse responses below can
	// resolve against event-table values that already exist
	conn.Send("mrad.subscribeevents")
	conn.Send("mrad.getstatus")

	conn.Send("browseinstances")
	conn.Send("mrad.browseallzones")
	conn.Send("mrad.browsezonegroups")
}

func (s *mradStrategy) instanceDiscovered(c *Controller, inst instanceElement) error {
	c.lock.Lock()
	_, known := c.instanceClients[inst.Fqn]
	c.lock.Unlock()

	if !known {
		c.logger.Infow("Discovered player instance, opening side connection",
			"name", inst.Name, "fqn", inst.Fqn)

		side := c.newConn(inst.Name)

		c.lock.Lock()
		c.instanceClients[inst.Fqn] = side
		c.lock.Unlock()

		if err := side.Connect(); err != nil {
			return fmt.Errorf("connect instance client %s: %w", inst.Name, err)
		}
	}

	for _, z := range c.zoneList() {
		if z.SourceID() == inst.Name {
			z.refresh()
		}
	}

	return nil
}

func (s *mradStrategy) instanceEvent(c *Controller, entityID string, eventName string) {
	// metadata may arrive under the instance's raw name rather than the
	// Source_<sId> alias a zone is bound to; cover both
	for _, z := range c.zoneList() {
		if z.SourceID() == entityID {
			z.refresh()
			continue
		}

		qualified, _ := c.events.get(z.SourceID(), eventQualifiedSourceName)
		if name, ok := qualified.(string); ok && name == entityID {
			z.refresh()
		}
	}
}
