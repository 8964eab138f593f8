package mirage

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ZoneEntity is a statically registered placeholder for either an amplifier
// zone (MRAD topology, identified by a stable Zone_<n> id) or a standalone
// player instance (identified by name). Entities are created before the
// device reports anything and get bound to device GUIDs as snapshots arrive.
// They are never destroyed during a session; a reconnect re-binds them.
type ZoneEntity struct {
	controller *Controller
	logger     *zap.SugaredLogger

	entityID  string
	mmsZoneID string // static match key: "Zone_3" in MRAD, instance name standalone

	lock         sync.Mutex
	name         string
	mmsSourceID  string
	groupGuid    string
	groupName    string
	groupMembers []string
	hidden       bool

	onRefresh func()
}

// zoneUpdate carries the fields a snapshot or group frame may rewrite on a
// placeholder. Nil pointers leave the current value alone.
type zoneUpdate struct {
	name      *string
	sourceID  *string
	groupGuid *string
	groupName *string
	members   []string
}

func strPtr(s string) *string { return &s }

// AddZone registers a placeholder for the given zone index (MRAD) or
// instance name (standalone). Call once per zone before Connect.
func (c *Controller) AddZone(indexOrName string) *ZoneEntity {
	z := &ZoneEntity{
		controller: c,
		logger:     c.logger.Named("zone"),
	}

	if c.Mode() == ModeMultiRoomAmp {
		index, err := strconv.Atoi(indexOrName)
		if err != nil {
			c.logger.Warnw("Zone index isn't numeric", "indexOrName", indexOrName)
		}
		z.mmsZoneID = fmt.Sprintf("Zone_%d", index)
		z.name = fmt.Sprintf("%s Zone %02d", c.Name(), index)
		z.entityID = fmt.Sprintf("%s_zone_%02d", slug(c.Name()), index)
	} else {
		z.mmsZoneID = strings.ReplaceAll(indexOrName, " ", "_")
		z.mmsSourceID = z.mmsZoneID
		z.name = fmt.Sprintf("%s %s", c.Name(), indexOrName)
		z.entityID = fmt.Sprintf("%s_%s", slug(c.Name()), slug(indexOrName))
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	c.zoneEntities = append(c.zoneEntities, z)
	c.zonesByStaticID[z.mmsZoneID] = z

	c.logger.Debugw("Registered zone entity", "entityID", z.entityID, "zoneID", z.mmsZoneID)

	return z
}

// SetOnRefresh installs the callback invoked whenever this entity's derived
// state may have changed. Install before Connect; the callback runs on the
// connection's dispatch goroutine and must not block.
func (z *ZoneEntity) SetOnRefresh(f func()) {
	z.onRefresh = f
}

func (z *ZoneEntity) refresh() {
	if z.onRefresh != nil {
		z.onRefresh()
	}
}

// apply updates the placeholder and refreshes it if anything changed
func (z *ZoneEntity) apply(u zoneUpdate) {
	z.lock.Lock()

	isDirty := false

	if u.name != nil && *u.name != z.name {
		if z.mmsZoneID != "" && z.mmsZoneID == strings.ReplaceAll(*u.name, " ", "_") {
			// the device has no user-assigned name for this zone
			z.logger.Debugw("Hiding unnamed zone", "entityID", z.entityID)
			z.hidden = true
		} else {
			z.logger.Debugw("Changing zone name", "from", z.name, "to", *u.name)
		}
		z.name = *u.name
		isDirty = true
	}

	if u.sourceID != nil && *u.sourceID != z.mmsSourceID {
		z.logger.Debugw("Changing zone source", "from", z.mmsSourceID, "to", *u.sourceID)
		z.mmsSourceID = *u.sourceID
		isDirty = true
	}

	if u.groupGuid != nil {
		z.groupGuid = *u.groupGuid
	}

	if u.groupName != nil {
		z.groupName = *u.groupName
	}

	if u.members != nil && !equalStrings(z.groupMembers, u.members) {
		z.groupMembers = append([]string(nil), u.members...)
		isDirty = true
	}

	z.lock.Unlock()

	if isDirty {
		z.refresh()
	}
}

func (z *ZoneEntity) EntityID() string { return z.entityID }
func (z *ZoneEntity) ZoneID() string   { return z.mmsZoneID }

func (z *ZoneEntity) Name() string {
	z.lock.Lock()
	defer z.lock.Unlock()

	return z.name
}

func (z *ZoneEntity) SourceID() string {
	z.lock.Lock()
	defer z.lock.Unlock()

	return z.mmsSourceID
}

func (z *ZoneEntity) GroupGuid() string {
	z.lock.Lock()
	defer z.lock.Unlock()

	return z.groupGuid
}

func (z *ZoneEntity) GroupName() string {
	z.lock.Lock()
	defer z.lock.Unlock()

	return z.groupName
}

func (z *ZoneEntity) GroupMembers() []string {
	z.lock.Lock()
	defer z.lock.Unlock()

	return append([]string(nil), z.groupMembers...)
}

func (z *ZoneEntity) Hidden() bool {
	z.lock.Lock()
	defer z.lock.Unlock()

	return z.hidden
}

// Available reports whether the parent session is connected. Entities show
// as unavailable the moment the primary connection drops.
func (z *ZoneEntity) Available() bool {
	return z.controller.IsConnected()
}

// On reports zone power. Standalone instances are always on.
func (z *ZoneEntity) On() bool {
	if z.controller.Mode() != ModeMultiRoomAmp {
		return true
	}

	power, _ := z.controller.GetEvent(z.mmsZoneID, eventPowerOn)
	s, ok := power.(string)

	return ok && strings.HasPrefix(s, "T")
}

// SourceEvent resolves an event for this zone's currently bound source.
// In MRAD mode metadata often arrives under the source's qualified name
// rather than its Source_<sId> alias, so that alias is tried second.
func (z *ZoneEntity) SourceEvent(eventName string) any {
	c := z.controller

	if !c.IsConnected() {
		return nil
	}

	sourceID := z.SourceID()
	if sourceID == "" {
		return nil
	}

	if value, ok := c.GetEvent(sourceID, eventName); ok && value != nil {
		return value
	}

	if c.Mode() == ModeMultiRoomAmp {
		qualified, _ := c.GetEvent(sourceID, eventQualifiedSourceName)
		name, _ := qualified.(string)
		if name == "" {
			return nil
		}

		sourceID = strings.Split(name, "@")[0]
	}

	value, _ := c.GetEvent(sourceID, eventName)
	return value
}

// SwitchEntity is an auxiliary registered entity (e.g. a group-volume
// toggle) that only cares about connectivity changes
type SwitchEntity interface {
	Refresh()
}

func slug(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")

	return s
}

func equalStrings(a []string, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
