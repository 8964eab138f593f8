package mirage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/thoas/go-funk"
)

// resetBindings moves every placeholder back to the unbound (static-id) map.
// Called at the primary connection's Connected transition so a restarted
// device can hand out fresh GUIDs and still match the same placeholders.
func (c *Controller) resetBindings() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.zonesByGuid = make(map[string]*ZoneEntity)
	c.zonesByStaticID = make(map[string]*ZoneEntity)

	for _, z := range c.zoneEntities {
		c.zonesByStaticID[z.mmsZoneID] = z
	}
}

// resolveZone is the two-tier lookup at the heart of reconciliation: a
// GUID-keyed map for bound placeholders, and a static-id-keyed map for
// unbound ones. First sighting of a GUID moves the matching placeholder
// from the second map into the first; after that the linear scan never
// runs again for this entity. No match means the frame referenced a zone
// this integration doesn't model, which is not an error.
func (c *Controller) resolveZone(guid string, staticID string) *ZoneEntity {
	c.lock.Lock()
	defer c.lock.Unlock()

	if z, ok := c.zonesByGuid[guid]; ok {
		return z
	}

	z, ok := c.zonesByStaticID[staticID]
	if !ok {
		return nil
	}

	delete(c.zonesByStaticID, staticID)
	c.zonesByGuid[guid] = z

	c.logger.Infow("Discovered zone", "zoneID", staticID, "guid", guid)

	return z
}

// processZones reconciles a BrowseAllZones snapshot: bind or refresh each
// reported zone's placeholder with its current name and routed source
func (c *Controller) processZones(frame string) error {
	parsed, err := parseZones(frame)
	if err != nil {
		return err
	}

	// the appliance answers browses with an empty list while it is still
	// starting up; browses are request/response, so without a restart the
	// placeholders would stay unbound for the whole session
	if len(parsed.Zones) == 0 {
		return fmt.Errorf("zones snapshot is empty, appliance may still be starting")
	}

	for _, zone := range parsed.Zones {
		sourceID := "Source_" + zone.SourceID

		z := c.resolveZone(zone.Guid, zone.ID)
		if z == nil {
			continue
		}

		z.apply(zoneUpdate{name: strPtr(zone.Name), sourceID: strPtr(sourceID)})
	}

	return nil
}

// sourceResetEvents are the keys cleared when a group's shared source loses
// its art, so stale metadata never leaks into a zone that just went idle
var sourceResetEvents = []string{
	eventMediaArt,
	eventMetaData1,
	eventMetaData2,
	eventMetaData3,
	eventMetaData4,
	eventTrackDuration,
	eventTrackTime,
	eventTrackTimeUtc,
	eventShuffle,
}

// processZoneGroups reconciles a BrowseZoneGroups snapshot: shared-source
// metadata, per-source qualified names, per-zone source lists, group
// identity, and the sorted de-duplicated group-member list every member
// placeholder ends up sharing.
func (c *Controller) processZoneGroups(frame string) error {
	parsed, err := parseZoneGroups(frame)
	if err != nil {
		return err
	}

	for _, group := range parsed.Groups {
		sid := group.SourceSID
		if sid == "" {
			sid = "0"
		}
		sourceID := "Source_" + sid

		if group.MediaArt == "" {
			for _, eventName := range sourceResetEvents {
				c.events.set(sourceID, eventName, nil)
			}
			c.events.set(sourceID, eventSmartSource, false)
		} else {
			c.events.set(sourceID, eventMediaArt, group.MediaArt)
			c.events.set(sourceID, eventSmartSource, true)
		}

		sources := make([]string, 0, len(group.Sources))
		for _, source := range group.Sources {
			name := source.Name
			if name == "" {
				name = strings.ReplaceAll(strings.Split(source.Fqn, "@")[0], "_", " ")
			}

			sources = append(sources, name)
			c.events.set("Source_"+source.SID, eventQualifiedSourceName, strings.ReplaceAll(name, " ", "_"))
		}

		var memberEntities []*ZoneEntity
		var memberIDs []string

		for _, member := range group.Zones {
			c.events.set(member.EventID, eventSourceList, append([]string(nil), sources...))

			z := c.resolveZone(member.Guid, member.EventID)
			if z == nil {
				continue
			}

			z.apply(zoneUpdate{
				name:      strPtr(member.Name),
				sourceID:  strPtr(sourceID),
				groupGuid: strPtr(group.Guid),
				groupName: strPtr(group.Name),
			})

			if !funk.ContainsString(memberIDs, z.EntityID()) {
				memberEntities = append(memberEntities, z)
				memberIDs = append(memberIDs, z.EntityID())
			}
		}

		// the single source of truth consumers use to display groups
		sort.Strings(memberIDs)

		for _, z := range memberEntities {
			z.apply(zoneUpdate{members: memberIDs})
		}
	}

	return nil
}

// processInstances reconciles a BrowseInstances snapshot. Metadata and art
// always land in the event store; what happens next is topology-specific
// (standalone binds placeholders, MRAD opens side connections).
func (c *Controller) processInstances(frame string) error {
	parsed, err := parseInstances(frame)
	if err != nil {
		return err
	}

	// same startup race as the zones browse: an empty list means try again
	// with a fresh session
	if len(parsed.Instances) == 0 {
		return fmt.Errorf("instances snapshot is empty, appliance may still be starting")
	}

	for _, inst := range parsed.Instances {
		c.events.set(inst.Name, eventMetaData1, inst.M1)
		c.events.set(inst.Name, eventMetaData2, inst.M2)
		c.events.set(inst.Name, eventMetaData3, inst.M3)
		c.events.set(inst.Name, eventMetaData4, inst.M4)
		c.events.set(inst.Name, eventMediaArt, inst.MediaArt)
		c.events.set(inst.Name, eventGainMode, inst.GainMode)

		if err := c.strategy().instanceDiscovered(c, inst); err != nil {
			return err
		}
	}

	return nil
}

// processMRADEvent handles amplifier zone telemetry lines
func (c *Controller) processMRADEvent(frame string) error {
	ev, err := parseTelemetry(frame)
	if err != nil {
		return err
	}

	stored, err := c.storeTelemetry(ev)
	if err != nil || !stored {
		return err
	}

	for _, z := range c.zoneList() {
		if z.ZoneID() == ev.entityID || z.SourceID() == ev.entityID {
			z.refresh()
		}
	}

	return nil
}

// processInstanceEvent handles player instance telemetry lines
func (c *Controller) processInstanceEvent(frame string) error {
	ev, err := parseTelemetry(frame)
	if err != nil {
		return err
	}

	stored, err := c.storeTelemetry(ev)
	if err != nil || !stored {
		return err
	}

	c.strategy().instanceEvent(c, ev.entityID, ev.eventName)

	return nil
}

// storeTelemetry applies the position throttle, stores the value, and
// synthesizes the companion keys a position update implies. Returns false
// when the update was dropped by the throttle (store untouched, no refresh).
func (c *Controller) storeTelemetry(ev telemetryEvent) (bool, error) {
	value := ev.value

	if ev.eventName == eventTrackTime {
		// the device reports zero duration as a textual sentinel
		value = strings.ReplaceAll(value, "00:00:00", "0")

		position, err := strconv.Atoi(value)
		if err != nil {
			return false, fmt.Errorf("parse track time %q: %w", ev.value, err)
		}

		// keep the first few updates for responsiveness near track
		// boundaries, then only one per tick interval
		_, seen := c.events.get(ev.entityID, eventTrackTime)
		if seen && position > c.tickThreshold && position%c.tickInterval != 0 {
			return false, nil
		}
	}

	c.events.set(ev.entityID, ev.eventName, value)

	if ev.eventName == eventTrackTime {
		// only capability-rich sources emit position telemetry at all,
		// so its presence implies the capability
		c.events.set(ev.entityID, eventTrackTimeUtc, c.now())
		c.events.set(ev.entityID, eventSmartSource, true)
	}

	return true, nil
}
