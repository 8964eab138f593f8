package mirage

import (
	"fmt"
	"strconv"
	"strings"
)

// Outbound command surface. Every instance- or zone-scoped command rides on
// the appliance's stateful "current selection": selector first, action
// second, in that exact order (see Controller.SendToInstance/SendToZone).

func boolArg(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// sendScoped issues a zone-scoped command in MRAD mode and an
// instance-scoped one in standalone mode
func (z *ZoneEntity) sendScoped(mradCmd string, instanceCmd string) {
	c := z.controller

	if c.Mode() == ModeMultiRoomAmp {
		c.SendToZone(z.mmsZoneID, mradCmd)
	} else {
		c.SendToInstance(z.SourceID(), instanceCmd)
	}
}

// SelectSource routes a source to this zone. Standalone players have a
// fixed source, so this is MRAD-only.
func (z *ZoneEntity) SelectSource(source string) {
	if z.controller.Mode() == ModeMultiRoomAmp {
		z.controller.SendToZone(z.mmsZoneID, fmt.Sprintf("mrad.SetSource \"%s\"", source))
	}
}

// TurnOn powers the zone up. Standalone instances are always on.
func (z *ZoneEntity) TurnOn() {
	if z.controller.Mode() == ModeMultiRoomAmp {
		z.controller.Send(fmt.Sprintf("mrad.power on \"%s\"", z.mmsZoneID))
	}
}

func (z *ZoneEntity) TurnOff() {
	if z.controller.Mode() == ModeMultiRoomAmp {
		z.controller.Send(fmt.Sprintf("mrad.power off \"%s\"", z.mmsZoneID))
	}
}

func (z *ZoneEntity) SetRepeat(repeat bool) {
	z.sendScoped("mrad.Repeat "+boolArg(repeat), "Repeat "+boolArg(repeat))
}

func (z *ZoneEntity) SetShuffle(shuffle bool) {
	z.sendScoped("mrad.Shuffle "+boolArg(shuffle), "Shuffle "+boolArg(shuffle))
}

// Mute toggles zone mute, or the whole group's when group volumes are on
func (z *ZoneEntity) Mute(mute bool) {
	c := z.controller

	state := "off"
	if mute {
		state = "on"
	}

	if c.Mode() == ModeMultiRoomAmp && c.GroupVolumes() {
		c.Send(fmt.Sprintf("mrad.mute %s \"%s\"", state, z.GroupGuid()))
		return
	}

	z.sendScoped("mrad.mute "+state, "mute "+state)
}

// SetVolume sets the zone volume from a 0..1 level, scaled by the zone's
// reported maximum. Fixed-gain standalone players ignore volume entirely.
func (z *ZoneEntity) SetVolume(level float64) {
	c := z.controller

	if c.Mode() == ModeMultiRoomAmp {
		volume := int(level * z.maxVolume())

		if c.GroupVolumes() {
			c.Send(fmt.Sprintf("mrad.volume %d \"%s\"", volume, z.GroupGuid()))
		} else {
			c.SendToZone(z.mmsZoneID, fmt.Sprintf("mrad.volume %d", volume))
		}
		return
	}

	if z.gainFixed() {
		return
	}

	volume := int(level * standaloneMaxVolume)
	c.SendToInstance(z.SourceID(), fmt.Sprintf("SetVolume %d", volume))
}

func (z *ZoneEntity) VolumeUp() {
	c := z.controller

	if c.Mode() == ModeMultiRoomAmp {
		if c.GroupVolumes() {
			c.Send(fmt.Sprintf("mrad.VolumeUp \"%s\"", z.GroupGuid()))
		} else {
			c.SendToZone(z.mmsZoneID, "mrad.VolumeUp")
		}
		return
	}

	if z.gainFixed() {
		return
	}

	c.SendToInstance(z.SourceID(), "VolumeUp")
}

func (z *ZoneEntity) VolumeDown() {
	c := z.controller

	if c.Mode() == ModeMultiRoomAmp {
		if c.GroupVolumes() {
			c.Send(fmt.Sprintf("mrad.VolumeDown \"%s\"", z.GroupGuid()))
		} else {
			c.SendToZone(z.mmsZoneID, "mrad.VolumeDown")
		}
		return
	}

	if z.gainFixed() {
		return
	}

	c.SendToInstance(z.SourceID(), "VolumeDown")
}

func (z *ZoneEntity) Play() {
	z.sendScoped("mrad.play", "play")
}

func (z *ZoneEntity) Pause() {
	z.sendScoped("mrad.pause", "pause")
}

func (z *ZoneEntity) Stop() {
	z.sendScoped("mrad.stop", "stop")
}

func (z *ZoneEntity) SkipPrevious() {
	z.sendScoped("mrad.SkipPrevious", "SkipPrevious")
}

func (z *ZoneEntity) SkipNext() {
	z.sendScoped("mrad.SkipNext", "SkipNext")
}

// Seek jumps to a position in seconds and invalidates the cached track
// position so the next report repopulates it
func (z *ZoneEntity) Seek(position int) {
	c := z.controller

	if c.Mode() == ModeMultiRoomAmp {
		c.SendToZone(z.mmsZoneID, "mrad.SetSource")
	} else {
		c.Send(fmt.Sprintf("setInstance \"%s\"", z.SourceID()))
	}

	c.Send(fmt.Sprintf("seek %d", position))

	c.PopEvent(z.SourceID(), eventTrackTime)

	qualified, _ := c.GetEvent(z.SourceID(), eventQualifiedSourceName)
	if name, ok := qualified.(string); ok && name != "" {
		c.PopEvent(strings.Split(name, "@")[0], eventTrackTime)
	}
}

func (z *ZoneEntity) ClearPlaylist() {
	c := z.controller

	if c.Mode() == ModeMultiRoomAmp {
		c.SendToZone(z.mmsZoneID, "mrad.SetSource")
	} else {
		c.Send(fmt.Sprintf("setInstance \"%s\"", z.SourceID()))
	}

	c.Send("ClearNowPlaying false")
}

// PlayMedia plays a url, scene, preset or radio station on this zone.
// Announcements duck the current program instead of replacing it.
func (z *ZoneEntity) PlayMedia(mediaType string, mediaID string, announce bool) {
	c := z.controller

	if c.Mode() == ModeMultiRoomAmp {
		c.SendToZone(z.mmsZoneID, "mrad.SetSource")
	} else {
		c.Send(fmt.Sprintf("setInstance \"%s\"", z.SourceID()))
	}

	if announce {
		c.Send(fmt.Sprintf("DuckPlay \"%s\"", mediaID))
		return
	}

	switch strings.ToLower(mediaType) {
	case "music":
		c.Send(fmt.Sprintf("DuckPlay \"%s\"", mediaID))
	case "scene":
		c.Send(fmt.Sprintf("RecallScene \"%s\"", mediaID))
	case "preset":
		c.Send(fmt.Sprintf("RecallPreset \"%s\"", mediaID))
	case "radiostation":
		c.Send(fmt.Sprintf("PlayRadioStation \"%s\"", mediaID))
	case "command":
		c.Send(mediaID)
	default:
		c.logger.Errorw("Unexpected media type", "mediaType", mediaType)
	}
}

// Join routes this zone's source to every listed member zone, forming a
// group. A zone that's off first powers up on the default source.
func (z *ZoneEntity) Join(groupMembers []string) {
	c := z.controller

	z.logger.Debugw("Zone asked to join group", "zoneID", z.mmsZoneID, "members", groupMembers)

	if !z.On() {
		z.TurnOn()
		z.SelectSource(defaultJoinSource)

		z.lock.Lock()
		z.mmsSourceID = defaultJoinSource
		z.lock.Unlock()
	}

	for _, member := range groupMembers {
		other := c.GetZoneByEntityID(member)
		if other == nil {
			continue
		}

		other.TurnOn()
		other.SelectSource(z.SourceID())
	}
}

// Unjoin removes this zone from its group by powering it down
func (z *ZoneEntity) Unjoin() {
	z.TurnOff()
}

const (
	// standalone players report volume on a fixed 0..50 scale
	standaloneMaxVolume = 50

	// fallback when a zone hasn't reported MaxVolume yet
	defaultMaxVolume = 80

	// source a powered-off zone joins a group on
	defaultJoinSource = "Source_2000"
)

func (z *ZoneEntity) maxVolume() float64 {
	value, _ := z.controller.GetEvent(z.mmsZoneID, eventMaxVolume)

	s, ok := value.(string)
	if !ok {
		return defaultMaxVolume
	}

	max, err := strconv.ParseFloat(s, 64)
	if err != nil || max == 0 {
		return defaultMaxVolume
	}

	return max
}

func (z *ZoneEntity) gainFixed() bool {
	value, _ := z.controller.GetEvent(z.SourceID(), eventGainMode)
	s, ok := value.(string)

	return ok && s == "Fixed"
}
