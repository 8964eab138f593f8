package mirage

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Event names used by the appliance's push protocol. The same names appear
// in MRAD zone telemetry, instance telemetry and browse snapshots.
const (
	eventTrackTime           = "TrackTime"
	eventTrackTimeUtc        = "TrackTimeUtc"
	eventTrackDuration       = "TrackDuration"
	eventSmartSource         = "SmartSource"
	eventQualifiedSourceName = "QualifiedSourceName"
	eventSourceList          = "SourceList"
	eventMediaArtChanged     = "MediaArtChanged"
	eventMediaArt            = "mArt"
	eventMetaData1           = "MetaData1"
	eventMetaData2           = "MetaData2"
	eventMetaData3           = "MetaData3"
	eventMetaData4           = "MetaData4"
	eventShuffle             = "Shuffle"
	eventGainMode            = "GainMode"
	eventMaxVolume           = "MaxVolume"
	eventPowerOn             = "PowerOn"
)

// Frame prefixes the dispatcher matches on. Anything else coming down the
// wire is uninteresting chatter and gets dropped without complaint.
const (
	framePrefixZones        = "<Zones"
	framePrefixZoneGroups   = "<ZoneGroups"
	framePrefixMRADEvent    = "MRAD."
	framePrefixInstances    = "<Instances"
	framePrefixReportState  = "ReportState"
	framePrefixStateChanged = "StateChanged"
)

// zonesFrame is the response to mrad.BrowseAllZones:
//
//	<Zones total="5" start="1" more="false" ...>
//	  <Zone guid="00000001-..." name="Office" id="Zone_1" sourceId="20000" ... />
//	</Zones>
type zonesFrame struct {
	XMLName xml.Name      `xml:"Zones"`
	Total   string        `xml:"total,attr"`
	Zones   []zoneElement `xml:"Zone"`
}

type zoneElement struct {
	Guid     string `xml:"guid,attr"`
	Name     string `xml:"name,attr"`
	ID       string `xml:"id,attr"`
	SourceID string `xml:"sourceId,attr"`
}

// zoneGroupsFrame is the response to mrad.BrowseZoneGroups, after
// normalizeZoneGroups has merged the <vol> and <src> member lists
type zoneGroupsFrame struct {
	XMLName xml.Name           `xml:"ZoneGroups"`
	Groups  []zoneGroupElement `xml:"ZoneGroup"`
}

type zoneGroupElement struct {
	Guid      string             `xml:"guid,attr"`
	Name      string             `xml:"name,attr"`
	SourceSID string             `xml:"sId,attr"`
	MediaArt  string             `xml:"mArt,attr"`
	Zones     []groupZoneElement `xml:"vol>zone"`
	Sources   []sourceElement    `xml:"Sources>Source"`
}

type groupZoneElement struct {
	EventID string `xml:"eventId,attr"`
	Guid    string `xml:"guid,attr"`
	Name    string `xml:"name,attr"`
}

type sourceElement struct {
	Guid string `xml:"guid,attr"`
	Name string `xml:"name,attr"`
	Fqn  string `xml:"fqn,attr"`
	SID  string `xml:"sId,attr"`
}

// instancesFrame is the response to BrowseInstances:
//
//	<Instances total="1" ...>
//	  <Instance name="Player_A" friendlyName="Player A" fqn="Player_A@D46A9160066E"
//	            m1="..." m2="..." m3="..." m4="..." mArt="http://..." gainMode="Fixed" />
//	</Instances>
type instancesFrame struct {
	XMLName   xml.Name          `xml:"Instances"`
	Total     string            `xml:"total,attr"`
	Instances []instanceElement `xml:"Instance"`
}

type instanceElement struct {
	Name         string `xml:"name,attr"`
	FriendlyName string `xml:"friendlyName,attr"`
	Fqn          string `xml:"fqn,attr"`
	M1           string `xml:"m1,attr"`
	M2           string `xml:"m2,attr"`
	M3           string `xml:"m3,attr"`
	M4           string `xml:"m4,attr"`
	MediaArt     string `xml:"mArt,attr"`
	GainMode     string `xml:"gainMode,attr"`
}

// normalizeZoneGroups rewrites a ZoneGroups frame so the <vol> and <src>
// member sub-lists parse as one <vol> list. The device reports the same
// zones under both, <vol> being the superset with volume attributes.
func normalizeZoneGroups(frame string) string {
	frame = strings.ReplaceAll(frame, "</vol>", "")
	frame = strings.ReplaceAll(frame, "<src>", "")
	frame = strings.ReplaceAll(frame, "</src>", "</vol>")

	return frame
}

func parseZones(frame string) (*zonesFrame, error) {
	var parsed zonesFrame
	if err := xml.Unmarshal([]byte(frame), &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal zones frame: %w", err)
	}

	return &parsed, nil
}

func parseZoneGroups(frame string) (*zoneGroupsFrame, error) {
	var parsed zoneGroupsFrame
	if err := xml.Unmarshal([]byte(normalizeZoneGroups(frame)), &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal zone groups frame: %w", err)
	}

	return &parsed, nil
}

func parseInstances(frame string) (*instancesFrame, error) {
	var parsed instancesFrame
	if err := xml.Unmarshal([]byte(frame), &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal instances frame: %w", err)
	}

	return &parsed, nil
}

// telemetryEvent is a single key=value push line:
//
//	MRAD.ReportState Zone_1 ZoneGain=0
//	StateChanged Player_A TrackTime=263
//
// The value runs from the first '=' to the end of the line, so it may
// contain spaces (metadata strings frequently do).
type telemetryEvent struct {
	entityID  string
	eventName string
	value     string
}

func parseTelemetry(frame string) (telemetryEvent, error) {
	splits := strings.Split(frame, " ")
	if len(splits) < 3 {
		return telemetryEvent{}, fmt.Errorf("telemetry frame has %d fields, want at least 3: %q", len(splits), frame)
	}

	eq := strings.Index(frame, "=")
	if eq < 0 || !strings.Contains(splits[2], "=") {
		return telemetryEvent{}, fmt.Errorf("telemetry frame has no key=value pair: %q", frame)
	}

	return telemetryEvent{
		entityID:  splits[1],
		eventName: strings.SplitN(splits[2], "=", 2)[0],
		value:     frame[eq+1:],
	}, nil
}
