package mirage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTelemetry(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    telemetryEvent
		wantErr bool
	}{
		{
			name:  "zone gain",
			frame: "MRAD.ReportState Zone_1 ZoneGain=0",
			want:  telemetryEvent{entityID: "Zone_1", eventName: "ZoneGain", value: "0"},
		},
		{
			name:  "state change",
			frame: "StateChanged Player_A TrackTime=263",
			want:  telemetryEvent{entityID: "Player_A", eventName: "TrackTime", value: "263"},
		},
		{
			name:  "value containing spaces",
			frame: "MRAD.ReportState Source_20000 MetaData1=Dark Side of the Moon",
			want:  telemetryEvent{entityID: "Source_20000", eventName: "MetaData1", value: "Dark Side of the Moon"},
		},
		{
			name:  "value containing equals signs",
			frame: "StateChanged Player_A mArt=http://host/art?id=1&size=2",
			want:  telemetryEvent{entityID: "Player_A", eventName: "mArt", value: "http://host/art?id=1&size=2"},
		},
		{
			name:    "too few fields",
			frame:   "MRAD.ReportState Zone_1",
			wantErr: true,
		},
		{
			name:    "no key value pair",
			frame:   "ReportState Player_A Playing",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTelemetry(tt.frame)

			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeZoneGroups(t *testing.T) {
	in := `<ZoneGroup><vol><zone guid="a"/></vol><src><zone guid="a"/></src></ZoneGroup>`
	want := `<ZoneGroup><vol><zone guid="a"/><zone guid="a"/></vol></ZoneGroup>`

	assert.Equal(t, want, normalizeZoneGroups(in))
}

func TestParseZones(t *testing.T) {
	frame := `<Zones total="2" start="1" more="false">` +
		`<Zone guid="00000001-0000-0000-0000-000000000000" name="Office" id="Zone_1" sourceId="20000"/>` +
		`<Zone guid="00000002-0000-0000-0000-000000000000" name="Kitchen" id="Zone_2" sourceId="20001"/>` +
		`</Zones>`

	parsed, err := parseZones(frame)
	require.NoError(t, err)

	require.Len(t, parsed.Zones, 2)
	assert.Equal(t, "2", parsed.Total)
	assert.Equal(t, zoneElement{
		Guid:     "00000001-0000-0000-0000-000000000000",
		Name:     "Office",
		ID:       "Zone_1",
		SourceID: "20000",
	}, parsed.Zones[0])
}

func TestParseZoneGroups(t *testing.T) {
	frame := `<ZoneGroups total="1">` +
		`<ZoneGroup guid="g-1" name="Downstairs" sId="20000" mArt="http://host/art.jpg">` +
		`<vol><zone eventId="Zone_2" guid="z-2" name="Kitchen"/></vol>` +
		`<src><zone eventId="Zone_1" guid="z-1" name="Office"/></src>` +
		`<Sources><Source guid="s-1" name="Player A" fqn="Player_A@D46A9160066E" sId="20000"/></Sources>` +
		`</ZoneGroup>` +
		`</ZoneGroups>`

	parsed, err := parseZoneGroups(frame)
	require.NoError(t, err)

	require.Len(t, parsed.Groups, 1)
	group := parsed.Groups[0]

	assert.Equal(t, "g-1", group.Guid)
	assert.Equal(t, "Downstairs", group.Name)
	assert.Equal(t, "20000", group.SourceSID)
	assert.Equal(t, "http://host/art.jpg", group.MediaArt)

	// both member sub-lists end up in one list after normalization
	require.Len(t, group.Zones, 2)
	assert.Equal(t, groupZoneElement{EventID: "Zone_2", Guid: "z-2", Name: "Kitchen"}, group.Zones[0])
	assert.Equal(t, groupZoneElement{EventID: "Zone_1", Guid: "z-1", Name: "Office"}, group.Zones[1])

	require.Len(t, group.Sources, 1)
	assert.Equal(t, sourceElement{Guid: "s-1", Name: "Player A", Fqn: "Player_A@D46A9160066E", SID: "20000"}, group.Sources[0])
}

func TestParseZoneGroupsEmptySourceSID(t *testing.T) {
	frame := `<ZoneGroups total="1"><ZoneGroup guid="g-1" name="Idle" mArt=""></ZoneGroup></ZoneGroups>`

	parsed, err := parseZoneGroups(frame)
	require.NoError(t, err)

	require.Len(t, parsed.Groups, 1)
	assert.Equal(t, "", parsed.Groups[0].SourceSID)
	assert.Equal(t, "", parsed.Groups[0].MediaArt)
}

func TestParseInstances(t *testing.T) {
	frame := `<Instances total="1" start="1" more="false">` +
		`<Instance name="Player_A" friendlyName="Player A" fqn="Player_A@D46A9160066E" ` +
		`m1="Money" m2="Pink Floyd" m3="The Dark Side of the Moon" m4="" ` +
		`mArt="http://host/art.jpg" gainMode="Fixed"/>` +
		`</Instances>`

	parsed, err := parseInstances(frame)
	require.NoError(t, err)

	require.Len(t, parsed.Instances, 1)
	assert.Equal(t, instanceElement{
		Name:         "Player_A",
		FriendlyName: "Player A",
		Fqn:          "Player_A@D46A9160066E",
		M1:           "Money",
		M2:           "Pink Floyd",
		M3:           "The Dark Side of the Moon",
		M4:           "",
		MediaArt:     "http://host/art.jpg",
		GainMode:     "Fixed",
	}, parsed.Instances[0])
}

func TestParseZonesMalformed(t *testing.T) {
	_, err := parseZones("<Zones total=")
	assert.Error(t, err)
}
