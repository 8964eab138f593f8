package mirage

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDevDesc = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
<!-- LID:12345678-1234-1234-1234-123456789abc -->
<device>
<friendlyName>Mirage-1</friendlyName>
<modelNumber>6.1.20200101.0</modelNumber>
<UDN>uuid:87654321-4321-4321-4321-cba987654321</UDN>
</device>
</root>`

const testDevDescNoLID = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
<device>
<friendlyName>Mirage-1</friendlyName>
<modelNumber>6.1.20200101.0</modelNumber>
<UDN>uuid:87654321-4321-4321-4321-cba987654321</UDN>
</device>
</root>`

// probeController points a fresh controller at a fake appliance
func probeController(t *testing.T, handler http.Handler) *Controller {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	parsed, err := url.Parse(server.URL)
	require.NoError(t, err)

	host, portStr, err := net.SplitHostPort(parsed.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := NewController(zap.NewNop().Sugar(), Settings{Host: host, Port: 5004, HTTPPort: port})
	c.webPort = port

	return c
}

func applianceHandler(devDesc string, settingsJSON string, detailsJSON string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/upnp/DevDesc/0.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(devDesc))
	})

	mux.HandleFunc("/MirageCfg/jsonModel", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("t") {
		case "SystemSettingsModel":
			_, _ = w.Write([]byte(settingsJSON))
		case "ServerDetailsModel":
			_, _ = w.Write([]byte(detailsJSON))
		default:
			http.NotFound(w, r)
		}
	})

	return mux
}

func TestCheckConnectionMRAD(t *testing.T) {
	settings := `{"Configured":[{"Id":1,"DeviceType":"AMP","DeviceModel":"MRAD-8","Zones":"1-6"}]}`
	c := probeController(t, applianceHandler(testDevDesc, settings, ""))

	require.NoError(t, c.CheckConnection(context.Background()))

	assert.Equal(t, "12345678-1234-1234-1234-123456789abc", c.UUID())
	assert.Equal(t, "Mirage-1", c.Name())
	assert.Equal(t, "6.1.20200101.0", c.Version())
	assert.Equal(t, ModeMultiRoomAmp, c.Mode())
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, c.ZoneIndices())
	assert.Empty(t, c.Instances())
}

func TestCheckConnectionStandalone(t *testing.T) {
	settings := `{"Configured":[{"Id":2,"DeviceType":"MMS","DeviceModel":"MMS-5A"}]}`
	details := `{"Outputs":[{"Name":"Player_A","IsEnabled":true},{"Name":"Player_B","IsEnabled":false},{"Name":"Player_C","IsEnabled":true}]}`
	c := probeController(t, applianceHandler(testDevDesc, settings, details))

	require.NoError(t, c.CheckConnection(context.Background()))

	assert.Equal(t, ModeStandalone, c.Mode())
	assert.Equal(t, []string{"Player_A", "Player_C"}, c.Instances(), "disabled outputs must be skipped")
	assert.Empty(t, c.ZoneIndices())
}

func TestCheckConnectionUUIDFallsBackToUDN(t *testing.T) {
	settings := `{"Configured":[]}`
	c := probeController(t, applianceHandler(testDevDescNoLID, settings, ""))

	require.NoError(t, c.CheckConnection(context.Background()))

	assert.Equal(t, "87654321-4321-4321-4321-cba987654321", c.UUID())
}

func TestCheckConnectionRejectsOldFirmware(t *testing.T) {
	old := `<?xml version="1.0"?>
<root><device>
<friendlyName>Mirage-1</friendlyName>
<modelNumber>5.0.20150101.0</modelNumber>
<UDN>uuid:87654321-4321-4321-4321-cba987654321</UDN>
</device></root>`

	c := probeController(t, applianceHandler(old, "{}", ""))

	err := c.CheckConnection(context.Background())
	require.ErrorIs(t, err, ErrVersionTooOld)
}

func TestCheckConnectionUnreachable(t *testing.T) {
	c := NewController(zap.NewNop().Sugar(), Settings{Host: "127.0.0.1", Port: 5004, HTTPPort: 1})

	err := c.CheckConnection(context.Background())
	assert.Error(t, err)
}

func TestCheckMinVersion(t *testing.T) {
	tests := []struct {
		name       string
		version    string
		wantErr    bool
		wantTooOld bool
	}{
		{name: "new enough", version: "6.1.20200101.0"},
		{name: "exactly minimum", version: "6.1.20180215.0"},
		{name: "too old", version: "6.1.20170101.0", wantErr: true, wantTooOld: true},
		{name: "debug build skips the gate", version: "6.0.0 Debug"},
		{name: "build metadata ignored", version: "6.1.20200101.0 beta4"},
		{name: "garbage", version: "not-a-version", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkMinVersion(tt.version)

			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			if tt.wantTooOld {
				assert.ErrorIs(t, err, ErrVersionTooOld)
			}
		})
	}
}

func TestParseZoneRange(t *testing.T) {
	from, to, err := parseZoneRange("1-6")
	require.NoError(t, err)
	assert.Equal(t, 1, from)
	assert.Equal(t, 6, to)

	_, _, err = parseZoneRange("everything")
	assert.Error(t, err)

	_, _, err = parseZoneRange("a-b")
	assert.Error(t, err)
}
