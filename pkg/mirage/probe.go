package mirage

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Appliances older than this predate the list-mode XML protocol
const minVersionRequired = "6.1.20180215.0"

// ErrVersionTooOld means the appliance firmware predates the protocol
// features this client depends on. Fatal for that device; surfaced to setup.
var ErrVersionTooOld = errors.New("appliance firmware below minimum required version")

const licenseIDMarker = "<!-- LID:"

// deviceDescription is the UPnP device description served on the HTTP port
type deviceDescription struct {
	XMLName xml.Name `xml:"root"`
	Device  struct {
		FriendlyName string `xml:"friendlyName"`
		ModelNumber  string `xml:"modelNumber"`
		UDN          string `xml:"UDN"`
	} `xml:"device"`
}

type systemSettingsModel struct {
	Configured []struct {
		ID          int    `json:"Id"`
		DeviceType  string `json:"DeviceType"`
		DeviceModel string `json:"DeviceModel"`
		Zones       string `json:"Zones"`
	} `json:"Configured"`
}

type serverDetailsModel struct {
	Outputs []struct {
		Name      string `json:"Name"`
		IsEnabled bool   `json:"IsEnabled"`
	} `json:"Outputs"`
}

// CheckConnection probes the appliance over HTTP before any control
// connection is opened: identity (license GUID or UPnP UDN), friendly name,
// firmware version gate, and topology (standalone player stack vs MRAD
// amplifier rack with its zone range). Must succeed once before Connect.
func (c *Controller) CheckConnection(ctx context.Context) error {
	c.logger.Debugw("Testing connection", "host", c.host)

	body, err := c.httpGet(ctx, fmt.Sprintf("http://%s:%d/upnp/DevDesc/0.xml", c.host, c.httpPort))
	if err != nil {
		return fmt.Errorf("fetch device description: %w", err)
	}

	var desc deviceDescription
	if err := xml.Unmarshal(body, &desc); err != nil {
		return fmt.Errorf("unmarshal device description: %w", err)
	}

	// the license GUID is the appliance's stable unique id; fall back to
	// the UPnP UDN when the description carries no license comment
	if idx := strings.Index(string(body), licenseIDMarker); idx >= 0 && len(body) >= idx+len(licenseIDMarker)+36 {
		c.uuid = string(body[idx+len(licenseIDMarker) : idx+len(licenseIDMarker)+36])
	} else if udn := desc.Device.UDN; len(udn) >= 5+36 {
		c.uuid = udn[5 : 5+36]
	}

	c.name = desc.Device.FriendlyName
	c.version = desc.Device.ModelNumber

	c.logger.Debugw("Probed device description",
		"uuid", c.uuid,
		"name", c.name,
		"version", c.version)

	if err := checkMinVersion(c.version); err != nil {
		c.logger.Errorw("Appliance firmware too old",
			"host", c.host,
			"version", c.version,
			"minRequired", minVersionRequired)
		return err
	}

	return c.probeTopology(ctx)
}

// probeTopology decides standalone vs MRAD and enumerates the configured
// zone indices / instance names
func (c *Controller) probeTopology(ctx context.Context) error {
	body, err := c.httpGet(ctx, fmt.Sprintf("http://%s:%d/MirageCfg/jsonModel?t=SystemSettingsModel&_=1", c.host, c.webPort))
	if err != nil {
		return fmt.Errorf("fetch system settings model: %w", err)
	}

	var settings systemSettingsModel
	if err := json.Unmarshal(body, &settings); err != nil {
		return fmt.Errorf("unmarshal system settings model: %w", err)
	}

	c.mode = ModeStandalone

	for _, item := range settings.Configured {
		switch item.DeviceType {
		case "MMS":
			c.logger.Debugw("MMS found in stack", "id", item.ID)

			body, err := c.httpGet(ctx, fmt.Sprintf("http://%s:%d/MirageCfg/jsonModel?t=ServerDetailsModel&id=%d&_=1", c.host, c.webPort, item.ID))
			if err != nil {
				return fmt.Errorf("fetch server details model: %w", err)
			}

			var details serverDetailsModel
			if err := json.Unmarshal(body, &details); err != nil {
				return fmt.Errorf("unmarshal server details model: %w", err)
			}

			for _, output := range details.Outputs {
				if output.IsEnabled {
					c.instances = append(c.instances, output.Name)
					c.logger.Debugw("Found instance", "name", output.Name)
				}
			}

		case "AMP":
			c.mode = ModeMultiRoomAmp
			c.logger.Debugw("Found amplifier", "model", item.DeviceModel, "zones", item.Zones)

			from, to, err := parseZoneRange(item.Zones)
			if err != nil {
				return fmt.Errorf("parse amplifier zone range: %w", err)
			}

			for i := from; i <= to; i++ {
				c.zones = append(c.zones, i)
			}
		}
	}

	sort.Ints(c.zones)
	c.logger.Debugw("Topology probe succeeded", "mode", c.mode, "zones", c.zones, "instances", c.instances)

	return nil
}

func (c *Controller) httpGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: unexpected status %s", url, res.Status)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return body, nil
}

// checkMinVersion gates on the model number. Debug builds skip the gate;
// otherwise anything after the first space (build metadata) is ignored.
func checkMinVersion(version string) error {
	if strings.Contains(version, "Debug") {
		return nil
	}

	if idx := strings.Index(version, " "); idx >= 0 {
		version = version[:idx]
	}

	current, err := goversion.NewVersion(version)
	if err != nil {
		return fmt.Errorf("parse appliance version %q: %w", version, err)
	}

	minimum, err := goversion.NewVersion(minVersionRequired)
	if err != nil {
		return fmt.Errorf("parse minimum version: %w", err)
	}

	if current.LessThan(minimum) {
		return ErrVersionTooOld
	}

	return nil
}

// parseZoneRange parses the amplifier's "<from>-<to>" zone range string
func parseZoneRange(zones string) (int, int, error) {
	splits := strings.SplitN(zones, "-", 2)
	if len(splits) != 2 {
		return 0, 0, fmt.Errorf("malformed zone range %q", zones)
	}

	from, err := strconv.Atoi(strings.TrimSpace(splits[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("malformed zone range %q: %w", zones, err)
	}

	to, err := strconv.Atoi(strings.TrimSpace(splits[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("malformed zone range %q: %w", zones, err)
	}

	return from, to, nil
}
