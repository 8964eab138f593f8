package mirage

import (
	"context"
	"fmt"
	"strings"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const mmsServiceType = "_mms._tcp"

// DiscoveredServer describes an appliance found via mDNS. The TXT record
// carries the license id, model sku and firmware version alongside the
// address, so a server can be identified before any connection is made.
type DiscoveredServer struct {
	Host    string
	Port    int
	Name    string
	UUID    string
	Version string
}

// Discover browses the local network for appliances until ctx is done and
// delivers every unique server found on the returned channel. The channel is
// closed when browsing ends.
func Discover(ctx context.Context, logger *zap.SugaredLogger) (<-chan DiscoveredServer, error) {
	logger = logger.Named("discovery")

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		logger.Warnw("Failed to initialize mDNS resolver", "error", err)
		return nil, fmt.Errorf("initialize mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	servers := make(chan DiscoveredServer)

	go func() {
		defer close(servers)

		seen := map[string]bool{}

		for entry := range entries {
			server, ok := serverFromEntry(entry)
			if !ok || seen[server.UUID] {
				continue
			}
			seen[server.UUID] = true

			logger.Infow("Discovered appliance",
				"name", server.Name,
				"host", server.Host,
				"port", server.Port,
				"uuid", server.UUID,
				"version", server.Version)

			select {
			case servers <- server:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, mmsServiceType, "local.", entries); err != nil {
		logger.Warnw("Failed to browse for appliances", "error", err)
		return nil, fmt.Errorf("browse for appliances: %w", err)
	}

	return servers, nil
}

// serverFromEntry extracts the appliance identity from an mDNS entry's
// address and TXT record. Entries without an address or a license id are
// not appliances we can use.
func serverFromEntry(entry *zeroconf.ServiceEntry) (DiscoveredServer, bool) {
	if entry == nil || len(entry.AddrIPv4) == 0 {
		return DiscoveredServer{}, false
	}

	server := DiscoveredServer{
		Host: entry.AddrIPv4[0].String(),
		Port: entry.Port,
	}

	for _, txt := range entry.Text {
		key, value, found := strings.Cut(txt, "=")
		if !found {
			continue
		}

		switch key {
		case "lid":
			// some firmwares wrap the license id in braces
			server.UUID = strings.Trim(value, "{}")
		case "sku":
			server.Name = value
		case "vers":
			server.Version = value
		}
	}

	if server.UUID == "" {
		return DiscoveredServer{}, false
	}

	return server, true
}
