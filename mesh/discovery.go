package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	serviceType   = "_omnimesh._tcp"
	serviceDomain = "local."

	defaultBrowseCycle = 5 * time.Second
	defaultDeviceTTL   = 5 * time.Minute
)

// LANDevice is a discovery record for a peer advertised on the local
// network. Records are ephemeral: replaced on rediscovery and evicted on a
// goodbye event or TTL expiry.
type LANDevice struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	IP           string    `json:"ip"`
	Port         int       `json:"port"`
	IsHub        bool      `json:"is_hub"`
	Version      string    `json:"version"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Addr returns the dialable host:port for the device.
func (d LANDevice) Addr() string {
	return fmt.Sprintf("%s:%d", d.IP, d.Port)
}

type deviceEventKind int

const (
	deviceFound deviceEventKind = iota
	deviceLost
)

// deviceEvent is the only way discovery results reach the service. mDNS
// callbacks never touch the discovered map; they feed this channel and a
// single run loop consumes it.
type deviceEvent struct {
	kind   deviceEventKind
	device LANDevice
}

// advertiser wraps the zeroconf registration for hub mode.
type advertiser struct {
	server *zeroconf.Server
}

// advertise registers this node on the LAN. TXT attributes carry the stable
// identity fields browsers need before any connection is made.
func advertise(instance, peerID, version string, port int, isHub bool) (*advertiser, error) {
	txt := []string{
		"id=" + peerID,
		"name=" + instance,
		"version=" + version,
		"is_hub=" + strconv.FormatBool(isHub),
	}
	server, err := zeroconf.Register(instance, serviceType, serviceDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	return &advertiser{server: server}, nil
}

func (a *advertiser) shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
}

// browseLoop runs repeated browse cycles until the context is cancelled,
// translating zeroconf entries into device events. selfID filters our own
// advertisement out of the results.
func browseLoop(ctx context.Context, selfID string, cycle time.Duration, events chan<- deviceEvent, logger *slog.Logger) {
	if cycle <= 0 {
		cycle = defaultBrowseCycle
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			logger.Warn("mdns resolver unavailable", slog.Any("error", err))
			if !sleepCtx(ctx, cycle) {
				return
			}
			continue
		}

		entries := make(chan *zeroconf.ServiceEntry, 32)
		browseCtx, cancel := context.WithTimeout(ctx, cycle)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for entry := range entries {
				event, ok := entryToEvent(entry, selfID)
				if !ok {
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}()

		if err := resolver.Browse(browseCtx, serviceType, serviceDomain, entries); err != nil {
			logger.Warn("mdns browse failed", slog.Any("error", err))
		}
		<-done
		cancel()

		if !sleepCtx(ctx, cycle) {
			return
		}
	}
}

// entryToEvent converts a zeroconf result into a found or lost event. A TTL
// of zero is a goodbye packet.
func entryToEvent(entry *zeroconf.ServiceEntry, selfID string) (deviceEvent, bool) {
	if entry == nil {
		return deviceEvent{}, false
	}
	txt := parseTXT(entry.Text)
	id := txt["id"]
	if id == "" {
		id = entry.Instance
	}
	if id == "" || id == selfID {
		return deviceEvent{}, false
	}

	device := LANDevice{
		ID:           id,
		Name:         firstNonEmpty(txt["name"], entry.Instance),
		Port:         entry.Port,
		IsHub:        txt["is_hub"] == "true",
		Version:      txt["version"],
		DiscoveredAt: time.Now(),
	}
	switch {
	case len(entry.AddrIPv4) > 0:
		device.IP = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		device.IP = entry.AddrIPv6[0].String()
	}

	if entry.TTL == 0 {
		return deviceEvent{kind: deviceLost, device: device}, true
	}
	if device.IP == "" {
		return deviceEvent{}, false
	}
	return deviceEvent{kind: deviceFound, device: device}, true
}

// parseTXT converts zeroconf TXT records into a key/value map.
func parseTXT(records []string) map[string]string {
	values := make(map[string]string, len(records))
	for _, record := range records {
		if record == "" {
			continue
		}
		if eq := strings.IndexByte(record, '='); eq >= 0 {
			key := strings.TrimSpace(record[:eq])
			if key != "" {
				values[key] = strings.TrimSpace(record[eq+1:])
			}
			continue
		}
		values[strings.TrimSpace(record)] = ""
	}
	return values
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// sleepCtx waits for d or until ctx is done; false means cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
