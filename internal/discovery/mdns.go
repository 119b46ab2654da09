package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	Service = "_afteryou._tcp"
	Domain  = "local."

	pathKey = "path="
)

var ErrNotFound = errors.New("no gateway found on the local network")

// Advertise registers this gateway on the LAN. Call Shutdown on the result
// when the server stops.
func Advertise(port int, wsPath string, logger zerolog.Logger) (*zeroconf.Server, error) {
	host, _ := os.Hostname()
	instance := fmt.Sprintf("afteryou-%s", host)

	server, err := zeroconf.Register(instance, Service, Domain, port, []string{pathKey + wsPath}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}

	logger.Info().Str("instance", instance).Int("port", port).Msg("mDNS service registered")
	return server, nil
}

// Lookup browses for a gateway and returns the websocket URL of the first
// one that answers within timeout.
func Lookup(ctx context.Context, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ErrNotFound
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if url, ok := URLFromEntry(entry); ok {
				return url, nil
			}
		}
	}
}

// URLFromEntry builds ws://host:port/path from a resolved entry, preferring
// IPv4.
func URLFromEntry(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port == 0 {
		return "", false
	}

	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return "", false
	}

	path := "/ws"
	for _, txt := range entry.Text {
		if strings.HasPrefix(txt, pathKey) {
			path = strings.TrimPrefix(txt, pathKey)
		}
	}

	host := net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))
	return "ws://" + host + path, true
}
