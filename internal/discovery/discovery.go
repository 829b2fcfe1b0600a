// Package discovery advertises the coordinator on the local network
// over mDNS and lets seats find it without a configured URL.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_rtpc._tcp"
	Domain  = "local."

	// PathKey is the TXT record naming the websocket path.
	PathKey = "path"
)

// ErrNotFound means browsing ended without a usable coordinator.
var ErrNotFound = errors.New("discovery: no coordinator found")

// Advertiser is a registered mDNS service.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the coordinator listening on port. An empty
// instance name is derived from the hostname.
func Advertise(instance string, port int, path string) (*Advertiser, error) {
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("rtpc-%s", host)
	}
	server, err := zeroconf.Register(instance, Service, Domain, port, []string{"txtv=0", PathKey + "=" + path}, nil)
	if err != nil {
		return nil, fmt.Errorf("registering mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertiser) Shutdown() { a.server.Shutdown() }

// PortOf extracts the port from a listen address such as ":8081".
func PortOf(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}

// EntryURL builds the websocket URL for a browse result.
func EntryURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port == 0 {
		return "", false
	}
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return "", false
	}
	path := "/ws"
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, PathKey+"="); ok && v != "" {
			path = v
		}
	}
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(entry.Port)), Path: path}
	return u.String(), true
}

// Browse returns the URL of the first coordinator seen before ctx is
// done.
func Browse(ctx context.Context, logger *slog.Logger) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("initializing mDNS resolver: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", fmt.Errorf("browsing for %s: %w", Service, err)
	}
	for {
		select {
		case <-ctx.Done():
			return "", ErrNotFound
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if u, ok := EntryURL(entry); ok {
				logger.Info("coordinator discovered", "instance", entry.Instance, "url", u)
				return u, nil
			}
		}
	}
}
