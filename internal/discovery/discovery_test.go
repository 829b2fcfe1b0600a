package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestEntryURL(t *testing.T) {
	entry := zeroconf.NewServiceEntry("rtpc-stage", Service, Domain)
	entry.Port = 8081
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Text = []string{"txtv=0", "path=/ws"}

	got, ok := EntryURL(entry)
	if !ok || got != "ws://192.168.1.20:8081/ws" {
		t.Fatalf("EntryURL = %q, %v", got, ok)
	}

	entry.AddrIPv4 = nil
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	entry.Text = nil
	got, ok = EntryURL(entry)
	if !ok || got != "ws://[fe80::1]:8081/ws" {
		t.Fatalf("EntryURL(v6) = %q, %v", got, ok)
	}

	entry.AddrIPv6 = nil
	if _, ok := EntryURL(entry); ok {
		t.Fatal("EntryURL accepted an entry with no address")
	}
}

func TestPortOf(t *testing.T) {
	for addr, want := range map[string]int{":8081": 8081, "0.0.0.0:9000": 9000} {
		got, err := PortOf(addr)
		if err != nil || got != want {
			t.Fatalf("PortOf(%q) = %d, %v", addr, got, err)
		}
	}
	if _, err := PortOf("8081"); err == nil {
		t.Fatal("PortOf accepted an address without a colon")
	}
}
