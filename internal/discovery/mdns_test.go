package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestURLFromEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry *zeroconf.ServiceEntry
		want  string
		ok    bool
	}{
		{"nil", nil, "", false},
		{
			"ipv4 with path",
			&zeroconf.ServiceEntry{
				AddrIPv4: []net.IP{net.ParseIP("192.168.1.20")},
				Port:     8080,
				Text:     []string{"path=/ws"},
			},
			"ws://192.168.1.20:8080/ws", true,
		},
		{
			"ipv6 default path",
			&zeroconf.ServiceEntry{
				AddrIPv6: []net.IP{net.ParseIP("fe80::1")},
				Port:     9000,
			},
			"ws://[fe80::1]:9000/ws", true,
		},
		{
			"no address",
			&zeroconf.ServiceEntry{Port: 8080},
			"", false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := URLFromEntry(tt.entry)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Expected (%q, %v), got (%q, %v)", tt.want, tt.ok, got, ok)
			}
		})
	}
}
