package monitor

import (
	stdnet "net"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/net"
)

// FallbackIP is reported when no external IPv4 address is found.
const FallbackIP = "127.0.0.1"

// Identity is how an agent names itself to the server.
type Identity struct {
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
	OS       string `json:"os"`
	Platform string `json:"platform"`
}

func DetectIdentity() Identity {
	id := Identity{IP: FallbackIP}

	if info, err := host.Info(); err == nil {
		id.Hostname = info.Hostname
		id.OS = info.OS
		id.Platform = info.Platform
	}
	if id.Hostname == "" {
		id.Hostname, _ = os.Hostname()
	}

	if ifaces, err := net.Interfaces(); err == nil {
		if ip := FirstIPv4(ifaces); ip != "" {
			id.IP = ip
		}
	}
	return id
}

// FirstIPv4 returns the first non-loopback IPv4 address of an interface
// that is up, in interface order.
func FirstIPv4(ifaces net.InterfaceStatList) string {
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			ip := parseAddr(addr.Addr)
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				return v4.String()
			}
		}
	}
	return ""
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func parseAddr(s string) stdnet.IP {
	if ip, _, err := stdnet.ParseCIDR(s); err == nil {
		return ip
	}
	return stdnet.ParseIP(s)
}
