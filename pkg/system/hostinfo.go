package system

import (
	"fmt"
	"net"
	"os"
	"runtime"
)

// HostName returns the machine's host name, or "unknown" if the OS won't say.
func HostName() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

// OSDescription returns a short human-readable platform string.
func OSDescription() string {
	return fmt.Sprintf("%s/%s (go %s)", runtime.GOOS, runtime.GOARCH, runtime.Version())
}

// LocalAddress reports the outbound IP this host would use to reach the
// given destination. The dial sends nothing; it only makes the kernel pick
// an interface.
func LocalAddress(destination string) string {
	conn, err := net.Dial("udp", net.JoinHostPort(destination, "1"))
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// ProcessMemory returns the bytes of memory obtained from the OS by this
// process, as reported by the Go runtime.
func ProcessMemory() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.Sys
}
