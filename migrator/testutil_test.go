package migrator

import (
	"net"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

// startMiniredis starts an in-process Redis server for a test and returns
// it along with a ConnectionConfig pointing at it. Using miniredis (as the
// pack's jordigilh-kubernaut example does) lets the bulk scanner,
// replicator and subscriber tests run against a real SCAN/TYPE/TTL
// implementation instead of hand-rolled mocks.
func startMiniredis(t *testing.T) (*miniredis.Miniredis, ConnectionConfig) {
	t.Helper()

	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	host, portStr, err := net.SplitHostPort(m.Addr())
	if err != nil {
		t.Fatalf("failed to split miniredis addr %q: %v", m.Addr(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("failed to parse miniredis port %q: %v", portStr, err)
	}

	return m, ConnectionConfig{Host: host, Port: port}
}
