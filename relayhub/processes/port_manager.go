package processes

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// PortManager hands out loopback TCP ports from a fixed range to processes declared with
// allocate_port.
type PortManager struct {
	mu            sync.Mutex
	minPort       int
	maxPort       int
	allocated     map[int]bool
	nextCandidate int
}

// NewPortManager creates a PortManager for the inclusive range [minPort, maxPort].
func NewPortManager(minPort, maxPort int) (*PortManager, error) {
	if minPort <= 0 || maxPort > 65535 || minPort > maxPort {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	return &PortManager{
		minPort:       minPort,
		maxPort:       maxPort,
		allocated:     make(map[int]bool),
		nextCandidate: minPort,
	}, nil
}

// AllocatePort returns a port in the range that is neither handed out nor bound on the
// loopback interface.
func (pm *PortManager) AllocatePort() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for tried := 0; tried <= pm.maxPort-pm.minPort; tried++ {
		port := pm.nextCandidate
		pm.nextCandidate++
		if pm.nextCandidate > pm.maxPort {
			pm.nextCandidate = pm.minPort
		}
		if pm.allocated[port] {
			continue
		}

		// Check if the port is actually free by listening on it
		l, err := net.Listen("tcp", net.JoinHostPort(loopbackHost, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		l.Close()
		pm.allocated[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("no available ports in range [%d-%d]", pm.minPort, pm.maxPort)
}

// ReleasePort makes a port available again. Unknown ports are ignored.
func (pm *PortManager) ReleasePort(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.allocated, port)
}

// Allocated returns how many ports are currently handed out.
func (pm *PortManager) Allocated() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.allocated)
}
