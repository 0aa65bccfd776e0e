package build

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Ports finds listening ports in a range and releases ones a build left open.
type Ports struct {
	Start, End int
	// Probe reports whether a port is accepting connections.
	Probe func(port int) bool
	// Release frees a port.
	Release func(ctx context.Context, port int) error
}

// NewPorts probes the loopback interface and releases ports with releaseBin
// ("fuser" by default, invoked as "fuser -k <port>/tcp").
func NewPorts(start, end int, releaseBin string) *Ports {
	if releaseBin == "" {
		releaseBin = "fuser"
	}
	return &Ports{
		Start: start,
		End:   end,
		Probe: func(port int) bool {
			conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 200*time.Millisecond)
			if err != nil {
				return false
			}
			conn.Close()
			return true
		},
		Release: func(ctx context.Context, port int) error {
			out, err := exec.CommandContext(ctx, releaseBin, "-k", fmt.Sprintf("%d/tcp", port)).CombinedOutput()
			if err != nil {
				return fmt.Errorf("release port %d: %w: %s", port, err, strings.TrimSpace(string(out)))
			}
			return nil
		},
	}
}

// Open lists the listening ports in the range.
func (p *Ports) Open() map[int]bool {
	open := make(map[int]bool)
	if p == nil || p.Probe == nil {
		return open
	}
	for port := p.Start; port <= p.End; port++ {
		if p.Probe(port) {
			open[port] = true
		}
	}
	return open
}

// ReleaseNew frees ports open now that were not in before, returning the
// ports it released.
func (p *Ports) ReleaseNew(ctx context.Context, before map[int]bool) ([]int, error) {
	if p == nil || p.Release == nil {
		return nil, nil
	}
	var released []int
	var errs []string
	for port := p.Start; port <= p.End; port++ {
		if before[port] || !p.Probe(port) {
			continue
		}
		if err := p.Release(ctx, port); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		released = append(released, port)
	}
	if len(errs) > 0 {
		return released, errors.New(strings.Join(errs, "; "))
	}
	return released, nil
}
