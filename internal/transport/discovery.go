package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"
)

// Candidate is a printer found by a discovery source but not yet connected.
type Candidate struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	Address string `json:"address"`
}

// Discoverer enumerates attached printers.
//
// Discover must return promptly when ctx is cancelled. It may return
// candidates together with a non-nil error when some of the scan failed.
type Discoverer interface {
	Discover(ctx context.Context) ([]Candidate, error)
}

// DiscovererFunc adapts a function to the Discoverer interface.
type DiscovererFunc func(ctx context.Context) ([]Candidate, error)

// Discover calls f.
func (f DiscovererFunc) Discover(ctx context.Context) ([]Candidate, error) { return f(ctx) }

// SerialID derives the device identifier for a serial port path.
func SerialID(port string) string {
	return "usb-" + filepath.Base(port)
}

// NetworkID derives the device identifier for a network address.
func NetworkID(address string) string {
	return "net-" + address
}

// SerialDiscoverer finds USB serial printers.
//
// If the detector executable exists in BinariesDir it is run and each
// non-empty output line is taken as a port path. Otherwise the system's
// serial ports are listed and filtered by Patterns.
type SerialDiscoverer struct {
	BinariesDir string
	Detector    string
	Patterns    []string

	// listPorts enumerates serial ports. Defaults to serial.GetPortsList.
	listPorts func() ([]string, error)
}

// NewSerialDiscoverer creates a serial discoverer.
//
// Parameters:
//   - binariesDir: Directory holding helper executables
//   - detector: Detector executable name within binariesDir (may be empty)
//   - patterns: Glob patterns for the fallback port scan
func NewSerialDiscoverer(binariesDir, detector string, patterns []string) *SerialDiscoverer {
	return &SerialDiscoverer{
		BinariesDir: binariesDir,
		Detector:    detector,
		Patterns:    patterns,
		listPorts:   serial.GetPortsList,
	}
}

// Discover implements Discoverer.
func (d *SerialDiscoverer) Discover(ctx context.Context) ([]Candidate, error) {
	ports, err := d.ports(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(ports))
	for _, port := range ports {
		candidates = append(candidates, Candidate{
			ID:      SerialID(port),
			Kind:    KindSerial,
			Address: port,
		})
	}
	return candidates, nil
}

func (d *SerialDiscoverer) ports(ctx context.Context) ([]string, error) {
	if d.Detector != "" {
		path := filepath.Join(d.BinariesDir, d.Detector)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return runDetector(ctx, path)
		}
	}

	list := d.listPorts
	if list == nil {
		list = serial.GetPortsList
	}
	all, err := list()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}

	var matched []string
	for _, port := range all {
		for _, pattern := range d.Patterns {
			if ok, _ := filepath.Match(pattern, port); ok {
				matched = append(matched, port)
				break
			}
		}
	}
	sort.Strings(matched)
	return matched, nil
}

// runDetector executes the detector and parses one port per output line.
func runDetector(ctx context.Context, path string) ([]string, error) {
	cmd := exec.CommandContext(ctx, path) //nolint:gosec // path comes from operator configuration
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("running detector %s: %w", path, err)
	}

	var ports []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			ports = append(ports, line)
		}
	}
	return ports, scanner.Err()
}

// NetworkDiscoverer reports configured network printers that accept a TCP
// connection within ProbeTimeout. Unreachable printers are simply absent.
type NetworkDiscoverer struct {
	Addresses    []string
	ProbeTimeout time.Duration
}

// Discover implements Discoverer.
func (d *NetworkDiscoverer) Discover(ctx context.Context) ([]Candidate, error) {
	timeout := d.ProbeTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	reachable := make([]bool, len(d.Addresses))
	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range d.Addresses {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			var dialer net.Dialer
			c, err := dialer.DialContext(probeCtx, "tcp", addr)
			if err != nil {
				return nil
			}
			c.Close()
			reachable[i] = true
			return nil
		})
	}
	g.Wait() //nolint:errcheck // probes never return errors
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var candidates []Candidate
	for i, addr := range d.Addresses {
		if reachable[i] {
			candidates = append(candidates, Candidate{ID: NetworkID(addr), Kind: KindTCP, Address: addr})
		}
	}
	return candidates, nil
}

// StaticDiscoverer always reports the same candidates. Used for simulated
// printers and in tests.
type StaticDiscoverer struct {
	mu         sync.RWMutex
	candidates []Candidate
}

// NewStaticDiscoverer creates a discoverer for a fixed candidate set.
func NewStaticDiscoverer(candidates ...Candidate) *StaticDiscoverer {
	return &StaticDiscoverer{candidates: candidates}
}

// Set replaces the reported candidates.
func (d *StaticDiscoverer) Set(candidates ...Candidate) {
	d.mu.Lock()
	d.candidates = candidates
	d.mu.Unlock()
}

// Discover implements Discoverer.
func (d *StaticDiscoverer) Discover(ctx context.Context) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Candidate, len(d.candidates))
	copy(out, d.candidates)
	return out, nil
}

// MultiDiscoverer runs several sources concurrently and merges their
// results. Candidates are de-duplicated by ID, keeping the first source's
// entry. A failing source does not hide the others' results.
type MultiDiscoverer struct {
	Sources []Discoverer
}

// Discover implements Discoverer.
func (m *MultiDiscoverer) Discover(ctx context.Context) ([]Candidate, error) {
	results := make([][]Candidate, len(m.Sources))
	errs := make([]error, len(m.Sources))

	var g errgroup.Group
	for i, src := range m.Sources {
		g.Go(func() error {
			results[i], errs[i] = src.Discover(ctx)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // errors are collected per source

	seen := make(map[string]bool)
	var merged []Candidate
	for _, found := range results {
		for _, c := range found {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			merged = append(merged, c)
		}
	}
	return merged, errors.Join(errs...)
}
