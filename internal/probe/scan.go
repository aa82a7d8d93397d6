// Package probe performs active network reconnaissance: one-shot concurrent
// port scans and repeating TCP-based liveness probes. Individual connection
// failures are never surfaced as errors; they fold into a classification.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexuslabs/console/internal/monitoring"
)

// DefaultMaxPorts caps the port list of a single scan job unless the
// scanner is configured otherwise.
const DefaultMaxPorts = 100

// Port status classifications.
const (
	StatusOpen     = "open"
	StatusClosed   = "closed"
	StatusFiltered = "filtered"
)

var (
	ErrTooManyPorts = errors.New("too many ports requested")
	ErrNoPorts      = errors.New("no ports requested")
)

// ResolutionError aborts a whole scan job; no partial results accompany it.
type ResolutionError struct {
	Target string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %s: %v", e.Target, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// PortResult is the terminal classification of one port.
type PortResult struct {
	Port    int    `json:"port"`
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ScanReport is the complete result of one scan job: exactly one entry per
// requested port, sorted ascending.
type ScanReport struct {
	Target  string       `json:"target"`
	Addr    string       `json:"addr"`
	Results []PortResult `json:"results"`
}

// Scanner classifies TCP ports against a target.
type Scanner struct {
	DialTimeout time.Duration
	MaxPorts    int
	Resolver    *net.Resolver
	logger      zerolog.Logger
}

// NewScanner returns a scanner with the standard 2-second connect timeout
// and the default port-list cap.
func NewScanner(logger zerolog.Logger) *Scanner {
	return &Scanner{
		DialTimeout: 2 * time.Second,
		MaxPorts:    DefaultMaxPorts,
		logger:      logger.With().Str("component", "scanner").Logger(),
	}
}

// Scan resolves target once, probes every port concurrently, and returns
// the assembled report only after every attempt has settled. Successful
// connect means open, timeout means filtered, refusal or any other
// immediate error means closed.
func (s *Scanner) Scan(ctx context.Context, target string, ports []int) (*ScanReport, error) {
	if len(ports) == 0 {
		return nil, ErrNoPorts
	}
	if len(ports) > s.MaxPorts {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyPorts, len(ports), s.MaxPorts)
	}
	for _, p := range ports {
		if p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid port %d", p)
		}
	}

	addr, err := s.resolve(ctx, target)
	if err != nil {
		return nil, &ResolutionError{Target: target, Err: err}
	}

	start := time.Now()

	results := make([]PortResult, len(ports))
	var wg sync.WaitGroup
	for i, port := range ports {
		wg.Add(1)
		go func(i, port int) {
			defer wg.Done()
			results[i] = s.probePort(ctx, addr, port)
		}(i, port)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Port < results[j].Port })

	monitoring.ScansTotal.Inc()
	monitoring.ScanDuration.Observe(time.Since(start).Seconds())
	s.logger.Info().
		Str("target", target).
		Str("addr", addr).
		Int("ports", len(ports)).
		Dur("elapsed", time.Since(start)).
		Msg("Scan completed")

	return &ScanReport{Target: target, Addr: addr, Results: results}, nil
}

// resolve maps target to an IP address, skipping DNS for address literals.
func (s *Scanner) resolve(ctx context.Context, target string) (string, error) {
	if ip := net.ParseIP(target); ip != nil {
		return target, nil
	}

	resolver := s.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupHost(ctx, target)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", target)
	}
	return addrs[0], nil
}

func (s *Scanner) probePort(ctx context.Context, addr string, port int) PortResult {
	result := PortResult{Port: port, Service: ServiceName(port)}

	dialer := net.Dialer{Timeout: s.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	switch {
	case err == nil:
		conn.Close()
		result.Status = StatusOpen
	case isTimeout(err):
		result.Status = StatusFiltered
	default:
		result.Status = StatusClosed
	}
	return result
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
