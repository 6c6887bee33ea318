// Package scanner sweeps an IPv4 range for price-tag devices.
package scanner

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/jmylchreest/tagsync/internal/device"
	"github.com/jmylchreest/tagsync/internal/observability"
)

const defaultConcurrencyMultiplier = 2

// Prober identifies the device at one address.
type Prober interface {
	Probe(ctx context.Context, ip string) (device.Info, error)
}

// Config configures a Scanner.
type Config struct {
	Workers      int
	ProbeTimeout time.Duration
}

// Scanner probes candidate hosts with a bounded worker pool.
type Scanner struct {
	prober Prober
	config Config
	logger *slog.Logger
}

// New creates a scanner.
func New(prober Prober, cfg Config, logger *slog.Logger) *Scanner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		prober: prober,
		config: cfg,
		logger: observability.WithComponent(logger, "scanner"),
	}
}

// Targets expands a three-octet prefix such as "192.168.68." into one
// address per host suffix in [start, end].
func Targets(baseIP string, start, end int) []string {
	if start > end {
		return nil
	}
	targets := make([]string, 0, end-start+1)
	for h := start; h <= end; h++ {
		targets = append(targets, fmt.Sprintf("%s%d", baseIP, h))
	}
	return targets
}

// Scan probes every target and returns the devices that answered, ordered by
// address. Hosts that fail to answer are skipped silently. When two hosts
// report the same client id the lower address is kept.
func (s *Scanner) Scan(ctx context.Context, targets []string) ([]device.Info, error) {
	if len(targets) == 0 {
		return nil, nil
	}

	start := time.Now()
	resultCh := make(chan device.Info, len(targets))
	workCh := make(chan string, s.config.Workers*defaultConcurrencyMultiplier)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, workCh, resultCh)
		}()
	}

	go func() {
		defer close(workCh)
		for _, t := range targets {
			select {
			case <-ctx.Done():
				return
			case workCh <- t:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var found []device.Info
	for info := range resultCh {
		found = append(found, info)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sweep interrupted: %w", err)
	}

	devices := dedupe(found, s.logger)
	s.logger.Info("network sweep completed",
		slog.Int("targets", len(targets)),
		slog.Int("devices", len(devices)),
		slog.Duration("duration", time.Since(start)),
	)
	return devices, nil
}

func (s *Scanner) worker(ctx context.Context, workCh <-chan string, resultCh chan<- device.Info) {
	for ip := range workCh {
		info, ok := s.probe(ctx, ip)
		if !ok {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case resultCh <- info:
		}
	}
}

func (s *Scanner) probe(ctx context.Context, ip string) (device.Info, bool) {
	probeCtx := ctx
	if s.config.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, s.config.ProbeTimeout)
		defer cancel()
	}

	info, err := s.prober.Probe(probeCtx, ip)
	if err != nil {
		return device.Info{}, false
	}
	s.logger.Debug("device answered",
		slog.String("ip", ip),
		slog.String("client_id", info.ClientID),
		slog.String("name", info.Name),
	)
	return info, true
}

// dedupe orders devices by address and drops later duplicates of a client id.
func dedupe(found []device.Info, logger *slog.Logger) []device.Info {
	slices.SortFunc(found, func(a, b device.Info) int { return compareAddr(a.IP, b.IP) })

	seen := make(map[string]string, len(found))
	out := found[:0]
	for _, info := range found {
		if first, ok := seen[info.ClientID]; ok {
			logger.Warn("duplicate client id on network",
				slog.String("client_id", info.ClientID),
				slog.String("kept_ip", first),
				slog.String("ignored_ip", info.IP),
			)
			continue
		}
		seen[info.ClientID] = info.IP
		out = append(out, info)
	}
	return out
}

// compareAddr orders addresses numerically, with ports as a tiebreak;
// anything unparseable sorts lexically after real addresses.
func compareAddr(a, b string) int {
	pa, errA := parseAddrPort(a)
	pb, errB := parseAddrPort(b)
	switch {
	case errA == nil && errB == nil:
		return pa.Compare(pb)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	default:
		return cmp.Compare(a, b)
	}
}

func parseAddrPort(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, 0), nil
}
