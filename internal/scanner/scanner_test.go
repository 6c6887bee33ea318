package scanner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tagsync/internal/device"
)

type fakeProber struct {
	mu      sync.Mutex
	devices map[string]device.Info
	calls   atomic.Int32
	active  atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
}

func (p *fakeProber) Probe(ctx context.Context, ip string) (device.Info, error) {
	p.calls.Add(1)
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}

	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return device.Info{}, ctx.Err()
		case <-time.After(p.delay):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.devices[ip]
	if !ok {
		return device.Info{}, errors.New("connection refused")
	}
	info.IP = ip
	return info, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTargets(t *testing.T) {
	got := Targets("10.0.0.", 1, 3)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, got)
	assert.Len(t, Targets("192.168.68.", 1, 255), 255)
	assert.Empty(t, Targets("10.0.0.", 5, 4))
}

func TestScan_CollectsAnsweringHosts(t *testing.T) {
	prober := &fakeProber{devices: map[string]device.Info{
		"10.0.0.20": {ClientID: "B2", Name: "Dev2"},
		"10.0.0.5":  {ClientID: "A1", Name: "Dev1"},
	}}
	s := New(prober, Config{Workers: 4, ProbeTimeout: time.Second}, quietLogger())

	got, err := s.Scan(context.Background(), Targets("10.0.0.", 1, 30))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "10.0.0.5", got[0].IP)
	assert.Equal(t, "A1", got[0].ClientID)
	assert.Equal(t, "10.0.0.20", got[1].IP)
	assert.Equal(t, int32(30), prober.calls.Load())
}

func TestScan_BoundedConcurrency(t *testing.T) {
	prober := &fakeProber{devices: map[string]device.Info{}, delay: 5 * time.Millisecond}
	s := New(prober, Config{Workers: 3}, quietLogger())

	got, err := s.Scan(context.Background(), Targets("10.0.0.", 1, 24))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.LessOrEqual(t, prober.peak.Load(), int32(3))
}

func TestScan_DuplicateClientKeepsLowestAddress(t *testing.T) {
	prober := &fakeProber{devices: map[string]device.Info{
		"10.0.0.100": {ClientID: "A1", Name: "clone"},
		"10.0.0.9":   {ClientID: "A1", Name: "original"},
	}}
	s := New(prober, Config{Workers: 2}, quietLogger())

	got, err := s.Scan(context.Background(), Targets("10.0.0.", 1, 120))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.9", got[0].IP)
	assert.Equal(t, "original", got[0].Name)
}

func TestScan_ProbeTimeout(t *testing.T) {
	prober := &fakeProber{
		devices: map[string]device.Info{"10.0.0.1": {ClientID: "A1", Name: "slow"}},
		delay:   time.Second,
	}
	s := New(prober, Config{Workers: 1, ProbeTimeout: 10 * time.Millisecond}, quietLogger())

	got, err := s.Scan(context.Background(), []string{"10.0.0.1"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestScan_Cancelled(t *testing.T) {
	prober := &fakeProber{devices: map[string]device.Info{}}
	s := New(prober, Config{Workers: 2}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Scan(ctx, Targets("10.0.0.", 1, 255))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompareAddr(t *testing.T) {
	assert.Negative(t, compareAddr("10.0.0.9", "10.0.0.10"))
	assert.Negative(t, compareAddr("127.0.0.1:80", "127.0.0.1:8080"))
	assert.Negative(t, compareAddr("10.0.0.1", "bogus"))
	assert.Zero(t, compareAddr("x", "x"))
}
