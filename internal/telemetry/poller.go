// Package telemetry reads machine runtimes from networked hour meters.
//
// Each meter serves an XML document whose first <hours> element holds
// "|"-separated cumulative runtimes, one field per attached machine.
package telemetry

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"hourwatch/internal/catalog"
	"hourwatch/internal/core"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultConcurrency = 4

	maxBodyBytes = 1 << 20
)

// ErrNoHours means the document had no <hours> element.
var ErrNoHours = errors.New("no <hours> element")

// Options tunes a Poller. Zero values select the defaults.
type Options struct {
	Timeout     time.Duration
	Concurrency int
	Client      *http.Client
}

// Poller reads every configured device concurrently.
type Poller struct {
	devices     []catalog.Device
	client      *http.Client
	timeout     time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewPoller creates a poller for devices.
func NewPoller(devices []catalog.Device, opts Options, logger *slog.Logger) *Poller {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		devices:     devices,
		client:      opts.Client,
		timeout:     opts.Timeout,
		concurrency: opts.Concurrency,
		logger:      logger,
	}
}

type deviceResult struct {
	runtimes map[string]float64
	err      error
}

// Runtimes polls all devices. Machines on devices that fail are left out of
// the snapshot and the failures are returned joined, each a
// *core.DeviceError.
func (p *Poller) Runtimes(ctx context.Context) (core.RuntimeSnapshot, error) {
	results := make([]deviceResult, len(p.devices))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, dev := range p.devices {
		i, dev := i, dev
		g.Go(func() error {
			start := time.Now()
			runtimes, err := p.readDevice(ctx, dev)
			fetchDuration.WithLabelValues(dev.Name).Observe(time.Since(start).Seconds())
			results[i] = deviceResult{runtimes: runtimes, err: err}
			// Device failures are reported per device, never to the group.
			return nil
		})
	}
	_ = g.Wait()

	snap := make(core.RuntimeSnapshot)
	var errs []error
	for i, res := range results {
		for machine, hours := range res.runtimes {
			snap[machine] = hours
			machineRuntime.WithLabelValues(machine).Set(hours)
		}
		if res.err != nil {
			dev := p.devices[i]
			deviceFailures.WithLabelValues(dev.Name).Inc()
			p.logger.Warn("hour meter read failed", "device", dev.Name, "url", dev.URL, "err", res.err)
			errs = append(errs, &core.DeviceError{Device: dev.Name, URL: dev.URL, Err: res.err})
		}
	}
	return snap, errors.Join(errs...)
}

// readDevice returns the runtimes it could parse and an error describing
// whatever it could not.
func (p *Poller) readDevice(ctx context.Context, dev catalog.Device) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dev.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	fields, err := ParseHours(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	runtimes := make(map[string]float64, len(dev.Machines))
	var errs []error
	for _, m := range dev.Machines {
		field := 0
		if m.Field != nil {
			field = *m.Field
		}
		if field >= len(fields) {
			errs = append(errs, fmt.Errorf("machine %s: field %d missing from %d-field reading", m.Name, field, len(fields)))
			continue
		}
		hours, err := strconv.ParseFloat(strings.TrimSpace(fields[field]), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("machine %s: %w", m.Name, err))
			continue
		}
		if math.IsNaN(hours) || math.IsInf(hours, 0) {
			errs = append(errs, fmt.Errorf("machine %s: non-finite reading %q", m.Name, fields[field]))
			continue
		}
		runtimes[m.Name] = hours
	}
	return runtimes, errors.Join(errs...)
}

// ParseHours returns the "|"-separated fields of the first <hours> element
// in an XML document, wherever it is nested.
func ParseHours(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, ErrNoHours
		}
		if err != nil {
			return nil, fmt.Errorf("parse xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "hours" {
			continue
		}
		var value string
		if err := dec.DecodeElement(&value, &start); err != nil {
			return nil, fmt.Errorf("decode <hours>: %w", err)
		}
		return strings.Split(strings.TrimSpace(value), "|"), nil
	}
}
