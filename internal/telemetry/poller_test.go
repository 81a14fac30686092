package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hourwatch/internal/catalog"
	"hourwatch/internal/core"
)

func intPtr(v int) *int { return &v }

func hoursServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestParseHours(t *testing.T) {
	doc := `<?xml version="1.0"?><response><meter><hours> 1234.5|2|3|987 </hours></meter><hours>9|9</hours></response>`
	fields, err := ParseHours(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, []string{"1234.5", "2", "3", "987"}, fields)

	_, err = ParseHours(strings.NewReader(`<response><total>1</total></response>`))
	assert.ErrorIs(t, err, ErrNoHours)

	_, err = ParseHours(strings.NewReader(`<response><hours>1|2`))
	assert.Error(t, err)
}

func TestPollerReadsDefaultFields(t *testing.T) {
	srv := hoursServer(t, `<data><hours>120.5|0|0|88</hours></data>`, http.StatusOK)
	devices := []catalog.Device{{
		Name: "meter-1",
		URL:  srv.URL + "/hours.xml",
		Machines: []catalog.DeviceMachine{
			{Name: "Compressor", Field: intPtr(0)},
			{Name: "CNC Machine", Field: intPtr(3)},
		},
	}}

	snap, err := NewPoller(devices, Options{}, nil).Runtimes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.RuntimeSnapshot{"Compressor": 120.5, "CNC Machine": 88}, snap)
}

func TestPollerIsolatesDeviceFailures(t *testing.T) {
	good := hoursServer(t, `<data><hours>40|0|0|125</hours></data>`, http.StatusOK)
	broken := hoursServer(t, `oops`, http.StatusInternalServerError)
	devices := []catalog.Device{
		{Name: "good", URL: good.URL, Machines: []catalog.DeviceMachine{
			{Name: "Motor", Field: intPtr(0)},
			{Name: "Lathe", Field: intPtr(3)},
		}},
		{Name: "broken", URL: broken.URL, Machines: []catalog.DeviceMachine{
			{Name: "Compressor", Field: intPtr(0)},
		}},
	}

	snap, err := NewPoller(devices, Options{Concurrency: 1}, nil).Runtimes(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTelemetryUnavailable))
	var derr *core.DeviceError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "broken", derr.Device)

	assert.Equal(t, core.RuntimeSnapshot{"Motor": 40, "Lathe": 125}, snap)
}

func TestPollerTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)
	devices := []catalog.Device{{Name: "slow", URL: slow.URL, Machines: []catalog.DeviceMachine{{Name: "Motor", Field: intPtr(0)}}}}

	snap, err := NewPoller(devices, Options{Timeout: 50 * time.Millisecond}, nil).Runtimes(context.Background())
	assert.ErrorIs(t, err, core.ErrTelemetryUnavailable)
	assert.Empty(t, snap)
}

func TestPollerBadField(t *testing.T) {
	srv := hoursServer(t, `<data><hours>abc|5</hours></data>`, http.StatusOK)
	devices := []catalog.Device{{Name: "m", URL: srv.URL, Machines: []catalog.DeviceMachine{
		{Name: "Motor", Field: intPtr(0)},
		{Name: "Lathe", Field: intPtr(1)},
		{Name: "Compressor", Field: intPtr(3)},
	}}}

	snap, err := NewPoller(devices, Options{}, nil).Runtimes(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "machine Motor")
	assert.Contains(t, err.Error(), "machine Compressor")
	assert.Equal(t, core.RuntimeSnapshot{"Lathe": 5}, snap)
}

func TestPollerRejectsNonFiniteReadings(t *testing.T) {
	srv := hoursServer(t, `<hours>NaN|0|0|Inf</hours>`, http.StatusOK)
	devices := []catalog.Device{{Name: "m", URL: srv.URL, Machines: []catalog.DeviceMachine{
		{Name: "Compressor", Field: intPtr(0)},
		{Name: "CNC Machine", Field: intPtr(3)},
		{Name: "Lathe", Field: intPtr(1)},
	}}}

	snap, err := NewPoller(devices, Options{}, nil).Runtimes(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTelemetryUnavailable)
	assert.Contains(t, err.Error(), "machine Compressor: non-finite")
	assert.Contains(t, err.Error(), "machine CNC Machine: non-finite")
	assert.Equal(t, core.RuntimeSnapshot{"Lathe": 0}, snap)
}

func TestPollerKeysSnapshotByCatalogName(t *testing.T) {
	srv := hoursServer(t, `<hours>60|0|0|12</hours>`, http.StatusOK)
	cat, err := catalog.Parse([]byte(`
machines:
  - name: CNC Machine
    tasks:
      - name: Lubricate
        interval_hours: 50
  - name: Compressor
    tasks:
      - name: Drain Water
        interval_hours: 40
devices:
  - url: ` + srv.URL + `
    machines:
      - name: cnc machine
      - name: COMPRESSOR
`))
	require.NoError(t, err)

	snap, err := NewPoller(cat.Devices, Options{}, nil).Runtimes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.RuntimeSnapshot{"CNC Machine": 60, "Compressor": 12}, snap)
}
