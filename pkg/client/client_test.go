package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panlab/ptcal/pkg/calibration"
	"github.com/panlab/ptcal/pkg/events"
	"github.com/panlab/ptcal/pkg/protocol"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// serveUnix starts handler on a unix socket and returns a client for it.
func serveUnix(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	dir, err := os.MkdirTemp("", "ptcal")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	socket := filepath.Join(dir, "d.sock")
	l, err := net.Listen("unix", socket)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(handler)
	srv.Listener = l
	srv.Start()
	t.Cleanup(srv.Close)

	return NewClient(socket)
}

func TestClientDaemonNotRunning(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := c.GetVersion()
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
}

func TestClientAPIs(t *testing.T) {
	var gotParams calibration.QuickCheckParams
	var gotSchedule calibration.ScheduleRequest
	next := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, "v1.2.3")
	})
	mux.HandleFunc("GET /position", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, protocol.Position{Pan: 12.5, Tilt: -3})
	})
	mux.HandleFunc("GET /calibration/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, calibration.Status{Kind: calibration.KindTiltSweep, Phase: calibration.PhaseRunning, Records: 4})
	})
	mux.HandleFunc("POST /calibration/quick-check", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotParams))
		writeJSON(w, http.StatusCreated, "quick check started")
	})
	mux.HandleFunc("POST /calibration/cancel", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusConflict, calibration.ErrRunNotRunning.Error())
	})
	mux.HandleFunc("PUT /calibration/schedule", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotSchedule))
		writeJSON(w, http.StatusCreated, calibration.ScheduleResponse{Cron: gotSchedule.Cron, NextRuns: []time.Time{next}})
	})
	mux.HandleFunc("POST /calibration/schedule/skip", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, next)
	})
	c := serveUnix(t, mux)

	v, err := c.GetVersion()
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", v)

	pos, err := c.GetPosition()
	require.NoError(t, err)
	assert.Equal(t, protocol.Position{Pan: 12.5, Tilt: -3}, *pos)

	st, err := c.GetCalibrationStatus()
	require.NoError(t, err)
	assert.Equal(t, calibration.PhaseRunning, st.Phase)
	assert.Equal(t, 4, st.Records)

	_, err = c.StartQuickCheck(calibration.QuickCheckParams{Axis: protocol.AxisTilt, DegreePerSecond: 2, MoveTime: 500})
	require.NoError(t, err)
	assert.Equal(t, protocol.AxisTilt, gotParams.Axis)
	assert.Equal(t, 500, gotParams.MoveTime)

	_, err = c.CancelCalibration()
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, calibration.ErrRunNotRunning.Error(), se.Message)

	resp, err := c.SetSchedule(calibration.ScheduleRequest{Cron: "0 3 * * *"})
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", gotSchedule.Cron)
	require.Len(t, resp.NextRuns, 1)
	assert.True(t, next.Equal(resp.NextRuns[0]))

	skipped, err := c.SkipSchedule()
	require.NoError(t, err)
	assert.True(t, next.Equal(skipped))

	_, err = c.GetCalibrationResults()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWatchEvents(t *testing.T) {
	hub := events.NewEventHub()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", hub.ServeWebSocket)
	c := serveUnix(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Publish until the watcher has subscribed and seen an event.
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				hub.Publish(events.CalibrationPhase, events.CalibrationPhaseEvent{Kind: "QuickCheck", To: "Running"})
			}
		}
	}()

	var got events.Event
	errStop := errors.New("stop")
	err := c.WatchEvents(ctx, func(ev events.Event) error {
		got = ev
		return errStop
	})
	require.ErrorIs(t, err, errStop)
	assert.Equal(t, events.CalibrationPhase, got.Name)

	payload, err := events.DecodeAs[events.CalibrationPhaseEvent](got)
	require.NoError(t, err)
	assert.Equal(t, "Running", payload.To)
}

func TestWatchEventsContextDone(t *testing.T) {
	hub := events.NewEventHub()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", hub.ServeWebSocket)
	c := serveUnix(t, mux)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	err := c.WatchEvents(ctx, func(events.Event) error { return nil })
	assert.NoError(t, err)
}
