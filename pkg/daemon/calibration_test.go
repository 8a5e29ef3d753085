package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panlab/ptcal/pkg/calibration"
	"github.com/panlab/ptcal/pkg/config"
	"github.com/panlab/ptcal/pkg/protocol"
	"github.com/panlab/ptcal/pkg/simulator"
	"github.com/panlab/ptcal/pkg/utils/ptr"
	"github.com/panlab/ptcal/pkg/version"
)

func newTestDaemon(t *testing.T, opts Options) (*Daemon, *gin.Engine, *config.File) {
	d, router, conf, _ := newTestDaemonAt(t, opts)
	return d, router, conf
}

func newTestDaemonAt(t *testing.T, opts Options) (*Daemon, *gin.Engine, *config.File, string) {
	t.Helper()
	clock := simulator.NewClock()
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = clock.Sleep
	}
	path := filepath.Join(t.TempDir(), "ptcal.json")
	conf := config.NewFileFromConfig(&config.RawFileConfig{
		Transport:      ptr.To(config.TransportSimulator),
		PollIntervalMs: ptr.To(10),
	}, path)
	require.NoError(t, conf.Validate())

	d := New(conf, opts)
	t.Cleanup(d.Shutdown)
	return d, d.setupRoutes(), conf, path
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestVersionAndConfig(t *testing.T) {
	_, router, _ := newTestDaemon(t, Options{})

	w := do(t, router, http.MethodGet, "/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, version.Version, decode[string](t, w))

	w = do(t, router, http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	raw := decode[config.RawFileConfig](t, w)
	require.NotNil(t, raw.Transport)
	assert.Equal(t, config.TransportSimulator, *raw.Transport)
	assert.Equal(t, 10, *raw.PollIntervalMs)
}

func TestGetPosition(t *testing.T) {
	_, router, _ := newTestDaemon(t, Options{})

	w := do(t, router, http.MethodGet, "/position", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, protocol.Position{}, decode[protocol.Position](t, w))
}

func TestGetPositionDoesNotMoveHead(t *testing.T) {
	clock := simulator.NewClock()
	dev, err := simulator.New(simulator.Options{Now: clock.Now})
	require.NoError(t, err)
	dev.SetPosition(protocol.AxisPan, 12.5)
	_, router, _ := newTestDaemon(t, Options{
		Now:   clock.Now,
		Sleep: clock.Sleep,
		OpenChannel: func(config.Config) (protocol.Channel, error) {
			return dev, nil
		},
	})

	w := do(t, router, http.MethodGet, "/position", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 12.5, decode[protocol.Position](t, w).Pan)

	cmds := dev.Commands()
	require.NotEmpty(t, cmds)
	for _, cmd := range cmds {
		assert.Equal(t, protocol.CommandQueryPosition, cmd.Kind)
	}
}

func TestReloadWhileControllerHeld(t *testing.T) {
	d, _, conf := newTestDaemon(t, Options{})
	require.NoError(t, conf.Save())

	ctrl, err := d.openController(protocol.AxisTilt)
	require.NoError(t, err)
	client := d.client

	require.NoError(t, d.reload())
	assert.Same(t, client, d.client, "a held session must stay open")
	_, err = ctrl.ReadPosition(context.Background())
	require.NoError(t, err)

	d.releaseController(ctrl, true)
	assert.Nil(t, d.client, "the stale session is closed on release")
	assert.False(t, d.stale)

	// The next use opens a fresh session.
	pos, err := d.readPosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.Position{}, pos)
	assert.NotSame(t, client, d.client)
}

func TestQuickCheckOverHTTP(t *testing.T) {
	d, router, _ := newTestDaemon(t, Options{})

	body := `{"axis":"tilt","startPosition":-10,"degreePerSecond":2,"moveTime":500,"rounds":2}`
	w := do(t, router, http.MethodPost, "/calibration/quick-check", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	d.runner.Wait()

	st := decode[calibration.Status](t, do(t, router, http.MethodGet, "/calibration/status", ""))
	assert.Equal(t, calibration.PhaseCompleted, st.Phase, st.Message)
	assert.Equal(t, calibration.KindQuickCheck, st.Kind)
	assert.Equal(t, "tilt", st.Axis)
	assert.Equal(t, 2, st.Records)
	assert.Equal(t, 0, st.Failures)

	res := decode[calibration.Results](t, do(t, router, http.MethodGet, "/calibration/results", ""))
	require.Len(t, res.PositionCompares, 2)
	assert.InDelta(t, -9.0, res.PositionCompares[0].TargetPosition, 1e-9)
	assert.InDelta(t, -9.0, res.PositionCompares[0].ActualPosition, 0.01)
	assert.InDelta(t, 2.5, res.PositionCompares[1].DegreePerSecond, 1e-9)
	assert.False(t, res.PositionCompares[1].OutOfTolerance)
}

func TestQuickCheckBadRequest(t *testing.T) {
	_, router, _ := newTestDaemon(t, Options{})

	for _, body := range []string{
		`{"degreePerSecond":1}`,
		`{"moveTime":1000}`,
		`{"axis":"roll","degreePerSecond":1,"moveTime":1000}`,
		`not json`,
	} {
		w := do(t, router, http.MethodPost, "/calibration/quick-check", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestSweepCancel(t *testing.T) {
	d, router, _ := newTestDaemon(t, Options{})

	w := do(t, router, http.MethodPost, "/calibration/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, http.MethodPost, "/calibration/pan-sweep", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, "/calibration/tilt-sweep", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, http.MethodPost, "/calibration/cancel", "")
	assert.Equal(t, http.StatusOK, w.Code)
	d.runner.Wait()

	st := decode[calibration.Status](t, do(t, router, http.MethodGet, "/calibration/status", ""))
	assert.Equal(t, calibration.PhaseCanceled, st.Phase)
	assert.Equal(t, calibration.KindPanSweep, st.Kind)
	assert.False(t, st.CanCancel)
}

func TestSchedule(t *testing.T) {
	_, router, conf, path := newTestDaemonAt(t, Options{})

	w := do(t, router, http.MethodPut, "/calibration/schedule", `{"cron":"@every 1h","quickCheck":{"axis":"tilt","degreePerSecond":3,"moveTime":800}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[calibration.ScheduleResponse](t, w)
	assert.Equal(t, "@every 1h", resp.Cron)
	assert.Len(t, resp.NextRuns, 3)

	assert.Equal(t, "@every 1h", conf.QuickCheckCron())
	assert.Equal(t, protocol.AxisTilt, conf.ScheduledQuickCheck().Axis)

	reloaded, err := config.NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, "@every 1h", reloaded.QuickCheckCron())

	st := decode[calibration.Status](t, do(t, router, http.MethodGet, "/calibration/status", ""))
	assert.Equal(t, "@every 1h", st.Schedule)
	assert.False(t, st.ScheduledAt.IsZero())

	w = do(t, router, http.MethodPost, "/calibration/schedule/skip", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodPut, "/calibration/schedule", `{"cron":"every day"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "@every 1h", conf.QuickCheckCron())

	w = do(t, router, http.MethodPut, "/calibration/schedule", `{"cron":""}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "", conf.QuickCheckCron())

	w = do(t, router, http.MethodPost, "/calibration/schedule/skip", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestScheduleNeverFiring(t *testing.T) {
	_, router, conf, path := newTestDaemonAt(t, Options{})

	w := do(t, router, http.MethodPut, "/calibration/schedule", `{"cron":"@every 1h"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, router, http.MethodPut, "/calibration/schedule", `{"cron":"0 0 30 2 *","quickCheck":{"axis":"tilt","degreePerSecond":3,"moveTime":800,"rounds":5}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Equal(t, "@every 1h", conf.QuickCheckCron())
	assert.NotEqual(t, 5, conf.ScheduledQuickCheck().Rounds)

	reloaded, err := config.NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, "@every 1h", reloaded.QuickCheckCron())
}

func TestDeviceUnavailable(t *testing.T) {
	_, router, _ := newTestDaemon(t, Options{
		OpenChannel: func(config.Config) (protocol.Channel, error) {
			return nil, errors.New("no such port")
		},
	})

	w := do(t, router, http.MethodPost, "/calibration/pan-sweep", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, router, http.MethodGet, "/position", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	st := decode[calibration.Status](t, do(t, router, http.MethodGet, "/calibration/status", ""))
	assert.Equal(t, calibration.PhaseIdle, st.Phase)
}

func TestSchedulePreCheck(t *testing.T) {
	d, _, conf := newTestDaemon(t, Options{})
	assert.NoError(t, d.schedulePreCheck())

	params := calibration.DefaultQuickCheckParams()
	params.Rounds = 2
	conf.SetScheduledQuickCheck(params)

	require.NoError(t, d.scheduledQuickCheck())
	// The scheduled run may already be done; either outcome is valid.
	if err := d.schedulePreCheck(); err != nil {
		assert.ErrorIs(t, err, calibration.ErrRunInProgress)
	}
	d.runner.Wait()
	assert.Equal(t, calibration.KindQuickCheck, d.runner.Status().Kind)
}

func TestPanSweepPlanRegime(t *testing.T) {
	d, _, conf := newTestDaemon(t, Options{})
	assert.Nil(t, d.panSweepPlan().Regime)

	conf.SetPanReducedRegime(true)
	plan := d.panSweepPlan()
	require.NotNil(t, plan.Regime)
	assert.Equal(t, calibration.PanReducedRegime, *plan.Regime)
}
