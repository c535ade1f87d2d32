package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildmaster/internal/bus"
	"git.home.luguber.info/inful/buildmaster/internal/config"
	"git.home.luguber.info/inful/buildmaster/internal/data"
	"git.home.luguber.info/inful/buildmaster/internal/sourcestamp"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.Daemon.AdminAddr = ""
	cfg.Daemon.WatchConfig = false
	cfg.Canceller.Filters = []config.CancellerFilter{{
		Builders: config.BuilderNames{"builder1"},
		BranchEq: []string{"main"},
	}}
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config) (*Daemon, *bus.MemoryBus, *data.SQLiteStore) {
	t.Helper()
	store, err := data.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	memBus := bus.NewMemoryBus()
	t.Cleanup(func() { _ = memBus.Close() })

	d, err := NewWithBus("", cfg, memBus, store)
	require.NoError(t, err)
	return d, memBus, store
}

func TestDaemonStartStop(t *testing.T) {
	d, _, _ := newTestDaemon(t, testConfig())

	require.NoError(t, d.Orchestrator().StartAll(context.Background()))
	require.NoError(t, d.Orchestrator().StopAll(context.Background()))
}

func TestDaemonCancelsThroughTheBus(t *testing.T) {
	d, memBus, store := newTestDaemon(t, testConfig())
	require.NoError(t, d.Orchestrator().StartAll(context.Background()))
	defer d.Orchestrator().StopAll(context.Background())

	stampMain := sourcestamp.WithBranch("proj", "cb", "repo1", "main")
	id1, err := store.CreateBuildRequest(context.Background(), "builder1", "forced", []sourcestamp.Attrs{stampMain})
	require.NoError(t, err)

	var cancelled []int64
	_, err = memBus.Subscribe("buildrequests.*.cancel", func(_ context.Context, msg bus.Message) {
		id, err := bus.BuildRequestIDFromSubject(msg.Subject)
		require.NoError(t, err)
		cancelled = append(cancelled, id)
	})
	require.NoError(t, err)

	publish := func(subject string, payload any) {
		require.NoError(t, memBus.Publish(context.Background(), subject, payload))
	}

	settle := func() {
		memBus.Flush()
		d.Canceller().Drain()
		// Cancel commands are published from inside queued tasks.
		memBus.Flush()
	}

	publish(bus.BuildRequestNewSubject(id1), bus.BuildRequestPayload{BuildRequestID: id1})
	settle()
	branch := "main"
	publish(bus.ChangeNewSubject("c1"), bus.ChangePayload{
		ChangeID: "c1", Project: "proj", Codebase: "cb", Repository: "repo1", Branch: &branch,
	})
	settle()

	id2, err := store.CreateBuildRequest(context.Background(), "builder1", "forced", []sourcestamp.Attrs{stampMain})
	require.NoError(t, err)
	publish(bus.BuildRequestNewSubject(id2), bus.BuildRequestPayload{BuildRequestID: id2})
	settle()

	assert.Equal(t, []int64{id1}, cancelled)
	assert.False(t, d.Canceller().IsBuildRequestTracked(id1))
	assert.True(t, d.Canceller().IsBuildRequestTracked(id2))
}

func TestDaemonReloadConfigSwapsFilters(t *testing.T) {
	d, _, store := newTestDaemon(t, testConfig())
	require.NoError(t, d.Orchestrator().StartAll(context.Background()))
	defer d.Orchestrator().StopAll(context.Background())

	stampMain := sourcestamp.WithBranch("proj", "cb", "repo1", "main")
	id, err := store.CreateBuildRequest(context.Background(), "builder2", "forced", []sourcestamp.Attrs{stampMain})
	require.NoError(t, err)
	require.False(t, d.Canceller().IsBuildRequestTracked(id))

	newCfg := testConfig()
	newCfg.Canceller.Filters = []config.CancellerFilter{{
		Builders: config.BuilderNames{"builder2"},
		BranchEq: []string{"main"},
	}}
	require.NoError(t, d.ReloadConfig(context.Background(), newCfg))

	assert.True(t, d.Canceller().IsBuildRequestTracked(id))
	assert.Equal(t, newCfg, d.Config())
}

func TestDaemonReloadRejectsInvalidFilters(t *testing.T) {
	d, _, _ := newTestDaemon(t, testConfig())
	require.NoError(t, d.Orchestrator().StartAll(context.Background()))
	defer d.Orchestrator().StopAll(context.Background())

	old := d.Config()
	badCfg := testConfig()
	badCfg.Canceller.Filters = []config.CancellerFilter{{BranchEq: []string{"main"}}}

	require.Error(t, d.ReloadConfig(context.Background(), badCfg))
	assert.Equal(t, old, d.Config(), "rejected reload keeps the old configuration")
}

func TestAdminHandlerEndpoints(t *testing.T) {
	d, _, store := newTestDaemon(t, testConfig())
	require.NoError(t, d.Orchestrator().StartAll(context.Background()))
	defer d.Orchestrator().StopAll(context.Background())

	stampMain := sourcestamp.WithBranch("proj", "cb", "repo1", "main")
	id, err := store.CreateBuildRequest(context.Background(), "builder1", "forced", []sourcestamp.Attrs{stampMain})
	require.NoError(t, err)

	srv := httptest.NewServer(NewAdminServer("", d).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Contains(t, status, "services")

	// The request was created after the startup seed and no bus event
	// announced it, so it is not tracked yet.
	resp, err = http.Get(srv.URL + "/api/v1/buildrequests/" + strconv.FormatInt(id, 10) + "/tracked")
	require.NoError(t, err)
	var tracked map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tracked))
	resp.Body.Close()
	assert.Equal(t, false, tracked["tracked"])

	resp, err = http.Get(srv.URL + "/api/v1/buildrequests/notanumber/tracked")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
