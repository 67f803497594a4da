package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	internalPaths "ota-agent/internal"
	"ota-agent/internal/config"
	"ota-agent/internal/ddi"
	"ota-agent/internal/journal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const osMsg = "OS rhel v.2.0 Deployment succeed"

func TestOSChunkStagesAndReboots(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.engine.Process(ctx, h.deploy("7", osChunk("rhel", "2.0", "abc"))))

	assert.Equal(t, []pull{{Remote: "rhel", Rev: "abc"}}, h.osStore.pulled())
	assert.Equal(t, []string{"abc"}, h.sysroot.staged)
	assert.Equal(t, 1, h.marker.cleared)
	assert.Equal(t, 1, h.rebooter.reboots)

	rec, err := h.journal.Read()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, journal.Record{
		ActionID:  "7",
		Execution: ddi.ExecutionClosed,
		Result:    ddi.ResultSuccess,
		Msg:       osMsg,
	}, *rec)

	// the terminal report waits for the next boot
	assert.Empty(t, h.server.closed("7"))
	sent := h.server.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, ddi.ExecutionProceeding, sent[0].Feedback.Execution)
	assert.Equal(t, &ddi.Progress{Cnt: 0, Of: 1}, sent[0].Feedback.Progress)

	_, inFlight := h.engine.InFlight()
	assert.False(t, inFlight)
}

func TestOSChunkReportedAfterReboot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	href := h.deploy("7", osChunk("rhel", "2.0", "abc"))

	require.NoError(t, h.engine.Process(ctx, href))
	h.sysroot.booted = "abc"
	h.boot()

	require.NoError(t, h.engine.Process(ctx, href))

	closed := h.server.closed("7")
	require.Len(t, closed, 1)
	assert.Equal(t, ddi.ResultSuccess, closed[0].Result)
	assert.Equal(t, []string{osMsg}, closed[0].Details)

	rec, err := h.journal.Read()
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 1, h.rebooter.reboots)
	assert.Equal(t, []string{"abc"}, h.sysroot.staged)
	assert.Zero(t, h.sysroot.removed)

	last := h.engine.Status().Last
	require.NotNil(t, last)
	assert.Equal(t, "7", last.ActionID)
	assert.Equal(t, string(ddi.ResultSuccess), last.Result)
}

func TestOSRollbackDetected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	href := h.deploy("7", osChunk("rhel", "2.0", "abc"))

	require.NoError(t, h.engine.Process(ctx, href))
	h.sysroot.booted = "old"
	h.boot()

	require.NoError(t, h.engine.Process(ctx, href))

	closed := h.server.closed("7")
	require.Len(t, closed, 1)
	assert.Equal(t, ddi.ResultFailure, closed[0].Result)
	assert.Equal(t, []string{msgRolledBack}, closed[0].Details)
	assert.Equal(t, 1, h.sysroot.removed)

	rec, err := h.journal.Read()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRecordOfAnotherAction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.journal.Write(&journal.Record{
		ActionID:  "5",
		Execution: ddi.ExecutionClosed,
		Result:    ddi.ResultSuccess,
		Msg:       "OS rhel v.1.0 Deployment succeed",
	}))

	require.NoError(t, h.engine.Process(ctx, h.deploy("7", osChunk("rhel", "2.0", "abc"))))

	closed := h.server.closed("7")
	require.Len(t, closed, 1)
	assert.Equal(t, ddi.ResultFailure, closed[0].Result)
	require.Len(t, closed[0].Details, 1)
	assert.Contains(t, closed[0].Details[0], "action 5")
	assert.Empty(t, h.sysroot.staged)
	assert.Zero(t, h.rebooter.reboots)

	rec, err := h.journal.Read()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestReconcileWithoutRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for i := 0; i < 2; i++ {
		rec, err := h.engine.reconcile(ctx, "abc", "7")
		require.NoError(t, err)
		assert.Nil(t, rec)
	}
	assert.Empty(t, h.server.sent())
	assert.Zero(t, h.sysroot.removed)
}

func TestDeferredRebootResumesAfterAppliedChunks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	href := h.deploy("7",
		appChunk("app1", "1.0", "r1", meta("autostart", "1")),
		osChunk("rhel", "2.0", "abc"),
	)

	require.NoError(t, h.engine.Process(ctx, href))
	assert.Equal(t, 1, h.rebooter.reboots)

	rec, err := h.journal.Read()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "App app1 v.1.0 Deployment succeed\n"+osMsg, rec.Msg)

	h.sysroot.booted = "abc"
	h.boot()
	require.NoError(t, h.engine.Process(ctx, href))

	closed := h.server.closed("7")
	require.Len(t, closed, 1)
	assert.Equal(t, ddi.ResultSuccess, closed[0].Result)
	assert.Equal(t, []string{rec.Msg}, closed[0].Details)
	assert.Len(t, h.apps.pulled(), 1, "applied chunks are not replayed")
}

func TestImmediateRebootContinuesAfterBoot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.RebootPolicy = config.RebootImmediate })
	href := h.deploy("7",
		osChunk("rhel", "2.0", "abc"),
		appChunk("app1", "1.0", "r1", meta("autostart", "1")),
	)

	require.NoError(t, h.engine.Process(ctx, href))
	assert.Equal(t, 1, h.rebooter.reboots)
	assert.Empty(t, h.apps.pulled(), "remaining chunks wait for the reboot")

	h.sysroot.booted = "abc"
	h.boot()
	require.NoError(t, h.engine.Process(ctx, href))

	closed := h.server.closed("7")
	require.Len(t, closed, 1)
	assert.Equal(t, ddi.ResultSuccess, closed[0].Result)
	assert.Equal(t, []string{osMsg, "App app1 v.1.0 Deployment succeed"}, closed[0].Details)
	assert.Equal(t, []pull{{Remote: "app1", Rev: "r1"}}, h.apps.pulled())
	assert.Equal(t, 1, h.rebooter.reboots)
	assert.Equal(t, []string{"abc"}, h.sysroot.staged)
}

func TestZeroChunks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	err := h.engine.Process(ctx, h.deploy("7"))
	require.ErrorIs(t, err, ddi.ErrProtocol)

	closed := h.server.closed("7")
	require.Len(t, closed, 1)
	assert.Equal(t, ddi.ResultFailure, closed[0].Result)
	assert.Equal(t, []string{msgNoChunks}, closed[0].Details)
	_, inFlight := h.engine.InFlight()
	assert.False(t, inFlight)
}

func TestUnknownPartFailsAction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bad := ddi.Chunk{Part: "firmware", Name: "fw", Version: "1", Metadata: []ddi.Metadata{meta("rev", "x")}}

	err := h.engine.Process(ctx, h.deploy("7", osChunk("rhel", "2.0", "abc"), bad, appChunk("app1", "1.0", "r1")))
	require.ErrorIs(t, err, ddi.ErrProtocol)
	assert.ErrorIs(t, err, ErrUnknownPart)

	sent := h.server.sent()
	require.Len(t, sent, 1, "no proceeding feedback for a rejected descriptor")
	assert.Equal(t, ddi.ExecutionClosed, sent[0].Feedback.Execution)
	assert.Equal(t, ddi.ResultFailure, sent[0].Feedback.Result)
	assert.Contains(t, sent[0].Feedback.Details[0], "Chunk fw rejected")

	assert.Empty(t, h.osStore.pulled())
	assert.Empty(t, h.sysroot.staged)
	assert.Zero(t, h.rebooter.reboots)
	assert.Empty(t, h.apps.pulled())
	_, inFlight := h.engine.InFlight()
	assert.False(t, inFlight)
}

func TestInvalidChunkNameLeavesDeviceUntouched(t *testing.T) {
	for _, name := range []string{"", "../state", internalPaths.AppsRepoDir} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			other := filepath.Join(h.appDir("other"), "keep")
			require.NoError(t, os.MkdirAll(filepath.Dir(other), 0o755))
			require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))
			require.NoError(t, h.ledger.Set("other", "r0"))

			err := h.engine.Process(ctx, h.deploy("7", appChunk(name, "1.0", "r1", meta("autostart", "1"))))
			require.ErrorIs(t, err, ddi.ErrProtocol)

			closed := h.server.closed("7")
			require.Len(t, closed, 1)
			assert.Equal(t, ddi.ResultFailure, closed[0].Result)
			assert.Empty(t, h.apps.pulled())
			assert.Empty(t, h.sup.history())
			assert.FileExists(t, other)
			rev, ok, err := h.ledger.Get("other")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "r0", rev)
		})
	}
}

func TestOneActionInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := newHarness(t)

	notifyChunk := appChunk("app1", "1.0", "r1", meta("autostart", "1"), meta("notify", "1"))
	require.NoError(t, h.engine.Process(ctx, h.deploy("7", notifyChunk)))

	id, ok := h.engine.InFlight()
	require.True(t, ok)
	assert.Equal(t, "7", id)

	require.NoError(t, h.engine.Process(ctx, h.deploy("8", appChunk("app2", "1.0", "r2"))))
	assert.Equal(t, []string{"7"}, h.server.fetched)
	assert.Empty(t, h.server.closed("8"))

	st := h.engine.Status()
	assert.Equal(t, "7", st.ActionID)
	assert.Equal(t, []string{"app1"}, st.Pending)
	assert.Equal(t, []string{"app1"}, st.Listeners)
}

func TestCancelIsRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := newHarness(t)

	notifyChunk := appChunk("app1", "1.0", "r1", meta("autostart", "1"), meta("notify", "1"))
	require.NoError(t, h.engine.Process(ctx, h.deploy("7", notifyChunk)))

	req := &ddi.CancelAction{ID: "9"}
	req.CancelAction.StopID = "7"
	h.server.cancels["9"] = req

	require.NoError(t, h.engine.Cancel(ctx, "https://hawkbit.local/DEFAULT/controller/v1/device-1/cancelAction/9"))

	require.Len(t, h.server.cancelled, 1)
	assert.Equal(t, feedbackCall{
		ID: "7",
		Feedback: ddi.Feedback{
			Execution: ddi.ExecutionRejected,
			Result:    ddi.ResultSuccess,
			Details:   []string{msgCancelRejected},
		},
	}, h.server.cancelled[0])

	id, ok := h.engine.InFlight()
	require.True(t, ok)
	assert.Equal(t, "7", id)
	assert.Equal(t, []string{"app1"}, h.engine.Status().Pending)
}

func TestIdentify(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Identify(context.Background()))
	assert.Equal(t, map[string]string{"target": "device-1"}, h.server.attributes)
}

func TestStaleReportIsDropped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.engine.HandleReport(ctx, Report{ActionID: "3", RunID: "gone", Container: "app1"}))
	assert.Empty(t, h.server.sent())
}

func TestAbandonWithdrawsStagedDeployment(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := newHarness(t)

	require.NoError(t, h.engine.Process(ctx, h.deploy("7",
		osChunk("rhel", "2.0", "abc"),
		appChunk("app1", "1.0", "r1", meta("autostart", "1"), meta("notify", "1")),
	)))
	assert.True(t, h.engine.Status().RebootPending)

	h.engine.Abandon(ctx)

	_, inFlight := h.engine.InFlight()
	assert.False(t, inFlight)
	assert.Equal(t, 1, h.sysroot.removed)
	assert.Zero(t, h.rebooter.reboots)
	rec, err := h.journal.Read()
	require.NoError(t, err)
	assert.Nil(t, rec)
}
