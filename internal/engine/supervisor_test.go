package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridmm/internal/config"
	"gridmm/internal/history"
	"gridmm/pkg/types"
)

func newSupervisorHarness(t *testing.T, file config.File, trader *fakeTrader) (*Supervisor, *history.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := config.OpenStore(dir)
	require.NoError(t, err)
	writeConfig(t, store, file)
	hist, err := history.Open(dir)
	require.NoError(t, err)
	return NewSupervisor(store, hist, trader, testLogger()), hist
}

func TestSupervisorStartStop(t *testing.T) {
	t.Parallel()

	file := testFile(true)
	file.Runtime.LoopIntervalMs = 10
	trader := newFakeTrader()
	trader.setBook("100", "101")
	s, _ := newSupervisorHarness(t, file, trader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, "ETH", true)

	require.Eventually(t, func() bool {
		st, ok := s.Snapshot()["ETH"]
		return ok && st.Running && st.Existing == 4
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop("ETH")
	st := s.Snapshot()["ETH"]
	assert.False(t, st.Running)
	assert.Equal(t, "stopped", st.Message)

	// Manual stop resets the sim engine.
	s.mu.Lock()
	eng := s.sims["ETH"]
	s.mu.Unlock()
	assert.Empty(t, eng.OpenOrders())

	s.Wait()
}

func TestSupervisorRestartBudgetExhausts(t *testing.T) {
	t.Parallel()

	file := testFile(true)
	file.Runtime.LoopIntervalMs = 10
	file.Runtime.RestartMax = 1
	file.Runtime.RestartDelayMs = 1
	file.Runtime.RestartWindowMs = 60_000
	trader := newFakeTrader()
	trader.setBook("100", "101")
	trader.panicOnBook = true
	s, _ := newSupervisorHarness(t, file, trader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, "ETH", true)
	s.Wait()

	st := s.Snapshot()["ETH"]
	assert.False(t, st.Running)
	assert.Equal(t, "auto-restart exhausted", st.Message)
}

func TestSupervisorCrashWithoutAutoRestart(t *testing.T) {
	t.Parallel()

	file := testFile(true)
	file.Runtime.LoopIntervalMs = 10
	file.Runtime.AutoRestart = false
	trader := newFakeTrader()
	trader.panicOnBook = true
	s, _ := newSupervisorHarness(t, file, trader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, "ETH", true)
	s.Wait()

	st := s.Snapshot()["ETH"]
	assert.False(t, st.Running)
	assert.Equal(t, "stopped", st.Message)
}

func TestSupervisorStopSignalWritesHistory(t *testing.T) {
	t.Parallel()

	file := testFile(true)
	file.Runtime.LoopIntervalMs = 10
	file.Runtime.StopAfterMinutes = 0.5
	trader := newFakeTrader()
	trader.setBook("100", "101")
	s, hist := newSupervisorHarness(t, file, trader)
	s.now = newClock(time.Minute).Now // each observation advances one minute

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, "ETH", true)
	s.Wait()

	records, err := hist.ReadLast(5)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	rec := records[0]
	assert.Equal(t, "stop", rec.Reason)
	assert.Contains(t, rec.StopReason, "minutes")
	assert.Contains(t, rec.Symbols, "ETH")

	st := s.Snapshot()["ETH"]
	assert.False(t, st.Running)
	assert.Contains(t, st.Message, "stopped")
}

func TestSupervisorStartEnabledSkipsDisabled(t *testing.T) {
	t.Parallel()

	file := testFile(true)
	file.Runtime.LoopIntervalMs = 10
	strat := file.Strategies["ETH"]
	disabled := strat
	disabled.Enabled = false
	file.Strategies["SOL"] = disabled
	trader := newFakeTrader()
	trader.setBook("100", "101")
	s, _ := newSupervisorHarness(t, file, trader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.StartEnabled(ctx))

	snapshot := s.Snapshot()
	assert.Contains(t, snapshot, "ETH")
	assert.NotContains(t, snapshot, "SOL")

	s.StopAll()
	s.Wait()
}

func TestSupervisorSnapshotsFromSim(t *testing.T) {
	t.Parallel()

	file := testFile(true)
	trader := newFakeTrader()
	s, _ := newSupervisorHarness(t, file, trader)

	eng := s.simFor("ETH")
	eng.Place(1001, "ask", d("102"), d("0.1"), 1)
	eng.Match(d("103"), d("103.5"), 2)

	snaps := s.SymbolSnapshots(context.Background())
	require.Contains(t, snaps, "ETH")
	snap := snaps["ETH"]
	assert.Equal(t, 1, snap.TradeCount)
	assert.Equal(t, "10.2", snap.Volume.String())
	assert.Equal(t, 0, snap.OpenOrders)
}

func TestSupervisorSnapshotsLiveProfit(t *testing.T) {
	t.Parallel()

	file := testFile(false)
	trader := newFakeTrader()
	trader.setBook("99", "101")
	trader.position = d("0.1")
	s, _ := newSupervisorHarness(t, file, trader)

	// A session buy at 95, marked to mid 100.
	s.cursorFor("ETH").Advance([]types.Fill{
		{TsMs: 1, Price: d("95"), Size: d("0.1"), Side: types.Bid},
	})

	snaps := s.SymbolSnapshots(context.Background())
	require.Contains(t, snaps, "ETH")
	snap := snaps["ETH"]
	assert.Equal(t, "0.5", snap.Profit.String())
	assert.Equal(t, "10", snap.PositionNotional.String())
}
