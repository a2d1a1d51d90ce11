package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"gridmm/internal/config"
	"gridmm/internal/exchange"
	"gridmm/internal/gridid"
	"gridmm/internal/history"
	"gridmm/internal/sim"
	"gridmm/pkg/types"
)

// emergencyCancelLimit bounds the per-market cancel sweep.
const emergencyCancelLimit = 200

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Supervisor owns one control loop per symbol plus the shared state the
// loops report into: status snapshots, the manual-stop set, restart
// history, per-symbol simulation engines, and rate-limit backoff.
type Supervisor struct {
	store   *config.Store
	hist    *history.Store
	trader  exchange.Trader
	backoff *exchange.Backoff
	logger  *slog.Logger
	now     func() time.Time

	group errgroup.Group

	mu           sync.Mutex
	tasks        map[string]*task
	status       map[string]types.BotStatus
	manualStop   map[string]bool
	restartTimes map[string][]int64
	sims         map[string]*sim.Engine
	cursors      map[string]*PnLCursor
	startMs      map[string]int64
}

// NewSupervisor wires the supervisor to its stores and venue trader.
func NewSupervisor(store *config.Store, hist *history.Store, trader exchange.Trader, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		store:        store,
		hist:         hist,
		trader:       trader,
		backoff:      exchange.NewBackoff(),
		logger:       logger.With("component", "supervisor"),
		now:          time.Now,
		tasks:        make(map[string]*task),
		status:       make(map[string]types.BotStatus),
		manualStop:   make(map[string]bool),
		restartTimes: make(map[string][]int64),
		sims:         make(map[string]*sim.Engine),
		cursors:      make(map[string]*PnLCursor),
		startMs:      make(map[string]int64),
	}
}

// StartEnabled starts a loop for every enabled strategy in the config.
func (s *Supervisor) StartEnabled(ctx context.Context) error {
	file, err := s.store.Load()
	if err != nil {
		return err
	}
	for symbol, strat := range file.Strategies {
		if strat.Enabled {
			s.Start(ctx, symbol, true)
		}
	}
	return nil
}

// Start spawns the symbol's control loop. A manual start resets the
// symbol's simulation state, restart history, and backoff; starting an
// already-running symbol is a no-op.
func (s *Supervisor) Start(ctx context.Context, symbol string, manual bool) {
	s.mu.Lock()
	if t, ok := s.tasks[symbol]; ok && !t.finished() {
		s.mu.Unlock()
		return
	}
	if manual {
		delete(s.manualStop, symbol)
		delete(s.restartTimes, symbol)
		if eng, ok := s.sims[symbol]; ok {
			eng.Reset()
		}
		if cur, ok := s.cursors[symbol]; ok {
			cur.Reset()
		}
		s.backoff.Clear(symbol)
	}
	if _, ok := s.sims[symbol]; !ok {
		s.sims[symbol] = sim.New()
	}
	if _, ok := s.cursors[symbol]; !ok {
		s.cursors[symbol] = NewPnLCursor()
	}
	now := s.now()
	s.startMs[symbol] = now.UnixMilli()
	s.status[symbol] = types.BotStatus{
		Symbol:    symbol,
		Running:   true,
		StartedAt: now,
		Message:   "starting",
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.tasks[symbol] = t
	s.mu.Unlock()

	s.group.Go(func() error {
		defer close(t.done)
		s.runSymbol(loopCtx, symbol)
		return nil
	})
}

// runSymbol runs the loop, restarting on crash while the budget allows.
func (s *Supervisor) runSymbol(ctx context.Context, symbol string) {
	for {
		loop := NewLoop(LoopConfig{
			Symbol:  symbol,
			Trader:  s.trader,
			Store:   s.store,
			Sim:     s.simFor(symbol),
			Cursor:  s.cursorFor(symbol),
			Backoff: s.backoff,
			Logger:  s.logger,
			StartMs: s.startMsFor(symbol),
			Now:     s.now,
			Publish: s.setStatus,
			OnStop:  func(reason string) { s.captureOnStop(symbol, reason) },
		})
		err := loop.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		s.logger.Error("bot.crash", "symbol", symbol, "error", err)
		rt := s.runtime()
		if s.isManualStop(symbol) || !rt.AutoRestart {
			s.markStopped(symbol, "stopped")
			return
		}
		if !s.consumeRestart(symbol, rt) {
			s.markStopped(symbol, "auto-restart exhausted")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(rt.RestartDelayMs) * time.Millisecond):
		}
		s.setStatus(types.BotStatus{Symbol: symbol, Running: true, Message: "restarting"})
		s.logger.Info("bot.restart", "symbol", symbol)
	}
}

// consumeRestart records a restart attempt and reports whether the
// budget still allows it: at most restart_max restarts within
// restart_window_ms.
func (s *Supervisor) consumeRestart(symbol string, rt config.Runtime) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.now().UnixMilli()
	times := append(s.restartTimes[symbol], nowMs)
	if rt.RestartWindowMs > 0 {
		cutoff := nowMs - rt.RestartWindowMs
		kept := times[:0]
		for _, t := range times {
			if t > cutoff {
				kept = append(kept, t)
			}
		}
		times = kept
	}
	s.restartTimes[symbol] = times
	return len(times) <= rt.RestartMax
}

// Stop cancels the symbol's loop, waits for it to exit, and clears its
// caches. Marks the symbol manually stopped, which forbids auto-restart
// until the next manual start.
func (s *Supervisor) Stop(symbol string) {
	s.mu.Lock()
	t, ok := s.tasks[symbol]
	s.manualStop[symbol] = true
	delete(s.restartTimes, symbol)
	s.mu.Unlock()

	if ok {
		t.cancel()
		<-t.done
	}

	s.mu.Lock()
	delete(s.tasks, symbol)
	if eng, exists := s.sims[symbol]; exists {
		eng.Reset()
	}
	st := s.status[symbol]
	st.Symbol = symbol
	st.Running = false
	st.Message = "stopped"
	s.status[symbol] = st
	s.mu.Unlock()
	s.backoff.Clear(symbol)
	s.logger.Info("bot.stop", "symbol", symbol, "manual", true)
}

// StopAll stops every symbol with a task.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	symbols := make([]string, 0, len(s.tasks))
	for symbol := range s.tasks {
		symbols = append(symbols, symbol)
	}
	s.mu.Unlock()

	for _, symbol := range symbols {
		s.Stop(symbol)
	}
}

// EmergencyStop halts every bot, sweeps any grid orders still resting on
// the venue, and writes a history record.
func (s *Supervisor) EmergencyStop(ctx context.Context) {
	s.logger.Warn("bot.emergency_stop")
	s.StopAll()

	file, err := s.store.Load()
	if err != nil {
		s.logger.Error("config load failed during emergency stop", "error", err)
		return
	}
	if file.Runtime.DryRun {
		s.mu.Lock()
		for _, eng := range s.sims {
			eng.CancelAll()
		}
		s.mu.Unlock()
	} else {
		for symbol, strat := range file.Strategies {
			s.sweepMarket(ctx, symbol, strat)
		}
	}
	if err := s.CaptureHistory(ctx, "emergency_stop", ""); err != nil {
		s.logger.Error("history capture failed", "error", err)
	}
}

// sweepMarket cancels up to emergencyCancelLimit of the symbol's own
// resting grid orders.
func (s *Supervisor) sweepMarket(ctx context.Context, symbol string, strat config.Strategy) {
	marketID := int64(0)
	if strat.MarketID != nil && *strat.MarketID > 0 {
		marketID = *strat.MarketID
	} else {
		id, err := s.trader.ResolveMarket(ctx, symbol)
		if err != nil {
			return
		}
		marketID = id
	}
	prefix := gridid.Prefix(s.trader.AccountKey(), marketID, symbol)

	orders, err := s.trader.ActiveOrders(ctx, marketID)
	if err != nil {
		s.logger.Error("sweep: active orders failed", "symbol", symbol, "error", err)
		return
	}
	swept := 0
	for _, o := range orders {
		if !gridid.IsGridOrder(prefix, o.ClientOrderID) {
			continue
		}
		if swept >= emergencyCancelLimit {
			break
		}
		if err := s.trader.Cancel(ctx, marketID, o.OrderID); err != nil {
			s.logger.Warn("sweep: cancel failed", "symbol", symbol, "order_id", o.OrderID, "error", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		s.logger.Info("sweep: cancelled", "symbol", symbol, "count", swept)
	}
}

// Snapshot returns a copy of every symbol's status.
func (s *Supervisor) Snapshot() map[string]types.BotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.BotStatus, len(s.status))
	for symbol, st := range s.status {
		out[symbol] = st
	}
	return out
}

// CaptureHistory appends one run-history record built from the current
// live or simulated state.
func (s *Supervisor) CaptureHistory(ctx context.Context, reason, stopReason string) error {
	file, err := s.store.Load()
	if err != nil {
		return err
	}
	rec := history.Record{
		CreatedAt:  s.now(),
		Exchange:   file.Exchange.Name,
		Reason:     reason,
		StopReason: stopReason,
		Symbols:    s.SymbolSnapshots(ctx),
	}
	rec.Sum()
	return s.hist.Append(rec)
}

// Wait blocks until every loop goroutine has exited.
func (s *Supervisor) Wait() {
	_ = s.group.Wait() // runners always return nil
}

func (s *Supervisor) captureOnStop(symbol, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.CaptureHistory(ctx, "stop", reason); err != nil {
		s.logger.Error("history capture failed", "symbol", symbol, "error", err)
	}
	s.markStopped(symbol, "stopped: "+reason)
}

func (s *Supervisor) markStopped(symbol, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status[symbol]
	st.Symbol = symbol
	st.Running = false
	st.Message = message
	s.status[symbol] = st
}

func (s *Supervisor) setStatus(st types.BotStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[st.Symbol] = st
}

func (s *Supervisor) simFor(symbol string) *sim.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	eng, ok := s.sims[symbol]
	if !ok {
		eng = sim.New()
		s.sims[symbol] = eng
	}
	return eng
}

func (s *Supervisor) cursorFor(symbol string) *PnLCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cursors[symbol]
	if !ok {
		cur = NewPnLCursor()
		s.cursors[symbol] = cur
	}
	return cur
}

func (s *Supervisor) startMsFor(symbol string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startMs[symbol]
}

func (s *Supervisor) isManualStop(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manualStop[symbol]
}

func (s *Supervisor) runtime() config.Runtime {
	file, err := s.store.Load()
	if err != nil {
		return config.DefaultRuntime()
	}
	return file.Runtime
}
