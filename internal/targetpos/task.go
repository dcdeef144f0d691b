// Package targetpos is the target-position reconciliation engine: given a
// user-supplied desired net position for a contract, it autonomously
// issues, cancels, and re-prices orders until the live position matches
// the target, subject to exchange-specific open/close offset rules and
// optional large-order splitting.
package targetpos

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/comicfans/targetpos-go/internal/trace"
	"github.com/comicfans/targetpos-go/pkg/broker"
)

// disallowedPrefixes rejects symbols whose minimum-lot rules this engine
// does not model, per §6. Each prefix carries its own diagnostic, per the
// supplement in SPEC_FULL.md §9.2 (the source raises a distinct message
// per exchange rule rather than one generic message for all seven).
var disallowedPrefixes = []struct {
	prefix  string
	message string
}{
	{"CZCE.CJ", "CZCE red jujube (CJ) contracts trade in whole-lot minimums this engine does not model"},
	{"CZCE.ZC", "CZCE thermal coal (ZC) contracts trade in whole-lot minimums this engine does not model"},
	{"CZCE.WH", "CZCE wheat (WH) contracts trade in whole-lot minimums this engine does not model"},
	{"CZCE.PM", "CZCE japonica rice (PM) contracts trade in whole-lot minimums this engine does not model"},
	{"CZCE.RI", "CZCE early rice (RI) contracts trade in whole-lot minimums this engine does not model"},
	{"CZCE.JR", "CZCE round-grained rice (JR) contracts trade in whole-lot minimums this engine does not model"},
	{"CZCE.LR", "CZCE late rice (LR) contracts trade in whole-lot minimums this engine does not model"},
}

// SessionChecker decides whether a symbol is in a tradable session at the
// given (broker-clock-corrected) time. The account/session runtime this
// engine normally delegates to is out of scope (§1); callers supply a
// concrete checker, or leave it nil to always permit trading (used by the
// demo harness and most tests).
type SessionChecker interface {
	InTradingSession(now time.Time, symbol string) bool
}

type alwaysOpen struct{}

func (alwaysOpen) InTradingSession(time.Time, string) bool { return true }

// BacktestClock, when set, is consulted instead of the wall clock for the
// trading-session gate — the Go analogue of the source's
// `_tqsdk_backtest.current_dt` recognition.
type BacktestClock func() time.Time

// Config is the full set of constructor parameters, validated once at
// construction time and frozen for the task's lifetime (§3).
type Config struct {
	Account string
	Symbol  string

	// PriceMode is "ACTIVE" or "PASSIVE"; ignored if CustomPrice is set.
	PriceMode   string
	CustomPrice CustomPriceFunc

	// OffsetPriority defaults to "今昨,开" per §6 if empty.
	OffsetPriority string

	// MinVolume/MaxVolume must both be zero (no splitting) or both set
	// with 0 < MinVolume <= MaxVolume.
	MinVolume int64
	MaxVolume int64

	// TradeChan/TradeObjsChan are borrowed: this task sends on them but
	// never closes them.
	TradeChan     chan<- int64
	TradeObjsChan chan<- broker.Trade

	SessionChecker SessionChecker
	Backtest       BacktestClock

	// RequireExplicitAccount surfaces MultiAccountAccountRequired when
	// Account is empty — set by callers whose broker handle spans more
	// than one account.
	RequireExplicitAccount bool

	// Tracer receives one event per await/resume/wait/complete point in
	// this task's tree, per §6. Nil disables tracing.
	Tracer *trace.Emitter
}

func (c Config) offsetPriority() string {
	if c.OffsetPriority == "" {
		return tokenCloseToday + tokenCloseHistory + tokenBarrier + tokenOpen
	}
	return c.OffsetPriority
}

// TargetPosTask is the singleton-keyed controller described in §4.2. There
// is exactly one live instance per (account, symbol) at any time,
// enforced by the package-level registry.
type TargetPosTask struct {
	logger *slog.Logger
	api    broker.API
	cfg    Config
	key    string
	params registryParams

	policy PricePolicy
	tokens []string

	targetCh *latestChan[int64]
	clock    *marketClockTask

	tracer *trace.Emitter
	taskID int64

	ctx    context.Context
	cancel context.CancelFunc

	mainDone chan struct{}
	childWG  sync.WaitGroup

	mu       sync.Mutex
	finished bool
}

// New constructs (or returns the existing) TargetPosTask for
// (account, symbol). A second construction with different
// OffsetPriority/PriceMode/MinVolume/MaxVolume fails with
// ConfigurationConflict (§4.1). A newly constructed task is already
// running when returned: the registry starts its main loop once this
// construction has won the race for its key.
func New(api broker.API, cfg Config, logger *slog.Logger) (*TargetPosTask, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := checkDisallowedSymbol(cfg.Symbol); err != nil {
		return nil, err
	}

	if cfg.Account == "" && cfg.RequireExplicitAccount {
		return nil, newError(ErrMultiAccountAccountRequired, "account must be specified explicitly for symbol %q", cfg.Symbol)
	}

	tokens, err := validateOffsetPriority(cfg.offsetPriority())
	if err != nil {
		return nil, err
	}

	var policy PricePolicy
	if cfg.CustomPrice != nil {
		policy = PricePolicy{Mode: PriceCustom, Custom: cfg.CustomPrice}
	} else {
		mode, err := ParsePriceMode(cfg.PriceMode)
		if err != nil {
			return nil, err
		}
		policy = PricePolicy{Mode: mode}
	}

	hasMin, hasMax := cfg.MinVolume != 0, cfg.MaxVolume != 0
	if hasMin != hasMax {
		return nil, newError(ErrInvalidArgument, "min_volume and max_volume must both be set or both be zero")
	}
	if hasMin && !(0 < cfg.MinVolume && cfg.MinVolume <= cfg.MaxVolume) {
		return nil, newError(ErrInvalidArgument, "min_volume/max_volume must satisfy 0 < min <= max, got (%d, %d)", cfg.MinVolume, cfg.MaxVolume)
	}

	params := registryParams{
		offsetPriority: cfg.offsetPriority(),
		pricePolicy:    policy.Mode.String(),
		minVolume:      cfg.MinVolume,
		maxVolume:      cfg.MaxVolume,
		hasSplit:       hasMin,
	}
	key := registryKey(cfg.Account, cfg.Symbol)

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = trace.NewNopEmitter()
	}

	return globalRegistry.getOrCreate(key, params, func() (*TargetPosTask, error) {
		ctx, cancel := context.WithCancel(context.Background())
		t := &TargetPosTask{
			logger:   logger.With("component", "target_pos_task", "symbol", cfg.Symbol, "account", cfg.Account),
			api:      api,
			cfg:      cfg,
			key:      key,
			params:   params,
			policy:   policy,
			tokens:   tokens,
			targetCh: newLatestChan[int64](),
			clock:    newMarketClockTask(logger),
			tracer:   tracer,
			taskID:   tracer.NextTaskID(),
			ctx:      ctx,
			cancel:   cancel,
			mainDone: make(chan struct{}),
		}
		// The task is fully constructed but not yet started: getOrCreate
		// starts it only once it has confirmed this construction won any
		// concurrent race for key.
		return t, nil
	})
}

// start begins the controller's main loop. Called exactly once, by the
// registry, after this task has won construction for its key.
func (t *TargetPosTask) start() {
	go t.run()
}

// emit records one trace event for this task's main loop.
func (t *TargetPosTask) emit(funcName, event string, my trace.MyEvent) {
	if t.tracer == nil {
		return
	}
	t.tracer.Emit(trace.Event{
		Timestamp:   time.Now(),
		FuncName:    funcName,
		Event:       event,
		MyEvent:     my,
		CurrentTask: t.taskID,
		Clazz:       "TargetPosTask",
		Symbol:      t.cfg.Symbol,
	})
}

func checkDisallowedSymbol(symbol string) error {
	for _, d := range disallowedPrefixes {
		if strings.HasPrefix(symbol, d.prefix) {
			return newError(ErrUnsupportedInstrument, "%s: %s", symbol, d.message)
		}
	}
	return nil
}

// SetTargetVolume pushes v into the latest-only target channel. Returns
// Terminated if the controller has already finished.
func (t *TargetPosTask) SetTargetVolume(v int64) error {
	if t.IsFinished() {
		return newError(ErrTerminated, "set_target_volume called on a finished TargetPosTask for %q", t.cfg.Symbol)
	}
	t.targetCh.send(v)
	return nil
}

// Cancel requests controller termination. It does not block; use
// IsFinished (or wait on done, exposed only internally) to observe
// completion.
func (t *TargetPosTask) Cancel() {
	t.cancel()
}

// IsFinished reports whether the controller's main loop has exited.
func (t *TargetPosTask) IsFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

func (t *TargetPosTask) sessionChecker() SessionChecker {
	if t.cfg.SessionChecker != nil {
		return t.cfg.SessionChecker
	}
	return alwaysOpen{}
}

func (t *TargetPosTask) effectiveNow() time.Time {
	if t.cfg.Backtest != nil {
		return t.cfg.Backtest()
	}
	return t.clock.now()
}

// run is the controller's main loop: §4.2 steps 1-3.
func (t *TargetPosTask) run() {
	defer t.terminate()

	updates, unsubscribe, err := t.api.Subscribe(t.ctx, t.cfg.Symbol)
	if err != nil {
		t.logger.Error("failed to subscribe to quote feed", "error", err)
		return
	}
	defer unsubscribe()

	clockUpdates := make(chan broker.Update, 64)
	go func() {
		defer close(clockUpdates)
		for u := range updates {
			select {
			case clockUpdates <- u:
			default:
			}
		}
	}()
	go t.clock.run(t.ctx, clockUpdates)

	// Step 1: await first quote.
	t.emit("run", "wait_quote", trace.Await)
	if _, err := t.api.GetQuote(t.ctx, t.cfg.Symbol); err != nil {
		t.logger.Error("failed to fetch initial quote", "error", err)
		return
	}
	t.emit("run", "wait_quote", trace.Resume)

	for {
		t.emit("run", "wait_target", trace.Wait)
		target, ok := t.targetCh.recv(t.ctx.Done())
		if !ok {
			return
		}
		t.emit("run", "wait_target", trace.Complete)

		t.emit("run", "wait_trading_session", trace.Wait)
		if !t.awaitTradingSession() {
			return
		}
		t.emit("run", "wait_trading_session", trace.Complete)

		// Pick up any target set while the trading-session gate was
		// blocking, instead of acting on a value that may already be
		// stale.
		target = t.targetCh.recvLatest(target)

		pos, err := t.api.GetPosition(t.ctx, t.cfg.Symbol)
		if err != nil {
			t.logger.Error("failed to fetch position", "error", err)
			continue
		}

		t.dispatchWave(target, pos)
	}
}

// awaitTradingSession blocks until the symbol is in a tradable session,
// retrying on every clock update. Returns false if ctx is cancelled
// first.
func (t *TargetPosTask) awaitTradingSession() bool {
	checker := t.sessionChecker()
	for !checker.InTradingSession(t.effectiveNow(), t.cfg.Symbol) {
		if !t.clock.waitForUpdate(t.ctx) {
			return false
		}
	}
	return true
}

// dispatchWave implements §4.2 step 2c: walk the offset-priority tokens,
// spawning repricingOrderTasks for each non-barrier token with volume > 0,
// awaiting the current wave at each barrier.
func (t *TargetPosTask) dispatchWave(target int64, pos broker.Position) {
	delta := target - pos.Pos
	pendingFrozen := int64(0)
	var waveWG sync.WaitGroup

	for _, tok := range t.tokens {
		if tok == tokenBarrier {
			waveWG.Wait()
			pendingFrozen = 0
			continue
		}
		if delta == 0 {
			continue
		}

		wo, err := decomposeToken(tok, t.cfg.Symbol, delta, pendingFrozen, pos)
		if err != nil {
			t.logger.Error("offset decomposition failed", "token", tok, "error", err)
			continue
		}
		if wo.Volume <= 0 {
			continue
		}

		rt := &repricingOrderTask{
			logger:      t.logger,
			api:         t.api,
			account:     t.cfg.Account,
			symbol:      t.cfg.Symbol,
			dir:         wo.Dir,
			offset:      wo.Offset,
			policy:      t.policy,
			minVolume:   t.cfg.MinVolume,
			maxVolume:   t.cfg.MaxVolume,
			hasSplit:    t.cfg.MinVolume != 0,
			tradeCh:     t.cfg.TradeChan,
			tradeObjsCh: t.cfg.TradeObjsChan,
			tracer:      t.tracer,
			taskID:      t.tracer.NextTaskID(),
		}

		waveWG.Add(1)
		t.childWG.Add(1)
		go func(volume int64) {
			defer waveWG.Done()
			defer t.childWG.Done()
			if err := rt.run(t.ctx, volume); err != nil {
				t.logger.Error("repricing order task failed", "error", err, "offset", wo.Offset, "direction", wo.Dir)
			}
		}(wo.Volume)

		delta -= wo.signedVolume()
		if wo.Offset != broker.OffsetOpen {
			pendingFrozen += wo.Volume
		}
	}

	t.emit("dispatchWave", "wait_wave", trace.Wait)
	waveWG.Wait()
	t.emit("dispatchWave", "wait_wave", trace.Complete)
}

// terminate implements §4.2 step 3: unregister, close the target channel,
// cancel the clock task, and best-effort drain all outstanding repricing
// tasks.
func (t *TargetPosTask) terminate() {
	globalRegistry.remove(t.key)
	t.targetCh.close()
	t.cancel()
	t.childWG.Wait()

	t.mu.Lock()
	t.finished = true
	t.mu.Unlock()
	close(t.mainDone)
}
