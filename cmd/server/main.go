// Command server runs the perpetual-futures matching engine: an HTTP
// ingress in front of the LMAX-disruptor event processor, plus the
// background tasks spec §5 describes as living outside the single-
// threaded core — funding, liquidation scanning, invariant monitoring and
// periodic snapshots. The funding and liquidation tasks (and the price
// ingest handler) produce events that flow through the very same ring
// buffer live order traffic does; the invariant and snapshot tasks only
// read ledger, position and book state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/perpengine/matching-engine/internal/config"
	"github.com/perpengine/matching-engine/internal/engine/engineerr"
	"github.com/perpengine/matching-engine/internal/engine/events"
	"github.com/perpengine/matching-engine/internal/engine/funding"
	"github.com/perpengine/matching-engine/internal/engine/invariant"
	"github.com/perpengine/matching-engine/internal/engine/ledger"
	"github.com/perpengine/matching-engine/internal/engine/liquidation"
	"github.com/perpengine/matching-engine/internal/engine/marketdata"
	"github.com/perpengine/matching-engine/internal/engine/matching"
	"github.com/perpengine/matching-engine/internal/engine/orderbook"
	"github.com/perpengine/matching-engine/internal/engine/priceagg"
	"github.com/perpengine/matching-engine/internal/engine/processor"
	"github.com/perpengine/matching-engine/internal/engine/risk"
	"github.com/perpengine/matching-engine/internal/engine/snapshot"
	"github.com/perpengine/matching-engine/internal/engine/telemetry"
	"github.com/perpengine/matching-engine/internal/engine/types"
)

// Server wires the engine's single-threaded core to its surrounding
// cooperative tasks, per spec §5: everything below talks to the core only
// through events submitted via the sequencer, or through read-locked
// snapshots of ledger/position/book state — never by calling into the
// matching engine directly.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	clock      *types.Clock
	balances   *ledger.Ledger
	positions  *ledger.PositionStore
	riskCk     *risk.Checker
	publisher  *marketdata.Publisher
	killSwitch *invariant.KillSwitch
	fund       *liquidation.InsuranceFund
	metrics    *telemetry.Metrics

	engine     *matching.Engine
	log        events.Log
	rb         *processor.RingBuffer
	sequencer  *processor.Sequencer
	proc       *processor.EventProcessor

	detector    *liquidation.Detector
	executor    *liquidation.Executor
	rateCalc    *funding.RateCalculator
	paymentCalc *funding.PaymentCalculator
	aggregators map[types.MarketID]*priceagg.Aggregator
	breaker     *priceagg.CircuitBreaker
	monitor     *invariant.Monitor

	snapshotWriter *snapshot.Writer
	markets        []config.MarketConfig
	symbolToMarket map[string]types.MarketID

	httpServer *http.Server
}

// NewServer builds every engine collaborator from cfg and wires them
// together, following the teacher's single-constructor composition root
// (cmd/server/main.go's NewServer) but fanning out over the richer set of
// perpetual-futures collaborators instead of a bare matcher + clearing
// house.
func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	clock := types.NewClock()
	balances := ledger.New()
	positions := ledger.NewPositionStore()
	publisher := marketdata.NewPublisher(1000)
	riskCk := risk.NewChecker()
	killSwitch := invariant.NewKillSwitch()
	metrics := telemetry.New()

	fund := liquidation.NewInsuranceFund(types.BalanceFromFloat(cfg.Liquidation.InsuranceFundSeed))

	engine := matching.NewEngine(balances, positions, riskCk, publisher, clock, matching.CancelMaker)

	symbolToMarket := make(map[string]types.MarketID, len(cfg.Markets))
	books := make(map[types.MarketID]*orderbook.OrderBook, len(cfg.Markets))
	aggregators := make(map[types.MarketID]*priceagg.Aggregator, len(cfg.Markets))

	for _, m := range cfg.Markets {
		marketID := m.MarketID()
		symbolToMarket[m.Symbol] = marketID

		riskCk.SetMarketConfig(marketID, risk.MarketConfig{
			MaxLeverage:     types.RatioFromFloat(m.MaxLeverage),
			MaintenanceRate: types.RatioFromFloat(m.MaintenanceRate),
			MaxPositionSize: types.QuantityFromFloat(m.MaxPositionSize),
		})
		engine.AddMarket(marketID, matching.FeeConfig{
			MakerRate: types.RatioFromFloat(m.MakerFeeRate),
			TakerRate: types.RatioFromFloat(m.TakerFeeRate),
		}, types.RatioFromFloat(m.MaxLeverage))
		books[marketID] = engine.Book(marketID)

		agg := priceagg.NewAggregator(marketID)
		agg.StalenessThreshold = time.Duration(cfg.PriceAgg.StalenessThresholdSec) * time.Second
		agg.OutlierThreshold = cfg.PriceAgg.OutlierThreshold
		agg.EMAAlpha = cfg.PriceAgg.EMAAlpha
		aggregators[marketID] = agg
	}

	sizer := liquidation.NewSizer(types.QuantityFromFloat(cfg.Liquidation.MinViableSize))
	executor := liquidation.NewExecutor(engine, balances, positions, fund, killSwitch, clock, sizer)
	detector := liquidation.NewDetector(positions, balances, riskCk)

	rateCalc := funding.NewRateCalculator(types.RatioFromFloat(cfg.Funding.EMAAlpha), types.FundingRateFromFloat(cfg.Funding.MaxRate))
	paymentCalc := funding.NewPaymentCalculator()
	applicator := funding.NewApplicator(balances, positions, clock)

	breaker := priceagg.NewCircuitBreaker(killSwitch)
	breaker.IndexStepThreshold = cfg.PriceAgg.IndexStepThreshold
	breaker.MarkIndexThreshold = cfg.PriceAgg.MarkIndexThreshold

	monitor := invariant.NewMonitor(books, balances, positions, riskCk, killSwitch)
	monitor.InsuranceFundDelta = func() types.Balance { return fund.Balance() - types.BalanceFromFloat(cfg.Liquidation.InsuranceFundSeed) }

	log, err := events.NewFileLog(events.FileLogConfig{
		Path:     cfg.Engine.EventLogPath,
		SyncMode: cfg.Engine.EventLogSyncMode,
	})
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	rb := processor.NewRingBuffer(processor.Config{BufferSize: uint64(cfg.Engine.RingBufferSize)})
	sequencer := processor.NewSequencer(rb)
	proc := processor.NewEventProcessor(rb, processor.Dependencies{
		Engine:     engine,
		Balances:   balances,
		Positions:  positions,
		Risk:       riskCk,
		Publisher:  publisher,
		Funding:    applicator,
		Liquidator: executor,
		KillSwitch: killSwitch,
		Clock:      clock,
		Log:        log,
		Metrics:    metrics,
	}, logger)

	for _, m := range cfg.Markets {
		proc.SetMarketRules(m.MarketID(), processor.MarketRules{
			TickSize: types.PriceFromFloat(m.TickSize),
			LotSize:  types.QuantityFromFloat(m.LotSize),
			MinSize:  types.QuantityFromFloat(m.MinSize),
			MaxSize:  types.QuantityFromFloat(m.MaxSize),
		})
	}

	if err := os.MkdirAll(cfg.Snapshot.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	snapshotWriter := snapshot.NewWriter(cfg.Snapshot.Dir, cfg.Snapshot.MaxSnapshots)

	s := &Server{
		cfg:            cfg,
		logger:         logger,
		clock:          clock,
		balances:       balances,
		positions:      positions,
		riskCk:         riskCk,
		publisher:      publisher,
		killSwitch:     killSwitch,
		fund:           fund,
		metrics:        metrics,
		engine:         engine,
		log:            log,
		rb:             rb,
		sequencer:      sequencer,
		proc:           proc,
		detector:       detector,
		executor:       executor,
		rateCalc:       rateCalc,
		paymentCalc:    paymentCalc,
		aggregators:    aggregators,
		breaker:        breaker,
		monitor:        monitor,
		snapshotWriter: snapshotWriter,
		markets:        cfg.Markets,
		symbolToMarket: symbolToMarket,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/orders", s.handleOrders)
	mux.HandleFunc("/orders/cancel", s.handleCancel)
	mux.HandleFunc("/accounts/balance", s.handleBalanceUpdate)
	mux.HandleFunc("/prices/ingest", s.handlePriceIngest)
	mux.HandleFunc("/book", s.handleBook)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s, nil
}

// marketLastTrade supplies the perp's own price fed to
// priceagg.Aggregator.Aggregate, per spec §4.6 step 2: the book's mid
// price when both sides are quoted, otherwise the publisher's current
// mark price, otherwise 0. It does not track the last traded price.
func (s *Server) marketLastTrade(marketID types.MarketID) float64 {
	if book := s.engine.Book(marketID); book != nil {
		if mid, ok := book.GetMidPrice(); ok {
			return mid.Float64()
		}
	}
	if mark, ok := s.publisher.MarkPrice(marketID); ok {
		return mark.Float64()
	}
	return 0
}

// submitEvent claims a ring-buffer sequence, stamps and publishes an
// event built from evtType/marketID/payload, and blocks for the
// processor's response — the same claim/publish/await pattern the teacher
// engine's handleOrder used, generalized to every event type instead of
// just order submission.
func (s *Server) submitEvent(evtType events.EventType, marketID types.MarketID, payload any) (*processor.Result, error) {
	seq, err := s.sequencer.Next()
	if err != nil {
		return nil, err
	}
	event := &events.BaseEvent{
		EventID:   types.NewEventID(),
		Type:      evtType,
		Timestamp: s.clock.Now(),
		MarketID:  marketID,
		Sequence:  events.Sequence(seq),
		Payload:   payload,
	}
	event.Stamp()

	responseCh := make(chan *processor.Result, 1)
	s.sequencer.Publish(seq, event, responseCh)

	select {
	case res := <-responseCh:
		return res, nil
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("event processing timeout")
	}
}

// Run starts the event processor and every background task, and blocks
// until ctx is cancelled or a task fails — the errgroup-supervised
// composition spec §5 calls for around the single-threaded core.
func (s *Server) Run(ctx context.Context) error {
	s.proc.Start()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info().Int("port", s.cfg.Server.Port).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutCtx)
	})

	g.Go(func() error { return s.fundingLoop(ctx) })
	g.Go(func() error { return s.liquidationLoop(ctx) })
	g.Go(func() error { return s.invariantLoop(ctx) })
	g.Go(func() error { return s.snapshotLoop(ctx) })

	err := g.Wait()
	s.proc.Shutdown()
	if closeErr := s.log.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	s.publisher.Close()
	return err
}

// fundingLoop runs spec §4.5's periodic funding round: compute the rate
// from each market's current (mark, index), compute zero-sum payments over
// every open position, and submit the batch as a single Funding event.
func (s *Server) fundingLoop(ctx context.Context) error {
	interval := time.Duration(s.cfg.Funding.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for marketID := range s.symbolToMarket {
				s.runFundingRound(marketID)
			}
		}
	}
}

func (s *Server) runFundingRound(marketID types.MarketID) {
	mark, ok := s.publisher.MarkPrice(marketID)
	if !ok {
		return
	}
	agg, ok := s.aggregators[marketID]
	if !ok {
		return
	}
	index := types.PriceFromFloat(agg.LastIndex())
	if index == 0 {
		return
	}

	rate, err := s.rateCalc.Update(marketID, mark, index)
	if err != nil {
		s.logger.Error().Err(err).Str("market", marketID.String()).Msg("funding rate update failed")
		return
	}

	var marketPositions []*ledger.Position
	for _, pos := range s.positions.All() {
		if pos.MarketID == marketID {
			marketPositions = append(marketPositions, pos)
		}
	}
	payments, err := s.paymentCalc.Compute(marketPositions, mark, rate)
	if err != nil {
		s.killSwitch.Trip(fmt.Sprintf("funding: %v", err), s.clock.Now())
		return
	}
	if len(payments) == 0 {
		return
	}

	entries := make([]events.FundingPaymentEntry, len(payments))
	for i, p := range payments {
		entries[i] = events.FundingPaymentEntry{AccountID: p.AccountID, Amount: p.Amount}
	}
	if _, err := s.submitEvent(events.EventTypeFunding, marketID, &events.FundingPayload{Rate: rate, Payments: entries}); err != nil {
		s.logger.Error().Err(err).Str("market", marketID.String()).Msg("funding event submission failed")
	}
}

// liquidationLoop runs spec §4.4's periodic scan: find every position whose
// margin ratio has fallen below 1.0 at current mark prices and submit one
// Liquidation event per candidate, worst margin ratio first.
func (s *Server) liquidationLoop(ctx context.Context) error {
	interval := time.Duration(s.cfg.Liquidation.ScanIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			marks := s.currentMarks()
			candidates := s.detector.Scan(marks)
			sort.Slice(candidates, func(i, j int) bool {
				return candidates[i].MarginRatio < candidates[j].MarginRatio
			})
			for _, c := range candidates {
				account, err := s.balances.Get(types.DeriveAccountID(c.UserID))
				if err != nil {
					continue
				}
				payload := &events.LiquidationPayload{
					LiquidationID: types.NewLiquidationID(),
					AccountID:     account.AccountID,
					Price:         c.MarkPrice,
					MarginRatio:   types.RatioFromFloat(c.MarginRatio),
				}
				if _, err := s.submitEvent(events.EventTypeLiquidation, c.MarketID, payload); err != nil {
					s.logger.Error().Err(err).Str("user", c.UserID.String()).Msg("liquidation event submission failed")
				}
			}
		}
	}
}

func (s *Server) currentMarks() map[types.MarketID]types.Price {
	marks := make(map[types.MarketID]types.Price, len(s.symbolToMarket))
	for _, marketID := range s.symbolToMarket {
		if mark, ok := s.publisher.MarkPrice(marketID); ok {
			marks[marketID] = mark
		}
	}
	return marks
}

// invariantLoop runs spec §4.7's five invariant checks once per tick.
func (s *Server) invariantLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if violations := s.monitor.Tick(s.currentMarks(), s.clock.Now()); len(violations) > 0 {
				s.logger.Error().Interface("violations", violations).Msg("invariant violations detected, kill switch tripped")
				s.metrics.KillSwitchTrips.Inc()
			}
		}
	}
}

// snapshotLoop runs spec §4.8's periodic consistent-read capture, writing
// one snapshot per market to durable storage with FIFO retention.
func (s *Server) snapshotLoop(ctx context.Context) error {
	interval := time.Duration(s.cfg.Snapshot.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.writeSnapshots(ctx)
		}
	}
}

func (s *Server) writeSnapshots(ctx context.Context) {
	now := s.clock.Now()
	accountsByMarket := make(map[types.MarketID][]*ledger.Account)
	for _, acct := range s.balances.Accounts() {
		accountsByMarket[acct.MarketID] = append(accountsByMarket[acct.MarketID], acct)
	}
	positionsByMarket := make(map[types.MarketID][]*ledger.Position)
	for _, pos := range s.positions.All() {
		positionsByMarket[pos.MarketID] = append(positionsByMarket[pos.MarketID], pos)
	}

	for _, marketID := range s.symbolToMarket {
		mark, _ := s.publisher.MarkPrice(marketID)
		var index types.Price
		if agg, ok := s.aggregators[marketID]; ok {
			index = types.PriceFromFloat(agg.LastIndex())
		}
		snap := snapshot.New(marketID, 0, now, accountsByMarket[marketID], positionsByMarket[marketID], mark, index)
		if err := s.snapshotWriter.Write(ctx, snap); err != nil {
			s.logger.Error().Err(err).Str("market", marketID.String()).Msg("snapshot write failed")
		}
	}
}

// --- HTTP handlers ---

// orderRequest carries price and quantity as decimal.Decimal rather than
// float64: JSON float64 round-tripping can perturb the low bits of a
// price a client expects to be exact, which at the wire boundary matters
// even though the engine's own arithmetic (internal/engine/types) is
// fixed-point int64 throughout.
type orderRequest struct {
	Symbol        string          `json:"symbol"`
	UserID        string          `json:"user_id"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	TimeInForce   string          `json:"time_in_force"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	ReduceOnly    bool            `json:"reduce_only"`
	PostOnly      bool            `json:"post_only"`
	ClientOrderID string          `json:"client_order_id"`
}

type orderResponse struct {
	Accepted bool   `json:"accepted"`
	OrderID  string `json:"order_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, orderResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	marketID, ok := s.symbolToMarket[req.Symbol]
	if !ok {
		writeJSON(w, http.StatusBadRequest, orderResponse{Error: "unknown symbol"})
		return
	}
	userID, err := parseUserID(req.UserID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, orderResponse{Error: err.Error()})
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, orderResponse{Error: err.Error()})
		return
	}
	orderType, err := parseOrderType(req.Type)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, orderResponse{Error: err.Error()})
		return
	}
	tif, err := parseTimeInForce(req.TimeInForce)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, orderResponse{Error: err.Error()})
		return
	}

	orderID := types.NewOrderID()
	payload := &events.OrderSubmitPayload{
		OrderID:       orderID,
		AccountID:     types.DeriveAccountID(userID),
		Side:          side,
		OrderType:     orderType,
		TimeInForce:   tif,
		Price:         decToPrice(req.Price),
		Quantity:      decToQuantity(req.Quantity),
		ReduceOnly:    req.ReduceOnly,
		PostOnly:      req.PostOnly,
		ClientOrderID: req.ClientOrderID,
	}

	res, err := s.submitEvent(events.EventTypeOrderSubmit, marketID, payload)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, orderResponse{Error: err.Error()})
		return
	}
	if !res.Accepted {
		status := http.StatusBadRequest
		if engineerr.Classify(res.Err) == engineerr.Fatal {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, orderResponse{Error: res.Err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Accepted: true, OrderID: orderID.String()})
}

type cancelRequest struct {
	Symbol  string `json:"symbol"`
	UserID  string `json:"user_id"`
	OrderID string `json:"order_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, orderResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	marketID, ok := s.symbolToMarket[req.Symbol]
	if !ok {
		writeJSON(w, http.StatusBadRequest, orderResponse{Error: "unknown symbol"})
		return
	}
	userID, err := parseUserID(req.UserID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, orderResponse{Error: err.Error()})
		return
	}
	orderID, err := parseOrderID(req.OrderID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, orderResponse{Error: err.Error()})
		return
	}

	payload := &events.OrderCancelPayload{OrderID: orderID, AccountID: types.DeriveAccountID(userID)}
	res, err := s.submitEvent(events.EventTypeOrderCancel, marketID, payload)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, orderResponse{Error: err.Error()})
		return
	}
	if !res.Accepted {
		writeJSON(w, http.StatusBadRequest, orderResponse{Error: res.Err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Accepted: true})
}

type balanceUpdateRequest struct {
	Symbol string          `json:"symbol"`
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) handleBalanceUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req balanceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, orderResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	marketID, ok := s.symbolToMarket[req.Symbol]
	if !ok {
		writeJSON(w, http.StatusBadRequest, orderResponse{Error: "unknown symbol"})
		return
	}
	userID, err := parseUserID(req.UserID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, orderResponse{Error: err.Error()})
		return
	}

	payload := &events.BalanceUpdatePayload{
		AccountID: types.DeriveAccountID(userID),
		UserID:    userID,
		Amount:    decToBalance(req.Amount),
	}
	res, err := s.submitEvent(events.EventTypeBalanceUpdate, marketID, payload)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, orderResponse{Error: err.Error()})
		return
	}
	if !res.Accepted {
		writeJSON(w, http.StatusBadRequest, orderResponse{Error: res.Err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Accepted: true})
}

type priceIngestRequest struct {
	Symbol  string  `json:"symbol"`
	Sources []struct {
		SourceID string  `json:"source_id"`
		Price    float64 `json:"price"`
		Weight   float64 `json:"weight"`
		Volume   float64 `json:"volume"`
	} `json:"sources"`
}

// handlePriceIngest runs one aggregation tick over externally-supplied raw
// price ticks and, if it produces a fresh snapshot, submits a
// PriceSnapshot event and runs the circuit breaker over the result, per
// spec §4.6. This stands in for the exchange/oracle feed adapters a real
// deployment would run as its own process; the engine itself only ever
// consumes already-collected ticks.
func (s *Server) handlePriceIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req priceIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, orderResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	marketID, ok := s.symbolToMarket[req.Symbol]
	if !ok {
		writeJSON(w, http.StatusBadRequest, orderResponse{Error: "unknown symbol"})
		return
	}
	agg, ok := s.aggregators[marketID]
	if !ok {
		writeJSON(w, http.StatusInternalServerError, orderResponse{Error: "no aggregator for market"})
		return
	}

	now := time.Now()
	updates := make([]priceagg.RawPriceUpdate, len(req.Sources))
	for i, src := range req.Sources {
		updates[i] = priceagg.RawPriceUpdate{
			SourceID:   src.SourceID,
			Price:      src.Price,
			Weight:     src.Weight,
			Volume:     src.Volume,
			Timestamp:  s.clock.Now(),
			ReceivedAt: now,
		}
	}

	snap, err := agg.Aggregate(updates, s.marketLastTrade(marketID), now)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, orderResponse{Error: err.Error()})
		return
	}

	allStale := snap.FreshSources == 0
	reason := s.breaker.Observe(snap.IndexPrice.Float64(), snap.MarkPrice.Float64(), allStale, snap.Timestamp)
	if reason != "" {
		s.logger.Error().Str("market", req.Symbol).Str("reason", reason).Msg("circuit breaker tripped")
	}

	if _, err := s.submitEvent(events.EventTypePriceSnapshot, marketID, &events.PriceSnapshotPayload{
		IndexPrice: snap.IndexPrice,
		MarkPrice:  snap.MarkPrice,
	}); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, orderResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Accepted: true})
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	marketID, ok := s.symbolToMarket[symbol]
	if !ok {
		http.Error(w, "unknown symbol", http.StatusNotFound)
		return
	}
	book := s.engine.Book(marketID)
	if book == nil {
		http.Error(w, "market not found", http.StatusNotFound)
		return
	}

	bids := book.BidLevels(10)
	asks := book.AskLevels(10)
	bidData := make([]map[string]string, len(bids))
	for i, lvl := range bids {
		bidData[i] = map[string]string{"price": lvl.Price.String(), "quantity": lvl.TotalQty.String()}
	}
	askData := make([]map[string]string, len(asks))
	for i, lvl := range asks {
		askData[i] = map[string]string{"price": lvl.Price.String(), "quantity": lvl.TotalQty.String()}
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "bids": bidData, "asks": askData})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.killSwitch.Tripped() {
		status = "halted"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status, "reason": s.killSwitch.Reason()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decToPrice/decToQuantity/decToBalance convert a wire-level decimal into
// the engine's fixed-point representation via integer decimal arithmetic
// (scale then round), rather than routing through float64.
func decToPrice(d decimal.Decimal) types.Price {
	return types.Price(d.Mul(decimal.NewFromInt(types.PriceScale)).Round(0).IntPart())
}

func decToQuantity(d decimal.Decimal) types.Quantity {
	return types.Quantity(d.Mul(decimal.NewFromInt(types.PriceScale)).Round(0).IntPart())
}

func decToBalance(d decimal.Decimal) types.Balance {
	return types.Balance(d.Mul(decimal.NewFromInt(types.PriceScale)).Round(0).IntPart())
}

func parseUserID(s string) (types.UserID, error) {
	id, err := uuidParse(s)
	if err != nil {
		return types.UserID{}, fmt.Errorf("invalid user_id: %w", err)
	}
	return types.UserID(id), nil
}

func parseOrderID(s string) (types.OrderID, error) {
	id, err := uuidParse(s)
	if err != nil {
		return types.OrderID{}, fmt.Errorf("invalid order_id: %w", err)
	}
	return types.OrderID(id), nil
}

func parseSide(s string) (events.Side, error) {
	switch s {
	case "buy", "BUY":
		return events.SideBuy, nil
	case "sell", "SELL":
		return events.SideSell, nil
	default:
		return 0, fmt.Errorf("invalid side: must be 'buy' or 'sell'")
	}
}

func parseOrderType(s string) (events.OrderType, error) {
	switch s {
	case "market", "MARKET":
		return events.OrderTypeMarket, nil
	case "limit", "LIMIT":
		return events.OrderTypeLimit, nil
	default:
		return 0, fmt.Errorf("invalid type: must be 'market' or 'limit'")
	}
}

func parseTimeInForce(s string) (events.TimeInForce, error) {
	switch s {
	case "", "gtc", "GTC":
		return events.TimeInForceGTC, nil
	case "ioc", "IOC":
		return events.TimeInForceIOC, nil
	case "fok", "FOK":
		return events.TimeInForceFOK, nil
	default:
		return 0, fmt.Errorf("invalid time_in_force: must be 'gtc', 'ioc' or 'fok'")
	}
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logLevel, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(logLevel).With().Timestamp().Str("service", "matching-engine").Logger()
	if cfg.Logging.Format != "json" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	if dump, err := cfg.Dump(); err == nil {
		logger.Debug().Str("config", dump).Msg("resolved configuration")
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("received shutdown signal")
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}
