package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/nightlyone/lockfile"

	"floor-oracle/internal/agent"
	"floor-oracle/internal/breaker"
	"floor-oracle/internal/chain"
	"floor-oracle/internal/config"
	"floor-oracle/internal/ethutil"
	"floor-oracle/internal/floor"
	"floor-oracle/internal/metrics"
	"floor-oracle/internal/oracle"
	"floor-oracle/internal/pool"
	"floor-oracle/internal/price"
	"floor-oracle/internal/retry"
	"floor-oracle/internal/state"
	"floor-oracle/internal/trading"
	"floor-oracle/internal/txqueue"
)

type options struct {
	apply       bool
	every       time.Duration
	configPath  string
	stateDir    string
	metricsAddr string
	history     int
}

func main() {
	log.SetFlags(0)

	if err := config.LoadDotenv(); err != nil {
		log.Printf("[warn] %v", err)
	}

	var opts options
	flag.BoolVar(&opts.apply, "apply", false, "Send transactions (default: simulation, nothing is sent or persisted)")
	flag.DurationVar(&opts.every, "every", 0, "Run a cycle every interval until interrupted (default: run once)")
	flag.StringVar(&opts.configPath, "config", "", "Optional YAML config file")
	flag.StringVar(&opts.stateDir, "state-dir", "", "State directory (default: STATE_DIR or config)")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9102")
	flag.IntVar(&opts.history, "history", 0, "Print the last N cycle snapshots and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		stop()
		log.Fatalf("[fatal] %v", err)
	}
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.stateDir != "" {
		cfg.State.Dir = opts.stateDir
	}
	if opts.apply {
		if err := cfg.ValidateLive(); err != nil {
			return err
		}
	}

	stateDir, err := filepath.Abs(cfg.State.Dir)
	if err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	lock, err := lockfile.New(filepath.Join(stateDir, "oracle.lock"))
	if err != nil {
		return fmt.Errorf("could not create lock file: %w", err)
	}
	if err := lock.TryLock(); err != nil {
		return fmt.Errorf("another instance holds %s: %w", stateDir, err)
	}
	defer lock.Unlock()

	store, err := state.Open(cfg.State.Backend, stateDir)
	if err != nil {
		return err
	}
	defer store.Close()
	if opts.history > 0 {
		return printHistory(ctx, store, opts.history)
	}
	var runStore state.Store = store
	if !opts.apply {
		runStore = state.NewReadOnly(store)
	}

	m := metrics.New("")
	if opts.metricsAddr != "" {
		srv := serveMetrics(opts.metricsAddr, m)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	dialCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	client, chainID, err := chain.Dial(dialCtx, cfg.RPCURL)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	runner, closeQueues, err := build(ctx, cfg, opts, client, chainID, runStore, m)
	if err != nil {
		return err
	}
	defer closeQueues()

	mode := "SIMULATION"
	if opts.apply {
		mode = "LIVE"
	}
	log.Printf("Floor oracle (%s)", mode)
	log.Printf("RPC: %s (chain id %s)", cfg.RPCURL, chainID)
	log.Printf("Collection: %s", cfg.Collection)
	log.Printf("Consumer: %s", cfg.Consumer)
	log.Printf("State: %s (%s)", stateDir, cfg.State.Backend)
	fallbacks := cfg.PoolConfig().Fallbacks
	for _, token := range ethutil.SortedKeys(fallbacks) {
		log.Printf("Fallback pool: %s -> %s", ethutil.Lower(token), ethutil.Lower(fallbacks[token]))
	}
	log.Printf("Trading: %s", cfg.Trade.Mode)

	if opts.every <= 0 {
		_, err := runner.RunOnce(ctx)
		return err
	}

	log.Printf("Loop: every %s", opts.every)
	for {
		if _, err := runner.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[error] %v", err)
		}
		if err := retry.Sleep(ctx, opts.every); err != nil {
			log.Printf("[info] shutting down")
			return nil
		}
	}
}

func printHistory(ctx context.Context, store state.Store, n int) error {
	snaps, err := agent.History(ctx, store, n)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Println("no cycles recorded")
		return nil
	}
	for _, s := range snaps {
		reason := "-"
		if s.Decision != nil {
			reason = string(s.Decision.Reason)
		}
		line := fmt.Sprintf("%s %-8s %-12s floor=%s rate=%s reason=%s",
			s.At.Format(time.RFC3339), s.Mode, s.Result, s.Floor, s.Rate, reason)
		if s.FloorTx != "" {
			line += " floorTx=" + s.FloorTx
		}
		if s.Trade != nil && s.Trade.Side != trading.SideNone {
			line += fmt.Sprintf(" trade=%s/%d%%", s.Trade.Side, s.Trade.Pct)
		}
		if s.Error != "" {
			line += fmt.Sprintf(" error=%q", s.Error)
		}
		fmt.Println(line)
	}
	return nil
}

func serveMetrics(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[warn] metrics server: %v", err)
		}
	}()
	log.Printf("Metrics: http://%s/metrics", addr)
	return srv
}

func build(ctx context.Context, cfg *config.Config, opts options, client *ethclient.Client, chainID *big.Int, store state.Store, m *metrics.Metrics) (*agent.Runner, func(), error) {
	pacer := cfg.Pacer()
	reader := chain.NewReader(client, retry.ReadPolicy, pacer)

	locator, err := pool.NewLocator(reader, cfg.PoolConfig())
	if err != nil {
		return nil, nil, err
	}
	floorClient, err := floor.NewClient(cfg.FloorURL, common.HexToAddress(cfg.Collection), floor.WithPacer(pacer))
	if err != nil {
		return nil, nil, err
	}
	assets, err := cfg.PriceAssets()
	if err != nil {
		return nil, nil, err
	}
	builder, err := price.NewBuilder(floorClient, locator, price.NewResolver(reader), assets)
	if err != nil {
		return nil, nil, err
	}

	br, err := breaker.New(ctx, store, breaker.Config{
		Threshold: cfg.Breaker.Threshold,
		Cooldown:  cfg.Breaker.Cooldown,
		OnTrip: func(until time.Time) {
			m.ObserveTrip()
			log.Printf("[breaker] cooling down until %s", until.Format(time.RFC3339))
		},
	})
	if err != nil {
		return nil, nil, err
	}

	deps := agent.Deps{
		Store:   store,
		Prices:  builder,
		Machine: oracle.NewMachine(cfg.Thresholds()),
		Gate:    br,
		Metrics: m,
	}

	queues := newQueues(client, chain.NewConfirmer(client, cfg.ConfirmTimeout), br, m)

	if opts.apply {
		key, err := config.ParseKey(cfg.OracleKey)
		if err != nil {
			return nil, nil, fmt.Errorf("ORACLE_PK: %w", err)
		}
		tx, err := chain.NewTransactor(client, key, chainID)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("Oracle signer: %s", tx.From().Hex())
		deps.Publisher, err = oracle.NewPublisher(oracle.PublisherConfig{
			Consumer:   common.HexToAddress(cfg.Consumer),
			GasLimit:   cfg.Push.GasLimit,
			FloorAsset: cfg.FloorAsset,
			RateAsset:  cfg.RateAsset,
			Retry:      retry.SubmitPolicy,
			Pacer:      pacer,
		}, queues.forAccount(tx.From()), tx, br)
		if err != nil {
			return nil, nil, err
		}
	}

	if cfg.TradingEnabled() {
		trader, err := buildTrader(cfg, opts, client, chainID, reader, queues, br)
		if err != nil {
			return nil, nil, err
		}
		deps.Trader = trader
	}

	runner, err := agent.NewRunner(agent.Config{
		Live:       opts.apply,
		FloorAsset: cfg.FloorAsset,
		RateAsset:  cfg.RateAsset,
	}, deps)
	if err != nil {
		queues.close()
		return nil, nil, err
	}
	return runner, queues.close, nil
}

func buildTrader(cfg *config.Config, opts options, client *ethclient.Client, chainID *big.Int, reader *chain.Reader, queues *queueSet, br *breaker.Breaker) (*trading.Policy, error) {
	tcfg, err := cfg.TradingConfig()
	if err != nil {
		return nil, err
	}
	key, err := traderKey(cfg.TraderKey, opts.apply)
	if err != nil {
		return nil, err
	}
	tx, err := chain.NewTransactor(client, key, chainID)
	if err != nil {
		return nil, err
	}
	var popts []trading.Option
	if !opts.apply {
		popts = append(popts, trading.DryRun())
	}
	log.Printf("Trader: %s (base %s native, slippage %d bps)", tx.From().Hex(), tcfg.BaseTrade, tcfg.SlippageBps)
	return trading.NewPolicy(tcfg, reader, queues.forAccount(tx.From()), tx, br, popts...)
}

// traderKey parses the trading key. Simulation runs without one use an
// ephemeral key, since nothing is signed.
func traderKey(raw string, live bool) (*ecdsa.PrivateKey, error) {
	if raw != "" || live {
		key, err := config.ParseKey(raw)
		if err != nil {
			return nil, fmt.Errorf("TRADER_PK: %w", err)
		}
		return key, nil
	}
	log.Printf("[info] no trader key provided; using ephemeral key for simulation")
	return crypto.GenerateKey()
}

// queueSet hands out one transaction queue per signing account, so the oracle
// and the trader share a nonce cursor when they use the same key.
type queueSet struct {
	client  *ethclient.Client
	waiter  txqueue.Waiter
	br      *breaker.Breaker
	metrics *metrics.Metrics
	queues  map[common.Address]*txqueue.Queue
}

func newQueues(client *ethclient.Client, waiter txqueue.Waiter, br *breaker.Breaker, m *metrics.Metrics) *queueSet {
	return &queueSet{client: client, waiter: waiter, br: br, metrics: m, queues: make(map[common.Address]*txqueue.Queue)}
}

func (s *queueSet) forAccount(account common.Address) *txqueue.Queue {
	if q, ok := s.queues[account]; ok {
		return q
	}
	q := txqueue.New(account, s.client, s.waiter,
		txqueue.WithFailureRecorder(s.br),
		txqueue.WithObserver(func(r txqueue.Result) { s.metrics.ObserveTx(r.Label, r.Outcome()) }),
	)
	s.queues[account] = q
	return q
}

func (s *queueSet) close() {
	for _, q := range s.queues {
		q.Close()
	}
}
