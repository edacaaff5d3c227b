// Package node assembles a settlerd process from config: one store, book
// and guard per hosted instance, the transport fabric that connects them,
// and the hub pipeline when this node carries the router.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/fluxline/intent-settler/internal/guard"
	"github.com/fluxline/intent-settler/internal/ledger"
	"github.com/fluxline/intent-settler/internal/metrics"
	"github.com/fluxline/intent-settler/internal/router"
	"github.com/fluxline/intent-settler/pkg/common/config"
	"github.com/fluxline/intent-settler/pkg/common/constant"
	"github.com/fluxline/intent-settler/pkg/common/enum"
	"github.com/fluxline/intent-settler/pkg/common/types"
	"github.com/fluxline/intent-settler/pkg/events"
	"github.com/fluxline/intent-settler/pkg/infra"
	"github.com/fluxline/intent-settler/pkg/kvstore"
	"github.com/fluxline/intent-settler/pkg/swap"
	"github.com/fluxline/intent-settler/pkg/token"
	"github.com/fluxline/intent-settler/pkg/transport"
)

// genesisKey marks a store whose config-declared state has been applied.
// Seeding runs once per store; later config edits go through the admin
// surface, not through restarts.
const genesisKey = "genesis/seeded"

type hubRuntime struct {
	cfg      config.HubConfig
	kv       infra.KVStore
	book     token.Book
	guard    *guard.Guard
	registry *router.Registry
	engine   *swap.SimEngine
	oracle   *swap.StaticOracle
	router   *router.Router
}

type ledgerRuntime struct {
	name   string
	cfg    config.LedgerConfig
	kv     infra.KVStore
	book   token.Book
	guard  *guard.Guard
	ledger *ledger.Ledger
}

type Manager struct {
	cfg     config.Config
	log     *slog.Logger
	admin   common.Address
	metrics *metrics.Metrics

	nc      *nats.Conn
	fabric  transport.Fabric
	emitter events.Emitter

	hub     *hubRuntime
	ledgers map[string]*ledgerRuntime
	stores  []infra.KVStore
}

func NewManager(cfg config.Config, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:     cfg,
		log:     log,
		admin:   common.HexToAddress(cfg.Admin),
		metrics: metrics.New(),
		ledgers: make(map[string]*ledgerRuntime),
	}
	built := false
	defer func() {
		if !built {
			_ = m.Stop()
		}
	}()

	if cfg.Transport.Mode == enum.TransportModeNATS || cfg.NATS.URL != "" {
		nc, err := infra.GetNATSConnection(cfg.NATS, cfg.Environment)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		m.nc = nc
	}
	if m.nc != nil {
		m.emitter = events.NewNATSEmitter(m.nc, cfg.NATS.SubjectPrefix)
	} else {
		m.emitter = events.NopEmitter{}
	}

	switch cfg.Transport.Mode {
	case enum.TransportModeLoopback:
		m.fabric = transport.NewLoopback(log)
	case enum.TransportModeNATS:
		fab, err := transport.NewNATS(m.nc, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			return nil, err
		}
		m.fabric = fab
	default:
		return nil, fmt.Errorf("unsupported transport mode %q", cfg.Transport.Mode)
	}
	m.fabric.SetRevertHook(m.onRevert)

	if cfg.Hub != nil {
		if err := m.buildHub(*cfg.Hub); err != nil {
			return nil, fmt.Errorf("build hub: %w", err)
		}
	}
	names := make([]string, 0, len(cfg.Ledgers.Items))
	for name := range cfg.Ledgers.Items {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := m.buildLedger(name, cfg.Ledgers.Items[name]); err != nil {
			return nil, fmt.Errorf("build ledger %s: %w", name, err)
		}
	}
	m.wireRoutes()

	built = true
	return m, nil
}

// Start brings up transport consumers. A loopback fabric carries traffic as
// soon as the manager is built; this stays the lifecycle gate for queue
// transports.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.fabric.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	hosted := make([]string, 0, len(m.ledgers)+1)
	if m.hub != nil {
		hosted = append(hosted, "hub")
	}
	for name := range m.ledgers {
		hosted = append(hosted, name)
	}
	sort.Strings(hosted)
	m.log.Info("node started",
		"transport", string(m.cfg.Transport.Mode), "instances", strings.Join(hosted, ","))
	return nil
}

// Stop releases everything the manager opened. Safe on a partially built
// manager.
func (m *Manager) Stop() error {
	errs := &types.MultiError{}
	if m.fabric != nil {
		errs.Add(m.fabric.Close())
	}
	if m.emitter != nil {
		m.emitter.Close()
	}
	for _, kv := range m.stores {
		errs.Add(kv.Close())
	}
	m.stores = nil
	if m.nc != nil {
		m.nc.Close()
		m.nc = nil
	}
	return errs.Err()
}

// Router returns the hosted hub router, nil on ledger-only nodes.
func (m *Manager) Router() *router.Router {
	if m.hub == nil {
		return nil
	}
	return m.hub.router
}

// Ledger returns a hosted ledger instance by its config name.
func (m *Manager) Ledger(name string) (*ledger.Ledger, bool) {
	inst, ok := m.ledgers[name]
	if !ok {
		return nil, false
	}
	return inst.ledger, true
}

func (m *Manager) Metrics() *metrics.Metrics { return m.metrics }

func (m *Manager) buildHub(hc config.HubConfig) error {
	kv, err := kvstore.NewFromConfig(m.cfg.KVStore, "hub")
	if err != nil {
		return err
	}
	m.stores = append(m.stores, kv)
	if err := kvstore.EnsureSchema(kv, constant.SchemaVersion); err != nil {
		return err
	}

	book := token.NewKVBook(kv)
	grd, err := guard.New(kv, m.admin)
	if err != nil {
		return err
	}
	registry := router.NewRegistry(kv)
	engine := swap.NewSimEngine(book, hc.SlippageBps)
	oracle := swap.NewStaticOracle()

	sender := m.fabric.Bind(hc.ChainID,
		token.ModuleAccount(hc.ChainID, constant.ModuleRouter),
		transport.BindOptions{
			GasOracle: registryOracle{registry: registry, quotes: oracle},
			GasLimit:  hc.GasLimit,
		})

	rtr, err := router.New(router.Config{
		ChainID:   hc.ChainID,
		Registry:  registry,
		Book:      book,
		Guard:     grd,
		Transport: sender,
		Engine:    engine,
		Oracle:    oracle,
		Emitter:   m.emitter,
		Metrics:   m.metrics,
		Logger:    m.log,
	})
	if err != nil {
		return err
	}

	m.fabric.AttachBook(hc.ChainID, book)
	m.fabric.Register(hc.ChainID, rtr.Account(), rtr)

	h := &hubRuntime{
		cfg:      hc,
		kv:       kv,
		book:     book,
		guard:    grd,
		registry: registry,
		engine:   engine,
		oracle:   oracle,
		router:   rtr,
	}
	if err := m.seedHub(h); err != nil {
		return err
	}
	if err := m.provisionHub(h); err != nil {
		return err
	}
	m.hub = h
	m.log.Info("hub ready", "chain", hc.ChainID, "tokens", len(hc.Tokens))
	return nil
}

// seedHub applies the config's persisted hub state on the first boot of a
// store: wrapped asset registrations, token associations, trusted ledger
// bindings and the withdraw gas limit.
func (m *Manager) seedHub(h *hubRuntime) error {
	done, err := alreadySeeded(h.kv)
	if err != nil || done {
		return err
	}

	for _, t := range h.cfg.Tokens {
		if err := h.router.AddToken(m.admin, t.Name); err != nil {
			return fmt.Errorf("token %s: %w", t.Name, err)
		}
		for _, a := range t.Assets {
			wrapped := common.HexToAddress(a.Wrapped)
			if err := h.book.Register(token.Info{
				Address:  wrapped,
				Symbol:   fmt.Sprintf("%s.%d", t.Name, a.ChainID),
				Decimals: a.Decimals,
			}); err != nil {
				return fmt.Errorf("register wrapped %s: %w", a.Wrapped, err)
			}
			if err := h.router.AddTokenAssociation(m.admin, router.Association{
				Token:   t.Name,
				ChainID: a.ChainID,
				Asset:   common.HexToAddress(a.Asset),
				Wrapped: wrapped,
			}); err != nil {
				return fmt.Errorf("associate %s on chain %d: %w", t.Name, a.ChainID, err)
			}
		}
	}

	// the hub trusts the deterministic ledger module account on every
	// associated chain
	seen := make(map[uint64]bool)
	for _, t := range h.cfg.Tokens {
		for _, a := range t.Assets {
			if seen[a.ChainID] {
				continue
			}
			seen[a.ChainID] = true
			addr := token.ModuleAccount(a.ChainID, constant.ModuleLedger)
			if err := h.router.SetLedger(m.admin, a.ChainID, addr); err != nil {
				return fmt.Errorf("bind ledger on chain %d: %w", a.ChainID, err)
			}
		}
	}
	if err := h.router.SetWithdrawGasLimit(m.admin, h.cfg.GasLimit); err != nil {
		return err
	}
	return markSeeded(h.kv)
}

// provisionHub loads the in-memory rate and gas quote tables. These live
// outside the store, so they are re-applied on every start.
func (m *Manager) provisionHub(h *hubRuntime) error {
	for _, r := range h.cfg.Rates {
		rate, err := decimal.NewFromString(r.Rate)
		if err != nil {
			return fmt.Errorf("rate %s -> %s: %w", r.AssetIn, r.AssetOut, err)
		}
		if err := h.engine.SetRate(common.HexToAddress(r.AssetIn), common.HexToAddress(r.AssetOut), rate); err != nil {
			return err
		}
	}
	for _, q := range h.cfg.Gas {
		price, err := decimal.NewFromString(q.Price)
		if err != nil {
			return fmt.Errorf("gas price for chain %d: %w", q.ChainID, err)
		}
		asset := common.HexToAddress(q.Asset)
		if _, err := h.book.Decimals(asset); err != nil {
			return fmt.Errorf("gas asset %s: %w", q.Asset, err)
		}
		if err := h.oracle.SetQuote(q.ChainID, swap.Quote{Asset: asset, Price: price}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) buildLedger(name string, lc config.LedgerConfig) error {
	kv, err := kvstore.NewFromConfig(m.cfg.KVStore, name)
	if err != nil {
		return err
	}
	m.stores = append(m.stores, kv)
	if err := kvstore.EnsureSchema(kv, constant.SchemaVersion); err != nil {
		return err
	}

	book := token.NewKVBook(kv)
	grd, err := guard.New(kv, m.admin)
	if err != nil {
		return err
	}

	// ledger sends configure no gas oracle: deposits toward the hub ride
	// free, the hub prices the outbound leg
	sender := m.fabric.Bind(lc.ChainID,
		token.ModuleAccount(lc.ChainID, constant.ModuleLedger),
		transport.BindOptions{})

	led, err := ledger.New(ledger.Config{
		ChainID:   lc.ChainID,
		Store:     ledger.NewStore(kv),
		Book:      book,
		Guard:     grd,
		Transport: sender,
		Emitter:   m.emitter,
		Metrics:   m.metrics,
		Logger:    m.log,
	})
	if err != nil {
		return err
	}

	m.fabric.AttachBook(lc.ChainID, book)
	m.fabric.Register(lc.ChainID, led.Account(), led)

	inst := &ledgerRuntime{name: name, cfg: lc, kv: kv, book: book, guard: grd, ledger: led}
	if err := m.seedLedger(inst); err != nil {
		return err
	}
	m.ledgers[name] = inst
	m.log.Info("ledger ready", "ledger", name, "chain", lc.ChainID)
	return nil
}

// seedLedger applies token registrations, opening balances and the router
// binding on the first boot of a ledger store.
func (m *Manager) seedLedger(inst *ledgerRuntime) error {
	done, err := alreadySeeded(inst.kv)
	if err != nil || done {
		return err
	}

	for _, t := range inst.cfg.Tokens {
		if err := inst.book.Register(token.Info{
			Address:  common.HexToAddress(t.Address),
			Symbol:   t.Symbol,
			Decimals: t.Decimals,
		}); err != nil {
			return fmt.Errorf("register %s: %w", t.Address, err)
		}
	}
	for _, b := range inst.cfg.Balances {
		asset := common.HexToAddress(b.Asset)
		dec, err := inst.book.Decimals(asset)
		if err != nil {
			return fmt.Errorf("opening balance asset %s: %w", b.Asset, err)
		}
		amt, err := parseUnits(b.Amount, dec)
		if err != nil {
			return fmt.Errorf("opening balance for %s: %w", b.Account, err)
		}
		if err := inst.book.Mint(asset, common.HexToAddress(b.Account), amt); err != nil {
			return fmt.Errorf("mint opening balance: %w", err)
		}
	}

	hubChain, routerAddr, err := m.routerRef(inst.cfg)
	if err != nil {
		return err
	}
	if err := inst.ledger.SetRouter(m.admin, hubChain, routerAddr); err != nil {
		return err
	}
	return markSeeded(inst.kv)
}

// routerRef resolves the hub coordinates a ledger forwards to: its explicit
// router config if present, otherwise the hub hosted in this process.
func (m *Manager) routerRef(lc config.LedgerConfig) (uint64, common.Address, error) {
	if lc.Router != nil && lc.Router.ChainID != 0 {
		addr := token.ModuleAccount(lc.Router.ChainID, constant.ModuleRouter)
		if lc.Router.Address != "" {
			addr = common.HexToAddress(lc.Router.Address)
		}
		return lc.Router.ChainID, addr, nil
	}
	if m.cfg.Hub != nil {
		return m.cfg.Hub.ChainID, token.ModuleAccount(m.cfg.Hub.ChainID, constant.ModuleRouter), nil
	}
	return 0, common.Address{}, fmt.Errorf("no router reference configured and no hub hosted")
}

// wireRoutes fills the fabric's asset route table. Hub associations map
// deposits onto wrapped assets and settlements back onto chain-local ones;
// ledgers without an in-process hub rely on their tokens' wrapped field.
func (m *Manager) wireRoutes() {
	if m.cfg.Hub != nil {
		hubChain := m.cfg.Hub.ChainID
		for _, t := range m.cfg.Hub.Tokens {
			for _, a := range t.Assets {
				asset := common.HexToAddress(a.Asset)
				wrapped := common.HexToAddress(a.Wrapped)
				m.fabric.AddRoute(hubChain, a.ChainID, asset, wrapped)
				m.fabric.AddRoute(a.ChainID, hubChain, wrapped, asset)
			}
		}
	}
	for _, inst := range m.ledgers {
		hubChain, _, err := m.routerRef(inst.cfg)
		if err != nil {
			m.log.Warn("no router reference, settlement routes not wired", "ledger", inst.name)
			continue
		}
		for _, t := range inst.cfg.Tokens {
			if t.Wrapped == "" {
				continue
			}
			asset := common.HexToAddress(t.Address)
			wrapped := common.HexToAddress(t.Wrapped)
			m.fabric.AddRoute(inst.cfg.ChainID, hubChain, wrapped, asset)
			m.fabric.AddRoute(hubChain, inst.cfg.ChainID, asset, wrapped)
		}
	}
}

func (m *Manager) onRevert(n transport.RevertNotice) {
	m.log.Warn("delivery reverted",
		"message_id", n.MessageID, "origin_chain", n.Origin,
		"refund", n.RefundAddress.Hex(), "amount", n.Amount, "cause", n.Cause)
	m.metrics.IncRevert(n.Origin)
	if err := m.emitter.Emit(events.New(events.TypeDeliveryReverted, n.Origin, events.DeliveryReverted{
		MessageID:     n.MessageID,
		RefundAddress: n.RefundAddress,
		Asset:         n.Asset,
		Amount:        events.Amount(n.Amount),
		Cause:         n.Cause,
	})); err != nil {
		m.log.Warn("event emission failed", "type", events.TypeDeliveryReverted, "error", err)
	}
}

// registryOracle quotes sends with the router's persisted withdraw gas
// limit, so the transport-side charge matches what the route pipeline
// funded even after the limit changes at runtime.
type registryOracle struct {
	registry *router.Registry
	quotes   swap.GasOracle
}

func (o registryOracle) WithdrawGasFee(ctx context.Context, chainID uint64, _ uint64) (common.Address, *big.Int, error) {
	limit, err := o.registry.WithdrawGasLimit()
	if err != nil {
		return common.Address{}, nil, err
	}
	return o.quotes.WithdrawGasFee(ctx, chainID, limit)
}

func alreadySeeded(kv infra.KVStore) (bool, error) {
	_, err := kv.Get(genesisKey)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return false, nil
	}
	return false, err
}

func markSeeded(kv infra.KVStore) error {
	return kv.Set(genesisKey, time.Now().UTC().Format(time.RFC3339))
}

// parseUnits converts a whole-unit decimal string into minimal units of an
// asset with the given decimals. Fractional dust beyond the decimals is
// truncated.
func parseUnits(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %s is negative", s)
	}
	return d.Shift(int32(decimals)).Truncate(0).BigInt(), nil
}
