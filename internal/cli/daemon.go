package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hiveroute/hived/internal/config"
	"github.com/hiveroute/hived/internal/core/contribution"
	"github.com/hiveroute/hived/internal/core/credit"
	"github.com/hiveroute/hived/internal/core/dispute"
	"github.com/hiveroute/hived/internal/core/hive"
	"github.com/hiveroute/hived/internal/core/presence"
	"github.com/hiveroute/hived/internal/core/settlement"
	"github.com/hiveroute/hived/internal/crypto"
	"github.com/hiveroute/hived/internal/gossip"
	"github.com/hiveroute/hived/internal/payment"
	"github.com/hiveroute/hived/internal/rpc"
	"github.com/hiveroute/hived/internal/storage"
	bboltdb "github.com/hiveroute/hived/internal/storage/bbolt"
	"github.com/hiveroute/hived/internal/storage/history"
	pebbledb "github.com/hiveroute/hived/internal/storage/pebble"
)

// serverCmd represents the server command (default action)
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the settlement daemon",
	Long: `Start hived, which runs the full settlement lifecycle:
- contribution tracking and period snapshots
- fair-share calculation and payment netting
- quorum collection and payment execution
- dispute arbitration
- HTTP JSON-RPC and WebSocket operator endpoints`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Running hived with no subcommand starts the daemon.
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return serverCmd.RunE(cmd, args)
	}
}

// storePersister adapts the key-value store to the persistence interfaces the
// in-memory components call synchronously.
type storePersister struct {
	store *storage.Store
}

func (p *storePersister) SaveMember(m *hive.Member) error {
	return p.store.SaveMember(context.Background(), m)
}

func (p *storePersister) SaveBond(b *hive.Bond) error {
	return p.store.SaveBond(context.Background(), b)
}

func (p *storePersister) SaveDispute(c *hive.DisputeCase) error {
	return p.store.SaveDispute(context.Background(), c)
}

func (p *storePersister) Append(member hive.PeerID, online bool, at time.Time) error {
	return p.store.AppendPresence(context.Background(), storage.PresenceEntry{
		Member: member,
		Online: online,
		At:     at,
	})
}

func (p *storePersister) AppendRevenue(period hive.PeriodID, feesSats, forwardsSats int64, at time.Time) error {
	return p.store.AppendRevenue(context.Background(), storage.RevenueEntry{
		Period:       period,
		FeesSats:     feesSats,
		ForwardsSats: forwardsSats,
		At:           at,
	})
}

// daemon holds the wired components for one hived process.
type daemon struct {
	cfg     *config.Config
	store   *storage.Store
	orch    *settlement.Orchestrator
	arb     *dispute.Arbitrator
	credit  *credit.Manager
	ingest  *gossip.Ingestor
	offers  *payment.OfferRegistry
	hub     *rpc.EventHub
	archive *history.Archive

	// fakeRail is set when the payment backend is the in-memory fake; the
	// scheduler then refuses to execute ready periods on its own.
	fakeRail bool

	localID hive.PeerID
	privKey string
	pubKey  string
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	if !quiet {
		fmt.Printf("hived %s, member %s\n", rootCmd.Version, d.localID)
		fmt.Printf("  - JSON-RPC:  http://%s/rpc\n", cfg.RPC.ListenAddr)
		fmt.Printf("  - WebSocket: ws://%s/ws\n", cfg.RPC.ListenAddr)
		fmt.Printf("  - Storage:   %s\n", cfg.Storage.Backend)
	}

	go d.runScheduler(ctx)

	return d.serveHTTP(ctx)
}

func newDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	db, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewStore(db)
	if err != nil {
		return nil, err
	}
	persist := &storePersister{store: store}

	localID := hive.PeerID(cfg.Node.ID)
	now := time.Now().UTC()

	tracker := presence.NewTracker(localID, persist, now)
	revenue := contribution.NewRevenueLedger(persist)
	fleet := contribution.NewFleetState()
	agg := contribution.NewAggregator(tracker, revenue, fleet, localID)

	cm := credit.NewManager(cfg.Credit.BondMaturityDays, cfg.Credit.ReleaseWindow, persist)
	arb := dispute.NewArbitrator(cm, persist, cfg.Dispute.PanelSize, cfg.Dispute.VoteWindow)

	registry := payment.NewOfferRegistry()
	var collab payment.Collaborator
	fakeRail := false
	switch cfg.Payment.Backend {
	case payment.BackendHTTP:
		collab = payment.NewHTTPCollaborator(cfg.Payment.Endpoint)
	case payment.BackendFake:
		fakeRail = true
		collab = payment.NewFakeCollaborator(registry)
		log.Printf("daemon: payment backend is the in-memory fake; automatic settlement execution is disabled")
	default:
		return nil, fmt.Errorf("unknown payment backend %q", cfg.Payment.Backend)
	}
	exec := settlement.NewExecutor(collab, localID, cfg.Settlement.PaymentTimeout)

	orch := settlement.NewOrchestrator(store, agg, exec, cm, settlement.Config{
		QuorumFraction:  cfg.Settlement.QuorumFraction,
		QuorumWindow:    cfg.Settlement.QuorumWindow,
		DustFloorSats:   cfg.Settlement.DustFloorSats,
		MaxCarryPeriods: cfg.Settlement.MaxCarryPeriods,
	})

	provider := crypto.ProviderFor(cfg.Node.KeyType())
	priv, pub, err := provider.GenerateKeypair([]byte(cfg.Node.KeySeed))
	if err != nil {
		return nil, fmt.Errorf("generating node keypair: %w", err)
	}
	log.Printf("daemon: member %s signing with %s key %s", localID, cfg.Node.KeyAlgorithm, pub)

	d := &daemon{
		cfg:      cfg,
		store:    store,
		orch:     orch,
		arb:      arb,
		credit:   cm,
		ingest:   gossip.NewIngestor(tracker, fleet, orch, arb, cm, registry),
		offers:   registry,
		hub:      rpc.NewEventHub(),
		fakeRail: fakeRail,
		localID:  localID,
		privKey:  priv,
		pubKey:   pub,
	}

	if cfg.History.Enabled {
		archive, err := history.Open(ctx, history.Config{
			DSN:             cfg.History.DSN,
			MaxOpenConns:    cfg.History.MaxOpenConns,
			MaxIdleConns:    cfg.History.MaxIdleConns,
			ConnMaxLifetime: cfg.History.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		d.archive = archive
	}
	return d, nil
}

func openBackend(cfg *config.Config) (storage.DB, error) {
	dir := cfg.Storage.Path
	if dir == "" {
		dir = filepath.Join(cfg.Node.DataDir, "db")
	}

	switch cfg.Storage.Backend {
	case storage.BackendBBolt:
		return bboltdb.Open(dir, "hived")
	case storage.BackendPebble:
		return pebbledb.Open(dir, "hived")
	case storage.BackendMemory:
		return storage.NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func (d *daemon) close() {
	if d.archive != nil {
		if err := d.archive.Close(); err != nil {
			log.Printf("daemon: closing archive: %v", err)
		}
	}
	if err := d.store.Close(); err != nil {
		log.Printf("daemon: closing store: %v", err)
	}
}

func (d *daemon) serveHTTP(ctx context.Context) error {
	rpcServer := rpc.NewServer(&rpc.Services{
		Orchestrator: d.orch,
		Arbitrator:   d.arb,
		Credit:       d.credit,
		Offers:       d.offers,
		Store:        d.store,
		Hub:          d.hub,
		LocalID:      string(d.localID),
	}, d.cfg.RPC.RequestTimeout)

	mux := http.NewServeMux()
	mux.Handle("/", rpcServer)
	mux.Handle("/rpc", rpcServer)
	mux.Handle("/ws", d.hub)
	mux.Handle("/gossip", d.gossipHandler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"hived"}`))
	})

	server := &http.Server{
		Addr:         d.cfg.RPC.ListenAddr,
		Handler:      mux,
		ReadTimeout:  d.cfg.RPC.RequestTimeout,
		WriteTimeout: d.cfg.RPC.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("daemon: listening on %s", d.cfg.RPC.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(v)
}

// gossipHandler accepts peer-delivered envelopes over HTTP and feeds them to
// the ingestor.
func (d *daemon) gossipHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var env gossip.Envelope
		if err := decodeJSON(r, &env); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := d.ingest.ApplyEnvelope(r.Context(), env, time.Now().UTC()); err != nil {
			log.Printf("daemon: gossip %s rejected: %v", env.Type, err)
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// runScheduler drives the period state machine: it opens the current window,
// calculates and executes the previous one, expires stalled quorums, resolves
// due dispute cases and archives terminal periods.
func (d *daemon) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Settlement.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.tick(ctx, now.UTC())
		}
	}
}

func (d *daemon) tick(ctx context.Context, now time.Time) {
	if _, err := d.orch.StartPeriod(ctx, now); err != nil {
		log.Printf("daemon: start period: %v", err)
	}

	prev := hive.PeriodIDFor(now.AddDate(0, 0, -7))
	d.advance(ctx, prev, now)

	d.arb.ResolveDue(now)

	if err := d.orch.CheckCarryAge(ctx, hive.PeriodIDFor(now)); err != nil {
		log.Printf("daemon: carry age check: %v", err)
	}
}

// advance moves one period through whatever transition is due.
func (d *daemon) advance(ctx context.Context, id hive.PeriodID, now time.Time) {
	p, err := d.orch.Period(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrKeyNotFound) {
			log.Printf("daemon: loading period %s: %v", id, err)
		}
		return
	}

	switch p.Status {
	case hive.StatusCollecting:
		p, err = d.orch.Calculate(ctx, id, now)
		if err != nil {
			log.Printf("daemon: calculate %s: %v", id, err)
			return
		}
		d.publishStatus(p)
		d.ackLocal(ctx, id, now)

	case hive.StatusQuorumPending:
		expired, err := d.orch.ExpireIfDue(ctx, id, now)
		if err != nil {
			log.Printf("daemon: expire %s: %v", id, err)
			return
		}
		if expired {
			if p, err = d.orch.Period(ctx, id); err == nil {
				d.publishStatus(p)
			}
		}

	case hive.StatusReady:
		if d.fakeRail {
			// Nothing real backs the fake rail; the operator can still
			// execute explicitly over RPC.
			return
		}
		p, err = d.orch.Execute(ctx, id, false, now)
		if err != nil {
			log.Printf("daemon: execute %s: %v", id, err)
			return
		}
		d.publishStatus(p)
		for i := range p.Payments {
			d.hub.Publish(rpc.Event{
				Type:     rpc.EventLegResult,
				PeriodID: p.ID,
				Leg:      &p.Payments[i],
			})
		}

	case hive.StatusSettled, hive.StatusExpired:
		d.archivePeriod(ctx, p)
	}
}

// ackLocal signs and records this member's own acknowledgment of the netting
// proposal it just derived.
func (d *daemon) ackLocal(ctx context.Context, id hive.PeriodID, now time.Time) {
	provider := crypto.ProviderFor(d.cfg.Node.KeyType())
	sig, err := provider.Sign(hive.AckSigningPayload(id, d.localID), d.privKey)
	if err != nil {
		log.Printf("daemon: signing local ack for %s: %v", id, err)
		return
	}
	if _, err := d.orch.HandleAck(ctx, id, d.localID, d.pubKey, sig, now); err != nil {
		log.Printf("daemon: recording local ack for %s: %v", id, err)
	}
}

func (d *daemon) archivePeriod(ctx context.Context, p *hive.SettlementPeriod) {
	if d.archive == nil {
		return
	}
	if err := d.archive.ArchivePeriod(ctx, p); err != nil {
		log.Printf("daemon: archiving %s: %v", p.ID, err)
	}
}

func (d *daemon) publishStatus(p *hive.SettlementPeriod) {
	d.hub.Publish(rpc.Event{
		Type:     rpc.EventPeriodStatus,
		PeriodID: p.ID,
		Status:   string(p.Status),
	})
}
