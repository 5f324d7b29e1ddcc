// Package main is the CLI entry point for VeriTrail — a tamper-evident,
// multi-tenant audit trail service.
//
// Every tenant gets an independent hash chain: each entry's hash covers
// the previous entry's hash, sequence numbers are gap-free, timestamps
// never move backwards. Sealed batches add ed25519-signed Merkle roots
// so any slice of history can be proven after the fact, and archived
// segments stay verifiable in cold storage.
//
// Architecture overview:
//
//	callers --> Chain Appender --> Log Store (SQLite, WAL)
//	                                  |
//	            Batch Sealer ---------+--> sealed batches (Merkle + ed25519)
//	            Chain Verifier -------+--> validity reports
//	            Anomaly Scanner ------+--> risk reports
//	            Archiver -------------+--> zip segments (backup/restore)
//
// CLI commands (cobra):
//
//	veritrail init       - Create the data directory, config, and signing key
//	veritrail serve      - Run the HTTP API + schedulers in the foreground
//	veritrail status     - Show server status and per-tenant chain state
//	veritrail record     - Append one audit entry
//	veritrail events     - Query entries (table or JSON)
//	veritrail tail       - Show recent entries, -f to follow
//	veritrail verify     - Verify chain integrity (one tenant or --all)
//	veritrail seal       - Seal the unsealed tail into signed batches
//	veritrail proof      - Print the Merkle inclusion proof for one entry
//	veritrail scan       - Run the anomaly scan
//	veritrail backup     - Archive sealed entries to a zip segment
//	veritrail restore    - Restore an archived segment (verified first)
//	veritrail jobs       - Inspect archive jobs on a running server
//	veritrail export     - Dump a tenant trail as json/jsonl/csv
//	veritrail freeze     - Freeze a tenant (blocks appends, incident response)
//	veritrail unfreeze   - Lift a freeze
//	veritrail tenants    - List known tenants with chain stats
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/veritrail/veritrail/internal/archive"
	"github.com/veritrail/veritrail/internal/audit"
	"github.com/veritrail/veritrail/internal/chain"
	"github.com/veritrail/veritrail/internal/config"
	"github.com/veritrail/veritrail/internal/scan"
	"github.com/veritrail/veritrail/internal/seal"
	"github.com/veritrail/veritrail/internal/server"
	"github.com/veritrail/veritrail/internal/service"
	"github.com/veritrail/veritrail/internal/store"
	"github.com/veritrail/veritrail/internal/tenant"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-01"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultDataDir returns the path to ~/.veritrail/ where all state lives:
// config.yaml, frozen.yaml, scan_rules.yaml, tenants.yaml, audit.db, the
// keys/ directory, and archived segments.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".veritrail"
	}
	return filepath.Join(home, ".veritrail")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// dataDir is the global flag for the VeriTrail data directory. All
// subcommands inherit it.
var dataDir string

var rootCmd = &cobra.Command{
	Use:   "veritrail",
	Short: "VeriTrail — tamper-evident audit trail",
	Long: `VeriTrail keeps a tamper-evident, multi-tenant audit trail. Entries are
hash-chained per tenant, periodically sealed into ed25519-signed Merkle
batches, scanned for anomalies, and archived into verifiable segments.

Run 'veritrail init' once, then 'veritrail serve' to start the API, or
use the subcommands directly against the data directory.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&dataDir,
		"data-dir",
		defaultDataDir(),
		"Path to the VeriTrail data directory",
	)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(sealCmd)
	rootCmd.AddCommand(proofCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(freezeCmd)
	rootCmd.AddCommand(unfreezeCmd)
	rootCmd.AddCommand(tenantsCmd)
}

// ============================================================================
// Shared plumbing
// ============================================================================

// resolvePath joins relative config paths onto the data directory so the
// whole state tree moves with --data-dir.
func resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dataDir, p)
}

// stack bundles the opened components behind one Close. Commands that
// work on the trail directly (everything except status/jobs, which talk
// to a running server) open the stack, do their work, and close it.
//
// The store is SQLite in WAL mode with a busy timeout, so CLI commands
// are safe to run while 'veritrail serve' holds the same database.
type stack struct {
	cfg   *config.Config
	store *store.Store
	svc   *service.Service
}

func openStack() (*stack, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	cfg, err := config.Load(filepath.Join(dataDir, config.FileName))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	s, err := store.Open(resolvePath(cfg.Storage.Database))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	signer, err := seal.LoadOrCreateSigner(resolvePath(cfg.Storage.KeyDir))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	rules, err := scan.LoadRules(filepath.Join(dataDir, config.RulesFileName))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("loading scan rules: %w", err)
	}
	registry, err := tenant.NewRegistry(filepath.Join(dataDir, config.TenantsFileName))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("loading tenant registry: %w", err)
	}
	freeze, err := tenant.NewFreezeList(filepath.Join(dataDir, config.FrozenFileName))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("loading freeze list: %w", err)
	}

	verifier := chain.NewVerifier(s, signer)
	archiver := archive.NewArchiver(s, signer, resolvePath(cfg.Archive.Dir))

	svc := service.New(service.Deps{
		Store:    s,
		Appender: chain.NewAppender(s),
		Verifier: verifier,
		Sealer:   seal.NewSealer(s, signer, cfg.Sealing.BatchSize),
		Scanner:  scan.NewScanner(s, verifier, rules, scanConfigFrom(cfg.Scanner)),
		Archiver: archiver,
		Jobs:     archive.NewJobQueue(archiver, queueConfigFrom(cfg.Archive)),
		Registry: registry,
		Freeze:   freeze,
	})

	return &stack{cfg: cfg, store: s, svc: svc}, nil
}

// Close persists registry stats and releases the store.
func (st *stack) Close() {
	if err := st.svc.SaveRegistry(); err != nil {
		fmt.Fprintf(os.Stderr, "[veritrail] Warning: saving tenant registry: %v\n", err)
	}
	if err := st.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "[veritrail] Warning: closing store: %v\n", err)
	}
}

func scanConfigFrom(c config.ScannerConfig) scan.Config {
	return scan.Config{
		WindowMinutes:            c.WindowMinutes,
		DeniedBurstThreshold:     c.DeniedBurstThreshold,
		DeniedBurstWindowMinutes: c.DeniedBurstWindowMinutes,
		BusinessStartHour:        c.BusinessStartHour,
		BusinessEndHour:          c.BusinessEndHour,
		OffHoursThreshold:        c.OffHoursThreshold,
		BulkReadThreshold:        c.BulkReadThreshold,
		MaxEntries:               c.MaxEntries,
	}
}

func queueConfigFrom(c config.ArchiveConfig) archive.QueueConfig {
	return archive.QueueConfig{
		MaxConcurrent:  c.MaxConcurrent,
		MaxQueueDepth:  c.MaxQueueDepth,
		MaxRetries:     c.MaxRetries,
		RetryBaseDelay: time.Duration(c.RetryBaseDelayMs) * time.Millisecond,
	}
}

// systemActor is the identity CLI commands act under for cross-tenant
// operations (verify --all, freeze, tenants, scan --all).
func systemActor() service.Actor {
	return service.Actor{
		ActorID:     "veritrail-cli",
		Role:        audit.RoleSystem,
		TenantID:    audit.PlatformTenant,
		CrossTenant: true,
	}
}

// tenantActor scopes the CLI identity to one tenant for reads and
// tenant-local operations.
func tenantActor(tenantID string) service.Actor {
	return service.Actor{
		ActorID:  "veritrail-cli",
		Role:     audit.RoleSystem,
		TenantID: tenantID,
	}
}

// renderTable prints a table to stdout. All tabular CLI output goes
// through here so every listing looks the same.
func renderTable(headers []string, rows [][]any) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)

	headerRow := table.Row{}
	for _, h := range headers {
		headerRow = append(headerRow, h)
	}
	t.AppendHeader(headerRow)

	for _, row := range rows {
		t.AppendRow(table.Row(row))
	}
	t.Render()
}

// printEntry formats one audit entry for terminal output (tail, follow).
func printEntry(e audit.Entry) {
	res := e.Resource
	if e.ResourceID != "" {
		res += "/" + e.ResourceID
	}
	fmt.Printf("[%s] seq=%-6d actor=%-14s role=%-10s action=%-26s resource=%s\n",
		e.Timestamp.UTC().Format(time.RFC3339), e.Seq, e.ActorID, e.ActorRole, e.Action, res)
}

// waitForJob polls until the archive job reaches a terminal state.
func waitForJob(svc *service.Service, id string) (archive.Job, error) {
	for {
		job, err := svc.Job(context.Background(), systemActor(), id)
		if err != nil {
			return archive.Job{}, err
		}
		switch job.Status {
		case archive.JobCompleted, archive.JobFailed, archive.JobCanceled:
			return job, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// serverURL returns the base URL of the configured API server.
func serverURL() (string, error) {
	cfg, err := config.Load(filepath.Join(dataDir, config.FileName))
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	return "http://" + cfg.Server.Addr(), nil
}

// apiRequest calls the running server with the CLI system identity.
func apiRequest(method, url string) (*http.Response, error) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Actor-Id", "veritrail-cli")
	req.Header.Set("X-Actor-Role", string(audit.RoleSystem))
	req.Header.Set("X-Actor-Tenant", audit.PlatformTenant)
	req.Header.Set("X-Cross-Tenant", "1")

	client := &http.Client{Timeout: 5 * time.Second}
	return client.Do(req)
}

// ============================================================================
// veritrail init — First-time setup
// ============================================================================

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data directory, default config, and signing key",
	Long: `Initialize a VeriTrail data directory. Writes a commented config.yaml,
default anomaly scan rules, and generates the ed25519 batch signing key.
Safe to re-run: an existing config is left untouched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit(cmd, args)
	},
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := filepath.Join(dataDir, config.FileName)
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("[veritrail] Config already exists at %s\n", configPath)
		fmt.Println("[veritrail] Use 'veritrail serve' to start the API.")
		return nil
	}

	fmt.Printf("[veritrail] Creating data directory: %s\n", dataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Println("[veritrail] Writing default config.yaml...")
	if err := config.WriteDefault(configPath); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}

	fmt.Println("[veritrail] Writing default scan_rules.yaml...")
	if err := scan.WriteDefaultRules(filepath.Join(dataDir, config.RulesFileName)); err != nil {
		return fmt.Errorf("writing default scan rules: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	signer, err := seal.LoadOrCreateSigner(resolvePath(cfg.Storage.KeyDir))
	if err != nil {
		return fmt.Errorf("generating signing key: %w", err)
	}
	fmt.Printf("[veritrail] Batch signing key ready (public key %s)\n", signer.PublicKeyHex())

	fmt.Println()
	fmt.Println("Setup complete. Next steps:")
	fmt.Println()
	fmt.Println("  1. Start the API:")
	fmt.Println("     veritrail serve")
	fmt.Println()
	fmt.Println("  2. Record a first entry:")
	fmt.Println("     veritrail record --tenant acme --actor alice --action user.login --resource session")
	fmt.Println()
	fmt.Println("  3. Verify the chain:")
	fmt.Println("     veritrail verify --tenant acme")
	fmt.Println()
	return nil
}

// ============================================================================
// veritrail serve — Run the HTTP API
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the VeriTrail API server",
	Long: `Run the HTTP API in the foreground: tenant-scoped audit routes under
/api/tenants/{tenant}, job control under /api/jobs, the live entry feed
at /api/feed/ws, plus /health and /metrics.

Background schedules (sealing, integrity sweeps, anomaly scans) come from
config.yaml and resync when the file changes. frozen.yaml and
scan_rules.yaml are also watched, so 'veritrail freeze' and rule edits
take effect on the running server without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

// runServe wires the whole stack together:
//
//  1. Open store, signer, rules, registry, freeze list
//  2. Record a service.started lifecycle entry on the platform chain
//  3. Apply cron schedules (sealing / verify / scan sweeps)
//  4. Build the chi router and http.Server
//  5. Watch the data dir for config/freeze/rule changes
//  6. Serve until SIGINT/SIGTERM, then drain and persist
func runServe(cmd *cobra.Command, args []string) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()
	cfg := st.cfg

	// Lifecycle events live on the platform tenant's own chain, so even
	// service starts and stops are part of the tamper-evident record.
	if _, err := st.svc.RecordEvent(context.Background(), systemActor(), audit.PlatformTenant, service.Event{
		Action:     "service.started",
		Resource:   "service",
		ResourceID: "veritrail",
		Details:    map[string]any{"version": version, "addr": cfg.Server.Addr()},
	}); err != nil {
		slog.Warn("recording start event", "error", err)
	}

	scheduler := service.NewScheduler(st.svc)
	scheduler.Apply(service.Schedules{
		Seal:   cfg.Schedules.Seal,
		Verify: cfg.Schedules.Verify,
		Scan:   cfg.Schedules.Scan,
	})
	scheduler.Start()

	srv := server.New(st.svc, server.Options{FeedEnabled: cfg.Feed.Enabled})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: exports and the websocket feed are long-lived.
	}

	// The watcher is what makes offline CLI writes (freeze, rule edits)
	// land in the running process without a restart.
	watcher, err := config.NewWatcher(dataDir, config.WatchTargets{
		OnConfigChange: func() {
			fresh, loadErr := config.Load(filepath.Join(dataDir, config.FileName))
			if loadErr != nil {
				slog.Warn("config reload failed, keeping old schedules", "error", loadErr)
				return
			}
			scheduler.Apply(service.Schedules{
				Seal:   fresh.Schedules.Seal,
				Verify: fresh.Schedules.Verify,
				Scan:   fresh.Schedules.Scan,
			})
		},
		OnFreezeChange: func() {
			if reloadErr := st.svc.ReloadFreezeList(); reloadErr != nil {
				slog.Warn("freeze list reload failed", "error", reloadErr)
			}
		},
		OnRulesChange: func() {
			rules, loadErr := scan.LoadRules(filepath.Join(dataDir, config.RulesFileName))
			if loadErr != nil {
				slog.Warn("scan rules reload failed, keeping old rules", "error", loadErr)
				return
			}
			st.svc.SetScanRules(rules)
			slog.Info("scan rules reloaded")
		},
	})
	if err != nil {
		return fmt.Errorf("starting file watcher: %w", err)
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[veritrail] API listening on http://%s\n", cfg.Server.Addr())
		if cfg.Feed.Enabled {
			fmt.Printf("[veritrail] Live feed at ws://%s/api/feed/ws\n", cfg.Server.Addr())
		}
		fmt.Println("[veritrail] Press Ctrl+C to stop")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[veritrail] Shutting down...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Drain in-flight requests, then let running scheduled sweeps finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[veritrail] Shutdown error: %v\n", err)
	}
	<-scheduler.Stop().Done()

	if _, err := st.svc.RecordEvent(context.Background(), systemActor(), audit.PlatformTenant, service.Event{
		Action:     "service.stopped",
		Resource:   "service",
		ResourceID: "veritrail",
	}); err != nil {
		slog.Warn("recording stop event", "error", err)
	}

	fmt.Println("[veritrail] Stopped")
	return nil
}

// ============================================================================
// veritrail status — Server status and chain state
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and per-tenant chain state",
	Long: `Check whether the API server is running at the configured address, then
show every known tenant with its chain position. Chain state is read
straight from the data directory, so it works with the server stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args)
	},
}

func runStatus(cmd *cobra.Command, args []string) error {
	base, err := serverURL()
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 2 * time.Second}
	if resp, healthErr := client.Get(base + "/health"); healthErr == nil {
		resp.Body.Close()
		fmt.Println("[veritrail] Server: RUNNING")
		fmt.Printf("[veritrail] Listening on: %s\n", base)
	} else {
		fmt.Println("[veritrail] Server: NOT RUNNING")
		fmt.Printf("[veritrail] Expected at: %s\n", base)
	}

	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	infos, err := st.svc.Tenants(context.Background())
	if err != nil {
		return fmt.Errorf("reading tenants: %w", err)
	}
	if len(infos) == 0 {
		fmt.Println("[veritrail] No tenants yet. Record an entry to start a chain.")
		return nil
	}

	fmt.Println()
	printTenantTable(infos)
	return nil
}

func printTenantTable(infos []service.TenantInfo) {
	rows := make([][]any, 0, len(infos))
	for _, ti := range infos {
		status := ti.Status
		if ti.Frozen {
			status = "frozen"
		}
		rows = append(rows, []any{
			ti.ID, status, ti.LastSeq, ti.LastSealedSeq, ti.HotEntries,
			ti.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	renderTable([]string{"TENANT", "STATUS", "LAST SEQ", "SEALED TO", "HOT ENTRIES", "LAST SEEN"}, rows)
}

// ============================================================================
// veritrail record — Append one entry
// ============================================================================

var (
	recordTenant     string
	recordActor      string
	recordRole       string
	recordAction     string
	recordResource   string
	recordResourceID string
	recordSession    string
	recordDetails    string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Append one audit entry to a tenant chain",
	Long: `Append a single entry. The appender assigns the sequence number,
timestamp, and hash; the flags describe who did what to which resource.

Example:
  veritrail record --tenant acme --actor alice --action consent.granted \
    --resource consent --resource-id c-819 --details '{"summary":"granted"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecord(cmd, args)
	},
}

func init() {
	recordCmd.Flags().StringVar(&recordTenant, "tenant", "", "Tenant the entry belongs to (required)")
	recordCmd.Flags().StringVar(&recordActor, "actor", "", "Acting identity (required)")
	recordCmd.Flags().StringVar(&recordRole, "role", "user", "Actor role: user, admin, superadmin, system")
	recordCmd.Flags().StringVar(&recordAction, "action", "", "Dotted action name, e.g. user.login (required)")
	recordCmd.Flags().StringVar(&recordResource, "resource", "", "Resource type acted on (required)")
	recordCmd.Flags().StringVar(&recordResourceID, "resource-id", "", "Identifier of the resource")
	recordCmd.Flags().StringVar(&recordSession, "session", "", "Session identifier")
	recordCmd.Flags().StringVar(&recordDetails, "details", "", "Extra detail as a JSON object")
	recordCmd.MarkFlagRequired("tenant")
	recordCmd.MarkFlagRequired("actor")
	recordCmd.MarkFlagRequired("action")
	recordCmd.MarkFlagRequired("resource")
}

func runRecord(cmd *cobra.Command, args []string) error {
	var details map[string]any
	if recordDetails != "" {
		if err := json.Unmarshal([]byte(recordDetails), &details); err != nil {
			return fmt.Errorf("parsing --details: %w", err)
		}
	}

	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	actor := service.Actor{
		ActorID:   recordActor,
		Role:      audit.Role(recordRole),
		TenantID:  recordTenant,
		SessionID: recordSession,
	}
	entry, err := st.svc.RecordEvent(context.Background(), actor, recordTenant, service.Event{
		Action:     recordAction,
		Resource:   recordResource,
		ResourceID: recordResourceID,
		Details:    details,
	})
	if err != nil {
		return fmt.Errorf("recording entry: %w", err)
	}

	fmt.Printf("[veritrail] Recorded entry seq=%d tenant=%s\n", entry.Seq, entry.TenantID)
	fmt.Printf("[veritrail] Hash: %s\n", entry.EntryHash)
	return nil
}

// ============================================================================
// veritrail events — Query entries
// ============================================================================

var (
	eventsTenant   string
	eventsAction   string
	eventsResource string
	eventsActor    string
	eventsSession  string
	eventsFromSeq  uint64
	eventsToSeq    uint64
	eventsOrder    string
	eventsLimit    int
	eventsCursor   uint64
	eventsJSON     bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query audit entries with filters",
	Long: `Query one tenant's entries. Filters combine with AND; --action supports
* globs (e.g. --action 'user.*'). Output is a table by default, --json
prints the raw entries.

Examples:
  veritrail events --tenant acme --action 'user.*' --limit 50
  veritrail events --tenant acme --actor alice --order desc --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEvents(cmd, args)
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsTenant, "tenant", "", "Tenant to query (required)")
	eventsCmd.Flags().StringVar(&eventsAction, "action", "", "Filter by action (glob allowed)")
	eventsCmd.Flags().StringVar(&eventsResource, "resource", "", "Filter by resource type")
	eventsCmd.Flags().StringVar(&eventsActor, "actor", "", "Filter by actor id")
	eventsCmd.Flags().StringVar(&eventsSession, "session", "", "Filter by session id")
	eventsCmd.Flags().Uint64Var(&eventsFromSeq, "from-seq", 0, "Lowest sequence number to include")
	eventsCmd.Flags().Uint64Var(&eventsToSeq, "to-seq", 0, "Highest sequence number to include")
	eventsCmd.Flags().StringVar(&eventsOrder, "order", "asc", "Sort order: asc or desc")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Maximum entries per page")
	eventsCmd.Flags().Uint64Var(&eventsCursor, "cursor", 0, "Pagination cursor from the previous page")
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "Print raw JSON instead of a table")
	eventsCmd.MarkFlagRequired("tenant")
}

func runEvents(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	entries, next, err := st.svc.ListEvents(context.Background(), tenantActor(eventsTenant), eventsTenant,
		store.Filter{
			ActorID:    eventsActor,
			Action:     eventsAction,
			Resource:   eventsResource,
			SessionID:  eventsSession,
			FromSeq:    eventsFromSeq,
			ToSeq:      eventsToSeq,
			Descending: eventsOrder == "desc",
		},
		store.Page{Limit: eventsLimit, Cursor: eventsCursor},
	)
	if err != nil {
		return fmt.Errorf("querying entries: %w", err)
	}

	if eventsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Println("[veritrail] No matching entries.")
		return nil
	}

	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		res := e.Resource
		if e.ResourceID != "" {
			res += "/" + e.ResourceID
		}
		rows = append(rows, []any{
			e.Seq, e.Timestamp.UTC().Format(time.RFC3339), e.ActorID, e.ActorRole, e.Action, res,
		})
	}
	renderTable([]string{"SEQ", "TIMESTAMP", "ACTOR", "ROLE", "ACTION", "RESOURCE"}, rows)

	if next > 0 {
		fmt.Printf("[veritrail] More entries: --cursor %d\n", next)
	}
	return nil
}

// ============================================================================
// veritrail tail — Recent entries, optionally followed
// ============================================================================

var (
	tailTenant string
	tailFollow bool
	tailLimit  int
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent entries",
	Long:  `Show the most recent entries of one tenant chain. Use -f to keep following new entries (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTail(cmd, args)
	},
}

func init() {
	tailCmd.Flags().StringVar(&tailTenant, "tenant", "", "Tenant to tail (required)")
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Follow new entries in real-time")
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent entries to show")
	tailCmd.MarkFlagRequired("tenant")
}

func runTail(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	entries, _, err := st.svc.ListEvents(context.Background(), tenantActor(tailTenant), tailTenant,
		store.Filter{Descending: true}, store.Page{Limit: tailLimit})
	if err != nil {
		return fmt.Errorf("reading entries: %w", err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		printEntry(entries[i])
	}

	if !tailFollow {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := st.svc.Follow(ctx, tailTenant, printEntry); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ============================================================================
// veritrail verify — Chain integrity
// ============================================================================

var (
	verifyTenant string
	verifyAll    bool
	verifyFrom   uint64
	verifyTo     uint64
	verifyDeep   bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify chain integrity",
	Long: `Recompute a tenant chain and report whether it is intact. Every entry
hash is rederived from the entry content and linked against its
predecessor; sealed batches are checked against their signed Merkle
roots (--deep rebuilds each tree from the entry hashes).

A broken chain names the exact sequence number and what diverged.

Examples:
  veritrail verify --tenant acme
  veritrail verify --tenant acme --from 100 --to 500 --deep
  veritrail verify --all`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerify(cmd, args)
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyTenant, "tenant", "", "Tenant chain to verify")
	verifyCmd.Flags().BoolVar(&verifyAll, "all", false, "Verify every tenant chain")
	verifyCmd.Flags().Uint64Var(&verifyFrom, "from", 0, "First sequence number of the range")
	verifyCmd.Flags().Uint64Var(&verifyTo, "to", 0, "Last sequence number of the range")
	verifyCmd.Flags().BoolVar(&verifyDeep, "deep", false, "Rebuild Merkle trees inside sealed batches")
}

func runVerify(cmd *cobra.Command, args []string) error {
	if !verifyAll && verifyTenant == "" {
		return fmt.Errorf("provide --tenant or use --all")
	}

	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	if verifyAll {
		results, err := st.svc.VerifyAll(context.Background(), systemActor(), verifyDeep)
		if err != nil {
			return fmt.Errorf("verifying chains: %w", err)
		}
		broken := 0
		for _, res := range results {
			printVerifyResult(res)
			if !res.Valid {
				broken++
			}
		}
		if broken > 0 {
			return fmt.Errorf("%d of %d chains broken", broken, len(results))
		}
		fmt.Printf("[veritrail] All %d chains intact\n", len(results))
		return nil
	}

	res, err := st.svc.VerifyChain(context.Background(), tenantActor(verifyTenant), verifyTenant,
		chain.Params{FromSeq: verifyFrom, ToSeq: verifyTo, Deep: verifyDeep})
	if err != nil {
		return fmt.Errorf("verifying chain: %w", err)
	}
	printVerifyResult(res)
	if !res.Valid {
		return fmt.Errorf("chain integrity violation detected")
	}
	return nil
}

func printVerifyResult(res chain.Result) {
	if res.Partial {
		fmt.Printf("[veritrail] Chain walk for tenant %s stopped early; resume with --from %d\n",
			res.TenantID, res.ResumeSeq)
	}
	if res.Valid {
		fmt.Printf("[veritrail] Chain VALID for tenant %s (%d entries, %d sealed batches)\n",
			res.TenantID, res.Checked, res.SealedBatches)
		return
	}
	fmt.Printf("[veritrail] Chain BROKEN for tenant %s (%d breaks)\n", res.TenantID, len(res.Breaks))
	for _, b := range res.Breaks {
		fmt.Printf("  seq %d: %s — %s\n", b.Seq, b.Classification, b.Detail)
		if b.ExpectedHash != "" {
			fmt.Printf("    expected: %s\n", b.ExpectedHash)
			fmt.Printf("    actual:   %s\n", b.ActualHash)
		}
	}
}

// ============================================================================
// veritrail seal — Seal the unsealed tail
// ============================================================================

var sealTenant string

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Seal unsealed entries into signed batches",
	Long: `Seal the tenant's unsealed tail into Merkle batches signed with the
service's ed25519 key. Once sealed, entries carry an independently
checkable inclusion proof (see 'veritrail proof').

Sealing also runs on the schedule in config.yaml; this command forces a
run now.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSeal(cmd, args)
	},
}

func init() {
	sealCmd.Flags().StringVar(&sealTenant, "tenant", "", "Tenant to seal (required)")
	sealCmd.MarkFlagRequired("tenant")
}

func runSeal(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	batches, err := st.svc.SealNow(context.Background(), tenantActor(sealTenant), sealTenant)
	if err != nil {
		return fmt.Errorf("sealing: %w", err)
	}
	if len(batches) == 0 {
		fmt.Println("[veritrail] Nothing to seal.")
		return nil
	}

	rows := make([][]any, 0, len(batches))
	for _, b := range batches {
		rows = append(rows, []any{
			b.BatchID, b.FromSeq, b.ToSeq, b.MerkleRoot, b.SealedAt.UTC().Format(time.RFC3339),
		})
	}
	renderTable([]string{"BATCH", "FROM", "TO", "MERKLE ROOT", "SEALED AT"}, rows)
	fmt.Printf("[veritrail] Sealed %d batch(es)\n", len(batches))
	return nil
}

// ============================================================================
// veritrail proof — Merkle inclusion proof
// ============================================================================

var proofTenant string

var proofCmd = &cobra.Command{
	Use:   "proof <seq>",
	Short: "Print the Merkle inclusion proof for one sealed entry",
	Long: `Print the inclusion proof for one entry: its hash, the sibling hashes up
the Merkle tree, the signed root, and the signer's public key. Anyone
holding the proof can check membership without access to the store.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProof(cmd, args)
	},
}

func init() {
	proofCmd.Flags().StringVar(&proofTenant, "tenant", "", "Tenant the entry belongs to (required)")
	proofCmd.MarkFlagRequired("tenant")
}

func runProof(cmd *cobra.Command, args []string) error {
	seq, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || seq == 0 {
		return fmt.Errorf("seq must be a positive integer, got %q", args[0])
	}

	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	proof, err := st.svc.GetProof(context.Background(), tenantActor(proofTenant), proofTenant, seq)
	if err != nil {
		return fmt.Errorf("building proof: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(proof)
}

// ============================================================================
// veritrail scan — Anomaly scan
// ============================================================================

var (
	scanTenant string
	scanAll    bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run the anomaly scan",
	Long: `Scan recent entries for suspicious patterns: access-denial bursts,
off-hours admin activity, bulk reads, verification failures, and any
custom rules from scan_rules.yaml. Advisory only — findings never block
appends.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(cmd, args)
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanTenant, "tenant", "", "Tenant to scan")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "Scan every tenant")
}

func runScan(cmd *cobra.Command, args []string) error {
	if !scanAll && scanTenant == "" {
		return fmt.Errorf("provide --tenant or use --all")
	}

	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	tenants := []string{scanTenant}
	if scanAll {
		infos, err := st.svc.Tenants(ctx)
		if err != nil {
			return fmt.Errorf("listing tenants: %w", err)
		}
		tenants = tenants[:0]
		for _, ti := range infos {
			tenants = append(tenants, ti.ID)
		}
		if len(tenants) == 0 {
			fmt.Println("[veritrail] No tenants to scan.")
			return nil
		}
	}

	for _, t := range tenants {
		report, err := st.svc.ScanAnomalies(ctx, systemActor(), t)
		if err != nil {
			return fmt.Errorf("scanning tenant %s: %w", t, err)
		}
		printScanReport(report)
	}
	return nil
}

func printScanReport(r scan.Report) {
	fmt.Printf("[veritrail] Tenant %s: %d entries scanned, risk score %d/100\n",
		r.TenantID, r.Scanned, r.RiskScore)
	if len(r.Findings) == 0 {
		return
	}
	rows := make([][]any, 0, len(r.Findings))
	for _, f := range r.Findings {
		rows = append(rows, []any{f.Rule, f.Severity, f.ActorID, f.Count, f.Summary})
	}
	renderTable([]string{"RULE", "SEVERITY", "ACTOR", "COUNT", "SUMMARY"}, rows)
}

// ============================================================================
// veritrail backup — Archive sealed entries
// ============================================================================

var (
	backupTenant string
	backupMode   string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Archive sealed entries into a zip segment",
	Long: `Write the tenant's sealed entries into a compressed archive segment,
together with the batch metadata needed to verify them later. Mode
"full" keeps the hot copies; "prune" deletes them after the segment is
safely on disk (archive-then-delete, a crash never loses entries).

The job runs in this process and the command waits for it. Use
'veritrail restore --ref <ref>' with the printed reference to load the
segment back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBackup(cmd, args)
	},
}

func init() {
	backupCmd.Flags().StringVar(&backupTenant, "tenant", "", "Tenant to archive (required)")
	backupCmd.Flags().StringVar(&backupMode, "mode", "full", "Archive mode: full or prune")
	backupCmd.MarkFlagRequired("tenant")
}

func runBackup(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.svc.Backup(context.Background(), tenantActor(backupTenant), backupTenant, backupMode)
	if err != nil {
		return fmt.Errorf("queueing backup: %w", err)
	}
	fmt.Printf("[veritrail] Backup job %s queued (mode %s)\n", job.ID, job.Mode)

	done, err := waitForJob(st.svc, job.ID)
	if err != nil {
		return err
	}
	if done.Status != archive.JobCompleted {
		return fmt.Errorf("backup %s: %s", done.Status, done.Error)
	}

	seg := done.Archive.Segment
	fmt.Printf("[veritrail] Archived %d entries (seq %d-%d) to %s\n",
		seg.Entries, seg.FromSeq, seg.ToSeq, seg.File)
	if done.Archive.Pruned > 0 {
		fmt.Printf("[veritrail] Pruned %d hot entries\n", done.Archive.Pruned)
	}
	fmt.Printf("[veritrail] Archive ref: %s\n", seg.Ref)
	return nil
}

// ============================================================================
// veritrail restore — Restore an archived segment
// ============================================================================

var (
	restoreTenant string
	restoreRef    string
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore an archived segment into the hot store",
	Long: `Load an archived segment back into the hot store. The segment is fully
verified first — file checksum, entry hashes, chain links, and the
sealed batch signatures — and a segment that fails verification is
rejected without touching the store. Entries already present are left
alone, so restores are safe to re-run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRestore(cmd, args)
	},
}

func init() {
	restoreCmd.Flags().StringVar(&restoreTenant, "tenant", "", "Tenant the segment belongs to (required)")
	restoreCmd.Flags().StringVar(&restoreRef, "ref", "", "Archive reference from 'veritrail backup' (required)")
	restoreCmd.MarkFlagRequired("tenant")
	restoreCmd.MarkFlagRequired("ref")
}

func runRestore(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.svc.Restore(context.Background(), tenantActor(restoreTenant), restoreTenant, restoreRef)
	if err != nil {
		return fmt.Errorf("queueing restore: %w", err)
	}
	fmt.Printf("[veritrail] Restore job %s queued\n", job.ID)

	done, err := waitForJob(st.svc, job.ID)
	if err != nil {
		return err
	}
	if done.Status != archive.JobCompleted {
		return fmt.Errorf("restore %s: %s", done.Status, done.Error)
	}

	fmt.Printf("[veritrail] Restored %d of %d entries (seq %d-%d)\n",
		done.Restore.Inserted, done.Restore.Entries, done.Restore.FromSeq, done.Restore.ToSeq)
	return nil
}

// ============================================================================
// veritrail jobs — Inspect jobs on the running server
// ============================================================================

var jobsTenant string

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List archive jobs on the running server",
	Long: `List archive jobs, or show one job in full. Jobs live in the serve
process, so this queries the running server; jobs started by the CLI's
own backup/restore commands finish before those commands return and do
not appear here.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobs(cmd, args)
	},
}

func init() {
	jobsCmd.Flags().StringVar(&jobsTenant, "tenant", "", "Only show jobs for this tenant")
}

func runJobs(cmd *cobra.Command, args []string) error {
	base, err := serverURL()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		resp, err := apiRequest(http.MethodGet, base+"/api/jobs/"+args[0])
		if err != nil {
			return fmt.Errorf("server not reachable at %s — is 'veritrail serve' running?", base)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("job %s not found", args[0])
		}
		var job archive.Job
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return fmt.Errorf("decoding job: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	url := base + "/api/jobs"
	if jobsTenant != "" {
		url += "?tenant=" + jobsTenant
	}
	resp, err := apiRequest(http.MethodGet, url)
	if err != nil {
		return fmt.Errorf("server not reachable at %s — is 'veritrail serve' running?", base)
	}
	defer resp.Body.Close()

	var listing struct {
		Jobs []archive.Job `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return fmt.Errorf("decoding job list: %w", err)
	}
	if len(listing.Jobs) == 0 {
		fmt.Println("[veritrail] No jobs.")
		return nil
	}

	rows := make([][]any, 0, len(listing.Jobs))
	for _, j := range listing.Jobs {
		mode := string(j.Mode)
		if j.Kind == archive.JobRestore {
			mode = "-"
		}
		rows = append(rows, []any{
			j.ID, j.TenantID, j.Kind, mode, j.Status, fmt.Sprintf("%d%%", j.Progress),
			j.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	renderTable([]string{"ID", "TENANT", "KIND", "MODE", "STATUS", "PROGRESS", "CREATED"}, rows)
	return nil
}

// ============================================================================
// veritrail export — Dump a tenant trail
// ============================================================================

var (
	exportTenant string
	exportFormat string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a tenant trail to stdout",
	Long: `Export the tenant's hot entries to stdout. Supported formats: json
(indented array), jsonl (one object per line), csv.

Example:
  veritrail export --tenant acme --format csv > acme-audit.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExport(cmd, args)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportTenant, "tenant", "", "Tenant to export (required)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: json, jsonl, csv")
	exportCmd.MarkFlagRequired("tenant")
}

func runExport(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	return st.svc.Export(context.Background(), tenantActor(exportTenant), exportTenant, os.Stdout, exportFormat)
}

// ============================================================================
// veritrail freeze / unfreeze — Incident response
// ============================================================================

var freezeReason string

var freezeCmd = &cobra.Command{
	Use:   "freeze <tenant>",
	Short: "Freeze a tenant (blocks appends)",
	Long: `Freeze a tenant chain. While frozen, every append is rejected; reads,
verification, and exports keep working. The freeze itself is recorded in
the tenant's chain before it takes hold, so the trail shows who froze
the tenant and why.

Takes effect immediately on a running server — it file-watches
frozen.yaml.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFreeze(cmd, args)
	},
}

func init() {
	freezeCmd.Flags().StringVar(&freezeReason, "reason", "", "Reason for the freeze (required)")
	freezeCmd.MarkFlagRequired("reason")
}

func runFreeze(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	tenantID := args[0]
	if err := st.svc.Freeze(context.Background(), systemActor(), tenantID, freezeReason); err != nil {
		return fmt.Errorf("freezing tenant %q: %w", tenantID, err)
	}
	fmt.Printf("[veritrail] Froze tenant: %s (reason: %s)\n", tenantID, freezeReason)
	return nil
}

var unfreezeCmd = &cobra.Command{
	Use:   "unfreeze <tenant>",
	Short: "Lift a tenant freeze",
	Long: `Unfreeze a tenant, allowing appends again. The unfreeze is recorded in
the tenant's chain once appends work. A running server picks up the
change via the frozen.yaml watcher.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUnfreeze(cmd, args)
	},
}

func runUnfreeze(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	tenantID := args[0]
	if err := st.svc.Unfreeze(context.Background(), systemActor(), tenantID); err != nil {
		return fmt.Errorf("unfreezing tenant %q: %w", tenantID, err)
	}
	fmt.Printf("[veritrail] Unfroze tenant: %s\n", tenantID)
	return nil
}

// ============================================================================
// veritrail tenants — Tenant overview
// ============================================================================

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "List known tenants with chain stats",
	Long: `List every tenant with its registry stats and live chain position:
last sequence number, sealed watermark, hot entry count, and freeze
state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTenants(cmd, args)
	},
}

func runTenants(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	infos, err := st.svc.Tenants(context.Background())
	if err != nil {
		return fmt.Errorf("reading tenants: %w", err)
	}
	if len(infos) == 0 {
		fmt.Println("[veritrail] No tenants yet. Record an entry to start a chain.")
		return nil
	}
	printTenantTable(infos)
	return nil
}
