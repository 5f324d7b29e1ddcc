package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/veritrail/veritrail/internal/archive"
	"github.com/veritrail/veritrail/internal/audit"
	"github.com/veritrail/veritrail/internal/chain"
	"github.com/veritrail/veritrail/internal/scan"
	"github.com/veritrail/veritrail/internal/seal"
	"github.com/veritrail/veritrail/internal/store"
	"github.com/veritrail/veritrail/internal/tenant"
)

type svcEnv struct {
	t     *testing.T
	svc   *Service
	store *store.Store
}

func newSvcEnv(t *testing.T) *svcEnv {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	signer := seal.NewSignerFromSeed(bytes.Repeat([]byte{3}, 32))
	verifier := chain.NewVerifier(s, signer)
	rules, err := scan.LoadRules(filepath.Join(dir, "scan_rules.yaml"))
	if err != nil {
		t.Fatalf("loading default rules: %v", err)
	}
	registry, err := tenant.NewRegistry(filepath.Join(dir, "tenants.yaml"))
	if err != nil {
		t.Fatalf("opening registry: %v", err)
	}
	freeze, err := tenant.NewFreezeList(filepath.Join(dir, "frozen.yaml"))
	if err != nil {
		t.Fatalf("opening freeze list: %v", err)
	}
	archiver := archive.NewArchiver(s, signer, filepath.Join(dir, "segments"))

	svc := New(Deps{
		Store:    s,
		Appender: chain.NewAppender(s),
		Verifier: verifier,
		Sealer:   seal.NewSealer(s, signer, 4),
		Scanner:  scan.NewScanner(s, verifier, rules, scan.Config{}),
		Archiver: archiver,
		Jobs:     archive.NewJobQueue(archiver, archive.QueueConfig{}),
		Registry: registry,
		Freeze:   freeze,
	})
	return &svcEnv{t: t, svc: svc, store: s}
}

func acmeUser() Actor {
	return Actor{ActorID: "user-1", Role: audit.RoleUser, TenantID: "acme"}
}

func acmeAdmin() Actor {
	return Actor{ActorID: "admin-1", Role: audit.RoleAdmin, TenantID: "acme", IPAddress: "10.0.0.9"}
}

func platformRoot() Actor {
	return Actor{ActorID: "root-1", Role: audit.RoleSuperadmin, TenantID: "platform", CrossTenant: true}
}

func consentEvent() Event {
	return Event{
		Action:   "consent.granted",
		Resource: "consent",
		Details:  map[string]any{"summary": "granted marketing consent"},
	}
}

func (env *svcEnv) record(actor Actor, tenantID string, n int) {
	env.t.Helper()
	for i := 0; i < n; i++ {
		if _, err := env.svc.RecordEvent(context.Background(), actor, tenantID, consentEvent()); err != nil {
			env.t.Fatalf("recording entry %d: %v", i+1, err)
		}
	}
}

func (env *svcEnv) waitJob(id string) archive.Job {
	env.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := env.svc.Job(context.Background(), platformRoot(), id)
		if err != nil {
			env.t.Fatalf("Job(%s): %v", id, err)
		}
		switch job.Status {
		case archive.JobCompleted, archive.JobFailed, archive.JobCanceled:
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	env.t.Fatalf("job %s did not finish in time", id)
	return archive.Job{}
}

func TestRecordEvent_AppendsToOwnTenant(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()
	actor := acmeUser()

	e, err := env.svc.RecordEvent(ctx, actor, "", consentEvent())
	if err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if e.TenantID != "acme" || e.Seq != 1 {
		t.Fatalf("entry landed at %s/%d, want acme/1", e.TenantID, e.Seq)
	}
	if e.ActorID != "user-1" || e.ActorRole != audit.RoleUser {
		t.Fatalf("actor context not copied: %+v", e)
	}

	entries, _, err := env.svc.ListEvents(ctx, actor, "acme", store.Filter{}, store.Page{})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != e.ID {
		t.Fatalf("ListEvents = %+v", entries)
	}
}

func TestRecordEvent_CrossTenantDeniedAndAudited(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()
	actor := acmeUser()
	env.record(actor, "acme", 1)

	_, err := env.svc.RecordEvent(ctx, actor, "globex", consentEvent())
	if !errors.Is(err, audit.ErrCrossTenantDenied) {
		t.Fatalf("cross-tenant record = %v, want ErrCrossTenantDenied", err)
	}

	// The denial itself is on the actor's own chain.
	entries, _, err := env.svc.ListEvents(ctx, actor, "acme",
		store.Filter{Action: ActionAccessDenied}, store.Page{})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 denial entry, got %d", len(entries))
	}
	if entries[0].ResourceID != "globex" {
		t.Fatalf("denial entry targets %q, want globex", entries[0].ResourceID)
	}

	// Nothing reached the foreign tenant.
	if _, err := env.store.Head(ctx, "globex"); !errors.Is(err, audit.ErrNotFound) {
		t.Fatalf("globex chain exists after denied write: %v", err)
	}
}

func TestRecordEvent_MissingScope(t *testing.T) {
	env := newSvcEnv(t)
	_, err := env.svc.RecordEvent(context.Background(), Actor{ActorID: "x", Role: audit.RoleUser}, "", consentEvent())
	if !errors.Is(err, audit.ErrMissingTenantScope) {
		t.Fatalf("scopeless record = %v, want ErrMissingTenantScope", err)
	}
}

func TestRecordEvent_CrossTenantCapability(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	e, err := env.svc.RecordEvent(ctx, platformRoot(), "acme", consentEvent())
	if err != nil {
		t.Fatalf("capable cross-tenant record: %v", err)
	}
	if e.TenantID != "acme" {
		t.Fatalf("entry landed in %q", e.TenantID)
	}

	// The capability flag without an elevated role does not cross.
	sneaky := Actor{ActorID: "u", Role: audit.RoleUser, TenantID: "acme", CrossTenant: true}
	if _, err := env.svc.RecordEvent(ctx, sneaky, "globex", consentEvent()); !errors.Is(err, audit.ErrCrossTenantDenied) {
		t.Fatalf("user-role cross-tenant record = %v, want ErrCrossTenantDenied", err)
	}
}

func TestFreeze_BlocksAppendsKeepsReads(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()
	admin := acmeAdmin()
	env.record(admin, "acme", 3)

	if err := env.svc.Freeze(ctx, admin, "acme", "breach investigation"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	_, err := env.svc.RecordEvent(ctx, admin, "acme", consentEvent())
	if !errors.Is(err, audit.ErrTenantFrozen) {
		t.Fatalf("record on frozen tenant = %v, want ErrTenantFrozen", err)
	}

	// Reads and verification stay available.
	entries, _, err := env.svc.ListEvents(ctx, admin, "acme", store.Filter{}, store.Page{})
	if err != nil {
		t.Fatalf("ListEvents on frozen tenant: %v", err)
	}
	// 3 events plus the freeze control entry, written before the freeze.
	if len(entries) != 4 {
		t.Fatalf("frozen tenant has %d entries, want 4", len(entries))
	}
	if entries[3].Action != ActionTenantFrozen {
		t.Fatalf("last entry action = %q, want %q", entries[3].Action, ActionTenantFrozen)
	}
	res, err := env.svc.VerifyChain(ctx, admin, "acme", chain.Params{Deep: true})
	if err != nil || !res.Valid {
		t.Fatalf("verify on frozen tenant: valid=%v err=%v", res.Valid, err)
	}

	if err := env.svc.Unfreeze(ctx, admin, "acme"); err != nil {
		t.Fatalf("Unfreeze: %v", err)
	}
	if _, err := env.svc.RecordEvent(ctx, admin, "acme", consentEvent()); err != nil {
		t.Fatalf("record after unfreeze: %v", err)
	}
	entries, _, _ = env.svc.ListEvents(ctx, admin, "acme",
		store.Filter{Action: ActionTenantUnfrozen}, store.Page{})
	if len(entries) != 1 {
		t.Fatalf("unfreeze control entry missing")
	}
}

func TestVerifyAll_RequiresCapability(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()
	env.record(acmeUser(), "acme", 2)

	if _, err := env.svc.VerifyAll(ctx, acmeUser(), false); !errors.Is(err, audit.ErrCrossTenantDenied) {
		t.Fatalf("VerifyAll as user = %v, want ErrCrossTenantDenied", err)
	}

	results, err := env.svc.VerifyAll(ctx, platformRoot(), false)
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	if len(results) != 1 || !results[0].Valid {
		t.Fatalf("VerifyAll results = %+v", results)
	}
}

func TestGetProof_SealedEntry(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()
	admin := acmeAdmin()
	env.record(admin, "acme", 5)

	batches, err := env.svc.SealNow(ctx, admin, "acme")
	if err != nil {
		t.Fatalf("SealNow: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("sealed %d batches, want 2 (batch size 4, 5 entries)", len(batches))
	}
	env.record(admin, "acme", 1) // seq 6, appended after the seal

	proof, err := env.svc.GetProof(ctx, admin, "acme", 2)
	if err != nil {
		t.Fatalf("GetProof: %v", err)
	}
	if proof.BatchID != batches[0].BatchID || proof.PublicKey == "" {
		t.Fatalf("proof = %+v", proof)
	}
	if seal.FoldProof(proof.EntryHash, proof.Steps) != proof.MerkleRoot {
		t.Fatal("proof does not fold to its merkle root")
	}

	if _, err := env.svc.GetProof(ctx, admin, "acme", 6); !errors.Is(err, audit.ErrNotSealed) {
		t.Fatalf("proof for unsealed entry = %v, want ErrNotSealed", err)
	}
}

func TestScanAnomalies_CleanTenant(t *testing.T) {
	env := newSvcEnv(t)
	env.record(acmeUser(), "acme", 3)

	report, err := env.svc.ScanAnomalies(context.Background(), acmeUser(), "acme")
	if err != nil {
		t.Fatalf("ScanAnomalies: %v", err)
	}
	if report.TenantID != "acme" || report.RiskScore != 0 {
		t.Fatalf("report = %+v", report)
	}
	if report.Scanned != 3 {
		t.Fatalf("scanned %d entries, want 3", report.Scanned)
	}
}

func TestBackupRestore_EndToEnd(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()
	admin := acmeAdmin()
	env.record(admin, "acme", 10)
	if _, err := env.svc.SealNow(ctx, admin, "acme"); err != nil {
		t.Fatalf("SealNow: %v", err)
	}

	job, err := env.svc.Backup(ctx, admin, "acme", "prune")
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	done := env.waitJob(job.ID)
	if done.Status != archive.JobCompleted {
		t.Fatalf("backup finished %q (error %q)", done.Status, done.Error)
	}
	// Everything was sealed, so the prune emptied the hot store.
	minSeq, err := env.store.MinSeq(ctx, "acme")
	if err != nil {
		t.Fatalf("MinSeq: %v", err)
	}
	if minSeq != 0 {
		t.Fatalf("hot chain still starts at %d after prune backup", minSeq)
	}

	// Restore by segment ref; the service resolves it to the file.
	restoreJob, err := env.svc.Restore(ctx, admin, "acme", done.Archive.Segment.Ref)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	done = env.waitJob(restoreJob.ID)
	if done.Status != archive.JobCompleted {
		t.Fatalf("restore finished %q (error %q)", done.Status, done.Error)
	}
	minSeq, _ = env.store.MinSeq(ctx, "acme")
	if minSeq != 1 {
		t.Fatalf("hot chain starts at %d after restore, want 1", minSeq)
	}
}

func TestBackup_UnknownMode(t *testing.T) {
	env := newSvcEnv(t)
	env.record(acmeAdmin(), "acme", 1)
	if _, err := env.svc.Backup(context.Background(), acmeAdmin(), "acme", "incremental"); err == nil {
		t.Fatal("unknown backup mode accepted")
	}
}

func TestJobs_ScopedVisibility(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()
	admin := acmeAdmin()
	env.record(admin, "acme", 4)

	job, err := env.svc.Backup(ctx, admin, "acme", "full")
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	env.waitJob(job.ID)

	outsider := Actor{ActorID: "other", Role: audit.RoleAdmin, TenantID: "globex"}
	if _, err := env.svc.Job(ctx, outsider, job.ID); !errors.Is(err, audit.ErrCrossTenantDenied) {
		t.Fatalf("foreign job read = %v, want ErrCrossTenantDenied", err)
	}

	own, err := env.svc.Jobs(ctx, admin, "")
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if len(own) != 1 || own[0].ID != job.ID {
		t.Fatalf("Jobs for admin = %+v", own)
	}
	all, err := env.svc.Jobs(ctx, platformRoot(), "")
	if err != nil {
		t.Fatalf("Jobs as root: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("root sees %d jobs, want 1", len(all))
	}
}

func TestExport_Formats(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()
	actor := acmeUser()
	env.record(actor, "acme", 2)

	var jsonl bytes.Buffer
	if err := env.svc.Export(ctx, actor, "acme", &jsonl, "jsonl"); err != nil {
		t.Fatalf("Export jsonl: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(jsonl.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("jsonl export has %d lines, want 2", len(lines))
	}
	var first audit.Entry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("jsonl line does not parse: %v", err)
	}
	if first.Seq != 1 {
		t.Fatalf("first exported seq = %d", first.Seq)
	}

	var asJSON bytes.Buffer
	if err := env.svc.Export(ctx, actor, "acme", &asJSON, "json"); err != nil {
		t.Fatalf("Export json: %v", err)
	}
	var arr []audit.Entry
	if err := json.Unmarshal(asJSON.Bytes(), &arr); err != nil {
		t.Fatalf("json export does not parse: %v", err)
	}
	if len(arr) != 2 {
		t.Fatalf("json export has %d entries, want 2", len(arr))
	}

	var asCSV bytes.Buffer
	if err := env.svc.Export(ctx, actor, "acme", &asCSV, "csv"); err != nil {
		t.Fatalf("Export csv: %v", err)
	}
	rows, err := csv.NewReader(&asCSV).ReadAll()
	if err != nil {
		t.Fatalf("csv export does not parse: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("csv export has %d rows, want header plus 2", len(rows))
	}
	if rows[0][0] != "seq" || rows[1][0] != "1" {
		t.Fatalf("csv rows = %v", rows[:2])
	}

	if err := env.svc.Export(ctx, actor, "acme", &bytes.Buffer{}, "xml"); err == nil {
		t.Fatal("unsupported format accepted")
	}
}

func TestFollow_DeliversNewEntries(t *testing.T) {
	env := newSvcEnv(t)
	actor := acmeUser()
	env.record(actor, "acme", 1) // history before the tail starts

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan audit.Entry, 8)
	followErr := make(chan error, 1)
	go func() {
		followErr <- env.svc.Follow(ctx, "acme", func(e audit.Entry) { got <- e })
	}()

	// Give the follower a moment to snapshot the head, then append.
	time.Sleep(50 * time.Millisecond)
	env.record(actor, "acme", 2)

	var seqs []uint64
	timeout := time.After(5 * time.Second)
	for len(seqs) < 2 {
		select {
		case e := <-got:
			seqs = append(seqs, e.Seq)
		case <-timeout:
			t.Fatalf("follow delivered %v before timing out", seqs)
		}
	}
	if seqs[0] != 2 || seqs[1] != 3 {
		t.Fatalf("follow delivered seqs %v, want [2 3]", seqs)
	}

	cancel()
	if err := <-followErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("Follow returned %v, want context.Canceled", err)
	}
}

func TestTenants_JoinsRegistryAndChains(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()
	env.record(acmeUser(), "acme", 3)
	env.record(Actor{ActorID: "g", Role: audit.RoleUser, TenantID: "globex"}, "globex", 1)

	if err := env.svc.Freeze(ctx, acmeAdmin(), "acme", "incident"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	infos, err := env.svc.Tenants(ctx)
	if err != nil {
		t.Fatalf("Tenants: %v", err)
	}
	if len(infos) != 2 || infos[0].ID != "acme" || infos[1].ID != "globex" {
		t.Fatalf("Tenants = %+v", infos)
	}
	acme := infos[0]
	if !acme.Frozen || acme.Status != tenant.StatusFrozen {
		t.Fatalf("acme not reported frozen: %+v", acme)
	}
	// 3 events plus the freeze control entry.
	if acme.LastSeq != 4 || acme.HotEntries != 4 {
		t.Fatalf("acme chain position = %+v", acme)
	}
	if infos[1].LastSeq != 1 {
		t.Fatalf("globex chain position = %+v", infos[1])
	}
}

func TestSweeps_SealVerifyScan(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()
	env.record(acmeUser(), "acme", 6)

	n, err := env.svc.sealSweep(ctx)
	if err != nil {
		t.Fatalf("sealSweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("seal sweep wrote %d batches, want 2 (batch size 4, 6 entries)", n)
	}

	results, err := env.svc.verifySweep(ctx, false)
	if err != nil {
		t.Fatalf("verifySweep: %v", err)
	}
	if len(results) != 1 || !results[0].Valid {
		t.Fatalf("verify sweep = %+v", results)
	}

	reports, err := env.svc.scanSweep(ctx)
	if err != nil {
		t.Fatalf("scanSweep: %v", err)
	}
	if len(reports) != 1 || reports[0].RiskScore != 0 {
		t.Fatalf("scan sweep = %+v", reports)
	}
}

func TestScheduler_ApplyResyncs(t *testing.T) {
	env := newSvcEnv(t)
	sched := NewScheduler(env.svc)

	sched.Apply(Schedules{Seal: "@every 1h", Verify: "@every 2h", Scan: "bogus cron"})
	if len(sched.entries) != 2 {
		t.Fatalf("scheduler installed %d entries, want 2 (bogus one skipped)", len(sched.entries))
	}

	sched.Apply(Schedules{Seal: "@every 30m"})
	if len(sched.entries) != 1 {
		t.Fatalf("resync left %d entries, want 1", len(sched.entries))
	}

	sched.Start()
	<-sched.Stop().Done()
}
