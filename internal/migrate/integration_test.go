package migrate_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"vecino.app/internal/accesscode"
	"vecino.app/internal/apperr"
	"vecino.app/internal/auth"
	"vecino.app/internal/directory"
	"vecino.app/internal/enrollment"
	"vecino.app/internal/keys"
	"vecino.app/internal/migrate"
	"vecino.app/internal/obs"
	"vecino.app/internal/store/pg"
)

// setupDB starts PostgreSQL, applies every migration and seeds one
// organization with a unit, a porter and a visit request.
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION is not set")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("vecino_test"),
		postgres.WithUsername("vecino"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	mgr, err := migrate.NewManager(dsn, migrate.WithLogger(obs.NewLogger(io.Discard, "error", "json")))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Up(); err != nil {
		t.Fatalf("Up: %v", err)
	}
	files, err := migrate.Files()
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	version, dirty, ok, err := mgr.Version()
	if err != nil || !ok || dirty || version != uint(len(files)/2) {
		t.Fatalf("unexpected version %d dirty=%t ok=%t err=%v", version, dirty, ok, err)
	}
	_ = mgr.Close()

	db, err := pg.Open(dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, stmt := range []string{
		`insert into organizations(id, name) values ('org-1', 'Los Álamos')`,
		`insert into units(id, organization_id, code) values ('unit-1', 'org-1', 'T1-302')`,
		`insert into users(id, organization_id, email, full_name) values ('porter-1', 'org-1', 'porter@alamos.example', 'Pedro Portero')`,
		`insert into visit_requests(id, organization_id, unit_id, visitor_name) values ('visit-1', 'org-1', 'unit-1', 'María Gómez')`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return db
}

func TestSingleActiveKeyIndex(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	c, err := keys.NewCrypto("integration-test-master-secret-0123456789")
	if err != nil {
		t.Fatalf("NewCrypto: %v", err)
	}
	store := keys.NewPGStore(db)
	km, err := keys.NewManager(store, c)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var wg sync.WaitGroup
	kids := make([]string, 8)
	errs := make([]error, 8)
	for i := range kids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := km.ActiveKey(ctx, "org-1")
			kids[i], errs[i] = k.Kid, err
		}(i)
	}
	wg.Wait()
	for i := range kids {
		if errs[i] != nil {
			t.Fatalf("ActiveKey: %v", errs[i])
		}
		if kids[i] != kids[0] {
			t.Fatalf("concurrent first use created two active keys: %s vs %s", kids[i], kids[0])
		}
	}

	if _, err := km.Rotate(ctx, "org-1"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	var active int
	if err := db.QueryRowContext(ctx, `select count(*) from organization_crypto_keys where organization_id='org-1' and is_active`).Scan(&active); err != nil {
		t.Fatalf("count: %v", err)
	}
	if active != 1 {
		t.Fatalf("expected exactly one active key, got %d", active)
	}
	list, err := km.Keys(ctx, "org-1")
	if err != nil || len(list) != 2 {
		t.Fatalf("expected retired key kept, got %d (%v)", len(list), err)
	}
}

func TestConcurrentScansConsumeOnce(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	hasher, err := accesscode.NewHasher("integration-test-master-secret-0123456789")
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	store := accesscode.NewPGStore(db)
	engine, err := accesscode.NewEngine(store, directory.NewPGStore(db), hasher,
		accesscode.WithLogger(obs.NewLogger(io.Discard, "error", "json")),
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	admin := auth.Actor{UserID: "admin-1", OrganizationID: "org-1", Roles: []string{auth.RoleAdmin}}
	now := time.Now().UTC()
	issued, err := engine.Issue(ctx, admin, accesscode.IssueRequest{
		VisitRequestID: "visit-1",
		CodeType:       "ALPHANUMERIC",
		ValidFrom:      now.Add(-time.Minute),
		ValidUntil:     now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const scanners = 12
	results := make(chan accesscode.Result, scanners)
	var wg sync.WaitGroup
	for i := 0; i < scanners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := engine.Scan(ctx, accesscode.ScanRequest{OrganizationID: "org-1", ScannedBy: "porter-1", Code: issued.Code})
			if err != nil {
				t.Errorf("Scan: %v", err)
				return
			}
			results <- out.Result
		}()
	}
	wg.Wait()
	close(results)

	valid := 0
	for r := range results {
		if r == accesscode.ResultValid {
			valid++
		}
	}
	if valid != 1 {
		t.Fatalf("expected exactly one VALID scan, got %d", valid)
	}
	logs, err := store.ScanLogs(ctx, issued.ID)
	if err != nil {
		t.Fatalf("ScanLogs: %v", err)
	}
	if len(logs) != scanners {
		t.Fatalf("expected %d scan logs, got %d", scanners, len(logs))
	}
	got, err := store.Get(ctx, issued.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != accesscode.StatusUsed || got.EntriesUsed != 1 {
		t.Fatalf("unexpected final code state %s/%d", got.Status, got.EntriesUsed)
	}
}

func TestEnrollmentSinglePendingToken(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	c, err := keys.NewCrypto("integration-test-master-secret-0123456789")
	if err != nil {
		t.Fatalf("NewCrypto: %v", err)
	}
	km, err := keys.NewManager(keys.NewPGStore(db), c)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	svc, err := enrollment.NewService(enrollment.NewPGStore(db), km, directory.NewPGStore(db),
		enrollment.WithLogger(obs.NewLogger(io.Discard, "error", "json")),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	first, err := svc.Issue(ctx, "porter-1", "org-1", "admin-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Issue(ctx, "porter-1", "org-1", "admin-1"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for second pending token, got %v", err)
	}
	second, err := svc.Regenerate(ctx, "porter-1", "org-1", "admin-1")
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}

	var pending int
	if err := db.QueryRowContext(ctx, `select count(*) from porter_enrollment_tokens where user_id='porter-1' and status='PENDING'`).Scan(&pending); err != nil {
		t.Fatalf("count: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected one pending token, got %d", pending)
	}

	if _, err := svc.Consume(ctx, first.RawToken, enrollment.Activation{}); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected revoked token to be refused, got %v", err)
	}
	res, err := svc.Consume(ctx, second.RawToken, enrollment.Activation{IP: "10.0.0.7", UserAgent: "porter-device/1.0"})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if res.OrganizationID != "org-1" || res.Kid == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	trail, err := svc.AuditTrail(ctx, second.Token.ID)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	want := []enrollment.Action{enrollment.ActionCreated, enrollment.ActionURLRegenerated, enrollment.ActionConsumed}
	if len(trail) != len(want) {
		t.Fatalf("unexpected trail %+v", trail)
	}
	for i, a := range want {
		if trail[i].Action != a {
			t.Fatalf("trail[%d] = %s, want %s", i, trail[i].Action, a)
		}
	}
}
