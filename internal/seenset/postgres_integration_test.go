package seenset

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresStoreIntegrationRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	tableName := postgresIntegrationTableName("notesync_seen_it")
	t.Cleanup(func() { postgresIntegrationDropTable(t, dsn, tableName) })

	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store failed: %v", err)
	}
	store.tableName = tableName
	set, err := Open(store)
	if err != nil {
		t.Fatalf("open seen set failed: %v", err)
	}
	for _, id := range []string{"file-a", "file-b", "file-a"} {
		if err := set.MarkSeen(id); err != nil {
			t.Fatalf("mark seen %s failed: %v", id, err)
		}
	}
	_ = set.Close()

	reopened, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("reopen postgres store failed: %v", err)
	}
	reopened.tableName = tableName
	defer reopened.Close()
	reloaded, err := Open(reopened)
	if err != nil {
		t.Fatalf("reopen seen set failed: %v", err)
	}
	if got, want := reloaded.IDs(), []string{"file-a", "file-b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("NOTESYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set NOTESYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdentifier(tableName))); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
