package kv

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationUpdateIsSerialized(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	store.tableName = postgresIntegrationTableName("spendwatch_kv_it")
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTable(t, dsn, store.tableName)
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if err := UpdateJSON(ctx, store, "counter", func(c *counter) error {
					c.N++
					return nil
				}); err != nil {
					t.Errorf("update failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	var c counter
	if _, err := GetJSON(ctx, store, "counter", &c); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if c.N != 25 {
		t.Fatalf("expected 25 increments, got %d", c.N)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SPENDWATCH_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set SPENDWATCH_TEST_POSTGRES_DSN to run Postgres integration tests")
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
	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
