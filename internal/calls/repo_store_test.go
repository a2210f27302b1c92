package calls

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"lead-qualifier/pkg/utils"
)

// These tests run against real stores and skip unless the matching
// DB_* or REDIS_* variables point at one.

func uniqueSessionID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// assertStaleSaveConflicts creates a session, saves it from two copies
// of the same version, and expects the second save to lose.
func assertStaleSaveConflicts(t *testing.T, repo Repository, id string) {
	t.Helper()
	ctx := context.Background()

	s, err := NewSession(id, "+15551234567", DirectionOutbound, time.Now().UTC())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := repo.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Create(ctx, s); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	a, err := repo.Load(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a

	a.State = StateGreeting
	saved, err := repo.Save(ctx, a)
	if err != nil {
		t.Fatalf("save a: %v", err)
	}
	if saved.Version != a.Version+1 {
		t.Fatalf("expected version %d, got %d", a.Version+1, saved.Version)
	}

	b.State = StateFailed
	if _, err := repo.Save(ctx, b); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := repo.Load(ctx, id)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.State != StateGreeting || got.Version != saved.Version {
		t.Fatalf("stale save leaked: state=%s version=%d", got.State, got.Version)
	}

	missing := saved
	missing.SessionID = id + "-missing"
	if _, err := repo.Save(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisRepo_SaveRejectsStaleVersion(t *testing.T) {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		t.Skip("REDIS_HOST not set")
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	rdb, err := utils.OpenRedis(context.Background(), utils.RedisConfig{
		Addr:     host + ":" + port,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	defer rdb.Close()

	id := uniqueSessionID("redis-conflict")
	t.Cleanup(func() {
		ctx := context.Background()
		rdb.Del(ctx, redisSessionKey(id))
		rdb.ZRem(ctx, redisCreatedIndexKey, id)
	})
	assertStaleSaveConflicts(t, NewRedisRepo(rdb, time.Minute), id)
}

func TestPostgresRepo_SaveRejectsStaleVersion(t *testing.T) {
	host := os.Getenv("DB_HOST")
	if host == "" {
		t.Skip("DB_HOST not set")
	}
	port := 5432
	if v := os.Getenv("DB_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			t.Fatalf("DB_PORT: %v", err)
		}
		port = n
	}
	sslmode := os.Getenv("DB_SSLMODE")
	if sslmode == "" {
		sslmode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"), os.Getenv("DB_NAME"), sslmode)

	ctx := context.Background()
	db, err := utils.OpenPostgres(ctx, dsn, utils.PostgresPool{MaxOpenConns: 2})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	schema, err := os.ReadFile("../../migrations/001_call_sessions.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, stmt := range migrationStatements(string(schema)) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("migrate: %v", err)
		}
	}

	id := uniqueSessionID("pg-conflict")
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), `DELETE FROM call_sessions WHERE session_id = $1`, id)
	})
	assertStaleSaveConflicts(t, NewPostgresRepo(db), id)
}

// migrationStatements drops comment lines and splits on semicolons.
func migrationStatements(sql string) []string {
	var b strings.Builder
	for _, line := range strings.Split(sql, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var out []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func TestMigrationStatements(t *testing.T) {
	got := migrationStatements("-- note; with a semicolon\nCREATE TABLE a (x INT);\n\nCREATE INDEX i ON a (x);\n")
	if len(got) != 2 || !strings.HasPrefix(got[0], "CREATE TABLE") || !strings.HasPrefix(got[1], "CREATE INDEX") {
		t.Fatalf("unexpected statements %q", got)
	}
}
