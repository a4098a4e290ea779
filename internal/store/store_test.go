package store_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jeefy/askrelay/internal/models"
	"github.com/jeefy/askrelay/internal/store"
)

func openSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "prompts.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func eachStore(t *testing.T, fn func(t *testing.T, st store.Store)) {
	t.Run("memory", func(t *testing.T) {
		st := store.NewMemory()
		defer st.Close()
		fn(t, st)
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, openSQLite(t))
	})
}

func TestCreateThenAnswer(t *testing.T) {
	eachStore(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		id, err := st.Create(ctx, "hello", "10.0.0.1")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if id == 0 {
			t.Fatalf("expected id != 0")
		}
		pending, err := st.Get(ctx, id)
		if err != nil {
			t.Fatalf("get pending: %v", err)
		}
		if pending.Answer != nil {
			t.Fatalf("expected nil answer before SetAnswer, got %q", *pending.Answer)
		}
		if pending.Question != "hello" || pending.Requester != "10.0.0.1" {
			t.Fatalf("unexpected entry: %+v", pending)
		}
		if pending.CreatedAt.IsZero() {
			t.Fatalf("expected created_at to be set")
		}

		if err := st.SetAnswer(ctx, id, "hi there"); err != nil {
			t.Fatalf("set answer: %v", err)
		}
		done, err := st.Get(ctx, id)
		if err != nil {
			t.Fatalf("get answered: %v", err)
		}
		if !done.Answered() || *done.Answer != "hi there" {
			t.Fatalf("expected answer 'hi there', got %+v", done.Answer)
		}
		if !done.CreatedAt.Equal(pending.CreatedAt) {
			t.Fatalf("created_at changed: %v -> %v", pending.CreatedAt, done.CreatedAt)
		}
	})
}

func TestSetAnswerOnlyOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		id, err := st.Create(ctx, "q", "")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := st.SetAnswer(ctx, id, "first"); err != nil {
			t.Fatalf("first set: %v", err)
		}
		if err := st.SetAnswer(ctx, id, "second"); !errors.Is(err, store.ErrAnswerAlreadySet) {
			t.Fatalf("expected ErrAnswerAlreadySet, got %v", err)
		}
		e, _ := st.Get(ctx, id)
		if *e.Answer != "first" {
			t.Fatalf("answer overwritten: %q", *e.Answer)
		}
		if e.Requester != models.UnknownRequester {
			t.Fatalf("expected placeholder requester, got %q", e.Requester)
		}
	})
}

func TestMissingEntry(t *testing.T) {
	eachStore(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		if _, err := st.Get(ctx, 42); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound from Get, got %v", err)
		}
		if err := st.SetAnswer(ctx, 42, "x"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound from SetAnswer, got %v", err)
		}
	})
}

func TestListNewestFirst(t *testing.T) {
	eachStore(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		for i := 1; i <= 5; i++ {
			if _, err := st.Create(ctx, fmt.Sprintf("q%d", i), "ip"); err != nil {
				t.Fatalf("create %d: %v", i, err)
			}
		}
		page, err := st.List(ctx, 1, 2)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page) != 2 || page[0].Question != "q4" || page[1].Question != "q3" {
			t.Fatalf("unexpected page: %+v %+v", page[0], page[1])
		}
		n, err := st.Count(ctx)
		if err != nil || n != 5 {
			t.Fatalf("count = %d, %v", n, err)
		}
	})
}

func TestConcurrentCreatesGetDistinctIDs(t *testing.T) {
	eachStore(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		const n = 20
		ids := make([]int64, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id, err := st.Create(ctx, fmt.Sprintf("q%d", i), "ip")
				if err != nil {
					t.Errorf("create %d: %v", i, err)
					return
				}
				if err := st.SetAnswer(ctx, id, fmt.Sprintf("a%d", i)); err != nil {
					t.Errorf("answer %d: %v", i, err)
				}
				ids[i] = id
			}(i)
		}
		wg.Wait()
		seen := map[int64]bool{}
		for i, id := range ids {
			if seen[id] {
				t.Fatalf("duplicate id %d", id)
			}
			seen[id] = true
			e, err := st.Get(ctx, id)
			if err != nil {
				t.Fatalf("get %d: %v", id, err)
			}
			if e.Question != fmt.Sprintf("q%d", i) || *e.Answer != fmt.Sprintf("a%d", i) {
				t.Fatalf("row %d mixed up: %+v", id, e)
			}
		}
	})
}

func TestSQLiteOpensPathWithURIMetacharacters(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "a?b#c", "prompts.db")
	st, err := store.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := st.Create(ctx, "where am i", "ip"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.Path() != path {
		t.Fatalf("Path() = %q, want %q", st.Path(), path)
	}
	_ = st.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database not created at requested path: %v", err)
	}
	st, err = store.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if n, _ := st.Count(ctx); n != 1 {
		t.Fatalf("expected the row to survive reopen, got %d", n)
	}
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "prompts.db")
	st, err := store.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if got := st.Applied(); len(got) != 3 {
		t.Fatalf("expected 3 migrations on fresh db, got %v", got)
	}
	if _, err := st.Create(ctx, "persisted", "ip"); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = st.Close()

	st, err = store.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer st.Close()
	if got := st.Applied(); len(got) != 0 {
		t.Fatalf("expected no migrations on rerun, got %v", got)
	}
	v, err := st.SchemaVersion(ctx)
	if err != nil || v != 3 {
		t.Fatalf("schema version = %d, %v", v, err)
	}
	n, _ := st.Count(ctx)
	if n != 1 {
		t.Fatalf("expected 1 row after reopen, got %d", n)
	}
}

func TestSQLiteUpgradesLegacySchema(t *testing.T) {
	cases := []struct {
		name string
		ddl  string
	}{
		{"question only", `CREATE TABLE prompts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			question TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP)`},
		{"answer without requester", `CREATE TABLE prompts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			question TEXT NOT NULL,
			answer TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP)`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "legacy.db")
			raw, err := sql.Open("sqlite", path)
			if err != nil {
				t.Fatalf("open raw: %v", err)
			}
			if _, err := raw.Exec(tc.ddl); err != nil {
				t.Fatalf("legacy ddl: %v", err)
			}
			for _, q := range []string{"old one", "old two"} {
				if _, err := raw.Exec("INSERT INTO prompts (question) VALUES (?)", q); err != nil {
					t.Fatalf("legacy insert: %v", err)
				}
			}
			_ = raw.Close()

			st, err := store.OpenSQLite(ctx, path)
			if err != nil {
				t.Fatalf("open legacy: %v", err)
			}
			defer st.Close()
			n, err := st.Count(ctx)
			if err != nil || n != 2 {
				t.Fatalf("row count after migration = %d, %v", n, err)
			}
			old, err := st.Get(ctx, 1)
			if err != nil {
				t.Fatalf("get legacy row: %v", err)
			}
			if old.Question != "old one" || old.Answer != nil {
				t.Fatalf("legacy row altered: %+v", old)
			}
			id, err := st.Create(ctx, "new", "1.2.3.4")
			if err != nil {
				t.Fatalf("create after upgrade: %v", err)
			}
			if err := st.SetAnswer(ctx, id, "ok"); err != nil {
				t.Fatalf("answer after upgrade: %v", err)
			}
			e, _ := st.Get(ctx, id)
			if e.Requester != "1.2.3.4" || *e.Answer != "ok" {
				t.Fatalf("unexpected upgraded row: %+v", e)
			}
		})
	}
}
