package message

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// storeFactories returns every Store implementation that can run in this
// environment. Postgres joins the list when TEST_DATABASE_URL is set.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	factories := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
	}
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Store {
			return newTestPostgres(t, dsn)
		}
	}
	return factories
}

func newTestPostgres(t *testing.T, dsn string) Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// users returns two identities unique to this test so Postgres runs do not
// see each other's rows.
func users() (string, string) {
	return "test_a_" + uuid.New().String()[:8], "test_b_" + uuid.New().String()[:8]
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func mustAppend(t *testing.T, s Store, from, to, text string) *Message {
	t.Helper()
	m := New(from, to, Body{Text: text})
	if err := s.Append(context.Background(), m); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	return m
}

// ---------------------------------------------------------------------------
// Append / Conversation
// ---------------------------------------------------------------------------

func TestAppendAssignsIdentity(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		a, b := users()
		m := mustAppend(t, s, a, b, "hi")

		if m.ID == "" {
			t.Error("expected non-empty ID")
		}
		if m.CreatedAt.IsZero() {
			t.Error("expected CreatedAt to be set")
		}
		if m.Seq == 0 {
			t.Error("expected Seq to be set")
		}
		if m.Seen {
			t.Error("new message must be unseen")
		}
	})
}

func TestConversationIsOrderIndependent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, b := users()
		mustAppend(t, s, a, b, "one")
		mustAppend(t, s, b, a, "two")
		mustAppend(t, s, a, b, "three")

		ab, err := s.Conversation(ctx, a, b)
		if err != nil {
			t.Fatalf("Conversation() error: %v", err)
		}
		ba, err := s.Conversation(ctx, b, a)
		if err != nil {
			t.Fatalf("Conversation() error: %v", err)
		}
		if len(ab) != 3 || len(ba) != 3 {
			t.Fatalf("expected 3 messages both ways, got %d and %d", len(ab), len(ba))
		}
		for i, want := range []string{"one", "two", "three"} {
			if ab[i].Body.Text != want {
				t.Errorf("ab[%d] = %q, want %q", i, ab[i].Body.Text, want)
			}
			if ba[i].ID != ab[i].ID {
				t.Errorf("order differs at %d", i)
			}
		}
	})
}

func TestConversationExcludesOtherPairs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		a, b := users()
		_, c := users()
		mustAppend(t, s, a, b, "for b")
		mustAppend(t, s, a, c, "for c")

		msgs, err := s.Conversation(context.Background(), a, b)
		if err != nil {
			t.Fatalf("Conversation() error: %v", err)
		}
		if len(msgs) != 1 || msgs[0].Body.Text != "for b" {
			t.Fatalf("unexpected conversation: %+v", msgs)
		}
	})
}

func TestConversationEmpty(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		a, b := users()
		msgs, err := s.Conversation(context.Background(), a, b)
		if err != nil {
			t.Fatalf("Conversation() error: %v", err)
		}
		if msgs == nil || len(msgs) != 0 {
			t.Fatalf("expected empty non-nil slice, got %#v", msgs)
		}
	})
}

func TestConversationTiesBrokenByInsertion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, b := users()
		ts := time.Now().UTC().Truncate(time.Millisecond)
		for _, text := range []string{"first", "second", "third"} {
			m := New(a, b, Body{Text: text})
			m.CreatedAt = ts
			if err := s.Append(ctx, m); err != nil {
				t.Fatalf("Append() error: %v", err)
			}
		}

		msgs, err := s.Conversation(ctx, a, b)
		if err != nil {
			t.Fatalf("Conversation() error: %v", err)
		}
		for i, want := range []string{"first", "second", "third"} {
			if msgs[i].Body.Text != want {
				t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Body.Text, want)
			}
		}
	})
}

func TestAppendAttachment(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, b := users()
		m := New(a, b, Body{File: &Attachment{
			URL: "/uploads/x.png", Filename: "cat.png", Mimetype: "image/png",
		}})
		if err := s.Append(ctx, m); err != nil {
			t.Fatalf("Append() error: %v", err)
		}

		got, err := s.Get(ctx, m.ID)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if got.Body.File == nil {
			t.Fatal("expected attachment")
		}
		if got.Body.File.Filename != "cat.png" || got.Body.File.Mimetype != "image/png" {
			t.Errorf("unexpected attachment: %+v", got.Body.File)
		}
		if got.Body.Text != "" {
			t.Errorf("expected empty text, got %q", got.Body.Text)
		}
	})
}

func TestGetNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), uuid.New().String())
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

// ---------------------------------------------------------------------------
// MarkSeen
// ---------------------------------------------------------------------------

func TestMarkSeenOnlyIncoming(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, b := users()
		mustAppend(t, s, b, a, "from b 1")
		mustAppend(t, s, b, a, "from b 2")
		mine := mustAppend(t, s, a, b, "from a")

		n, err := s.MarkSeen(ctx, a, b)
		if err != nil {
			t.Fatalf("MarkSeen() error: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2 updated, got %d", n)
		}

		got, err := s.Get(ctx, mine.ID)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if got.Seen {
			t.Error("reader's own message must stay unseen")
		}
	})
}

func TestMarkSeenIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, b := users()
		mustAppend(t, s, b, a, "hello")

		if _, err := s.MarkSeen(ctx, a, b); err != nil {
			t.Fatalf("MarkSeen() error: %v", err)
		}
		before, _ := s.Conversation(ctx, a, b)

		n, err := s.MarkSeen(ctx, a, b)
		if err != nil {
			t.Fatalf("second MarkSeen() error: %v", err)
		}
		if n != 0 {
			t.Errorf("second MarkSeen updated %d messages, want 0", n)
		}
		after, _ := s.Conversation(ctx, a, b)
		if len(before) != len(after) || before[0].Seen != after[0].Seen {
			t.Errorf("state changed: before=%+v after=%+v", before[0], after[0])
		}
	})
}

// ---------------------------------------------------------------------------
// Delete
// ---------------------------------------------------------------------------

func TestDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, b := users()
		m := mustAppend(t, s, a, b, "bye")

		if err := s.Delete(ctx, m.ID, b); !errors.Is(err, ErrForbidden) {
			t.Fatalf("expected ErrForbidden for non-sender, got %v", err)
		}
		if _, err := s.Get(ctx, m.ID); err != nil {
			t.Fatalf("message must survive forbidden delete: %v", err)
		}

		if err := s.Delete(ctx, m.ID, a); err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		msgs, _ := s.Conversation(ctx, a, b)
		if len(msgs) != 0 {
			t.Errorf("expected empty conversation after delete, got %d", len(msgs))
		}
		if err := s.Delete(ctx, m.ID, a); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})
}

// ---------------------------------------------------------------------------
// React
// ---------------------------------------------------------------------------

func TestReactReplaces(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, b := users()
		m := mustAppend(t, s, b, a, "joke")

		if _, err := s.React(ctx, m.ID, a, "👍"); err != nil {
			t.Fatalf("React() error: %v", err)
		}
		reactions, err := s.React(ctx, m.ID, a, "😂")
		if err != nil {
			t.Fatalf("React() error: %v", err)
		}
		if len(reactions) != 1 {
			t.Fatalf("expected 1 reaction, got %+v", reactions)
		}
		if reactions[0].User != a || reactions[0].Emoji != "😂" {
			t.Errorf("unexpected reaction: %+v", reactions[0])
		}
	})
}

func TestReactEmptyRemoves(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, b := users()
		m := mustAppend(t, s, a, b, "hey")

		if _, err := s.React(ctx, m.ID, a, "❤️"); err != nil {
			t.Fatalf("React() error: %v", err)
		}
		if _, err := s.React(ctx, m.ID, b, "🔥"); err != nil {
			t.Fatalf("React() error: %v", err)
		}
		reactions, err := s.React(ctx, m.ID, a, "")
		if err != nil {
			t.Fatalf("React() error: %v", err)
		}
		if len(reactions) != 1 || reactions[0].User != b {
			t.Fatalf("expected only b's reaction left, got %+v", reactions)
		}
	})
}

func TestReactEmptyWithoutPriorIsNoop(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, b := users()
		m := mustAppend(t, s, a, b, "hey")

		reactions, err := s.React(ctx, m.ID, b, "")
		if err != nil {
			t.Fatalf("React() error: %v", err)
		}
		if reactions == nil || len(reactions) != 0 {
			t.Fatalf("expected empty non-nil reaction set, got %#v", reactions)
		}
	})
}

func TestReactNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.React(context.Background(), uuid.New().String(), "u", "👍")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestReactConcurrentUsers(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, b := users()
		m := mustAppend(t, s, a, b, "race")

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			for _, u := range []string{a, b} {
				wg.Add(1)
				go func(u string) {
					defer wg.Done()
					if _, err := s.React(ctx, m.ID, u, "👍"); err != nil {
						t.Errorf("React() error: %v", err)
					}
				}(u)
			}
		}
		wg.Wait()

		got, err := s.Get(ctx, m.ID)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if len(got.Reactions) != 2 {
			t.Fatalf("expected one reaction per user, got %+v", got.Reactions)
		}
	})
}

func TestStoredMessagesAreNotAliased(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	m := mustAppend(t, s, "a", "b", "original")
	m.Body.Text = "mutated"

	got, err := s.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Body.Text != "original" {
		t.Errorf("store aliased caller's message: %q", got.Body.Text)
	}
}

// ---------------------------------------------------------------------------
// Migrations
// ---------------------------------------------------------------------------

func TestMigrateIsRepeatable(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		t.Skipf("postgres not available: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := Migrate(db); err != nil {
			t.Fatalf("Migrate() run %d error: %v", i+1, err)
		}
	}
}
