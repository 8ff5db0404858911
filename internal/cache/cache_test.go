package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nelie/internal/core"
	"nelie/internal/storage"
)

func TestLessonKey(t *testing.T) {
	base := core.GenerationContext{Title: "Fractions", Subject: "Math", Grade: 4, Interests: []string{"space", "dinosaurs"}}

	t.Run("InterestOrderAndCaseIgnored", func(t *testing.T) {
		other := core.GenerationContext{Title: "  fractions ", Subject: "MATH", Grade: 4, Interests: []string{"Dinosaurs", "space"}}
		if LessonKey(base, FormatVersion) != LessonKey(other, FormatVersion) {
			t.Error("expected equal keys for equivalent contexts")
		}
	})

	t.Run("FieldsChangeKey", func(t *testing.T) {
		variants := []core.GenerationContext{
			{Title: "Decimals", Subject: "Math", Grade: 4, Interests: base.Interests},
			{Title: "Fractions", Subject: "Art", Grade: 4, Interests: base.Interests},
			{Title: "Fractions", Subject: "Math", Grade: 5, Interests: base.Interests},
			{Title: "Fractions", Subject: "Math", Grade: 4, Interests: []string{"space"}},
		}
		want := LessonKey(base, FormatVersion)
		for i, v := range variants {
			if LessonKey(v, FormatVersion) == want {
				t.Errorf("variant %d produced the base key", i)
			}
		}
	})

	t.Run("SeparatorsInsideFieldsDoNotCollide", func(t *testing.T) {
		pairs := [][2]core.GenerationContext{
			{
				{Title: "Fractions|Math", Subject: "Art", Grade: 4},
				{Title: "Fractions", Subject: "Math|Art", Grade: 4},
			},
			{
				{Title: "Fractions", Subject: "Math", Grade: 4, Interests: []string{"space,dinosaurs"}},
				{Title: "Fractions", Subject: "Math", Grade: 4, Interests: []string{"space", "dinosaurs"}},
			},
		}
		for i, p := range pairs {
			if LessonKey(p[0], FormatVersion) == LessonKey(p[1], FormatVersion) {
				t.Errorf("pair %d: distinct contexts share a lesson key", i)
			}
		}
	})

	t.Run("FormatVersionChangesKey", func(t *testing.T) {
		if LessonKey(base, "lesson-v1") == LessonKey(base, "lesson-v2") {
			t.Error("expected format version to change the key")
		}
	})

	t.Run("Prefixed", func(t *testing.T) {
		key := LessonKey(base, FormatVersion)
		if !strings.HasPrefix(key, "lesson:") || len(key) != len("lesson:")+64 {
			t.Errorf("unexpected key %q", key)
		}
	})
}

func TestImageKey(t *testing.T) {
	if ImageKey("A  red\tfox") != ImageKey("a red fox ") {
		t.Error("expected whitespace and case to be normalized")
	}
	if ImageKey("a red fox") == ImageKey("a blue fox") {
		t.Error("expected different prompts to differ")
	}
	if !strings.HasPrefix(ImageKey("x"), "image:") {
		t.Error("expected image prefix")
	}
}

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	shared, err := storage.NewSQLite(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "cache.db")})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { shared.Close() })

	store, err := New(context.Background(), Config{Enabled: true, Backend: BackendStorage}, shared)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	return store
}

func TestStores(t *testing.T) {
	backends := map[string]func(t *testing.T) Store{
		"Memory": func(t *testing.T) Store { return NewMemoryStore() },
		"File": func(t *testing.T) Store {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "cache"))
			if err != nil {
				t.Fatalf("NewFileStore: %v", err)
			}
			return s
		},
		"SQLite": newSQLiteStore,
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			testStoreContract(t, open(t))
		})
	}
}

// testStoreContract is shared with the integration suite.
func testStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	created := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	t.Run("MissIsNil", func(t *testing.T) {
		got, err := store.Get(ctx, "lesson:missing")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != nil {
			t.Fatalf("expected nil entry, got %+v", got)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		in := &Entry{Key: "lesson:roundtrip", Kind: KindLesson, FormatVersion: FormatVersion, Encoding: EncodingJSON, Value: []byte(`{"title":"x"}`), CreatedAt: created}
		if err := store.Put(ctx, in); err != nil {
			t.Fatalf("unexpected error on put: %v", err)
		}

		got, err := store.Get(ctx, in.Key)
		if err != nil {
			t.Fatalf("unexpected error on get: %v", err)
		}
		if got == nil {
			t.Fatal("expected entry, got nil")
		}
		if got.Kind != KindLesson || got.FormatVersion != FormatVersion || got.Encoding != EncodingJSON {
			t.Errorf("metadata mismatch: %+v", got)
		}
		if !bytes.Equal(got.Value, in.Value) {
			t.Errorf("value = %s, want %s", got.Value, in.Value)
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("created_at = %v, want %v", got.CreatedAt, created)
		}
	})

	t.Run("FirstWriteWins", func(t *testing.T) {
		first := &Entry{Key: "image:dup", Kind: KindImage, FormatVersion: FormatVersion, Encoding: EncodingJSON, Value: []byte(`{"url":"first"}`), CreatedAt: created}
		second := &Entry{Key: "image:dup", Kind: KindImage, FormatVersion: FormatVersion, Encoding: EncodingJSON, Value: []byte(`{"url":"second"}`), CreatedAt: created.Add(time.Hour)}

		if err := store.Put(ctx, first); err != nil {
			t.Fatal(err)
		}
		if err := store.Put(ctx, second); err != nil {
			t.Fatalf("duplicate put should not fail: %v", err)
		}

		got, err := store.Get(ctx, "image:dup")
		if err != nil || got == nil {
			t.Fatalf("Get() = %v, %v", got, err)
		}
		if string(got.Value) != `{"url":"first"}` {
			t.Errorf("value = %s, want the first write", got.Value)
		}
	})

	t.Run("ConcurrentPuts", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e := &Entry{Key: "lesson:concurrent", Kind: KindLesson, FormatVersion: FormatVersion, Encoding: EncodingJSON, Value: []byte(`{}`), CreatedAt: created}
				if err := store.Put(ctx, e); err != nil {
					t.Errorf("concurrent put: %v", err)
				}
			}()
		}
		wg.Wait()

		if got, err := store.Get(ctx, "lesson:concurrent"); err != nil || got == nil {
			t.Errorf("Get() = %v, %v", got, err)
		}
	})

	if err := store.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "lesson_bad.json"), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(context.Background(), "lesson:bad"); err == nil {
		t.Error("expected error for corrupt cache file")
	}
}

func TestNew_Backends(t *testing.T) {
	ctx := context.Background()

	t.Run("Disabled", func(t *testing.T) {
		store, err := New(ctx, Config{Enabled: false, Backend: BackendRedis}, nil)
		if err != nil || store != nil {
			t.Errorf("New() = %v, %v, want nil, nil", store, err)
		}
	})

	t.Run("DefaultIsMemory", func(t *testing.T) {
		store, err := New(ctx, Config{Enabled: true}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := store.(*MemoryStore); !ok {
			t.Errorf("expected *MemoryStore, got %T", store)
		}
	})

	t.Run("StorageWithoutConnection", func(t *testing.T) {
		if _, err := New(ctx, Config{Enabled: true, Backend: BackendStorage}, nil); err == nil {
			t.Error("expected error without a storage connection")
		}
	})

	t.Run("UnknownBackend", func(t *testing.T) {
		if _, err := New(ctx, Config{Enabled: true, Backend: "memcached"}, nil); err == nil {
			t.Error("expected error for unknown backend")
		}
	})

	t.Run("InvalidRedisURL", func(t *testing.T) {
		_, err := New(ctx, Config{Enabled: true, Backend: BackendRedis, Redis: RedisConfig{URL: "://bad"}}, nil)
		if err == nil {
			t.Error("expected error for invalid redis URL")
		}
	})
}

func sampleLesson() *core.LessonDocument {
	correct := 2
	return &core.LessonDocument{
		Title:              "Fractions in Space",
		Subject:            "Math",
		GradeLevel:         4,
		Scenario:           "Your rocket needs exactly half a tank of fuel.",
		LearningObjectives: []string{"Compare fractions"},
		Stages: []core.Stage{{
			ID:    "hook",
			Title: "Launch",
			Activities: []core.Activity{{
				ID: "q1", Type: "quiz", Title: "Fuel check", Question: "Which is bigger?",
				Options: []string{"1/3", "1/4", "1/2"}, CorrectIndex: &correct,
			}},
			Materials:          []string{},
			AssessmentCriteria: nil,
		}},
		EstimatedTime: 35,
	}
}

func TestContentCache_LessonRoundTrip(t *testing.T) {
	gc := core.GenerationContext{Title: "Fractions", Subject: "Math", Grade: 4, Interests: []string{"space"}}

	tests := []struct {
		name     string
		cfg      Config
		encoding string
	}{
		{"minified", Config{Minify: true}, EncodingJSON},
		{"indented", Config{Minify: false}, EncodingJSON},
		{"compressed", Config{Minify: true, Compress: true}, EncodingBrotli},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			cc := NewContentCache(store, tt.cfg, nil)
			ctx := context.Background()

			if _, ok := cc.GetLesson(ctx, gc); ok {
				t.Fatal("expected miss on empty cache")
			}

			want := sampleLesson()
			cc.PutLesson(ctx, gc, want)

			got, ok := cc.GetLesson(ctx, gc)
			if !ok {
				t.Fatal("expected hit after put")
			}

			wantJSON, _ := json.Marshal(want)
			gotJSON, _ := json.Marshal(got)
			if !bytes.Equal(wantJSON, gotJSON) {
				t.Errorf("lesson changed through the cache:\n got %s\nwant %s", gotJSON, wantJSON)
			}

			entry, _ := store.Get(ctx, LessonKey(gc, FormatVersion))
			if entry.Encoding != tt.encoding {
				t.Errorf("encoding = %q, want %q", entry.Encoding, tt.encoding)
			}
			if tt.encoding == EncodingJSON {
				indented := bytes.Contains(entry.Value, []byte("\n"))
				if indented == tt.cfg.Minify {
					t.Errorf("minify=%v but stored value indented=%v", tt.cfg.Minify, indented)
				}
			}
		})
	}
}

func TestContentCache_Images(t *testing.T) {
	cc := NewContentCache(NewMemoryStore(), Config{Compress: true}, nil)
	ctx := context.Background()

	if _, ok := cc.GetImage(ctx, "a red fox"); ok {
		t.Fatal("expected miss")
	}
	cc.PutImage(ctx, "a red fox", "data:image/png;base64,Zm94")
	cc.PutImage(ctx, "A red  fox", "data:image/png;base64,b3RoZXI=")

	url, ok := cc.GetImage(ctx, "a red fox")
	if !ok || url != "data:image/png;base64,Zm94" {
		t.Errorf("GetImage() = %q, %v", url, ok)
	}
}

func TestContentCache_HostedImagesNotCached(t *testing.T) {
	store := NewMemoryStore()
	cc := NewContentCache(store, Config{}, nil)
	ctx := context.Background()

	cc.PutImage(ctx, "a blue whale", "https://img.example/whale.png?sig=abc")
	if store.Len() != 0 {
		t.Errorf("stored %d entries, want 0 for a hosted url", store.Len())
	}

	// Entries written before hosted links were refused are ignored.
	store.Put(ctx, &Entry{Key: ImageKey("a blue whale"), Kind: KindImage, Encoding: EncodingJSON, Value: []byte(`{"url":"https://img.example/whale.png"}`)})
	if _, ok := cc.GetImage(ctx, "a blue whale"); ok {
		t.Error("a hosted url must not be served from the cache")
	}
}

func TestContentCache_KindMismatchIsMiss(t *testing.T) {
	store := NewMemoryStore()
	cc := NewContentCache(store, Config{}, nil)
	ctx := context.Background()
	gc := core.GenerationContext{Title: "T", Subject: "S", Grade: 1}

	store.Put(ctx, &Entry{Key: LessonKey(gc, FormatVersion), Kind: KindImage, FormatVersion: FormatVersion, Value: []byte(`{}`)})
	if _, ok := cc.GetLesson(ctx, gc); ok {
		t.Error("an image entry must not satisfy a lesson lookup")
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (*Entry, error) { return nil, errors.New("disk on fire") }
func (failingStore) Put(context.Context, *Entry) error           { return errors.New("disk on fire") }
func (failingStore) Close() error                                 { return nil }

func TestContentCache_StoreErrorsAreMisses(t *testing.T) {
	cc := NewContentCache(failingStore{}, Config{}, nil)
	ctx := context.Background()
	gc := core.GenerationContext{Title: "T", Subject: "S", Grade: 1}

	cc.PutLesson(ctx, gc, sampleLesson())
	if _, ok := cc.GetLesson(ctx, gc); ok {
		t.Error("expected a miss when the store fails")
	}
	if _, ok := cc.GetImage(ctx, "p"); ok {
		t.Error("expected a miss when the store fails")
	}
}

func TestContentCache_CorruptValueIsMiss(t *testing.T) {
	store := NewMemoryStore()
	cc := NewContentCache(store, Config{}, nil)
	ctx := context.Background()

	store.Put(ctx, &Entry{Key: ImageKey("p"), Kind: KindImage, FormatVersion: FormatVersion, Encoding: EncodingBrotli, Value: []byte("not brotli")})
	if _, ok := cc.GetImage(ctx, "p"); ok {
		t.Error("expected a miss for an undecodable value")
	}
}

func TestContentCache_Disabled(t *testing.T) {
	cc := NewContentCache(nil, Config{}, nil)
	ctx := context.Background()
	gc := core.GenerationContext{Title: "T", Subject: "S", Grade: 1}

	if cc.Enabled() {
		t.Error("expected disabled cache")
	}
	cc.PutLesson(ctx, gc, sampleLesson())
	if _, ok := cc.GetLesson(ctx, gc); ok {
		t.Error("disabled cache must always miss")
	}
	if err := cc.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
