package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"nelie/internal/core"
	"nelie/internal/observability"
)

// ContentCache is the typed lesson/image cache used by the pipeline. Store
// errors are logged and reported as misses; callers never see them.
type ContentCache struct {
	store    Store
	compress bool
	minify   bool
	logger   *slog.Logger
	now      func() time.Time
}

// NewContentCache wraps store. A nil store gives a cache that always misses.
func NewContentCache(store Store, cfg Config, logger *slog.Logger) *ContentCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContentCache{
		store:    store,
		compress: cfg.Compress,
		minify:   cfg.Minify,
		logger:   logger,
		now:      time.Now,
	}
}

// Enabled reports whether a store is attached.
func (c *ContentCache) Enabled() bool {
	return c != nil && c.store != nil
}

type imageValue struct {
	URL string `json:"url"`
}

// GetLesson returns the cached lesson for gc.
func (c *ContentCache) GetLesson(ctx context.Context, gc core.GenerationContext) (*core.LessonDocument, bool) {
	var doc core.LessonDocument
	if !c.get(ctx, KindLesson, LessonKey(gc, FormatVersion), &doc) {
		return nil, false
	}
	return &doc, true
}

// PutLesson stores doc under the key of gc.
func (c *ContentCache) PutLesson(ctx context.Context, gc core.GenerationContext, doc *core.LessonDocument) {
	c.put(ctx, KindLesson, LessonKey(gc, FormatVersion), doc)
}

// GetImage returns the cached image for prompt as a data URL.
func (c *ContentCache) GetImage(ctx context.Context, prompt string) (string, bool) {
	var v imageValue
	if !c.get(ctx, KindImage, ImageKey(prompt), &v) || !IsDurableImage(v.URL) {
		return "", false
	}
	return v.URL, true
}

// PutImage stores url under the key of prompt. Only data URLs are kept:
// entries never expire, hosted links do.
func (c *ContentCache) PutImage(ctx context.Context, prompt, url string) {
	if !IsDurableImage(url) {
		c.logger.Debug("hosted image url not cached", "key", ImageKey(prompt))
		return
	}
	c.put(ctx, KindImage, ImageKey(prompt), imageValue{URL: url})
}

// IsDurableImage reports whether url embeds the image itself.
func IsDurableImage(url string) bool {
	return strings.HasPrefix(url, "data:image/")
}

// Close closes the underlying store.
func (c *ContentCache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.store.Close()
}

func (c *ContentCache) get(ctx context.Context, kind Kind, key string, out any) bool {
	if !c.Enabled() {
		return false
	}

	entry, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed, treating as miss", "kind", kind, "key", key, "error", err)
		observability.RecordCacheLookup(string(kind), "error")
		return false
	}
	if entry == nil || entry.Kind != kind || (kind == KindLesson && entry.FormatVersion != FormatVersion) {
		observability.RecordCacheLookup(string(kind), "miss")
		return false
	}

	if err := decodeValue(entry, out); err != nil {
		c.logger.Warn("cache entry unreadable, treating as miss", "kind", kind, "key", key, "error", err)
		observability.RecordCacheLookup(string(kind), "error")
		return false
	}

	observability.RecordCacheLookup(string(kind), "hit")
	return true
}

func (c *ContentCache) put(ctx context.Context, kind Kind, key string, v any) {
	if !c.Enabled() {
		return
	}

	value, encoding, err := c.encodeValue(v)
	if err != nil {
		c.logger.Warn("cache entry not encodable", "kind", kind, "key", key, "error", err)
		return
	}

	entry := &Entry{
		Key:           key,
		Kind:          kind,
		FormatVersion: FormatVersion,
		Encoding:      encoding,
		Value:         value,
		CreatedAt:     c.now().UTC(),
	}
	if err := c.store.Put(ctx, entry); err != nil {
		c.logger.Warn("cache write failed", "kind", kind, "key", key, "error", err)
		return
	}
	c.logger.Debug("cache entry stored", "kind", kind, "key", key, "bytes", len(value), "encoding", encoding)
}

func (c *ContentCache) encodeValue(v any) ([]byte, string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	if !c.minify {
		var indented bytes.Buffer
		if err := json.Indent(&indented, data, "", "  "); err != nil {
			return nil, "", err
		}
		data = indented.Bytes()
	}

	if !c.compress {
		return data, EncodingJSON, nil
	}

	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), EncodingBrotli, nil
}

func decodeValue(e *Entry, out any) error {
	data := e.Value
	switch e.Encoding {
	case EncodingJSON, "":
	case EncodingBrotli:
		raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(e.Value)))
		if err != nil {
			return fmt.Errorf("brotli: %w", err)
		}
		data = raw
	default:
		return fmt.Errorf("unknown encoding %q", e.Encoding)
	}
	return json.Unmarshal(data, out)
}
