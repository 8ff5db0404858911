// Package cache stores finished lessons and rendered images by content hash.
// Entries are written once and never updated: a changed format version yields
// a new key, so stale entries simply stop being read.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"nelie/internal/core"
)

// Kind tells lesson entries from image entries.
type Kind string

const (
	KindLesson Kind = "lesson"
	KindImage  Kind = "image"
)

// Value encodings.
const (
	EncodingJSON   = "json"
	EncodingBrotli = "br"
)

// FormatVersion is folded into every lesson key. Bump it when the
// LessonDocument shape changes.
const FormatVersion = "lesson-v3"

// Entry is one cached artifact.
type Entry struct {
	Key           string    `json:"key" bson:"_id"`
	Kind          Kind      `json:"kind" bson:"kind"`
	FormatVersion string    `json:"format_version" bson:"format_version"`
	Encoding      string    `json:"encoding" bson:"encoding"`
	Value         []byte    `json:"value" bson:"value"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
}

// Store defines the interface for content cache storage.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry stored under key.
	// Returns nil, nil on a miss.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put stores entry unless its key is already present. The first write
	// wins; a duplicate write is not an error.
	Put(ctx context.Context, entry *Entry) error

	// Close releases any resources held by the store.
	Close() error
}

// LessonKey hashes the inputs that determine a lesson. Interest order and
// letter case do not matter.
func LessonKey(gc core.GenerationContext, formatVersion string) string {
	interests := make([]string, 0, len(gc.Interests))
	for _, interest := range gc.Interests {
		if s := normalize(interest); s != "" {
			interests = append(interests, s)
		}
	}
	slices.Sort(interests)

	// JSON keeps field boundaries intact whatever the fields contain.
	// Marshal cannot fail on strings and ints.
	payload, _ := json.Marshal(lessonKeyFields{
		Title:         normalize(gc.Title),
		Subject:       normalize(gc.Subject),
		Grade:         gc.Grade,
		Interests:     interests,
		FormatVersion: formatVersion,
	})
	sum := sha256.Sum256(payload)
	return string(KindLesson) + ":" + hex.EncodeToString(sum[:])
}

type lessonKeyFields struct {
	Title         string   `json:"title"`
	Subject       string   `json:"subject"`
	Grade         int      `json:"grade"`
	Interests     []string `json:"interests"`
	FormatVersion string   `json:"format_version"`
}

// ImageKey hashes a normalized image prompt.
func ImageKey(prompt string) string {
	sum := sha256.Sum256([]byte(normalize(prompt)))
	return string(KindImage) + ":" + hex.EncodeToString(sum[:])
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
