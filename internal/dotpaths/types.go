package dotpaths

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	CollectionUploads  = "uploads"
	CollectionPaths    = "paths"
	CollectionChanges  = "changes"
	CollectionCodes    = "codes"
	CollectionCounters = "counters"

	// LatestChangeKey is the single change-log entry naming the most recently touched dot.
	LatestChangeKey = "latest"

	DefaultCounterName = "stats"

	MinDot = 0
	MaxDot = 321

	PathSchemaVersion = 2
)

// Collections lists every collection a store must be able to list and purge.
var Collections = []string{
	CollectionUploads,
	CollectionPaths,
	CollectionChanges,
	CollectionCodes,
	CollectionCounters,
}

type Status string

const (
	StatusPending Status = "PENDING"
	StatusDone    Status = "DONE"
)

const (
	// AccuracyDerived marks a location displaced from the dot's previous point.
	AccuracyDerived float64 = -1
	// AccuracyRandom marks a location drawn from the fallback bands.
	AccuracyRandom float64 = -2
)

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp int64   `json:"timestamp"`
}

// Synthesized reports whether the location was produced by the fallback synthesizer.
func (l Location) Synthesized() bool {
	return l.Accuracy == AccuracyDerived || l.Accuracy == AccuracyRandom
}

type PhotoMetadata struct {
	LastModified int64  `json:"lastModified,omitempty"`
	Name         string `json:"name,omitempty"`
	Size         int64  `json:"size,omitempty"`
	Type         string `json:"type,omitempty"`
}

type UploadRecord struct {
	ID              string         `json:"id"`
	Code            string         `json:"code"`
	Status          Status         `json:"photoUpload"`
	Location        *Location      `json:"location,omitempty"`
	PhotoMetadata   *PhotoMetadata `json:"photoMetadata,omitempty"`
	Message         string         `json:"message,omitempty"`
	ClientTimestamp time.Time      `json:"clientTimestamp"`
	CreatedAt       time.Time      `json:"timestamp"`
	PhotoURL        string         `json:"photoURL,omitempty"`
	PhotoID         string         `json:"photoId,omitempty"`
	PhotoName       string         `json:"photoName,omitempty"`
	DotNum          *int           `json:"dotNum,omitempty"`
}

func (r UploadRecord) Done() bool {
	return r.Status == StatusDone
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (r UploadRecord) Clone() UploadRecord {
	out := r
	if r.Location != nil {
		loc := *r.Location
		out.Location = &loc
	}
	if r.PhotoMetadata != nil {
		meta := *r.PhotoMetadata
		out.PhotoMetadata = &meta
	}
	if r.DotNum != nil {
		dot := *r.DotNum
		out.DotNum = &dot
	}
	return out
}

// Point is a planar (lat, lng) pair encoded as a two-element array.
type Point struct {
	Lat float64
	Lng float64
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.Lat, p.Lng})
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("point: expected 2 coordinates, got %d", len(pair))
	}
	p.Lat, p.Lng = pair[0], pair[1]
	return nil
}

type RecentPoint struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp"`
}

// DotPath is the per-dot path document.
type DotPath struct {
	SchemaVersion int           `json:"schemaVersion"`
	Dot           string        `json:"dot"`
	Integrated    []Point       `json:"integrated"`
	Recent        []RecentPoint `json:"recent"`
	RawCount      int64         `json:"rawCount"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// EmptyDotPath is the default state of a dot that has never been appended to.
func EmptyDotPath(dot string) DotPath {
	return DotPath{
		SchemaVersion: PathSchemaVersion,
		Dot:           dot,
		Integrated:    []Point{},
		Recent:        []RecentPoint{},
	}
}

func (p DotPath) Clone() DotPath {
	out := p
	out.Integrated = append([]Point(nil), p.Integrated...)
	out.Recent = append([]RecentPoint(nil), p.Recent...)
	if out.Integrated == nil {
		out.Integrated = []Point{}
	}
	if out.Recent == nil {
		out.Recent = []RecentPoint{}
	}
	return out
}

// PathChange is the change-log entry recording the last touched dot.
type PathChange struct {
	Dot       string    `json:"dot"`
	UploadID  string    `json:"uploadId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FinalizeNotification is the storage platform's object-finalized event.
type FinalizeNotification struct {
	ObjectPath string `json:"objectPath" validate:"required"`
	MediaLink  string `json:"mediaLink"`
	ObjectID   string `json:"objectId"`
}

// UploadChange is a document-change event. A nil side means the record was absent.
type UploadChange struct {
	UploadID string        `json:"uploadId"`
	Before   *UploadRecord `json:"before,omitempty"`
	After    *UploadRecord `json:"after,omitempty"`
}

// DotKey formats a dot index as its fixed-width document key.
func DotKey(dot int) string {
	return fmt.Sprintf("%03d", dot)
}

func ValidDot(dot int) bool {
	return dot >= MinDot && dot <= MaxDot
}

func ParseDotKey(key string) (int, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return 0, InvalidInputError("empty dot key")
	}
	dot, err := strconv.Atoi(key)
	if err != nil {
		return 0, InvalidInputError("dot key %q: %v", key, err)
	}
	if !ValidDot(dot) {
		return 0, InvalidInputError("dot %d out of range %d..%d", dot, MinDot, MaxDot)
	}
	return dot, nil
}

type UploadQuery struct {
	Status        Status
	CreatedBefore time.Time
}

// Match reports whether rec satisfies the query.
func (q UploadQuery) Match(rec UploadRecord) bool {
	if q.Status != "" && rec.Status != q.Status {
		return false
	}
	if !q.CreatedBefore.IsZero() && !rec.CreatedAt.Before(q.CreatedBefore) {
		return false
	}
	return true
}

type UploadStore interface {
	CreateUpload(ctx context.Context, rec UploadRecord) (UploadRecord, error)
	GetUpload(ctx context.Context, id string) (UploadRecord, error)
	UpdateUpload(ctx context.Context, id string, mutate func(*UploadRecord) error) (before, after UploadRecord, err error)
	DeleteUpload(ctx context.Context, id string) (UploadRecord, error)
	DeleteUploadIf(ctx context.Context, id string, pred func(UploadRecord) bool) (UploadRecord, bool, error)
	QueryUploads(ctx context.Context, q UploadQuery) ([]UploadRecord, error)
}

type PathStore interface {
	GetDotPath(ctx context.Context, dot string) (DotPath, error)
	SaveDotPath(ctx context.Context, path DotPath, change PathChange) error
	GetPathChange(ctx context.Context) (PathChange, error)
}

type CodeStore interface {
	LookupCode(ctx context.Context, code string) (int, error)
	PutCodes(ctx context.Context, codes map[string]int) error
}

type CounterStore interface {
	EnsureCounter(ctx context.Context, name string) (bool, error)
	GetCounter(ctx context.Context, name string) (int64, error)
	// UpdateCounter runs fn inside a serializable transaction, retrying on conflicts.
	UpdateCounter(ctx context.Context, name string, fn func(current int64) (int64, error)) (int64, error)
}

type CollectionStore interface {
	// ListKeys returns up to limit keys of collection in ascending key order.
	ListKeys(ctx context.Context, collection string, limit int) ([]string, error)
	// DeleteBatch removes keys from collection atomically. Absent keys are ignored.
	DeleteBatch(ctx context.Context, collection string, keys []string) error
}

// Store is the full persistence contract every backend implements.
type Store interface {
	UploadStore
	PathStore
	CodeStore
	CounterStore
	CollectionStore
	Close() error
}

func KnownCollection(name string) bool {
	for _, c := range Collections {
		if c == name {
			return true
		}
	}
	return false
}
