// Package migrate converts legacy single-document path layouts into per-dot
// path documents.
package migrate

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/dotpaths/internal/dotpaths"
	"github.com/agentworkforce/dotpaths/internal/logging"
)

//go:embed schemas/*.json
var schemaFS embed.FS

type Shape int

const (
	ShapeUnknown Shape = iota
	// ShapeV0 is {"paths": {dot: flat}, "last_updated_path", "last_updated_id"}.
	ShapeV0
	// ShapeV1 is {"integrated": {dot: flat}, "last": {dot: triples}, "updated"}.
	ShapeV1
)

func (s Shape) String() string {
	switch s {
	case ShapeV0:
		return "v0"
	case ShapeV1:
		return "v1"
	default:
		return "unknown"
	}
}

const schemaBase = "https://dotpaths.local/schemas/"

type Options struct {
	// RecentWindow caps the recent list of converted documents.
	RecentWindow int
	Now          func() time.Time
	Logger       *zerolog.Logger
}

// Result is a converted legacy document, ready to be written.
type Result struct {
	Shape  Shape               `json:"shape"`
	Paths  []dotpaths.DotPath  `json:"paths"`
	Latest dotpaths.PathChange `json:"latest"`
}

type Migrator struct {
	schemas map[string]*jsonschema.Schema
	window  int
	now     func() time.Time
	log     zerolog.Logger
}

func New(opts Options) (*Migrator, error) {
	c := jsonschema.NewCompiler()
	names := []string{"v0", "v1", "v2"}
	for _, name := range names {
		data, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := c.AddResource(schemaBase+name+".json", doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	m := &Migrator{schemas: map[string]*jsonschema.Schema{}, window: opts.RecentWindow, now: opts.Now, log: logging.Component("migrate")}
	for _, name := range names {
		sch, err := c.Compile(schemaBase + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		m.schemas[name] = sch
	}
	if m.window <= 0 {
		m.window = dotpaths.DefaultRecentWindow
	}
	if m.now == nil {
		m.now = time.Now
	}
	if opts.Logger != nil {
		m.log = *opts.Logger
	}
	return m, nil
}

// Detect classifies a decoded legacy document by its top-level keys.
func Detect(doc map[string]any) Shape {
	if _, ok := doc["paths"]; ok {
		return ShapeV0
	}
	_, hasIntegrated := doc["integrated"]
	_, hasLast := doc["last"]
	if hasIntegrated || hasLast {
		return ShapeV1
	}
	return ShapeUnknown
}

type legacyV0 struct {
	Paths           map[string][]float64 `json:"paths"`
	LastUpdatedPath string               `json:"last_updated_path"`
	LastUpdatedID   string               `json:"last_updated_id"`
}

type legacyV1 struct {
	Integrated map[string][]float64 `json:"integrated"`
	Last       map[string][]float64 `json:"last"`
	Updated    string               `json:"updated"`
}

// Convert validates data against its legacy schema and converts it.
func (m *Migrator) Convert(data []byte) (Result, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Result{}, dotpaths.InvalidInputError("legacy document is not JSON: %v", err)
	}
	doc, ok := inst.(map[string]any)
	if !ok {
		return Result{}, dotpaths.InvalidInputError("legacy document must be an object")
	}
	shape := Detect(doc)
	if shape == ShapeUnknown {
		return Result{}, dotpaths.InvalidInputError("unrecognized legacy document shape")
	}
	if err := m.schemas[shape.String()].Validate(inst); err != nil {
		return Result{}, dotpaths.InvalidInputError("legacy %s document: %v", shape, err)
	}

	now := m.now().UTC()
	var res Result
	switch shape {
	case ShapeV0:
		var legacy legacyV0
		if err := json.Unmarshal(data, &legacy); err != nil {
			return Result{}, dotpaths.InvalidInputError("decode legacy v0: %v", err)
		}
		res, err = m.convertV0(legacy, now)
	case ShapeV1:
		var legacy legacyV1
		if err := json.Unmarshal(data, &legacy); err != nil {
			return Result{}, dotpaths.InvalidInputError("decode legacy v1: %v", err)
		}
		res, err = m.convertV1(legacy, now)
	}
	if err != nil {
		return Result{}, err
	}
	res.Shape = shape
	for _, p := range res.Paths {
		if err := m.validateState(p); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

func (m *Migrator) convertV0(legacy legacyV0, now time.Time) (Result, error) {
	var res Result
	for _, key := range sortedKeys(legacy.Paths) {
		points, err := pairs(key, legacy.Paths[key])
		if err != nil {
			return Result{}, err
		}
		state := dotpaths.EmptyDotPath(key)
		state.Integrated = points
		state.RawCount = int64(len(points))
		state.UpdatedAt = now
		// The v0 layout kept no timestamps; the recent list is the path tail, newest first.
		for i := len(points) - 1; i >= 0 && len(state.Recent) < m.window; i-- {
			state.Recent = append(state.Recent, dotpaths.RecentPoint{Lat: points[i].Lat, Lng: points[i].Lng})
		}
		res.Paths = append(res.Paths, state)
	}
	res.Latest = dotpaths.PathChange{Dot: legacy.LastUpdatedPath, UploadID: legacy.LastUpdatedID, UpdatedAt: now}
	return res, nil
}

func (m *Migrator) convertV1(legacy legacyV1, now time.Time) (Result, error) {
	keys := map[string]struct{}{}
	for k := range legacy.Integrated {
		keys[k] = struct{}{}
	}
	for k := range legacy.Last {
		keys[k] = struct{}{}
	}
	var res Result
	for _, key := range sortedKeys(keys) {
		points, err := pairs(key, legacy.Integrated[key])
		if err != nil {
			return Result{}, err
		}
		recent, err := triples(key, legacy.Last[key])
		if err != nil {
			return Result{}, err
		}
		if len(recent) > m.window {
			recent = recent[:m.window]
		}
		state := dotpaths.EmptyDotPath(key)
		state.Integrated = points
		state.Recent = recent
		state.RawCount = int64(max(len(points), len(recent)))
		state.UpdatedAt = now
		res.Paths = append(res.Paths, state)
	}
	res.Latest = dotpaths.PathChange{Dot: legacy.Updated, UpdatedAt: now}
	return res, nil
}

func (m *Migrator) validateState(state dotpaths.DotPath) error {
	if _, err := dotpaths.ParseDotKey(state.Dot); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if err := m.schemas["v2"].Validate(inst); err != nil {
		return dotpaths.InvalidInputError("converted path %s: %v", state.Dot, err)
	}
	return nil
}

// Apply writes every converted path. The legacy last-updated dot is written
// last so the change log ends up pointing at it.
func (m *Migrator) Apply(ctx context.Context, store dotpaths.PathStore, res Result) (int, error) {
	ordered := make([]dotpaths.DotPath, 0, len(res.Paths))
	var latest *dotpaths.DotPath
	for i := range res.Paths {
		if res.Paths[i].Dot == res.Latest.Dot {
			latest = &res.Paths[i]
			continue
		}
		ordered = append(ordered, res.Paths[i])
	}
	if latest != nil {
		ordered = append(ordered, *latest)
	}
	written := 0
	for _, state := range ordered {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		change := dotpaths.PathChange{Dot: state.Dot, UpdatedAt: state.UpdatedAt}
		if state.Dot == res.Latest.Dot {
			change = res.Latest
		}
		if err := store.SaveDotPath(ctx, state, change); err != nil {
			return written, fmt.Errorf("save path %s: %w", state.Dot, err)
		}
		written++
	}
	m.log.Info().Str("shape", res.Shape.String()).Int("paths", written).Str("latest", res.Latest.Dot).Msg("legacy paths migrated")
	return written, nil
}

func pairs(dot string, flat []float64) ([]dotpaths.Point, error) {
	if len(flat)%2 != 0 {
		return nil, dotpaths.InvalidInputError("path %s: odd coordinate count %d", dot, len(flat))
	}
	out := make([]dotpaths.Point, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		out = append(out, dotpaths.Point{Lat: flat[i], Lng: flat[i+1]})
	}
	return out, nil
}

func triples(dot string, flat []float64) ([]dotpaths.RecentPoint, error) {
	if len(flat)%3 != 0 {
		return nil, dotpaths.InvalidInputError("recent %s: length %d is not a multiple of 3", dot, len(flat))
	}
	out := make([]dotpaths.RecentPoint, 0, len(flat)/3)
	for i := 0; i < len(flat); i += 3 {
		out = append(out, dotpaths.RecentPoint{Lat: flat[i], Lng: flat[i+1], Timestamp: int64(flat[i+2])})
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
