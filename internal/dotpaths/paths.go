package dotpaths

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/dotpaths/internal/logging"
	"github.com/agentworkforce/dotpaths/internal/metrics"
)

const (
	DefaultRecentWindow      = 10
	DefaultSimplifyThreshold = 25
	DefaultSimplifyTolerance = 0.5
)

type PathOptions struct {
	// RecentWindow caps the newest-first recent list.
	RecentWindow int
	// SimplifyThreshold is the integrated point count above which a simplification pass runs.
	SimplifyThreshold int
	SimplifyTolerance float64
	Now               func() time.Time
	Logger            *zerolog.Logger
}

// PathAggregator owns every mutation of per-dot path documents.
type PathAggregator struct {
	store     PathStore
	window    int
	threshold int
	tolerance float64
	now       func() time.Time
	logger    zerolog.Logger
}

func NewPathAggregator(store PathStore, opts PathOptions) *PathAggregator {
	window := opts.RecentWindow
	if window <= 0 {
		window = DefaultRecentWindow
	}
	threshold := opts.SimplifyThreshold
	if threshold <= 0 {
		threshold = DefaultSimplifyThreshold
	}
	tolerance := opts.SimplifyTolerance
	if tolerance <= 0 {
		tolerance = DefaultSimplifyTolerance
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := logging.Component("paths")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &PathAggregator{
		store:     store,
		window:    window,
		threshold: threshold,
		tolerance: tolerance,
		now:       now,
		logger:    logger,
	}
}

// Load returns the dot's state, or an empty state if it has none yet.
func (a *PathAggregator) Load(ctx context.Context, dot int) (DotPath, error) {
	if !ValidDot(dot) {
		return DotPath{}, InvalidInputError("dot %d out of range %d..%d", dot, MinDot, MaxDot)
	}
	key := DotKey(dot)
	state, err := a.store.GetDotPath(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return EmptyDotPath(key), nil
		}
		return DotPath{}, err
	}
	state = state.Clone()
	state.Dot = key
	if state.SchemaVersion == 0 {
		state.SchemaVersion = PathSchemaVersion
	}
	return state, nil
}

// LastPoint returns the dot's most recent point, or nil when it has none.
func (a *PathAggregator) LastPoint(ctx context.Context, dot int) (*Point, error) {
	state, err := a.Load(ctx, dot)
	if err != nil {
		return nil, err
	}
	if len(state.Recent) > 0 {
		return &Point{Lat: state.Recent[0].Lat, Lng: state.Recent[0].Lng}, nil
	}
	if n := len(state.Integrated); n > 0 {
		p := state.Integrated[n-1]
		return &p, nil
	}
	return nil, nil
}

// Append records one point for dot. Concurrent appends to the same dot are
// last-write-wins; appends to different dots touch different documents.
func (a *PathAggregator) Append(ctx context.Context, dot int, lat, lng float64, timestamp int64, uploadID string) (DotPath, error) {
	state, err := a.Load(ctx, dot)
	if err != nil {
		return DotPath{}, err
	}
	a.apply(&state, lat, lng, timestamp)
	state.UpdatedAt = a.now().UTC()

	change := PathChange{Dot: state.Dot, UploadID: uploadID, UpdatedAt: state.UpdatedAt}
	if err := a.store.SaveDotPath(ctx, state, change); err != nil {
		return DotPath{}, err
	}
	metrics.PathAppends.Inc()
	logging.Ctx(ctx, a.logger).Debug().
		Str("dot", state.Dot).
		Int("integrated", len(state.Integrated)).
		Int("recent", len(state.Recent)).
		Msg("path point appended")
	return state, nil
}

func (a *PathAggregator) apply(state *DotPath, lat, lng float64, timestamp int64) {
	state.Integrated = append(state.Integrated, Point{Lat: lat, Lng: lng})
	state.RawCount++
	if len(state.Integrated) > a.threshold {
		state.Integrated = Simplify(state.Integrated, a.tolerance)
		metrics.PathSimplifications.Inc()
	}

	recent := make([]RecentPoint, 0, a.window)
	recent = append(recent, RecentPoint{Lat: lat, Lng: lng, Timestamp: timestamp})
	for _, p := range state.Recent {
		if len(recent) >= a.window {
			break
		}
		recent = append(recent, p)
	}
	state.Recent = recent
}
