package dotpaths

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/agentworkforce/dotpaths/internal/metrics"
)

const (
	DefaultFallbackDistance = 0.1

	DefaultRandomLatMin = 21.0
	DefaultRandomLatMax = 71.0
	DefaultRandomLngMin = -9.0
	DefaultRandomLngMax = 143.0
)

// RandomSource yields floats in [0, 1). *rand.Rand satisfies it.
type RandomSource interface {
	Float64() float64
}

type globalRandom struct{}

func (globalRandom) Float64() float64 { return rand.Float64() }

type FallbackOptions struct {
	// Distance is the angular displacement applied to the previous point, in degrees.
	Distance float64
	LatMin   float64
	LatMax   float64
	LngMin   float64
	LngMax   float64
	Random   RandomSource
	Now      func() time.Time
}

type FallbackSynthesizer struct {
	distance       float64
	latMin, latMax float64
	lngMin, lngMax float64
	random         RandomSource
	now            func() time.Time
}

func NewFallbackSynthesizer(opts FallbackOptions) *FallbackSynthesizer {
	s := &FallbackSynthesizer{
		distance: opts.Distance,
		latMin:   opts.LatMin,
		latMax:   opts.LatMax,
		lngMin:   opts.LngMin,
		lngMax:   opts.LngMax,
		random:   opts.Random,
		now:      opts.Now,
	}
	if s.distance <= 0 {
		s.distance = DefaultFallbackDistance
	}
	if s.latMin == 0 && s.latMax == 0 {
		s.latMin, s.latMax = DefaultRandomLatMin, DefaultRandomLatMax
	}
	if s.lngMin == 0 && s.lngMax == 0 {
		s.lngMin, s.lngMax = DefaultRandomLngMin, DefaultRandomLngMax
	}
	if s.random == nil {
		s.random = globalRandom{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Synthesize fabricates a location near prev, or inside the random bands when
// the dot has no previous point.
func (s *FallbackSynthesizer) Synthesize(prev *Point) Location {
	ts := s.now().UnixMilli()
	if prev == nil {
		metrics.FallbackLocations.WithLabelValues("random").Inc()
		return Location{
			Latitude:  s.latMin + s.random.Float64()*(s.latMax-s.latMin),
			Longitude: s.lngMin + s.random.Float64()*(s.lngMax-s.lngMin),
			Accuracy:  AccuracyRandom,
			Timestamp: ts,
		}
	}

	theta := s.random.Float64() * 2 * math.Pi
	lat := prev.Lat + math.Sin(theta)*s.distance
	lng := prev.Lng + math.Cos(theta)*s.distance

	// Latitude is shifted by 180, not reflected across the pole.
	if lat < -90 {
		lat += 180
	} else if lat > 90 {
		lat -= 180
	}
	if lng < -180 {
		lng += 360
	} else if lng > 180 {
		lng -= 360
	}

	metrics.FallbackLocations.WithLabelValues("derived").Inc()
	return Location{
		Latitude:  lat,
		Longitude: lng,
		Accuracy:  AccuracyDerived,
		Timestamp: ts,
	}
}
