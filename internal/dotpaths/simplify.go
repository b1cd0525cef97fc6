package dotpaths

// Simplify reduces a polyline with the Douglas-Peucker algorithm, treating
// lat/lng as planar coordinates. Endpoints are always kept. The first point
// at the maximum distance wins ties, so simplifying an already simplified
// path at the same tolerance leaves it unchanged.
func Simplify(points []Point, tolerance float64) []Point {
	if len(points) <= 2 || tolerance <= 0 {
		return append([]Point(nil), points...)
	}

	sqTolerance := tolerance * tolerance
	keep := make([]bool, len(points))
	keep[0] = true
	keep[len(points)-1] = true

	type span struct{ first, last int }
	stack := []span{{0, len(points) - 1}}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		maxSqDist := 0.0
		index := -1
		for i := s.first + 1; i < s.last; i++ {
			d := sqSegmentDistance(points[i], points[s.first], points[s.last])
			if d > maxSqDist {
				maxSqDist = d
				index = i
			}
		}
		if index >= 0 && maxSqDist > sqTolerance {
			keep[index] = true
			stack = append(stack, span{s.first, index}, span{index, s.last})
		}
	}

	out := make([]Point, 0, len(points))
	for i, p := range points {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}

// sqSegmentDistance is the squared distance from p to the segment a-b.
func sqSegmentDistance(p, a, b Point) float64 {
	x, y := a.Lat, a.Lng
	dx, dy := b.Lat-x, b.Lng-y
	if dx != 0 || dy != 0 {
		t := ((p.Lat-x)*dx + (p.Lng-y)*dy) / (dx*dx + dy*dy)
		switch {
		case t > 1:
			x, y = b.Lat, b.Lng
		case t > 0:
			x += dx * t
			y += dy * t
		}
	}
	dx, dy = p.Lat-x, p.Lng-y
	return dx*dx + dy*dy
}
