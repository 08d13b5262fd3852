// Package dispatch — geo.go contains pure geographic computation helpers.
package dispatch

import (
	"math"

	"souk/internal/types"
)

const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func haversineKm(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// rankCandidates performs an insertion sort (fine for small N): nearest
// first, higher rating winning a distance tie.
func rankCandidates(cands []Candidate) {
	for i := 1; i < len(cands); i++ {
		key := cands[i]
		j := i - 1
		for j >= 0 && worse(cands[j], key) {
			cands[j+1] = cands[j]
			j--
		}
		cands[j+1] = key
	}
}

func worse(a, b Candidate) bool {
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm > b.DistanceKm
	}
	return a.Rating < b.Rating
}
