// README: Rider availability and proximity lookups. Positions live in a
// Redis GEO set keyed by rider id; profile flags and ratings live in
// PostgreSQL.
package dispatch

import (
	"context"

	"github.com/redis/go-redis/v9"

	"souk/internal/types"
)

const riderGeoKey = "dispatch:riders:geo"

type RiderStore struct {
	db  DB
	rdb *redis.Client
}

func NewRiderStore(db DB, rdb *redis.Client) *RiderStore {
	return &RiderStore{db: db, rdb: rdb}
}

// Upsert creates or refreshes a rider profile row.
func (s *RiderStore) Upsert(ctx context.Context, r Rider) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO riders (id, name, available, verified, rating)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, verified = EXCLUDED.verified, rating = EXCLUDED.rating`,
		string(r.ID), r.Name, r.Available, r.Verified, r.Rating,
	)
	return err
}

func (s *RiderStore) Get(ctx context.Context, id types.ID) (*Rider, error) {
	var r Rider
	err := s.db.QueryRow(ctx, `
		SELECT id, name, available, verified, rating FROM riders WHERE id = $1`,
		string(id)).Scan(&r.ID, &r.Name, &r.Available, &r.Verified, &r.Rating)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SetAvailability flips the rider on or off shift. Going on shift seeds the
// GEO set with the rider's current position; going off removes them from
// candidate pools immediately.
func (s *RiderStore) SetAvailability(ctx context.Context, riderID types.ID, available bool, pos types.Point) error {
	if _, err := s.db.Exec(ctx, `UPDATE riders SET available = $2 WHERE id = $1`,
		string(riderID), available); err != nil {
		return err
	}
	if !available {
		return s.rdb.ZRem(ctx, riderGeoKey, string(riderID)).Err()
	}
	return s.rdb.GeoAdd(ctx, riderGeoKey, &redis.GeoLocation{
		Name:      string(riderID),
		Longitude: pos.Lng,
		Latitude:  pos.Lat,
	}).Err()
}

// UpdatePosition refreshes the rider's location in the GEO set.
func (s *RiderStore) UpdatePosition(ctx context.Context, riderID types.ID, pos types.Point) error {
	return s.rdb.GeoAdd(ctx, riderGeoKey, &redis.GeoLocation{
		Name:      string(riderID),
		Longitude: pos.Lng,
		Latitude:  pos.Lat,
	}).Err()
}

// CandidateRiders returns available, verified riders within radiusKm of the
// pickup point, nearest first. Redis supplies proximity; the riders table
// filters eligibility and contributes ratings.
func (s *RiderStore) CandidateRiders(ctx context.Context, pickup types.Point, radiusKm float64) ([]Candidate, error) {
	locs, err := s.rdb.GeoSearchLocation(ctx, riderGeoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  pickup.Lng,
			Latitude:   pickup.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(locs))
	distByID := make(map[string]float64, len(locs))
	for _, loc := range locs {
		ids = append(ids, loc.Name)
		distByID[loc.Name] = loc.Dist
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, rating FROM riders
		WHERE id = ANY($1) AND available AND verified`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cands []Candidate
	for rows.Next() {
		var id string
		var rating float64
		if err := rows.Scan(&id, &rating); err != nil {
			return nil, err
		}
		cands = append(cands, Candidate{
			RiderID:    types.ID(id),
			DistanceKm: distByID[id],
			Rating:     rating,
		})
	}
	return cands, rows.Err()
}
