// README: Shared identifier and geographic value objects.
package types

// ID is an opaque entity identifier (UUID string in persistence).
type ID string

type Point struct {
	Lat float64
	Lng float64
}
