// Package geo provides the geographic partitioning and distance math used by
// the sharding store and the privacy manager. Partitions are geohash prefixes:
// precision 3 (~156km cells) for regional shards, precision 5 (~5km) for
// local infrastructure placement.
package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"
)

const (
	// PrecisionRegion is the cell size used for shard partitioning.
	PrecisionRegion = 3
	// PrecisionCity is used for city-level grouping in region queries.
	PrecisionCity = 4
	// PrecisionLocal is used for placing individual infrastructure entries.
	PrecisionLocal = 5

	// GlobalPartition holds location-independent data (infrastructure tables,
	// records with no coordinates).
	GlobalPartition = "global"

	earthRadiusKm = 6371.0
)

// PartitionFor maps a coordinate to its regional shard key.
func PartitionFor(lat, lon float64) string {
	return geohash.EncodeWithPrecision(lat, lon, PrecisionRegion)
}

// Encode returns a geohash at the given precision.
func Encode(lat, lon float64, precision uint) string {
	return geohash.EncodeWithPrecision(lat, lon, precision)
}

// Center returns the center coordinate of a geohash cell.
func Center(hash string) (lat, lon float64) {
	return geohash.DecodeCenter(hash)
}

// Neighbors returns the 8 cells surrounding a geohash cell.
func Neighbors(hash string) []string {
	return geohash.Neighbors(hash)
}

// HaversineKm returns the great-circle distance between two coordinates.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Displace moves a coordinate by distanceKm along the given bearing
// (radians, 0 = north) using the spherical destination point formula, so
// the great-circle distance back to the origin is exactly distanceKm.
func Displace(lat, lon, distanceKm, bearing float64) (float64, float64) {
	phi1 := lat * math.Pi / 180
	lambda1 := lon * math.Pi / 180
	delta := distanceKm / earthRadiusKm

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) +
		math.Cos(phi1)*math.Sin(delta)*math.Cos(bearing))
	lambda2 := lambda1 + math.Atan2(
		math.Sin(bearing)*math.Sin(delta)*math.Cos(phi1),
		math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2),
	)

	newLat := phi2 * 180 / math.Pi
	newLon := lambda2 * 180 / math.Pi
	if newLon > 180 {
		newLon -= 360
	} else if newLon < -180 {
		newLon += 360
	}
	return newLat, newLon
}
