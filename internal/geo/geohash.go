package geo

import "strings"

// DefaultPrecision is the geohash length stored alongside each venue.
// Six characters is roughly a 1.2 km x 0.6 km cell, coarse enough for
// neighbourhood filtering without exposing exact coordinates.
const DefaultPrecision = 6

// base32 is the geohash alphabet. It omits 'a', 'i', 'l' and 'o'.
const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode encodes a point into a geohash of the given precision.
// A precision below 1 falls back to DefaultPrecision.
func Encode(p Point, precision int) string {
	if precision < 1 {
		precision = DefaultPrecision
	}

	latRange := [2]float64{-90.0, 90.0}
	lngRange := [2]float64{-180.0, 180.0}

	var b strings.Builder
	b.Grow(precision)

	bits := 0
	var ch uint
	even := true
	for b.Len() < precision {
		if even {
			mid := (lngRange[0] + lngRange[1]) / 2
			if p.Lng > mid {
				ch |= 1 << (4 - bits)
				lngRange[0] = mid
			} else {
				lngRange[1] = mid
			}
		} else {
			mid := (latRange[0] + latRange[1]) / 2
			if p.Lat > mid {
				ch |= 1 << (4 - bits)
				latRange[0] = mid
			} else {
				latRange[1] = mid
			}
		}

		even = !even
		bits++
		if bits == 5 {
			b.WriteByte(base32[ch])
			bits = 0
			ch = 0
		}
	}

	return b.String()
}

// RoundGeohash lowercases input and truncates it to precision.
// It returns "" when input is empty, precision is below 1, or input
// contains a character outside the geohash alphabet.
func RoundGeohash(input string, precision int) string {
	if input == "" || precision < 1 {
		return ""
	}

	lower := strings.ToLower(input)
	for _, c := range lower {
		if !strings.ContainsRune(base32, c) {
			return ""
		}
	}

	if len(lower) <= precision {
		return lower
	}
	return lower[:precision]
}
