package bikecurate

import (
	"fmt"
	"math"
	"strconv"
)

// CoordinateError reports a malformed or implausible coordinate.
type CoordinateError struct {
	Field   string
	Value   float64
	Message string
}

func (e *CoordinateError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Message)
}

// DefaultCoordinateTolerance is how many degrees a station may sit from its
// city center on either axis.
const DefaultCoordinateTolerance = 3.0

func ValidateLatitude(lat float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) {
		return &CoordinateError{Field: "latitude", Value: lat, Message: "not a finite number"}
	}
	if lat < -90 || lat > 90 {
		return &CoordinateError{Field: "latitude", Value: lat, Message: "must be between -90 and 90"}
	}
	return nil
}

func ValidateLongitude(lng float64) error {
	if math.IsNaN(lng) || math.IsInf(lng, 0) {
		return &CoordinateError{Field: "longitude", Value: lng, Message: "not a finite number"}
	}
	if lng < -180 || lng > 180 {
		return &CoordinateError{Field: "longitude", Value: lng, Message: "must be between -180 and 180"}
	}
	return nil
}

// ValidateNear checks the point is within tolerance degrees of center on
// both axes.
func ValidateNear(p LatLng, center LatLng, tolerance float64) error {
	if err := ValidateLatitude(p.Lat); err != nil {
		return err
	}
	if err := ValidateLongitude(p.Lng); err != nil {
		return err
	}
	if math.Abs(p.Lat-center.Lat) > tolerance {
		return &CoordinateError{Field: "latitude", Value: p.Lat, Message: fmt.Sprintf("more than %g degrees from %g", tolerance, center.Lat)}
	}
	if math.Abs(p.Lng-center.Lng) > tolerance {
		return &CoordinateError{Field: "longitude", Value: p.Lng, Message: fmt.Sprintf("more than %g degrees from %g", tolerance, center.Lng)}
	}
	return nil
}

// RectifySign flips the sign of a coordinate whose magnitude matches the
// reference within tolerance but whose sign does not.
func RectifySign(v, reference, tolerance float64) float64 {
	if math.Abs(math.Abs(v)-math.Abs(reference)) <= tolerance && math.Signbit(v) != math.Signbit(reference) {
		return -v
	}
	return v
}

func parseCoordinate(v string) (float64, bool) {
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func countDigits(v string) int {
	n := 0
	for _, r := range v {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
