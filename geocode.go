package bikecurate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/bluele/gcache"
	"github.com/golang/geo/s2"
	"github.com/tidwall/geojson"
	"github.com/tidwall/geojson/geometry"
	"github.com/tidwall/gjson"
)

// ErrNotFound means no postal area covers the point. It is a data gap, not a
// failure.
var ErrNotFound = errors.New("no postal area found")

// Geocoder maps a coordinate to the postal area containing it.
type Geocoder interface {
	ZipCode(ctx context.Context, lat, lng float64) (string, error)
}

var zipProperties = []string{"zip_code", "ZCTA5CE20", "ZCTA5CE10", "GEOID20", "GEOID10", "ZIP", "zip"}

type zipArea struct {
	zip  string
	area geojson.Object
}

// ZCTAGeocoder answers from a GeoJSON FeatureCollection of postal area
// polygons.
type ZCTAGeocoder struct {
	areas []zipArea
}

func NewZCTAGeocoder(featureCollection string) (*ZCTAGeocoder, error) {
	if !gjson.Valid(featureCollection) {
		return nil, fmt.Errorf("parse postal areas: invalid json")
	}
	g := &ZCTAGeocoder{}
	var parseErr error
	gjson.Get(featureCollection, "features").ForEach(func(_, feature gjson.Result) bool {
		props := feature.Get("properties")
		var zip string
		for _, key := range zipProperties {
			if v := props.Get(key); v.Exists() && v.String() != "" {
				zip = v.String()
				break
			}
		}
		if zip == "" {
			return true
		}
		area, err := geojson.Parse(feature.Raw, &geojson.ParseOptions{RequireValid: true})
		if err != nil {
			parseErr = fmt.Errorf("parse postal area %s: %w", zip, err)
			return false
		}
		g.areas = append(g.areas, zipArea{zip: NormalizeZipCode(zip), area: area})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	slog.Info(fmt.Sprintf("Loaded %d postal areas", len(g.areas)))
	return g, nil
}

func (g *ZCTAGeocoder) ZipCode(ctx context.Context, lat, lng float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	point := geojson.NewPoint(geometry.Point{X: lng, Y: lat})
	for _, a := range g.areas {
		if a.area.Contains(point) {
			return a.zip, nil
		}
	}
	return "", ErrNotFound
}

type zipCentroid struct {
	zip string
	at  s2.LatLng
}

// CentroidGeocoder picks the postal area whose centroid is nearest, as long
// as it is within MaxDistanceKm.
type CentroidGeocoder struct {
	MaxDistanceKm float64
	centroids     []zipCentroid
}

// NewCentroidGeocoder loads a JSON object mapping postal codes to
// {"lat": ..., "lng": ...}.
func NewCentroidGeocoder(data string, maxDistanceKm float64) (*CentroidGeocoder, error) {
	if !gjson.Valid(data) {
		return nil, fmt.Errorf("parse zip centroids: invalid json")
	}
	g := &CentroidGeocoder{MaxDistanceKm: maxDistanceKm}
	gjson.Parse(data).ForEach(func(key, value gjson.Result) bool {
		lat, lng := value.Get("lat"), value.Get("lng")
		if !lat.Exists() || !lng.Exists() {
			return true
		}
		g.centroids = append(g.centroids, zipCentroid{
			zip: NormalizeZipCode(key.String()),
			at:  s2.LatLngFromDegrees(lat.Float(), lng.Float()),
		})
		return true
	})
	// Ties resolve to the smallest code regardless of file order.
	slices.SortFunc(g.centroids, func(a, b zipCentroid) int { return compareNaturalIDs(a.zip, b.zip) })
	return g, nil
}

func (g *CentroidGeocoder) ZipCode(ctx context.Context, lat, lng float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p := s2.LatLngFromDegrees(lat, lng)
	best := ""
	bestKm := math.Inf(1)
	for _, c := range g.centroids {
		km := p.Distance(c.at).Radians() * EarthRadiusKm
		if km < bestKm {
			best, bestKm = c.zip, km
		}
	}
	if best == "" || bestKm > g.MaxDistanceKm {
		return "", ErrNotFound
	}
	return best, nil
}

// CachedGeocoder memoizes another geocoder, including its ErrNotFound
// answers. Other errors are not cached.
type CachedGeocoder struct {
	next  Geocoder
	cache gcache.Cache
}

func NewCachedGeocoder(next Geocoder, size int) *CachedGeocoder {
	return &CachedGeocoder{next: next, cache: gcache.New(size).LRU().Build()}
}

func (g *CachedGeocoder) ZipCode(ctx context.Context, lat, lng float64) (string, error) {
	key := fmt.Sprintf("%.7f,%.7f", lat, lng)
	if v, err := g.cache.Get(key); err == nil {
		zip := v.(string)
		if zip == "" {
			return "", ErrNotFound
		}
		return zip, nil
	}
	zip, err := g.next.ZipCode(ctx, lat, lng)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	_ = g.cache.Set(key, zip)
	if err != nil {
		return "", err
	}
	return zip, nil
}

type firstOf []Geocoder

// FirstOf tries each geocoder in turn until one finds a postal area.
func FirstOf(geocoders ...Geocoder) Geocoder {
	return firstOf(geocoders)
}

func (f firstOf) ZipCode(ctx context.Context, lat, lng float64) (string, error) {
	for _, g := range f {
		zip, err := g.ZipCode(ctx, lat, lng)
		if err == nil {
			return zip, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", ErrNotFound
}

type RetryOpts struct {
	Attempts int
	Delay    time.Duration
}

var DefaultGeocodeRetry = RetryOpts{Attempts: 5, Delay: time.Millisecond}

// lookupZipCode retries transient failures. ErrNotFound and exhausted
// retries both come back as an empty code with ok false.
func lookupZipCode(ctx context.Context, g Geocoder, p LatLng, retry RetryOpts) (zip string, ok bool, err error) {
	attempts := max(retry.Attempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		zip, lastErr = g.ZipCode(ctx, p.Lat, p.Lng)
		if lastErr == nil {
			return zip, true, nil
		}
		if errors.Is(lastErr, ErrNotFound) {
			return "", false, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", false, ctxErr
		}
		slog.Debug(fmt.Sprintf("Geocode attempt %d/%d for %v failed: %s", attempt, attempts, p, lastErr))
		if attempt < attempts && retry.Delay > 0 {
			select {
			case <-ctx.Done():
				return "", false, ctx.Err()
			case <-time.After(retry.Delay):
			}
		}
	}
	slog.Warn(fmt.Sprintf("Giving up geocoding %v after %d attempts: %s", p, attempts, lastErr))
	return "", false, nil
}

// NormalizeZipCode renders numeric postal codes zero-padded to five digits.
func NormalizeZipCode(zip string) string {
	zip = canonicalID(zip)
	if zip == "" || len(zip) >= 5 {
		return zip
	}
	for _, r := range zip {
		if r < '0' || r > '9' {
			return zip
		}
	}
	return strings.Repeat("0", 5-len(zip)) + zip
}
