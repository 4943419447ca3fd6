package geocode

import (
	"context"
	"errors"

	"googlemaps.github.io/maps"
)

// Resolver resolves coordinates to a human-readable address.
type Resolver interface {
	ReverseGeocode(ctx context.Context, latitude, longitude float64) (string, error)
}

// GoogleResolver uses the Google Maps Geocoding API to resolve addresses for
// location fixes that arrive without one.
type GoogleResolver struct {
	client *maps.Client
}

// NewGoogleResolver creates a new GoogleResolver instance.
func NewGoogleResolver(apiKey string) (*GoogleResolver, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}

	return &GoogleResolver{
		client: c,
	}, nil
}

// ReverseGeocode returns the formatted address of the first geocoding result
// for the given coordinates.
func (g *GoogleResolver) ReverseGeocode(ctx context.Context, latitude, longitude float64) (string, error) {
	results, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: latitude, Lng: longitude},
	})
	if err != nil {
		return "", err
	}

	if len(results) == 0 {
		return "", errors.New("no geocoding results")
	}
	return results[0].FormattedAddress, nil
}
