package eta

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ride-dispatch/internal/models"
)

// GoogleClient estimates trip durations via the Distance Matrix API.
type GoogleClient struct {
	c *maps.Client
}

func NewGoogleClient(apiKey string) (*GoogleClient, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &GoogleClient{c: c}, nil
}

func (g *GoogleClient) EstimateSeconds(ctx context.Context, from, to models.Place) (float64, error) {
	resp, err := g.c.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:      []string{fmt.Sprintf("%.6f,%.6f", from.Lat, from.Lng)},
		Destinations: []string{fmt.Sprintf("%.6f,%.6f", to.Lat, to.Lng)},
		Mode:         maps.TravelModeDriving,
	})
	if err != nil {
		return 0, err
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return 0, fmt.Errorf("distance matrix: empty response")
	}
	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return 0, fmt.Errorf("distance matrix: %s", el.Status)
	}
	return el.Duration.Seconds(), nil
}
