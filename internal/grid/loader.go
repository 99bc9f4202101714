package grid

import (
	"context"
	"fmt"

	"github.com/activitymesh/matchengine/pkg/postgres"
)

// PostgresSource loads grid cells from the relational grid_cells table.
type PostgresSource struct {
	client *postgres.Client
}

// NewPostgresSource creates a CellSource over the given client.
func NewPostgresSource(client *postgres.Client) *PostgresSource {
	return &PostgresSource{client: client}
}

// LoadCells reads every non-deleted grid cell in one query.
func (s *PostgresSource) LoadCells(ctx context.Context) ([]Cell, error) {
	const query = `
		SELECT id, token, lat_bucket_key, lon_bucket_key, center_lat, center_lon
		FROM grid_cells
		WHERE deleted_at IS NULL
		ORDER BY id`

	rows, err := s.client.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying grid_cells: %w", err)
	}
	defer rows.Close()

	var cells []Cell
	for rows.Next() {
		var c Cell
		if err := rows.Scan(&c.ID, &c.Token, &c.LatBucket, &c.LonBucket, &c.CenterLat, &c.CenterLon); err != nil {
			return nil, fmt.Errorf("scanning grid cell: %w", err)
		}
		cells = append(cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating grid_cells: %w", err)
	}
	return cells, nil
}
