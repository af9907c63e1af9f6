package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Create(ctx context.Context, r *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests(
		id, passenger_id, passenger_name, passenger_phone,
		pickup_lat, pickup_lng, pickup_address,
		dropoff_lat, dropoff_lng, dropoff_address,
		distance_km, duration_min, proposed_fare, priority,
		status, driver_id, created_at, updated_at
	) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		r.ID, r.PassengerID, r.PassengerName, r.PassengerPhone,
		r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address,
		r.Dropoff.Lat, r.Dropoff.Lng, r.Dropoff.Address,
		r.DistanceKm, r.DurationMin, r.ProposedFare, string(r.Priority),
		string(r.Status), nullable(r.DriverID), r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT
		id, passenger_id, passenger_name, passenger_phone,
		pickup_lat, pickup_lng, pickup_address,
		dropoff_lat, dropoff_lng, dropoff_address,
		distance_km, duration_min, proposed_fare, priority,
		status, COALESCE(driver_id, ''), created_at, updated_at
	FROM ride_requests WHERE id = $1`, id)

	var r models.RideRequest
	var priority, status string
	err := row.Scan(
		&r.ID, &r.PassengerID, &r.PassengerName, &r.PassengerPhone,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address,
		&r.Dropoff.Lat, &r.Dropoff.Lng, &r.Dropoff.Address,
		&r.DistanceKm, &r.DurationMin, &r.ProposedFare, &priority,
		&status, &r.DriverID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Priority = models.Priority(priority)
	r.Status = models.Status(status)
	return &r, nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status models.Status, driverID string) error {
	var res sql.Result
	var err error
	if driverID != "" {
		res, err = p.db.ExecContext(ctx,
			`UPDATE ride_requests SET status=$1, driver_id=$2, updated_at=$3 WHERE id=$4`,
			string(status), driverID, time.Now().UTC(), id)
	} else {
		res, err = p.db.ExecContext(ctx,
			`UPDATE ride_requests SET status=$1, updated_at=$2 WHERE id=$3`,
			string(status), time.Now().UTC(), id)
	}
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
