// Package ris reads registrar report events and order details from the
// radiology information system. It never writes.
package ris

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event actions recorded by the RIS.
const (
	ActionFinal  = "Final"
	ActionPrelim = "Prelim"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// NewPool opens a read-only connection pool and checks it is reachable.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	cfg.ConnConfig.RuntimeParams["application_name"] = "regnumbers"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// StaffEvent is a report signed (Final) or prelimmed (Prelim) by a staff member.
type StaffEvent struct {
	Accession string
	Action    string
	Timestamp time.Time
}

// Order is the case context of an accession.
type Order struct {
	Accession     string
	Modality      string
	Exams         []string
	Description   string
	CaseTimestamp time.Time
	PatientAge    *int32
}

// Store queries the RIS. Wall-clock columns are converted using timezone.
type Store struct {
	db       queryable
	timezone string
}

// NewStore creates a store over a pool (or any pgx query interface).
func NewStore(db queryable, timezone string) *Store {
	return &Store{db: db, timezone: timezone}
}

// staffEventsSQL picks, per case event, the Final row if one exists and
// otherwise the Prelim row, earliest first. A case event may carry several
// accessions.
const staffEventsSQL = `
WITH events AS (
    SELECT DISTINCT ON (ct_ce_serial)
        ct_ce_serial,
        CASE ct_staff_function WHEN 'R' THEN 'Final' WHEN 'V' THEN 'Prelim' END AS action,
        ct_dor AT TIME ZONE $4 AS reported_at
    FROM case_staff
        JOIN staff ON st_serial = ct_staff_serial
    WHERE st_user_code = $1
        AND ct_staff_function IN ('R', 'V')
        AND ct_dor BETWEEN $2::date AND $3::date + interval '1 day'
    ORDER BY ct_ce_serial, ct_staff_function, ct_dor
)
SELECT or_accession_no, action, reported_at
FROM events
    JOIN orders ON or_event_serial = events.ct_ce_serial`

// StaffEvents returns the staff member's Final and Prelim events for the
// whole days from..to.
func (s *Store) StaffEvents(ctx context.Context, staffCode string, from, to time.Time) ([]StaffEvent, error) {
	rows, err := s.db.Query(ctx, staffEventsSQL, staffCode, from.Format(time.DateOnly), to.Format(time.DateOnly), s.timezone)
	if err != nil {
		return nil, fmt.Errorf("querying staff events: %w", err)
	}
	defer rows.Close()

	var events []StaffEvent
	for rows.Next() {
		var e StaffEvent
		if err := rows.Scan(&e.Accession, &e.Action, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning staff event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

const ordersSQL = `
SELECT
    or_accession_no,
    or_ex_type,
    COALESCE((
        SELECT jsonb_agg(ex_description ORDER BY ex_description)
        FROM case_procedure
            JOIN exams ON cx_key = ex_serial AND cx_key_type = 'X'
        WHERE cx_ce_serial = ce_serial
    ), '[]'::jsonb),
    COALESCE(ce_description, ''),
    ce_dor AT TIME ZONE $2,
    extract(year FROM age(ce_dor, pa_dob))::int
FROM orders
    JOIN case_event ON ce_serial = or_event_serial
    JOIN case_main ON ce_cs_serial = cs_serial
    JOIN patient ON cs_pno = pa_pno
WHERE or_accession_no = ANY($1)
    AND or_status != 'X'`

// Orders returns the live orders for the given accessions. Cancelled orders
// and unknown accessions are absent from the result.
func (s *Store) Orders(ctx context.Context, accessions []string) ([]Order, error) {
	if len(accessions) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, ordersSQL, accessions, s.timezone)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.Accession, &o.Modality, &o.Exams, &o.Description, &o.CaseTimestamp, &o.PatientAge); err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
