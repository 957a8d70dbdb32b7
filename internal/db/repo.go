package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Condition is one diagnosed condition on a patient's chart. Abatement is
// nil while the condition is still active.
type Condition struct {
	Description string
	Onset       time.Time
	Abatement   *time.Time
}

// Medication is one prescription on a patient's chart.
type Medication struct {
	Description string
	Dosage      string
	Started     time.Time
	Stopped     *time.Time
}

// Observation is one recorded measurement (vital sign or lab value).
type Observation struct {
	Kind    string
	Value   float64
	Unit    string
	TakenAt time.Time
}

// Allergy is one recorded allergy.
type Allergy struct {
	Description string
	RecordedAt  time.Time
}

// HistoryRepository answers typed lookups over the structured patient-history
// tables. The caller owns the *sql.DB lifecycle.
type HistoryRepository struct {
	DB *sql.DB
}

// NewHistoryRepository constructs a repository from an existing sql.DB.
func NewHistoryRepository(db *sql.DB) *HistoryRepository { return &HistoryRepository{DB: db} }

// ActiveConditions returns the patient's conditions with no abatement date,
// most recent onset first.
func (r *HistoryRepository) ActiveConditions(ctx context.Context, patientID string) ([]Condition, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT description, onset, abatement
         FROM conditions
         WHERE patient_id = $1 AND abatement IS NULL
         ORDER BY onset DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query active conditions: %w", err)
	}
	defer rows.Close()

	var out []Condition
	for rows.Next() {
		var c Condition
		if err := rows.Scan(&c.Description, &c.Onset, &c.Abatement); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Medications returns the patient's prescriptions. With activeOnly set, only
// prescriptions without a stop date are returned.
func (r *HistoryRepository) Medications(ctx context.Context, patientID string, activeOnly bool) ([]Medication, error) {
	q := `SELECT description, COALESCE(dosage, ''), started, stopped
          FROM medications
          WHERE patient_id = $1`
	if activeOnly {
		q += ` AND stopped IS NULL`
	}
	q += ` ORDER BY started DESC`

	rows, err := r.DB.QueryContext(ctx, q, patientID)
	if err != nil {
		return nil, fmt.Errorf("query medications: %w", err)
	}
	defer rows.Close()

	var out []Medication
	for rows.Next() {
		var m Medication
		if err := rows.Scan(&m.Description, &m.Dosage, &m.Started, &m.Stopped); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Observations returns measurements of one kind within the look-back window,
// most recent first. An empty kind matches all kinds.
func (r *HistoryRepository) Observations(ctx context.Context, patientID, kind string, daysBack int) ([]Observation, error) {
	if daysBack <= 0 {
		daysBack = 365
	}
	cutoff := time.Now().AddDate(0, 0, -daysBack)

	q := `SELECT kind, value, COALESCE(unit, ''), taken_at
          FROM observations
          WHERE patient_id = $1 AND taken_at >= $2`
	args := []any{patientID, cutoff}
	if kind != "" {
		q += ` AND kind = $3`
		args = append(args, kind)
	}
	q += ` ORDER BY taken_at DESC`

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var o Observation
		if err := rows.Scan(&o.Kind, &o.Value, &o.Unit, &o.TakenAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Allergies returns the patient's recorded allergies, most recent first.
func (r *HistoryRepository) Allergies(ctx context.Context, patientID string) ([]Allergy, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT description, recorded_at
         FROM allergies
         WHERE patient_id = $1
         ORDER BY recorded_at DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query allergies: %w", err)
	}
	defer rows.Close()

	var out []Allergy
	for rows.Next() {
		var a Allergy
		if err := rows.Scan(&a.Description, &a.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
