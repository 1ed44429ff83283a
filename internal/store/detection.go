package store

import (
	"database/sql"
	"fmt"
)

// Detection is one box recorded against a prediction run.
type Detection struct {
	ID         int64   `json:"-"`
	RunID      string  `json:"run_id"`
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
}

// DetectionRepository stores the boxes produced by prediction runs.
type DetectionRepository struct {
	db *sql.DB
}

// Detections returns the detection repository for this store.
func (s *Store) Detections() *DetectionRepository {
	return &DetectionRepository{db: s.db}
}

// Add inserts dets for runID in a single transaction.
func (r *DetectionRepository) Add(runID string, dets []Detection) error {
	if len(dets) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO run_detections (run_id, class_id, class_name, confidence, x1, y1, x2, y2)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range dets {
		d := &dets[i]
		d.RunID = runID
		res, err := stmt.Exec(runID, d.ClassID, d.ClassName, d.Confidence, d.X1, d.Y1, d.X2, d.Y2)
		if err != nil {
			return fmt.Errorf("insert detection %d: %w", i, err)
		}
		if d.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListByRun returns the detections of runID in insertion order.
func (r *DetectionRepository) ListByRun(runID string) ([]Detection, error) {
	rows, err := r.db.Query(
		`SELECT id, run_id, class_id, class_name, confidence, x1, y1, x2, y2
		 FROM run_detections WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dets []Detection
	for rows.Next() {
		var d Detection
		if err := rows.Scan(&d.ID, &d.RunID, &d.ClassID, &d.ClassName, &d.Confidence, &d.X1, &d.Y1, &d.X2, &d.Y2); err != nil {
			return nil, err
		}
		dets = append(dets, d)
	}

	return dets, rows.Err()
}
