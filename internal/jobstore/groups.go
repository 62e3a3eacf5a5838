package jobstore

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/sudhira1404/forecast-orchestrator/internal/domain"
)

// SaveGroup upserts a contending group row. Written by the worker right
// after a successful availability forecast.
func (s *Store) SaveGroup(g *domain.ContendingGroup) error {
	idsJSON, err := json.Marshal(g.ContendingIDs)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO contending_groups (run_id, report_date, line_item_id, contending_ids, contending_count, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, report_date, line_item_id) DO UPDATE SET
			contending_ids = excluded.contending_ids,
			contending_count = excluded.contending_count,
			saved_at = excluded.saved_at
	`, g.RunID, g.ReportDate, g.LineItemID, string(idsJSON), len(g.ContendingIDs), g.SavedAt)
	return err
}

// GetGroup retrieves a group by key. A line item with no recorded group
// defaults to a group of itself only.
func (s *Store) GetGroup(runID, reportDate string, lineItemID int64) (*domain.ContendingGroup, error) {
	row := s.db.QueryRow(`
		SELECT run_id, report_date, line_item_id, contending_ids, delivery_batch_id, saved_at
		FROM contending_groups
		WHERE run_id = ? AND report_date = ? AND line_item_id = ?
	`, runID, reportDate, lineItemID)

	g, err := scanGroup(row.Scan)
	if err == sql.ErrNoRows {
		return &domain.ContendingGroup{
			RunID:      runID,
			ReportDate: reportDate,
			LineItemID: lineItemID,
		}, nil
	}
	return g, err
}

// ListUnbatched returns groups for a report date that have no delivery batch
// assigned yet, ordered by contender count descending, then save time
// descending, then line item id.
func (s *Store) ListUnbatched(reportDate string) ([]*domain.ContendingGroup, error) {
	rows, err := s.db.Query(`
		SELECT run_id, report_date, line_item_id, contending_ids, delivery_batch_id, saved_at
		FROM contending_groups
		WHERE report_date = ? AND delivery_batch_id IS NULL
		ORDER BY contending_count DESC, saved_at DESC, line_item_id ASC
	`, reportDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*domain.ContendingGroup
	for rows.Next() {
		g, err := scanGroup(rows.Scan)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// AssignBatch persists a delivery batch id on every member's group row,
// creating a self-only row for members without one. An already assigned
// batch id is never overwritten.
func (s *Store) AssignBatch(runID, reportDate string, lineItemIDs []int64, batchID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO contending_groups (run_id, report_date, line_item_id, contending_ids, contending_count, delivery_batch_id, saved_at)
		VALUES (?, ?, ?, '[]', 0, ?, ?)
		ON CONFLICT(run_id, report_date, line_item_id) DO UPDATE SET
			delivery_batch_id = COALESCE(contending_groups.delivery_batch_id, excluded.delivery_batch_id)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, id := range lineItemIDs {
		if _, err := stmt.Exec(runID, reportDate, id, batchID, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MaxBatchID returns the highest delivery batch id assigned for a report
// date, or 0 when none has been assigned.
func (s *Store) MaxBatchID(reportDate string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`
		SELECT MAX(delivery_batch_id) FROM contending_groups WHERE report_date = ?
	`, reportDate).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

func scanGroup(scan func(dest ...any) error) (*domain.ContendingGroup, error) {
	var g domain.ContendingGroup
	var idsJSON string
	var batchID sql.NullInt64
	var savedAt sql.NullTime

	if err := scan(&g.RunID, &g.ReportDate, &g.LineItemID, &idsJSON, &batchID, &savedAt); err != nil {
		return nil, err
	}

	if idsJSON != "" && idsJSON != "null" {
		if err := json.Unmarshal([]byte(idsJSON), &g.ContendingIDs); err != nil {
			return nil, err
		}
	}
	if batchID.Valid {
		b := batchID.Int64
		g.DeliveryBatchID = &b
	}
	if savedAt.Valid {
		g.SavedAt = savedAt.Time
	}

	return &g, nil
}
