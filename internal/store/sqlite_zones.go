package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sdhome/core/internal/domain"
)

type zoneStore struct{ db *sql.DB }

const zoneSelect = `SELECT id, name, parent_zone_id, icon, color, sort_order FROM zones`

func (r zoneStore) Create(ctx context.Context, z domain.Zone) (domain.Zone, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO zones (name, parent_zone_id, icon, color, sort_order) VALUES (?, ?, ?, ?, ?)
	`, z.Name, z.ParentZoneID, z.Icon, z.Color, z.SortOrder)
	if err != nil {
		return domain.Zone{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Zone{}, err
	}
	z.ID = id
	return z, nil
}

func (r zoneStore) Get(ctx context.Context, id int64) (domain.Zone, error) {
	row := r.db.QueryRowContext(ctx, zoneSelect+` WHERE id = ?`, id)
	z, err := scanZone(row)
	if err == sql.ErrNoRows {
		return domain.Zone{}, ErrNotFound
	}
	return z, err
}

func (r zoneStore) Update(ctx context.Context, z domain.Zone) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE zones SET name = ?, parent_zone_id = ?, icon = ?, color = ?, sort_order = ? WHERE id = ?
	`, z.Name, z.ParentZoneID, z.Icon, z.Color, z.SortOrder, z.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a zone. mode controls where its direct children are
// reparented: to the deleted zone's own parent (grandparent) or to the
// root of the tree (nil parent).
func (r zoneStore) Delete(ctx context.Context, id int64, mode domain.ReparentMode) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var grandparent sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT parent_zone_id FROM zones WHERE id = ?`, id).Scan(&grandparent)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var newParent any
	if mode == domain.ReparentToGrandparent && grandparent.Valid {
		newParent = grandparent.Int64
	}

	if _, err := tx.ExecContext(ctx, `UPDATE zones SET parent_zone_id = ? WHERE parent_zone_id = ?`, newParent, id); err != nil {
		return fmt.Errorf("reparent children: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE devices SET zone_id = ? WHERE zone_id = ?`, newParent, id); err != nil {
		return fmt.Errorf("reparent devices: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM zones WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (r zoneStore) List(ctx context.Context) ([]domain.Zone, error) {
	rows, err := r.db.QueryContext(ctx, zoneSelect+` ORDER BY sort_order ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanZoneRows(rows)
}

func (r zoneStore) Children(ctx context.Context, id int64) ([]domain.Zone, error) {
	rows, err := r.db.QueryContext(ctx, zoneSelect+` WHERE parent_zone_id = ? ORDER BY sort_order ASC, name ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanZoneRows(rows)
}

func scanZoneRows(rows *sql.Rows) ([]domain.Zone, error) {
	var out []domain.Zone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

func scanZone(row rowScanner) (domain.Zone, error) {
	var z domain.Zone
	var parent sql.NullInt64
	var icon, color sql.NullString
	if err := row.Scan(&z.ID, &z.Name, &parent, &icon, &color, &z.SortOrder); err != nil {
		return domain.Zone{}, err
	}
	if parent.Valid {
		z.ParentZoneID = &parent.Int64
	}
	z.Icon = icon.String
	z.Color = color.String
	return z, nil
}
