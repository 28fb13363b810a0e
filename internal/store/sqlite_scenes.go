package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/sdhome/core/internal/domain"
)

type sceneStore struct{ db *sql.DB }

const sceneSelect = `SELECT id, name, device_states FROM scenes`

func (r sceneStore) Create(ctx context.Context, s domain.Scene) (domain.Scene, error) {
	if s.ID == uuid.Nil {
		s.ID = domain.NewID()
	}
	states, err := marshalJSON(s.DeviceStates)
	if err != nil {
		return domain.Scene{}, fmt.Errorf("marshal device states: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO scenes (id, name, device_states) VALUES (?, ?, ?)`,
		s.ID.String(), s.Name, states)
	if err != nil {
		return domain.Scene{}, err
	}
	return s, nil
}

func (r sceneStore) Update(ctx context.Context, s domain.Scene) error {
	states, err := marshalJSON(s.DeviceStates)
	if err != nil {
		return fmt.Errorf("marshal device states: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE scenes SET name = ?, device_states = ? WHERE id = ?`,
		s.Name, states, s.ID.String())
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

func (r sceneStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM scenes WHERE id = ?`, id.String())
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

func (r sceneStore) Get(ctx context.Context, id uuid.UUID) (domain.Scene, error) {
	row := r.db.QueryRowContext(ctx, sceneSelect+` WHERE id = ?`, id.String())
	s, err := scanScene(row)
	if err == sql.ErrNoRows {
		return domain.Scene{}, ErrNotFound
	}
	return s, err
}

func (r sceneStore) List(ctx context.Context) ([]domain.Scene, error) {
	rows, err := r.db.QueryContext(ctx, sceneSelect+` ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Scene
	for rows.Next() {
		s, err := scanScene(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanScene(row rowScanner) (domain.Scene, error) {
	var s domain.Scene
	var id, states string
	if err := row.Scan(&id, &s.Name, &states); err != nil {
		return domain.Scene{}, err
	}
	var err error
	if s.ID, err = uuid.Parse(id); err != nil {
		return domain.Scene{}, err
	}
	if err := unmarshalJSON(states, &s.DeviceStates); err != nil {
		return domain.Scene{}, fmt.Errorf("unmarshal device states: %w", err)
	}
	return s, nil
}
