package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sdhome/core/internal/domain"
)

type deviceStore struct{ db *sql.DB }

func (r deviceStore) Get(ctx context.Context, deviceID string) (domain.Device, error) {
	row := r.db.QueryRowContext(ctx, deviceSelect+` WHERE device_id = ?`, deviceID)
	return scanDevice(row)
}

func (r deviceStore) GetByFriendlyName(ctx context.Context, friendlyName string) (domain.Device, error) {
	row := r.db.QueryRowContext(ctx, deviceSelect+` WHERE friendly_name = ? LIMIT 1`, friendlyName)
	return scanDevice(row)
}

func (r deviceStore) Upsert(ctx context.Context, d domain.Device) error {
	caps, err := marshalJSON(d.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	attrs, err := marshalJSON(d.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, friendly_name, display_name, ieee_address, model_id,
			manufacturer, description, power_source, device_type, zone_id, capabilities,
			attributes, last_seen, is_available, link_quality)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			friendly_name = excluded.friendly_name,
			display_name = excluded.display_name,
			ieee_address = excluded.ieee_address,
			model_id = excluded.model_id,
			manufacturer = excluded.manufacturer,
			description = excluded.description,
			power_source = excluded.power_source,
			device_type = excluded.device_type,
			zone_id = excluded.zone_id,
			capabilities = excluded.capabilities,
			attributes = excluded.attributes,
			last_seen = excluded.last_seen,
			is_available = excluded.is_available,
			link_quality = excluded.link_quality
	`, d.DeviceID, d.FriendlyName, d.DisplayName, d.IEEEAddress, d.ModelID, d.Manufacturer,
		d.Description, boolToInt(d.PowerSource), string(d.DeviceType), d.ZoneID, caps, attrs,
		formatTimePtr(d.LastSeen), boolToInt(d.IsAvailable), d.LinkQuality)
	return err
}

func (r deviceStore) List(ctx context.Context) ([]domain.Device, error) {
	rows, err := r.db.QueryContext(ctx, deviceSelect+` ORDER BY friendly_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Device
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MergeAttributes last-writer-wins merges changes into the device's
// attribute map and updates availability metadata. It reports whether
// any attribute actually changed value so callers can skip emitting a
// state-change projection for a no-op merge (spec §4.4, testable
// property 6).
func (r deviceStore) MergeAttributes(ctx context.Context, deviceID string, changes map[string]any, linkQuality *int, now time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var attrsJSON string
	var isAvailable int64
	err = tx.QueryRowContext(ctx, `SELECT attributes, is_available FROM devices WHERE device_id = ?`, deviceID).
		Scan(&attrsJSON, &isAvailable)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	attrs := map[string]any{}
	if attrsJSON != "" {
		if err := json.Unmarshal([]byte(attrsJSON), &attrs); err != nil {
			return false, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}

	changed := false
	for k, v := range changes {
		existing, ok := attrs[k]
		if !ok || !valuesEqual(existing, v) {
			attrs[k] = v
			changed = true
		}
	}
	if isAvailable == 0 {
		changed = true
	}

	if !changed {
		return false, nil
	}

	merged, err := marshalJSON(attrs)
	if err != nil {
		return false, fmt.Errorf("marshal merged attributes: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE devices SET attributes = ?, last_seen = ?, is_available = 1, link_quality = COALESCE(?, link_quality)
		WHERE device_id = ?
	`, merged, formatTime(now), linkQuality, deviceID)
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func valuesEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

const deviceSelect = `
	SELECT device_id, friendly_name, display_name, ieee_address, model_id, manufacturer,
		description, power_source, device_type, zone_id, capabilities, attributes,
		last_seen, is_available, link_quality
	FROM devices`

func scanDeviceInto(row rowScanner) (domain.Device, error) {
	var d domain.Device
	var displayName, ieee, model, manuf, desc, devType sql.NullString
	var power, avail int64
	var zoneID sql.NullInt64
	var caps, attrs string
	var lastSeen sql.NullString
	var linkQuality sql.NullInt64

	err := row.Scan(&d.DeviceID, &d.FriendlyName, &displayName, &ieee, &model, &manuf, &desc,
		&power, &devType, &zoneID, &caps, &attrs, &lastSeen, &avail, &linkQuality)
	if err != nil {
		return domain.Device{}, err
	}

	d.DisplayName = displayName.String
	d.IEEEAddress = ieee.String
	d.ModelID = model.String
	d.Manufacturer = manuf.String
	d.Description = desc.String
	d.PowerSource = intToBool(power)
	d.DeviceType = domain.DeviceType(devType.String)
	if zoneID.Valid {
		d.ZoneID = &zoneID.Int64
	}
	if err := json.Unmarshal([]byte(caps), &d.Capabilities); err != nil {
		return domain.Device{}, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(attrs), &d.Attributes); err != nil {
		return domain.Device{}, fmt.Errorf("unmarshal attributes: %w", err)
	}
	d.LastSeen = parseTimePtr(lastSeen)
	d.IsAvailable = intToBool(avail)
	if linkQuality.Valid {
		lq := int(linkQuality.Int64)
		d.LinkQuality = &lq
	}
	return d, nil
}

func scanDevice(row *sql.Row) (domain.Device, error) {
	d, err := scanDeviceInto(row)
	if err == sql.ErrNoRows {
		return domain.Device{}, ErrNotFound
	}
	return d, err
}

func scanDeviceRow(rows *sql.Rows) (domain.Device, error) {
	return scanDeviceInto(rows)
}
