package store

const schema = `
CREATE TABLE IF NOT EXISTS signal_events (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	source TEXT NOT NULL,
	device_id TEXT NOT NULL,
	capability TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_sub_type TEXT,
	value TEXT,
	raw_topic TEXT NOT NULL,
	raw_payload TEXT NOT NULL,
	device_kind TEXT NOT NULL,
	event_category TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signal_events_device_ts ON signal_events(device_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_signal_events_ts ON signal_events(timestamp DESC);

CREATE TABLE IF NOT EXISTS sensor_readings (
	id TEXT PRIMARY KEY,
	signal_event_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	device_id TEXT NOT NULL,
	metric TEXT NOT NULL,
	value REAL NOT NULL,
	unit TEXT
);
CREATE INDEX IF NOT EXISTS idx_sensor_readings_device_ts ON sensor_readings(device_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_sensor_readings_metric ON sensor_readings(device_id, metric, timestamp DESC);

CREATE TABLE IF NOT EXISTS trigger_events (
	id TEXT PRIMARY KEY,
	signal_event_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	device_id TEXT NOT NULL,
	capability TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	trigger_sub_type TEXT,
	value INTEGER
);
CREATE INDEX IF NOT EXISTS idx_trigger_events_device_ts ON trigger_events(device_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_trigger_events_type ON trigger_events(device_id, trigger_type, timestamp DESC);

CREATE TABLE IF NOT EXISTS devices (
	device_id TEXT PRIMARY KEY,
	friendly_name TEXT NOT NULL,
	display_name TEXT,
	ieee_address TEXT,
	model_id TEXT,
	manufacturer TEXT,
	description TEXT,
	power_source INTEGER NOT NULL DEFAULT 0,
	device_type TEXT,
	zone_id INTEGER,
	capabilities TEXT NOT NULL DEFAULT '[]',
	attributes TEXT NOT NULL DEFAULT '{}',
	last_seen TEXT,
	is_available INTEGER NOT NULL DEFAULT 0,
	link_quality INTEGER
);
CREATE INDEX IF NOT EXISTS idx_devices_friendly_name ON devices(friendly_name);
CREATE INDEX IF NOT EXISTS idx_devices_zone ON devices(zone_id);

CREATE TABLE IF NOT EXISTS zones (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	parent_zone_id INTEGER,
	icon TEXT,
	color TEXT,
	sort_order INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_zones_parent ON zones(parent_zone_id);

CREATE TABLE IF NOT EXISTS automation_rules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	is_enabled INTEGER NOT NULL DEFAULT 1,
	trigger_mode TEXT NOT NULL,
	condition_mode TEXT NOT NULL,
	cooldown_seconds INTEGER NOT NULL DEFAULT 0,
	last_triggered_at TEXT,
	execution_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS automation_triggers (
	id TEXT PRIMARY KEY,
	rule_id TEXT NOT NULL REFERENCES automation_rules(id) ON DELETE CASCADE,
	trigger_type TEXT NOT NULL,
	device_id TEXT,
	property TEXT,
	operator TEXT,
	value TEXT,
	time_expression TEXT,
	sun_event TEXT,
	offset_minutes INTEGER NOT NULL DEFAULT 0,
	sort_order INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_automation_triggers_rule ON automation_triggers(rule_id);
CREATE INDEX IF NOT EXISTS idx_automation_triggers_device ON automation_triggers(device_id);

CREATE TABLE IF NOT EXISTS automation_conditions (
	id TEXT PRIMARY KEY,
	rule_id TEXT NOT NULL REFERENCES automation_rules(id) ON DELETE CASCADE,
	parent_condition_id TEXT,
	condition_type TEXT NOT NULL,
	device_id TEXT,
	property TEXT,
	operator TEXT,
	value TEXT,
	value2 TEXT,
	time_start TEXT,
	time_end TEXT,
	days_of_week TEXT,
	sort_order INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_automation_conditions_rule ON automation_conditions(rule_id);
CREATE INDEX IF NOT EXISTS idx_automation_conditions_parent ON automation_conditions(parent_condition_id);

CREATE TABLE IF NOT EXISTS automation_actions (
	id TEXT PRIMARY KEY,
	rule_id TEXT NOT NULL REFERENCES automation_rules(id) ON DELETE CASCADE,
	action_type TEXT NOT NULL,
	device_id TEXT,
	property TEXT,
	value TEXT,
	delay_seconds INTEGER NOT NULL DEFAULT 0,
	webhook_url TEXT,
	webhook_method TEXT,
	webhook_body TEXT,
	notification_title TEXT,
	notification_message TEXT,
	scene_id TEXT,
	sort_order INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_automation_actions_rule ON automation_actions(rule_id);

CREATE TABLE IF NOT EXISTS automation_execution_logs (
	id TEXT PRIMARY KEY,
	rule_id TEXT NOT NULL,
	executed_at TEXT NOT NULL,
	status TEXT NOT NULL,
	trigger_source TEXT,
	action_results TEXT NOT NULL DEFAULT '[]',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_rule ON automation_execution_logs(rule_id, executed_at DESC);

CREATE TABLE IF NOT EXISTS scenes (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	device_states TEXT NOT NULL DEFAULT '{}'
);
`
