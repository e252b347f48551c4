package postgres

const indicatorColumns = `
    i.id, i.name, i.owner, i.is_active, i.procedure_name,
    i.threshold_field, i.threshold_comparator, i.threshold_value, i.threshold_type,
    i.alert_channels, i.last_run_at,
    i.is_currently_running, i.execution_started_at, i.execution_context,
    s.id, s.schedule_kind, s.interval_minutes, s.cron_expression, s.execution_datetime,
    s.start_date, s.end_date, s.timezone, s.enabled
`

const queryGetAllIndicators = `
SELECT` + indicatorColumns + `
FROM indicators i
JOIN schedule_configs s ON i.schedule_config_id = s.id
ORDER BY i.id
`

const queryGetIndicator = `
SELECT` + indicatorColumns + `
FROM indicators i
JOIN schedule_configs s ON i.schedule_config_id = s.id
WHERE i.id = $1
`

const queryUpdateLastRun = `
UPDATE indicators SET last_run_at = $2 WHERE id = $1
`

const querySaveExecutionState = `
UPDATE indicators
SET is_currently_running = $2, execution_started_at = $3, execution_context = $4
WHERE id = $1
`

const queryGetStaleRunning = `
SELECT` + indicatorColumns + `
FROM indicators i
JOIN schedule_configs s ON i.schedule_config_id = s.id
WHERE i.is_currently_running = true
  AND i.execution_started_at < $1
ORDER BY i.execution_started_at
LIMIT $2
`

// Only clears the triple if it still belongs to the same claim.
const queryClearStaleExecution = `
UPDATE indicators
SET is_currently_running = false, execution_started_at = NULL, execution_context = NULL
WHERE id = $1
  AND is_currently_running = true
  AND execution_started_at = $2
`

const queryInsertAlert = `
INSERT INTO alert_logs (id, indicator_id, owner, triggered_at, message, sent_via,
    current_value, historical_value, deviation_percent, is_resolved)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false)
`

const queryGetAlert = `
SELECT id, indicator_id, owner, triggered_at, message, sent_via,
    current_value, historical_value, deviation_percent,
    is_resolved, resolved_at, COALESCE(resolved_by, '')
FROM alert_logs
WHERE id = $1
`

const queryUpdateAlertResolution = `
UPDATE alert_logs
SET is_resolved = $2, resolved_at = $3, resolved_by = $4
WHERE id = $1
`

const queryInsertEscalation = `
INSERT INTO alert_escalations (id, alert_id, level, scheduled_time, is_executed, is_cancelled)
VALUES ($1, $2, $3, $4, false, false)
`

const queryDueEscalations = `
SELECT id, alert_id, level, scheduled_time, executed_time, is_executed, is_cancelled,
    COALESCE(cancel_reason, ''), COALESCE(execution_result, ''), COALESCE(error_message, '')
FROM alert_escalations
WHERE is_executed = false
  AND is_cancelled = false
  AND scheduled_time <= $1
ORDER BY alert_id, level
LIMIT $2
`

const queryMarkEscalationExecuted = `
UPDATE alert_escalations
SET is_executed = true, executed_time = $2, execution_result = $3, error_message = NULLIF($4, '')
WHERE id = $1
  AND is_executed = false
  AND is_cancelled = false
`

const queryCancelEscalation = `
UPDATE alert_escalations
SET is_cancelled = true, cancel_reason = $2
WHERE id = $1
  AND is_executed = false
  AND is_cancelled = false
`

const queryCancelPendingEscalations = `
UPDATE alert_escalations
SET is_cancelled = true, cancel_reason = $2
WHERE alert_id = $1
  AND is_executed = false
  AND is_cancelled = false
  AND ($3::timestamptz IS NULL OR scheduled_time >= $3)
`

const queryInsertAcknowledgment = `
INSERT INTO alert_acknowledgments (id, alert_id, acknowledged_by, acknowledged_at, stop_escalation, comment)
VALUES ($1, $2, $3, $4, $5, $6)
`

const queryListAcknowledgments = `
SELECT id, alert_id, acknowledged_by, acknowledged_at, stop_escalation, COALESCE(comment, '')
FROM alert_acknowledgments
WHERE alert_id = $1
ORDER BY acknowledged_at
`

const queryActiveSuppressionRules = `
SELECT id, name, start_time, end_time, indicator_id, COALESCE(owner, ''), is_active, suppress_creation
FROM alert_suppression_rules
WHERE is_active = true
  AND start_time <= $1
  AND end_time >= $1
ORDER BY id
`
