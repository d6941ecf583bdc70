package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"bluelight/core"
)

// SQLiteRuleStorage handles threat rule persistence in SQLite.
type SQLiteRuleStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteRuleStorage creates a new SQLite rule storage handler.
func NewSQLiteRuleStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteRuleStorage {
	return &SQLiteRuleStorage{sqlite: sqlite, logger: logger}
}

const ruleColumns = `id, name, description, condition_type, severity, status,
	       config, tags, created_at, updated_at`

// GetRules retrieves rules matching the filter with pagination.
func (srs *SQLiteRuleStorage) GetRules(filter *core.RuleFilter, limit, offset int) ([]core.ThreatRule, error) {
	query := "SELECT " + ruleColumns + " FROM threat_rules"
	var conditions []string
	var args []interface{}

	if filter != nil {
		if filter.Status != "" {
			conditions = append(conditions, "status = ?")
			args = append(args, string(filter.Status))
		}
		if filter.ConditionType != "" {
			conditions = append(conditions, "condition_type = ?")
			args = append(args, string(filter.ConditionType))
		}
		if filter.Severity != "" {
			conditions = append(conditions, "severity = ?")
			args = append(args, string(filter.Severity))
		}
		if filter.Tag != "" {
			// Tags are stored as a JSON array; match the quoted element.
			conditions = append(conditions, "tags LIKE ?")
			args = append(args, "%"+`"`+filter.Tag+`"`+"%")
		}
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := srs.sqlite.ReadDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

// GetAllRules retrieves all rules, used for engine reloads.
func (srs *SQLiteRuleStorage) GetAllRules() ([]core.ThreatRule, error) {
	rows, err := srs.sqlite.ReadDB.Query("SELECT " + ruleColumns + " FROM threat_rules ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query all rules: %w", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

// GetRule retrieves a single rule by ID.
func (srs *SQLiteRuleStorage) GetRule(id string) (*core.ThreatRule, error) {
	row := srs.sqlite.ReadDB.QueryRow("SELECT "+ruleColumns+" FROM threat_rules WHERE id = ?", id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// CreateRule inserts a new rule.
func (srs *SQLiteRuleStorage) CreateRule(rule *core.ThreatRule) error {
	configJSON, tagsJSON, err := encodeRuleFields(rule)
	if err != nil {
		return err
	}

	_, err = srs.sqlite.WriteDB.Exec(`
		INSERT INTO threat_rules (id, name, description, condition_type, severity, status,
			config, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, rule.Description, string(rule.ConditionType),
		string(rule.Severity), string(rule.Status), configJSON, tagsJSON,
		rule.CreatedAt.UTC().Format(time.RFC3339Nano),
		rule.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateRule
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	srs.logger.Infow("Rule created", "rule_id", rule.ID, "condition_type", rule.ConditionType)
	return nil
}

// UpdateRule updates an existing rule.
func (srs *SQLiteRuleStorage) UpdateRule(rule *core.ThreatRule) error {
	configJSON, tagsJSON, err := encodeRuleFields(rule)
	if err != nil {
		return err
	}

	result, err := srs.sqlite.WriteDB.Exec(`
		UPDATE threat_rules
		SET name = ?, description = ?, condition_type = ?, severity = ?, status = ?,
			config = ?, tags = ?, updated_at = ?
		WHERE id = ?`,
		rule.Name, rule.Description, string(rule.ConditionType),
		string(rule.Severity), string(rule.Status), configJSON, tagsJSON,
		rule.UpdatedAt.UTC().Format(time.RFC3339Nano), rule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// DeleteRule removes a rule by ID.
func (srs *SQLiteRuleStorage) DeleteRule(id string) error {
	result, err := srs.sqlite.WriteDB.Exec("DELETE FROM threat_rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return ErrRuleNotFound
	}

	srs.logger.Infow("Rule deleted", "rule_id", id)
	return nil
}

// GetRuleCount returns the total rule count.
func (srs *SQLiteRuleStorage) GetRuleCount() (int64, error) {
	var count int64
	err := srs.sqlite.ReadDB.QueryRow("SELECT COUNT(*) FROM threat_rules").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rules: %w", err)
	}
	return count, nil
}

// RecordMatch bumps the persistent match counter for a rule.
func (srs *SQLiteRuleStorage) RecordMatch(id string, at time.Time) error {
	_, err := srs.sqlite.WriteDB.Exec(`
		UPDATE threat_rules
		SET match_count = match_count + 1, last_matched_at = ?
		WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record rule match: %w", err)
	}
	return nil
}

// GetRuleStatistics aggregates stored rules by status, type, and severity.
func (srs *SQLiteRuleStorage) GetRuleStatistics() (*core.RuleStatistics, error) {
	stats := &core.RuleStatistics{
		RulesByType:     make(map[core.ConditionType]int64),
		RulesBySeverity: make(map[core.Severity]int64),
	}

	err := srs.sqlite.ReadDB.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'ACTIVE' THEN 1 ELSE 0 END), 0)
		FROM threat_rules`).Scan(&stats.TotalRules, &stats.ActiveRules)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate rule counts: %w", err)
	}
	stats.InactiveRules = stats.TotalRules - stats.ActiveRules

	rows, err := srs.sqlite.ReadDB.Query(`
		SELECT condition_type, COUNT(*) FROM threat_rules GROUP BY condition_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate rules by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ct string
		var n int64
		if err := rows.Scan(&ct, &n); err != nil {
			return nil, fmt.Errorf("failed to scan type aggregate: %w", err)
		}
		stats.RulesByType[core.ConditionType(ct)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate type aggregates: %w", err)
	}

	sevRows, err := srs.sqlite.ReadDB.Query(`
		SELECT severity, COUNT(*) FROM threat_rules GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate rules by severity: %w", err)
	}
	defer sevRows.Close()
	for sevRows.Next() {
		var sev string
		var n int64
		if err := sevRows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("failed to scan severity aggregate: %w", err)
		}
		stats.RulesBySeverity[core.Severity(sev)] = n
	}
	if err := sevRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate severity aggregates: %w", err)
	}

	// Recent matches: total match count across rules that fired in the
	// last 24 hours.
	cutoff := time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339Nano)
	err = srs.sqlite.ReadDB.QueryRow(`
		SELECT COALESCE(SUM(match_count), 0)
		FROM threat_rules
		WHERE last_matched_at IS NOT NULL AND last_matched_at >= ?`, cutoff).Scan(&stats.RecentMatches)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate recent matches: %w", err)
	}

	return stats, nil
}

func encodeRuleFields(rule *core.ThreatRule) (string, string, error) {
	configJSON, err := json.Marshal(rule.Config)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal rule config: %w", err)
	}
	tagsJSON, err := json.Marshal(rule.Tags)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal rule tags: %w", err)
	}
	return string(configJSON), string(tagsJSON), nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*core.ThreatRule, error) {
	var rule core.ThreatRule
	var conditionType, severity, status string
	var description, configJSON, tagsJSON sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&rule.ID, &rule.Name, &description, &conditionType, &severity, &status,
		&configJSON, &tagsJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.ConditionType = core.ConditionType(conditionType)
	rule.Severity = core.Severity(severity)
	rule.Status = core.RuleStatus(status)

	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &rule.Config); err != nil {
			return nil, fmt.Errorf("failed to parse rule config: %w", err)
		}
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &rule.Tags); err != nil {
			return nil, fmt.Errorf("failed to parse rule tags: %w", err)
		}
	}

	if rule.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse rule created_at: %w", err)
	}
	if rule.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse rule updated_at: %w", err)
	}

	return &rule, nil
}

func scanRules(rows *sql.Rows) ([]core.ThreatRule, error) {
	var rules []core.ThreatRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}
	return rules, nil
}
