package storage

import "errors"

// Storage error constants
var (
	// ErrRuleNotFound is returned when a rule is not found
	ErrRuleNotFound = errors.New("rule not found")

	// ErrAlertNotFound is returned when an alert is not found
	ErrAlertNotFound = errors.New("alert not found")

	// ErrNotificationNotFound is returned when a notification is not found
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrCommentNotFound is returned when an alert comment is not found
	ErrCommentNotFound = errors.New("comment not found")

	// ErrDuplicateRule is returned when attempting to create a rule that already exists
	ErrDuplicateRule = errors.New("rule already exists")

	// ErrDuplicateAlert is returned when an open alert with the same
	// fingerprint already exists. Callers hitting this lost a create race
	// and should re-read and merge instead.
	ErrDuplicateAlert = errors.New("open alert with this fingerprint already exists")

	// ErrDatabaseClosed is returned when attempting to use a closed database connection
	ErrDatabaseClosed = errors.New("database is closed")
)
