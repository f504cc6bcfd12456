package repository

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrDuplicate is returned when an insert hits a unique key that
	// identifies an already-existing row (e.g. an order for the same draft).
	ErrDuplicate = errors.New("duplicate record")
	// ErrAlreadyAssigned is returned when another driver holds the order.
	ErrAlreadyAssigned = errors.New("order already assigned to a driver")
	// ErrDriverBusy is returned when the driver already holds an assignment.
	ErrDriverBusy = errors.New("driver already has an active assignment")
)

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// uniqueColumn returns the "table.column" named in a unique violation message.
func uniqueColumn(err error) string {
	const marker = "UNIQUE constraint failed: "
	msg := err.Error()
	i := strings.Index(msg, marker)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(msg[i+len(marker):])
}
