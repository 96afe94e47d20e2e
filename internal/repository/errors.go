package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ErrDuplicateSequence reports that (collection_id, sequence) is already taken.
var ErrDuplicateSequence = errors.New("duplicate message sequence")

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// Drivers without a gorm error translator.
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "UNIQUE constraint failed")
}
