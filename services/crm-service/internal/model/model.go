// Package model holds the records shared by the appointment workflow, the package ledger,
// pricing and the communications dispatcher.
package model

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record changed concurrently")
)

func NewID() string {
	return uuid.NewString()
}
