// Package repository holds the durable stores behind the group registry and
// the reservation ledger.  Two backends exist: MySQL through sqlx for
// deployments, and JSON files in a data directory for single-node setups
// and local development.  Both satisfy the service store interfaces.
package repository

import "github.com/pkg/errors"

// ErrGroupNotStored is returned when a count update targets a group that
// has no stored row.  The registry never does this unless memory and disk
// have drifted apart, so callers should treat it as a persistence failure.
var ErrGroupNotStored = errors.New("group not stored")

// ErrCorruptFile is returned when a data file exists but cannot be decoded.
// The file is left untouched so an operator can inspect it.
var ErrCorruptFile = errors.New("corrupt data file")
