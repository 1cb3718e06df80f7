// Package storage persists overflow assignments so moved events still return
// to their main channel after a restart, plus a compact audit trail of
// operator-triggered runs.
package storage
