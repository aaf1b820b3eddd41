package store

import "github.com/google/uuid"

// newID mints an opaque unique identifier for a run, step or story row
// (spec §3: "id (opaque unique)").
func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
