package store

import (
	"github.com/kimhsiao/tenantsync/internal/db"
	"github.com/kimhsiao/tenantsync/internal/kv"
)

// OpenBackend opens the durable backend named by kind ("sqlite" or
// "badger") at path.
func OpenBackend(kind, path string) (Backend, error) {
	switch kind {
	case "badger":
		return kv.Open(path)
	default:
		return db.OpenRepository(path)
	}
}
