// Package kv provides the BadgerDB backend of the local persistent store.
//
// Records are stored under rec/<tenant>/<user>/<collection>/<id> with
// msgpack-encoded values. The scope is the leading key prefix, so a prefix
// scan for one scope cannot return another scope's rows.
package kv

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/models"
)

const recordPrefix = "rec/"

// Store keeps scoped LocalRecords in BadgerDB.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a Badger database at path. An empty path opens an
// in-memory database.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(errors.ErrLocalStore, "open badger", err)
	}
	return &Store{db: db}, nil
}

// Init is a no-op; Badger needs no schema.
func (s *Store) Init(ctx context.Context) error {
	return ctx.Err()
}

func collectionPrefix(scope models.Scope, collection string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%s/", recordPrefix, scope.TenantID, scope.UserID, collection))
}

func recordKey(scope models.Scope, collection, id string) []byte {
	return append(collectionPrefix(scope, collection), id...)
}

// List returns every record of a collection within scope, ordered by key.
func (s *Store) List(ctx context.Context, scope models.Scope, collection string) ([]models.LocalRecord, error) {
	prefix := collectionPrefix(scope, collection)

	var records []models.LocalRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec models.LocalRecord
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrLocalStore, "list", err)
	}
	return records, nil
}

// Get returns one record within scope, or an ErrNotFound AppError.
func (s *Store) Get(ctx context.Context, scope models.Scope, collection, id string) (*models.LocalRecord, error) {
	var rec models.LocalRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(scope, collection, id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &rec)
		})
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("%s/%s not found", collection, id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrLocalStore, "get", err)
	}
	return &rec, nil
}

// Write applies mutations atomically in one transaction.
func (s *Store) Write(ctx context.Context, mutations []models.Mutation) error {
	if len(mutations) == 0 {
		return nil
	}
	for i := range mutations {
		if err := mutations[i].Validate(); err != nil {
			return errors.Wrap(errors.ErrInvalid, "write", err)
		}
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for i := range mutations {
			if err := ctx.Err(); err != nil {
				return err
			}
			m := &mutations[i]
			key := recordKey(m.Scope, m.Collection, m.EntityID)
			if m.Kind == models.MutationDelete {
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			val, err := msgpack.Marshal(m.Record())
			if err != nil {
				return err
			}
			if err := txn.Set(key, val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.ErrLocalStore, "write", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
