// Package db tests for the scoped record repository.
package db

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/models"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := OpenRepository(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Init(context.Background()))
	t.Cleanup(func() { repo.Close() })
	return repo
}

func upsert(scope models.Scope, collection, id, data string) models.Mutation {
	return models.Mutation{
		Kind:       models.MutationUpsert,
		Scope:      scope,
		Collection: collection,
		EntityID:   id,
		Data:       json.RawMessage(data),
		At:         time.Now(),
	}
}

func TestRepository_WriteAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	scope := models.Scope{TenantID: "t1", UserID: "u1"}

	require.NoError(t, repo.Write(ctx, []models.Mutation{upsert(scope, "tasks", "a", `{"title":"one"}`)}))

	rec, err := repo.Get(ctx, scope, "tasks", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"one"}`, string(rec.Data))
	assert.Equal(t, "t1", rec.TenantID)

	require.NoError(t, repo.Write(ctx, []models.Mutation{upsert(scope, "tasks", "a", `{"title":"two"}`)}))
	rec, err = repo.Get(ctx, scope, "tasks", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"two"}`, string(rec.Data), "last writer wins")

	del := models.Mutation{Kind: models.MutationDelete, Scope: scope, Collection: "tasks", EntityID: "a"}
	require.NoError(t, repo.Write(ctx, []models.Mutation{del}))
	_, err = repo.Get(ctx, scope, "tasks", "a")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestRepository_ScopeIsolation(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	a := models.Scope{TenantID: "tenant-a", UserID: "u1"}
	b := models.Scope{TenantID: "tenant-b", UserID: "u1"}
	nullUser := models.Scope{TenantID: "tenant-a"}

	require.NoError(t, repo.Write(ctx, []models.Mutation{
		upsert(a, "tasks", "shared-id", `{"owner":"a"}`),
		upsert(b, "tasks", "shared-id", `{"owner":"b"}`),
		upsert(nullUser, "tasks", "shared-id", `{"owner":"tenant"}`),
	}))

	for _, tc := range []struct {
		scope models.Scope
		owner string
	}{{a, "a"}, {b, "b"}, {nullUser, "tenant"}} {
		recs, err := repo.List(ctx, tc.scope, "tasks")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.JSONEq(t, fmt.Sprintf(`{"owner":%q}`, tc.owner), string(recs[0].Data))
		assert.Equal(t, tc.scope, recs[0].Scope())
	}
}

func TestRepository_ConcurrentTenants(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			scope := models.Scope{TenantID: tenant}
			for j := 0; j < 20; j++ {
				id := fmt.Sprintf("r%d", j)
				assert.NoError(t, repo.Write(ctx, []models.Mutation{upsert(scope, "tasks", id, `{}`)}))
				recs, err := repo.List(ctx, scope, "tasks")
				assert.NoError(t, err)
				for _, rec := range recs {
					assert.Equal(t, tenant, rec.TenantID)
				}
			}
		}(fmt.Sprintf("tenant-%d", i))
	}
	wg.Wait()
}

func TestRepository_WriteRejectsInvalidMutation(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	scope := models.Scope{TenantID: "t1"}

	err := repo.Write(ctx, []models.Mutation{
		upsert(scope, "tasks", "ok", `{}`),
		upsert(models.Scope{}, "tasks", "bad", `{}`),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	recs, err := repo.List(ctx, scope, "tasks")
	require.NoError(t, err)
	assert.Empty(t, recs, "batch is atomic")
}
