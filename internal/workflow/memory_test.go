package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/workflowcore/internal/wferrors"
)

func TestMemoryRepository_CreateAndGet(t *testing.T) {
	repo := NewMemoryRepository()
	wf := &Workflow{ID: "tpl:1", BaseID: "tpl", Version: 1, Name: "v1"}

	require.NoError(t, repo.Create(context.Background(), wf))

	got, err := repo.GetByID(context.Background(), "tpl:1")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Name)

	latest, err := repo.GetByBaseID(context.Background(), "tpl")
	require.NoError(t, err)
	assert.Equal(t, "tpl:1", latest.ID)
}

func TestMemoryRepository_CreateDuplicateRejected(t *testing.T) {
	repo := NewMemoryRepository()
	wf := &Workflow{ID: "tpl:1", BaseID: "tpl", Version: 1}
	require.NoError(t, repo.Create(context.Background(), wf))

	err := repo.Create(context.Background(), &Workflow{ID: "tpl:1", BaseID: "tpl", Version: 1})
	require.Error(t, err)
	assert.Equal(t, wferrors.IllegalState, wferrors.KindOf(err))
}

func TestMemoryRepository_LatestVersionPromotion(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, repo.Create(context.Background(), &Workflow{ID: "tpl:1", BaseID: "tpl", Version: 1, Name: "first"}))
	require.NoError(t, repo.Create(context.Background(), &Workflow{ID: "tpl:2", BaseID: "tpl", Version: 2, Name: "second"}))

	latest, err := repo.GetByBaseID(context.Background(), "tpl")
	require.NoError(t, err)
	assert.Equal(t, "tpl:2", latest.ID)
	assert.Equal(t, "second", latest.Name)

	// An out-of-order, lower-version Create must not demote the latest
	// pointer.
	require.NoError(t, repo.Create(context.Background(), &Workflow{ID: "tpl:0", BaseID: "tpl", Version: 0, Name: "stale"}))
	latest, err = repo.GetByBaseID(context.Background(), "tpl")
	require.NoError(t, err)
	assert.Equal(t, "tpl:2", latest.ID)
}

func TestMemoryRepository_GetByBaseIDUnknownReturnsNil(t *testing.T) {
	repo := NewMemoryRepository()
	wf, err := repo.GetByBaseID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, wf)
}

func TestMemoryRepository_GetByIDUnknownReturnsNotFound(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.GetByID(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, wferrors.NotFound, wferrors.KindOf(err))
}

func TestMemoryRepository_Update(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, repo.Create(context.Background(), &Workflow{ID: "tpl:1", BaseID: "tpl", Version: 1, Name: "first"}))

	require.NoError(t, repo.Update(context.Background(), &Workflow{ID: "tpl:1", BaseID: "tpl", Version: 1, Name: "renamed"}))
	got, err := repo.GetByID(context.Background(), "tpl:1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	err = repo.Update(context.Background(), &Workflow{ID: "missing", BaseID: "tpl"})
	require.Error(t, err)
	assert.Equal(t, wferrors.NotFound, wferrors.KindOf(err))
}

func TestMemoryRepository_ListOrderedWithLimitOffset(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, repo.Create(context.Background(), &Workflow{ID: "a:1", BaseID: "a", Version: 1}))
	require.NoError(t, repo.Create(context.Background(), &Workflow{ID: "b:1", BaseID: "b", Version: 1}))
	require.NoError(t, repo.Create(context.Background(), &Workflow{ID: "c:1", BaseID: "c", Version: 1}))

	all, err := repo.List(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a:1", all[0].ID)
	assert.Equal(t, "c:1", all[2].ID)

	page, err := repo.List(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b:1", page[0].ID)

	empty, err := repo.List(context.Background(), 10, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
