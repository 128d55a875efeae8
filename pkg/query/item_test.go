package query_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimera-cache/chimera/pkg/cherr"
	"github.com/chimera-cache/chimera/pkg/entity"
	"github.com/chimera-cache/chimera/pkg/query"
)

type widget struct {
	ID   entity.Id
	Name string
}

func widgetCfg() *entity.Config[widget] {
	return &entity.Config[widget]{
		Name:     "widget",
		IDGetter: func(w widget) entity.Id { return w.ID },
		Clone:    func(w widget) widget { return w },
	}
}

func waitReady(t *testing.T, q *query.ItemQuery[widget]) widget {
	t.Helper()
	ch := make(chan widget, 1)
	q.Events().On("ready", func(payload any) {
		select {
		case ch <- payload.(widget):
		default:
		}
	})
	// The query may have become ready before the handler registered.
	if w, ok := q.Data(); ok {
		return w
	}
	select {
	case w := <-ch:
		return w
	case <-time.After(time.Second):
		t.Fatal("never became ready")
		return widget{}
	}
}

func waitError(t *testing.T, q *query.ItemQuery[widget]) error {
	t.Helper()
	ch := make(chan error, 1)
	q.Events().On("error", func(payload any) {
		select {
		case ch <- payload.(error):
		default:
		}
	})
	if err := q.LastError(); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatal("never errored")
		return nil
	}
}

func TestNewPrefetchedPublishesReady(t *testing.T) {
	cfg := widgetCfg()
	id := entity.StringId("1")
	q, err := query.NewPrefetched(cfg, query.Hooks[widget]{}, id, nil, widget{ID: id, Name: "a"})
	require.NoError(t, err)
	assert.Equal(t, query.ItemPrefetched, q.State())
	w, ok := q.Data()
	require.True(t, ok)
	assert.Equal(t, "a", w.Name)
}

// prefetched seed whose id doesn't match the requested id should fail in
// dev mode.
func TestNewPrefetchedDevModeIDMismatch(t *testing.T) {
	cfg := widgetCfg()
	cfg.DevMode = true
	_, err := query.NewPrefetched(cfg, query.Hooks[widget]{}, entity.StringId("1"), nil, widget{ID: entity.StringId("2")})
	require.Error(t, err)
	assert.True(t, cherr.Is(err, cherr.KindInternal))
}

func TestNewFetchingSucceeds(t *testing.T) {
	cfg := widgetCfg()
	id := entity.StringId("1")
	cfg.Callbacks.ItemFetcher = func(ctx context.Context, p entity.ItemParams) (entity.ItemResult[widget], error) {
		return entity.ItemResult[widget]{Data: widget{ID: p.ID, Name: "fetched"}}, nil
	}
	q := query.NewFetching(context.Background(), cfg, query.Hooks[widget]{}, id, nil)
	w := waitReady(t, q)
	assert.Equal(t, "fetched", w.Name)
	assert.Equal(t, query.ItemFetched, q.State())
}

func TestNewFetchingNoCallbackErrors(t *testing.T) {
	cfg := widgetCfg()
	q := query.NewFetching(context.Background(), cfg, query.Hooks[widget]{}, entity.StringId("1"), nil)
	err := waitError(t, q)
	assert.True(t, cherr.Is(err, cherr.KindNotSpecified))
	assert.Equal(t, query.ItemErrored, q.State())
}

// server responds with a different id than requested; outside trust
// mode this must be rejected.
func TestFetchTrustIDMismatchRejectedOutsideTrust(t *testing.T) {
	cfg := widgetCfg()
	cfg.Callbacks.ItemFetcher = func(ctx context.Context, p entity.ItemParams) (entity.ItemResult[widget], error) {
		return entity.ItemResult[widget]{Data: widget{ID: entity.StringId("other")}}, nil
	}
	q := query.NewFetching(context.Background(), cfg, query.Hooks[widget]{}, entity.StringId("1"), nil)
	err := waitError(t, q)
	assert.True(t, cherr.Is(err, cherr.KindTrustIDMismatch))
	assert.Equal(t, query.ItemErrored, q.State())
	_, ok := q.Data()
	assert.False(t, ok)
}

func TestFetchTrustModeAdoptsMismatchedID(t *testing.T) {
	cfg := widgetCfg()
	cfg.TrustQuery = true
	cfg.Callbacks.ItemFetcher = func(ctx context.Context, p entity.ItemParams) (entity.ItemResult[widget], error) {
		return entity.ItemResult[widget]{Data: widget{ID: entity.StringId("other"), Name: "x"}}, nil
	}
	q := query.NewFetching(context.Background(), cfg, query.Hooks[widget]{}, entity.StringId("1"), nil)
	w := waitReady(t, q)
	assert.Equal(t, "x", w.Name)
	assert.Equal(t, entity.StringId("other"), q.Id())
}

func TestUpdateRejectsIDMismatchOutsideTrust(t *testing.T) {
	cfg := widgetCfg()
	id := entity.StringId("1")
	q, err := query.NewPrefetched(cfg, query.Hooks[widget]{}, id, nil, widget{ID: id})
	require.NoError(t, err)
	err = q.Update(context.Background(), widget{ID: entity.StringId("2")}, false)
	require.Error(t, err)
	assert.True(t, cherr.Is(err, cherr.KindIDMismatch))
}

func TestUpdateNotReadyFails(t *testing.T) {
	cfg := widgetCfg()
	cfg.Callbacks.ItemFetcher = func(ctx context.Context, p entity.ItemParams) (entity.ItemResult[widget], error) {
		<-ctx.Done()
		return entity.ItemResult[widget]{}, ctx.Err()
	}
	q := query.NewFetching(context.Background(), cfg, query.Hooks[widget]{}, entity.StringId("1"), nil)
	err := q.Update(context.Background(), widget{ID: entity.StringId("1")}, false)
	require.Error(t, err)
	assert.True(t, cherr.Is(err, cherr.KindNotReady))
}

func TestUpdateSuccessPublishesSelfUpdatedAndHook(t *testing.T) {
	cfg := widgetCfg()
	id := entity.StringId("1")
	cfg.Callbacks.ItemUpdater = func(ctx context.Context, w widget) (entity.ItemResult[widget], error) {
		return entity.ItemResult[widget]{Data: w}, nil
	}
	var mu sync.Mutex
	var hooked widget
	hookCh := make(chan struct{})
	hooks := query.Hooks[widget]{
		OnSelfUpdated: func(w widget) {
			mu.Lock()
			hooked = w
			mu.Unlock()
			close(hookCh)
		},
	}
	q, err := query.NewPrefetched(cfg, hooks, id, nil, widget{ID: id, Name: "a"})
	require.NoError(t, err)

	selfCh := make(chan widget, 1)
	q.Events().On("selfUpdated", func(payload any) { selfCh <- payload.(widget) })

	require.NoError(t, q.Update(context.Background(), widget{ID: id, Name: "b"}, false))

	select {
	case w := <-selfCh:
		assert.Equal(t, "b", w.Name)
	case <-time.After(time.Second):
		t.Fatal("selfUpdated never fired")
	}
	select {
	case <-hookCh:
	case <-time.After(time.Second):
		t.Fatal("OnSelfUpdated hook never fired")
	}
	mu.Lock()
	assert.Equal(t, "b", hooked.Name)
	mu.Unlock()
}

func TestMutateEditsCloneAndUpdates(t *testing.T) {
	cfg := widgetCfg()
	id := entity.StringId("1")
	cfg.Callbacks.ItemUpdater = func(ctx context.Context, w widget) (entity.ItemResult[widget], error) {
		return entity.ItemResult[widget]{Data: w}, nil
	}
	q, err := query.NewPrefetched(cfg, query.Hooks[widget]{}, id, nil, widget{ID: id, Name: "a"})
	require.NoError(t, err)

	require.NoError(t, q.Mutate(context.Background(), func(draft *widget) { draft.Name = "b" }, false))
	select {
	case <-q.Progress():
	case <-time.After(time.Second):
		t.Fatal("mutate never completed")
	}
	w, ok := q.Data()
	require.True(t, ok)
	assert.Equal(t, "b", w.Name)
}

func TestMutateNoopKeepsCurrentItem(t *testing.T) {
	cfg := widgetCfg()
	id := entity.StringId("1")
	cfg.Callbacks.ItemUpdater = func(ctx context.Context, w widget) (entity.ItemResult[widget], error) {
		return entity.ItemResult[widget]{Data: w}, nil
	}
	q, err := query.NewPrefetched(cfg, query.Hooks[widget]{}, id, nil, widget{ID: id, Name: "a"})
	require.NoError(t, err)

	require.NoError(t, q.Mutate(context.Background(), func(*widget) {}, false))
	select {
	case <-q.Progress():
	case <-time.After(time.Second):
		t.Fatal("mutate never completed")
	}
	w, ok := q.Data()
	require.True(t, ok)
	assert.Equal(t, "a", w.Name)
	assert.Equal(t, query.ItemFetched, q.State())
}

func TestCommitSendsDraft(t *testing.T) {
	cfg := widgetCfg()
	id := entity.StringId("1")
	var sent widget
	cfg.Callbacks.ItemUpdater = func(ctx context.Context, w widget) (entity.ItemResult[widget], error) {
		sent = w
		return entity.ItemResult[widget]{Data: w}, nil
	}
	q, err := query.NewPrefetched(cfg, query.Hooks[widget]{}, id, nil, widget{ID: id, Name: "a"})
	require.NoError(t, err)

	draft, err := q.Draft()
	require.NoError(t, err)
	draft.Name = "edited"

	require.NoError(t, q.Commit(context.Background(), false))
	select {
	case <-q.Progress():
	case <-time.After(time.Second):
		t.Fatal("commit never completed")
	}
	assert.Equal(t, "edited", sent.Name)
	w, ok := q.Data()
	require.True(t, ok)
	assert.Equal(t, "edited", w.Name)
}

func TestCreatingAdoptsServerIDAndFiresSelfCreated(t *testing.T) {
	cfg := widgetCfg()
	release := make(chan struct{})
	cfg.Callbacks.ItemCreator = func(ctx context.Context, w widget) (entity.ItemResult[widget], error) {
		<-release
		return entity.ItemResult[widget]{Data: widget{ID: entity.StringId("issued"), Name: w.Name}}, nil
	}
	q := query.NewCreating(context.Background(), cfg, nil, nil, widget{Name: "new"})

	createdCh := make(chan widget, 1)
	q.Events().On("selfCreated", func(payload any) {
		select {
		case createdCh <- payload.(widget):
		default:
		}
	})
	close(release)

	w := waitReady(t, q)
	assert.Equal(t, entity.StringId("issued"), w.ID)
	assert.Equal(t, entity.StringId("issued"), q.Id())
	assert.Equal(t, query.ItemFetched, q.State())

	select {
	case created := <-createdCh:
		assert.Equal(t, "new", created.Name)
	case <-time.After(time.Second):
		t.Fatal("selfCreated never fired")
	}
}

func TestCreatingRejectsUpdateUntilCreated(t *testing.T) {
	cfg := widgetCfg()
	started := make(chan struct{})
	release := make(chan struct{})
	cfg.Callbacks.ItemCreator = func(ctx context.Context, w widget) (entity.ItemResult[widget], error) {
		close(started)
		<-release
		return entity.ItemResult[widget]{Data: widget{ID: entity.StringId("issued")}}, nil
	}
	q := query.NewCreating(context.Background(), cfg, nil, nil, widget{Name: "new"})
	<-started

	err := q.Update(context.Background(), widget{ID: entity.StringId("issued")}, false)
	assert.True(t, cherr.Is(err, cherr.KindNotCreated))
	err = q.Refetch(context.Background(), false)
	assert.True(t, cherr.Is(err, cherr.KindNotCreated))
	close(release)
}

func TestDeleteUnsuccessfulReportsError(t *testing.T) {
	cfg := widgetCfg()
	id := entity.StringId("1")
	cfg.Callbacks.ItemDeleter = func(ctx context.Context, i entity.Id) (entity.DeleteResult, error) {
		return entity.DeleteResult{Result: entity.DeleteOutcome{ID: i, Success: false}}, nil
	}
	q, err := query.NewPrefetched(cfg, query.Hooks[widget]{}, id, nil, widget{ID: id})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	q.Events().On("error", func(payload any) { errCh <- payload.(error) })
	require.NoError(t, q.Delete(context.Background(), false))

	select {
	case err := <-errCh:
		assert.True(t, cherr.Is(err, cherr.KindUnsuccessfulDeletion))
	case <-time.After(time.Second):
		t.Fatal("never errored")
	}
}

func TestDeleteSuccessTransitionsToDeleted(t *testing.T) {
	cfg := widgetCfg()
	id := entity.StringId("1")
	cfg.Callbacks.ItemDeleter = func(ctx context.Context, i entity.Id) (entity.DeleteResult, error) {
		return entity.DeleteResult{Result: entity.DeleteOutcome{ID: i, Success: true}}, nil
	}
	q, err := query.NewPrefetched(cfg, query.Hooks[widget]{}, id, nil, widget{ID: id})
	require.NoError(t, err)

	deletedCh := make(chan struct{})
	q.Events().On("deleted", func(any) { close(deletedCh) })
	require.NoError(t, q.Delete(context.Background(), false))

	select {
	case <-deletedCh:
	case <-time.After(time.Second):
		t.Fatal("never deleted")
	}
	assert.Equal(t, query.ItemDeleted, q.State())

	// further mutation on a deleted item must fail
	err = q.Update(context.Background(), widget{ID: id}, false)
	assert.True(t, cherr.Is(err, cherr.KindDeletedItem))
}

// a forced refetch cancelling the in-flight initial fetch, and Progress()
// closing when the replacement task completes.
func TestRefetchForceCancelsInFlightAndProgressCloses(t *testing.T) {
	cfg := widgetCfg()
	id := entity.StringId("1")
	firstStarted := make(chan struct{})
	release := make(chan struct{})
	var callCount int
	var mu sync.Mutex
	cfg.Callbacks.ItemFetcher = func(ctx context.Context, p entity.ItemParams) (entity.ItemResult[widget], error) {
		mu.Lock()
		callCount++
		n := callCount
		mu.Unlock()
		if n == 1 {
			close(firstStarted)
			select {
			case <-ctx.Done():
				return entity.ItemResult[widget]{}, ctx.Err()
			case <-release:
				return entity.ItemResult[widget]{Data: widget{ID: p.ID, Name: "stale"}}, nil
			}
		}
		return entity.ItemResult[widget]{Data: widget{ID: p.ID, Name: "fresh"}}, nil
	}
	q := query.NewFetching(context.Background(), cfg, query.Hooks[widget]{}, id, nil)
	<-firstStarted

	require.NoError(t, q.Refetch(context.Background(), true))
	close(release)

	select {
	case <-q.Progress():
	case <-time.After(time.Second):
		t.Fatal("progress never closed")
	}
	w, ok := q.Data()
	require.True(t, ok)
	assert.Equal(t, "fresh", w.Name)
}

func TestSetOneAndDeleteOneExternalPropagation(t *testing.T) {
	cfg := widgetCfg()
	id := entity.StringId("1")
	q, err := query.NewPrefetched(cfg, query.Hooks[widget]{}, id, nil, widget{ID: id, Name: "a"})
	require.NoError(t, err)

	updatedCh := make(chan widget, 1)
	q.Events().On("updated", func(payload any) { updatedCh <- payload.(widget) })
	q.SetOne(widget{ID: id, Name: "b"})
	select {
	case w := <-updatedCh:
		assert.Equal(t, "b", w.Name)
	case <-time.After(time.Second):
		t.Fatal("updated never fired")
	}
	assert.Equal(t, query.ItemActualized, q.State())

	deletedCh := make(chan struct{})
	q.Events().On("deleted", func(any) { close(deletedCh) })
	q.DeleteOne(id)
	select {
	case <-deletedCh:
	case <-time.After(time.Second):
		t.Fatal("deleted never fired")
	}
	assert.Equal(t, query.ItemDeleted, q.State())
}

func TestDeleteOneIgnoresNonMatchingID(t *testing.T) {
	cfg := widgetCfg()
	id := entity.StringId("1")
	q, err := query.NewPrefetched(cfg, query.Hooks[widget]{}, id, nil, widget{ID: id})
	require.NoError(t, err)
	q.DeleteOne(entity.StringId("other"))
	assert.Equal(t, query.ItemPrefetched, q.State())
}

func TestFetchCallbackErrorWraps(t *testing.T) {
	cfg := widgetCfg()
	boom := errors.New("boom")
	cfg.Callbacks.ItemFetcher = func(ctx context.Context, p entity.ItemParams) (entity.ItemResult[widget], error) {
		return entity.ItemResult[widget]{}, boom
	}
	q := query.NewFetching(context.Background(), cfg, query.Hooks[widget]{}, entity.StringId("1"), nil)
	err := waitError(t, q)
	assert.True(t, cherr.Is(err, cherr.KindFetchingError))
	assert.ErrorIs(t, err, boom)
}
