package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimera-cache/chimera/pkg/entity"
	"github.com/chimera-cache/chimera/pkg/store"
)

type widget struct {
	ID   entity.Id
	Name string
}

func widgetConfig() entity.Config[widget] {
	return entity.Config[widget]{
		IDGetter: func(w widget) entity.Id { return w.ID },
		Clone:    func(w widget) widget { return w },
	}
}

func TestRegisterFromLazyConstruction(t *testing.T) {
	s := store.New()
	store.Register(s, "widget", widgetConfig(), store.EntityOverlay{})

	repo, err := store.From[widget](s, "widget")
	require.NoError(t, err)
	require.NotNil(t, repo)

	// a second From call must return the exact same repository instance.
	again, err := store.From[widget](s, "widget")
	require.NoError(t, err)
	assert.Same(t, repo, again)
}

func TestFromUnregisteredNameFails(t *testing.T) {
	s := store.New()
	_, err := store.From[widget](s, "missing")
	require.Error(t, err)
}

type other struct{ ID entity.Id }

func TestFromTypeMismatchFails(t *testing.T) {
	s := store.New()
	store.Register(s, "widget", widgetConfig(), store.EntityOverlay{})
	_, err := store.From[widget](s, "widget")
	require.NoError(t, err)

	_, err = store.From[other](s, "widget")
	require.Error(t, err)
}

func truePtr() *bool  { b := true; return &b }
func falsePtr() *bool { b := false; return &b }

func TestMergedFlagsCascade(t *testing.T) {
	s := store.New(store.WithTrustQuery(true), store.WithDevMode(false))

	// No overlay: inherits store defaults.
	cfg := widgetConfig()
	cfg.Callbacks.ItemFetcher = func(ctx context.Context, p entity.ItemParams) (entity.ItemResult[widget], error) {
		return entity.ItemResult[widget]{Data: widget{ID: p.ID}}, nil
	}
	store.Register(s, "inherits", cfg, store.EntityOverlay{})
	repo, err := store.From[widget](s, "inherits")
	require.NoError(t, err)
	_ = repo

	// Overlay explicitly overrides trust to false: must win over the store
	// default of true.
	store.Register(s, "overridden", cfg, store.EntityOverlay{TrustQuery: falsePtr(), DevMode: truePtr()})
	_, err = store.From[widget](s, "overridden")
	require.NoError(t, err)

	// Build item queries to observe the resolved trust-query policy:
	// trust-mode accepts a mismatched id from the callback without error,
	// no-trust-mode rejects it.
	mismatching := func(ctx context.Context, p entity.ItemParams) (entity.ItemResult[widget], error) {
		return entity.ItemResult[widget]{Data: widget{ID: entity.StringId("other")}}, nil
	}

	cfgInherit := widgetConfig()
	cfgInherit.Callbacks.ItemFetcher = mismatching
	s2 := store.New(store.WithTrustQuery(true))
	store.Register(s2, "w", cfgInherit, store.EntityOverlay{})
	repoInherit, err := store.From[widget](s2, "w")
	require.NoError(t, err)
	q, err := repoInherit.GetItem(context.Background(), entity.StringId("requested"), nil)
	require.NoError(t, err)
	errCh := make(chan error, 1)
	readyCh := make(chan widget, 1)
	q.Events().On("error", func(p any) {
		select {
		case errCh <- p.(error):
		default:
		}
	})
	q.Events().On("ready", func(p any) {
		select {
		case readyCh <- p.(widget):
		default:
		}
	})
	if w, ok := q.Data(); ok {
		select {
		case readyCh <- w:
		default:
		}
	}
	if err := q.LastError(); err != nil {
		select {
		case errCh <- err:
		default:
		}
	}
	select {
	case <-readyCh:
		// trust mode accepted the mismatched id: correct.
	case err := <-errCh:
		t.Fatalf("trust mode should have accepted the mismatched id, got error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("item query never resolved")
	}

	cfgOverride := widgetConfig()
	cfgOverride.Callbacks.ItemFetcher = mismatching
	s3 := store.New(store.WithTrustQuery(true))
	store.Register(s3, "w", cfgOverride, store.EntityOverlay{TrustQuery: falsePtr()})
	repoOverride, err := store.From[widget](s3, "w")
	require.NoError(t, err)
	q2, err := repoOverride.GetItem(context.Background(), entity.StringId("requested"), nil)
	require.NoError(t, err)
	errCh2 := make(chan error, 1)
	q2.Events().On("error", func(p any) {
		select {
		case errCh2 <- p.(error):
		default:
		}
	})
	if err := q2.LastError(); err != nil {
		select {
		case errCh2 <- err:
		default:
		}
	}
	select {
	case <-errCh2:
		// overlay override to no-trust: mismatched id must be rejected.
	case <-time.After(time.Second):
		t.Fatal("overlay-overridden no-trust mode should have rejected the mismatched id")
	}
}

func TestStoreUpdateOneEmitsAggregateEvent(t *testing.T) {
	s := store.New()
	store.Register(s, "widget", widgetConfig(), store.EntityOverlay{})

	evCh := make(chan store.Event, 1)
	s.Events().On("updated", func(p any) { evCh <- p.(store.Event) })

	require.NoError(t, store.UpdateOne(s, "widget", widget{ID: entity.StringId("1"), Name: "a"}))

	select {
	case ev := <-evCh:
		assert.Equal(t, "widget", ev.Entity)
	case <-time.After(time.Second):
		t.Fatal("store-level updated event never fired")
	}
}

func TestProviderBacksUnsetCallbacks(t *testing.T) {
	var fetchedFor string
	s := store.New(store.WithProvider(store.Provider{
		ItemFetcher: func(ctx context.Context, entityName string, p entity.ItemParams) (any, error) {
			fetchedFor = entityName
			return widget{ID: p.ID, Name: "via-provider"}, nil
		},
	}))
	store.Register(s, "widget", widgetConfig(), store.EntityOverlay{})
	repo, err := store.From[widget](s, "widget")
	require.NoError(t, err)

	q, err := repo.GetItem(context.Background(), entity.StringId("1"), nil)
	require.NoError(t, err)

	readyCh := make(chan widget, 1)
	q.Events().On("ready", func(p any) {
		select {
		case readyCh <- p.(widget):
		default:
		}
	})
	if w, ok := q.Data(); ok {
		select {
		case readyCh <- w:
		default:
		}
	}
	select {
	case w := <-readyCh:
		assert.Equal(t, "via-provider", w.Name)
		assert.Equal(t, "widget", fetchedFor)
	case <-time.After(time.Second):
		t.Fatal("provider-backed fetch never resolved")
	}
}

func TestRegisterDefaultsIDGetterToIDField(t *testing.T) {
	type plain struct {
		ID   string
		Name string
	}
	s := store.New()
	store.Register(s, "plain", entity.Config[plain]{}, store.EntityOverlay{})
	repo, err := store.From[plain](s, "plain")
	require.NoError(t, err)

	require.NoError(t, store.UpdateOne(s, "plain", plain{ID: "7", Name: "x"}))
	q, err := repo.GetItem(context.Background(), entity.StringId("7"), nil)
	require.NoError(t, err)
	w, ok := q.Data()
	require.True(t, ok)
	assert.Equal(t, "x", w.Name)
}

func TestStoreStatsReportsZeroForUnmaterializedEntity(t *testing.T) {
	s := store.New()
	store.Register(s, "widget", widgetConfig(), store.EntityOverlay{})

	stats := s.Stats()
	require.Contains(t, stats, "widget")
	assert.Equal(t, 0, stats["widget"].Entities)
}

func TestShutdownStopsMaterializedRepositories(t *testing.T) {
	s := store.New()
	store.Register(s, "widget", widgetConfig(), store.EntityOverlay{})
	_, err := store.From[widget](s, "widget")
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(context.Background()))
}
