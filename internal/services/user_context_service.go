package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"chatrelay/internal/cache"
	"chatrelay/internal/database"
	"chatrelay/internal/models"

	"golang.org/x/sync/errgroup"
)

// ErrProfileUnavailable means the profile lookup failed, so no bundle was built
var ErrProfileUnavailable = errors.New("user profile unavailable")

// UserContextService aggregates a user's profile and recent table rows into
// one cached bundle
type UserContextService struct {
	store      database.Datastore
	caches     *cache.Manager
	tables     []string
	sliceLimit int
	timeout    time.Duration
}

// NewUserContextService creates an aggregator over the given tables.
// sliceLimit bounds the rows fetched per table, most recent first.
func NewUserContextService(store database.Datastore, caches *cache.Manager, tables []string, sliceLimit int, timeout time.Duration) *UserContextService {
	if sliceLimit <= 0 {
		sliceLimit = 10
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &UserContextService{
		store:      store,
		caches:     caches,
		tables:     tables,
		sliceLimit: sliceLimit,
		timeout:    timeout,
	}
}

// Tables returns the per-user tables aggregated into each bundle
func (s *UserContextService) Tables() []string {
	return s.tables
}

func userContextKey(userID string) string {
	return cache.Key(cache.KindUserContext, userID)
}

// GetUserData returns the cached or freshly aggregated bundle. When the
// profile lookup fails it returns a nil bundle and ErrProfileUnavailable;
// nothing is cached in that case.
func (s *UserContextService) GetUserData(ctx context.Context, userID string) (*models.UserContextBundle, error) {
	return cache.GetOrFetch(ctx, s.caches.UserContext(), userContextKey(userID), 0, func(ctx context.Context) (*models.UserContextBundle, error) {
		return s.aggregate(ctx, userID)
	})
}

func (s *UserContextService) aggregate(ctx context.Context, userID string) (*models.UserContextBundle, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var profile models.Record
	slices := make([][]models.Record, len(s.tables))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rec, err := s.store.Get(gctx, database.TableProfiles, userID)
		if err != nil {
			if database.IsNotFound(err) {
				profile = models.Record{}
				return nil
			}
			return fmt.Errorf("%w: %v", ErrProfileUnavailable, err)
		}
		profile = rec
		return nil
	})

	for i, table := range s.tables {
		g.Go(func() error {
			rows, err := s.store.List(gctx, table, userID, s.sliceLimit)
			if err != nil {
				// a failing table contributes an empty slice
				log.Printf("⚠️  [CONTEXT] Table %s unavailable for %s: %v", table, userID, err)
				slices[i] = []models.Record{}
				return nil
			}
			if rows == nil {
				rows = []models.Record{}
			}
			slices[i] = rows
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Printf("❌ [CONTEXT] Profile lookup failed for %s: %v", userID, err)
		return nil, err
	}

	bundle := &models.UserContextBundle{
		UserID:      userID,
		Profile:     profile,
		TableSlices: make(map[string][]models.Record, len(s.tables)),
		FetchedAt:   time.Now().UTC(),
	}
	for i, table := range s.tables {
		bundle.TableSlices[table] = slices[i]
	}

	log.Printf("📦 [CONTEXT] Aggregated %d tables for %s in %v", len(s.tables), userID, time.Since(start))
	return bundle, nil
}

// Invalidate drops the cached bundle and formatted context for userID
func (s *UserContextService) Invalidate(ctx context.Context, userID string) {
	s.caches.UserContext().Invalidate(ctx, userContextKey(userID))
	s.caches.FormattedContext().InvalidatePrefix(ctx, cache.Prefix(cache.KindFormattedContext, userID))
}

// InvalidateAll drops every cached bundle
func (s *UserContextService) InvalidateAll(ctx context.Context) {
	s.caches.UserContext().InvalidatePrefix(ctx, cache.KindUserContext+":")
	s.caches.FormattedContext().InvalidatePrefix(ctx, cache.KindFormattedContext+":")
}
