package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/linkcutter/linkcut/internal/database"
	"github.com/linkcutter/linkcut/internal/models"
	"github.com/linkcutter/linkcut/internal/pool"
)

// ErrIntegrityFault is returned when a freshly drawn code turns out to be
// materialized already with different contents. Codes are drawn exactly
// once, so this can only mean a ledger or codec invariant broke. Never
// retried; logged loudly.
var ErrIntegrityFault = errors.New("short code integrity fault")

const (
	drawMaxRetries      = 3
	drawInitialInterval = 100 * time.Millisecond
	visitLogTimeout     = 5 * time.Second
)

// URLRepository defines the storage operations the service layer needs.
type URLRepository interface {
	// Create materializes the permanent record for a drawn code.
	// Returns database.ErrShortCodeExists if the code already has one.
	Create(ctx context.Context, id int64, shortCode, originalURL string) (*models.URL, error)

	// Resolve returns the record for a short code and atomically
	// increments its visit count.
	Resolve(ctx context.Context, shortCode string) (*models.URL, error)

	// GetByShortCode retrieves a record without touching its counters.
	GetByShortCode(ctx context.Context, shortCode string) (*models.URL, error)

	// GetByOriginalURL returns an existing record for a destination URL.
	GetByOriginalURL(ctx context.Context, originalURL string) (*models.URL, error)

	// LogVisit appends one visit log row.
	LogVisit(ctx context.Context, shortCode, ipAddress, userAgent string) error
}

// CodePool supplies pre-generated, globally unique short codes.
type CodePool interface {
	Draw(ctx context.Context) (models.PoolEntry, error)
	Stats() pool.Stats
}

// URLService implements URL shortening on top of the code pool and the
// storage layer.
type URLService struct {
	repo   URLRepository
	pool   CodePool
	logger *slog.Logger
}

// NewURLService creates a new instance of URLService.
func NewURLService(repo URLRepository, codePool CodePool, logger *slog.Logger) *URLService {
	return &URLService{
		repo:   repo,
		pool:   codePool,
		logger: logger,
	}
}

// ShortenURL returns a short code for the given destination URL. A URL
// that was shortened before gets its existing record back instead of
// burning a fresh code. Otherwise one entry is drawn from the pool and
// materialized; transient pool starvation is retried with backoff before
// surfacing.
func (s *URLService) ShortenURL(ctx context.Context, originalURL string) (*models.URL, error) {
	const op = "service.URLService.ShortenURL"

	existing, err := s.repo.GetByOriginalURL(ctx, originalURL)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, database.ErrURLNotFound) {
		return nil, fmt.Errorf("%s: failed to check for existing url: %w", op, err)
	}

	entry, err := s.draw(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to draw short code: %w", op, err)
	}

	url, err := s.repo.Create(ctx, entry.ID, entry.Code, originalURL)
	if err != nil {
		if errors.Is(err, database.ErrShortCodeExists) {
			return s.resolveDuplicate(ctx, entry, originalURL)
		}

		return nil, fmt.Errorf("%s: failed to shorten url: %w", op, err)
	}

	return url, nil
}

// draw pulls one entry from the pool, retrying transient exhaustion with
// bounded backoff. Any other failure is surfaced immediately.
func (s *URLService) draw(ctx context.Context) (models.PoolEntry, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = drawInitialInterval

	var entry models.PoolEntry
	operation := func() error {
		var err error
		entry, err = s.pool.Draw(ctx)
		if err != nil && !errors.Is(err, pool.ErrExhausted) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, drawMaxRetries), ctx))
	if err != nil {
		return models.PoolEntry{}, err
	}

	return entry, nil
}

// resolveDuplicate decides what a unique violation on materialization
// means. A record holding the same identifier and destination is a
// replayed materialization after a crash: return it unchanged. Anything
// else is an integrity fault in the ledger or codec.
func (s *URLService) resolveDuplicate(ctx context.Context, entry models.PoolEntry, originalURL string) (*models.URL, error) {
	const op = "service.URLService.resolveDuplicate"

	existing, err := s.repo.GetByShortCode(ctx, entry.Code)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to inspect duplicate code %q: %w", op, entry.Code, err)
	}

	if existing.ID == entry.ID && existing.OriginalURL == originalURL {
		return existing, nil
	}

	s.logger.Error("drawn code already materialized with different contents",
		slog.String("short_code", entry.Code),
		slog.Int64("drawn_id", entry.ID),
		slog.Int64("existing_id", existing.ID),
	)

	return nil, fmt.Errorf("%s: code %q: %w", op, entry.Code, ErrIntegrityFault)
}

// ResolveShortCode retrieves the destination for a short code and counts
// the visit.
func (s *URLService) ResolveShortCode(ctx context.Context, shortCode string) (*models.URL, error) {
	const op = "service.URLService.ResolveShortCode"

	url, err := s.repo.Resolve(ctx, shortCode)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to resolve short code: %w", op, err)
	}

	return url, nil
}

// RecordVisit writes a visit log row in the background. The redirect
// path never waits for, or fails on, analytics writes.
func (s *URLService) RecordVisit(shortCode, ipAddress, userAgent string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), visitLogTimeout)
		defer cancel()

		if err := s.repo.LogVisit(ctx, shortCode, ipAddress, userAgent); err != nil {
			s.logger.Warn("failed to log visit",
				slog.String("short_code", shortCode),
				slog.Any("err", err),
			)
		}
	}()
}

// GetURLStats retrieves a URL record with its counters, without
// affecting them.
func (s *URLService) GetURLStats(ctx context.Context, shortCode string) (*models.URL, error) {
	const op = "service.URLService.GetURLStats"

	url, err := s.repo.GetByShortCode(ctx, shortCode)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to get url stats: %w", op, err)
	}

	return url, nil
}

// PoolStats exposes the code pool counters for health reporting.
func (s *URLService) PoolStats() pool.Stats {
	return s.pool.Stats()
}
