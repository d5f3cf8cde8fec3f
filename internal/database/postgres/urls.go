package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/linkcutter/linkcut/internal/database"
	"github.com/linkcutter/linkcut/internal/models"
)

type urlRecord struct {
	ID          int64     `db:"id"`
	ShortCode   string    `db:"short_code"`
	OriginalURL string    `db:"original_url"`
	VisitCount  int64     `db:"visit_count"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *urlRecord) ToURL() *models.URL {
	return &models.URL{
		ID:          r.ID,
		ShortCode:   r.ShortCode,
		OriginalURL: r.OriginalURL,
		VisitCount:  r.VisitCount,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// URLRepository persists short code to URL mappings. Records are created
// exactly once per code; after that only visit_count changes.
type URLRepository struct {
	db *sqlx.DB
}

func NewURLRepository(db *sqlx.DB) *URLRepository {
	return &URLRepository{
		db: db,
	}
}

// Create materializes the permanent record for a drawn code. The id is
// the ledger-allocated identifier the code decodes to, not a sequence
// value. Returns database.ErrShortCodeExists on a duplicate code.
func (r *URLRepository) Create(ctx context.Context, id int64, shortCode, originalURL string) (*models.URL, error) {
	const op = "database.postgres.URLRepository.Create"

	rec := new(urlRecord)
	query := `INSERT INTO urls(id, short_code, original_url)
		VALUES ($1, $2, $3)
		RETURNING *`

	err := r.db.GetContext(ctx, rec, query, id, shortCode, originalURL)
	if err != nil {
		if isUniqueViolationError(err) {
			return nil, fmt.Errorf("%s: %w", op, database.ErrShortCodeExists)
		}

		return nil, fmt.Errorf("%s: failed to create url record: %w", op, err)
	}

	return rec.ToURL(), nil
}

// Resolve returns the record for a short code, atomically incrementing
// its visit count.
func (r *URLRepository) Resolve(ctx context.Context, shortCode string) (*models.URL, error) {
	const op = "database.postgres.URLRepository.Resolve"

	rec := new(urlRecord)
	query := `UPDATE urls
		SET visit_count = visit_count + 1,
			updated_at = now()
		WHERE short_code = $1
		RETURNING *`

	err := r.db.GetContext(ctx, rec, query, shortCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, database.ErrURLNotFound)
		}

		return nil, fmt.Errorf("%s: failed to resolve url record: %w", op, err)
	}

	return rec.ToURL(), nil
}

// GetByShortCode retrieves a record without touching its visit count.
func (r *URLRepository) GetByShortCode(ctx context.Context, shortCode string) (*models.URL, error) {
	const op = "database.postgres.URLRepository.GetByShortCode"

	rec := new(urlRecord)
	query := `SELECT * FROM urls WHERE short_code = $1`

	err := r.db.GetContext(ctx, rec, query, shortCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, database.ErrURLNotFound)
		}

		return nil, fmt.Errorf("%s: failed to get url record: %w", op, err)
	}

	return rec.ToURL(), nil
}

// GetByOriginalURL returns an existing record for a destination URL, if
// any. Used to avoid burning a fresh code on a URL shortened before.
func (r *URLRepository) GetByOriginalURL(ctx context.Context, originalURL string) (*models.URL, error) {
	const op = "database.postgres.URLRepository.GetByOriginalURL"

	rec := new(urlRecord)
	query := `SELECT * FROM urls WHERE original_url = $1 LIMIT 1`

	err := r.db.GetContext(ctx, rec, query, originalURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, database.ErrURLNotFound)
		}

		return nil, fmt.Errorf("%s: failed to get url record: %w", op, err)
	}

	return rec.ToURL(), nil
}

// LogVisit appends one row to the visit log. Failures here must never
// affect the redirect path; callers log and move on.
func (r *URLRepository) LogVisit(ctx context.Context, shortCode, ipAddress, userAgent string) error {
	const op = "database.postgres.URLRepository.LogVisit"

	query := `INSERT INTO visit_logs(short_code, ip_address, user_agent)
		VALUES ($1, $2, NULLIF($3, ''))`

	if _, err := r.db.ExecContext(ctx, query, shortCode, ipAddress, userAgent); err != nil {
		return fmt.Errorf("%s: failed to log visit: %w", op, err)
	}

	return nil
}
