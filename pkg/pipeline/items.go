package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/zuolabs/trellis-runner/pkg/logging"
)

// CatalogSource reads pending items from the catalog database. Rows with no
// catalog entry, outdoor items, discontinued items, and items without a
// primary image are marked processed and skipped.
type CatalogSource struct {
	db  *sql.DB
	log *logging.Logger

	// skipped is incremented through this hook so metrics stay optional.
	onSkip func()
}

// NewCatalogSource connects to the catalog database.
func NewCatalogSource(dsn string, log *logging.Logger) (*CatalogSource, error) {
	if dsn == "" {
		return nil, errors.New("catalog database DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping catalog database: %w", err)
	}

	return &CatalogSource{db: db, log: log}, nil
}

// OnSkip installs a hook fired for every skipped item.
func (s *CatalogSource) OnSkip(fn func()) { s.onSkip = fn }

// Close closes the database connection.
func (s *CatalogSource) Close() error { return s.db.Close() }

// shouldSkip filters items that never get a generated asset.
func shouldSkip(category, status string) bool {
	return category == "Outdoor" || status == "DISC"
}

// NextPending returns the next item that needs a 3D asset. Items that fail
// the filters are marked processed and the scan continues.
func (s *CatalogSource) NextPending(ctx context.Context) (*Item, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var itemNo string
		err := s.db.QueryRowContext(ctx,
			`SELECT "Zuo_Item_No" FROM zuo_3d_embedding WHERE has_asset = false LIMIT 1`,
		).Scan(&itemNo)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query pending items: %w", err)
		}

		item, ok, err := s.loadItem(ctx, itemNo)
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := s.MarkProcessed(ctx, itemNo); err != nil {
				return nil, err
			}
			if s.onSkip != nil {
				s.onSkip()
			}
			continue
		}
		return item, nil
	}
}

// loadItem fetches catalog and image data; ok=false means the item should
// be skipped.
func (s *CatalogSource) loadItem(ctx context.Context, itemNo string) (*Item, bool, error) {
	var category, status sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT "Main_Category", "Item_Status" FROM zuo_catalog WHERE "Zuo_Item_No" = $1`,
		itemNo,
	).Scan(&category, &status)
	if errors.Is(err, sql.ErrNoRows) {
		s.debug("no catalog row, skipping", itemNo)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query catalog for %s: %w", itemNo, err)
	}

	if shouldSkip(category.String, status.String) {
		s.debug("filtered by category/status, skipping", itemNo)
		return nil, false, nil
	}

	var imageURL sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT "Single_Image_1_URL" FROM zuo_images WHERE "Zuo_Item_No" = $1`,
		itemNo,
	).Scan(&imageURL)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && imageURL.String == "") {
		s.debug("no usable image, skipping", itemNo)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query images for %s: %w", itemNo, err)
	}

	return &Item{
		ItemNo:   itemNo,
		Category: category.String,
		Status:   status.String,
		ImageURL: imageURL.String,
	}, true, nil
}

// MarkProcessed flags the item so future scans skip it.
func (s *CatalogSource) MarkProcessed(ctx context.Context, itemNo string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE zuo_3d_embedding SET has_asset = true WHERE "Zuo_Item_No" = $1`, itemNo)
	if err != nil {
		return fmt.Errorf("failed to mark %s processed: %w", itemNo, err)
	}
	return nil
}

// RecordAsset stores the uploaded asset URL.
func (s *CatalogSource) RecordAsset(ctx context.Context, itemNo, assetURL string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE zuo_3d_embedding
		 SET asset_url = $2, asset_url_full = $2, has_asset = true
		 WHERE "Zuo_Item_No" = $1`,
		itemNo, assetURL)
	if err != nil {
		return fmt.Errorf("failed to record asset for %s: %w", itemNo, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no embedding row updated for %s", itemNo)
	}
	return nil
}

func (s *CatalogSource) debug(msg, itemNo string) {
	if s.log != nil {
		s.log.Debug(msg, map[string]interface{}{"item": itemNo})
	}
}
