package postgres

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/JakeFAU/argus-crawler/internal/disposition"
)

// StorePage inserts one row per written page. Re-crawls of the same URL add
// new rows; the newest crawl_time wins for readers.
func (s *Store) StorePage(ctx context.Context, rec disposition.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("page store is not configured")
	}
	if rec.Metadata.URL == "" {
		return fmt.Errorf("page url is required")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return err
	}
	features, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(rec.Metadata.ContentFeatures)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	formats := make([]string, 0, len(rec.Metadata.SavedFormats))
	for _, f := range rec.Metadata.SavedFormats {
		formats = append(formats, string(f))
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	run_id,
	page_url,
	title,
	crawl_time,
	base_path,
	meta_path,
	saved_formats,
	suggested_format,
	content_features
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.pages)

	args := []any{
		id,
		nullable(rec.RunID),
		rec.Metadata.URL,
		rec.Metadata.Title,
		rec.Metadata.CrawlTime,
		rec.Base,
		rec.MetaPath,
		formats,
		string(rec.Metadata.ContentFeatures.SuggestedFormat),
		features,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
