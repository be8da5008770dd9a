package repos

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/types"
)

type ContextEntryRepo interface {
	// UpsertKeepHigher inserts the entry if no row exists for its
	// (pdf_hash, normalized_title). When a row exists it is replaced only
	// if the candidate's quality is strictly higher, or equal with the
	// candidate in English and the existing row not. Ties otherwise keep
	// the earlier row.
	UpsertKeepHigher(ctx context.Context, tx *gorm.DB, entry *types.ContextEntry) (inserted bool, replaced bool, err error)
	ListByHashes(ctx context.Context, tx *gorm.DB, pdfHashes []string, minQuality float64) ([]*types.ContextEntry, error)
	SearchByTitle(ctx context.Context, tx *gorm.DB, pdfHashes []string, terms []string, limit int) ([]*types.ContextEntry, error)
	CountByHash(ctx context.Context, tx *gorm.DB, pdfHash string) (int64, error)
}

type contextEntryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewContextEntryRepo(db *gorm.DB, baseLog *logger.Logger) ContextEntryRepo {
	repoLog := baseLog.With("repo", "ContextEntryRepo")
	return &contextEntryRepo{db: db, log: repoLog}
}

func (cer *contextEntryRepo) UpsertKeepHigher(ctx context.Context, tx *gorm.DB, entry *types.ContextEntry) (bool, bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = cer.db
	}
	if entry == nil {
		return false, false, nil
	}

	res := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "pdf_hash"},
				{Name: "normalized_title"},
			},
			DoNothing: true,
		}).
		Create(entry)
	if res.Error != nil {
		if !IsUniqueViolation(res.Error) {
			return false, false, res.Error
		}
	} else if res.RowsAffected == 1 {
		return true, false, nil
	}

	now := time.Now()
	upd := transaction.WithContext(ctx).
		Model(&types.ContextEntry{}).
		Where("pdf_hash = ? AND normalized_title = ?", entry.PDFHash, entry.NormalizedTitle).
		Where("(quality < ? OR (quality = ? AND language <> ? AND ? = ?))",
			entry.Quality, entry.Quality, "en", entry.Language, "en").
		Updates(map[string]interface{}{
			"title":       entry.Title,
			"body":        entry.Body,
			"entry_type":  entry.EntryType,
			"keywords":    entry.Keywords,
			"quality":     entry.Quality,
			"source_page": entry.SourcePage,
			"language":    entry.Language,
			"updated_at":  now,
		})
	if upd.Error != nil {
		return false, false, upd.Error
	}
	return false, upd.RowsAffected > 0, nil
}

func (cer *contextEntryRepo) ListByHashes(ctx context.Context, tx *gorm.DB, pdfHashes []string, minQuality float64) ([]*types.ContextEntry, error) {
	transaction := tx
	if transaction == nil {
		transaction = cer.db
	}
	var results []*types.ContextEntry
	if len(pdfHashes) == 0 {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("pdf_hash IN ? AND quality >= ?", pdfHashes, minQuality).
		Order("quality DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (cer *contextEntryRepo) SearchByTitle(ctx context.Context, tx *gorm.DB, pdfHashes []string, terms []string, limit int) ([]*types.ContextEntry, error) {
	transaction := tx
	if transaction == nil {
		transaction = cer.db
	}
	var results []*types.ContextEntry
	if len(pdfHashes) == 0 || len(terms) == 0 {
		return results, nil
	}
	if limit <= 0 {
		limit = 30
	}

	conds := make([]string, 0, len(terms))
	args := make([]interface{}, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		conds = append(conds, "title ILIKE ?")
		args = append(args, "%"+term+"%")
	}
	if len(conds) == 0 {
		return results, nil
	}

	if err := transaction.WithContext(ctx).
		Where("pdf_hash IN ?", pdfHashes).
		Where("("+strings.Join(conds, " OR ")+")", args...).
		Order("quality DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (cer *contextEntryRepo) CountByHash(ctx context.Context, tx *gorm.DB, pdfHash string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = cer.db
	}
	if pdfHash == "" {
		return 0, nil
	}
	var count int64
	if err := transaction.WithContext(ctx).
		Model(&types.ContextEntry{}).
		Where("pdf_hash = ?", pdfHash).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
