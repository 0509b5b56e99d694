package completion

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/csSone/LlamacppServer/internal/common"
	"github.com/csSone/LlamacppServer/internal/persist"
)

var _ persist.Remote = (*Repo)(nil)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) AutoMigrate() error {
	return r.db.AutoMigrate(&Record{})
}

func (r *Repo) Get(ctx context.Context, id string) (*persist.Completion, error) {
	var rec Record
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, persist.ErrNotFound
		}
		return nil, err
	}
	return rec.Completion(), nil
}

// Save inserts c or overwrites every payload column of an existing record.
func (r *Repo) Save(ctx context.Context, c *persist.Completion) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("completion id is required")
	}
	rec := fromCompletion(c)
	now := time.Now().UnixMilli()
	if rec.CreatedMS == 0 {
		rec.CreatedMS = now
	}
	if rec.UpdatedMS == 0 {
		rec.UpdatedMS = now
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "prompt", "system_prompt", "params_json", "timings_json",
			"api_model", "updated_ms", "updated_at",
		}),
	}).Create(rec).Error
}

// List returns completion headers, most recently updated first. Payload
// columns are left empty.
func (r *Repo) List(ctx context.Context, limit int) ([]persist.Completion, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var recs []Record
	if err := r.db.WithContext(ctx).
		Select("id", "title", "api_model", "created_ms", "updated_ms").
		Order("updated_ms DESC").
		Limit(limit).
		Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]persist.Completion, 0, len(recs))
	for i := range recs {
		out = append(out, *recs[i].Completion())
	}
	return out, nil
}

// Create stores an empty chat-mode completion under a fresh id.
func (r *Repo) Create(ctx context.Context, title string) (*persist.Completion, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	c := &persist.Completion{ID: id, Title: strings.TrimSpace(title), APIModel: 1, CreatedAt: now, UpdatedAt: now}
	if err := r.db.WithContext(ctx).Create(fromCompletion(c)).Error; err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Repo) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&Record{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return persist.ErrNotFound
	}
	return nil
}
