package completion

import (
	"time"

	"github.com/csSone/LlamacppServer/internal/persist"
)

// Record is a stored completion. Text columns hold the wire form, lz:
// tags included; the backend never needs to look inside them.
type Record struct {
	ID           string `gorm:"primaryKey;size:64"`
	Title        string `gorm:"type:text"`
	Prompt       string `gorm:"type:longtext"`
	SystemPrompt string `gorm:"type:longtext"`
	ParamsJSON   string `gorm:"column:params_json;type:longtext"`
	TimingsJSON  string `gorm:"column:timings_json;type:longtext"`
	APIModel     int    `gorm:"not null;default:1"`

	// client clocks, unix ms
	CreatedMS int64 `gorm:"column:created_ms;not null"`
	UpdatedMS int64 `gorm:"column:updated_ms;index;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Record) TableName() string { return "chat_completions" }

func fromCompletion(c *persist.Completion) *Record {
	return &Record{
		ID:           c.ID,
		Title:        c.Title,
		Prompt:       c.Prompt,
		SystemPrompt: c.SystemPrompt,
		ParamsJSON:   c.ParamsJSON,
		TimingsJSON:  c.TimingsJSON,
		APIModel:     c.APIModel,
		CreatedMS:    c.CreatedAt,
		UpdatedMS:    c.UpdatedAt,
	}
}

func (r *Record) Completion() *persist.Completion {
	return &persist.Completion{
		ID:           r.ID,
		Title:        r.Title,
		Prompt:       r.Prompt,
		SystemPrompt: r.SystemPrompt,
		ParamsJSON:   r.ParamsJSON,
		TimingsJSON:  r.TimingsJSON,
		APIModel:     r.APIModel,
		CreatedAt:    r.CreatedMS,
		UpdatedAt:    r.UpdatedMS,
	}
}
