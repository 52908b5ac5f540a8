package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: DOCUMENT SNAPSHOTS

The relay persists the materialized source of a document, not its CRDT
history: the last write for a path wins and replaces the previous snapshot.

  room "/notes/todo.txt" -> debounce -> upsert snapshot where path = "/notes/todo.txt"
*/

// DocumentSnapshot is the latest saved content of one path
type DocumentSnapshot struct {
	ID        string    `json:"id" gorm:"type:char(27);primaryKey"`
	Path      string    `json:"path" gorm:"type:text;not null;uniqueIndex"`
	Content   string    `json:"content" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// BeforeCreate hook generates KSUID before inserting
func (d *DocumentSnapshot) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (DocumentSnapshot) TableName() string {
	return "document_snapshots"
}
