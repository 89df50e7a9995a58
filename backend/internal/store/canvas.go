package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrCanvasNotFound = errors.New("CANVAS_NOT_FOUND")

// Canvas 远端画布记录，对应 PUT /canvases/:canvasId 的请求体
type Canvas struct {
	CanvasID  string `gorm:"primaryKey;type:varchar(128)"`
	OwnerID   string `gorm:"type:varchar(128);index"`
	Data      []byte `gorm:"type:longblob"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

type CanvasStore struct {
	db *gorm.DB
}

func NewCanvasStore(db *gorm.DB) *CanvasStore {
	return &CanvasStore{db: db}
}

func (s *CanvasStore) AutoMigrate() error {
	return s.db.AutoMigrate(&Canvas{})
}

// Put 以 canvas_id 为主键覆盖写
func (s *CanvasStore) Put(ctx context.Context, canvasID, ownerID string, data []byte) error {
	c := Canvas{CanvasID: canvasID, OwnerID: ownerID, Data: data}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "canvas_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"owner_id", "data", "updated_at"}),
		}).
		Create(&c).Error
}

func (s *CanvasStore) Get(ctx context.Context, canvasID string) (*Canvas, error) {
	var c Canvas
	err := s.db.WithContext(ctx).Where("canvas_id = ?", canvasID).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCanvasNotFound
		}
		return nil, err
	}
	return &c, nil
}
