package repositories

import (
	"github.com/tphan267/socksgate/pkg/storage/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SystemConfigRepository struct {
	db *gorm.DB
}

func NewSystemConfigRepository(db *gorm.DB) *SystemConfigRepository {
	return &SystemConfigRepository{db: db}
}

// FindAll returns every config ordered by key
func (r *SystemConfigRepository) FindAll() ([]models.SystemConfig, error) {
	var configs []models.SystemConfig
	if err := r.db.Order("key").Find(&configs).Error; err != nil {
		return nil, err
	}
	return configs, nil
}

// FindByKey returns a config or ErrNotFound
func (r *SystemConfigRepository) FindByKey(key string) (*models.SystemConfig, error) {
	var cfg models.SystemConfig
	if err := r.db.Where("key = ?", key).First(&cfg).Error; err != nil {
		return nil, notFound(err)
	}
	return &cfg, nil
}

// Upsert creates the key or replaces its value and description
func (r *SystemConfigRepository) Upsert(key, value, description string) (*models.SystemConfig, error) {
	cfg := models.SystemConfig{Key: key, Value: value, Description: description}
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "description", "updated_at"}),
	}).Create(&cfg).Error
	if err != nil {
		return nil, err
	}
	return r.FindByKey(key)
}

// Update changes the value of an existing key
func (r *SystemConfigRepository) Update(key, value string) (*models.SystemConfig, error) {
	res := r.db.Model(&models.SystemConfig{}).Where("key = ?", key).Update("value", value)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.FindByKey(key)
}

// Seed inserts the given configs when their key is absent; existing values are untouched
func (r *SystemConfigRepository) Seed(defaults []models.SystemConfig) error {
	for i := range defaults {
		if err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&defaults[i]).Error; err != nil {
			return err
		}
	}
	return nil
}
