package repositories

import (
	"time"

	"github.com/tphan267/socksgate/pkg/storage/models"
	"gorm.io/gorm"
)

// EventFields maps TunnelEvent API fields to columns
var EventFields = FieldMap{
	"type":           "type",
	"proxyServiceId": "proxy_service_id",
	"actor":          "actor",
	"createdAt":      "created_at",
}

type EventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) Create(event *models.TunnelEvent) error {
	return r.db.Create(event).Error
}

// FindAll lists events newest first
func (r *EventRepository) FindAll(opts ListOptions, since time.Time) ([]models.TunnelEvent, int64, error) {
	q, err := applyFilter(r.db.Model(&models.TunnelEvent{}), EventFields, opts.Filter)
	if err != nil {
		return nil, 0, err
	}
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var events []models.TunnelEvent
	q = q.Order(EventFields.Order(opts.SortBy, opts.SortOrder, "created_at DESC, id DESC"))
	if err := applyPage(q, opts).Find(&events).Error; err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// CountByType aggregates events in [start, end) grouped by type. Zero bounds are open.
func (r *EventRepository) CountByType(start, end time.Time, types []string) (map[string]int64, error) {
	type row struct {
		Type  string
		Count int64
	}

	q := r.db.Model(&models.TunnelEvent{}).Select("type, COUNT(*) AS count")
	if !start.IsZero() {
		q = q.Where("created_at >= ?", start)
	}
	if !end.IsZero() {
		q = q.Where("created_at < ?", end)
	}
	if len(types) > 0 {
		q = q.Where("type IN ?", types)
	}

	var rows []row
	if err := q.Group("type").Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Type] = r.Count
	}
	return counts, nil
}

// Prune deletes events older than the cutoff
func (r *EventRepository) Prune(before time.Time) (int64, error) {
	res := r.db.Where("created_at < ?", before).Delete(&models.TunnelEvent{})
	return res.RowsAffected, res.Error
}
