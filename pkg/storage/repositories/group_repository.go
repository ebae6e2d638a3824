package repositories

import (
	"time"

	"github.com/tphan267/socksgate/pkg/storage/models"
	"gorm.io/gorm"
)

// GroupFields maps RoutingGroup API fields to columns
var GroupFields = FieldMap{
	"id":             "id",
	"name":           "name",
	"proxyServiceId": "proxy_service_id",
	"hosts":          "hosts",
	"enabled":        "enabled",
	"createdAt":      "created_at",
	"updatedAt":      "updated_at",
}

type GroupRepository struct {
	db *gorm.DB
}

func NewGroupRepository(db *gorm.DB) *GroupRepository {
	return &GroupRepository{db: db}
}

func (r *GroupRepository) Create(group *models.RoutingGroup) error {
	if group.Domains == nil {
		group.Domains = []string{}
	}
	return r.db.Create(group).Error
}

// FindByID returns a routing group or ErrNotFound
func (r *GroupRepository) FindByID(id int64) (*models.RoutingGroup, error) {
	var group models.RoutingGroup
	if err := r.db.Where("id = ?", id).First(&group).Error; err != nil {
		return nil, notFound(err)
	}
	return &group, nil
}

// FindAll lists groups with filter/sort/page and returns the unpaged total
func (r *GroupRepository) FindAll(opts ListOptions) ([]models.RoutingGroup, int64, error) {
	q, err := applyFilter(r.db.Model(&models.RoutingGroup{}), GroupFields, opts.Filter)
	if err != nil {
		return nil, 0, err
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var groups []models.RoutingGroup
	q = q.Order(GroupFields.Order(opts.SortBy, opts.SortOrder, "created_at DESC"))
	if err := applyPage(q, opts).Find(&groups).Error; err != nil {
		return nil, 0, err
	}
	return groups, total, nil
}

// FindAllExcept returns every group except excludeID (0 excludes nothing)
func (r *GroupRepository) FindAllExcept(excludeID int64) ([]models.RoutingGroup, error) {
	var groups []models.RoutingGroup
	q := r.db.Order("id")
	if excludeID > 0 {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Find(&groups).Error; err != nil {
		return nil, err
	}
	return groups, nil
}

// FindEnabledByServices returns enabled groups owned by any of the services, in id order
func (r *GroupRepository) FindEnabledByServices(serviceIDs []int64) ([]models.RoutingGroup, error) {
	var groups []models.RoutingGroup
	if len(serviceIDs) == 0 {
		return groups, nil
	}
	err := r.db.Where("enabled = ? AND proxy_service_id IN ?", true, serviceIDs).
		Order("id").Find(&groups).Error
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// GroupPatch is a partial update of a routing group
type GroupPatch struct {
	Name           *string
	ProxyServiceID *int64
	Domains        *[]string
	Enabled        *bool
}

// Update writes only the patched columns. Values go through the model so the hosts serializer runs.
// A group deleted before the write yields ErrNotFound; it is never re-inserted.
func (r *GroupRepository) Update(id int64, patch GroupPatch) (*models.RoutingGroup, error) {
	values := models.RoutingGroup{UpdatedAt: time.Now()}
	columns := []string{"updated_at"}
	if patch.Name != nil {
		values.Name = *patch.Name
		columns = append(columns, "name")
	}
	if patch.ProxyServiceID != nil {
		values.ProxyServiceID = *patch.ProxyServiceID
		columns = append(columns, "proxy_service_id")
	}
	if patch.Domains != nil {
		values.Domains = *patch.Domains
		if values.Domains == nil {
			values.Domains = []string{}
		}
		columns = append(columns, "hosts")
	}
	if patch.Enabled != nil {
		values.Enabled = *patch.Enabled
		columns = append(columns, "enabled")
	}

	res := r.db.Model(&models.RoutingGroup{}).Where("id = ?", id).Select(columns).Updates(&values)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.FindByID(id)
}

// SetEnabled toggles a group
func (r *GroupRepository) SetEnabled(id int64, enabled bool) error {
	res := r.db.Model(&models.RoutingGroup{}).Where("id = ?", id).Update("enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GroupRepository) Delete(id int64) error {
	res := r.db.Where("id = ?", id).Delete(&models.RoutingGroup{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GroupRepository) CountByService(serviceID int64) (int64, error) {
	var count int64
	err := r.db.Model(&models.RoutingGroup{}).Where("proxy_service_id = ?", serviceID).Count(&count).Error
	return count, err
}
