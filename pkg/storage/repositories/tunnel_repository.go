package repositories

import (
	"github.com/tphan267/socksgate/pkg/storage/models"
	"gorm.io/gorm"
)

// TunnelFields maps TunnelService API fields to columns
var TunnelFields = FieldMap{
	"id":           "id",
	"name":         "name",
	"jumpHost":     "jump_host",
	"jumpPort":     "jump_port",
	"jumpUsername": "jump_username",
	"proxyPort":    "proxy_port",
	"sshKeyPath":   "ssh_key_path",
	"status":       "status",
	"processId":    "process_id",
	"createdAt":    "created_at",
	"updatedAt":    "updated_at",
}

type TunnelRepository struct {
	db *gorm.DB
}

func NewTunnelRepository(db *gorm.DB) *TunnelRepository {
	return &TunnelRepository{db: db}
}

// Create inserts a new tunnel service. Status and pid default to stopped/-1.
func (r *TunnelRepository) Create(svc *models.TunnelService) error {
	if svc.Status == "" {
		svc.Status = models.StatusStopped
	}
	if svc.ProcessID == 0 {
		svc.ProcessID = models.NoProcess
	}
	if svc.JumpPort == 0 {
		svc.JumpPort = 22
	}
	return r.db.Create(svc).Error
}

// FindByID returns a tunnel service or ErrNotFound
func (r *TunnelRepository) FindByID(id int64) (*models.TunnelService, error) {
	var svc models.TunnelService
	if err := r.db.Where("id = ?", id).First(&svc).Error; err != nil {
		return nil, notFound(err)
	}
	return &svc, nil
}

// FindByProxyPort returns the service claiming a port or ErrNotFound
func (r *TunnelRepository) FindByProxyPort(port int) (*models.TunnelService, error) {
	var svc models.TunnelService
	if err := r.db.Where("proxy_port = ?", port).First(&svc).Error; err != nil {
		return nil, notFound(err)
	}
	return &svc, nil
}

// FindAll lists services with filter/sort/page and returns the unpaged total
func (r *TunnelRepository) FindAll(opts ListOptions) ([]models.TunnelService, int64, error) {
	q, err := applyFilter(r.db.Model(&models.TunnelService{}), TunnelFields, opts.Filter)
	if err != nil {
		return nil, 0, err
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var services []models.TunnelService
	q = q.Order(TunnelFields.Order(opts.SortBy, opts.SortOrder, "created_at DESC"))
	if err := applyPage(q, opts).Find(&services).Error; err != nil {
		return nil, 0, err
	}
	return services, total, nil
}

// FindByStatus returns every service in the given status
func (r *TunnelRepository) FindByStatus(status string) ([]models.TunnelService, error) {
	var services []models.TunnelService
	if err := r.db.Where("status = ?", status).Order("id").Find(&services).Error; err != nil {
		return nil, err
	}
	return services, nil
}

// FindByIDs returns the services with the given ids
func (r *TunnelRepository) FindByIDs(ids []int64) ([]models.TunnelService, error) {
	var services []models.TunnelService
	if len(ids) == 0 {
		return services, nil
	}
	if err := r.db.Where("id IN ?", ids).Find(&services).Error; err != nil {
		return nil, err
	}
	return services, nil
}

// Update applies an API-keyed patch
func (r *TunnelRepository) Update(id int64, patch map[string]any) error {
	updates, err := TunnelFields.Columns(patch)
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}
	res := r.db.Model(&models.TunnelService{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetState writes status and pid in one statement so readers never see half a transition
func (r *TunnelRepository) SetState(id int64, status string, pid int) error {
	return r.db.Model(&models.TunnelService{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "process_id": pid}).Error
}

// SetStateIf writes status and pid only while the record still holds the expected status and pid.
// Returns whether the row changed.
func (r *TunnelRepository) SetStateIf(id int64, expectStatus string, expectPid int, status string, pid int) (bool, error) {
	res := r.db.Model(&models.TunnelService{}).
		Where("id = ? AND status = ? AND process_id = ?", id, expectStatus, expectPid).
		Updates(map[string]any{"status": status, "process_id": pid})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UsedPorts returns every claimed proxy port
func (r *TunnelRepository) UsedPorts() ([]int, error) {
	var ports []int
	if err := r.db.Model(&models.TunnelService{}).Pluck("proxy_port", &ports).Error; err != nil {
		return nil, err
	}
	return ports, nil
}

// DeleteWithGroups removes the host configs owned by the service and then the service itself
func (r *TunnelRepository) DeleteWithGroups(id int64) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("proxy_service_id = ?", id).Delete(&models.RoutingGroup{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&models.TunnelService{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *TunnelRepository) Count(filter map[string]any) (int64, error) {
	q, err := applyFilter(r.db.Model(&models.TunnelService{}), TunnelFields, filter)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
