package repositories

import (
	"github.com/tphan267/socksgate/pkg/storage/models"
	"gorm.io/gorm"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(account *models.Account) error {
	if account.Role == "" {
		account.Role = models.RoleUser
	}
	return r.db.Create(account).Error
}

func (r *AccountRepository) FindByID(id int64) (*models.Account, error) {
	var account models.Account
	if err := r.db.Where("id = ?", id).First(&account).Error; err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

func (r *AccountRepository) FindByUsername(username string) (*models.Account, error) {
	var account models.Account
	if err := r.db.Where("username = ?", username).First(&account).Error; err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

func (r *AccountRepository) FindByEmail(email string) (*models.Account, error) {
	var account models.Account
	if err := r.db.Where("email = ?", email).First(&account).Error; err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

// UpdatePassword replaces the stored hash
func (r *AccountRepository) UpdatePassword(id int64, hash string) error {
	return r.db.Model(&models.Account{}).Where("id = ?", id).Update("password_hash", hash).Error
}

// UpdateEmail replaces the email; nil clears it
func (r *AccountRepository) UpdateEmail(id int64, email *string) error {
	return r.db.Model(&models.Account{}).Where("id = ?", id).Update("email", email).Error
}

func (r *AccountRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.Account{}).Count(&count).Error
	return count, err
}
