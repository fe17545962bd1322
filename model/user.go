package model

import (
	"context"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"

	"github.com/fluxgate/fluxgate/common"
)

const (
	RoleUser       = 1
	RoleAdmin      = 10
	RoleSuperAdmin = 100
)

const (
	UserStatusEnabled  = 1 // don't use 0, 0 is the default value!
	UserStatusDisabled = 2 // also don't use 0
	UserStatusDeleted  = 3
)

type User struct {
	Id          int    `json:"id"`
	Username    string `json:"username" gorm:"uniqueIndex"`
	Password    string `json:"-"`
	DisplayName string `json:"display_name" gorm:"index"`
	Email       string `json:"email" gorm:"index"`
	Role        int    `json:"role" gorm:"type:int;default:1"`
	Status      int    `json:"status" gorm:"type:int;default:1"`
	// Quota is the user-level budget in quota units; -1 means unlimited.
	Quota     int64 `json:"quota" gorm:"bigint;default:0"`
	UsedQuota int64 `json:"used_quota" gorm:"bigint;default:0"`
	// RPMLimit / TPMLimit are the defaults inherited by tokens whose own
	// limits are 0. A zero here falls through to the configured defaults.
	RPMLimit  int64 `json:"rpm_limit" gorm:"bigint;default:0"`
	TPMLimit  int64 `json:"tpm_limit" gorm:"bigint;default:0"`
	CreatedAt int64 `json:"created_at" gorm:"bigint;autoCreateTime:milli"`
	UpdatedAt int64 `json:"updated_at" gorm:"bigint;autoUpdateTime:milli"`
}

func GetUserById(id int) (*User, error) {
	if id == 0 {
		return nil, errors.New("id is empty")
	}
	var user User
	if err := DB.First(&user, "id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "get user %d", id)
	}
	return &user, nil
}

func GetUserByUsername(username string) (*User, error) {
	if username == "" {
		return nil, errors.New("username is empty")
	}
	var user User
	if err := DB.First(&user, "username = ?", username).Error; err != nil {
		return nil, errors.Wrapf(err, "get user %q", username)
	}
	return &user, nil
}

func (user *User) Insert() error {
	if user.Password != "" {
		hashed, err := common.Password2Hash(user.Password)
		if err != nil {
			return errors.WithStack(err)
		}
		user.Password = hashed
	}
	return errors.Wrap(DB.Create(user).Error, "insert user")
}

func (user *User) Update() error {
	return errors.Wrapf(DB.Model(user).Updates(user).Error, "update user %d", user.Id)
}

// Delete soft-deletes the user and disables its tokens so cached copies
// age out instead of authorizing a deleted owner.
func (user *User) Delete(ctx context.Context) error {
	if user.Id == 0 {
		return errors.New("id is empty")
	}
	err := DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&User{}).Where("id = ?", user.Id).
			Update("status", UserStatusDeleted).Error; err != nil {
			return err
		}
		return tx.Model(&Token{}).Where("user_id = ?", user.Id).
			Update("status", TokenStatusDisabled).Error
	})
	if err != nil {
		return errors.Wrapf(err, "delete user %d", user.Id)
	}
	clearUserTokenCaches(ctx, user.Id)
	return nil
}

func IsUserEnabled(userId int) (bool, error) {
	user, err := GetUserById(userId)
	if err != nil {
		return false, err
	}
	return user.Status == UserStatusEnabled, nil
}

// chargeUserQuota reconciles the denormalized per-user counters after a
// metered request. A user quota of -1 is unlimited and only the used
// counter moves.
func chargeUserQuota(ctx context.Context, userId int, quota int64) error {
	if quota < 0 {
		return errors.Errorf("negative charge %d for user %d", quota, userId)
	}
	err := runWithSQLiteBusyRetry(ctx, func() error {
		return DB.Model(&User{}).Where("id = ?", userId).
			Updates(map[string]any{
				"quota":      gorm.Expr("CASE WHEN quota >= 0 THEN quota - ? ELSE quota END", quota),
				"used_quota": gorm.Expr("used_quota + ?", quota),
			}).Error
	})
	return errors.Wrapf(err, "charge user %d quota", userId)
}
