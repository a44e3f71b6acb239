package users

import (
	"context"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, u *User) error {
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *Repo) GetByID(ctx context.Context, id uint64) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repo) GetByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repo) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var cnt int64
	if err := r.db.WithContext(ctx).Model(&User{}).
		Where("username = ?", username).
		Count(&cnt).Error; err != nil {
		return false, err
	}
	return cnt > 0, nil
}

// GetManyByID loads users by id, keyed by id for lookup joins.
func (r *Repo) GetManyByID(ctx context.Context, ids []uint64) (map[uint64]User, error) {
	out := make(map[uint64]User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var list []User
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&list).Error; err != nil {
		return nil, err
	}
	for _, u := range list {
		out[u.ID] = u
	}
	return out, nil
}
