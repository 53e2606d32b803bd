package gormpersistence

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"study-rooms/internal/domain"
	"study-rooms/internal/repository"
)

// GormUserRepository 是 UserRepository 接口的 GORM 实现
// 成员视图存放在 membership_views 表，学习历史存放在 sessions 表。
type GormUserRepository struct {
	db *gorm.DB
}

// NewGormUserRepository 创建 GormUserRepository 实例
func NewGormUserRepository(db *gorm.DB) *GormUserRepository {
	if db == nil {
		panic("database connection cannot be nil for GormUserRepository")
	}
	return &GormUserRepository{db: db}
}

var _ repository.UserRepository = (*GormUserRepository)(nil)

// Get 读取用户的全部视图和学习历史。没有数据的用户返回空记录。
func (r *GormUserRepository) Get(ctx context.Context, userID string) (*domain.UserRecord, error) {
	record := &domain.UserRecord{UserID: userID}
	db := r.db.WithContext(ctx)

	if err := db.Where("user_id = ?", userID).Order("room_id ASC").Find(&record.Memberships).Error; err != nil {
		return nil, fmt.Errorf("gorm: find membership views for user %s: %w", userID, err)
	}
	if err := db.Where("user_id = ?", userID).Order("started_at DESC, id ASC").Find(&record.Sessions).Error; err != nil {
		return nil, fmt.Errorf("gorm: find sessions for user %s: %w", userID, err)
	}
	if record.Memberships == nil {
		record.Memberships = []domain.MembershipView{}
	}
	if record.Sessions == nil {
		record.Sessions = []domain.Session{}
	}
	return record, nil
}

// AppendSession 插入学习记录（按 ID 去重），然后裁剪到 historyCap 条。
func (r *GormUserRepository) AppendSession(ctx context.Context, userID string, session domain.Session, historyCap int) error {
	session.UserID = userID
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&session).Error; err != nil {
			return err
		}
		if historyCap <= 0 {
			return nil
		}
		var ids []string
		if err := tx.Model(&domain.Session{}).
			Where("user_id = ?", userID).
			Order("started_at DESC, id ASC").
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) <= historyCap {
			return nil
		}
		return tx.Where("id IN ?", ids[historyCap:]).Delete(&domain.Session{}).Error
	})
	if err != nil {
		return fmt.Errorf("gorm: append session %s for user %s: %w", session.ID, userID, err)
	}
	return nil
}

// UpsertMembershipView 在行锁内比较版本，旧版本的写入以及不高于删除墓碑的写入被忽略。
// 并发首次插入冲突时重试一次，第二次会走更新分支。
func (r *GormUserRepository) UpsertMembershipView(ctx context.Context, view domain.MembershipView) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var tomb viewTombstone
			tombErr := tx.Clauses(clause.Locking{Strength: "SHARE"}).
				Where("user_id = ? AND room_id = ?", view.UserID, view.RoomID).
				Take(&tomb).Error
			switch {
			case errors.Is(tombErr, gorm.ErrRecordNotFound):
			case tombErr != nil:
				return tombErr
			case view.RoomVersion <= tomb.Version:
				return nil
			}

			var existing domain.MembershipView
			findErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Select("user_id", "room_id", "room_version").
				Where("user_id = ? AND room_id = ?", view.UserID, view.RoomID).
				Take(&existing).Error
			switch {
			case errors.Is(findErr, gorm.ErrRecordNotFound):
				return tx.Create(&view).Error
			case findErr != nil:
				return findErr
			case existing.RoomVersion > view.RoomVersion:
				return nil
			}
			return tx.Save(&view).Error
		})
		if !isDuplicateKeyError(err) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("gorm: upsert membership view (user: %s, room: %s, version: %d): %w",
			view.UserID, view.RoomID, view.RoomVersion, err)
	}
	return nil
}

// RemoveMembershipView 记录删除墓碑（只前进不后退），然后删除版本不高于 version 的视图。
func (r *GormUserRepository) RemoveMembershipView(ctx context.Context, userID, roomID string, version uint64) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var tomb viewTombstone
			findErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("user_id = ? AND room_id = ?", userID, roomID).
				Take(&tomb).Error
			switch {
			case errors.Is(findErr, gorm.ErrRecordNotFound):
				if err := tx.Create(&viewTombstone{UserID: userID, RoomID: roomID, Version: version}).Error; err != nil {
					return err
				}
			case findErr != nil:
				return findErr
			case version > tomb.Version:
				if err := tx.Model(&tomb).Update("version", version).Error; err != nil {
					return err
				}
			}
			return tx.Where("user_id = ? AND room_id = ? AND room_version <= ?", userID, roomID, version).
				Delete(&domain.MembershipView{}).Error
		})
		if !isDuplicateKeyError(err) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("gorm: remove membership view (user: %s, room: %s): %w", userID, roomID, err)
	}
	return nil
}

// ListMembershipViews 读取全部视图，用于周期性对账。
func (r *GormUserRepository) ListMembershipViews(ctx context.Context) ([]domain.MembershipView, error) {
	var views []domain.MembershipView
	if err := r.db.WithContext(ctx).Order("user_id ASC, room_id ASC").Find(&views).Error; err != nil {
		return nil, fmt.Errorf("gorm: list membership views: %w", err)
	}
	return views, nil
}
