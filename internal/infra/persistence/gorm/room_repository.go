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

// GormRoomRepository 是 RoomRepository 接口的 GORM 实现
type GormRoomRepository struct {
	db *gorm.DB
}

// NewGormRoomRepository 创建 GormRoomRepository 实例
func NewGormRoomRepository(db *gorm.DB) *GormRoomRepository {
	if db == nil {
		panic("database connection cannot be nil for GormRoomRepository")
	}
	return &GormRoomRepository{db: db}
}

var _ repository.RoomRepository = (*GormRoomRepository)(nil)

// Save 覆盖写入房间行和全部成员行。库中版本不低于 room.Version 或房间已删除时忽略。
func (r *GormRoomRepository) Save(ctx context.Context, room *domain.Room) error {
	rec := toRoomRecord(room)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 加锁读取当前版本（包含已软删除的行）
		var existing roomRecord
		err := tx.Unscoped().
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "version", "deleted_at").
			Where("id = ?", room.ID).
			Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		case existing.DeletedAt.Valid:
			return nil
		case existing.Version >= room.Version:
			return nil
		}

		// 2. 房间行
		if err := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{UpdateAll: true}).
			Create(&rec).Error; err != nil {
			return err
		}

		// 3. 成员行整体替换
		if err := tx.Where("room_id = ?", room.ID).Delete(&memberRecord{}).Error; err != nil {
			return err
		}
		if len(rec.Members) > 0 {
			if err := tx.Create(&rec.Members).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: save room (id: %s, version: %d): %w", room.ID, room.Version, err)
	}
	return nil
}

// Delete 软删除房间并释放访问密钥，成员行直接删除。
func (r *GormRoomRepository) Delete(ctx context.Context, roomID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", roomID).Delete(&memberRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&roomRecord{}).Where("id = ?", roomID).Update("access_key", nil).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", roomID).Delete(&roomRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 房间还没落盘就被删除，写入墓碑
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&roomRecord{
				ID:        roomID,
				DeletedAt: gorm.DeletedAt{Time: tx.NowFunc(), Valid: true},
			}).Error
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("gorm: delete room %s: %w", roomID, err)
	}
	return nil
}

// FindAll 读取所有未删除的房间，成员按加入时间排序。
func (r *GormRoomRepository) FindAll(ctx context.Context) ([]*domain.Room, error) {
	var records []roomRecord
	err := r.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC, user_id ASC")
		}).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: find all rooms: %w", err)
	}
	rooms := make([]*domain.Room, 0, len(records))
	for _, rec := range records {
		rooms = append(rooms, rec.toDomain())
	}
	return rooms, nil
}
