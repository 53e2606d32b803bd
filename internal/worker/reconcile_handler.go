package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"study-rooms/internal/domain"
	"study-rooms/internal/registry"
	"study-rooms/internal/repository"
)

// ReconcileHandler 处理周期性的成员视图对账任务。
// 以 Registry 为准重写所有成员视图，并清理已不存在的房间或成员关系留下的视图。
type ReconcileHandler struct {
	registry *registry.Registry
	userRepo repository.UserRepository
	timeout  time.Duration // 单次写入超时
}

// NewReconcileHandler 创建 Handler 实例
func NewReconcileHandler(reg *registry.Registry, userRepo repository.UserRepository) *ReconcileHandler {
	if reg == nil {
		panic("Registry cannot be nil for ReconcileHandler")
	}
	if userRepo == nil {
		panic("UserRepository cannot be nil for ReconcileHandler")
	}
	return &ReconcileHandler{registry: reg, userRepo: userRepo, timeout: 5 * time.Second}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *ReconcileHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)
	logCtx.Info("Processing periodic membership reconciliation task...")

	// 1. 以 Registry 中的每个房间重写成员视图
	rooms := h.registry.List()
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, room := range rooms {
		wg.Add(1)
		go func(room *domain.Room) {
			defer wg.Done()
			for _, userID := range room.MemberIDs() {
				view, _ := domain.NewMembershipView(room, userID)
				writeCtx, cancel := context.WithTimeout(ctx, h.timeout)
				err := h.userRepo.UpsertMembershipView(writeCtx, view)
				cancel()
				if err != nil {
					logCtx.WithError(err).WithFields(logrus.Fields{"room_id": room.ID, "user_id": userID}).
						Warn("Reconcile: failed to upsert membership view")
					mu.Lock()
					failed++
					mu.Unlock()
				}
			}
		}(room)
	}
	wg.Wait()

	// 2. 清理孤立的视图
	views, err := h.userRepo.ListMembershipViews(ctx)
	if err != nil {
		logCtx.WithError(err).Error("Reconcile: failed to list membership views")
		return err
	}
	removed := 0
	for _, view := range views {
		version, stale := h.staleVersion(view)
		if !stale {
			continue
		}
		writeCtx, cancel := context.WithTimeout(ctx, h.timeout)
		err := h.userRepo.RemoveMembershipView(writeCtx, view.UserID, view.RoomID, version)
		cancel()
		if err != nil {
			logCtx.WithError(err).WithFields(logrus.Fields{"room_id": view.RoomID, "user_id": view.UserID}).
				Warn("Reconcile: failed to remove orphaned membership view")
			failed++
			continue
		}
		removed++
	}

	logCtx = logCtx.WithFields(logrus.Fields{"rooms": len(rooms), "views": len(views), "removed": removed})
	if failed > 0 {
		// 周期任务本身视为完成，下一轮会再次尝试
		logCtx.Errorf("Membership reconciliation completed with %d failed writes.", failed)
		return nil
	}
	logCtx.Info("Periodic membership reconciliation task completed successfully.")
	return nil
}

// staleVersion 判断视图是否已失效，返回删除时使用的版本号。
// 在判断时重新读取房间，避免误删刚创建或刚加入产生的视图。
func (h *ReconcileHandler) staleVersion(view domain.MembershipView) (uint64, bool) {
	room, err := h.registry.Get(view.RoomID)
	if errors.Is(err, registry.ErrRoomNotFound) {
		// 房间被删除后不会再出现
		return view.RoomVersion, true
	}
	if err != nil || room.IsMember(view.UserID) {
		return 0, false
	}
	return room.Version, true
}
