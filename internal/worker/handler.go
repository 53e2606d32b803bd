package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"study-rooms/internal/repository"
	"study-rooms/internal/tasks"
)

// taskLogger 从 Task 和 Context 中提取日志字段
func taskLogger(ctx context.Context, t *asynq.Task) *logrus.Entry {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	currentRetry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"retry":     currentRetry,
		"max_retry": maxRetry,
	})
}

// decodePayload 解析失败的任务不再重试
func decodePayload(logCtx *logrus.Entry, t *asynq.Task, v interface{}) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	return nil
}

// MembershipViewHandler 重试成员视图的写入和删除
type MembershipViewHandler struct {
	userRepo repository.UserRepository
}

// NewMembershipViewHandler 创建 Handler 实例
func NewMembershipViewHandler(userRepo repository.UserRepository) *MembershipViewHandler {
	return &MembershipViewHandler{userRepo: userRepo}
}

// ProcessUpsert 处理成员视图写入任务。版本更旧的写入由存储忽略。
func (h *MembershipViewHandler) ProcessUpsert(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	var payload tasks.MembershipViewUpsertPayload
	if err := decodePayload(logCtx, t, &payload); err != nil {
		return err
	}
	view := payload.ToView()
	logCtx = logCtx.WithFields(logrus.Fields{"user_id": view.UserID, "room_id": view.RoomID, "version": view.RoomVersion})

	if err := h.userRepo.UpsertMembershipView(ctx, view); err != nil {
		logCtx.WithError(err).Warn("Membership view upsert retry failed")
		return fmt.Errorf("failed to upsert membership view %s/%s: %w", view.UserID, view.RoomID, err)
	}
	logCtx.Info("Membership view upsert task processed successfully")
	return nil
}

// ProcessRemove 处理成员视图删除任务。
func (h *MembershipViewHandler) ProcessRemove(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	var payload tasks.MembershipViewRemovePayload
	if err := decodePayload(logCtx, t, &payload); err != nil {
		return err
	}
	logCtx = logCtx.WithFields(logrus.Fields{"user_id": payload.UserID, "room_id": payload.RoomID, "version": payload.Version})

	if err := h.userRepo.RemoveMembershipView(ctx, payload.UserID, payload.RoomID, payload.Version); err != nil {
		logCtx.WithError(err).Warn("Membership view removal retry failed")
		return fmt.Errorf("failed to remove membership view %s/%s: %w", payload.UserID, payload.RoomID, err)
	}
	logCtx.Info("Membership view removal task processed successfully")
	return nil
}

// SessionAppendHandler 重试学习记录的追加
type SessionAppendHandler struct {
	userRepo repository.UserRepository
}

// NewSessionAppendHandler 创建 Handler 实例
func NewSessionAppendHandler(userRepo repository.UserRepository) *SessionAppendHandler {
	return &SessionAppendHandler{userRepo: userRepo}
}

// ProcessTask 实现 asynq.Handler 接口。存储以 session ID 去重。
func (h *SessionAppendHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	var payload tasks.SessionAppendPayload
	if err := decodePayload(logCtx, t, &payload); err != nil {
		return err
	}
	logCtx = logCtx.WithFields(logrus.Fields{"user_id": payload.UserID, "session_id": payload.Session.ID})

	if err := h.userRepo.AppendSession(ctx, payload.UserID, payload.Session, payload.HistoryCap); err != nil {
		logCtx.WithError(err).Warn("Session append retry failed")
		return fmt.Errorf("failed to append session %s: %w", payload.Session.ID, err)
	}
	logCtx.Info("Session append task processed successfully")
	return nil
}

// RoomPersistenceHandler 处理房间记录的落盘和删除
type RoomPersistenceHandler struct {
	roomRepo repository.RoomRepository
}

// NewRoomPersistenceHandler 创建 Handler 实例
func NewRoomPersistenceHandler(roomRepo repository.RoomRepository) *RoomPersistenceHandler {
	return &RoomPersistenceHandler{roomRepo: roomRepo}
}

// ProcessPersist 保存房间状态，旧版本由存储忽略。
func (h *RoomPersistenceHandler) ProcessPersist(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	var payload tasks.RoomPersistPayload
	if err := decodePayload(logCtx, t, &payload); err != nil {
		return err
	}
	room := payload.ToRoom()
	logCtx = logCtx.WithFields(logrus.Fields{"room_id": room.ID, "version": room.Version})

	if err := h.roomRepo.Save(ctx, room); err != nil {
		logCtx.WithError(err).Error("Failed to persist room")
		return fmt.Errorf("failed to persist room %s at version %d: %w", room.ID, room.Version, err)
	}
	logCtx.Debug("Room persistence task processed successfully")
	return nil
}

// ProcessDelete 删除房间记录。
func (h *RoomPersistenceHandler) ProcessDelete(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	var payload tasks.RoomDeletePayload
	if err := decodePayload(logCtx, t, &payload); err != nil {
		return err
	}
	logCtx = logCtx.WithField("room_id", payload.RoomID)

	if err := h.roomRepo.Delete(ctx, payload.RoomID); err != nil {
		logCtx.WithError(err).Error("Failed to delete room record")
		return fmt.Errorf("failed to delete room %s: %w", payload.RoomID, err)
	}
	logCtx.Info("Room delete task processed successfully")
	return nil
}
