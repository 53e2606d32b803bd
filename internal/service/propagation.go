package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"study-rooms/internal/domain"
	"study-rooms/internal/repository"
	"study-rooms/internal/tasks"
)

// TaskEnqueuer 是 asynq.Client 的入队能力，测试中可以替换。
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// RoomEventPublisher 发布已提交的房间事件，由 StateRepository 实现。
type RoomEventPublisher interface {
	PublishRoomEvent(ctx context.Context, event domain.RoomEvent) error
}

// PropagatorConfig 传播参数
type PropagatorConfig struct {
	MaxRetry     int           // 后台重试次数
	WriteTimeout time.Duration // 单个用户视图写入的超时
	Parallelism  int           // 同时写入的用户数
}

// DefaultPropagatorConfig 默认传播参数
func DefaultPropagatorConfig() PropagatorConfig {
	return PropagatorConfig{MaxRetry: 8, WriteTimeout: 3 * time.Second, Parallelism: 8}
}

// Change 描述一次提交之后需要同步到外部的内容。
type Change struct {
	Room        *domain.Room // 提交后的房间（删除时为删除前的最后状态）
	Upserts     []string     // 需要刷新视图的用户
	Removes     []string     // 需要删除视图的用户
	RoomDeleted bool
	Events      []domain.RoomEvent
}

// Propagator 把 Registry 中已提交的状态同步到用户存储、房间持久化队列和实时事件。
// 直接写入失败的部分进入 asynq 队列重试，不会回滚 Registry。
type Propagator struct {
	userRepo repository.UserRepository
	enqueuer TaskEnqueuer
	events   RoomEventPublisher // 可选
	cfg      PropagatorConfig
}

// NewPropagator 创建 Propagator 实例。events 可以为 nil。
func NewPropagator(userRepo repository.UserRepository, enqueuer TaskEnqueuer, events RoomEventPublisher, cfg PropagatorConfig) *Propagator {
	if userRepo == nil || enqueuer == nil {
		panic("UserRepository and TaskEnqueuer cannot be nil for Propagator")
	}
	def := DefaultPropagatorConfig()
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = def.MaxRetry
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	return &Propagator{userRepo: userRepo, enqueuer: enqueuer, events: events, cfg: cfg}
}

// Propagate 在响应调用方之前执行：并行写入所有受影响用户的视图，
// 然后安排房间落盘并发布事件。任何失败都只记录并转入后台重试。
func (p *Propagator) Propagate(ctx context.Context, change Change) {
	if change.Room == nil {
		return
	}
	logCtx := logrus.WithFields(logrus.Fields{"room_id": change.Room.ID, "version": change.Room.Version})

	// 1. 用户视图
	var g errgroup.Group
	g.SetLimit(p.cfg.Parallelism)
	for _, userID := range change.Upserts {
		view, ok := domain.NewMembershipView(change.Room, userID)
		if !ok {
			logCtx.WithField("user_id", userID).Warn("Propagate: user is not a member of committed room, skipping view upsert")
			continue
		}
		g.Go(func() error {
			p.upsertView(ctx, view)
			return nil
		})
	}
	for _, userID := range change.Removes {
		g.Go(func() error {
			p.removeView(ctx, userID, change.Room.ID, change.Room.Version)
			return nil
		})
	}
	_ = g.Wait()

	// 2. 房间记录
	if change.RoomDeleted {
		p.enqueueRoomDelete(ctx, change.Room.ID)
	} else {
		p.enqueueRoomPersist(ctx, change.Room)
	}

	// 3. 实时事件
	for _, event := range change.Events {
		p.publish(ctx, event)
	}
}

// AppendSession 把学习记录写入用户历史，失败时转入后台重试。
func (p *Propagator) AppendSession(ctx context.Context, userID string, session domain.Session, historyCap int) {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "session_id": session.ID})
	writeCtx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	err := p.userRepo.AppendSession(writeCtx, userID, session, historyCap)
	if err == nil {
		return
	}
	logCtx.WithError(fmt.Errorf("%w: %v", ErrPropagationFailure, err)).Warn("AppendSession: direct write failed, scheduling retry")

	payload, err := tasks.NewSessionAppendTask(userID, session, historyCap)
	if err != nil {
		logCtx.WithError(err).Error("AppendSession: failed to build retry payload")
		return
	}
	p.enqueue(ctx, logCtx, tasks.TypeSessionAppend, payload, "session:"+session.ID)
}

func (p *Propagator) upsertView(ctx context.Context, view domain.MembershipView) {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": view.UserID, "room_id": view.RoomID, "version": view.RoomVersion})
	writeCtx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	err := p.userRepo.UpsertMembershipView(writeCtx, view)
	if err == nil {
		return
	}
	logCtx.WithError(fmt.Errorf("%w: %v", ErrPropagationFailure, err)).Warn("Propagate: view upsert failed, scheduling retry")

	payload, err := tasks.NewMembershipViewUpsertTask(view)
	if err != nil {
		logCtx.WithError(err).Error("Propagate: failed to build upsert payload")
		return
	}
	p.enqueue(ctx, logCtx, tasks.TypeMembershipViewUpsert, payload,
		fmt.Sprintf("view:upsert:%s:%s:%d", view.UserID, view.RoomID, view.RoomVersion))
}

func (p *Propagator) removeView(ctx context.Context, userID, roomID string, version uint64) {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "room_id": roomID, "version": version})
	writeCtx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	err := p.userRepo.RemoveMembershipView(writeCtx, userID, roomID, version)
	if err == nil {
		return
	}
	logCtx.WithError(fmt.Errorf("%w: %v", ErrPropagationFailure, err)).Warn("Propagate: view removal failed, scheduling retry")

	payload, err := tasks.NewMembershipViewRemoveTask(userID, roomID, version)
	if err != nil {
		logCtx.WithError(err).Error("Propagate: failed to build remove payload")
		return
	}
	p.enqueue(ctx, logCtx, tasks.TypeMembershipViewRemove, payload,
		fmt.Sprintf("view:remove:%s:%s:%d", userID, roomID, version))
}

func (p *Propagator) enqueueRoomPersist(ctx context.Context, room *domain.Room) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": room.ID, "version": room.Version})
	payload, err := tasks.NewRoomPersistTask(room)
	if err != nil {
		logCtx.WithError(err).Error("Propagate: failed to build room persist payload")
		return
	}
	p.enqueue(ctx, logCtx, tasks.TypeRoomPersist, payload, fmt.Sprintf("room:persist:%s:%d", room.ID, room.Version))
}

func (p *Propagator) enqueueRoomDelete(ctx context.Context, roomID string) {
	logCtx := logrus.WithField("room_id", roomID)
	payload, err := tasks.NewRoomDeleteTask(roomID)
	if err != nil {
		logCtx.WithError(err).Error("Propagate: failed to build room delete payload")
		return
	}
	p.enqueue(ctx, logCtx, tasks.TypeRoomDelete, payload, "room:delete:"+roomID)
}

// enqueue 使用确定性的 TaskID，同一次写入重复入队会被 asynq 拒绝，视为成功。
// 入队不受请求上下文取消的影响。
func (p *Propagator) enqueue(ctx context.Context, logCtx *logrus.Entry, taskType string, payload []byte, taskID string) {
	enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.WriteTimeout)
	defer cancel()

	task := asynq.NewTask(taskType, payload)
	info, err := p.enqueuer.EnqueueContext(enqueueCtx, task,
		asynq.MaxRetry(p.cfg.MaxRetry),
		asynq.TaskID(taskID),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			logCtx.WithField("task_id", taskID).Debug("Task already queued")
			return
		}
		// 无法入队时只能依赖周期性对账修复
		logCtx.WithError(err).WithField("task_type", taskType).Error("Failed to enqueue task, relying on reconciliation")
		return
	}
	logCtx.WithFields(logrus.Fields{"task_id": info.ID, "queue": info.Queue, "task_type": taskType}).Debug("Task enqueued")
}

func (p *Propagator) publish(ctx context.Context, event domain.RoomEvent) {
	if p.events == nil {
		return
	}
	if err := p.events.PublishRoomEvent(context.WithoutCancel(ctx), event); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"room_id": event.RoomID, "event": event.Type}).
			Warn("Failed to publish room event")
	}
}

// newEvent 根据提交后的房间构建事件。
func newEvent(room *domain.Room, eventType, userID string, at time.Time) domain.RoomEvent {
	return domain.RoomEvent{
		Type:             eventType,
		RoomID:           room.ID,
		UserID:           userID,
		ParticipantCount: room.MemberCount(),
		Version:          room.Version,
		At:               at,
	}
}
