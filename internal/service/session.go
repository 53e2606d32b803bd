package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"study-rooms/internal/domain"
	"study-rooms/internal/registry"
	"study-rooms/internal/repository"
)

const (
	MaxSessionMinutes = 24 * 60
	MaxFocusScore     = 100
	MaxSubjectLength  = 100
	DefaultHistoryCap = 50
)

// EndSessionInput 结束会话时由客户端上报的数据
type EndSessionInput struct {
	DurationMinutes int
	FocusScore      int
}

// SoloSessionInput 个人学习记录，StartedAt 为空时按当前时间倒推
type SoloSessionInput struct {
	Subject         string
	DurationMinutes int
	FocusScore      int
	StartedAt       *time.Time
}

// SessionService 负责房间内的学习会话和个人学习记录。
type SessionService struct {
	registry   *registry.Registry
	userRepo   repository.UserRepository
	propagator *Propagator
	historyCap int
}

// NewSessionService 创建 SessionService 实例。historyCap <= 0 时使用默认值。
func NewSessionService(reg *registry.Registry, userRepo repository.UserRepository, propagator *Propagator, historyCap int) *SessionService {
	if reg == nil || userRepo == nil || propagator == nil {
		panic("Registry, UserRepository and Propagator cannot be nil for SessionService")
	}
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &SessionService{registry: reg, userRepo: userRepo, propagator: propagator, historyCap: historyCap}
}

// StartSession 成员在房间内开始一次学习会话，同一时间只能有一个。
func (s *SessionService) StartSession(ctx context.Context, userID, roomID, subject string) error {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "room_id": roomID})

	subject, err := normalizeSubject(subject)
	if err != nil {
		return err
	}

	commit, err := s.registry.Mutate(roomID, func(r *domain.Room) error {
		if !r.IsMember(userID) {
			return ErrNotMember
		}
		if r.CurrentSession != nil {
			return ErrSessionAlreadyActive
		}
		now := s.registry.Now()
		r.CurrentSession = &domain.LiveSession{
			StartedAt:          now,
			Subject:            subject,
			StartedBy:          userID,
			ActiveParticipants: []string{userID},
		}
		r.LastActiveAt = now
		return nil
	})
	if err != nil {
		logCtx.WithError(err).Warn("StartSession: rejected")
		return mapRegistryError(err)
	}

	room := commit.Room
	s.propagator.Propagate(ctx, Change{
		Room:    room,
		Upserts: room.MemberIDs(),
		Events:  []domain.RoomEvent{newEvent(room, domain.EventSessionStarted, userID, room.LastActiveAt)},
	})

	logCtx.WithField("subject", subject).Info("Session started")
	return nil
}

// JoinSession 成员加入正在进行的会话，重复加入不报错。
func (s *SessionService) JoinSession(ctx context.Context, userID, roomID string) error {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "room_id": roomID})

	joined := false
	commit, err := s.registry.Mutate(roomID, func(r *domain.Room) error {
		joined = false
		if !r.IsMember(userID) {
			return ErrNotMember
		}
		if r.CurrentSession == nil {
			return ErrNoActiveSession
		}
		if !r.IsActiveParticipant(userID) {
			r.CurrentSession.ActiveParticipants = append(r.CurrentSession.ActiveParticipants, userID)
			joined = true
		}
		return nil
	})
	if err != nil {
		logCtx.WithError(err).Warn("JoinSession: rejected")
		return mapRegistryError(err)
	}
	if !joined {
		logCtx.Debug("JoinSession: already participating")
		return nil
	}

	// 参与者不在用户视图中，只需要广播
	s.propagator.Propagate(ctx, Change{
		Room:   commit.Room,
		Events: []domain.RoomEvent{newEvent(commit.Room, domain.EventSessionJoined, userID, s.registry.Now())},
	})

	logCtx.Info("User joined session")
	return nil
}

// EndSession 结束当前会话，更新房间统计，并把学习记录写入调用者的历史。
func (s *SessionService) EndSession(ctx context.Context, userID, roomID string, in EndSessionInput) (*domain.Session, error) {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "room_id": roomID})

	duration := clamp(in.DurationMinutes, 0, MaxSessionMinutes)
	focus := clamp(in.FocusScore, 0, MaxFocusScore)

	var live domain.LiveSession
	commit, err := s.registry.Mutate(roomID, func(r *domain.Room) error {
		if !r.IsMember(userID) {
			return ErrNotMember
		}
		if r.CurrentSession == nil {
			return ErrNoActiveSession
		}
		live = *r.CurrentSession
		applySessionStats(r, duration)
		r.CurrentSession = nil
		r.LastActiveAt = s.registry.Now()
		return nil
	})
	if err != nil {
		logCtx.WithError(err).Warn("EndSession: rejected")
		return nil, mapRegistryError(err)
	}
	room := commit.Room

	// 1. 写入调用者的学习历史
	rid := room.ID
	session := domain.Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		RoomID:          &rid,
		Subject:         live.Subject,
		StartedAt:       live.StartedAt,
		DurationMinutes: duration,
		FocusScore:      focus,
	}
	s.propagator.AppendSession(ctx, userID, session, s.historyCap)

	// 2. 同步成员视图并广播
	s.propagator.Propagate(ctx, Change{
		Room:    room,
		Upserts: room.MemberIDs(),
		Events:  []domain.RoomEvent{newEvent(room, domain.EventSessionEnded, userID, room.LastActiveAt)},
	})

	logCtx.WithFields(logrus.Fields{
		"duration":       duration,
		"total_sessions": room.TotalSessions,
		"avg_minutes":    room.Stats.AverageSessionMinutes,
	}).Info("Session ended")
	return &session, nil
}

// RecordSoloSession 记录一次不属于任何房间的个人学习，不访问 Registry。
func (s *SessionService) RecordSoloSession(ctx context.Context, userID string, in SoloSessionInput) (*domain.Session, error) {
	logCtx := logrus.WithField("user_id", userID)

	subject, err := normalizeSubject(in.Subject)
	if err != nil {
		return nil, err
	}
	duration := clamp(in.DurationMinutes, 0, MaxSessionMinutes)
	startedAt := s.registry.Now().Add(-time.Duration(duration) * time.Minute)
	if in.StartedAt != nil && !in.StartedAt.IsZero() {
		startedAt = in.StartedAt.UTC()
	}

	session := domain.Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		Subject:         subject,
		StartedAt:       startedAt,
		DurationMinutes: duration,
		FocusScore:      clamp(in.FocusScore, 0, MaxFocusScore),
	}
	s.propagator.AppendSession(ctx, userID, session, s.historyCap)

	logCtx.WithField("session_id", session.ID).Info("Solo session recorded")
	return &session, nil
}

// History 返回用户最近的学习记录，最新的在前。
func (s *SessionService) History(ctx context.Context, userID string, limit int) ([]domain.Session, error) {
	if limit <= 0 || limit > s.historyCap {
		limit = s.historyCap
	}
	record, err := s.userRepo.Get(ctx, userID)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("History: failed to read user record")
		return nil, mapRepoError(err)
	}
	sessions := record.Sessions
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	out := make([]domain.Session, len(sessions))
	copy(out, sessions)
	return out, nil
}

// applySessionStats 累加房间统计，平均时长按整数四舍五入。
func applySessionStats(r *domain.Room, minutes int) {
	r.TotalSessions++
	r.Stats.TotalStudyMinutes += minutes
	r.Stats.AverageSessionMinutes = (r.Stats.TotalStudyMinutes*2 + r.TotalSessions) / (r.TotalSessions * 2)
}

func normalizeSubject(subject string) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", validationError("subject is required")
	}
	if utf8.RuneCountInString(subject) > MaxSubjectLength {
		return "", validationError("subject longer than %d characters", MaxSubjectLength)
	}
	return subject, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
