package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"study-rooms/internal/domain"
	"study-rooms/internal/registry"
	"study-rooms/internal/repository"
)

// 搜索排序方式
const (
	SortRecent       = "recent"
	SortName         = "name"
	SortParticipants = "participants"
)

const (
	DefaultDiscoveryLimit = 20
	MaxDiscoveryLimit     = 100
	TrendingWindow        = 7 * 24 * time.Hour
	trendingCacheKey      = "trending"
	trendingCacheTTL      = 30 * time.Second
)

// SearchFilters 搜索条件
type SearchFilters struct {
	Category string
	SortBy   string
	Limit    int
	Offset   int
}

// RankingCache 排行缓存，由 StateRepository 实现。
type RankingCache interface {
	GetRankingCache(ctx context.Context, name string) ([]string, error)
	SetRankingCache(ctx context.Context, name string, roomIDs []string, ttl time.Duration) error
}

// DiscoveryService 只读取 Registry 快照，只返回公开房间。
type DiscoveryService struct {
	registry *registry.Registry
	userRepo repository.UserRepository
	cache    RankingCache // 可选
}

// NewDiscoveryService 创建 DiscoveryService 实例。cache 可以为 nil。
func NewDiscoveryService(reg *registry.Registry, userRepo repository.UserRepository, cache RankingCache) *DiscoveryService {
	if reg == nil || userRepo == nil {
		panic("Registry and UserRepository cannot be nil for DiscoveryService")
	}
	return &DiscoveryService{registry: reg, userRepo: userRepo, cache: cache}
}

// Search 在公开房间的名称、描述和标签中做不区分大小写的子串匹配。
func (s *DiscoveryService) Search(ctx context.Context, query string, f SearchFilters) ([]*domain.Room, error) {
	sortBy := strings.ToLower(strings.TrimSpace(f.SortBy))
	if sortBy == "" {
		sortBy = SortRecent
	}
	if sortBy != SortRecent && sortBy != SortName && sortBy != SortParticipants {
		return nil, validationError("unknown sort_by %q", f.SortBy)
	}
	if f.Offset < 0 {
		return nil, validationError("offset cannot be negative")
	}
	limit := normalizeLimit(f.Limit)
	q := strings.ToLower(strings.TrimSpace(query))
	category := registry.NormalizeCategory(f.Category)

	matches := make([]*domain.Room, 0)
	for _, room := range s.publicRooms() {
		if category != "" && room.Category != category {
			continue
		}
		if q != "" && !matchesQuery(room, q) {
			continue
		}
		matches = append(matches, room)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		switch sortBy {
		case SortName:
			an, bn := strings.ToLower(a.Name), strings.ToLower(b.Name)
			if an != bn {
				return an < bn
			}
		case SortParticipants:
			if a.MemberCount() != b.MemberCount() {
				return a.MemberCount() > b.MemberCount()
			}
		default:
			if !a.LastActiveAt.Equal(b.LastActiveAt) {
				return a.LastActiveAt.After(b.LastActiveAt)
			}
		}
		return a.ID < b.ID
	})

	return paginate(matches, f.Offset, limit), nil
}

// Trending 最近 7 天内活跃的公开房间，按热度排序。排名在 Redis 中缓存 30 秒。
func (s *DiscoveryService) Trending(ctx context.Context, limit int) ([]*domain.Room, error) {
	ranked := s.trending(ctx)
	return firstN(ranked, normalizeLimit(limit)), nil
}

// Recommended 根据用户的学习历史推荐尚未加入的公开房间。
// 没有历史时退化为热门房间。
func (s *DiscoveryService) Recommended(ctx context.Context, userID string, limit int) ([]*domain.Room, error) {
	logCtx := logrus.WithField("user_id", userID)
	limit = normalizeLimit(limit)

	record, err := s.userRepo.Get(ctx, userID)
	if err != nil {
		logCtx.WithError(err).Error("Recommended: failed to read user record")
		return nil, mapRepoError(err)
	}

	if len(record.Sessions) == 0 {
		return firstN(excludeJoined(s.trending(ctx), userID), limit), nil
	}

	// 1. 兴趣画像：学习过的房间的分类和标签，以及学习主题
	categories := make(map[string]int)
	tags := make(map[string]int)
	for _, session := range record.Sessions {
		if session.RoomID != nil {
			if room, err := s.registry.Get(*session.RoomID); err == nil {
				if room.Category != "" {
					categories[room.Category]++
				}
				for _, t := range room.Tags {
					tags[t]++
				}
			}
		}
		for _, word := range strings.Fields(strings.ToLower(session.Subject)) {
			tags[word]++
		}
	}

	// 2. 打分
	ranked := excludeJoined(s.publicRooms(), userID)
	scores := make(map[string]float64, len(ranked))
	for _, room := range ranked {
		score := popularity(room) / 10
		if room.Category != "" {
			score += 3 * float64(categories[room.Category])
		}
		for _, t := range room.Tags {
			score += float64(tags[t])
		}
		scores[room.ID] = score
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i].ID], scores[ranked[j].ID]
		if si != sj {
			return si > sj
		}
		return ranked[i].ID < ranked[j].ID
	})
	return firstN(ranked, limit), nil
}

// trending 返回完整的热门排名。缓存不可用时直接计算。
func (s *DiscoveryService) trending(ctx context.Context) []*domain.Room {
	public := s.publicRooms()
	byID := make(map[string]*domain.Room, len(public))
	for _, room := range public {
		byID[room.ID] = room
	}

	if s.cache != nil {
		ids, err := s.cache.GetRankingCache(ctx, trendingCacheKey)
		if err == nil {
			ranked := make([]*domain.Room, 0, len(ids))
			for _, id := range ids {
				// 缓存期间被删除或改为私有的房间直接跳过
				if room, ok := byID[id]; ok {
					ranked = append(ranked, room)
				}
			}
			return ranked
		}
		if !errors.Is(err, repository.ErrCacheMiss) {
			logrus.WithError(err).Warn("Trending: ranking cache unavailable, computing directly")
		}
	}

	ranked := rankTrending(public, s.registry.Now())
	if s.cache != nil {
		ids := make([]string, 0, len(ranked))
		for _, room := range firstN(ranked, MaxDiscoveryLimit) {
			ids = append(ids, room.ID)
		}
		if err := s.cache.SetRankingCache(ctx, trendingCacheKey, ids, trendingCacheTTL); err != nil {
			logrus.WithError(err).Warn("Trending: failed to cache ranking")
		}
	}
	return ranked
}

func (s *DiscoveryService) publicRooms() []*domain.Room {
	all := s.registry.List()
	public := make([]*domain.Room, 0, len(all))
	for _, room := range all {
		if !room.IsPrivate {
			public = append(public, room)
		}
	}
	return public
}

// rankTrending 过滤掉 7 天内不活跃的房间并按热度降序排列。
func rankTrending(rooms []*domain.Room, now time.Time) []*domain.Room {
	active := make([]*domain.Room, 0, len(rooms))
	for _, room := range rooms {
		if now.Sub(room.LastActiveAt) <= TrendingWindow {
			active = append(active, room)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		pi, pj := popularity(active[i]), popularity(active[j])
		if pi != pj {
			return pi > pj
		}
		return active[i].ID < active[j].ID
	})
	return active
}

// popularity = 2×成员数 + 会话数 + 学习小时数
func popularity(room *domain.Room) float64 {
	return 2*float64(room.MemberCount()) + float64(room.TotalSessions) + float64(room.Stats.TotalStudyMinutes)/60
}

func matchesQuery(room *domain.Room, q string) bool {
	if strings.Contains(strings.ToLower(room.Name), q) || strings.Contains(strings.ToLower(room.Description), q) {
		return true
	}
	for _, t := range room.Tags {
		if strings.Contains(t, q) {
			return true
		}
	}
	return false
}

func excludeJoined(rooms []*domain.Room, userID string) []*domain.Room {
	out := make([]*domain.Room, 0, len(rooms))
	for _, room := range rooms {
		if !room.IsMember(userID) {
			out = append(out, room)
		}
	}
	return out
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultDiscoveryLimit
	}
	if limit > MaxDiscoveryLimit {
		return MaxDiscoveryLimit
	}
	return limit
}

func paginate(rooms []*domain.Room, offset, limit int) []*domain.Room {
	if offset >= len(rooms) {
		return []*domain.Room{}
	}
	return firstN(rooms[offset:], limit)
}

func firstN(rooms []*domain.Room, n int) []*domain.Room {
	if len(rooms) > n {
		return rooms[:n]
	}
	return rooms
}
