package registry

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"study-rooms/internal/domain"
)

// ClampCapacity 把容量限制在 [2,50]，0 表示未指定，使用默认值。
func ClampCapacity(capacity int) int {
	switch {
	case capacity == 0:
		return domain.DefaultRoomCapacity
	case capacity < domain.MinRoomCapacity:
		return domain.MinRoomCapacity
	case capacity > domain.MaxRoomCapacity:
		return domain.MaxRoomCapacity
	}
	return capacity
}

// NormalizeCategory 分类统一为小写、去除首尾空白。
func NormalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

// NormalizeTags 小写、去空、去重，最多保留 MaxTags 个，过长的标签被丢弃。
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || len(t) > MaxTagLength {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == MaxTags {
			break
		}
	}
	return out
}

// generateUniqueAccessKey 生成在注册表内唯一的访问密钥。调用方必须持有 r.mu 写锁。
// 字母表长度为 32，按字节取模没有偏差；16 位共 80 bit 随机性。
func (r *Registry) generateUniqueAccessKey() (string, error) {
	const letters = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	const keyLength = 16
	const maxAttempts = 10

	b := make([]byte, keyLength)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}
		for i := range b {
			b[i] = letters[int(b[i])%len(letters)]
		}
		key := string(b)
		if _, exists := r.keys[key]; !exists {
			return key, nil
		}
		logrus.Warnf("Generated access key already exists, retrying (attempt %d)...", attempt+1)
	}
	return "", fmt.Errorf("failed to generate a unique access key after %d attempts", maxAttempts)
}
