package service

import (
	"errors"
	"fmt"

	"study-rooms/internal/registry"
	"study-rooms/internal/repository"
)

var (
	ErrValidation           = errors.New("invalid input")
	ErrRoomNotFound         = errors.New("room not found")
	ErrInvalidKey           = errors.New("invalid access key") // 对外与 ErrRoomNotFound 表现一致
	ErrAlreadyMember        = errors.New("already a member of this room")
	ErrNotMember            = errors.New("not a member of this room")
	ErrRoomFull             = errors.New("room is full")
	ErrForbidden            = errors.New("only the room owner can do this")
	ErrSessionAlreadyActive = errors.New("a session is already active in this room")
	ErrNoActiveSession      = errors.New("no active session in this room")
	ErrPropagationFailure   = errors.New("membership view propagation failed") // 不返回给调用方，只记录并重试
	ErrInternalServer       = errors.New("internal server error")
)

// validationError 给 ErrValidation 附加具体原因。
func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// mapRegistryError 将 Registry 的错误映射为服务层错误。
// 回调中返回的服务层错误原样透传。
func mapRegistryError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrRoomNotFound):
		return ErrRoomNotFound
	case errors.Is(err, registry.ErrInvalidRoom):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	case isServiceError(err):
		return err
	}
	return fmt.Errorf("%w: %v", ErrInternalServer, err)
}

// mapRepoError 将仓库层的错误（GORM / Redis）映射到服务层定义的错误。
func mapRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return ErrRoomNotFound
	}
	return fmt.Errorf("%w: %v", ErrInternalServer, err)
}

func isServiceError(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrRoomNotFound, ErrInvalidKey, ErrAlreadyMember, ErrNotMember,
		ErrRoomFull, ErrForbidden, ErrSessionAlreadyActive, ErrNoActiveSession, ErrInternalServer,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
