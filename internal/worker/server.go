package worker

import (
	"context"
	"errors"
	"net/http" // 需要导入 http 以检查 ErrServerClosed
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"study-rooms/internal/registry"
	"study-rooms/internal/repository"
	"study-rooms/internal/tasks"
)

const (
	baseRetryDelay = time.Second
	maxRetryDelay  = 5 * time.Minute
)

// Dependencies 任务处理器需要的依赖
type Dependencies struct {
	Registry *registry.Registry
	UserRepo repository.UserRepository
	RoomRepo repository.RoomRepository
}

// WorkerServer 封装了 Asynq Worker Server 的启动和关闭逻辑
type WorkerServer struct {
	server *asynq.Server
	log    *logrus.Entry
	deps   Dependencies
}

// NewWorkerServer 创建一个新的 WorkerServer 实例
func NewWorkerServer(redisOpt asynq.RedisClientOpt, deps Dependencies, logger *logrus.Logger) *WorkerServer {
	if deps.Registry == nil || deps.UserRepo == nil || deps.RoomRepo == nil {
		panic("Registry, UserRepository and RoomRepository cannot be nil for WorkerServer")
	}
	logEntry := logger.WithField("component", "worker_server")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			RetryDelayFunc: RetryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				reportFailure(ctx, logEntry, task, err)
			}),
		},
	)

	return &WorkerServer{
		server: server,
		log:    logEntry,
		deps:   deps,
	}
}

// NewServeMux 注册所有任务处理器
func NewServeMux(deps Dependencies) *asynq.ServeMux {
	mux := asynq.NewServeMux()

	views := NewMembershipViewHandler(deps.UserRepo)
	mux.HandleFunc(tasks.TypeMembershipViewUpsert, views.ProcessUpsert)
	mux.HandleFunc(tasks.TypeMembershipViewRemove, views.ProcessRemove)

	sessions := NewSessionAppendHandler(deps.UserRepo)
	mux.HandleFunc(tasks.TypeSessionAppend, sessions.ProcessTask)

	rooms := NewRoomPersistenceHandler(deps.RoomRepo)
	mux.HandleFunc(tasks.TypeRoomPersist, rooms.ProcessPersist)
	mux.HandleFunc(tasks.TypeRoomDelete, rooms.ProcessDelete)

	reconcile := NewReconcileHandler(deps.Registry, deps.UserRepo)
	mux.HandleFunc(tasks.TypeMembershipReconcile, reconcile.ProcessTask)

	return mux
}

// Start 运行 Worker Server
// 它应该在一个单独的 goroutine 中调用
func (ws *WorkerServer) Start() {
	mux := NewServeMux(ws.deps)

	ws.log.Info("Worker server starting...")
	if err := ws.server.Run(mux); err != nil {
		// 检查是否是正常关闭错误
		if !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, asynq.ErrServerClosed) {
			ws.log.Fatalf("Could not run worker server: %v", err)
		} else {
			ws.log.Info("Worker server stopped.")
		}
	}
}

// Shutdown 优雅地关闭 Worker Server
func (ws *WorkerServer) Shutdown() {
	ws.log.Info("Shutting down worker server...")
	ws.server.Shutdown()
	ws.log.Info("Worker server shut down complete.")
}

// RetryDelay 指数退避：1s, 2s, 4s ... 最长 5 分钟
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= 20 {
		return maxRetryDelay
	}
	delay := baseRetryDelay << uint(n)
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// divergent 这些任务最终失败意味着用户侧数据与 Registry 不一致
func divergent(taskType string) bool {
	switch taskType {
	case tasks.TypeMembershipViewUpsert, tasks.TypeMembershipViewRemove, tasks.TypeSessionAppend:
		return true
	}
	return false
}

func reportFailure(ctx context.Context, log *logrus.Entry, task *asynq.Task, err error) {
	taskID := ""
	if rw := task.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	retryCount, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	logCtx := log.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": task.Type(),
		"retries":   retryCount,
		"max_retry": maxRetry,
	})

	if retryCount >= maxRetry && divergent(task.Type()) {
		// 重试耗尽，只能等待周期性对账
		logCtx.WithField("alert", "membership_view_divergence").WithError(err).
			Error("Task retries exhausted, user record diverges from registry")
		return
	}
	logCtx.Errorf("Task failed: %v", err)
}
