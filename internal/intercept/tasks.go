package intercept

import (
	"context"
	"sync"
)

// Tasks 管理与请求解耦的后台任务（重新验证、按需填充）。所有任务共享一个可取消的
// context；Close 取消该 context 并等待任务退出，此后提交的任务被直接丢弃。
type Tasks struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewTasks 基于 parent 创建任务组。parent 取消等价于 Close 的取消部分。
func NewTasks(parent context.Context) *Tasks {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Tasks{ctx: ctx, cancel: cancel}
}

// Go 在后台执行 fn，返回任务是否被接受。
func (t *Tasks) Go(fn func(ctx context.Context)) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		fn(t.ctx)
	}()
	return true
}

// Wait 阻塞直到当前已提交的任务全部结束。
func (t *Tasks) Wait() {
	t.wg.Wait()
}

// Close 取消全部进行中的任务并等待其退出，可重复调用。
func (t *Tasks) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()
}

// Context returns the context shared by every task.
func (t *Tasks) Context() context.Context {
	return t.ctx
}
