package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce 合并编辑器一次保存触发的多个文件事件。
const DefaultWatchDebounce = 2 * time.Second

// Watch 监听配置文件所在目录，文件变更并静默 debounce 之后重新 Load，并把结果交给 onChange。
// 监听目录而不是文件本身，确保 rename 式保存后仍能继续收到事件。ctx 取消后返回 nil。
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func(*Config, error)) error {
	if onChange == nil {
		return fmt.Errorf("onChange callback required")
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	go func() {
		defer watcher.Close()

		timer := time.NewTimer(0)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(e.Name) != abs || e.Op == fsnotify.Chmod {
					continue
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			case <-timer.C:
				cfg, err := Load(abs)
				onChange(cfg, err)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				onChange(nil, fmt.Errorf("config watcher: %w", err))
			}
		}
	}()
	return nil
}
