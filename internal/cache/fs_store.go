package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，磁盘布局为：
//
//	<basePath>/<generation>/<hash[:2]>/<hash>    # JSON 头 + 换行 + 正文
//
// 整个进程复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		gens:     make(map[string]*sync.RWMutex),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入时互相踩踏临时文件；
// gens 为每个代际提供读写锁：Put 持读锁完成“存在检查 → 落盘”，Delete 持写锁，
// 已删除的代际不会被迟到的写入重新建出目录。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
	gens  map[string]*sync.RWMutex
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileBucket struct {
	store      *fileStore
	generation string
	dir        string
}

func (s *fileStore) Open(ctx context.Context, generation string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.generationDir(generation)
	if err != nil {
		return nil, err
	}
	lock := s.generationLock(generation)
	lock.RLock()
	defer lock.RUnlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create generation %s: %w", generation, err)
	}
	return &fileBucket{store: s, generation: generation, dir: dir}, nil
}

func (s *fileStore) Generations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	result := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		result = append(result, entry.Name())
	}
	sort.Strings(result)
	return result, nil
}

func (s *fileStore) Delete(ctx context.Context, generation string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.generationDir(generation)
	if err != nil {
		return false, err
	}
	lock := s.generationLock(generation)
	lock.Lock()
	defer lock.Unlock()
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	// 先改名再删除，避免删除过程中其他读者看到半个目录。
	trash, err := os.MkdirTemp(s.basePath, ".trash-*")
	if err != nil {
		return false, err
	}
	target := filepath.Join(trash, generation)
	if err := os.Rename(dir, target); err != nil {
		os.RemoveAll(trash)
		return false, err
	}
	return true, os.RemoveAll(trash)
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) generationDir(generation string) (string, error) {
	if err := validGeneration(generation); err != nil {
		return "", err
	}
	if strings.ContainsAny(generation, `/\`) || generation == "." || generation == ".." || strings.HasPrefix(generation, ".") {
		return "", fmt.Errorf("invalid generation name %q", generation)
	}
	return filepath.Join(s.basePath, generation), nil
}

func (b *fileBucket) Generation() string {
	return b.generation
}

func (b *fileBucket) Get(ctx context.Context, id Identity) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath := b.entryPath(id)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	resp, key, err := decodeEntry(data)
	if err != nil {
		return nil, err
	}
	if key != id.Key() {
		return nil, ErrNotFound
	}
	return resp, nil
}

func (b *fileBucket) Put(ctx context.Context, id Identity, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	unlock := b.store.lockEntry(b.generation + "::" + id.Hash())
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	genLock := b.store.generationLock(b.generation)
	genLock.RLock()
	defer genLock.RUnlock()
	if _, err := os.Stat(b.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrGenerationDeleted
		}
		return err
	}

	payload, err := encodeEntry(id, stamp(resp))
	if err != nil {
		return err
	}

	filePath := b.entryPath(id)
	if err := os.Mkdir(filepath.Dir(filePath), 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (b *fileBucket) entryPath(id Identity) string {
	hash := id.Hash()
	return filepath.Join(b.dir, hash[:2], hash)
}

func (s *fileStore) generationLock(generation string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.gens[generation]
	if lock == nil {
		lock = &sync.RWMutex{}
		s.gens[generation] = lock
	}
	return lock
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}
