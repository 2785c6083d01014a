package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Store 管理全部缓存代际。实现必须支持并发调用：不同代际的写入互不影响，
// 同一代际同一 Identity 的并发写入以最后一次为准。
type Store interface {
	// Open 返回指定代际的句柄，不存在时创建。
	Open(ctx context.Context, generation string) (Bucket, error)

	// Generations 列出当前存在的全部代际，按名称排序。
	Generations(ctx context.Context) ([]string, error)

	// Delete 删除整个代际及其全部条目，返回该代际此前是否存在。
	Delete(ctx context.Context, generation string) (bool, error)

	// Close 释放后端持有的连接或文件句柄。
	Close() error
}

// Bucket 是单个代际的读写句柄。
type Bucket interface {
	Generation() string

	// Get 返回存储的响应副本；未命中返回 ErrNotFound。
	Get(ctx context.Context, id Identity) (*Response, error)

	// Put 写入（或整体替换）一条响应。读者永远看不到写了一半的条目。
	// 代际已被删除时返回 ErrGenerationDeleted，不会让其复活。
	Put(ctx context.Context, id Identity, resp *Response) error
}

// ResponseType 对应响应的来源类别，error 类型的响应不会被写入。
type ResponseType string

const (
	ResponseBasic  ResponseType = "basic"
	ResponseCORS   ResponseType = "cors"
	ResponseOpaque ResponseType = "opaque"
	ResponseError  ResponseType = "error"
)

// Response 是存储层的响应表示：状态码、头部与完整正文。写入后视为不可变。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Type     ResponseType
	URL      string
	StoredAt time.Time
}

// Clone 生成与原响应互不共享内存的副本，用于“返回调用方 + 写入缓存”的扇出。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// Size 返回正文字节数。
func (r *Response) Size() int64 {
	if r == nil {
		return 0
	}
	return int64(len(r.Body))
}

var (
	// ErrNotFound 表示缓存未命中，是正常的否定结果而非故障。
	ErrNotFound = errors.New("cache entry not found")

	// ErrWriteSkipped 表示响应不满足写入条件（非 200 或 error 类型）。
	ErrWriteSkipped = errors.New("response not eligible for storage")

	// ErrGenerationDeleted 表示目标代际已被删除，写入被放弃。
	ErrGenerationDeleted = errors.New("cache generation deleted")
)

// Eligible 判断响应能否写入缓存，不满足时返回包装了 ErrWriteSkipped 的错误。
func Eligible(resp *Response) error {
	switch {
	case resp == nil:
		return fmt.Errorf("%w: empty response", ErrWriteSkipped)
	case resp.Type == ResponseError:
		return fmt.Errorf("%w: error-typed response", ErrWriteSkipped)
	case resp.Status != http.StatusOK:
		return fmt.Errorf("%w: status %d", ErrWriteSkipped, resp.Status)
	}
	return nil
}

func validGeneration(generation string) error {
	if generation == "" {
		return errors.New("generation required")
	}
	return nil
}
