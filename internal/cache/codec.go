package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// entryMeta 是条目头部的 JSON 描述，正文紧随其后（以换行分隔）。
type entryMeta struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Type     string      `json:"type,omitempty"`
	URL      string      `json:"url,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

func encodeEntry(id Identity, resp *Response) ([]byte, error) {
	meta := entryMeta{
		Key:      id.Key(),
		Status:   resp.Status,
		Header:   resp.Header,
		Type:     string(resp.Type),
		URL:      resp.URL,
		StoredAt: resp.StoredAt.UTC(),
	}
	head, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode entry meta: %w", err)
	}
	buf := bytes.NewBuffer(make([]byte, 0, len(head)+1+len(resp.Body)))
	buf.Write(head)
	buf.WriteByte('\n')
	buf.Write(resp.Body)
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (*Response, string, error) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, "", errors.New("corrupt cache entry: missing header")
	}
	var meta entryMeta
	if err := json.Unmarshal(data[:idx], &meta); err != nil {
		return nil, "", fmt.Errorf("corrupt cache entry: %w", err)
	}
	header := meta.Header
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status:   meta.Status,
		Header:   header,
		Body:     append([]byte(nil), data[idx+1:]...),
		Type:     ResponseType(meta.Type),
		URL:      meta.URL,
		StoredAt: meta.StoredAt,
	}, meta.Key, nil
}

// stamp 返回带写入时间的副本，调用方传入的响应保持不变。
func stamp(resp *Response) *Response {
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	return stored
}
