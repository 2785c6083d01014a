package lifecycle

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// PrimeError 记录单个清单条目的预热失败。
type PrimeError struct {
	URL string
	Err error
}

func (e PrimeError) Error() string {
	return fmt.Sprintf("prime %s: %v", e.URL, e.Err)
}

func (e PrimeError) Unwrap() error {
	return e.Err
}

// PrimeReport 汇总一次安装的预热结果。失败不会阻止安装完成。
type PrimeReport struct {
	Generation string       `json:"generation"`
	Primed     []string     `json:"primed"`
	Skipped    []string     `json:"skipped,omitempty"`
	Failed     []PrimeError `json:"-"`
	Bytes      int64        `json:"bytes"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Err joins every prime failure, or returns nil.
func (r *PrimeReport) Err() error {
	if r == nil || len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// FailedURLs lists the manifest entries that could not be primed.
func (r *PrimeReport) FailedURLs() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		out = append(out, f.URL)
	}
	return out
}

func (r *PrimeReport) sort() {
	sort.Strings(r.Primed)
	sort.Strings(r.Skipped)
	sort.Slice(r.Failed, func(i, j int) bool { return r.Failed[i].URL < r.Failed[j].URL })
}
