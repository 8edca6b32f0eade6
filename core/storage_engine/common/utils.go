// Package common holds storage helpers shared by the concrete stores.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1 << 20 // 1 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// CopyRangeThrottled copies n bytes starting at off from src to dst, at most
// rateBytesPerSec bytes per second (unlimited when <= 0). It returns the
// number of bytes written.
func CopyRangeThrottled(ctx context.Context, src io.ReaderAt, dst io.Writer, off, n, rateBytesPerSec int64) (int64, error) {
	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		burst := chunkSize
		if rateBytesPerSec < int64(burst) {
			burst = int(rateBytesPerSec)
		}
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), burst)
	}

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	var written int64
	for written < n {
		want := int64(len(buf))
		if rest := n - written; rest < want {
			want = rest
		}
		if limiter != nil && want > int64(limiter.Burst()) {
			want = int64(limiter.Burst())
		}

		m, rerr := src.ReadAt(buf[:want], off+written)
		if m > 0 {
			// throttle: wait until enough tokens available for m bytes
			if limiter != nil {
				if err := limiter.WaitN(ctx, m); err != nil {
					return written, fmt.Errorf("rate limiter: %w", err)
				}
			} else if err := ctx.Err(); err != nil {
				return written, err
			}
			if _, werr := dst.Write(buf[:m]); werr != nil {
				return written, fmt.Errorf("write: %w", werr)
			}
			written += int64(m)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) && written == n {
				break
			}
			return written, fmt.Errorf("read at %d: %w", off+written, rerr)
		}
	}
	return written, nil
}
