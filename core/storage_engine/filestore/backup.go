package filestore

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/JohannesLichtenberger/treetank/core/dberror"
	"github.com/JohannesLichtenberger/treetank/core/storage_engine/common"
)

// Backup copies a consistent snapshot of the store to dst, throttled to
// bytesPerSec (unlimited when <= 0). Committed pages are never rewritten, so
// only the beacon slots and the current end offset are captured under the
// lock; the page area is copied while writers keep appending.
func (s *Store) Backup(ctx context.Context, dst string, bytesPerSec int64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return dberror.ErrStorageClosed
	}
	end := s.end
	beacons := make([]byte, dataStart)
	_, err := s.file.ReadAt(beacons, 0)
	s.mu.Unlock()
	if err != nil {
		return dberror.IO("read beacon slots", err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return dberror.IO("create backup "+dst, err)
	}
	defer out.Close()

	if _, err := out.Write(beacons); err != nil {
		return dberror.IO("write backup beacons", err)
	}
	n, err := common.CopyRangeThrottled(ctx, s.file, out, dataStart, end-dataStart, bytesPerSec)
	if err != nil {
		return dberror.IO("copy pages", err)
	}
	if err := out.Sync(); err != nil {
		return dberror.IO("sync backup", err)
	}
	s.logger.Info("backup written", zap.String("dst", dst), zap.Int64("bytes", n+dataStart))
	return nil
}
