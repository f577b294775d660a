package assistant

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const DefaultSweepInterval = time.Hour

// StartUploadSweeper periodically prunes upload directories whose
// conversation no longer exists. Deleting a conversation already removes its
// blobs; the sweeper catches files orphaned by a crash between the disk
// write and the document record insert.
func (s *Service) StartUploadSweeper(ctx context.Context, baseDir string, interval time.Duration) {
	if baseDir == "" {
		return
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go s.sweepLoop(ctx, baseDir, interval)
}

func (s *Service) sweepLoop(ctx context.Context, baseDir string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepOrphanedUploads(ctx, baseDir); err != nil {
				log.Printf("sweep uploads error: %v", err)
			}
		}
	}
}

func (s *Service) sweepOrphanedUploads(ctx context.Context, baseDir string) error {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		convID, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		var exists int
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM conversations WHERE id = ?`, convID,
		).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			continue
		}
		dir := filepath.Join(baseDir, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("remove orphaned upload dir %s: %v", dir, err)
		}
	}
	return nil
}
