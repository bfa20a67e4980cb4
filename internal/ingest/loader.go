package ingest

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed schema.sql
var schemaSQL string

// BatchSize is the number of rows queued per round trip.
const BatchSize = 500

const insertVideo = `INSERT INTO videos (
	id, creator_id, video_created_at, views_count, likes_count, comments_count,
	reports_count, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`

const insertSnapshot = `INSERT INTO video_snapshots (
	id, video_id, views_count, likes_count, comments_count, reports_count,
	delta_views_count, delta_likes_count, delta_comments_count, delta_reports_count,
	created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO NOTHING`

// Stats reports how many rows a Load inserted. Rows that already existed are
// counted as skipped.
type Stats struct {
	Videos           int64
	Snapshots        int64
	SkippedVideos    int64
	SkippedSnapshots int64
}

// Statements returns the DDL statements that create the analytics tables.
func Statements() []string {
	var out []string
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// EnsureSchema creates the tables and indexes if they do not exist yet.
func EnsureSchema(ctx context.Context, conn *pgx.Conn) error {
	for _, stmt := range Statements() {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Loader bulk-inserts a dataset in a single transaction.
type Loader struct {
	Log       *slog.Logger
	BatchSize int
}

// Load inserts every video, then every snapshot. Existing ids are left untouched,
// so loading the same file twice is a no-op.
func (l *Loader) Load(ctx context.Context, conn *pgx.Conn, ds *Dataset) (Stats, error) {
	var stats Stats

	size := l.BatchSize
	if size <= 0 {
		size = BatchSize
	}
	log := l.Log
	if log == nil {
		log = slog.Default()
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, v := range ds.Videos {
		batch.Queue(insertVideo,
			v.ID, v.CreatorID, v.VideoCreatedAt.value(), v.ViewsCount, v.LikesCount,
			v.CommentsCount, v.ReportsCount, v.CreatedAt.value(), v.UpdatedAt.value(),
		)
		if batch.Len() >= size {
			if err := flush(ctx, tx, batch, &stats.Videos, &stats.SkippedVideos); err != nil {
				return stats, fmt.Errorf("insert videos: %w", err)
			}
			batch = &pgx.Batch{}
		}
	}
	if err := flush(ctx, tx, batch, &stats.Videos, &stats.SkippedVideos); err != nil {
		return stats, fmt.Errorf("insert videos: %w", err)
	}
	log.Debug("videos queued", "inserted", stats.Videos, "skipped", stats.SkippedVideos)

	batch = &pgx.Batch{}
	for _, v := range ds.Videos {
		for _, s := range v.Snapshots {
			videoID := s.VideoID
			if videoID == "" {
				videoID = v.ID
			}
			batch.Queue(insertSnapshot,
				s.ID, videoID, s.ViewsCount, s.LikesCount, s.CommentsCount, s.ReportsCount,
				s.DeltaViewsCount, s.DeltaLikesCount, s.DeltaCommentsCount, s.DeltaReportsCount,
				s.CreatedAt.value(), s.UpdatedAt.value(),
			)
			if batch.Len() >= size {
				if err := flush(ctx, tx, batch, &stats.Snapshots, &stats.SkippedSnapshots); err != nil {
					return stats, fmt.Errorf("insert snapshots: %w", err)
				}
				batch = &pgx.Batch{}
			}
		}
	}
	if err := flush(ctx, tx, batch, &stats.Snapshots, &stats.SkippedSnapshots); err != nil {
		return stats, fmt.Errorf("insert snapshots: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return stats, fmt.Errorf("commit: %w", err)
	}
	log.Info("dataset loaded",
		"videos", stats.Videos, "snapshots", stats.Snapshots,
		"skipped_videos", stats.SkippedVideos, "skipped_snapshots", stats.SkippedSnapshots,
	)
	return stats, nil
}

func flush(ctx context.Context, tx pgx.Tx, batch *pgx.Batch, inserted, skipped *int64) error {
	n := batch.Len()
	if n == 0 {
		return nil
	}
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < n; i++ {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return err
		}
		if tag.RowsAffected() == 1 {
			*inserted++
		} else {
			*skipped++
		}
	}
	return br.Close()
}
