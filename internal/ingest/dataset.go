// Package ingest creates the analytics tables and bulk-loads a JSON export of
// videos and their hourly snapshots.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Dataset is the export file: videos, each with its snapshots nested inside.
type Dataset struct {
	Videos []Video `json:"videos"`
}

// Video is one row of the videos table.
type Video struct {
	ID             string     `json:"id"`
	CreatorID      *string    `json:"creator_id"`
	VideoCreatedAt *Timestamp `json:"video_created_at"`
	ViewsCount     *int64     `json:"views_count"`
	LikesCount     *int64     `json:"likes_count"`
	CommentsCount  *int64     `json:"comments_count"`
	ReportsCount   *int64     `json:"reports_count"`
	CreatedAt      *Timestamp `json:"created_at"`
	UpdatedAt      *Timestamp `json:"updated_at"`
	Snapshots      []Snapshot `json:"snapshots"`
}

// Snapshot is one row of the video_snapshots table.
type Snapshot struct {
	ID                 string     `json:"id"`
	VideoID            string     `json:"video_id"`
	ViewsCount         *int64     `json:"views_count"`
	LikesCount         *int64     `json:"likes_count"`
	CommentsCount      *int64     `json:"comments_count"`
	ReportsCount       *int64     `json:"reports_count"`
	DeltaViewsCount    *int64     `json:"delta_views_count"`
	DeltaLikesCount    *int64     `json:"delta_likes_count"`
	DeltaCommentsCount *int64     `json:"delta_comments_count"`
	DeltaReportsCount  *int64     `json:"delta_reports_count"`
	CreatedAt          *Timestamp `json:"created_at"`
	UpdatedAt          *Timestamp `json:"updated_at"`
}

// Timestamp is an ISO-8601 time from the export. A zone offset is dropped and the
// wall clock kept as written; the columns have no zone.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses s using the layouts the export is known to contain.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return wallClock(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// wallClock re-labels t's local date and time as UTC without shifting it.
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	ts.Time = t
	return nil
}

// value returns the argument to bind for a nullable timestamp column.
func (ts *Timestamp) value() any {
	if ts == nil || ts.IsZero() {
		return nil
	}
	return ts.Time
}

// Decode reads a dataset from r.
func Decode(r io.Reader) (*Dataset, error) {
	var ds Dataset
	if err := json.NewDecoder(r).Decode(&ds); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	for i, v := range ds.Videos {
		if v.ID == "" {
			return nil, fmt.Errorf("video #%d has no id", i)
		}
	}
	return &ds, nil
}

// ReadFile decodes the dataset stored at path.
func ReadFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// SnapshotCount returns the number of snapshots across all videos.
func (ds *Dataset) SnapshotCount() int {
	n := 0
	for _, v := range ds.Videos {
		n += len(v.Snapshots)
	}
	return n
}
