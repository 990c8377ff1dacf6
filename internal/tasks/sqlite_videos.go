package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const videoColumns = "id, original_name, storage_path, size_bytes, mime_type, duration_seconds, uploaded_at"

// InsertVideo stores a freshly uploaded video.
func (s *SQLiteStore) InsertVideo(ctx context.Context, video *Video) error {
	if video == nil {
		return errors.New("video is nil")
	}
	if video.ID == "" {
		video.ID = NewVideoID()
	}
	if video.UploadedAt.IsZero() {
		video.UploadedAt = time.Now().UTC()
	}
	var duration any
	if video.Duration != nil {
		duration = *video.Duration
	}
	_, err := s.execWithRetry(ctx,
		`INSERT INTO videos (`+videoColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(video.ID),
		video.OriginalName,
		video.StoragePath,
		video.SizeBytes,
		video.MIMEType,
		duration,
		formatTime(video.UploadedAt),
	)
	if err != nil {
		return unavailable("insert video", err)
	}
	return nil
}

// GetVideo fetches a video by identifier.
func (s *SQLiteStore) GetVideo(ctx context.Context, id VideoID) (*Video, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = ?`, string(id))
	video, err := scanVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get video", err)
	}
	return video, nil
}

// ListVideos returns every video, newest first.
func (s *SQLiteStore) ListVideos(ctx context.Context) ([]*Video, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+videoColumns+` FROM videos ORDER BY uploaded_at DESC, rowid DESC`)
	if err != nil {
		return nil, unavailable("list videos", err)
	}
	defer rows.Close()

	var videos []*Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, unavailable("scan video", err)
		}
		videos = append(videos, video)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate videos", err)
	}
	return videos, nil
}

// DeleteVideo removes the video record only. Callers remove its tasks first.
func (s *SQLiteStore) DeleteVideo(ctx context.Context, id VideoID) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM videos WHERE id = ?`, string(id))
	if err != nil {
		return false, unavailable("delete video", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("rows affected", err)
	}
	return affected > 0, nil
}

func scanVideo(scanner interface{ Scan(dest ...any) error }) (*Video, error) {
	var (
		id, name, storagePath, mimeType string
		size                            int64
		duration                        sql.NullFloat64
		uploadedRaw                     string
	)
	if err := scanner.Scan(&id, &name, &storagePath, &size, &mimeType, &duration, &uploadedRaw); err != nil {
		return nil, err
	}
	video := &Video{
		ID:           VideoID(id),
		OriginalName: name,
		StoragePath:  storagePath,
		SizeBytes:    size,
		MIMEType:     mimeType,
	}
	if duration.Valid {
		value := duration.Float64
		video.Duration = &value
	}
	uploaded, err := parseTimeString(uploadedRaw)
	if err != nil {
		return nil, fmt.Errorf("parse uploaded_at for video %s: %w", id, err)
	}
	video.UploadedAt = uploaded
	return video, nil
}
