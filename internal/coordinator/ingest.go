package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"transcoder/internal/fileutil"
	"transcoder/internal/logging"
	"transcoder/internal/services"
	"transcoder/internal/tasks"
	"transcoder/internal/textutil"
)

// Upload is an incoming source file.
type Upload struct {
	OriginalName string
	MIMEType     string
	// Size is the declared length, or a negative value when unknown.
	Size int64
	Body io.Reader
}

var extensionsByMIME = map[string]string{
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"video/webm":      ".webm",
}

// MIMETypeFor guesses a media type from name's extension, preferring the
// accepted upload types. It returns "" when nothing matches.
func MIMETypeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	for mimeType, known := range extensionsByMIME {
		if known == ext {
			return mimeType
		}
	}
	if guessed, _, err := mime.ParseMediaType(mime.TypeByExtension(ext)); err == nil {
		return guessed
	}
	return ""
}

// IngestVideo stores an upload in the upload directory and records it. The
// duration is probed when a prober is configured; probe failures only leave
// it unset.
func (c *Coordinator) IngestVideo(ctx context.Context, upload Upload) (*tasks.Video, error) {
	name := strings.TrimSpace(filepath.Base(upload.OriginalName))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, services.Wrap(services.ErrValidation, "coordinator", "ingest", "file name is required", nil)
	}
	mimeType := strings.ToLower(strings.TrimSpace(upload.MIMEType))
	if !c.cfg.MIMEAllowed(mimeType) {
		return nil, services.Wrap(services.ErrValidation, "coordinator", "ingest",
			fmt.Sprintf("unsupported media type %q (allowed: %s)", upload.MIMEType, strings.Join(c.cfg.Uploads.AllowedMIMETypes, ", ")), nil)
	}
	limit := c.cfg.Uploads.MaxBytes
	if limit > 0 && upload.Size > limit {
		return nil, tooLarge(limit)
	}
	if upload.Body == nil {
		return nil, services.Wrap(services.ErrValidation, "coordinator", "ingest", "upload body is required", nil)
	}

	id := tasks.NewVideoID()
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = extensionsByMIME[mimeType]
	}
	path := filepath.Join(c.cfg.Paths.UploadDir, fmt.Sprintf("%s-%s%s", textutil.FileStem(name), id, ext))

	size, err := fileutil.WriteAtomic(path, upload.Body, limit)
	if err != nil {
		if errors.Is(err, fileutil.ErrTooLarge) {
			return nil, tooLarge(limit)
		}
		return nil, fmt.Errorf("store upload: %w", err)
	}

	ctx = services.WithVideoID(ctx, string(id))
	logger := logging.WithContext(ctx, c.logger)
	video := &tasks.Video{
		ID:           id,
		OriginalName: name,
		StoragePath:  path,
		SizeBytes:    size,
		MIMEType:     mimeType,
		UploadedAt:   c.now().UTC(),
	}
	if c.prober != nil {
		if seconds, err := c.prober.Probe(ctx, path); err != nil {
			logging.WarnWithContext(logger, "duration probe failed", "probe_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check ffprobe is installed and the file is a valid video"),
				logging.String(logging.FieldImpact, "video stored without a duration"),
			)
		} else {
			video.Duration = &seconds
		}
	}

	if err := c.store.InsertVideo(ctx, video); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	logger.Info("video ingested",
		logging.String(logging.FieldEventType, "video_ingested"),
		logging.String("original_name", name),
		logging.Int64("size_bytes", size),
	)
	return video, nil
}

func tooLarge(limit int64) error {
	return services.Wrap(services.ErrValidation, "coordinator", "ingest",
		fmt.Sprintf("file exceeds the %d byte upload limit", limit), nil)
}
