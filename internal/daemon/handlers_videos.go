package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"transcoder/internal/coordinator"
	"transcoder/internal/tasks"
	"transcoder/internal/variant"
)

// uploadField is the multipart field carrying the source video.
const uploadField = "video"

// VideoView is a video together with its tasks.
type VideoView struct {
	*tasks.Video
	Tasks []*tasks.Task `json:"tasks"`
}

// CreateTasksRequest is the body of POST /api/videos/{id}/tasks.
type CreateTasksRequest struct {
	Variants []variant.Request `json:"variants"`
}

func (h *handlers) handleUpload(w http.ResponseWriter, r *http.Request) {
	reader, err := r.MultipartReader()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "expected a multipart/form-data body")
		return
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, "no video file provided")
			return
		}
		if err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("read multipart body: %v", err))
			return
		}
		if part.FormName() != uploadField || part.FileName() == "" {
			_ = part.Close()
			continue
		}
		video, err := h.d.coord.IngestVideo(r.Context(), coordinator.Upload{
			OriginalName: part.FileName(),
			MIMEType:     partMIMEType(part.Header.Get("Content-Type"), part.FileName()),
			Size:         -1,
			Body:         part,
		})
		_ = part.Close()
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		h.writeMessage(w, http.StatusCreated, "video uploaded", video)
		return
	}
}

// partMIMEType prefers the declared type and falls back to the extension when
// the client only sent a generic one.
func partMIMEType(declared, fileName string) string {
	declared = strings.TrimSpace(declared)
	if mediaType, _, err := mime.ParseMediaType(declared); err == nil {
		declared = mediaType
	}
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if guessed := coordinator.MIMETypeFor(fileName); guessed != "" {
		return guessed
	}
	return declared
}

func (h *handlers) handleListVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := h.d.store.ListVideos(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	views := make([]VideoView, 0, len(videos))
	for _, video := range videos {
		view, err := h.videoView(r.Context(), video)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		views = append(views, view)
	}
	h.writeData(w, http.StatusOK, map[string]any{"count": len(views), "videos": views})
}

func (h *handlers) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	video, ok := h.lookupVideo(w, r)
	if !ok {
		return
	}
	view, err := h.videoView(r.Context(), video)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, view)
}

func (h *handlers) handleDeleteVideo(w http.ResponseWriter, r *http.Request) {
	id := tasks.VideoID(mux.Vars(r)["id"])
	deleted, err := h.d.coord.DeleteVideo(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if !deleted {
		h.writeError(w, http.StatusNotFound, "video not found")
		return
	}
	h.writeMessage(w, http.StatusOK, "video and all associated tasks deleted", nil)
}

func (h *handlers) handleCreateTasks(w http.ResponseWriter, r *http.Request) {
	var req CreateTasksRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	id := tasks.VideoID(mux.Vars(r)["id"])
	result, err := h.d.coord.CreateTasks(r.Context(), id, req.Variants)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if len(result.Created) == 0 {
		h.writeMessage(w, http.StatusOK, "no new tasks; every variant already exists", result)
		return
	}
	h.writeMessage(w, http.StatusCreated, fmt.Sprintf("%d task(s) created and queued", len(result.Created)), result)
}

func (h *handlers) lookupVideo(w http.ResponseWriter, r *http.Request) (*tasks.Video, bool) {
	video, err := h.d.store.GetVideo(r.Context(), tasks.VideoID(mux.Vars(r)["id"]))
	if err != nil {
		h.writeFailure(w, r, err)
		return nil, false
	}
	if video == nil {
		h.writeError(w, http.StatusNotFound, "video not found")
		return nil, false
	}
	return video, true
}

func (h *handlers) videoView(ctx context.Context, video *tasks.Video) (VideoView, error) {
	list, err := h.d.store.Find(ctx, tasks.Filter{VideoID: video.ID})
	if err != nil {
		return VideoView{}, err
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	return VideoView{Video: video, Tasks: list}, nil
}
