package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"transcoder/internal/config"
	"transcoder/internal/coordinator"
	"transcoder/internal/tasks"
)

func newVideoCommand(ctx *commandContext) *cobra.Command {
	videoCmd := &cobra.Command{
		Use:   "video",
		Short: "Manage uploaded source videos",
	}
	videoCmd.AddCommand(newVideoAddCommand(ctx))
	videoCmd.AddCommand(newVideoListCommand(ctx))
	videoCmd.AddCommand(newVideoShowCommand(ctx))
	videoCmd.AddCommand(newVideoRemoveCommand(ctx))
	return videoCmd
}

func newVideoAddCommand(ctx *commandContext) *cobra.Command {
	var mimeType string

	cmd := &cobra.Command{
		Use:   "add <file>",
		Short: "Copy a local video into the upload directory and register it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ExpandPath(args[0])
			if err != nil {
				return err
			}
			file, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer file.Close()
			info, err := file.Stat()
			if err != nil {
				return err
			}
			if info.IsDir() {
				return fmt.Errorf("%s is a directory", path)
			}
			if strings.TrimSpace(mimeType) == "" {
				mimeType = coordinator.MIMETypeFor(path)
			}

			return ctx.withRuntime(func(rt *runtime) error {
				video, err := rt.coord.IngestVideo(cmd.Context(), coordinator.Upload{
					OriginalName: filepath.Base(path),
					MIMEType:     mimeType,
					Size:         info.Size(),
					Body:         file,
				})
				if err != nil {
					return err
				}
				return ctx.emit(cmd, video, func() string {
					return renderVideoTable([]*tasks.Video{video})
				})
			})
		},
	}
	cmd.Flags().StringVar(&mimeType, "mime", "", "Media type of the file (guessed from the extension when empty)")
	return cmd
}

func newVideoListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered videos",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(func(rt *runtime) error {
				videos, err := rt.store.ListVideos(cmd.Context())
				if err != nil {
					return err
				}
				if videos == nil {
					videos = []*tasks.Video{}
				}
				return ctx.emit(cmd, videos, func() string {
					if len(videos) == 0 {
						return "No videos"
					}
					return renderVideoTable(videos)
				})
			})
		},
	}
}

type videoDetail struct {
	*tasks.Video
	Tasks []*tasks.Task `json:"tasks"`
}

func newVideoShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <video-id>",
		Short: "Show a video and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(func(rt *runtime) error {
				video, err := rt.store.GetVideo(cmd.Context(), tasks.VideoID(args[0]))
				if err != nil {
					return err
				}
				if video == nil {
					return fmt.Errorf("video %s not found", args[0])
				}
				list, err := rt.store.Find(cmd.Context(), tasks.Filter{VideoID: video.ID})
				if err != nil {
					return err
				}
				if list == nil {
					list = []*tasks.Task{}
				}
				return ctx.emit(cmd, videoDetail{Video: video, Tasks: list}, func() string {
					out := renderVideoTable([]*tasks.Video{video})
					if len(list) > 0 {
						out += "\n" + renderTaskTable(list)
					}
					return out
				})
			})
		},
	}
}

func newVideoRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <video-id>",
		Aliases: []string{"remove"},
		Short:   "Delete a video, its tasks and their outputs",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(func(rt *runtime) error {
				deleted, err := rt.coord.DeleteVideo(cmd.Context(), tasks.VideoID(args[0]))
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("video %s not found", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted video %s\n", args[0])
				return nil
			})
		},
	}
}

func renderVideoTable(videos []*tasks.Video) string {
	rows := make([][]string, 0, len(videos))
	for _, v := range videos {
		duration := "-"
		if v.Duration != nil {
			duration = strconv.FormatFloat(*v.Duration, 'f', 1, 64) + "s"
		}
		uploaded := v.UploadedAt
		rows = append(rows, []string{
			string(v.ID),
			v.OriginalName,
			v.MIMEType,
			strconv.FormatInt(v.SizeBytes, 10),
			duration,
			formatTime(&uploaded),
		})
	}
	return renderTable(
		[]string{"ID", "Name", "Type", "Bytes", "Duration", "Uploaded"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}
