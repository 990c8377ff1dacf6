package preflight

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"transcoder/internal/config"
	"transcoder/internal/deps"
	"transcoder/internal/jobqueue"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckToolBinaries reports whether ffmpeg and ffprobe resolve on PATH.
func CheckToolBinaries(cfg *config.Config) []Result {
	statuses := deps.CheckBinaries(deps.ToolRequirements(cfg.Tools.FFmpegBinary, cfg.Tools.FFprobeBinary))
	results := make([]Result, 0, len(statuses))
	for _, status := range statuses {
		result := Result{Name: status.Name, Passed: status.Available, Optional: status.Optional}
		if status.Available {
			result.Detail = status.Command
		} else {
			result.Detail = status.Detail
		}
		results = append(results, result)
	}
	return results
}

// CheckEncoders verifies ffmpeg was built with every encoder the variant
// catalog uses.
func CheckEncoders(ctx context.Context, cfg *config.Config) Result {
	const name = "FFmpeg encoders"

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	wanted := deps.RequiredEncoders()
	missing, err := deps.MissingEncoders(checkCtx, cfg.Tools.FFmpegBinary, wanted)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("encoder listing failed (%v)", err)}
	}
	if len(missing) > 0 {
		return Result{Name: name, Detail: "missing " + strings.Join(missing, ", ")}
	}
	return Result{Name: name, Passed: true, Detail: strings.Join(wanted, ", ")}
}

// CheckRedis pings the configured Redis server.
func CheckRedis(ctx context.Context, cfg *config.Config) Result {
	const name = "Redis queue"

	client, err := jobqueue.NewRedisClient(cfg)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	defer client.Close()

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(checkCtx).Err(); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("ping failed (%v)", err)}
	}
	return Result{Name: name, Passed: true, Detail: "Reachable"}
}
