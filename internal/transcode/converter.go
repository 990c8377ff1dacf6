package transcode

import (
	"context"
	"errors"
	"fmt"

	"transcoder/internal/services"
	"transcoder/internal/variant"
)

// Converter turns one input file into one variant output.
type Converter interface {
	// Convert writes outputPath. onProgress receives non-decreasing
	// percentages and a final 100 on success.
	Convert(ctx context.Context, inputPath, outputPath string, spec variant.Spec, onProgress func(int)) error
	HealthCheck(ctx context.Context) Health
}

// Health describes converter readiness.
type Health struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// ToolError is a non-zero exit from the conversion tool. It matches
// services.ErrToolFailure and carries the tail of the tool's stderr.
type ToolError struct {
	Tool   string
	Err    error
	Stderr string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

func (e *ToolError) Is(target error) bool { return target == services.ErrToolFailure }

// Detail returns the captured stderr tail.
func (e *ToolError) Detail() string { return e.Stderr }

// IsToolFailure reports whether err came from the conversion tool itself.
func IsToolFailure(err error) bool {
	var toolErr *ToolError
	return errors.As(err, &toolErr)
}
