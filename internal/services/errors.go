package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrDuplicateVariant  = errors.New("duplicate variant")
	ErrDependencyMissing = errors.New("dependency missing")
	ErrToolFailure       = errors.New("conversion tool failure")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrCleanupFailure    = errors.New("cleanup failure")
	ErrNotFound          = errors.New("not found")
	ErrConfiguration     = errors.New("configuration error")
	ErrTransient         = errors.New("transient failure")
)

var markers = []error{
	ErrValidation,
	ErrDuplicateVariant,
	ErrDependencyMissing,
	ErrToolFailure,
	ErrStoreUnavailable,
	ErrCleanupFailure,
	ErrNotFound,
	ErrConfiguration,
	ErrTransient,
}

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind returns the short classification of err, or "unknown" when no marker
// is attached.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, marker := range markers {
		if errors.Is(err, marker) {
			return kindName(marker)
		}
	}
	return "unknown"
}

func kindName(marker error) string {
	switch marker {
	case ErrValidation:
		return "validation"
	case ErrDuplicateVariant:
		return "duplicate_variant"
	case ErrDependencyMissing:
		return "dependency_missing"
	case ErrToolFailure:
		return "tool_failure"
	case ErrStoreUnavailable:
		return "store_unavailable"
	case ErrCleanupFailure:
		return "cleanup_failure"
	case ErrNotFound:
		return "not_found"
	case ErrConfiguration:
		return "configuration"
	default:
		return "transient"
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
