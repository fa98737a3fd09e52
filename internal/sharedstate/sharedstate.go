// Package sharedstate defines the hierarchical key/value contract every
// client surface reads, writes and subscribes to, plus helpers shared by the
// backends in its subpackages.
package sharedstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnavailable = errors.New("shared state unavailable")
	ErrInvalidPath = errors.New("invalid state path")
	ErrNotFound    = errors.New("state path not found")
)

const (
	PathSettings       = "settings"
	PathClinics        = "clinics"
	PathQueue          = "queue"
	PathDisplayCurrent = "display/current"
	PathDisplayCustom  = "display/custom"
)

func ClinicPath(id string) string { return PathClinics + "/" + id }

func QueuePath(id string) string { return PathQueue + "/" + id }

// Handle identifies one subscription.
type Handle uint64

// Client is the store contract. Get returns nil when nothing is stored at
// or below path. Set with a nil value deletes path and its descendants.
// Update shallow-merges partial into the object at path, creating it if
// needed. Subscribe pushes the full value of path whenever path, one of its
// ancestors or one of its descendants changes; the current value is not
// delivered on subscribe.
type Client interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, partial map[string]any) error
	Subscribe(path string, onChange func(json.RawMessage)) (Handle, error)
	Unsubscribe(h Handle)
	Close() error
}

// Incrementer is implemented by backends that can change an integer field
// atomically. Increment adds delta to field at path and merges extra in the
// same write. When the result would drop below zero nothing is written and
// applied is false. A missing path yields ErrNotFound.
type Incrementer interface {
	Increment(ctx context.Context, path, field string, delta int, extra map[string]any) (value int, applied bool, err error)
}

// Unavailable wraps a backend failure so callers can match ErrUnavailable.
func Unavailable(op, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, op, path, err)
}

// ValidatePath rejects empty paths, empty segments and surrounding slashes.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for _, segment := range strings.Split(path, "/") {
		if strings.TrimSpace(segment) == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return nil
}

// Ancestors lists the proper ancestors of path, nearest last.
func Ancestors(path string) []string {
	segments := strings.Split(path, "/")
	out := make([]string, 0, len(segments)-1)
	for i := 1; i < len(segments); i++ {
		out = append(out, strings.Join(segments[:i], "/"))
	}
	return out
}

// Related reports whether a change at changed is visible to a subscriber of
// subscribed.
func Related(subscribed, changed string) bool {
	if subscribed == changed {
		return true
	}
	return strings.HasPrefix(changed, subscribed+"/") || strings.HasPrefix(subscribed, changed+"/")
}

// DescendantPrefix is the prefix shared by every path stored below path.
func DescendantPrefix(path string) string {
	return path + "/"
}
