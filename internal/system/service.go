// Package system defines the lifecycle contract shared by all background
// components so entrypoints can start and stop them deterministically.
package system

import "context"

// Service represents a lifecycle-managed component.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
