//go:build !linux
// +build !linux

package offlinefs

import (
	"context"
	"fmt"

	"github.com/snapetech/coursecache/internal/cache"
)

// Serve is unavailable on non-Linux builds because the mount depends on go-fuse.
func Serve(ctx context.Context, dir string, store *cache.Store, allowOther bool) error {
	return fmt.Errorf("offline library mount is only supported on linux builds")
}
