package offlinefs

import (
	"log"
	"sync"
	"time"

	"github.com/snapetech/coursecache/internal/cache"
)

const refreshInterval = 5 * time.Second

// source rebuilds the Library from the store at most once per refreshInterval,
// so newly committed or deleted lessons show up without remounting.
type source struct {
	store *cache.Store

	mu    sync.Mutex
	lib   *Library
	built time.Time
	now   func() time.Time
}

func newSource(store *cache.Store) *source {
	return &source{store: store, now: time.Now}
}

func (s *source) current() *Library {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lib != nil && s.now().Sub(s.built) < refreshInterval {
		return s.lib
	}
	lib, err := Build(s.store)
	if err != nil {
		log.Printf("offlinefs: rebuild failed err=%v", err)
		if s.lib != nil {
			return s.lib
		}
		lib = &Library{CourseByName: map[string]*CourseDir{}}
	}
	s.lib, s.built = lib, s.now()
	return lib
}
