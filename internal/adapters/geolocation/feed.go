// Package geolocation bridges the host device's location sensor into the
// coordinator. The host pushes samples; watchers receive them.
package geolocation

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rescue/internal/core"
	"github.com/dkeye/Rescue/internal/domain"
)

type Feed struct {
	deviceID string

	mu       sync.Mutex
	next     uint64
	watchers map[uint64]func(domain.Position)
}

var _ core.LocationSource = (*Feed)(nil)

func NewFeed(deviceID string) *Feed {
	if deviceID == "" {
		deviceID = domain.NewDeviceID()
	}
	return &Feed{deviceID: deviceID, watchers: make(map[uint64]func(domain.Position))}
}

func (f *Feed) DeviceID() string { return f.deviceID }

// Watch registers onSample until ctx ends.
func (f *Feed) Watch(ctx context.Context, onSample func(domain.Position)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.next++
	id := f.next
	f.watchers[id] = onSample
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.watchers, id)
		f.mu.Unlock()
	}()
	return nil
}

// Push hands one device sample to every watcher. Invalid samples are dropped.
func (f *Feed) Push(p domain.Position) error {
	if p.SourceDeviceID == "" {
		p.SourceDeviceID = f.deviceID
	}
	if err := p.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "geolocation.feed").Msg("sample dropped")
		return err
	}

	f.mu.Lock()
	fns := make([]func(domain.Position), 0, len(f.watchers))
	for _, fn := range f.watchers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
	return nil
}

func (f *Feed) Watching() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}
