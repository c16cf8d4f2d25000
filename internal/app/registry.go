package app

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rescue/internal/domain"
)

var ErrSensorBusy = errors.New("location sensor held by another session")

// SensorRegistry hands out the device location sensor to one session at a time.
type SensorRegistry struct {
	mu     sync.Mutex
	next   uint64
	holder uint64
	sid    domain.SessionID
}

func NewSensorRegistry() *SensorRegistry {
	return &SensorRegistry{}
}

// DefaultSensors is the process-wide registry used when none is injected.
var DefaultSensors = NewSensorRegistry()

type SensorLease struct {
	reg  *SensorRegistry
	id   uint64
	once sync.Once
}

func (r *SensorRegistry) Acquire(sid domain.SessionID) (*SensorLease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holder != 0 {
		log.Warn().Str("module", "app.sensors").Str("session", string(sid)).
			Str("holder", string(r.sid)).Msg("sensor busy")
		return nil, ErrSensorBusy
	}
	r.next++
	r.holder = r.next
	r.sid = sid
	log.Info().Str("module", "app.sensors").Str("session", string(sid)).Msg("sensor acquired")
	return &SensorLease{reg: r, id: r.next}, nil
}

// Holder reports which session holds the sensor, if any.
func (r *SensorRegistry) Holder() (domain.SessionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sid, r.holder != 0
}

// Release is idempotent.
func (l *SensorLease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		r := l.reg
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.holder != l.id {
			return
		}
		log.Info().Str("module", "app.sensors").Str("session", string(r.sid)).Msg("sensor released")
		r.holder = 0
		r.sid = ""
	})
}
