// Package domaintest provides in-memory fakes for the domain ports, used by
// the pipeline, connector and supervisor test suites.
package domaintest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meteologic/meteodata-collector/internal/domain"
)

// Registry is an in-memory domain.StationRegistry.
type Registry struct {
	mu       sync.Mutex
	Stations map[uuid.UUID]domain.Station
	// ByClass maps connector class to station ids, in registration order.
	ByClass map[string][]uuid.UUID
	// Foreign maps scheme+"/"+foreignID to station id.
	Foreign map[string]uuid.UUID
	Groups  []domain.MQTTGroup
	// CursorErr, when set, fails AdvanceCursor.
	CursorErr error
}

// NewRegistry returns an empty registry fake.
func NewRegistry() *Registry {
	return &Registry{
		Stations: map[uuid.UUID]domain.Station{},
		ByClass:  map[string][]uuid.UUID{},
		Foreign:  map[string]uuid.UUID{},
	}
}

// Add registers a station under the given classes.
func (r *Registry) Add(s domain.Station, classes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stations[s.ID] = s
	for _, c := range classes {
		r.ByClass[c] = append(r.ByClass[c], s.ID)
	}
}

// Station implements domain.StationRegistry.
func (r *Registry) Station(_ context.Context, id uuid.UUID) (domain.Station, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Stations[id]
	if !ok {
		return domain.Station{}, domain.ErrNotFound
	}
	return s, nil
}

// StationsForConnector implements domain.StationRegistry.
func (r *Registry) StationsForConnector(_ context.Context, class string) ([]domain.Station, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Station
	for _, id := range r.ByClass[class] {
		out = append(out, r.Stations[id])
	}
	return out, nil
}

// MQTTGroups implements domain.StationRegistry.
func (r *Registry) MQTTGroups(context.Context) ([]domain.MQTTGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.MQTTGroup(nil), r.Groups...), nil
}

// LookupByForeignID implements domain.StationRegistry.
func (r *Registry) LookupByForeignID(_ context.Context, scheme, foreign string) (domain.Station, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.Foreign[scheme+"/"+foreign]
	if !ok {
		return domain.Station{}, domain.ErrUnknownStation
	}
	return r.Stations[id], nil
}

// ForeignID implements domain.StationRegistry by reverse-scanning Foreign.
func (r *Registry) ForeignID(_ context.Context, scheme string, id uuid.UUID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := scheme + "/"
	for key, station := range r.Foreign {
		if station == id && len(key) > len(prefix) && key[:len(prefix)] == prefix {
			return key[len(prefix):], nil
		}
	}
	return "", domain.ErrNotFound
}

// Cursor implements domain.StationRegistry.
func (r *Registry) Cursor(_ context.Context, id uuid.UUID) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Stations[id]
	if !ok {
		return time.Time{}, domain.ErrNotFound
	}
	return s.LastArchive, nil
}

// AdvanceCursor implements domain.StationRegistry with the monotonic guard.
func (r *Registry) AdvanceCursor(_ context.Context, id uuid.UUID, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CursorErr != nil {
		return r.CursorErr
	}
	s, ok := r.Stations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if ts.After(s.LastArchive) {
		s.LastArchive = ts
		r.Stations[id] = s
	}
	return nil
}

// Sink is an in-memory domain.ObservationSink keyed (station, timestamp),
// mirroring the stores' primary-key idempotence.
type Sink struct {
	mu   sync.Mutex
	Rows map[string]domain.Observation
	// FailOn, when non-nil, decides per observation whether the insert fails.
	FailOn func(domain.Observation) error
	// Inserted records insertion order, duplicates included.
	Inserted []domain.Observation
}

// NewSink returns an empty sink fake.
func NewSink() *Sink { return &Sink{Rows: map[string]domain.Observation{}} }

func rowKey(obs domain.Observation) string {
	return obs.Station.String() + "@" + obs.Time.UTC().Format(time.RFC3339)
}

// Insert implements domain.ObservationSink.
func (s *Sink) Insert(_ context.Context, obs domain.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailOn != nil {
		if err := s.FailOn(obs); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrSinkUnavailable, err)
		}
	}
	s.Inserted = append(s.Inserted, obs)
	s.Rows[rowKey(obs)] = obs
	return nil
}

// Len returns the number of distinct rows.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Rows)
}

// Has reports whether a row exists for (station, ts).
func (s *Sink) Has(station uuid.UUID, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.Rows[station.String()+"@"+ts.UTC().Format(time.RFC3339)]
	return ok
}

// Cache is an in-memory domain.StationCache applying the freshness policy.
type Cache struct {
	mu      sync.Mutex
	Entries map[string]domain.CacheEntry
	Now     func() time.Time
}

// NewCache returns an empty cache fake.
func NewCache() *Cache {
	return &Cache{Entries: map[string]domain.CacheEntry{}, Now: time.Now}
}

// Get implements domain.StationCache.
func (c *Cache) Get(_ context.Context, station uuid.UUID, key string) (domain.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.Entries[station.String()+"/"+key]
	if !ok {
		return domain.CacheEntry{}, domain.ErrNotFound
	}
	if !e.Fresh(c.Now()) {
		return domain.CacheEntry{}, domain.ErrStale
	}
	return e, nil
}

// Put implements domain.StationCache.
func (c *Cache) Put(_ context.Context, entry domain.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Entries[entry.Station.String()+"/"+entry.Key] = entry
	return nil
}

// Publisher records published jobs.
type Publisher struct {
	mu   sync.Mutex
	Jobs []domain.PastDataJob
	Err  error
}

// PublishPastData implements domain.JobPublisher.
func (p *Publisher) PublishPastData(_ context.Context, job domain.PastDataJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Jobs = append(p.Jobs, job)
	return nil
}

// Published returns a copy of the published jobs.
func (p *Publisher) Published() []domain.PastDataJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.PastDataJob(nil), p.Jobs...)
}
