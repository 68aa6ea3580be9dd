package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
)

type concert struct {
	onSale bool
	seats  map[string]domain.SeatInfo
}

type Catalog struct {
	mu       sync.RWMutex
	concerts map[string]*concert
}

func NewCatalog() *Catalog {
	return &Catalog{concerts: make(map[string]*concert)}
}

// AddConcert registers a concert and its seats. Seats carry their own
// ConcertID, which is overwritten with concertID.
func (c *Catalog) AddConcert(concertID string, onSale bool, seats ...domain.SeatInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cc := &concert{onSale: onSale, seats: make(map[string]domain.SeatInfo, len(seats))}
	for _, s := range seats {
		s.ConcertID = concertID
		cc.seats[s.ID] = s
	}
	c.concerts[concertID] = cc
}

func (c *Catalog) Seat(_ context.Context, seatID string) (*domain.SeatInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, cc := range c.concerts {
		if s, ok := cc.seats[seatID]; ok {
			return &s, nil
		}
	}
	return nil, nil
}

func (c *Catalog) SeatsByGrade(_ context.Context, concertID, grade string) ([]domain.SeatInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cc, ok := c.concerts[concertID]
	if !ok {
		return nil, nil
	}
	var out []domain.SeatInfo
	for _, s := range cc.seats {
		if s.Grade == grade {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Catalog) OpenConcerts(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []string
	for id, cc := range c.concerts {
		if cc.onSale {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
