package geo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/homeward-matching/internal/models"
)

// DriverDirectory is the driver location/profile collaborator. The engine
// only ever asks where a driver is right now and whether they are online.
type DriverDirectory interface {
	GetDriver(ctx context.Context, driverID string) (models.Driver, error)
	Upsert(ctx context.Context, d models.Driver) error
}

// Index is an in-memory DriverDirectory for local runs and tests.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) GetDriver(_ context.Context, driverID string) (models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return models.Driver{}, fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	return d, nil
}
