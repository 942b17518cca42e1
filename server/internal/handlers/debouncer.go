package handlers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhaobenny/ccpulse/server/internal/database"
)

// SeenDebouncer delays last-seen updates so that the batches of one
// collection cycle cost a single write per device
type SeenDebouncer struct {
	db      *database.DB
	delay   time.Duration
	logger  *zap.Logger
	mu      sync.Mutex
	pending map[string]*pendingTouch
}

type pendingTouch struct {
	generation int
	at         time.Time
}

// NewSeenDebouncer creates a debouncer with the specified delay
func NewSeenDebouncer(db *database.DB, delay time.Duration, logger *zap.Logger) *SeenDebouncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SeenDebouncer{
		db:      db,
		delay:   delay,
		logger:  logger,
		pending: make(map[string]*pendingTouch),
	}
}

// Schedule queues a last-seen update for a device, resetting the timer if already pending
func (d *SeenDebouncer) Schedule(deviceID string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, exists := d.pending[deviceID]
	if !exists {
		p = &pendingTouch{}
		d.pending[deviceID] = p
	}
	// Bumping the generation invalidates the older timer
	p.generation++
	p.at = at
	gen := p.generation
	time.AfterFunc(d.delay, func() {
		d.flush(deviceID, gen)
	})
}

func (d *SeenDebouncer) flush(deviceID string, generation int) {
	d.mu.Lock()
	p, exists := d.pending[deviceID]
	if !exists || p.generation != generation {
		// Stale timer or already flushed
		d.mu.Unlock()
		return
	}
	delete(d.pending, deviceID)
	d.mu.Unlock()

	d.touch(context.Background(), deviceID, p.at)
}

// FlushAll writes every pending update now, used on shutdown
func (d *SeenDebouncer) FlushAll(ctx context.Context) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]*pendingTouch)
	d.mu.Unlock()

	for id, p := range pending {
		d.touch(ctx, id, p.at)
	}
}

func (d *SeenDebouncer) touch(ctx context.Context, deviceID string, at time.Time) {
	if err := d.db.TouchDevice(ctx, deviceID, at); err != nil {
		d.logger.Warn("failed to record device last seen", zap.String("device_id", deviceID), zap.Error(err))
	}
}
