package presence

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// SweepInterval is how often the stale sweep runs.
	SweepInterval = 15 * time.Second

	lockKey = "presence:sweep:lock"
	lockTTL = 10 * time.Second
)

// Sweeper runs the scheduled stale-presence sweep. The Redis lock ensures a
// single active sweep instance cluster-wide: replicas of the sweeper service
// simply skip a cycle when another instance holds the lock, and a crashed
// holder frees it via TTL.
type Sweeper struct {
	store        *Store
	client       *redis.Client
	onFlip       func(userIDs []string)
	interval     time.Duration
	unlockScript *redis.Script
}

// NewSweeper creates a sweeper for the given store. onFlip is invoked with
// the ids of users flipped offline, so callers can publish invalidations;
// it may be nil.
func NewSweeper(store *Store, client *redis.Client, onFlip func(userIDs []string)) *Sweeper {
	return &Sweeper{
		store:        store,
		client:       client,
		onFlip:       onFlip,
		interval:     SweepInterval,
		unlockScript: redis.NewScript(releaseLockLua),
	}
}

// Run loops until ctx is cancelled, sweeping once per interval.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[sweeper] stopped")
			return
		case <-ticker.C:
			sw.sweepOnce(ctx)
		}
	}
}

func (sw *Sweeper) sweepOnce(ctx context.Context) {
	// The lock value is a per-cycle token so release can be conditional: a
	// sweep that outlives the TTL must not delete a lock another instance
	// has since acquired.
	token := uuid.New().String()
	acquired, err := sw.client.SetNX(ctx, lockKey, token, lockTTL).Result()
	if err != nil {
		log.Printf("[sweeper] lock: %v", err)
		return
	}
	if !acquired {
		return // another instance is sweeping this cycle
	}
	defer sw.releaseLock(ctx, token)

	flipped, err := sw.store.SweepStale(ctx)
	if err != nil {
		log.Printf("[sweeper] sweep: %v", err)
		return
	}
	if len(flipped) == 0 {
		return
	}

	log.Printf("[sweeper] flipped %d stale user(s) offline", len(flipped))
	if sw.onFlip != nil {
		sw.onFlip(flipped)
	}
}

// releaseLock deletes the sweep lock only if it still holds this cycle's
// token.
func (sw *Sweeper) releaseLock(ctx context.Context, token string) {
	if err := sw.unlockScript.Run(ctx, sw.client, []string{lockKey}, token).Err(); err != nil {
		log.Printf("[sweeper] unlock: %v", err)
	}
}

// releaseLockLua compares the lock value against the holder's token before
// deleting, as an atomic step.
const releaseLockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
