package sharedcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// ErrServiceCooldown is returned by Allow when a service's politeness
// gate is in its post-block cooldown; callers must fail fast rather than
// sleep, per spec §4.8.
type ErrServiceCooldown struct {
	Service       string
	CooldownUntil time.Time
}

func (e *ErrServiceCooldown) Error() string {
	return fmt.Sprintf("%s rate limit cooldown active until %s", e.Service, e.CooldownUntil.Format(time.RFC3339))
}

// PolitenessGate combines a per-process token-bucket rate limiter with a
// persisted, cross-process runtime-state key per remote service in Redis.
// Only the consecutive-blocked counter and cooldown_until are persisted,
// at the cost of one Redis round trip per check; the request rate itself
// is enforced by the limiter alone, which is per process and resets on
// restart, so it is not coordinated across worker processes.
type PolitenessGate struct {
	rdb      *redis.Client
	limiters map[string]*rate.Limiter
}

// NewPolitenessGate returns an empty gate; call RegisterService once per
// remote service before first use.
func NewPolitenessGate(rdb *redis.Client) *PolitenessGate {
	return &PolitenessGate{rdb: rdb, limiters: make(map[string]*rate.Limiter)}
}

// RegisterService installs a token-bucket limiter for service allowing
// ratePerSecond steady-state requests with the given burst.
func (g *PolitenessGate) RegisterService(service string, ratePerSecond float64, burst int) {
	g.limiters[service] = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
}

func stateKey(service string) string { return fmt.Sprintf("runtimestate:%s", service) }

type runtimeState struct {
	ConsecutiveBlocked int       `json:"consecutive_blocked"`
	CooldownUntil      time.Time `json:"cooldown_until"`
}

// Allow blocks until the process-local limiter admits the request (or
// ctx is canceled), then checks the persisted cooldown. If the service's
// cooldown is active, it returns ErrServiceCooldown immediately instead
// of sleeping, so callers can surface a typed rate-limit error up the
// stack (spec §4.8's "fail fast rather than sleep").
func (g *PolitenessGate) Allow(ctx context.Context, service string) error {
	if limiter, ok := g.limiters[service]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("politeness gate wait: %w", err)
		}
	}

	raw, err := g.rdb.Get(ctx, stateKey(service)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read runtime state: %w", err)
	}
	var st runtimeState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("decode runtime state: %w", err)
	}
	if st.CooldownUntil.After(time.Now()) {
		return &ErrServiceCooldown{Service: service, CooldownUntil: st.CooldownUntil}
	}
	return nil
}

// RecordBlocked increments the consecutive-blocked counter for service
// and, once it reaches cooldownAfterBlocked, opens a cooldown window of
// cooldownFor.
func (g *PolitenessGate) RecordBlocked(ctx context.Context, service string, cooldownAfterBlocked int, cooldownFor time.Duration) error {
	raw, err := g.rdb.Get(ctx, stateKey(service)).Bytes()
	var st runtimeState
	if err == nil {
		_ = json.Unmarshal(raw, &st)
	} else if err != redis.Nil {
		return fmt.Errorf("read runtime state: %w", err)
	}

	st.ConsecutiveBlocked++
	if st.ConsecutiveBlocked >= cooldownAfterBlocked {
		st.CooldownUntil = time.Now().Add(cooldownFor)
	}
	return g.saveState(ctx, service, st)
}

// RecordSuccess resets the consecutive-blocked counter, leaving any
// already-active cooldown untouched (a single success mid-cooldown
// should not reopen the gate early).
func (g *PolitenessGate) RecordSuccess(ctx context.Context, service string) error {
	raw, err := g.rdb.Get(ctx, stateKey(service)).Bytes()
	var st runtimeState
	if err == nil {
		_ = json.Unmarshal(raw, &st)
	} else if err != redis.Nil {
		return fmt.Errorf("read runtime state: %w", err)
	}
	st.ConsecutiveBlocked = 0
	return g.saveState(ctx, service, st)
}

func (g *PolitenessGate) saveState(ctx context.Context, service string, st runtimeState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode runtime state: %w", err)
	}
	if err := g.rdb.Set(ctx, stateKey(service), raw, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("write runtime state: %w", err)
	}
	return nil
}
