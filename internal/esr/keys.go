package esr

import (
	"context"
	"time"
)

const (
	// quotaFreshWindow is how recently a credential must have been probed
	// for its cached quota to be trusted during rotation.
	quotaFreshWindow = 60 * time.Second
)

// ProbeFunc checks a credential's remaining quota with a lightweight
// upstream call.
type ProbeFunc func(ctx context.Context, key string) (int, error)

type apiKey struct {
	key         string
	remaining   int
	known       bool
	lastChecked time.Time
}

func (k *apiKey) updateQuota(remaining int, at time.Time) {
	k.remaining = remaining
	k.known = true
	k.lastChecked = at
}

// KeyPool rotates among a fixed ring of upstream credentials, tracking the
// remaining quota each one last reported. When a full cycle finds nothing
// above the threshold it blocks for a cooldown window, re-probes every
// credential and tries the cycle once more.
type KeyPool struct {
	keys      []*apiKey
	current   int
	threshold int
	cooldown  time.Duration
	probe     ProbeFunc

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewKeyPool builds a pool over the given credentials. probe may be nil, in
// which case quota checks are skipped and rotation trusts cached state.
func NewKeyPool(keys []string, threshold int, cooldown time.Duration, probe ProbeFunc) *KeyPool {
	ring := make([]*apiKey, 0, len(keys))
	for _, key := range keys {
		ring = append(ring, &apiKey{key: key})
	}
	return &KeyPool{
		keys:      ring,
		threshold: threshold,
		cooldown:  cooldown,
		probe:     probe,
		now:       time.Now,
		sleep:     sleepWithContext,
	}
}

// Active returns the credential currently in use.
func (p *KeyPool) Active() string {
	return p.keys[p.current].key
}

// UpdateQuota records the remaining quota reported for the active
// credential.
func (p *KeyPool) UpdateQuota(remaining int) {
	p.keys[p.current].updateQuota(remaining, p.now())
}

// ActiveRemaining reports the active credential's cached quota. ok is false
// when the quota has never been observed.
func (p *KeyPool) ActiveRemaining() (int, bool) {
	k := p.keys[p.current]
	return k.remaining, k.known
}

// Rotate advances to the next credential with quota above the threshold.
// Credentials whose cached quota is stale are re-probed. If a full cycle
// comes up empty it sleeps for the cooldown window, re-probes everything
// and continues cycling.
func (p *KeyPool) Rotate(ctx context.Context) error {
	if len(p.keys) == 1 {
		return nil
	}
	initial := p.current
	for {
		p.current = (p.current + 1) % len(p.keys)
		k := p.keys[p.current]

		if p.current == initial {
			if err := p.sleep(ctx, p.cooldown); err != nil {
				return err
			}
			p.CheckAllQuotas(ctx)
			continue
		}

		if k.lastChecked.Before(p.now().Add(-quotaFreshWindow)) {
			p.checkQuota(ctx, k)
		}

		if !k.known || k.remaining >= p.threshold {
			return nil
		}
	}
}

// CheckAllQuotas re-probes every credential in the ring.
func (p *KeyPool) CheckAllQuotas(ctx context.Context) {
	for _, k := range p.keys {
		p.checkQuota(ctx, k)
	}
}

func (p *KeyPool) checkQuota(ctx context.Context, k *apiKey) int {
	if p.probe == nil {
		return k.remaining
	}
	remaining, err := p.probe(ctx, k.key)
	if err != nil {
		remaining = 0
	}
	k.updateQuota(remaining, p.now())
	return remaining
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
