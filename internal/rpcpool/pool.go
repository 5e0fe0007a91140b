// Package rpcpool implements the per-network weighted pool of JSON-RPC
// endpoints: weighted-random selection among
// healthy members, failure-driven cooldown with exponential backoff, and
// failover across distinct endpoints up to a bounded attempt budget.
package rpcpool

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/chainrelayer/relayer/internal/txtypes"
	"github.com/ethereum/go-ethereum/log"
)

const (
	defaultFailureThreshold = 3
	defaultCooldownBase     = 30 * time.Second
	defaultCooldownMax      = 16 * time.Minute
	defaultMaxAttempts      = 3
	defaultCallTimeout      = 10 * time.Second
)

// Caller is satisfied by whatever chain-specific transport actually speaks
// JSON-RPC over HTTP or WebSocket to one endpoint. Kept minimal so EVM,
// Solana, and Stellar transports can share the pool's failover logic.
type Caller interface {
	Call(ctx context.Context, url string, method string, params interface{}, result interface{}) error
}

// Pool is a weighted, failover-aware pool of endpoints for one network.
type Pool struct {
	networkID string
	caller    Caller

	mu        sync.RWMutex
	endpoints []*Endpoint

	failureThreshold int
	cooldownBase     time.Duration
	cooldownMax      time.Duration
	maxAttempts      int
	callTimeout      time.Duration

	lastUsed atomic32 // index into endpoints of the last attempted endpoint; -1 if none yet
}

// atomic32 is a tiny int32 box; avoids importing sync/atomic's typed
// wrapper just for one field with a sentinel "unset" value.
type atomic32 struct {
	mu  sync.Mutex
	val int
}

func (a *atomic32) get() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.val
}

func (a *atomic32) set(v int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.val = v
}

// EndpointConfig is the minimal shape New needs from a catalog entry,
// avoided importing internal/catalog here to keep this package a leaf.
type EndpointConfig struct {
	URL    string
	Weight int
}

// New builds a Pool for a network's configured endpoint list.
func New(networkID string, caller Caller, urls []EndpointConfig) *Pool {
	p := &Pool{
		networkID:        networkID,
		caller:           caller,
		failureThreshold: defaultFailureThreshold,
		cooldownBase:     defaultCooldownBase,
		cooldownMax:      defaultCooldownMax,
		maxAttempts:      defaultMaxAttempts,
		callTimeout:      defaultCallTimeout,
	}
	p.lastUsed.set(-1)
	for _, u := range urls {
		p.endpoints = append(p.endpoints, newEndpoint(u.URL, u.Weight))
	}
	return p
}

// Endpoints exposes a read-only snapshot, used by admin tooling.
func (p *Pool) Endpoints() []*Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Endpoint, len(p.endpoints))
	copy(out, p.endpoints)
	return out
}

// Call performs method against the pool, failing over across distinct
// healthy endpoints up to maxAttempts, and never selecting the same
// endpoint on two consecutive attempts while an alternative exists.
func (p *Pool) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	tried := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		ep := p.selectExcluding(tried)
		if ep == nil {
			break
		}
		tried[ep.URL] = true

		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		err := p.caller.Call(callCtx, ep.URL, method, params, result)
		cancel()

		now := time.Now()
		if err != nil {
			ep.onFailure(now, p.failureThreshold, p.cooldownBase, p.cooldownMax)
			log.Debug("rpc call failed", "network", p.networkID, "endpoint", ep.URL, "method", method, "err", err)
			lastErr = err
			continue
		}
		ep.onSuccess()
		return nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no healthy endpoint available for network %s", p.networkID)
	}
	return fmt.Errorf("%w: %v", txtypes.ErrAllEndpointsExhausted, lastErr)
}

// selectExcluding picks a healthy endpoint not in excluded, weighted by
// configured weight among the eligible set, and never repeats the
// immediately prior pick while an alternative exists.
func (p *Pool) selectExcluding(excluded map[string]bool) *Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	lastIdx := p.lastUsed.get()

	var candidates []*Endpoint
	var totalWeight int
	for i, ep := range p.endpoints {
		if excluded[ep.URL] || !ep.Healthy(now) {
			continue
		}
		if i == lastIdx && hasAlternative(p.endpoints, excluded, now, i) {
			continue
		}
		candidates = append(candidates, ep)
		totalWeight += maxInt(ep.Weight, 1)
	}
	if len(candidates) == 0 {
		// Relax the no-repeat rule only when truly nothing else is eligible.
		for i, ep := range p.endpoints {
			if excluded[ep.URL] || !ep.Healthy(now) {
				continue
			}
			_ = i
			candidates = append(candidates, ep)
			totalWeight += maxInt(ep.Weight, 1)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	r := rand.Intn(totalWeight)
	for _, ep := range candidates {
		w := maxInt(ep.Weight, 1)
		if r < w {
			for i, e := range p.endpoints {
				if e == ep {
					p.lastUsed.set(i)
					break
				}
			}
			return ep
		}
		r -= w
	}
	return candidates[len(candidates)-1]
}

func hasAlternative(all []*Endpoint, excluded map[string]bool, now time.Time, skip int) bool {
	for i, ep := range all {
		if i == skip || excluded[ep.URL] || !ep.Healthy(now) {
			continue
		}
		return true
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
