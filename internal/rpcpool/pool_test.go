package rpcpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeCaller struct {
	mu      sync.Mutex
	fail    map[string]bool
	callLog []string
}

func (f *fakeCaller) Call(_ context.Context, url, method string, _ interface{}, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callLog = append(f.callLog, url)
	if f.fail[url] {
		return errors.New("simulated 503")
	}
	return nil
}

func TestPoolFailoverOnRepeatedFailure(t *testing.T) {
	caller := &fakeCaller{fail: map[string]bool{"A": true}}
	p := New("evm-test", caller, []EndpointConfig{
		{URL: "A", Weight: 100},
		{URL: "B", Weight: 100},
	})
	p.failureThreshold = 3
	p.cooldownBase = 30 * time.Second
	p.maxAttempts = 3

	// Push A past the failure threshold. The first call picks A or B at
	// random; every call that ends on B makes the next one start on A
	// (the pool avoids repeating the immediately prior endpoint), and A
	// then fails over to B. So A fails on every call from the second one
	// on, and four calls give it at least three failures: cooldown.
	for i := 0; i < 4; i++ {
		_ = p.Call(context.Background(), "eth_blockNumber", nil, nil)
	}

	eps := p.Endpoints()
	var a *Endpoint
	for _, e := range eps {
		if e.URL == "A" {
			a = e
		}
	}
	if a == nil {
		t.Fatal("endpoint A missing")
	}
	if a.Healthy(time.Now()) {
		t.Fatalf("endpoint A should be in cooldown after repeated failures, failures=%d", a.failures())
	}

	// Subsequent calls must not select A while it is cooling down.
	caller.mu.Lock()
	caller.callLog = nil
	caller.mu.Unlock()
	if err := p.Call(context.Background(), "eth_blockNumber", nil, nil); err != nil {
		t.Fatalf("expected B to serve the call, got err: %v", err)
	}
	caller.mu.Lock()
	defer caller.mu.Unlock()
	for _, u := range caller.callLog {
		if u == "A" {
			t.Fatalf("endpoint A selected while in cooldown: %v", caller.callLog)
		}
	}
}

func TestPoolAllEndpointsExhausted(t *testing.T) {
	caller := &fakeCaller{fail: map[string]bool{"A": true, "B": true}}
	p := New("evm-test", caller, []EndpointConfig{
		{URL: "A", Weight: 100},
		{URL: "B", Weight: 100},
	})
	p.maxAttempts = 3

	err := p.Call(context.Background(), "eth_blockNumber", nil, nil)
	if err == nil {
		t.Fatal("expected error when all endpoints fail")
	}
}

func TestPoolNeverRepeatsConsecutiveEndpoint(t *testing.T) {
	caller := &fakeCaller{}
	p := New("evm-test", caller, []EndpointConfig{
		{URL: "A", Weight: 100},
		{URL: "B", Weight: 100},
	})

	var prev string
	for i := 0; i < 20; i++ {
		ep := p.selectExcluding(nil)
		if ep == nil {
			t.Fatal("expected an endpoint")
		}
		if prev != "" && ep.URL == prev {
			// two consecutive picks of the same endpoint are allowed only
			// if selectExcluding was told to exclude the alternative; here
			// both are healthy, so this must never happen.
			t.Fatalf("selected %s twice in a row", ep.URL)
		}
		ep.onSuccess()
		prev = ep.URL
	}
}
