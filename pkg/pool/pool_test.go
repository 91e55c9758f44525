package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/analyst/pkg/backend"
	"github.com/nous-labs/analyst/pkg/credentials"
)

type stubClient struct {
	backend.Client
	secret string
	closed atomic.Bool
}

func (s *stubClient) Close() error {
	s.closed.Store(true)
	return nil
}

type countingFactory struct {
	calls   atomic.Int32
	delay   time.Duration
	mu      sync.Mutex
	clients []*stubClient
}

func (f *countingFactory) build(secret string) (backend.Client, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if secret == "bad" {
		return nil, errors.New("rejected")
	}
	c := &stubClient{secret: secret}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c, nil
}

func TestGetReturnsSameInstance(t *testing.T) {
	f := &countingFactory{}
	p := New(f.build, Options{})
	cred := credentials.Credential{Ref: "acme", Secret: "pk_1"}

	a, err := p.Get(context.Background(), cred)
	require.NoError(t, err)
	b, err := p.Get(context.Background(), cred)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, cred.Key(), a.Key)
}

func TestConcurrentFirstUseConstructsOnce(t *testing.T) {
	f := &countingFactory{delay: 20 * time.Millisecond}
	p := New(f.build, Options{})
	cred := credentials.Credential{Ref: "acme", Secret: "pk_1"}

	const n = 32
	got := make([]*Client, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c, err := p.Get(context.Background(), cred)
			assert.NoError(t, err)
			got[i] = c
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	for i := 1; i < n; i++ {
		assert.Same(t, got[0], got[i])
	}
}

func TestRotatedSecretBuildsNewClient(t *testing.T) {
	f := &countingFactory{}
	p := New(f.build, Options{})

	a, err := p.Get(context.Background(), credentials.Credential{Ref: "acme", Secret: "pk_1"})
	require.NoError(t, err)
	b, err := p.Get(context.Background(), credentials.Credential{Ref: "acme", Secret: "pk_2"})
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, "pk_2", b.Client.(*stubClient).secret)
	assert.Equal(t, 2, p.Len())
}

func TestFactoryErrorIsNotCached(t *testing.T) {
	f := &countingFactory{}
	p := New(f.build, Options{})
	cred := credentials.Credential{Ref: "acme", Secret: "bad"}

	_, err := p.Get(context.Background(), cred)
	assert.ErrorContains(t, err, "rejected")
	_, err = p.Get(context.Background(), cred)
	assert.Error(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Equal(t, 0, p.Len())
}

func TestEvictionClosesClient(t *testing.T) {
	f := &countingFactory{}
	p := New(f.build, Options{MaxSize: 1})

	first, err := p.Get(context.Background(), credentials.Credential{Ref: "acme", Secret: "pk_1"})
	require.NoError(t, err)
	_, err = p.Get(context.Background(), credentials.Credential{Ref: "globex", Secret: "pk_2"})
	require.NoError(t, err)

	assert.Equal(t, 1, p.Len())
	assert.True(t, first.Client.(*stubClient).closed.Load())

	p.Purge()
	assert.Equal(t, 0, p.Len())
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		assert.True(t, c.closed.Load())
	}
}

func TestTTLExpiry(t *testing.T) {
	f := &countingFactory{}
	p := New(f.build, Options{TTL: 30 * time.Millisecond})
	cred := credentials.Credential{Ref: "acme", Secret: "pk_1"}

	a, err := p.Get(context.Background(), cred)
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	b, err := p.Get(context.Background(), cred)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestGetHonoursCancelledContext(t *testing.T) {
	p := New((&countingFactory{}).build, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Get(ctx, credentials.Credential{Ref: "acme", Secret: "pk_1"})
	assert.ErrorIs(t, err, context.Canceled)
}
