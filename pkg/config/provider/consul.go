package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/consul/api"
)

const (
	consulWaitTime   = 5 * time.Minute
	consulRetryDelay = 5 * time.Second
)

// ConsulProvider reads configuration from a Consul KV key and watches it
// with blocking queries.
type ConsulProvider struct {
	client *api.Client
	key    string
}

// NewConsulProvider creates a provider backed by a Consul KV key. The
// first endpoint overrides the default agent address when given.
func NewConsulProvider(endpoints []string, key string) (*ConsulProvider, error) {
	if key == "" {
		return nil, fmt.Errorf("consul key is required")
	}

	cfg := api.DefaultConfig()
	if len(endpoints) > 0 {
		cfg.Address = endpoints[0]
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return &ConsulProvider{client: client, key: key}, nil
}

// Type returns TypeConsul.
func (p *ConsulProvider) Type() Type {
	return TypeConsul
}

// Load reads the KV key.
func (p *ConsulProvider) Load(ctx context.Context) ([]byte, error) {
	opts := (&api.QueryOptions{}).WithContext(ctx)
	pair, _, err := p.client.KV().Get(p.key, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to read consul key %s: %w", p.key, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("consul key %s not found", p.key)
	}
	return pair.Value, nil
}

// Watch starts a blocking-query loop on the key.
func (p *ConsulProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	go p.watchLoop(ctx, ch)
	return ch, nil
}

func (p *ConsulProvider) watchLoop(ctx context.Context, ch chan<- struct{}) {
	defer close(ch)

	var lastIndex uint64
	for {
		opts := (&api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  consulWaitTime,
		}).WithContext(ctx)

		pair, meta, err := p.client.KV().Get(p.key, opts)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Error("Consul watch failed", "key", p.key, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(consulRetryDelay):
			}
			continue
		}
		if meta == nil {
			continue
		}

		// Index went backwards: the key was recreated or the agent
		// restarted. Resync without signalling.
		if meta.LastIndex < lastIndex {
			lastIndex = 0
			continue
		}
		// Wait timed out with no change.
		if meta.LastIndex == lastIndex {
			continue
		}

		if lastIndex != 0 && pair != nil {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
		lastIndex = meta.LastIndex
	}
}

// Close releases resources. The consul client holds no connections that
// outlive requests.
func (p *ConsulProvider) Close() error {
	return nil
}

var _ Provider = (*ConsulProvider)(nil)
