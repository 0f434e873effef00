package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-zookeeper/zk"
)

const (
	zkSessionTimeout = 10 * time.Second
	zkRetryDelay     = 5 * time.Second
)

// ZookeeperProvider reads configuration from a znode and watches it by
// re-arming GetW after every delivered event.
type ZookeeperProvider struct {
	conn *zk.Conn
	path string
}

// NewZookeeperProvider creates a provider backed by a znode.
func NewZookeeperProvider(endpoints []string, path string) (*ZookeeperProvider, error) {
	if path == "" {
		return nil, fmt.Errorf("zookeeper path is required")
	}
	if len(endpoints) == 0 {
		endpoints = []string{"localhost:2181"}
	}

	conn, _, err := zk.Connect(endpoints, zkSessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}
	return &ZookeeperProvider{conn: conn, path: path}, nil
}

// Type returns TypeZookeeper.
func (p *ZookeeperProvider) Type() Type {
	return TypeZookeeper
}

// Load reads the znode.
func (p *ZookeeperProvider) Load(ctx context.Context) ([]byte, error) {
	data, _, err := p.conn.Get(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read znode %s: %w", p.path, err)
	}
	return data, nil
}

// Watch starts a GetW loop on the znode.
func (p *ZookeeperProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	go p.watchLoop(ctx, ch)
	return ch, nil
}

func (p *ZookeeperProvider) watchLoop(ctx context.Context, ch chan<- struct{}) {
	defer close(ch)

	for {
		if ctx.Err() != nil {
			return
		}

		// GetW delivers at most one event, so the watch is re-armed on
		// every loop iteration.
		_, _, events, err := p.conn.GetW(p.path)
		if err != nil {
			slog.Error("Zookeeper watch failed", "path", p.path, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(zkRetryDelay):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			switch evt.Type {
			case zk.EventNodeDataChanged:
				select {
				case ch <- struct{}{}:
				default:
				}
			case zk.EventNodeDeleted:
				slog.Warn("Config znode deleted", "path", p.path)
				return
			default:
				// Session events fall through to re-arm the watch.
			}
		}
	}
}

// Close closes the zookeeper connection.
func (p *ZookeeperProvider) Close() error {
	p.conn.Close()
	return nil
}

var _ Provider = (*ZookeeperProvider)(nil)
