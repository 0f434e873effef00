package vector

import (
	"context"
	"fmt"
	"sync"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/munshi-ai/munshi/pkg/config"
)

// PineconeProvider talks to a single Pinecone serverless index.
// Collections map to namespaces within that index, scoped under the
// configured base namespace so several deployments can share one index.
type PineconeProvider struct {
	client *pinecone.Client
	cfg    config.PineconeConfig

	mu    sync.Mutex
	conns map[string]*pinecone.IndexConnection
}

// NewPineconeProvider connects to a Pinecone index by its host from the
// console.
func NewPineconeProvider(cfg *config.PineconeConfig) (*PineconeProvider, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Pinecone")
	}
	if cfg.IndexHost == "" {
		return nil, fmt.Errorf("index host is required for Pinecone")
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	return &PineconeProvider{
		client: client,
		cfg:    *cfg,
		conns:  make(map[string]*pinecone.IndexConnection),
	}, nil
}

func (p *PineconeProvider) Name() string {
	return "pinecone"
}

// namespace scopes a collection under the configured base namespace.
func (p *PineconeProvider) namespace(collection string) string {
	if p.cfg.Namespace == "" {
		return collection
	}
	if collection == "" {
		return p.cfg.Namespace
	}
	return p.cfg.Namespace + "." + collection
}

func (p *PineconeProvider) connection(collection string) (*pinecone.IndexConnection, error) {
	ns := p.namespace(collection)

	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[ns]; ok {
		return conn, nil
	}

	conn, err := p.client.Index(pinecone.NewIndexConnParams{
		Host:      p.cfg.IndexHost,
		Namespace: ns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create index connection for namespace %q: %w", ns, err)
	}

	p.conns[ns] = conn
	return conn, nil
}

func (p *PineconeProvider) Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error {
	conn, err := p.connection(collection)
	if err != nil {
		return err
	}

	meta, err := pineconeStruct(metadata)
	if err != nil {
		return fmt.Errorf("failed to convert metadata: %w", err)
	}

	_, err = conn.UpsertVectors(ctx, []*pinecone.Vector{{
		Id:       id,
		Values:   vector,
		Metadata: meta,
	}})
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}
	return nil
}

func (p *PineconeProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return p.SearchWithFilter(ctx, collection, vector, topK, nil)
}

func (p *PineconeProvider) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	conn, err := p.connection(collection)
	if err != nil {
		return nil, err
	}

	mf, err := pineconeStruct(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to convert filter: %w", err)
	}

	resp, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		MetadataFilter:  mf,
		IncludeMetadata: true,
		IncludeValues:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query Pinecone: %w", err)
	}

	results := make([]Result, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		if m.Vector == nil {
			continue
		}
		metadata := map[string]any{}
		if m.Vector.Metadata != nil {
			metadata = m.Vector.Metadata.AsMap()
		}
		content, _ := metadata["content"].(string)
		results = append(results, Result{
			ID:       m.Vector.Id,
			Content:  content,
			Vector:   m.Vector.Values,
			Metadata: metadata,
			Score:    m.Score,
		})
	}
	return results, nil
}

func (p *PineconeProvider) Delete(ctx context.Context, collection string, id string) error {
	conn, err := p.connection(collection)
	if err != nil {
		return err
	}
	if err := conn.DeleteVectorsById(ctx, []string{id}); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	return nil
}

func (p *PineconeProvider) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	conn, err := p.connection(collection)
	if err != nil {
		return err
	}
	mf, err := pineconeStruct(filter)
	if err != nil {
		return fmt.Errorf("failed to convert filter: %w", err)
	}
	if err := conn.DeleteVectorsByFilter(ctx, mf); err != nil {
		return fmt.Errorf("failed to delete by filter: %w", err)
	}
	return nil
}

// CreateCollection verifies the index connection. Pinecone namespaces
// are created implicitly on first upsert; the index itself must exist.
func (p *PineconeProvider) CreateCollection(ctx context.Context, collection string, vectorDimension int) error {
	_, err := p.connection(collection)
	return err
}

// DeleteCollection removes every vector in the collection's namespace.
func (p *PineconeProvider) DeleteCollection(ctx context.Context, collection string) error {
	conn, err := p.connection(collection)
	if err != nil {
		return err
	}
	if err := conn.DeleteAllVectorsInNamespace(ctx); err != nil {
		return fmt.Errorf("failed to delete namespace vectors: %w", err)
	}
	return nil
}

func (p *PineconeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for ns, conn := range p.conns {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("failed to close connection for namespace %q: %w", ns, err)
		}
	}
	p.conns = make(map[string]*pinecone.IndexConnection)
	return nil
}

// pineconeStruct converts a metadata map for the wire. Nil in, nil out,
// so requests without metadata omit the field entirely.
func pineconeStruct(m map[string]any) (*structpb.Struct, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return structpb.NewStruct(m)
}

var _ Provider = (*PineconeProvider)(nil)
