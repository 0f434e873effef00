package config

import (
	"fmt"
)

// VectorProvider identifies the vector store backend.
type VectorProvider string

const (
	// VectorProviderChromem is the embedded chromem-go store.
	VectorProviderChromem VectorProvider = "chromem"

	// VectorProviderQdrant is an external Qdrant cluster over gRPC.
	VectorProviderQdrant VectorProvider = "qdrant"

	// VectorProviderPinecone is the Pinecone managed service.
	VectorProviderPinecone VectorProvider = "pinecone"
)

// VectorConfig configures the vector store backing memory search, prompt
// fragments, and the tool-result cache.
type VectorConfig struct {
	// Provider type (chromem, qdrant, pinecone).
	// Default: "chromem"
	Provider VectorProvider `yaml:"provider,omitempty"`

	// Collection prefix for created collections.
	// Default: "munshi"
	Collection string `yaml:"collection,omitempty"`

	// Chromem configuration (used when Provider is "chromem").
	Chromem *ChromemConfig `yaml:"chromem,omitempty"`

	// Qdrant configuration (used when Provider is "qdrant").
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty"`

	// Pinecone configuration (used when Provider is "pinecone").
	Pinecone *PineconeConfig `yaml:"pinecone,omitempty"`
}

// ChromemConfig configures the embedded chromem-go store.
type ChromemConfig struct {
	// PersistPath for file persistence. Empty keeps vectors in memory.
	PersistPath string `yaml:"persist_path,omitempty"`

	// Compress enables gzip compression of persisted segments.
	Compress bool `yaml:"compress,omitempty"`
}

// QdrantConfig configures a Qdrant connection.
type QdrantConfig struct {
	// Host of the Qdrant gRPC endpoint.
	// Default: "localhost"
	Host string `yaml:"host,omitempty"`

	// Port of the Qdrant gRPC endpoint.
	// Default: 6334
	Port int `yaml:"port,omitempty"`

	// APIKey for Qdrant Cloud. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty"`

	// UseTLS enables TLS for the connection.
	UseTLS bool `yaml:"use_tls,omitempty"`
}

// PineconeConfig configures a Pinecone index.
type PineconeConfig struct {
	// APIKey for Pinecone. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty"`

	// IndexHost is the index endpoint from the Pinecone console.
	IndexHost string `yaml:"index_host,omitempty"`

	// Namespace within the index.
	// Default: "munshi"
	Namespace string `yaml:"namespace,omitempty"`
}

// SetDefaults applies default values to VectorConfig.
func (c *VectorConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = VectorProviderChromem
	}
	if c.Collection == "" {
		c.Collection = "munshi"
	}
	switch c.Provider {
	case VectorProviderChromem:
		if c.Chromem == nil {
			c.Chromem = &ChromemConfig{}
		}
	case VectorProviderQdrant:
		if c.Qdrant == nil {
			c.Qdrant = &QdrantConfig{}
		}
		if c.Qdrant.Host == "" {
			c.Qdrant.Host = "localhost"
		}
		if c.Qdrant.Port == 0 {
			c.Qdrant.Port = 6334
		}
	case VectorProviderPinecone:
		if c.Pinecone == nil {
			c.Pinecone = &PineconeConfig{}
		}
		if c.Pinecone.Namespace == "" {
			c.Pinecone.Namespace = "munshi"
		}
	}
}

// Validate checks VectorConfig for errors.
func (c *VectorConfig) Validate() error {
	switch c.Provider {
	case VectorProviderChromem:
		return nil
	case VectorProviderQdrant:
		if c.Qdrant == nil || c.Qdrant.Host == "" {
			return fmt.Errorf("qdrant.host is required")
		}
		return nil
	case VectorProviderPinecone:
		if c.Pinecone == nil || c.Pinecone.APIKey == "" {
			return fmt.Errorf("pinecone.api_key is required")
		}
		if c.Pinecone.IndexHost == "" {
			return fmt.Errorf("pinecone.index_host is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown vector provider: %q (valid: chromem, qdrant, pinecone)", c.Provider)
	}
}
