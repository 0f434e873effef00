// Package provider abstracts where configuration comes from. A local
// file is the default; Consul, etcd, and ZooKeeper back the same
// interface for fleets that keep config in a coordination service.
package provider

import (
	"context"
	"fmt"
	"strings"
)

// Provider abstracts a configuration source.
//
// Load returns the raw configuration document. Watch returns a channel
// that receives a signal whenever the source changes; providers that
// cannot watch return a nil channel.
type Provider interface {
	Type() Type
	Load(ctx context.Context) ([]byte, error)
	Watch(ctx context.Context) (<-chan struct{}, error)
	Close() error
}

// Type identifies a configuration source.
type Type string

const (
	TypeFile      Type = "file"
	TypeConsul    Type = "consul"
	TypeEtcd      Type = "etcd"
	TypeZookeeper Type = "zookeeper"
)

var typeAliases = map[string]Type{
	"":          TypeFile,
	"file":      TypeFile,
	"consul":    TypeConsul,
	"etcd":      TypeEtcd,
	"zookeeper": TypeZookeeper,
	"zk":        TypeZookeeper,
}

// ParseType normalizes a provider type string. Matching is
// case-insensitive and an empty string maps to TypeFile.
func ParseType(s string) (Type, error) {
	if t, ok := typeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown config provider type %q (valid: file, consul, etcd, zookeeper)", s)
}

// Config selects and parameterizes a provider.
type Config struct {
	// Type of the source (file, consul, etcd, zookeeper).
	Type Type `yaml:"type,omitempty"`

	// Path is the file path for file sources, or the key/znode path for
	// remote sources.
	Path string `yaml:"path,omitempty"`

	// Endpoints for remote sources (consul address, etcd endpoints,
	// zookeeper server list).
	Endpoints []string `yaml:"endpoints,omitempty"`
}

// New creates a provider for the given source. The type string is run
// through ParseType first, so aliases and mixed case from config files
// are accepted.
func New(cfg Config) (Provider, error) {
	t, err := ParseType(string(cfg.Type))
	if err != nil {
		return nil, err
	}
	switch t {
	case TypeConsul:
		return NewConsulProvider(cfg.Endpoints, cfg.Path)
	case TypeEtcd:
		return NewEtcdProvider(cfg.Endpoints, cfg.Path)
	case TypeZookeeper:
		return NewZookeeperProvider(cfg.Endpoints, cfg.Path)
	default:
		return NewFileProvider(cfg.Path)
	}
}
