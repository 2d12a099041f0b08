// Package graph implements the property-graph store over Neo4j or an
// in-process adjacency list.
package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Client is the minimal Cypher surface the store needs.
type Client interface {
	ExecuteWrite(ctx context.Context, cypher string, params map[string]any) (Result, error)
	ExecuteRead(ctx context.Context, cypher string, params map[string]any) (Result, error)
	VerifyConnectivity(ctx context.Context) error
	Close(ctx context.Context) error
}

// Result is a simplified query response.
type Result struct {
	Records []Record
}

// Record groups the key-value pairs of one returned row.
type Record map[string]any

// Options configures a Neo4j client.
type Options struct {
	URI            string
	Database       string
	Username       string
	Password       string
	MaxConnections int
}

// ErrMissingURI indicates the graph URI is not provided.
var ErrMissingURI = errors.New("graph URI is required")

// New creates the graph store named by cfg.Driver.
func New(ctx context.Context, cfg domain.GraphConfig) (domain.GraphStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "neo4j":
		client, err := NewNeo4jClient(ctx, Options{
			URI:            cfg.URI,
			Database:       cfg.Database,
			Username:       cfg.Username,
			Password:       cfg.Password,
			MaxConnections: cfg.MaxConnections,
		})
		if err != nil {
			return nil, err
		}
		return NewStore(client), nil
	default:
		return nil, fmt.Errorf("%w: unsupported graph driver: %s", domain.ErrValidation, cfg.Driver)
	}
}

func toString(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func toFloat64(val any) float64 {
	switch v := val.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	default:
		return 0
	}
}

func toInt(val any) int {
	return int(toFloat64(val))
}

func toStrings(val any) []string {
	switch v := val.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, toString(item))
		}
		return out
	default:
		return nil
	}
}

// FormatTime renders timestamps the way they are stored on graph entities.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func checkIdentifiers(names ...string) error {
	for _, n := range names {
		if !isIdentifier(n) {
			return fmt.Errorf("%w: invalid graph identifier %q", domain.ErrValidation, n)
		}
	}
	return nil
}

func caseScoped(key map[string]any) bool {
	v, ok := key["case_id"]
	return ok && strings.TrimSpace(toString(v)) != ""
}
