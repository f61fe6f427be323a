// Package storage persists skills, artifacts, and deps behind a uniform
// backend interface. Each backend can describe itself as a serializable
// Access descriptor, which a fresh process uses to reopen the same stores.
package storage

import (
	"context"
	"strings"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/types"
)

// Backend type discriminators used in Access.Type.
const (
	TypeFile  = "file"
	TypeRedis = "redis"
)

// Access is a serializable descriptor sufficient to reopen a backend from a
// different process.
type Access struct {
	Type     string `json:"type"`
	BasePath string `json:"base_path,omitempty"`
	URL      string `json:"url,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// VectorEntry is a cached embedding keyed by content hash.
type VectorEntry struct {
	Hash   string    `json:"hash"`
	Vector []float64 `json:"vector"`
}

// SkillStore persists skill records and their embedding cache.
type SkillStore interface {
	Get(ctx context.Context, name string) (*types.Skill, error)
	Put(ctx context.Context, skill *types.Skill) error
	Delete(ctx context.Context, name string) (bool, error)
	// List returns every stored skill, including corrupt entries which carry
	// a populated Error field. A single corrupt entry never fails the list.
	List(ctx context.Context) ([]*types.Skill, error)
	Exists(ctx context.Context, name string) (bool, error)

	GetVector(ctx context.Context, name string) (*VectorEntry, error)
	PutVector(ctx context.Context, name string, entry *VectorEntry) error
	DeleteVector(ctx context.Context, name string) error
}

// ArtifactStore persists named blobs with metadata.
type ArtifactStore interface {
	Get(ctx context.Context, name string) (*types.Artifact, error)
	Put(ctx context.Context, artifact *types.Artifact) error
	Delete(ctx context.Context, name string) (bool, error)
	// List returns summaries without payload data.
	List(ctx context.Context) ([]*types.Artifact, error)
	Exists(ctx context.Context, name string) (bool, error)
}

// DepsStore persists declared package requirements keyed by canonical name.
type DepsStore interface {
	// List returns the declared specs sorted lexicographically.
	List(ctx context.Context) ([]string, error)
	// Put declares spec under its canonical name, replacing any previous
	// constraint for the same name.
	Put(ctx context.Context, name, spec string) error
	Remove(ctx context.Context, name string) (bool, error)
	// Get returns the currently declared spec for name, if any.
	Get(ctx context.Context, name string) (string, bool, error)
}

// Backend aggregates the three logical stores.
type Backend interface {
	Skills() SkillStore
	Artifacts() ArtifactStore
	Deps() DepsStore
	// Access returns a descriptor that reopens this backend elsewhere.
	Access() Access
	Close() error
}

// Open reconstructs a backend from an access descriptor.
func Open(ctx context.Context, access Access, log *logging.Logger) (Backend, error) {
	switch access.Type {
	case TypeFile:
		if access.BasePath == "" {
			return nil, errdefs.New(errdefs.KindInvalidRequest, "file storage access missing base_path")
		}
		return NewFile(access.BasePath, log)
	case TypeRedis:
		if access.URL == "" {
			return nil, errdefs.New(errdefs.KindInvalidRequest, "redis storage access missing url")
		}
		return NewRedis(ctx, access.URL, access.Prefix, log)
	default:
		return nil, errdefs.New(errdefs.KindInvalidRequest, "unknown storage type %q", access.Type)
	}
}

// validateName rejects names that are empty or could escape the store.
func validateName(name string) error {
	if name == "" {
		return errdefs.New(errdefs.KindConflict, "name must not be empty")
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return errdefs.New(errdefs.KindConflict, "name %q contains path separators", name)
	}
	return nil
}
