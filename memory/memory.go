// Package memory is a per-user knowledge graph of entities, observations on
// those entities and typed relations between them.
//
// Entities may belong to a project. A search sees the user's global
// entities plus entities of the projects named in its scope; nothing else.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("memory: not found")
	ErrConflict = errors.New("memory: entity name already exists")
	ErrInvalid  = errors.New("memory: invalid input")
)

// Importance ranks how long an observation is expected to matter.
type Importance string

const (
	ImportanceCritical  Importance = "critical"
	ImportanceImportant Importance = "important"
	ImportanceNormal    Importance = "normal"
	ImportanceTemporary Importance = "temporary"
)

// ParseImportance validates s. The empty string maps to ImportanceNormal.
func ParseImportance(s string) (Importance, error) {
	switch Importance(s) {
	case "":
		return ImportanceNormal, nil
	case ImportanceCritical, ImportanceImportant, ImportanceNormal, ImportanceTemporary:
		return Importance(s), nil
	}
	return "", fmt.Errorf("%w: importance %q must be one of critical, important, normal, temporary", ErrInvalid, s)
}

type Entity struct {
	ID         string    `json:"id"`
	UserID     string    `json:"-"`
	ProjectID  string    `json:"projectId,omitempty"`
	Name       string    `json:"name"`
	EntityType string    `json:"entityType"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Observation struct {
	ID         string     `json:"id"`
	EntityID   string     `json:"entityId"`
	Text       string     `json:"text"`
	Importance Importance `json:"importance"`
	IsUserEdit bool       `json:"isUserEdit"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type Relation struct {
	ID           string    `json:"id"`
	UserID       string    `json:"-"`
	FromEntityID string    `json:"fromEntityId"`
	ToEntityID   string    `json:"toEntityId"`
	RelationType string    `json:"relationType"`
	CreatedAt    time.Time `json:"createdAt"`
}

// EntityWithObservations is an entity and its observations, oldest first.
type EntityWithObservations struct {
	Entity
	Observations []Observation `json:"observations"`
}

// Graph is a user's full knowledge graph.
type Graph struct {
	Entities  []EntityWithObservations `json:"entities"`
	Relations []Relation               `json:"relations"`
}

// UserEdit is an observation the user explicitly asked to be remembered,
// listed with the entity it belongs to.
type UserEdit struct {
	Observation
	EntityName string `json:"entityName"`
}

// Query scopes a search. ProjectID is the caller's current project; ProjectIDs
// explicitly pulls further projects into scope. Global entities (no project)
// are always in scope.
type Query struct {
	UserID     string
	Text       string
	ProjectID  string
	ProjectIDs []string
	Limit      int
}

// AllowedProjects returns the de-duplicated set of projects in scope.
func (q Query) AllowedProjects() []string {
	seen := make(map[string]struct{}, len(q.ProjectIDs)+1)
	var out []string
	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	add(q.ProjectID)
	for _, p := range q.ProjectIDs {
		add(p)
	}
	return out
}

// Searcher is the search strategy behind Store.SearchEntities. Results are
// ordered most relevant first; strategies without a relevance signal order
// by most recent CreatedAt.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]EntityWithObservations, error)
}

// Store is the knowledge graph contract.
type Store interface {
	CreateEntity(ctx context.Context, e Entity) (Entity, error)
	GetEntity(ctx context.Context, userID, entityID string) (Entity, error)
	AddObservation(ctx context.Context, userID, entityID, text string, importance Importance, isUserEdit bool) (Observation, error)
	CreateRelation(ctx context.Context, userID, fromID, toID, relationType string) (Relation, error)
	SearchEntities(ctx context.Context, q Query) ([]EntityWithObservations, error)
	ReadGraph(ctx context.Context, userID string) (Graph, error)
	DeleteObservation(ctx context.Context, userID, observationID string) error
	// DeleteEntity removes the entity, its observations and every relation
	// touching it.
	DeleteEntity(ctx context.Context, userID, entityID string) error
	ListUserEdits(ctx context.Context, userID string) ([]UserEdit, error)
}
