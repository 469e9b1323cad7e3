package operations

import (
	"context"
	"errors"
	"strings"

	"github.com/ggoodman/tool-gateway/apierr"
	"github.com/ggoodman/tool-gateway/memory"
	"github.com/ggoodman/tool-gateway/permissions"
	"github.com/ggoodman/tool-gateway/registry"
)

type createEntityArgs struct {
	Name         string   `json:"name" jsonschema:"description=Unique name of the entity"`
	EntityType   string   `json:"entityType,omitempty" jsonschema:"description=Kind of entity such as person or company"`
	Observations []string `json:"observations,omitempty" jsonschema:"description=Initial facts about the entity"`
	// Global stores the entity outside the session's active project.
	Global bool `json:"global,omitempty" jsonschema:"description=Store outside the active project"`
}

type addObservationArgs struct {
	EntityID   string `json:"entityId"`
	Text       string `json:"text"`
	Importance string `json:"importance,omitempty" jsonschema:"enum=critical,enum=important,enum=normal,enum=temporary"`
	UserEdit   bool   `json:"userEdit,omitempty" jsonschema:"description=The user explicitly asked for this to be remembered"`
}

type createRelationArgs struct {
	FromEntityID string `json:"fromEntityId"`
	ToEntityID   string `json:"toEntityId"`
	RelationType string `json:"relationType" jsonschema:"description=Relation in active voice such as works_at"`
}

type searchArgs struct {
	Query    string   `json:"query" jsonschema:"description=Words to match; empty lists everything in scope"`
	Projects []string `json:"projects,omitempty" jsonschema:"description=Further projects to search besides the active one"`
	Limit    int      `json:"limit,omitempty"`
}

type observationIDArgs struct {
	ObservationID string `json:"observationId"`
}

type entityIDArgs struct {
	EntityID string `json:"entityId"`
}

type useProjectArgs struct {
	ProjectID string `json:"projectId" jsonschema:"description=Project to make active; empty to clear"`
}

func memoryOps(d Deps) []registry.Operation {
	m := &memoryOpsImpl{store: d.Memory}
	level := registry.WithLevel(permissions.LevelReadOnly, GroupMemory)
	return []registry.Operation{
		registry.NewOperation("memory_create_entity", CategoryMemory, "Remember a new entity, optionally with initial observations.", m.createEntity, level),
		registry.NewOperation("memory_add_observation", CategoryMemory, "Add a fact to an entity.", m.addObservation, level),
		registry.NewOperation("memory_create_relation", CategoryMemory, "Relate two entities.", m.createRelation, level),
		registry.NewOperation("memory_search", CategoryMemory, "Search remembered entities in the active project and global memory.", m.search, level),
		registry.NewOperation("memory_read_graph", CategoryMemory, "Read the whole knowledge graph.", m.readGraph, level),
		registry.NewOperation("memory_delete_observation", CategoryMemory, "Forget one observation.", m.deleteObservation, level),
		registry.NewOperation("memory_delete_entity", CategoryMemory, "Forget an entity with its observations and relations.", m.deleteEntity, level),
		registry.NewOperation("memory_list_user_edits", CategoryMemory, "List facts the user explicitly asked to remember.", m.listUserEdits, level),
		registry.NewOperation("memory_use_project", CategoryMemory, "Set the project this conversation's memory is scoped to.", m.useProject, level),
	}
}

type memoryOpsImpl struct {
	store memory.Store
}

func activeProject(inv registry.Invocation) string {
	if inv.Session == nil {
		return ""
	}
	return inv.Session.Attribute(ProjectAttribute)
}

func (m *memoryOpsImpl) createEntity(ctx context.Context, inv registry.Invocation, x createEntityArgs) (any, error) {
	e := memory.Entity{UserID: inv.UserID, Name: x.Name, EntityType: x.EntityType}
	if !x.Global {
		e.ProjectID = activeProject(inv)
	}
	created, err := m.store.CreateEntity(ctx, e)
	if err != nil {
		return nil, memoryErr(err, "entity", x.Name)
	}
	out := memory.EntityWithObservations{Entity: created, Observations: []memory.Observation{}}
	for _, text := range x.Observations {
		o, err := m.store.AddObservation(ctx, inv.UserID, created.ID, text, memory.ImportanceNormal, false)
		if err != nil {
			return nil, memoryErr(err, "entity", created.ID)
		}
		out.Observations = append(out.Observations, o)
	}
	return out, nil
}

func (m *memoryOpsImpl) addObservation(ctx context.Context, inv registry.Invocation, x addObservationArgs) (any, error) {
	o, err := m.store.AddObservation(ctx, inv.UserID, x.EntityID, x.Text, memory.Importance(x.Importance), x.UserEdit)
	if err != nil {
		return nil, memoryErr(err, "entity", x.EntityID)
	}
	return o, nil
}

func (m *memoryOpsImpl) createRelation(ctx context.Context, inv registry.Invocation, x createRelationArgs) (any, error) {
	r, err := m.store.CreateRelation(ctx, inv.UserID, x.FromEntityID, x.ToEntityID, x.RelationType)
	if err != nil {
		return nil, memoryErr(err, "entity", x.FromEntityID+" or "+x.ToEntityID)
	}
	return r, nil
}

func (m *memoryOpsImpl) search(ctx context.Context, inv registry.Invocation, x searchArgs) (any, error) {
	res, err := m.store.SearchEntities(ctx, memory.Query{
		UserID:     inv.UserID,
		Text:       x.Query,
		ProjectID:  activeProject(inv),
		ProjectIDs: x.Projects,
		Limit:      x.Limit,
	})
	if err != nil {
		return nil, memoryErr(err, "", "")
	}
	if res == nil {
		res = []memory.EntityWithObservations{}
	}
	return map[string]any{"entities": res}, nil
}

func (m *memoryOpsImpl) readGraph(ctx context.Context, inv registry.Invocation, _ noArgs) (any, error) {
	g, err := m.store.ReadGraph(ctx, inv.UserID)
	if err != nil {
		return nil, memoryErr(err, "", "")
	}
	return g, nil
}

func (m *memoryOpsImpl) deleteObservation(ctx context.Context, inv registry.Invocation, x observationIDArgs) (any, error) {
	if err := m.store.DeleteObservation(ctx, inv.UserID, x.ObservationID); err != nil {
		return nil, memoryErr(err, "observation", x.ObservationID)
	}
	return map[string]any{"deleted": x.ObservationID}, nil
}

func (m *memoryOpsImpl) deleteEntity(ctx context.Context, inv registry.Invocation, x entityIDArgs) (any, error) {
	if err := m.store.DeleteEntity(ctx, inv.UserID, x.EntityID); err != nil {
		return nil, memoryErr(err, "entity", x.EntityID)
	}
	return map[string]any{"deleted": x.EntityID}, nil
}

func (m *memoryOpsImpl) listUserEdits(ctx context.Context, inv registry.Invocation, _ noArgs) (any, error) {
	edits, err := m.store.ListUserEdits(ctx, inv.UserID)
	if err != nil {
		return nil, memoryErr(err, "", "")
	}
	return map[string]any{"edits": edits}, nil
}

func (m *memoryOpsImpl) useProject(ctx context.Context, inv registry.Invocation, x useProjectArgs) (any, error) {
	if inv.Session == nil {
		return nil, apierr.Validation("memory_use_project needs a session")
	}
	project := strings.TrimSpace(x.ProjectID)
	if err := inv.Session.SetAttribute(ctx, ProjectAttribute, project); err != nil {
		return nil, apierr.Internal(err)
	}
	return map[string]any{"activeProject": project}, nil
}

func memoryErr(err error, what, id string) error {
	switch {
	case errors.Is(err, memory.ErrNotFound):
		if what == "" {
			return apierr.NotFound("memory record", id)
		}
		return apierr.NotFound(what, id)
	case errors.Is(err, memory.ErrConflict), errors.Is(err, memory.ErrInvalid):
		return apierr.Validation(err.Error())
	}
	return apierr.Internal(err)
}
