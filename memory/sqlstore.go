package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/tool-gateway/internal/sqlitedb"
	"github.com/google/uuid"
)

var _ Store = (*SQLStore)(nil)

// SQLStore keeps the graph in the gateway SQLite database. Observations and
// relations are removed with their entity through ON DELETE CASCADE.
type SQLStore struct {
	db       *sql.DB
	searcher Searcher
	now      func() time.Time
}

type Option func(*SQLStore)

// WithSearcher replaces the default LexicalSearcher.
func WithSearcher(s Searcher) Option {
	return func(st *SQLStore) { st.searcher = s }
}

func WithClock(now func() time.Time) Option {
	return func(st *SQLStore) { st.now = now }
}

func NewSQLStore(db *sql.DB, opts ...Option) *SQLStore {
	s := &SQLStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.searcher == nil {
		s.searcher = NewLexicalSearcher(db)
	}
	return s
}

func (s *SQLStore) CreateEntity(ctx context.Context, e Entity) (Entity, error) {
	e.Name = strings.TrimSpace(e.Name)
	if e.UserID == "" || e.Name == "" {
		return Entity{}, fmt.Errorf("%w: user id and name are required", ErrInvalid)
	}
	e.ID = uuid.NewString()
	e.CreatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO memory_entities (id, user_id, project_id, name, name_folded, entity_type, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.ProjectID, e.Name, fold(e.Name), e.EntityType, e.CreatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Entity{}, ErrConflict
		}
		return Entity{}, fmt.Errorf("create entity: %w", err)
	}
	return e, nil
}

func (s *SQLStore) GetEntity(ctx context.Context, userID, entityID string) (Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, project_id, name, entity_type, created_at FROM memory_entities WHERE id = ? AND user_id = ?`, entityID, userID)
	if err != nil {
		return Entity{}, fmt.Errorf("get entity: %w", err)
	}
	es, err := scanEntities(rows)
	if err != nil {
		return Entity{}, err
	}
	if len(es) == 0 {
		return Entity{}, ErrNotFound
	}
	return es[0], nil
}

func (s *SQLStore) AddObservation(ctx context.Context, userID, entityID, text string, importance Importance, isUserEdit bool) (Observation, error) {
	if strings.TrimSpace(text) == "" {
		return Observation{}, fmt.Errorf("%w: observation text is required", ErrInvalid)
	}
	imp, err := ParseImportance(string(importance))
	if err != nil {
		return Observation{}, err
	}
	if _, err := s.GetEntity(ctx, userID, entityID); err != nil {
		return Observation{}, err
	}
	o := Observation{
		ID:         uuid.NewString(),
		EntityID:   entityID,
		Text:       text,
		Importance: imp,
		IsUserEdit: isUserEdit,
		CreatedAt:  s.now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO memory_observations (id, entity_id, text, text_folded, importance, is_user_edit, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.EntityID, o.Text, fold(o.Text), string(o.Importance), boolInt(o.IsUserEdit), o.CreatedAt.UnixNano())
	if err != nil {
		return Observation{}, fmt.Errorf("add observation: %w", err)
	}
	return o, nil
}

func (s *SQLStore) CreateRelation(ctx context.Context, userID, fromID, toID, relationType string) (Relation, error) {
	relationType = strings.TrimSpace(relationType)
	if relationType == "" {
		return Relation{}, fmt.Errorf("%w: relation type is required", ErrInvalid)
	}
	// Both endpoints must belong to the caller.
	for _, id := range []string{fromID, toID} {
		if _, err := s.GetEntity(ctx, userID, id); err != nil {
			return Relation{}, err
		}
	}
	r := Relation{
		ID:           uuid.NewString(),
		UserID:       userID,
		FromEntityID: fromID,
		ToEntityID:   toID,
		RelationType: relationType,
		CreatedAt:    s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO memory_relations (id, user_id, from_entity_id, to_entity_id, relation_type, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.FromEntityID, r.ToEntityID, r.RelationType, r.CreatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Relation{}, fmt.Errorf("%w: relation already exists", ErrConflict)
		}
		return Relation{}, fmt.Errorf("create relation: %w", err)
	}
	return r, nil
}

func (s *SQLStore) SearchEntities(ctx context.Context, q Query) ([]EntityWithObservations, error) {
	return s.searcher.Search(ctx, q)
}

func (s *SQLStore) ReadGraph(ctx context.Context, userID string) (Graph, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, project_id, name, entity_type, created_at FROM memory_entities WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return Graph{}, fmt.Errorf("read graph: %w", err)
	}
	entities, err := scanEntities(rows)
	if err != nil {
		return Graph{}, err
	}
	withObs, err := attachObservations(ctx, s.db, entities)
	if err != nil {
		return Graph{}, err
	}

	rrows, err := s.db.QueryContext(ctx, `SELECT id, user_id, from_entity_id, to_entity_id, relation_type, created_at FROM memory_relations WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return Graph{}, fmt.Errorf("read relations: %w", err)
	}
	defer rrows.Close()
	g := Graph{Entities: withObs, Relations: []Relation{}}
	for rrows.Next() {
		var (
			r       Relation
			created int64
		)
		if err := rrows.Scan(&r.ID, &r.UserID, &r.FromEntityID, &r.ToEntityID, &r.RelationType, &created); err != nil {
			return Graph{}, fmt.Errorf("scan relation: %w", err)
		}
		r.CreatedAt = sqlitedb.FromUnixNano(created)
		g.Relations = append(g.Relations, r)
	}
	if err := rrows.Err(); err != nil {
		return Graph{}, fmt.Errorf("read relations: %w", err)
	}
	return g, nil
}

func (s *SQLStore) DeleteObservation(ctx context.Context, userID, observationID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_observations WHERE id = ? AND entity_id IN (SELECT id FROM memory_entities WHERE user_id = ?)`, observationID, userID)
	if err != nil {
		return fmt.Errorf("delete observation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) DeleteEntity(ctx context.Context, userID, entityID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_entities WHERE id = ? AND user_id = ?`, entityID, userID)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListUserEdits(ctx context.Context, userID string) ([]UserEdit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT o.id, o.entity_id, o.text, o.importance, o.is_user_edit, o.created_at, e.name
		FROM memory_observations o JOIN memory_entities e ON e.id = o.entity_id
		WHERE e.user_id = ? AND o.is_user_edit = 1
		ORDER BY o.created_at DESC, o.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user edits: %w", err)
	}
	defer rows.Close()
	out := []UserEdit{}
	for rows.Next() {
		var (
			ue      UserEdit
			imp     string
			edit    int
			created int64
		)
		if err := rows.Scan(&ue.ID, &ue.EntityID, &ue.Text, &imp, &edit, &created, &ue.EntityName); err != nil {
			return nil, fmt.Errorf("scan user edit: %w", err)
		}
		ue.Importance = Importance(imp)
		ue.IsUserEdit = edit != 0
		ue.CreatedAt = sqlitedb.FromUnixNano(created)
		out = append(out, ue)
	}
	return out, rows.Err()
}

func scanEntities(rows *sql.Rows) ([]Entity, error) {
	defer rows.Close()
	var out []Entity
	for rows.Next() {
		var (
			e       Entity
			created int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.ProjectID, &e.Name, &e.EntityType, &created); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.CreatedAt = sqlitedb.FromUnixNano(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan entities: %w", err)
	}
	return out, nil
}

// attachObservations loads observations for entities, preserving entity order.
func attachObservations(ctx context.Context, db *sql.DB, entities []Entity) ([]EntityWithObservations, error) {
	out := make([]EntityWithObservations, len(entities))
	if len(entities) == 0 {
		return out, nil
	}
	index := make(map[string]int, len(entities))
	args := make([]any, 0, len(entities))
	for i, e := range entities {
		out[i] = EntityWithObservations{Entity: e, Observations: []Observation{}}
		index[e.ID] = i
		args = append(args, e.ID)
	}
	rows, err := db.QueryContext(ctx, `SELECT id, entity_id, text, importance, is_user_edit, created_at FROM memory_observations
		WHERE entity_id IN (`+placeholders(len(args))+`) ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			o       Observation
			imp     string
			edit    int
			created int64
		)
		if err := rows.Scan(&o.ID, &o.EntityID, &o.Text, &imp, &edit, &created); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.Importance = Importance(imp)
		o.IsUserEdit = edit != 0
		o.CreatedAt = sqlitedb.FromUnixNano(created)
		i := index[o.EntityID]
		out[i].Observations = append(out[i].Observations, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
