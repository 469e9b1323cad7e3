package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// LexicalSearcher matches any whitespace-separated query term, case
// insensitively, as a substring of the entity name or of any of its
// observations. Case is folded with Unicode rules when rows are written, so
// "ärzte" finds "Ärzte GmbH". An empty query lists every entity in scope.
type LexicalSearcher struct {
	db *sql.DB
}

func NewLexicalSearcher(db *sql.DB) *LexicalSearcher {
	return &LexicalSearcher{db: db}
}

func (s *LexicalSearcher) Search(ctx context.Context, q Query) ([]EntityWithObservations, error) {
	if q.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	var (
		where []string
		args  []any
	)
	where = append(where, "e.user_id = ?")
	args = append(args, q.UserID)

	projects := q.AllowedProjects()
	if len(projects) == 0 {
		where = append(where, "e.project_id = ''")
	} else {
		where = append(where, "(e.project_id = '' OR e.project_id IN ("+placeholders(len(projects))+"))")
		for _, p := range projects {
			args = append(args, p)
		}
	}

	terms := strings.Fields(fold(q.Text))
	if len(terms) > 0 {
		var ors []string
		for _, term := range terms {
			pattern := "%" + escapeLike(term) + "%"
			ors = append(ors, `e.name_folded LIKE ? ESCAPE '\'`)
			ors = append(ors, `EXISTS (SELECT 1 FROM memory_observations o WHERE o.entity_id = e.id AND o.text_folded LIKE ? ESCAPE '\')`)
			args = append(args, pattern, pattern)
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	args = append(args, limit)

	query := `SELECT e.id, e.user_id, e.project_id, e.name, e.entity_type, e.created_at
		FROM memory_entities e
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY e.created_at DESC, e.id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	entities, err := scanEntities(rows)
	if err != nil {
		return nil, err
	}
	return attachObservations(ctx, s.db, entities)
}

// fold is the case folding applied to stored text and to query terms.
func fold(s string) string { return strings.ToLower(s) }

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
