package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/ggoodman/tool-gateway/apierr"
	"github.com/ggoodman/tool-gateway/mcp"
	"github.com/ggoodman/tool-gateway/permissions"
)

// Descriptor is the listing entry of an operation.
type Descriptor struct {
	Name            string              `json:"name"`
	Category        string              `json:"category"`
	Summary         string              `json:"summary"`
	InputSchema     mcp.ToolInputSchema `json:"inputSchema"`
	RequiredLevel   permissions.Level   `json:"requiredLevel"`
	CapabilityGroup string              `json:"capabilityGroup"`
	// EntityType names what a write operation changes; empty for reads.
	EntityType string `json:"entityType,omitempty"`
}

// IsWrite reports whether invoking the operation changes state that is
// audited through a snapshot.
func (d Descriptor) IsWrite() bool { return d.RequiredLevel > permissions.LevelReadOnly }

// Session is the conversation state an operation may read or change.
type Session interface {
	Attribute(key string) string
	SetAttribute(ctx context.Context, key, value string) error
}

// Invocation identifies who is calling an operation and from which session.
type Invocation struct {
	UserID    string
	SessionID string
	Session   Session
}

// Operation is one named capability of the catalog.
type Operation struct {
	Descriptor Descriptor

	invoke   func(ctx context.Context, inv Invocation, raw json.RawMessage) (any, error)
	entityID func(raw json.RawMessage) string
	before   func(ctx context.Context, inv Invocation, raw json.RawMessage) (json.RawMessage, error)
}

// Invoke decodes raw into the operation's argument type and runs it. Callers
// validate raw against the input schema first.
func (o Operation) Invoke(ctx context.Context, inv Invocation, raw json.RawMessage) (any, error) {
	return o.invoke(ctx, inv, raw)
}

// EntityID extracts the id of the entity a write targets, if known before
// execution.
func (o Operation) EntityID(raw json.RawMessage) string {
	if o.entityID == nil {
		return ""
	}
	return o.entityID(raw)
}

// HasBefore reports whether the operation captures a before-state.
func (o Operation) HasBefore() bool { return o.before != nil }

// Before captures the state the write is about to change.
func (o Operation) Before(ctx context.Context, inv Invocation, raw json.RawMessage) (json.RawMessage, error) {
	if o.before == nil {
		return nil, nil
	}
	return o.before(ctx, inv, raw)
}

// Option configures an operation built by NewOperation.
type Option func(*opConfig)

type opConfig struct {
	level    permissions.Level
	group    string
	entity   string
	entityID func(json.RawMessage) string
	before   func(context.Context, Invocation, json.RawMessage) (json.RawMessage, error)
}

// WithLevel sets the required permission level and the capability group the
// level is checked against.
func WithLevel(level permissions.Level, group string) Option {
	return func(c *opConfig) {
		c.level = level
		c.group = group
	}
}

// WithEntity names the entity type a write changes.
func WithEntity(entityType string) Option {
	return func(c *opConfig) { c.entity = entityType }
}

// WithSnapshot wires the audit hooks of a write: id picks the targeted
// entity id from the arguments and before, when non-nil, loads the state the
// write will replace.
func WithSnapshot[A any](id func(A) string, before func(ctx context.Context, inv Invocation, args A) (any, error)) Option {
	return func(c *opConfig) {
		if id != nil {
			c.entityID = func(raw json.RawMessage) string {
				a, err := decodeArgs[A](raw)
				if err != nil {
					return ""
				}
				return id(a)
			}
		}
		if before != nil {
			c.before = func(ctx context.Context, inv Invocation, raw json.RawMessage) (json.RawMessage, error) {
				a, err := decodeArgs[A](raw)
				if err != nil {
					return nil, err
				}
				v, err := before(ctx, inv, a)
				if err != nil {
					return nil, err
				}
				if v == nil {
					return nil, nil
				}
				b, err := json.Marshal(v)
				if err != nil {
					return nil, fmt.Errorf("encode before-state: %w", err)
				}
				return b, nil
			}
		}
	}
}

// NewOperation builds an operation from a typed argument struct A. The input
// schema is reflected from A and is strict: unknown fields are rejected.
func NewOperation[A any](name, category, summary string, fn func(ctx context.Context, inv Invocation, args A) (any, error), opts ...Option) Operation {
	cfg := opConfig{group: category}
	for _, opt := range opts {
		opt(&cfg)
	}
	return Operation{
		Descriptor: Descriptor{
			Name:            name,
			Category:        category,
			Summary:         summary,
			InputSchema:     reflectInputSchema[A](),
			RequiredLevel:   cfg.level,
			CapabilityGroup: cfg.group,
			EntityType:      cfg.entity,
		},
		invoke: func(ctx context.Context, inv Invocation, raw json.RawMessage) (any, error) {
			a, err := decodeArgs[A](raw)
			if err != nil {
				return nil, apierr.Validation(err.Error())
			}
			return fn(ctx, inv, a)
		},
		entityID: cfg.entityID,
		before:   cfg.before,
	}
}

func decodeArgs[A any](raw json.RawMessage) (A, error) {
	var a A
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return a, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return a, fmt.Errorf("invalid arguments: %v", err)
	}
	return a, nil
}

// InputSchemaOf reflects A into the strict tool input schema used for
// operations.
func InputSchemaOf[A any]() mcp.ToolInputSchema { return reflectInputSchema[A]() }

// DecodeArguments decodes raw into A, rejecting unknown fields.
func DecodeArguments[A any](raw json.RawMessage) (A, error) { return decodeArgs[A](raw) }

// reflectInputSchema reflects A into the simplified tool input schema.
func reflectInputSchema[A any]() mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		strict := false
		return mcp.ToolInputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}, AdditionalProperties: &strict}
	}
	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toProperty(el.Value)
		}
	}
	strict := false
	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             append([]string(nil), s.Required...),
		AdditionalProperties: &strict,
	}
}

func toProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
		Format:      s.Format,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toProperty(el.Value)
		}
		p.Properties = m
		p.Required = append([]string(nil), s.Required...)
		strict := false
		p.AdditionalProperties = &strict
	}
	return p
}
