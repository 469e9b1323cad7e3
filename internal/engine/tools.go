package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ggoodman/tool-gateway/apierr"
	"github.com/ggoodman/tool-gateway/gateway"
	"github.com/ggoodman/tool-gateway/internal/jsonrpc"
	"github.com/ggoodman/tool-gateway/mcp"
	"github.com/ggoodman/tool-gateway/registry"
	"github.com/ggoodman/tool-gateway/sessions"
)

// Names of the two tools every client sees.
const (
	ToolListOperations   = "list_operations_in_category"
	ToolExecuteOperation = "execute_operation"
)

type listOperationsArgs struct {
	Category string `json:"category"`
}

type executeOperationArgs struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

// Tools builds the tool list. The listing tool's description names every
// category so the model can pick one without a round trip.
func (e *Engine) Tools() []mcp.Tool {
	cats := e.gw.Categories()
	names := make([]any, 0, len(cats))
	var desc strings.Builder
	desc.WriteString("List the operations available in one category, with their input schemas and required permission levels. Categories: ")
	for i, c := range cats {
		if i > 0 {
			desc.WriteString(", ")
		}
		fmt.Fprintf(&desc, "%s (%d operations)", c.Name, c.Count)
		names = append(names, c.Name)
	}
	desc.WriteString(".")

	return []mcp.Tool{
		{
			Name:        ToolListOperations,
			Title:       "List operations",
			Description: desc.String(),
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]mcp.SchemaProperty{
					"category": {Type: "string", Description: "Category to list.", Enum: names},
				},
				Required:             []string{"category"},
				AdditionalProperties: boolPtr(false),
			},
			Annotations: &mcp.ToolAnnotations{ReadOnlyHint: boolPtr(true), OpenWorldHint: boolPtr(false)},
		},
		{
			Name:  ToolExecuteOperation,
			Title: "Execute operation",
			Description: "Execute one operation by name. Discover names and argument schemas with " + ToolListOperations +
				" first. Writes are checked against your permission level and recorded in the audit trail.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]mcp.SchemaProperty{
					"name":      {Type: "string", Description: "Operation name as returned by " + ToolListOperations + "."},
					"arguments": {Type: "object", Description: "Arguments matching the operation's input schema."},
				},
				Required:             []string{"name"},
				AdditionalProperties: boolPtr(false),
			},
			Annotations: &mcp.ToolAnnotations{DestructiveHint: boolPtr(true), OpenWorldHint: boolPtr(true)},
		},
	}
}

func (e *Engine) handleToolsList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if len(req.Params) > 0 {
		var params mcp.ListToolsRequest
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid params: %v", err)), nil
		}
	}
	return jsonrpc.NewResult(req.ID, mcp.ListToolsResult{Tools: e.Tools()})
}

func (e *Engine) handleToolCall(ctx context.Context, sess *sessions.Handle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid params: %v", err)), nil
	}
	if params.Name != ToolListOperations && params.Name != ToolExecuteOperation {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "unknown tool %q", params.Name)), nil
	}

	callCtx, done, ok := e.track(ctx, sess.ID(), req.ID)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "request id %s is already in flight", req.ID)), nil
	}
	defer done()

	caller := gateway.Caller{UserID: sess.UserID(), SessionID: sess.ID(), Session: sess}
	var (
		out any
		err error
	)
	switch params.Name {
	case ToolListOperations:
		out, err = e.callListOperations(callCtx, caller, params.Arguments)
	case ToolExecuteOperation:
		out, err = e.callExecuteOperation(callCtx, caller, params.Arguments)
	}

	if cause := context.Cause(callCtx); cause != nil && errors.Is(cause, ErrCancelled) {
		return jsonrpc.NewErrorResponse(req.ID, &jsonrpc.Error{Code: jsonrpc.CodeRequestCancelled, Message: cause.Error()}), nil
	}
	if err != nil {
		res := ErrorResult(err)
		if apierr.KindOf(err) == apierr.KindUpstreamReconnect {
			e.notifyReconnect(ctx, sess, err)
		}
		return jsonrpc.NewResult(req.ID, res)
	}
	res, err := SuccessResult(out)
	if err != nil {
		return nil, err
	}
	return jsonrpc.NewResult(req.ID, res)
}

func (e *Engine) callListOperations(ctx context.Context, caller gateway.Caller, raw json.RawMessage) (any, error) {
	args, err := registry.DecodeArguments[listOperationsArgs](raw)
	if err != nil {
		return nil, apierr.Validation(err.Error())
	}
	if args.Category == "" {
		return nil, apierr.Validation("category is required", apierr.FieldError{Field: "category", Reason: "is required"})
	}
	return e.gw.ListOperations(ctx, caller, args.Category)
}

func (e *Engine) callExecuteOperation(ctx context.Context, caller gateway.Caller, raw json.RawMessage) (any, error) {
	args, err := registry.DecodeArguments[executeOperationArgs](raw)
	if err != nil {
		return nil, apierr.Validation(err.Error())
	}
	if args.Name == "" {
		return nil, apierr.Validation("name is required", apierr.FieldError{Field: "name", Reason: "is required"})
	}
	return e.gw.ExecuteOperation(ctx, caller, args.Name, args.Arguments)
}

// notifyReconnect pushes an error event to the session's open streams so the
// host can prompt the user even when the model swallows the tool result.
func (e *Engine) notifyReconnect(ctx context.Context, sess *sessions.Handle, err error) {
	ae := apierr.As(err)
	note, nerr := jsonrpc.NewNotification(string(mcp.LoggingMessageNotificationMethod), mcp.LoggingMessageNotification{
		Level:  mcp.LoggingLevelError,
		Logger: "upstream",
		Data:   errorPayload(ae),
	})
	if nerr != nil {
		return
	}
	b, nerr := json.Marshal(note)
	if nerr != nil {
		return
	}
	if nerr := e.sessions.Notify(context.WithoutCancel(ctx), sess.ID(), sessions.Event{Type: sessions.EventError, Data: b}); nerr != nil {
		e.log.WarnContext(ctx, "engine.notify.fail", slog.String("err", nerr.Error()))
	}
}

// SuccessResult renders an operation result as both text and structured
// content.
func SuccessResult(out any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	res := &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(string(b))}}
	var structured map[string]any
	if json.Unmarshal(b, &structured) == nil {
		res.StructuredContent = structured
	}
	return res, nil
}

// ErrorResult renders err as a tool error. The text names the cause and the
// corrective action; structuredContent.error carries the details.
func ErrorResult(err error) *mcp.CallToolResult {
	ae := apierr.As(err)
	text := ae.UserMessage()
	if ae.Kind == apierr.KindInternal {
		// Internal causes stay in the logs.
		text = "internal error. Try again later or contact support"
	}
	return &mcp.CallToolResult{
		Content:           []mcp.ContentBlock{mcp.TextContent(text)},
		IsError:           true,
		StructuredContent: map[string]any{"error": errorPayload(ae)},
	}
}

func errorPayload(ae *apierr.Error) map[string]any {
	p := map[string]any{
		"kind":      string(ae.Kind),
		"message":   ae.Message,
		"retryable": ae.Retryable(),
	}
	if ae.Action != "" {
		p["action"] = ae.Action
	}
	if len(ae.Fields) > 0 {
		p["fields"] = ae.Fields
	}
	if ae.Kind == apierr.KindAuthorization {
		p["requiredLevel"] = ae.RequiredLevel
		p["currentLevel"] = ae.CurrentLevel
	}
	return p
}
