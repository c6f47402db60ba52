package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kaptinlin/jsonschema"
	"go.opentelemetry.io/otel/trace"

	"call-me/internal/domain"
	"call-me/internal/infra/tracer"
)

// CallCore is the slice of the call session core the tool needs.
type CallCore interface {
	Initiate(ctx context.Context, text string) (callID, userReply string, err error)
	Continue(ctx context.Context, callID, text string) (string, error)
	End(ctx context.Context, callID, text string) (float64, error)
	Status(callID string) (*domain.CallStatus, error)
}

// phoneCallSchema is the function-calling contract for the phone_call tool.
var phoneCallSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {
			"type": "string",
			"enum": ["initiate_call", "continue_call", "end_call", "get_status"],
			"description": "The phone call action to perform"
		},
		"message": {
			"type": "string",
			"description": "Text to speak to the user (required for initiate_call and continue_call; optional farewell for end_call)"
		},
		"call_id": {
			"type": "string",
			"description": "Call ID returned by initiate_call (required for continue_call, end_call, get_status)"
		}
	},
	"required": ["action"]
}`)

// PhoneCallTool lets the agent hold a spoken phone conversation: place a
// call, exchange turns, hang up.
type PhoneCallTool struct {
	core   CallCore
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewPhoneCallTool creates the phone call tool on top of the call core.
func NewPhoneCallTool(core CallCore, logger *slog.Logger) *PhoneCallTool {
	return &PhoneCallTool{
		core:   core,
		schema: compileSchema(phoneCallSchema),
		logger: logger,
	}
}

func (t *PhoneCallTool) Name() string { return "phone_call" }

func (t *PhoneCallTool) Description() string {
	return "Make an outbound phone call to the user and hold a spoken conversation. " +
		"Use initiate_call to dial and speak an opening message (returns the user's reply), " +
		"continue_call to speak a follow-up and get the next reply, " +
		"end_call to say goodbye and hang up, and get_status to inspect an active call."
}

func (t *PhoneCallTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  phoneCallSchema,
	}
}

type phoneCallParams struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
	CallID  string `json:"call_id,omitempty"`
}

func (t *PhoneCallTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.phone_call", t.logger, params,
		func(ctx context.Context, span trace.Span, p phoneCallParams) (any, error) {
			if err := validateSchema(t.schema, params); err != nil {
				return ErrResult("%v", err)
			}
			span.SetAttributes(tracer.StringAttr("tool.action", p.Action))

			var result any
			var err error
			switch p.Action {
			case "initiate_call":
				result, err = t.handleInitiate(ctx, p)
			case "continue_call":
				result, err = t.handleContinue(ctx, p)
			case "end_call":
				result, err = t.handleEnd(ctx, p)
			case "get_status":
				result, err = t.handleGetStatus(p)
			default:
				err = BadAction(p.Action, "initiate_call", "continue_call", "end_call", "get_status")
			}

			// Domain errors need the structured payload with code and call
			// state, so they are formatted here rather than by the generic
			// error branch.
			if err != nil {
				t.logger.Warn("phone call action failed", "action", p.Action, "error", err)
				return t.errorResult(p, err), nil
			}
			return result, nil
		})
}

// errorResult builds a structured error payload: message, stable error code,
// and whatever call state is still observable.
func (t *PhoneCallTool) errorResult(p phoneCallParams, err error) *domain.ToolResult {
	errResp := map[string]any{
		"error": err.Error(),
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeUnknown {
		errResp["code"] = string(code)
	}
	if p.CallID != "" {
		errResp["call_id"] = p.CallID
		if status, statusErr := t.core.Status(p.CallID); statusErr == nil {
			errResp["state"] = string(status.State)
		}
	}
	data, _ := json.MarshalIndent(errResp, "", "  ")
	return &domain.ToolResult{
		IsError:     true,
		IsRetryable: classifyToolError(err),
		Content:     string(data),
	}
}

func (t *PhoneCallTool) handleInitiate(ctx context.Context, p phoneCallParams) (any, error) {
	if err := RequireField("message", p.Message); err != nil {
		return nil, err
	}

	callID, reply, err := t.core.Initiate(ctx, p.Message)
	if err != nil {
		// The call may have been created before the turn failed; surface the
		// ID so the agent can retry against the right call.
		if callID != "" {
			return nil, fmt.Errorf("call %s: %w", callID, err)
		}
		return nil, err
	}

	t.logger.Info("call initiated via tool", "call_id", callID)
	return map[string]any{
		"call_id":    callID,
		"user_reply": reply,
	}, nil
}

func (t *PhoneCallTool) handleContinue(ctx context.Context, p phoneCallParams) (any, error) {
	if err := RequireFields("call_id", p.CallID, "message", p.Message); err != nil {
		return nil, err
	}

	reply, err := t.core.Continue(ctx, p.CallID, p.Message)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"call_id":    p.CallID,
		"user_reply": reply,
	}, nil
}

func (t *PhoneCallTool) handleEnd(ctx context.Context, p phoneCallParams) (any, error) {
	if err := RequireField("call_id", p.CallID); err != nil {
		return nil, err
	}

	seconds, err := t.core.End(ctx, p.CallID, p.Message)
	if err != nil {
		return nil, err
	}

	t.logger.Info("call ended via tool", "call_id", p.CallID, "duration_seconds", seconds)
	return map[string]any{
		"call_id":          p.CallID,
		"status":           "ended",
		"duration_seconds": seconds,
	}, nil
}

func (t *PhoneCallTool) handleGetStatus(p phoneCallParams) (any, error) {
	if err := RequireField("call_id", p.CallID); err != nil {
		return nil, err
	}
	status, err := t.core.Status(p.CallID)
	if err != nil {
		return nil, err
	}
	return status, nil
}
