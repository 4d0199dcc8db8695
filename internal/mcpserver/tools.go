package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/edvin/onboarding/internal/core"
	"github.com/edvin/onboarding/internal/engine"
	"github.com/edvin/onboarding/internal/model"
)

const listLimit = 50

func buildTools(services *core.Services, eng *engine.Engine) []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("list_workflows",
				mcp.WithDescription("List onboarding workflows, optionally filtered by status or applicant."),
				mcp.WithReadOnlyHintAnnotation(true),
				mcp.WithString("status", mcp.Description("Filter by status (pending, running, awaiting_human, paused, completed, failed, terminated)")),
				mcp.WithString("applicant_id", mcp.Description("Filter by applicant id")),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				args := req.GetArguments()
				filters := core.WorkflowFilters{
					Status:      stringArg(args, "status"),
					ApplicantID: stringArg(args, "applicant_id"),
				}
				workflows, _, err := services.Workflow.List(ctx, filters, listLimit, "")
				if err != nil {
					return mcp.NewToolResultError(fmt.Sprintf("list workflows: %s", err)), nil
				}
				return jsonResult(workflows)
			},
		},
		{
			Tool: mcp.NewTool("get_workflow",
				mcp.WithDescription("Get one workflow instance with its current stage, status, and failure reason if any."),
				mcp.WithReadOnlyHintAnnotation(true),
				mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow id")),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				id := stringArg(req.GetArguments(), "workflow_id")
				if id == "" {
					return mcp.NewToolResultError("workflow_id is required"), nil
				}
				wf, err := services.Workflow.GetByID(ctx, id)
				if err != nil {
					return mcp.NewToolResultError(fmt.Sprintf("get workflow: %s", err)), nil
				}
				return jsonResult(wf)
			},
		},
		{
			Tool: mcp.NewTool("get_workflow_events",
				mcp.WithDescription("Get a workflow's append-only audit log in occurrence order."),
				mcp.WithReadOnlyHintAnnotation(true),
				mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow id")),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				id := stringArg(req.GetArguments(), "workflow_id")
				if id == "" {
					return mcp.NewToolResultError("workflow_id is required"), nil
				}
				events, _, err := services.Event.ListByWorkflow(ctx, id, listLimit, "")
				if err != nil {
					return mcp.NewToolResultError(fmt.Sprintf("list events: %s", err)), nil
				}
				return jsonResult(events)
			},
		},
		{
			Tool: mcp.NewTool("deliver_decision",
				mcp.WithDescription("Deliver a human decision to a workflow awaiting one. Kinds: document_upload, risk_manager_review, quote_review, mandate_collection, contract_signing, risk_manager_approval, account_manager_approval."),
				mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow id")),
				mcp.WithString("kind", mcp.Required(), mcp.Description("Decision kind")),
				mcp.WithBoolean("approved", mcp.Required(), mcp.Description("Whether the decision approves the pending step")),
				mcp.WithString("comment", mcp.Description("Optional reviewer comment")),
				mcp.WithString("actor_id", mcp.Required(), mcp.Description("Id of the human making the decision")),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				args := req.GetArguments()
				id := stringArg(args, "workflow_id")
				kind := stringArg(args, "kind")
				actorID := stringArg(args, "actor_id")
				if id == "" || kind == "" || actorID == "" {
					return mcp.NewToolResultError("workflow_id, kind and actor_id are required"), nil
				}
				if !model.ValidDeliveryKind(kind) {
					return mcp.NewToolResultError(fmt.Sprintf("unknown decision kind %q", kind)), nil
				}
				approved, _ := args["approved"].(bool)
				decision := model.Decision{
					Kind:     kind,
					Approved: approved,
					Comment:  stringArg(args, "comment"),
					ActorID:  actorID,
				}
				if err := eng.Deliver(ctx, id, decision); err != nil {
					return mcp.NewToolResultError(fmt.Sprintf("deliver decision: %s", err)), nil
				}
				return mcp.NewToolResultText(`{"status":"delivered"}`), nil
			},
		},
		{
			Tool: mcp.NewTool("terminate_workflow",
				mcp.WithDescription("Execute the kill switch: permanently terminate a workflow. The workflow goes quiet and accepts no further events."),
				mcp.WithDestructiveHintAnnotation(true),
				mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow id")),
				mcp.WithString("reason", mcp.Required(), mcp.Description("Why the workflow is being terminated")),
				mcp.WithString("actor_id", mcp.Required(), mcp.Description("Id of the operator")),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				args := req.GetArguments()
				id := stringArg(args, "workflow_id")
				reason := stringArg(args, "reason")
				actorID := stringArg(args, "actor_id")
				if id == "" || reason == "" || actorID == "" {
					return mcp.NewToolResultError("workflow_id, reason and actor_id are required"), nil
				}
				if err := eng.Terminate(ctx, id, reason, actorID); err != nil {
					return mcp.NewToolResultError(fmt.Sprintf("terminate workflow: %s", err)), nil
				}
				return mcp.NewToolResultText(`{"status":"terminated"}`), nil
			},
		},
		{
			Tool: mcp.NewTool("resume_workflow",
				mcp.WithDescription("Resume a paused (management-escalated) workflow so workers pick it up again."),
				mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow id")),
				mcp.WithString("actor_id", mcp.Required(), mcp.Description("Id of the operator")),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				args := req.GetArguments()
				id := stringArg(args, "workflow_id")
				actorID := stringArg(args, "actor_id")
				if id == "" || actorID == "" {
					return mcp.NewToolResultError("workflow_id and actor_id are required"), nil
				}
				if err := eng.Resume(ctx, id, actorID); err != nil {
					return mcp.NewToolResultError(fmt.Sprintf("resume workflow: %s", err)), nil
				}
				return mcp.NewToolResultText(`{"status":"running"}`), nil
			},
		},
		{
			Tool: mcp.NewTool("list_notifications",
				mcp.WithDescription("List notifications emitted for an applicant, newest first."),
				mcp.WithReadOnlyHintAnnotation(true),
				mcp.WithString("applicant_id", mcp.Required(), mcp.Description("Applicant id")),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				applicantID := stringArg(req.GetArguments(), "applicant_id")
				if applicantID == "" {
					return mcp.NewToolResultError("applicant_id is required"), nil
				}
				notifications, _, err := services.Notification.ListByApplicant(ctx, applicantID, listLimit, "")
				if err != nil {
					return mcp.NewToolResultError(fmt.Sprintf("list notifications: %s", err)), nil
				}
				return jsonResult(notifications)
			},
		},
	}
}

func stringArg(args map[string]any, name string) string {
	v, _ := args[name].(string)
	return v
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %s", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
