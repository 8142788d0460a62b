// Package agentclient defines the external AI agent service contract the
// AgentTaskDispatcher invokes: submit a task, receive completion or
// failure. Per spec §1 this package holds only the contract — prompt
// assembly, tool/function calling and image generation are the client's
// concern and live outside this module. Grounded on the teacher's
// task.TaskHandler interface shape (internal/task/handlers.go), adapted
// to the wire envelope spec §6 defines.
package agentclient

import "context"

// Image is a multimodal attachment handed to the agent alongside the
// user message.
type Image struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Base64      string `json:"base64"`
}

// TaskMetadata carries descriptive, non-functional context about the
// task for the agent's logging/telemetry; it does not affect dispatch.
type TaskMetadata struct {
	TaskTitle         string `json:"task_title"`
	TaskDescription   string `json:"task_description"`
	EstimatedDuration int    `json:"estimated_duration"`
}

// Request is the on-the-wire task representation handed to the agent
// client (spec §6); it is the only structure the core guarantees.
type Request struct {
	TaskID             string       `json:"task_id"`
	SystemPrompt       string       `json:"system_prompt"`
	UserMessage        string       `json:"user_message"`
	Images             []Image      `json:"images,omitempty"`
	HasMultimodalContent bool       `json:"has_multimodal_content"`
	Tools              []string     `json:"tools,omitempty"`
	TaskMetadata       TaskMetadata `json:"task_metadata"`
}

// Response is the outcome of a successful agent call.
type Response struct {
	OutputText string
}

// Client is the contract the dispatcher calls against. Implementations
// wrap whatever transport (HTTP, gRPC, in-process SDK) reaches the actual
// AI agent service; none of that is this module's concern.
type Client interface {
	// Invoke performs one agent call. It must respect ctx cancellation —
	// the dispatcher relies on this for per-call timeouts and cooperative
	// task cancellation.
	Invoke(ctx context.Context, req Request) (Response, error)
}
