package ctxkey

const (
	// RequestId is the per-request unique identifier used as the correlation
	// key across the dispatch, broker, and observability layers.
	// Set in: middleware/request-id.
	// Read in: controllers for logging and envelope construction.
	// Note: the literal value is "X-Lmbridge-Request-Id" for consistency with header naming.
	RequestId = "X-Lmbridge-Request-Id"

	// RequestModel is the model name as requested by the client.
	// Set in: controller.ChatCompletions before binding resolution.
	// Invariant: never mutate this value; it must always reflect the user's
	// original input. Binding resolution maps it to session or upstream ids
	// without rewriting it.
	RequestModel = "request_model"

	// TabId is the tab that currently owns the request on the browser-tab path.
	// Set in: controller.ChatCompletions after tab selection.
	// Read in: cancellation and transfer logging.
	TabId = "tab_id"
)
