package types

// Model describes one locally known checkpoint.
type Model struct {
	// ID is the checkpoint identifier (local folder name or remote repo id).
	ID string `json:"id"`
	// Name is a human readable label; defaults to ID.
	Name string `json:"name,omitempty"`
	// Path is the absolute local checkpoint directory, when present.
	Path string `json:"path,omitempty"`
	// Type is the architecture tag from config.json (e.g. "gpt_neo").
	Type string `json:"type,omitempty"`
	// Revision is the optional checkpoint revision tag.
	Revision string `json:"revision,omitempty"`
}

// SamplerSettings carries the sampling parameters consumed by generation.
// Zero values mean "use the server default".
type SamplerSettings struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	// TFS is tail-free sampling.
	TFS     float64 `json:"tfs,omitempty"`
	Typical float64 `json:"typical,omitempty"`
	TopA    float64 `json:"top_a,omitempty"`
	// RepPen is the repetition penalty with optional slope and range.
	RepPen      float64 `json:"rep_pen,omitempty"`
	RepPenSlope float64 `json:"rep_pen_slope,omitempty"`
	RepPenRange int     `json:"rep_pen_range,omitempty"`
	// SamplerOrder lists sampler stage identifiers in application order.
	// When fewer than 7 stages are given, a repetition penalty stage is
	// implicitly prepended.
	SamplerOrder []int `json:"sampler_order,omitempty"`
}

// GenerateRequest is the inference request payload.
type GenerateRequest struct {
	// Model is the optional checkpoint id; the server default is used when empty.
	Model string `json:"model,omitempty"`
	// Prompt is the prompt text. Ignored when PromptTokens is set.
	Prompt string `json:"prompt,omitempty"`
	// PromptTokens are pre-tokenized prompt ids, used verbatim when present.
	PromptTokens []uint32 `json:"prompt_tokens,omitempty"`
	// MaxTokens is the number of new tokens to generate.
	MaxTokens int `json:"max_tokens,omitempty"`
	// BatchCount is the number of sequences to generate in parallel.
	BatchCount int `json:"batch_count,omitempty"`
	// Stream requests NDJSON streaming of per-batch results.
	Stream   bool            `json:"stream,omitempty"`
	Samplers SamplerSettings `json:"samplers,omitempty"`
}

// GenerateResponse is the final line of a generation stream.
type GenerateResponse struct {
	// RequestID identifies this generation call.
	RequestID string `json:"request_id"`
	// Prompt echoes the originating prompt tokens.
	Prompt []uint32 `json:"prompt"`
	// Batches holds one generated token sequence per requested batch.
	Batches [][]uint32 `json:"batches"`
	// Done marks the terminal line of the stream.
	Done bool `json:"done"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	// Kind distinguishes fatal conditions (e.g. "checkpoint_unavailable").
	Kind string `json:"kind,omitempty"`
	Code int    `json:"code"`
}

// PlacementSummary reports where the loaded model's blocks ended up.
type PlacementSummary struct {
	GPULayers  int `json:"gpu_layers"`
	CPULayers  int `json:"cpu_layers"`
	DiskLayers int `json:"disk_layers"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// State is the manager lifecycle state (loading, ready, error).
	State string `json:"state"`
	// Model is the currently loaded checkpoint, if any.
	Model *Model `json:"model,omitempty"`
	// Strategy is the hydration strategy in use (eager, lazy, engine).
	Strategy string `json:"strategy,omitempty"`
	// Placement summarizes the device placement of the loaded model.
	Placement *PlacementSummary `json:"placement,omitempty"`
	// QueueLen and Inflight describe generation admission.
	QueueLen int `json:"queue_len"`
	Inflight int `json:"inflight"`
	// MaxQueueDepth is the admission queue capacity.
	MaxQueueDepth int `json:"max_queue_depth"`
	// LoadsTotal counts completed model loads since start.
	LoadsTotal uint64 `json:"loads_total"`
	// Compiling reports whether the sharded engine is inside a JIT
	// compilation phase.
	Compiling bool `json:"compiling"`
	// LastError is the last load error observed, if any.
	LastError string `json:"last_error,omitempty"`
	// UptimeSeconds and ServerTimeUnix mirror basic process info.
	UptimeSeconds  int64 `json:"uptime_seconds"`
	ServerTimeUnix int64 `json:"server_time_unix"`
}
