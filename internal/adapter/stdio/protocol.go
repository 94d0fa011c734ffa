package stdio

// This file holds the JSON-RPC method parameter/result shapes exchanged
// with the backend, per §6's "Stdio JSON-RPC" interface list. Field names
// follow the wire protocol exactly (camelCase), independent of this repo's
// own Go naming conventions elsewhere.

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type fsCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

type clientCapabilities struct {
	Fs       fsCapabilities `json:"fs"`
	Terminal bool           `json:"terminal"`
}

type initializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientInfo         clientInfo         `json:"clientInfo"`
	ClientCapabilities clientCapabilities `json:"clientCapabilities"`
}

type agentCapabilities struct {
	LoadSession bool `json:"loadSession"`
}

type initializeResult struct {
	AgentCapabilities agentCapabilities `json:"agentCapabilities"`
	AgentInfo         clientInfo        `json:"agentInfo"`
}

type sessionNewParams struct {
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

type sessionNewResult struct {
	SessionID string `json:"sessionId"`
}

type sessionListParams struct {
	Cwd string `json:"cwd"`
}

type sessionSummary struct {
	ID    string `json:"sessionId"`
	Title string `json:"title"`
}

type sessionListResult struct {
	Sessions []sessionSummary `json:"sessions"`
}

type sessionLoadParams struct {
	SessionID  string `json:"sessionId"`
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

type sessionPromptParams struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
	ModelID   string `json:"modelId,omitempty"`
	ModeID    string `json:"modeId,omitempty"`
}

type sessionPromptResult struct {
	StopReason string `json:"stopReason"`
}

// sessionUpdateParams is the payload of a session/update notification; the
// concrete shape of Update depends on Update.SessionUpdate, re-parsed by the
// notification handler.
type sessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    sessionUpdateOp `json:"update"`
}

type sessionUpdateOp struct {
	SessionUpdate string `json:"sessionUpdate"`

	// agent_message_chunk / agent_thought_chunk / user_message_chunk
	Content contentChunk `json:"content"`

	// tool_call / tool_call_update
	CallID         string   `json:"callId"`
	NormalizedTool string   `json:"normalizedTool"`
	OriginalTool   string   `json:"originalTool"`
	Title          string   `json:"title"`
	Kind           string   `json:"kind"`
	Status         string   `json:"status"`
	RawInput       any      `json:"rawInput"`
	RawOutput      any      `json:"rawOutput"`
	Diff           string   `json:"diff"`
	Locations      []string `json:"locations"`

	// session_info_update
	Title2 string `json:"sessionTitle"`
}

type contentChunk struct {
	Text string `json:"text"`
}

// permissionOption mirrors model.PermissionOption on the wire.
type permissionOption struct {
	OptionID string `json:"optionId"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
}

type toolCallInfo struct {
	Title string `json:"title"`
	Kind  string `json:"kind"`
}

type requestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  toolCallInfo       `json:"toolCall"`
	Options   []permissionOption `json:"options"`
	RawInput  any                `json:"rawInput"`
}

type permissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

type permissionOutcomeResult struct {
	Outcome permissionOutcome `json:"outcome"`
}

type fsReadTextFileParams struct {
	Path  string `json:"path"`
	Line  *int   `json:"line,omitempty"`
	Limit *int   `json:"limit,omitempty"`
}

type fsReadTextFileResult struct {
	Content string `json:"content"`
}

type fsWriteTextFileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type fsWriteTextFileResult struct {
	Success bool `json:"success"`
}
