package observability

// Span names.
const (
	SpanRun           = "orchestrator.run"
	SpanContextBuild  = "context.build"
	SpanToolExecution = "tool.execute"
	SpanAgentRun      = "agent.run"
	SpanGuardCheck    = "chokidar.check"
	SpanLLMRequest    = "llm.request"
	SpanHTTPRequest   = "http.request"
)

// Attribute keys.
const (
	AttrConversationID  = "munshi.conversation_id"
	AttrRunMode         = "munshi.run.mode"
	AttrRunOutcome      = "munshi.run.outcome"
	AttrToolName        = "munshi.tool.name"
	AttrToolCached      = "munshi.tool.cached"
	AttrGuardKind       = "munshi.guard.kind"
	AttrGuardVerdict    = "munshi.guard.verdict"
	AttrAgentKind       = "munshi.agent.kind"
	AttrBatchSize       = "munshi.batch.size"
	AttrContextMode     = "munshi.context.mode"
	AttrContextBytes    = "munshi.context.bytes"
	AttrContextTokens   = "munshi.context.tokens"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrErrorType       = "error.type"

	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"
)
