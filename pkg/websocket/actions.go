package websocket

// Agent engine actions (client -> engine requests)
const (
	ActionAgentRun        = "agent.run"
	ActionAgentApprove    = "agent.approve"
	ActionAgentToolResult = "agent.tool_result"
)

// Agent engine notifications (engine -> client)
const (
	ActionAgentChunk = "agent.chunk"
	ActionAgentDone  = "agent.done"
)

// Session live-tail notifications (gateway -> viewer)
const (
	ActionSessionEvent = "session.event"
)
