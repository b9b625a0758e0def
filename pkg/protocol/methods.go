package protocol

// RPC method names. Every req frame carries one of these.
const (
	MethodConnect = "connect"

	MethodConfigGet = "config.get"
	MethodConfigSet = "config.set"

	MethodPairList    = "pair.list"
	MethodPairApprove = "pair.approve"
	MethodPairDeny    = "pair.deny"

	MethodSessionGet     = "session.get"
	MethodSessionPatch   = "session.patch"
	MethodSessionStats   = "session.stats"
	MethodSessionPreview = "session.preview"
	MethodSessionsList   = "sessions.list"

	MethodChatSend       = "chat.send"
	MethodChannelInbound = "channel.inbound"

	MethodToolInvoke      = "tool.invoke"
	MethodToolResult      = "tool.result"
	MethodNodeProbeResult = "node.probe.result"
	MethodNodeExecEvent   = "node.exec.event"

	MethodLogsGet    = "logs.get"
	MethodLogsResult = "logs.result"

	MethodHeartbeatStatus  = "heartbeat.status"
	MethodHeartbeatTrigger = "heartbeat.trigger"

	MethodCronStatus = "cron.status"
	MethodCronList   = "cron.list"
	MethodCronAdd    = "cron.add"
	MethodCronUpdate = "cron.update"
	MethodCronRemove = "cron.remove"
	MethodCronRun    = "cron.run"
	MethodCronRuns   = "cron.runs"

	MethodSkillsStatus  = "skills.status"
	MethodSkillsRefresh = "skills.refresh"
)
