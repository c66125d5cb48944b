// Package progress infers per-tunnel start progress from frpc log lines.
package progress

import "strings"

// Milestone is a recognised step of a tunnel start.
type Milestone int

// Milestones in start order. RemoteDuplicate is the recoverable failure
// reported when the tunnel is already registered on the server.
const (
	MilestoneNone Milestone = iota
	ProcessSpawned
	FetchedConfig
	WroteConfig
	Authenticated
	TunnelRegistered
	MappingSucceeded
	RemoteDuplicate
)

var milestoneInfo = map[Milestone]struct {
	name    string
	percent int
}{
	MilestoneNone:    {"none", 0},
	ProcessSpawned:   {"process_spawned", 10},
	FetchedConfig:    {"fetched_config", 20},
	WroteConfig:      {"wrote_config", 40},
	Authenticated:    {"authenticated", 60},
	TunnelRegistered: {"tunnel_registered", 80},
	MappingSucceeded: {"mapping_succeeded", 100},
	RemoteDuplicate:  {"remote_duplicate", 100},
}

// String implements fmt.Stringer.
func (m Milestone) String() string {
	if info, ok := milestoneInfo[m]; ok {
		return info.name
	}
	return "unknown"
}

// Percent is the progress value the milestone stands for.
func (m Milestone) Percent() int {
	return milestoneInfo[m].percent
}

// Terminal reports whether the milestone ends a start attempt.
func (m Milestone) Terminal() bool {
	return m == MappingSucceeded || m == RemoteDuplicate
}

// Canonical phrases printed by frpc and the launcher.
const (
	PhraseProcessSpawned   = "frpc 进程已启动"
	PhraseFetchedConfig    = "从ChmlFrp API获取配置文件"
	PhraseWroteConfig      = "已写入配置文件"
	PhraseAuthenticated    = "成功登录至服务器"
	PhraseTunnelRegistered = "已启动隧道"
	PhraseMappingSucceeded = "映射启动成功"
	PhraseStartFailed      = "启动失败"
	PhraseAlreadyExists    = "already exists"
)

type rule struct {
	milestone Milestone
	match     func(string) bool
}

func contains(phrase string) func(string) bool {
	return func(msg string) bool { return strings.Contains(msg, phrase) }
}

// rules are checked in order; the first match wins.
var rules = []rule{
	{MappingSucceeded, contains(PhraseMappingSucceeded)},
	{RemoteDuplicate, func(msg string) bool {
		return strings.Contains(msg, PhraseStartFailed) && strings.Contains(msg, PhraseAlreadyExists)
	}},
	{TunnelRegistered, contains(PhraseTunnelRegistered)},
	{Authenticated, contains(PhraseAuthenticated)},
	{WroteConfig, contains(PhraseWroteConfig)},
	{FetchedConfig, contains(PhraseFetchedConfig)},
	{ProcessSpawned, contains(PhraseProcessSpawned)},
}

// Classify maps a log message to the milestone it reports, if any.
func Classify(message string) (Milestone, bool) {
	for _, r := range rules {
		if r.match(message) {
			return r.milestone, true
		}
	}
	return MilestoneNone, false
}
