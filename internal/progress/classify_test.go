package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    Milestone
		ok      bool
	}{
		{"spawned", "frpc 进程已启动 (PID: 4242), 开始连接服务器...", ProcessSpawned, true},
		{"fetched", "从ChmlFrp API获取配置文件", FetchedConfig, true},
		{"wrote", "已写入配置文件 frpc.ini", WroteConfig, true},
		{"authenticated", "[I] 成功登录至服务器", Authenticated, true},
		{"registered", "[web-proxy] 已启动隧道", TunnelRegistered, true},
		{"succeeded", "[web-proxy] 映射启动成功", MappingSucceeded, true},
		{"duplicate", "[E] [web-proxy] 启动失败: proxy [web-proxy] already exists", RemoteDuplicate, true},
		{"failed without duplicate", "[E] 启动失败: port unavailable", MilestoneNone, false},
		{"already exists without failure", "file already exists", MilestoneNone, false},
		{"noise", "[I] heartbeat", MilestoneNone, false},
		{"empty", "", MilestoneNone, false},
		{"success beats registered", "已启动隧道 映射启动成功", MappingSucceeded, true},
		{"duplicate beats registered", "已启动隧道 启动失败 already exists", RemoteDuplicate, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classify(tt.message)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMilestonePercents(t *testing.T) {
	assert.Equal(t, 10, ProcessSpawned.Percent())
	assert.Equal(t, 20, FetchedConfig.Percent())
	assert.Equal(t, 40, WroteConfig.Percent())
	assert.Equal(t, 60, Authenticated.Percent())
	assert.Equal(t, 80, TunnelRegistered.Percent())
	assert.Equal(t, 100, MappingSucceeded.Percent())
	assert.Equal(t, 100, RemoteDuplicate.Percent())

	assert.True(t, MappingSucceeded.Terminal())
	assert.True(t, RemoteDuplicate.Terminal())
	assert.False(t, TunnelRegistered.Terminal())
	assert.Equal(t, "remote_duplicate", RemoteDuplicate.String())
}

var phrases = []string{
	PhraseProcessSpawned,
	PhraseFetchedConfig,
	PhraseWroteConfig,
	PhraseAuthenticated,
	PhraseTunnelRegistered,
	PhraseMappingSucceeded,
}

// A message containing several phrases classifies as the highest-priority one.
func TestClassifyPriorityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		picked := rapid.SliceOfNDistinct(rapid.IntRange(0, len(phrases)-1), 1, len(phrases), rapid.ID[int]).Draw(t, "phrases")
		msg := ""
		highest := 0
		for _, i := range picked {
			msg += "[x] " + phrases[i] + " "
			if i > highest {
				highest = i
			}
		}
		got, ok := Classify(msg)
		if !ok {
			t.Fatalf("no milestone for %q", msg)
		}
		if want := Milestone(highest + 1); got != want {
			t.Fatalf("Classify(%q) = %s, want %s", msg, got, want)
		}
	})
}
