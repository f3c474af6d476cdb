package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

// 中文说明：
// 议事流水日志：把每个阶段发给模型的完整 system/user 提示词与原始回复
// 落到独立文件，供复盘时逐字核对（决策日志之外的调试视角）。

var (
	agentMu   sync.Mutex
	agentLog  *log.Logger
	agentDump bool
)

func SetAgentWriter(w io.Writer) {
	agentMu.Lock()
	defer agentMu.Unlock()
	if w == nil {
		agentLog = nil
		return
	}
	agentLog = log.New(w, "", log.LstdFlags)
}

func EnableAgentDump(enabled bool) {
	agentMu.Lock()
	agentDump = enabled
	agentMu.Unlock()
}

type agentSection struct {
	Title string
	Body  string
}

func logAgent(kind, role, stage string, sections []agentSection) {
	agentMu.Lock()
	l := agentLog
	enabled := agentDump
	agentMu.Unlock()
	if l == nil || !enabled {
		return
	}
	var b strings.Builder
	b.WriteString("[AGENT]")
	if kind != "" {
		b.WriteString("[" + kind + "]")
	}
	if role != "" {
		b.WriteString("[" + role + "]")
	}
	if stage != "" {
		b.WriteString("[" + stage + "]")
	}
	b.WriteString("\n")
	for _, sec := range sections {
		t := strings.TrimSpace(sec.Title)
		if t == "" {
			t = "CONTENT"
		}
		b.WriteString("--- " + t + " ---\n")
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	l.Print(b.String())
}

func LogAgentRequest(role, stage, systemPrompt, userPrompt string) {
	logAgent("request", role, stage, []agentSection{
		{Title: "SYSTEM", Body: systemPrompt},
		{Title: "USER", Body: userPrompt},
	})
}

func LogAgentResponse(role, stage, raw string) {
	logAgent("response", role, stage, []agentSection{{Title: "RAW", Body: raw}})
}
