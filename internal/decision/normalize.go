package decision

import (
	"strings"
	"time"
)

// NormalizeIntel 在摄入边界把上游的 dict / list 两种形态统一成
// IntelRecord 切片。历史上两种形状都在线上出现过，核心不再兼容歧义。
func NormalizeIntel(raw any) []IntelRecord {
	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		out := make([]IntelRecord, 0, len(v))
		for _, item := range v {
			if rec, ok := intelFromMap(item); ok {
				out = append(out, rec)
			}
		}
		return out
	case map[string]any:
		// dict 形态：{kind: [items...]} 或单条记录
		if rec, ok := intelFromMap(v); ok {
			return []IntelRecord{rec}
		}
		var out []IntelRecord
		for kind, items := range v {
			list, ok := items.([]any)
			if !ok {
				continue
			}
			for _, item := range list {
				rec, ok := intelFromMap(item)
				if !ok {
					continue
				}
				if rec.Kind == "" {
					rec.Kind = kind
				}
				out = append(out, rec)
			}
		}
		return out
	default:
		return nil
	}
}

func intelFromMap(item any) (IntelRecord, bool) {
	m, ok := item.(map[string]any)
	if !ok {
		return IntelRecord{}, false
	}
	rec := IntelRecord{
		Kind:    stringField(m, "kind", "type"),
		Title:   stringField(m, "title", "headline"),
		Content: stringField(m, "content", "text", "body"),
		Source:  stringField(m, "source"),
	}
	if ts := stringField(m, "time", "date", "timestamp"); ts != "" {
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, ts); err == nil {
				rec.Time = t
				break
			}
		}
	}
	if rec.Title == "" && rec.Content == "" {
		return IntelRecord{}, false
	}
	return rec, true
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}
