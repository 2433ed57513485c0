// Package record 从单行原始输出中恢复自描述结构化记录。
//
// harness 的 stdout 混杂结构化 JSON 行与普通日志噪声 (半行写入、告警、
// 进度条残渣), 解析失败必须静默跳过而非中断折叠 — 本包永不返回 error。
package record

import (
	"encoding/json"
	"strings"
)

// Record 一条结构化记录 (tagged key/value 对象)。
// 不做 schema 校验, 调用方按需防御性取字段。
type Record map[string]any

// Parse 尝试把一行文本解析为结构化记录。
//
// 只有 trim 后以 '{' 或 '[' 开头的行才尝试解析; 语法错误、
// 或解析结果不是对象 (如顶层数组) 都按未命中处理。
func Parse(line string) (Record, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, false
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, false
	}

	var value any
	if err := json.Unmarshal([]byte(trimmed), &value); err != nil {
		return nil, false
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	return Record(obj), true
}

// ParseLines 逐行解析一段文本, 返回所有命中的记录 (行序保留)。
func ParseLines(text string) []Record {
	if text == "" {
		return nil
	}
	var out []Record
	for _, line := range strings.Split(text, "\n") {
		if rec, ok := Parse(line); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Str 返回字符串字段, 缺失或类型不符返回空串。
func (r Record) Str(key string) string {
	v, _ := r[key].(string)
	return v
}

// Sub 返回嵌套对象字段。
func (r Record) Sub(key string) Record {
	if m, ok := r[key].(map[string]any); ok {
		return Record(m)
	}
	return nil
}

// List 返回数组字段。
func (r Record) List(key string) []any {
	v, _ := r[key].([]any)
	return v
}

// Kind 返回记录的 type 标签 (trim 后)。
func (r Record) Kind() string {
	return strings.TrimSpace(r.Str("type"))
}
