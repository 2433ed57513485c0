// classifier.go — 兼容性警告分类器。
//
// 失败文本的模式嗅探天然脆弱, 全部规则收敛在这一个类型里,
// 折叠管线和状态机不感知任何匹配细节。规则可整组替换。
package engine

import (
	"strings"
	"sync"
)

// WarningRule 一条嗅探规则: 命中 pattern (子串, 不区分大小写) → 产出 warning。
type WarningRule struct {
	Pattern string
	Warning string
}

// defaultWarningRules 出厂规则集。
func defaultWarningRules() []WarningRule {
	return []WarningRule{
		{Pattern: "model not found", Warning: "requested model is not available on this harness"},
		{Pattern: "unknown model", Warning: "requested model is not available on this harness"},
		{Pattern: "unsupported model", Warning: "requested model is not available on this harness"},
		{Pattern: "does not support", Warning: "harness version lacks a capability used by this run"},
		{Pattern: "unsupported flag", Warning: "harness version lacks a capability used by this run"},
		{Pattern: "unknown flag", Warning: "harness version lacks a capability used by this run"},
		{Pattern: "please update", Warning: "harness CLI is outdated"},
		{Pattern: "upgrade your cli", Warning: "harness CLI is outdated"},
		{Pattern: "deprecated", Warning: "run used a deprecated harness feature"},
	}
}

// Classifier 兼容性警告分类器。显式构造、可注入、可整组换规则。
type Classifier struct {
	mu    sync.RWMutex
	rules []WarningRule
}

// NewClassifier 创建带出厂规则的分类器。
func NewClassifier() *Classifier {
	return &Classifier{rules: defaultWarningRules()}
}

// Reload 整组替换规则 (nil → 恢复出厂规则)。
func (c *Classifier) Reload(rules []WarningRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rules == nil {
		c.rules = defaultWarningRules()
		return
	}
	c.rules = append([]WarningRule(nil), rules...)
}

// Classify 对失败文本做模式嗅探, 返回去重后的警告列表。
//
// 警告独立于失败消息本身 — 命中与否都不影响转写里的失败行。
func (c *Classifier) Classify(text string) []string {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var warnings []string
	seen := make(map[string]struct{})
	for _, rule := range c.rules {
		if !strings.Contains(lower, rule.Pattern) {
			continue
		}
		if _, dup := seen[rule.Warning]; dup {
			continue
		}
		seen[rule.Warning] = struct{}{}
		warnings = append(warnings, rule.Warning)
	}
	return warnings
}
