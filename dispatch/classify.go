// Package dispatch holds the decision logic of the execution core: title
// classification, outcome normalization, the failure-indicator scan, the
// per-task circuit breaker, and dependency promotion. Everything here is
// deterministic; durable state stays in the storage package.
package dispatch

import (
	"regexp"

	"github.com/c360studio/momentum/storage"
)

// classifierRule maps a leading [tag] to an executor type. Rules are
// evaluated in declaration order; the first match wins.
type classifierRule struct {
	tag     string
	etype   storage.ExecutorType
	pattern *regexp.Regexp
}

func newRule(tag string, etype storage.ExecutorType) classifierRule {
	return classifierRule{
		tag:     tag,
		etype:   etype,
		pattern: regexp.MustCompile(`(?i)^\s*\[` + regexp.QuoteMeta(tag) + `\]`),
	}
}

// classifierRules is the closed rule list. Ordering encodes priority:
// explicit literal tags, then legacy synonyms, then semantic verbs.
// Upstream callers cannot extend it at runtime.
var classifierRules = []classifierRule{
	// Explicit tags.
	newRule("ai", storage.ExecutorAI),
	newRule("human", storage.ExecutorHuman),
	newRule("human-ai", storage.ExecutorHumanAI),

	// Legacy synonyms.
	newRule("claude-code", storage.ExecutorAI),
	newRule("cc", storage.ExecutorAI),
	newRule("agent", storage.ExecutorAI),
	newRule("de", storage.ExecutorHumanAI),

	// Semantic verbs.
	newRule("implement", storage.ExecutorAI),
	newRule("fix", storage.ExecutorAI),
	newRule("refactor", storage.ExecutorAI),
	newRule("deploy", storage.ExecutorAI),
	newRule("test", storage.ExecutorAI),
	newRule("research", storage.ExecutorHumanAI),
	newRule("plan", storage.ExecutorHumanAI),
	newRule("review", storage.ExecutorHumanAI),
	newRule("write", storage.ExecutorHumanAI),
	newRule("design", storage.ExecutorHumanAI),
	newRule("call", storage.ExecutorHuman),
	newRule("email", storage.ExecutorHuman),
	newRule("buy", storage.ExecutorHuman),
	newRule("schedule", storage.ExecutorHuman),
}

// Classify maps a plaintext task title to an executor type. The returned
// tag names the matched rule, empty when the default applied. Unmatched
// titles default to human.
func Classify(title string) (storage.ExecutorType, string) {
	for _, rule := range classifierRules {
		if rule.pattern.MatchString(title) {
			return rule.etype, rule.tag
		}
	}
	return storage.ExecutorHuman, ""
}
