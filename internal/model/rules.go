package model

import (
	"sync/atomic"
	"time"
)

// DefaultRulesText seeds a fresh rule store.
const DefaultRulesText = "请在这里输入邮件处理规则，例如：\n" +
	"1. 如果邮件包含'发票'关键词，自动回复'已收到发票，谢谢'\n" +
	"2. 将所有来自特定域名的邮件分类到'工作'文件夹"

// RuleSet is the operator's free-text processing rules.
type RuleSet struct {
	Text      string    `db:"text"`
	UpdatedAt time.Time `db:"updated_at"`
}

// LiveRules is the shared reference to the current rule set. Only the
// configuration surface calls Set; the triage worker calls Load at the
// top of each iteration so edits apply on the next poll.
type LiveRules struct {
	p atomic.Pointer[RuleSet]
}

// NewLiveRules returns a reference holding rs.
func NewLiveRules(rs RuleSet) *LiveRules {
	l := &LiveRules{}
	l.p.Store(&rs)
	return l
}

// Load returns the current rule set.
func (l *LiveRules) Load() RuleSet {
	if rs := l.p.Load(); rs != nil {
		return *rs
	}
	return RuleSet{}
}

// Set replaces the rule set.
func (l *LiveRules) Set(rs RuleSet) {
	l.p.Store(&rs)
}
