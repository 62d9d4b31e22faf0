package flqa

import "strings"

// DeriveAgentKey computes the stable identity key for an agent. Total and
// pure: every input maps to some key. Precedence, first applicable tier
// wins:
//
//  1. agent id present -> the id verbatim (trimmed)
//  2. email present    -> "email:" + lowercased email
//  3. otherwise        -> "nm:" + lowercased name + "|" + lowercased market
//
// Tier 3 is deliberately lossy: two distinct agents with the same name and
// market and no id/email collide. Known data-quality limitation, accepted.
func DeriveAgentKey(agentID, email, fullName, market string) string {
	if id := strings.TrimSpace(agentID); id != "" {
		return id
	}
	if e := strings.TrimSpace(email); e != "" {
		return "email:" + strings.ToLower(e)
	}
	name := strings.ToLower(strings.TrimSpace(fullName))
	mkt := strings.ToLower(strings.TrimSpace(market))
	return "nm:" + name + "|" + mkt
}

// AgentKeyFor derives the key from a normalized record.
func AgentKeyFor(m NormalizedAgentMetrics) string {
	return DeriveAgentKey(strVal(m.AgentID), strVal(m.Email), strVal(m.FullName), strVal(m.Market))
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
