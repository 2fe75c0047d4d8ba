package brokercore

import "sync"

// PrincipalKind tags which facet of a client an ACLRule/BlacklistRule
// applies to (spec.md §9 "Dynamic dispatch": "model as a tagged variant
// with per-kind indices, not an inheritance hierarchy").
type PrincipalKind uint8

const (
	PrincipalUser PrincipalKind = iota
	PrincipalClientID
	PrincipalIP
	PrincipalAll
)

// Action is the operation an ACLRule authorizes or denies.
type Action uint8

const (
	ActionPublish Action = iota
	ActionSubscribe
	ActionConnect
	ActionAll
)

// Permission is an ACLRule's verdict.
type Permission uint8

const (
	PermissionDeny Permission = iota
	PermissionAllow
)

// Decision is authorize()'s return value.
type Decision uint8

const (
	Deny Decision = iota
	Allow
)

// ACLRule is an allow/deny tuple indexed for lookup by principal kind +
// value (spec.md §3, §4.6).
type ACLRule struct {
	PrincipalKind  PrincipalKind
	PrincipalValue string
	Topic          string // filter, matched with MatchTopic
	IP             string // empty = any source IP
	Action         Action
	Permission     Permission
}

// BlacklistRule unconditionally denies a principal, independent of any
// ACLRule (spec.md §3, §4.6 evaluation order step 1).
type BlacklistRule struct {
	PrincipalKind  PrincipalKind
	PrincipalValue string
	Topic          string // empty = any topic
	IP             string // empty = any source IP
}

func principalKey(kind PrincipalKind, value string) string {
	return string(rune('0'+kind)) + ":" + value
}

// ACLCache implements spec.md §4.6: rules indexed by {principal_kind,
// principal_value} so a CONNECT/PUBLISH lookup only scans the subset
// relevant to that client, rather than every rule in the cache.
type ACLCache struct {
	mu         sync.RWMutex
	acl        map[string][]ACLRule
	blacklist  map[string][]BlacklistRule
	cfg        *ClusterConfigStore
}

func NewACLCache(cfg *ClusterConfigStore) *ACLCache {
	return &ACLCache{
		acl:       make(map[string][]ACLRule),
		blacklist: make(map[string][]BlacklistRule),
		cfg:       cfg,
	}
}

// AddACL indexes a rule (ACL/Add Apply event, or bootstrap).
func (c *ACLCache) AddACL(r ACLRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := principalKey(r.PrincipalKind, r.PrincipalValue)
	c.acl[k] = append(c.acl[k], r)
}

// ReplaceACL recomputes the indexed rule set for one principal
// (ACL/Add and ACL/Delete both resolve to "recompute the per-principal
// index", per spec.md §4.8's Apply table); callers pass the surviving
// rule set for the principal.
func (c *ACLCache) ReplaceACL(kind PrincipalKind, value string, rules []ACLRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := principalKey(kind, value)
	if len(rules) == 0 {
		delete(c.acl, k)
		return
	}
	c.acl[k] = rules
}

// RemoveACL drops exactly the matching rule from its principal's index
// (ACL/Delete Apply event, spec.md §4.8).
func (c *ACLCache) RemoveACL(r ACLRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := principalKey(r.PrincipalKind, r.PrincipalValue)
	rules := c.acl[k]
	kept := rules[:0]
	for _, rule := range rules {
		if rule != r {
			kept = append(kept, rule)
		}
	}
	if len(kept) == 0 {
		delete(c.acl, k)
		return
	}
	c.acl[k] = kept
}

// AddBlacklist indexes a blacklist entry.
func (c *ACLCache) AddBlacklist(r BlacklistRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := principalKey(r.PrincipalKind, r.PrincipalValue)
	c.blacklist[k] = append(c.blacklist[k], r)
}

func (c *ACLCache) ReplaceBlacklist(kind PrincipalKind, value string, rules []BlacklistRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := principalKey(kind, value)
	if len(rules) == 0 {
		delete(c.blacklist, k)
		return
	}
	c.blacklist[k] = rules
}

// RemoveBlacklist drops exactly the matching blacklist entry
// (Blacklist/Delete Apply event, spec.md §4.8).
func (c *ACLCache) RemoveBlacklist(r BlacklistRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := principalKey(r.PrincipalKind, r.PrincipalValue)
	rules := c.blacklist[k]
	kept := rules[:0]
	for _, rule := range rules {
		if rule != r {
			kept = append(kept, rule)
		}
	}
	if len(kept) == 0 {
		delete(c.blacklist, k)
		return
	}
	c.blacklist[k] = kept
}

// Authorize implements spec.md §4.6 authorize(): evaluation order is
// (1) blacklist hit -> Deny; (2) explicit deny rule -> Deny; (3) explicit
// allow rule -> Allow; (4) default policy from cluster config.
func (c *ACLCache) Authorize(principal, clientID, srcIP, topic string, action Action) Decision {
	c.mu.RLock()
	defer c.mu.RUnlock()

	candidates := [][2]string{
		{string(rune('0' + PrincipalUser)), principal},
		{string(rune('0' + PrincipalClientID)), clientID},
		{string(rune('0' + PrincipalIP)), srcIP},
		{string(rune('0' + PrincipalAll)), ""},
	}

	for _, cand := range candidates {
		for _, b := range c.blacklist[cand[0]+":"+cand[1]] {
			if blacklistMatches(b, srcIP, topic) {
				return Deny
			}
		}
	}

	var sawAllow bool
	for _, cand := range candidates {
		for _, rule := range c.acl[cand[0]+":"+cand[1]] {
			if !ruleMatches(rule, srcIP, topic, action) {
				continue
			}
			if rule.Permission == PermissionDeny {
				return Deny
			}
			sawAllow = true
		}
	}
	if sawAllow {
		return Allow
	}

	if c.cfg != nil && c.cfg.Get().ACLDefaultPolicy == DefaultPolicyAllow {
		return Allow
	}
	return Deny
}

func ruleMatches(r ACLRule, srcIP, topic string, action Action) bool {
	if r.Action != ActionAll && r.Action != action {
		return false
	}
	if r.IP != "" && r.IP != srcIP {
		return false
	}
	if r.Topic != "" && !MatchTopic(r.Topic, topic) {
		return false
	}
	return true
}

func blacklistMatches(r BlacklistRule, srcIP, topic string) bool {
	if r.IP != "" && r.IP != srcIP {
		return false
	}
	if r.Topic != "" && !MatchTopic(r.Topic, topic) {
		return false
	}
	return true
}
