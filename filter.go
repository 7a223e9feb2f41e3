package main

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// compiledRule is a FilterRule prepared for evaluation. A client_regex rule
// whose pattern does not compile keeps re == nil and never matches.
type compiledRule struct {
	re   *regexp.Regexp
	rule FilterRule
}

// RuleSet is an ordered, precompiled list of active filter rules.
type RuleSet struct {
	rules []compiledRule
}

// CompileRules drops inactive rules and compiles regex patterns once, keeping
// the input order. Bad patterns are logged and kept as never-matching entries.
func CompileRules(rules []FilterRule) RuleSet {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		cr := compiledRule{rule: r}
		if r.Type == RuleClientRegex {
			re, err := regexp.Compile("(?i)" + r.Pattern)
			if err != nil {
				log.Warn().Err(err).Str("rule", r.Name).Str("pattern", r.Pattern).
					Msg("filter rule regex does not compile, rule will never match")
			} else {
				cr.re = re
			}
		}
		out = append(out, cr)
	}
	return RuleSet{rules: out}
}

// Len returns the number of active rules.
func (rs RuleSet) Len() int { return len(rs.rules) }

// Allows walks the rules in order and returns the action of the first match.
// No match means allow.
func (rs RuleSet) Allows(peerID, ip, userAgent string) bool {
	for i := range rs.rules {
		if rs.rules[i].matches(peerID, ip, userAgent) {
			return rs.rules[i].rule.Action == ActionAllow
		}
	}
	return true
}

// IsAllowed evaluates rules against one announcing client.
func IsAllowed(peerID, ip, userAgent string, rules []FilterRule) bool {
	return CompileRules(rules).Allows(peerID, ip, userAgent)
}

func (cr *compiledRule) matches(peerID, ip, userAgent string) bool {
	switch cr.rule.Type {
	case RuleClientRegex:
		if cr.re == nil {
			return false
		}
		return cr.re.MatchString(peerID) || (userAgent != "" && cr.re.MatchString(userAgent))
	case RuleIPRange:
		return ipInRange(ip, cr.rule.Pattern)
	case RuleIPBlacklist:
		return ip == cr.rule.Pattern || strings.HasPrefix(ip, cr.rule.Pattern)
	default:
		return false
	}
}

// ipInRange matches a dotted-quad ip against "a.b.c.d/n" or, without a slash,
// by plain equality. Anything malformed is a non-match.
func ipInRange(ip, pattern string) bool {
	network, prefix, isCIDR := strings.Cut(pattern, "/")
	if !isCIDR {
		return ip == pattern
	}
	if network == "" || prefix == "" {
		return false
	}
	bits, err := strconv.Atoi(prefix)
	if err != nil || bits < 0 || bits > 32 {
		return false
	}
	netInt, ok := ipv4ToUint32(network)
	if !ok {
		return false
	}
	ipInt, ok := ipv4ToUint32(ip)
	if !ok {
		return false
	}
	mask := uint32(0xFFFFFFFF) << (32 - bits) // /0 shifts everything out
	return netInt&mask == ipInt&mask
}

func ipv4ToUint32(s string) (uint32, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, false
	}
	var v uint32
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0, false
		}
		v = v<<8 | uint32(n)
	}
	return v, true
}
