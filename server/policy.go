package server

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
)

// ShardPolicy picks the shard a request is sent to. shards is the sorted
// list of currently registered shards; returning a shard that is not in it
// makes the dispatcher answer 503.
type ShardPolicy interface {
	SelectShard(r *http.Request, shards []string) string
}

// FixedPolicy always targets one shard.
type FixedPolicy struct {
	Shard string
}

func (p FixedPolicy) SelectShard(_ *http.Request, _ []string) string {
	if p.Shard == "" {
		return DefaultShard
	}
	return p.Shard
}

// RoundRobinPolicy cycles through the registered shards. Selection is
// independent of the request id: ids are allocated only after a shard
// with a live worker has been chosen.
type RoundRobinPolicy struct {
	next atomic.Uint64
}

func (p *RoundRobinPolicy) SelectShard(_ *http.Request, shards []string) string {
	if len(shards) == 0 {
		return DefaultShard
	}
	i := p.next.Add(1) - 1
	return shards[i%uint64(len(shards))]
}

// RouteRule sends matching requests to Shard. A request matches when its
// path has one of RoutePrefixes, its method is one of Methods, or its
// declared body is larger than BodyThreshold.
type RouteRule struct {
	Shard         string   `json:"shard" mapstructure:"shard"`
	RoutePrefixes []string `json:"route_prefixes" mapstructure:"route_prefixes"`
	Methods       []string `json:"methods" mapstructure:"methods"`
	BodyThreshold int64    `json:"body_threshold" mapstructure:"body_threshold"`
}

func (rule RouteRule) matches(r *http.Request) bool {
	for _, prefix := range rule.RoutePrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}

	for _, m := range rule.Methods {
		if strings.EqualFold(r.Method, m) {
			return true
		}
	}

	if rule.BodyThreshold > 0 && r.ContentLength > rule.BodyThreshold {
		return true
	}

	return false
}

// RoutePolicy applies the first matching rule, else Fallback.
type RoutePolicy struct {
	Rules    []RouteRule
	Fallback string
}

func (p RoutePolicy) SelectShard(r *http.Request, _ []string) string {
	for _, rule := range p.Rules {
		if rule.matches(r) {
			return rule.Shard
		}
	}
	if p.Fallback == "" {
		return DefaultShard
	}
	return p.Fallback
}

// NewPolicy builds a policy by name: "fixed", "round-robin" or "route".
func NewPolicy(name, defaultShard string, rules []RouteRule) (ShardPolicy, error) {
	switch strings.ToLower(name) {
	case "", "fixed":
		return FixedPolicy{Shard: defaultShard}, nil
	case "round-robin", "roundrobin":
		return &RoundRobinPolicy{}, nil
	case "route":
		return RoutePolicy{Rules: rules, Fallback: defaultShard}, nil
	default:
		return nil, fmt.Errorf("unknown shard policy %q", name)
	}
}
