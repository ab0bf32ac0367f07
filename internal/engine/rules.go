package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Rule is one routing-rule record for a topic exchange, stored as a
// cjson-encoded value in the exchange's routing:rules:<name> hash so the
// route_message script can decode it directly.
type Rule struct {
	ID          string `json:"id"`
	Pattern     string `json:"pattern"`
	Destination string `json:"destination"`
	Priority    int    `json:"priority"`
	Enabled     bool    `json:"enabled"`
	StopOnMatch bool    `json:"stopOnMatch"`
}

// ExchangeConfig is per-exchange metadata, distinct from its rule set.
type ExchangeConfig struct {
	Description string `json:"description"`
}

// topicPatternRe is a coarse shape check for the grammar of scripts_lua.go's
// luaTopicPatternMatch: optional '^'/'$' anchors and at most two '%'
// anywhere in between. It does not check where a '%' sits. ValidatePattern
// does not use it and checks '%' count and placement itself; matching
// itself always happens broker-side.
var topicPatternRe = regexp.MustCompile(`^\^?[^%]*(%)?[^%]*(%)?[^%]*\$?$`)

// ValidatePattern rejects patterns the broker-side grammar cannot express,
// so a bad pattern fails at save time rather than silently never matching.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: pattern must not be empty", ErrInvalidPattern)
	}
	p := strings.TrimPrefix(pattern, "^")
	p = strings.TrimSuffix(p, "$")
	if strings.Count(p, "%") > 2 {
		return fmt.Errorf("%w: at most one leading and one trailing %%", ErrInvalidPattern)
	}
	if strings.Count(p, "%") == 2 {
		if !strings.HasPrefix(p, "%.") || !strings.HasSuffix(p, ".%") {
			return fmt.Errorf("%w: two '%%' must be a leading '%%.' and trailing '.%%'", ErrInvalidPattern)
		}
	} else if strings.Count(p, "%") == 1 {
		if !strings.HasPrefix(p, "%.") && !strings.HasSuffix(p, ".%") {
			return fmt.Errorf("%w: a lone '%%' must anchor the pattern start or end", ErrInvalidPattern)
		}
	}
	return nil
}

// RuleStore is the topic exchange's routing-rule CRUD surface.
type RuleStore struct {
	redis redis.UniversalClient
}

// NewRuleStore constructs a RuleStore.
func NewRuleStore(client redis.UniversalClient) *RuleStore {
	return &RuleStore{redis: client}
}

func rulesKey(exchange string) string  { return "routing:rules:" + exchange }
func configKey(exchange string) string { return "routing:config:" + exchange }

// List returns every rule for an exchange, sorted the same way
// route_message evaluates them: priority ascending, then id as a tie-break.
func (s *RuleStore) List(ctx context.Context, exchange string) ([]Rule, error) {
	raw, err := s.redis.HGetAll(ctx, rulesKey(exchange)).Result()
	if err != nil {
		return nil, err
	}

	rules := make([]Rule, 0, len(raw))
	for id, encoded := range raw {
		var r Rule
		if err := json.Unmarshal([]byte(encoded), &r); err != nil {
			return nil, fmt.Errorf("decode rule %q: %w", id, err)
		}
		if r.ID == "" {
			r.ID = id
		}
		rules = append(rules, r)
	}

	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

// Get returns a single rule by id.
func (s *RuleStore) Get(ctx context.Context, exchange, id string) (Rule, error) {
	encoded, err := s.redis.HGet(ctx, rulesKey(exchange), id).Result()
	if err == redis.Nil {
		return Rule{}, fmt.Errorf("%w: rule %q on exchange %q", ErrRuleNotFound, id, exchange)
	}
	if err != nil {
		return Rule{}, err
	}
	var r Rule
	if err := json.Unmarshal([]byte(encoded), &r); err != nil {
		return Rule{}, fmt.Errorf("decode rule %q: %w", id, err)
	}
	r.ID = id
	return r, nil
}

// Save creates or replaces a rule. If rule.ID is empty, one is assigned.
func (s *RuleStore) Save(ctx context.Context, exchange string, rule Rule) (Rule, error) {
	if err := ValidatePattern(rule.Pattern); err != nil {
		return Rule{}, err
	}
	if rule.Destination == "" {
		return Rule{}, fmt.Errorf("%w: destination must not be empty", ErrInvalidPattern)
	}
	if rule.ID == "" {
		next, err := s.redis.Incr(ctx, "routing:ruleseq:"+exchange).Result()
		if err != nil {
			return Rule{}, err
		}
		rule.ID = strconv.FormatInt(next, 10)
	}

	encoded, err := json.Marshal(rule)
	if err != nil {
		return Rule{}, err
	}
	if err := s.redis.HSet(ctx, rulesKey(exchange), rule.ID, encoded).Err(); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// Delete removes a rule. Deleting an unknown id is not an error.
func (s *RuleStore) Delete(ctx context.Context, exchange, id string) error {
	return s.redis.HDel(ctx, rulesKey(exchange), id).Err()
}

// GetConfig returns the exchange's metadata, or a zero-value ExchangeConfig
// if none has been saved.
func (s *RuleStore) GetConfig(ctx context.Context, exchange string) (ExchangeConfig, error) {
	encoded, err := s.redis.Get(ctx, configKey(exchange)).Result()
	if err == redis.Nil {
		return ExchangeConfig{}, nil
	}
	if err != nil {
		return ExchangeConfig{}, err
	}
	var cfg ExchangeConfig
	if err := json.Unmarshal([]byte(encoded), &cfg); err != nil {
		return ExchangeConfig{}, err
	}
	return cfg, nil
}

// SaveConfig persists the exchange's metadata.
func (s *RuleStore) SaveConfig(ctx context.Context, exchange string, cfg ExchangeConfig) error {
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, configKey(exchange), encoded, 0).Err()
}

// DefaultRules is the starter rule set exercised by the cancellation/GDPR
// fan-out scenario: a cancellation stops at the audit trail, while a
// placement fans out to the order stream plus VIP and EU-region
// notifications.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "1", Pattern: "%.cancelled.%", Destination: "events.audit.cancelled", Priority: 1, Enabled: true, StopOnMatch: true},
		{ID: "2", Pattern: "%.place.%", Destination: "events.order.v1", Priority: 10, Enabled: true, StopOnMatch: false},
		{ID: "3", Pattern: "%.vip.%", Destination: "events.notification.vip", Priority: 20, Enabled: true, StopOnMatch: false},
		{ID: "4", Pattern: "%.eu.%", Destination: "events.notification.gdpr", Priority: 30, Enabled: true, StopOnMatch: false},
	}
}

// ResetToDefaults replaces an exchange's rule set with DefaultRules.
func (s *RuleStore) ResetToDefaults(ctx context.Context, exchange string) error {
	if err := s.redis.Del(ctx, rulesKey(exchange)).Err(); err != nil {
		return err
	}
	for _, rule := range DefaultRules() {
		if _, err := s.Save(ctx, exchange, rule); err != nil {
			return err
		}
	}
	return nil
}
