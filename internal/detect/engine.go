// Package detect scores incoming events against the active rule snapshot.
package detect

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/bluewave-labs/flagwise/internal/logging"
	"github.com/bluewave-labs/flagwise/internal/metrics"
	"github.com/bluewave-labs/flagwise/internal/models"
	"github.com/bluewave-labs/flagwise/internal/rules"
)

// CustomEvaluator evaluates custom_scoring rules against an event. The
// default engine has none; hosts that track derived metrics (request rates
// etc.) can plug one in.
type CustomEvaluator interface {
	Evaluate(record *models.EnrichedRecord, rule models.DetectionRule) (bool, error)
}

// Engine converts incoming events into enriched records by evaluating the
// current rule snapshot. A single malformed rule never fails a record:
// evaluation errors are logged and treated as non-matches.
type Engine struct {
	cache  *rules.Cache
	custom CustomEvaluator
	log    *logging.Logger

	// compiled regex patterns, keyed by pattern text. Bad patterns are
	// remembered as nil so they are only logged once.
	regexMu sync.Mutex
	regexes map[string]*regexp.Regexp

	statsMu   sync.Mutex
	processed uint64
	flagged   uint64
	ruleHits  map[string]uint64
}

// Stats is a point-in-time snapshot of engine counters. Counters reset only
// on process restart.
type Stats struct {
	Processed   uint64            `json:"total_processed"`
	Flagged     uint64            `json:"total_flagged"`
	RuleHits    map[string]uint64 `json:"rule_hit_counts"`
	ActiveRules int               `json:"active_rules_count"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithCustomEvaluator installs an evaluator for custom_scoring rules.
func WithCustomEvaluator(ev CustomEvaluator) Option {
	return func(e *Engine) { e.custom = ev }
}

// NewEngine creates a detection engine backed by the given rule cache.
func NewEngine(cache *rules.Cache, log *logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		cache:    cache,
		log:      log.Component("detect"),
		regexes:  make(map[string]*regexp.Regexp),
		ruleHits: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessBatch scores a batch of events in order and returns the enriched
// records. Record order is preserved; within each record, rule names are
// appended in snapshot order.
func (e *Engine) ProcessBatch(ctx context.Context, events []*models.IncomingEvent) []*models.EnrichedRecord {
	ruleSet := e.cache.Rules(ctx)
	if len(ruleSet) == 0 {
		e.log.Warn("no detection rules loaded")
	}

	records := make([]*models.EnrichedRecord, 0, len(events))
	for _, event := range events {
		records = append(records, e.process(event, ruleSet))
	}
	return records
}

func (e *Engine) process(event *models.IncomingEvent, ruleSet []models.DetectionRule) *models.EnrichedRecord {
	record := models.NewEnrichedRecord(event)

	total := 0
	var triggered []string
	for _, rule := range ruleSet {
		if !rule.IsActive {
			continue
		}
		if e.matches(record, rule) {
			total += rule.Points
			triggered = append(triggered, rule.Name)
			metrics.RuleHits.WithLabelValues(rule.Name).Inc()
		}
	}

	record.RiskScore = min(total, 100)
	record.IsFlagged = record.RiskScore > 0
	if record.IsFlagged {
		record.FlagReason = strings.Join(triggered, ", ")
		metrics.RecordsFlagged.Inc()
		e.log.Info("request flagged",
			"src_ip", record.SrcIP,
			"risk_score", record.RiskScore,
			"rules", record.FlagReason,
		)
	}

	e.statsMu.Lock()
	e.processed++
	if record.IsFlagged {
		e.flagged++
	}
	for _, name := range triggered {
		e.ruleHits[name]++
	}
	e.statsMu.Unlock()

	return record
}

// matches evaluates one rule against one record. Any evaluation error is
// swallowed into a non-match so a bad rule degrades coverage, not the loop.
func (e *Engine) matches(record *models.EnrichedRecord, rule models.DetectionRule) bool {
	switch rule.RuleType {
	case models.RuleTypeKeyword:
		return matchKeyword(record.Prompt, rule.Pattern)
	case models.RuleTypeRegex:
		return e.matchRegex(record.Prompt, rule)
	case models.RuleTypeModelRestriction:
		return matchModelRestriction(record.Model, rule.Pattern)
	case models.RuleTypeCustomScoring:
		if e.custom == nil {
			return false
		}
		matched, err := e.custom.Evaluate(record, rule)
		if err != nil {
			e.log.Error("custom rule evaluation failed", "rule", rule.Name, "error", err)
			return false
		}
		return matched
	default:
		e.log.Warn("unknown rule type", "rule", rule.Name, "rule_type", rule.RuleType)
		return false
	}
}

// matchKeyword does case-folded substring matching over a comma-separated
// keyword list.
func matchKeyword(prompt, pattern string) bool {
	if prompt == "" {
		return false
	}
	folded := strings.ToLower(prompt)
	for _, kw := range strings.Split(pattern, ",") {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(folded, kw) {
			return true
		}
	}
	return false
}

// matchModelRestriction checks case-folded set membership against a
// comma-separated model list.
func matchModelRestriction(model, pattern string) bool {
	if model == "" {
		return false
	}
	folded := strings.ToLower(model)
	for _, m := range strings.Split(pattern, ",") {
		if strings.ToLower(strings.TrimSpace(m)) == folded {
			return true
		}
	}
	return false
}

func (e *Engine) matchRegex(prompt string, rule models.DetectionRule) bool {
	if prompt == "" {
		return false
	}
	re := e.compiled(rule)
	if re == nil {
		return false
	}
	return re.MatchString(prompt)
}

// compiled returns the cached case-insensitive regexp for a rule's pattern,
// compiling it on first use. A pattern that fails to compile is cached as
// nil and logged once.
func (e *Engine) compiled(rule models.DetectionRule) *regexp.Regexp {
	e.regexMu.Lock()
	defer e.regexMu.Unlock()

	re, ok := e.regexes[rule.Pattern]
	if ok {
		return re
	}

	re, err := regexp.Compile("(?i)" + rule.Pattern)
	if err != nil {
		e.log.Error("invalid regex pattern", "rule", rule.Name, "pattern", rule.Pattern, "error", err)
		re = nil
	}
	e.regexes[rule.Pattern] = re
	return re
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	hits := make(map[string]uint64, len(e.ruleHits))
	for name, n := range e.ruleHits {
		hits[name] = n
	}
	return Stats{
		Processed:   e.processed,
		Flagged:     e.flagged,
		RuleHits:    hits,
		ActiveRules: e.cache.Len(),
	}
}
