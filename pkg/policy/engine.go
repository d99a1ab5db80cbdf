package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/cirrusops/cirrus/pkg/engine"
)

// Engine evaluates Rego approval rules. It implements engine.ApprovalPolicy.
//
// All enabled modules are compiled into one prepared query over
// data.cirrus.approval. A deployment needs approval when the "require" set is
// non-empty and is refused when the "deny" set is non-empty.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	store    storage.Store
	query    rego.PreparedEvalQuery
	prepared bool
	logger   zerolog.Logger
	loader   *Loader
	cfg      Config
}

var _ engine.ApprovalPolicy = (*Engine)(nil)

// NewEngine creates a policy engine with the built-in rules and, when
// cfg.Dir is set, the operator's rules from that directory.
func NewEngine(ctx context.Context, logger zerolog.Logger, cfg Config) (*Engine, error) {
	settings, err := settingsDocument(cfg.Settings)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		policies: make(map[string]*Policy),
		store:    inmem.NewFromObject(map[string]interface{}{"cirrus": map[string]interface{}{"settings": settings}}),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		cfg:      cfg,
	}
	e.loader = NewLoader(e.logger)

	if !cfg.DisableBuiltins {
		for _, p := range GetBuiltinPolicies() {
			p := p
			e.policies[p.Name] = &p
		}
	}

	if cfg.Dir != "" {
		policies, err := e.loader.LoadFromPaths(ctx, []string{cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
		for i := range policies {
			e.policies[policies[i].Name] = &policies[i]
		}
	}

	if err := e.compile(ctx); err != nil {
		return nil, err
	}

	e.logger.Info().
		Int("count", len(e.policies)).
		Msg("Approval policies loaded")

	return e, nil
}

// Evaluate implements engine.ApprovalPolicy.
func (e *Engine) Evaluate(ctx context.Context, input engine.ApprovalInput) (*engine.ApprovalDecision, error) {
	if input.Deployment == nil {
		return nil, fmt.Errorf("approval input has no deployment")
	}

	e.mu.RLock()
	query, prepared := e.query, e.prepared
	e.mu.RUnlock()

	decision := &engine.ApprovalDecision{}
	if !prepared {
		return decision, nil
	}

	start := time.Now()
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	if len(results) > 0 && len(results[0].Expressions) > 0 {
		doc, _ := results[0].Expressions[0].Value.(map[string]interface{})
		decision.Reasons = stringSet(doc["require"])
		decision.Denials = stringSet(doc["deny"])
		decision.RequireApproval = len(decision.Reasons) > 0
	}

	e.logger.Debug().
		Str("deployment_id", input.Deployment.ID).
		Bool("require_approval", decision.RequireApproval).
		Int("denials", len(decision.Denials)).
		Dur("duration", time.Since(start)).
		Msg("Approval policy evaluated")

	return decision, nil
}

// SetSettings replaces the settings document read by the built-in rules.
func (e *Engine) SetSettings(ctx context.Context, settings Settings) error {
	doc, err := settingsDocument(settings)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := storage.WriteOne(ctx, e.store, storage.ReplaceOp, storage.MustParsePath("/cirrus/settings"), doc); err != nil {
		return fmt.Errorf("failed to write policy settings: %w", err)
	}
	e.cfg.Settings = settings
	return nil
}

// LoadPolicies loads operator policy files, replacing previously loaded ones.
// On a compile error the previous policy set stays in effect.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replaceOperatorPolicies(ctx, policies)
}

// Watch reloads the configured directory whenever one of its files changes.
// It returns immediately; watching stops when ctx is done or Close is called.
func (e *Engine) Watch(ctx context.Context) error {
	if e.cfg.Dir == "" {
		return fmt.Errorf("no policy directory configured")
	}
	return e.loader.Watch(ctx, []string{e.cfg.Dir}, func(policies []Policy) error {
		return e.replaceOperatorPolicies(ctx, policies)
	})
}

// Close stops watching for policy changes.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

func (e *Engine) replaceOperatorPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	next := make(map[string]*Policy, len(previous)+len(policies))
	for name, p := range previous {
		if p.Builtin {
			next[name] = p
		}
	}
	for i := range policies {
		if existing, ok := next[policies[i].Name]; ok && existing.Builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", policies[i].Name)
		}
		next[policies[i].Name] = &policies[i]
	}

	e.policies = next
	if err := e.compileLocked(ctx); err != nil {
		e.policies = previous
		return err
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Operator policies loaded")
	return nil
}

func (e *Engine) compile(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileLocked(ctx)
}

// compileLocked prepares the approval query from every enabled policy.
func (e *Engine) compileLocked(ctx context.Context) error {
	names := make([]string, 0, len(e.policies))
	for name, p := range e.policies {
		if p.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		e.prepared = false
		e.query = rego.PreparedEvalQuery{}
		return nil
	}

	opts := []func(*rego.Rego){
		rego.Query(approvalQuery),
		rego.Store(e.store),
	}
	for _, name := range names {
		p := e.policies[name]
		if _, err := ast.ParseModule(name, p.Rego); err != nil {
			return fmt.Errorf("failed to parse policy %s: %w", name, err)
		}
		opts = append(opts, rego.Module(name+".rego", p.Rego))
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.query = query
	e.prepared = true

	e.logger.Debug().
		Strs("policies", names).
		Msg("Approval policies compiled")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	cp := *p
	return &cp, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, p := range e.policies {
		policies = append(policies, *p)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(ctx context.Context, name string) error {
	return e.setEnabled(ctx, name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(ctx context.Context, name string) error {
	return e.setEnabled(ctx, name, false)
}

func (e *Engine) setEnabled(ctx context.Context, name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	p.Enabled = enabled
	if err := e.compileLocked(ctx); err != nil {
		p.Enabled = !enabled
		return err
	}

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// settingsDocument converts settings to the plain JSON values the store holds.
func settingsDocument(s Settings) (map[string]interface{}, error) {
	if s.RequireApprovalTypes == nil {
		s.RequireApprovalTypes = []string{}
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy settings: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy settings: %w", err)
	}
	return doc, nil
}

// stringSet converts a Rego set of strings to a sorted slice.
func stringSet(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch s := item.(type) {
		case string:
			out = append(out, s)
		default:
			out = append(out, fmt.Sprintf("%v", s))
		}
	}
	sort.Strings(out)
	return out
}
