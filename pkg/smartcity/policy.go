package smartcity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/loomworks/fabric/pkg/capability"
)

const tablePolicies = "materialization_policies"

// MaterializationType describes how external data may be persisted.
type MaterializationType string

const (
	MaterializationReference     MaterializationType = "reference"
	MaterializationPartial       MaterializationType = "partial_extraction"
	MaterializationDeterministic MaterializationType = "deterministic"
	MaterializationEmbedding     MaterializationType = "semantic_embedding"
	MaterializationFull          MaterializationType = "full_artifact"
)

// BackingStore names where materialized bytes live.
type BackingStore string

const (
	BackingBlob   BackingStore = "blob"
	BackingRow    BackingStore = "row"
	BackingMemory BackingStore = "memory"
	BackingNone   BackingStore = "none"
)

// DefaultMaterializationTTL applies to non-permanent materializations when
// no rule narrows it.
const DefaultMaterializationTTL = 30 * 24 * time.Hour

// PolicyRule is one evaluable clause. An empty expression always matches.
// TTLDays 0 means permanent.
type PolicyRule struct {
	MaterializationType MaterializationType `json:"materialization_type,omitempty"`
	Expression          string              `json:"expression,omitempty"`
	TTLDays             int                 `json:"ttl_days,omitempty"`
	BackingStore        BackingStore        `json:"backing_store,omitempty"`
}

// MaterializationPolicy is policy-as-data: an ordered rule list scoped to a
// tenant or solution, or the platform default.
type MaterializationPolicy struct {
	PolicyID          string       `json:"policy_id"`
	TenantID          string       `json:"tenant_id,omitempty"`
	SolutionID        string       `json:"solution_id,omitempty"`
	PolicyName        string       `json:"policy_name"`
	PolicyVersion     int          `json:"policy_version"`
	PolicyRules       []PolicyRule `json:"policy_rules"`
	IsPlatformDefault bool         `json:"is_platform_default"`
	IsActive          bool         `json:"is_active"`
	Description       string       `json:"description,omitempty"`
	CreatedBy         string       `json:"created_by,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// PlatformDefaultPolicy is the permissive fallback: every requested type is
// allowed, non-permanent materializations expire after thirty days.
func PlatformDefaultPolicy() MaterializationPolicy {
	return MaterializationPolicy{
		PolicyID:          "platform-default",
		PolicyName:        "platform_default_permissive",
		PolicyVersion:     1,
		IsPlatformDefault: true,
		IsActive:          true,
		PolicyRules: []PolicyRule{
			{TTLDays: 30, BackingStore: BackingBlob},
		},
	}
}

// PolicyInput is what rule expressions can see, split into the incoming
// request and the contract under evaluation.
type PolicyInput struct {
	Request  map[string]interface{}
	Contract map[string]interface{}
}

// Authorization is the outcome of policy evaluation.
type Authorization struct {
	MaterializationType MaterializationType    `json:"materialization_type"`
	TTL                 time.Duration          `json:"ttl"` // 0 = permanent
	BackingStore        BackingStore           `json:"backing_store"`
	Scope               map[string]interface{} `json:"scope"`
}

// PolicyEngine compiles and evaluates policy rule expressions.
type PolicyEngine struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewPolicyEngine builds a CEL environment exposing request and contract.
func NewPolicyEngine() (*PolicyEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.DynType),
		cel.Variable("contract", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy environment failed: %w", err)
	}
	return &PolicyEngine{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Evaluate walks the policy's rules in order and returns the authorization
// of the first matching rule. No match means denial.
func (e *PolicyEngine) Evaluate(ctx context.Context, policy MaterializationPolicy, input PolicyInput) (Authorization, bool, error) {
	celInput := map[string]interface{}{
		"request":  input.Request,
		"contract": input.Contract,
	}

	for _, rule := range policy.PolicyRules {
		matched := true
		if rule.Expression != "" {
			var err error
			matched, err = e.evaluateExpr(rule.Expression, celInput)
			if err != nil {
				return Authorization{}, false, fmt.Errorf("policy rule evaluation failed: %w", err)
			}
		}
		if !matched {
			continue
		}

		auth := Authorization{
			MaterializationType: rule.MaterializationType,
			BackingStore:        rule.BackingStore,
		}
		if auth.MaterializationType == "" {
			auth.MaterializationType = requestedType(input.Request)
		}
		if auth.BackingStore == "" {
			auth.BackingStore = BackingBlob
		}
		if rule.TTLDays > 0 {
			auth.TTL = time.Duration(rule.TTLDays) * 24 * time.Hour
		}
		auth.Scope = scopeFromRequest(input.Request)
		return auth, true, nil
	}
	return Authorization{}, false, nil
}

func requestedType(request map[string]interface{}) MaterializationType {
	if t, ok := request["materialization_type"].(string); ok && t != "" {
		return MaterializationType(t)
	}
	return MaterializationFull
}

func scopeFromRequest(request map[string]interface{}) map[string]interface{} {
	scope := map[string]interface{}{"scope_type": "workspace"}
	if uid, ok := request["user_id"].(string); ok {
		scope["user_id"] = uid
	}
	return scope
}

func (e *PolicyEngine) evaluateExpr(expr string, input map[string]interface{}) (bool, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.prgCache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			e.prgCache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule result not bool")
	}
	return val, nil
}

// PolicyStore resolves the active policy for a tenant, falling back to the
// platform default.
type PolicyStore struct {
	rows  capability.RowStore
	clock func() time.Time
}

// NewPolicyStore creates a store over the row store.
func NewPolicyStore(rows capability.RowStore) *PolicyStore {
	return &PolicyStore{rows: rows, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *PolicyStore) WithClock(clock func() time.Time) *PolicyStore {
	s.clock = clock
	return s
}

// Save persists a policy. Activating a tenant policy deactivates any other
// active policy for the same tenant in the same batch.
func (s *PolicyStore) Save(ctx context.Context, policy MaterializationPolicy) (MaterializationPolicy, error) {
	if policy.PolicyID == "" {
		policy.PolicyID = uuid.NewString()
	}
	now := s.clock().UTC()
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = now
	}
	policy.UpdatedAt = now

	var ops []capability.Op
	if policy.IsActive && policy.TenantID != "" {
		active, err := s.rows.Query(ctx, tablePolicies, capability.Filter{
			"tenant_id": policy.TenantID,
			"is_active": true,
		}, 0, 0)
		if err != nil {
			return MaterializationPolicy{}, fmt.Errorf("policy query failed: %w", err)
		}
		for _, doc := range active {
			prior, err := policyFromDoc(doc)
			if err != nil {
				return MaterializationPolicy{}, err
			}
			if prior.PolicyID == policy.PolicyID {
				continue
			}
			prior.IsActive = false
			prior.UpdatedAt = now
			priorDoc, err := docFromPolicy(prior)
			if err != nil {
				return MaterializationPolicy{}, err
			}
			ops = append(ops, capability.Op{Table: tablePolicies, ID: prior.PolicyID, Doc: priorDoc})
		}
	}

	doc, err := docFromPolicy(policy)
	if err != nil {
		return MaterializationPolicy{}, err
	}
	ops = append(ops, capability.Op{Table: tablePolicies, ID: policy.PolicyID, Doc: doc})

	if err := s.rows.Apply(ctx, ops); err != nil {
		return MaterializationPolicy{}, fmt.Errorf("policy save failed: %w", err)
	}
	return policy, nil
}

// ActiveForTenant returns the tenant's active policy, or the platform
// default when none is configured.
func (s *PolicyStore) ActiveForTenant(ctx context.Context, tenantID string) (MaterializationPolicy, error) {
	docs, err := s.rows.Query(ctx, tablePolicies, capability.Filter{
		"tenant_id": tenantID,
		"is_active": true,
	}, 1, 0)
	if err != nil {
		return MaterializationPolicy{}, fmt.Errorf("policy query failed: %w", err)
	}
	if len(docs) > 0 {
		return policyFromDoc(docs[0])
	}

	docs, err = s.rows.Query(ctx, tablePolicies, capability.Filter{
		"is_platform_default": true,
		"is_active":           true,
	}, 1, 0)
	if err != nil {
		return MaterializationPolicy{}, fmt.Errorf("policy query failed: %w", err)
	}
	if len(docs) > 0 {
		return policyFromDoc(docs[0])
	}
	return PlatformDefaultPolicy(), nil
}

func docFromPolicy(p MaterializationPolicy) (map[string]interface{}, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("policy marshal failed: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy doc decode failed: %w", err)
	}
	return doc, nil
}

func policyFromDoc(doc map[string]interface{}) (MaterializationPolicy, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return MaterializationPolicy{}, fmt.Errorf("policy doc marshal failed: %w", err)
	}
	var p MaterializationPolicy
	if err := json.Unmarshal(data, &p); err != nil {
		return MaterializationPolicy{}, fmt.Errorf("corrupt policy row: %w", err)
	}
	return p, nil
}
