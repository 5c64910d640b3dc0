package runtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomworks/fabric/pkg/fault"
	"github.com/loomworks/fabric/pkg/realm"
	"github.com/loomworks/fabric/pkg/smartcity"
)

// DefaultHandlerTimeout bounds a handler invocation unless the
// registration narrows it.
const DefaultHandlerTimeout = 60 * time.Second

// registration is one resolved intent type.
type registration struct {
	intentType string
	schema     *jsonschema.Schema
	permitted  func(smartcity.Identity) bool
	timeout    time.Duration
	realm      realm.Realm
}

// Registry maps intent types to their realm, schema, and policy. All
// registration happens at boot; duplicates are a fatal wiring error.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds every intent type a realm serves.
func (r *Registry) Register(rl realm.Realm) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, reg := range rl.Registrations() {
		if reg.IntentType == "" {
			return fmt.Errorf("realm %s registers an empty intent type", rl.Name())
		}
		if existing, ok := r.entries[reg.IntentType]; ok {
			return fmt.Errorf("intent type %q already registered by realm %s", reg.IntentType, existing.realm.Name())
		}

		var schema *jsonschema.Schema
		if len(reg.Schema) > 0 {
			compiled, err := jsonschema.CompileString(reg.IntentType+".json", string(reg.Schema))
			if err != nil {
				return fmt.Errorf("schema for %q does not compile: %w", reg.IntentType, err)
			}
			schema = compiled
		}

		timeout := reg.Timeout
		if timeout <= 0 {
			timeout = DefaultHandlerTimeout
		}
		r.entries[reg.IntentType] = registration{
			intentType: reg.IntentType,
			schema:     schema,
			permitted:  reg.Permitted,
			timeout:    timeout,
			realm:      rl,
		}
	}
	return nil
}

// lookup resolves an intent type.
func (r *Registry) lookup(intentType string) (registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[intentType]
	if !ok {
		return registration{}, fault.Newf(fault.KindUnknownIntentType, "intent type %q is not registered", intentType)
	}
	return reg, nil
}

// validate checks intent parameters against the registered schema. A
// schema miss happens before any log write.
func (reg registration) validate(parameters map[string]interface{}) error {
	if reg.schema == nil {
		return nil
	}
	if parameters == nil {
		parameters = map[string]interface{}{}
	}
	if err := reg.schema.Validate(normalize(parameters)); err != nil {
		return fault.Wrap(fault.KindInvalidParameters, "intent parameters rejected by schema", err)
	}
	return nil
}

// normalize converts parameter values to the JSON-generic shapes the
// schema validator expects.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
