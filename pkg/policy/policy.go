// Package policy resolves cache keys to time-to-live durations by
// volatility class. Keys are free-form strings composed by callers, so
// classification is an ordered substring match: more specific classes
// are tested before more general ones.
package policy

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Default TTLs for the scheduling domain's volatility classes.
const (
	DefaultValidationTTL = 5 * time.Minute
	DefaultRealtimeTTL   = 30 * time.Second
	DefaultStaticTTL     = 2 * time.Hour
	DefaultSemiStaticTTL = 45 * time.Minute
	DefaultDynamicTTL    = 5 * time.Minute
)

// DynamicClass is the name reported for keys no class matches.
const DynamicClass = "dynamic"

// Class is one volatility class: any key containing one of Match as a
// substring belongs to it and caches for TTL.
type Class struct {
	Name  string        // Class label, also used as a metrics dimension
	Match []string      // Substrings that place a key in this class
	TTL   time.Duration // Time-to-live for keys in this class
}

// Config holds resolver configuration. Classes are tested in order, so
// narrower matchers must come before broader ones.
type Config struct {
	Classes    []Class       // Ordered volatility classes
	DynamicTTL time.Duration // Fallback TTL when no class matches
}

// DefaultConfig returns the scheduling-domain classification table.
// Validation results are matched ahead of everything else so a key
// like "validation_teams_overlap" is not mistaken for team data.
func DefaultConfig() *Config {
	return &Config{
		Classes: []Class{
			{Name: "validation", Match: []string{"validation_"}, TTL: DefaultValidationTTL},
			{Name: "realtime", Match: []string{"live_", "presence_", "status_"}, TTL: DefaultRealtimeTTL},
			{Name: "static", Match: []string{"teams", "departments", "organization", "users"}, TTL: DefaultStaticTTL},
			{Name: "semistatic", Match: []string{"sprint_config", "templates", "holidays"}, TTL: DefaultSemiStaticTTL},
		},
		DynamicTTL: DefaultDynamicTTL,
	}
}

// Resolver classifies keys and returns TTLs. It is immutable after
// construction and safe for concurrent use.
type Resolver struct {
	classes    []Class
	dynamicTTL time.Duration
}

// New builds a resolver from config, or the scheduling-domain defaults
// when config is nil. Every class must carry a positive TTL and at
// least one non-empty matcher; an empty matcher would put every key in
// that class.
func New(config *Config) (*Resolver, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DynamicTTL <= 0 {
		return nil, fmt.Errorf("policy: dynamic TTL must be positive, got %v", config.DynamicTTL)
	}

	for _, class := range config.Classes {
		if class.Name == "" {
			return nil, fmt.Errorf("policy: class with matchers %v has no name", class.Match)
		}
		if class.TTL <= 0 {
			return nil, fmt.Errorf("policy: class %q TTL must be positive, got %v", class.Name, class.TTL)
		}
		if len(class.Match) == 0 {
			return nil, fmt.Errorf("policy: class %q has no matchers", class.Name)
		}
		for _, m := range class.Match {
			if m == "" {
				return nil, fmt.Errorf("policy: class %q contains an empty matcher", class.Name)
			}
		}
	}

	classes := make([]Class, len(config.Classes))
	copy(classes, config.Classes)

	return &Resolver{
		classes:    classes,
		dynamicTTL: config.DynamicTTL,
	}, nil
}

// TTL returns the time-to-live for key: the TTL of the first class a
// substring of the key matches, or the dynamic fallback.
func (r *Resolver) TTL(key string) time.Duration {
	for _, class := range r.classes {
		for _, m := range class.Match {
			if strings.Contains(key, m) {
				return class.TTL
			}
		}
	}
	return r.dynamicTTL
}

// Classify returns the name of the class key falls into. Useful as a
// low-cardinality metrics label.
func (r *Resolver) Classify(key string) string {
	for _, class := range r.classes {
		for _, m := range class.Match {
			if strings.Contains(key, m) {
				return class.Name
			}
		}
	}
	return DynamicClass
}

// FrequencyTTL converts an observed change frequency into a TTL:
// the dynamic baseline divided by the frequency, so keys that change
// more often expire sooner. The divisor is floored at 0.1 to keep a
// rarely changing (or zero-frequency) key from caching forever.
// When a caller supplies a frequency it takes precedence over the
// key's class.
func (r *Resolver) FrequencyTTL(changeFrequency float64) time.Duration {
	divisor := changeFrequency
	if divisor < 0.1 {
		divisor = 0.1
	}
	return time.Duration(math.Round(float64(r.dynamicTTL) / divisor))
}
