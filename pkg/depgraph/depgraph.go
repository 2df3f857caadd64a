// Package depgraph holds the static table that translates "source
// table X changed" into the set of cache-key prefixes that are no
// longer trustworthy. The table is authored once, validated at
// construction, and never mutated at runtime.
package depgraph

import "fmt"

// Rule declares the key prefixes invalidated when Source changes.
// Prefixes are matched as substrings against live cache keys.
type Rule struct {
	Source   string   // Source table name as it appears in change events
	Prefixes []string // Ordered dependent key prefixes
}

// Config describes the full invalidation topology for a deployment.
type Config struct {
	// Rules maps each source table to its dependent key prefixes.
	Rules []Rule

	// BroadFanoutTables are tables whose rows feed every team-scoped
	// view; a change there additionally evicts BroadPrefix. Precise
	// chains for these tables are not worth the bookkeeping.
	BroadFanoutTables []string

	// BroadPrefix is the coarse prefix evicted for broad-fanout tables.
	BroadPrefix string

	// AggregatePrefixes are rollup keys treated as dirty on any change.
	AggregatePrefixes []string

	// CriticalTables trigger pre-warming of registered high-traffic
	// fetches after their invalidation settles.
	CriticalTables []string
}

// DefaultConfig returns the scheduling-domain topology.
func DefaultConfig() *Config {
	return &Config{
		Rules: []Rule{
			{Source: "teams", Prefixes: []string{"team_members", "schedule_entries", "team_capacity"}},
			{Source: "team_members", Prefixes: []string{"team_", "capacity_", "availability_"}},
			{Source: "schedule_entries", Prefixes: []string{"team_", "schedule_", "capacity_", "dashboard_"}},
			{Source: "sprint_config", Prefixes: []string{"sprint_", "schedule_entries", "dashboard_"}},
			{Source: "users", Prefixes: []string{"user_", "team_members"}},
			{Source: "departments", Prefixes: []string{"org_", "teams"}},
		},
		BroadFanoutTables: []string{"team_members", "schedule_entries"},
		BroadPrefix:       "team_",
		AggregatePrefixes: []string{"company_", "executive_dashboard"},
		CriticalTables:    []string{"sprint_config", "schedule_entries"},
	}
}

// Graph is the immutable, validated form of a Config. Safe for
// concurrent use.
type Graph struct {
	dependents map[string][]string
	broad      map[string]struct{}
	critical   map[string]struct{}
	broadPfx   string
	aggregates []string
	sources    []string
}

// New validates config and builds the lookup structure. nil uses the
// scheduling-domain defaults. An empty prefix is rejected everywhere
// because a substring match against "" hits every key in the cache;
// duplicate sources are rejected because the later rule would silently
// shadow the earlier one.
func New(config *Config) (*Graph, error) {
	if config == nil {
		config = DefaultConfig()
	}

	g := &Graph{
		dependents: make(map[string][]string, len(config.Rules)),
		broad:      make(map[string]struct{}, len(config.BroadFanoutTables)),
		critical:   make(map[string]struct{}, len(config.CriticalTables)),
		broadPfx:   config.BroadPrefix,
	}

	for _, rule := range config.Rules {
		if rule.Source == "" {
			return nil, fmt.Errorf("depgraph: rule with prefixes %v has an empty source", rule.Prefixes)
		}
		if _, dup := g.dependents[rule.Source]; dup {
			return nil, fmt.Errorf("depgraph: duplicate source %q", rule.Source)
		}
		seen := make(map[string]struct{}, len(rule.Prefixes))
		for _, prefix := range rule.Prefixes {
			if prefix == "" {
				return nil, fmt.Errorf("depgraph: source %q declares an empty prefix", rule.Source)
			}
			if _, dup := seen[prefix]; dup {
				return nil, fmt.Errorf("depgraph: source %q declares prefix %q twice", rule.Source, prefix)
			}
			seen[prefix] = struct{}{}
		}
		prefixes := make([]string, len(rule.Prefixes))
		copy(prefixes, rule.Prefixes)
		g.dependents[rule.Source] = prefixes
		g.sources = append(g.sources, rule.Source)
	}

	for _, table := range config.BroadFanoutTables {
		if table == "" {
			return nil, fmt.Errorf("depgraph: empty broad-fanout table name")
		}
		g.broad[table] = struct{}{}
	}
	if len(config.BroadFanoutTables) > 0 && config.BroadPrefix == "" {
		return nil, fmt.Errorf("depgraph: broad-fanout tables declared without a broad prefix")
	}

	for _, prefix := range config.AggregatePrefixes {
		if prefix == "" {
			return nil, fmt.Errorf("depgraph: empty aggregate prefix")
		}
	}
	g.aggregates = make([]string, len(config.AggregatePrefixes))
	copy(g.aggregates, config.AggregatePrefixes)

	for _, table := range config.CriticalTables {
		if table == "" {
			return nil, fmt.Errorf("depgraph: empty critical table name")
		}
		g.critical[table] = struct{}{}
	}

	return g, nil
}

// DependentsOf returns the dependent prefixes declared for table, or
// nil when the table is untracked. The returned slice is a copy.
func (g *Graph) DependentsOf(table string) []string {
	prefixes, ok := g.dependents[table]
	if !ok {
		return nil
	}
	out := make([]string, len(prefixes))
	copy(out, prefixes)
	return out
}

// Tracked reports whether any rule exists for table.
func (g *Graph) Tracked(table string) bool {
	_, ok := g.dependents[table]
	return ok
}

// BroadFanout reports whether a change to table dirties every key
// under BroadPrefix.
func (g *Graph) BroadFanout(table string) bool {
	_, ok := g.broad[table]
	return ok
}

// BroadPrefix returns the coarse prefix used for broad-fanout tables.
func (g *Graph) BroadPrefix() string {
	return g.broadPfx
}

// AggregatePrefixes returns the always-dirty rollup prefixes. The
// returned slice is a copy.
func (g *Graph) AggregatePrefixes() []string {
	out := make([]string, len(g.aggregates))
	copy(out, g.aggregates)
	return out
}

// Critical reports whether table should trigger pre-warming.
func (g *Graph) Critical(table string) bool {
	_, ok := g.critical[table]
	return ok
}

// Sources returns every tracked source table in rule order.
func (g *Graph) Sources() []string {
	out := make([]string, len(g.sources))
	copy(out, g.sources)
	return out
}
