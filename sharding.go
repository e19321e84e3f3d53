package decoder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// A sharding plan says how each named tensor would be laid out across a
// logical device mesh. The mesh is a named grid:
//
//   dp    data parallel: replicas that see different batches
//   fsdp  fully sharded data parallel: parameters split across replicas
//   mp    model parallel: single layers split across devices
//
// A PartitionSpec assigns mesh axes to tensor dimensions. For a [4096,
// 14336] kernel, PartitionSpec(fsdp, dp) splits rows over the fsdp axis and
// columns over the dp axis; None leaves a dimension whole on every device.
//
// RULES:
// A plan is an ordered list of (regular expression, PartitionSpec). A
// tensor name takes the spec of the first pattern found anywhere in the
// name. Every plan ends with ".*" so every name resolves.
//
// PROFILES:
//   balanced       different axes per tensor role (embedding rows on dp,
//                  projection inputs on fsdp, ...), norms replicated
//   fully-sharded  the first dimension of almost everything on fsdp
//
// Placement is advisory. This package never moves data; annotations are
// attached to tensors for an external executor and never change values.
//
// ===========================================================================

// Sharding profile names.
const (
	ProfileBalanced     = "balanced"
	ProfileFullySharded = "fully-sharded"
)

// PartitionSpec assigns mesh axes to tensor dimensions. Entry i lists the
// axes dimension i is split over; a nil entry leaves it replicated.
// Dimensions past the end of the spec are replicated.
type PartitionSpec [][]string

// PS builds a PartitionSpec. Each argument is nil (replicated), a single
// axis name, or a []string of axes the dimension is split over jointly.
func PS(dims ...any) PartitionSpec {
	spec := make(PartitionSpec, len(dims))
	for i, d := range dims {
		switch d := d.(type) {
		case nil:
		case string:
			spec[i] = []string{d}
		case []string:
			spec[i] = append([]string(nil), d...)
		default:
			panic(fmt.Sprintf("sharding: PS argument %d has type %T", i, d))
		}
	}
	return spec
}

// Replicated reports whether no dimension is split.
func (ps PartitionSpec) Replicated() bool {
	for _, axes := range ps {
		if len(axes) > 0 {
			return false
		}
	}
	return true
}

func (ps PartitionSpec) String() string {
	parts := make([]string, len(ps))
	for i, axes := range ps {
		switch len(axes) {
		case 0:
			parts[i] = "None"
		case 1:
			parts[i] = axes[0]
		default:
			parts[i] = "(" + strings.Join(axes, ", ") + ")"
		}
	}
	return "PartitionSpec(" + strings.Join(parts, ", ") + ")"
}

// Mesh is a logical device grid with named axes.
type Mesh struct {
	Axes  []string
	Shape []int
}

// DefaultMesh returns a single-device mesh with the dp, fsdp and mp axes.
func DefaultMesh() Mesh {
	return Mesh{Axes: []string{"dp", "fsdp", "mp"}, Shape: []int{1, 1, 1}}
}

// ParseMesh parses "dp=1,fsdp=4,mp=2".
func ParseMesh(s string) (Mesh, error) {
	var m Mesh
	for _, field := range strings.Split(s, ",") {
		name, size, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			return Mesh{}, fmt.Errorf("%w: mesh axis %q is not name=size", ErrConfiguration, field)
		}
		n, err := strconv.Atoi(size)
		if err != nil {
			return Mesh{}, fmt.Errorf("%w: mesh axis %q: %v", ErrConfiguration, name, err)
		}
		m.Axes = append(m.Axes, name)
		m.Shape = append(m.Shape, n)
	}
	return m, m.validate()
}

func (m Mesh) validate() error {
	if len(m.Axes) == 0 || len(m.Axes) != len(m.Shape) {
		return fmt.Errorf("%w: mesh has %d axis names and %d sizes", ErrConfiguration, len(m.Axes), len(m.Shape))
	}
	seen := make(map[string]bool, len(m.Axes))
	for i, name := range m.Axes {
		if name == "" || seen[name] {
			return fmt.Errorf("%w: mesh axis name %q empty or repeated", ErrConfiguration, name)
		}
		if m.Shape[i] <= 0 {
			return fmt.Errorf("%w: mesh axis %q has size %d", ErrConfiguration, name, m.Shape[i])
		}
		seen[name] = true
	}
	return nil
}

// Size returns the number of devices along axis, or 0 if the mesh has no
// such axis.
func (m Mesh) Size(axis string) int {
	for i, name := range m.Axes {
		if name == axis {
			return m.Shape[i]
		}
	}
	return 0
}

// Devices returns the total number of devices in the mesh.
func (m Mesh) Devices() int {
	n := 1
	for _, s := range m.Shape {
		n *= s
	}
	return n
}

// Rule maps tensor names matching Pattern to Spec.
type Rule struct {
	Pattern string
	Spec    PartitionSpec
}

type compiledRule struct {
	re   *regexp2.Regexp
	spec PartitionSpec
}

// ShardingPlan resolves tensor names to partition specs. It is immutable
// after construction and safe for concurrent use.
type ShardingPlan struct {
	profile string
	mesh    Mesh
	rules   *orderedmap.OrderedMap[string, compiledRule]
}

// NewShardingPlan builds one of the built-in profiles over mesh. An empty
// profile selects balanced.
func NewShardingPlan(profile string, mesh Mesh) (*ShardingPlan, error) {
	var rules []Rule
	switch profile {
	case "", ProfileBalanced:
		profile = ProfileBalanced
		rules = balancedRules()
	case ProfileFullySharded:
		rules = fullyShardedRules()
	default:
		return nil, fmt.Errorf("%w: unknown sharding profile %q", ErrConfiguration, profile)
	}

	p, err := NewShardingPlanFromRules(mesh, rules...)
	if err != nil {
		return nil, err
	}
	p.profile = profile
	return p, nil
}

// NewShardingPlanFromRules builds a plan from caller rules in order. The
// last rule must be the catch-all ".*".
func NewShardingPlanFromRules(mesh Mesh, rules ...Rule) (*ShardingPlan, error) {
	if err := mesh.validate(); err != nil {
		return nil, err
	}
	if len(rules) == 0 || rules[len(rules)-1].Pattern != ".*" {
		return nil, fmt.Errorf("%w: sharding rules must end with the catch-all pattern \".*\"", ErrConfiguration)
	}

	p := &ShardingPlan{
		profile: "custom",
		mesh:    mesh,
		rules:   orderedmap.New[string, compiledRule](),
	}
	for _, r := range rules {
		if err := p.addRule(r); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *ShardingPlan) addRule(r Rule) error {
	if _, dup := p.rules.Get(r.Pattern); dup {
		return fmt.Errorf("%w: duplicate sharding pattern %q", ErrConfiguration, r.Pattern)
	}

	re, err := regexp2.Compile(r.Pattern, regexp2.None)
	if err != nil {
		return fmt.Errorf("%w: sharding pattern %q: %v", ErrConfiguration, r.Pattern, err)
	}

	for dim, axes := range r.Spec {
		seen := make(map[string]bool, len(axes))
		for _, axis := range axes {
			if p.mesh.Size(axis) == 0 {
				return fmt.Errorf("%w: pattern %q dimension %d uses axis %q, mesh has %v",
					ErrConfiguration, r.Pattern, dim, axis, p.mesh.Axes)
			}
			if seen[axis] {
				return fmt.Errorf("%w: pattern %q dimension %d repeats axis %q", ErrConfiguration, r.Pattern, dim, axis)
			}
			seen[axis] = true
		}
	}

	p.rules.Set(r.Pattern, compiledRule{re: re, spec: r.Spec})
	return nil
}

// Profile returns the profile name, or "custom" for caller rules.
func (p *ShardingPlan) Profile() string {
	return p.profile
}

// Mesh returns the mesh the plan was validated against.
func (p *ShardingPlan) Mesh() Mesh {
	return p.mesh
}

// Rules returns the plan's rules in evaluation order.
func (p *ShardingPlan) Rules() []Rule {
	rules := make([]Rule, 0, p.rules.Len())
	for pair := p.rules.Oldest(); pair != nil; pair = pair.Next() {
		rules = append(rules, Rule{Pattern: pair.Key, Spec: pair.Value.spec})
	}
	return rules
}

// Resolve returns the spec of the first rule whose pattern occurs in name.
func (p *ShardingPlan) Resolve(name string) PartitionSpec {
	spec, _ := p.lookup(name)
	return spec
}

// lookup also returns the pattern that matched.
func (p *ShardingPlan) lookup(name string) (PartitionSpec, string) {
	for pair := p.rules.Oldest(); pair != nil; pair = pair.Next() {
		// regexp2 only errors on match timeouts, and none is set.
		if ok, _ := pair.Value.re.MatchString(name); ok {
			return pair.Value.spec, pair.Key
		}
	}
	// Unreachable: the last rule is ".*".
	return PS(nil), ""
}

// Annotate returns a tensor sharing t's data with the spec for name
// attached.
func (p *ShardingPlan) Annotate(name string, t *Tensor) *Tensor {
	if p == nil {
		return t
	}
	return t.WithPlacement(p.Resolve(name))
}

// LocalShape returns the shape of one device's shard of a tensor called
// name with the given global shape.
func (p *ShardingPlan) LocalShape(name string, shape []int) ([]int, error) {
	spec := p.Resolve(name)
	if len(spec) > len(shape) {
		return nil, fmt.Errorf("%w: %s of rank %d resolved to %s", ErrShapeMismatch, name, len(shape), spec)
	}

	local := append([]int(nil), shape...)
	for dim, axes := range spec {
		parts := 1
		for _, axis := range axes {
			parts *= p.mesh.Size(axis)
		}
		if local[dim]%parts != 0 {
			return nil, fmt.Errorf("%w: %s dimension %d of size %d does not split into %d shards",
				ErrShapeMismatch, name, dim, local[dim], parts)
		}
		local[dim] /= parts
	}
	return local, nil
}

func balancedRules() []Rule {
	return []Rule{
		{"model/embed_tokens/embedding", PS("dp", "fsdp")},

		{"self_attn/(q_proj|k_proj|v_proj)/kernel", PS("fsdp", "dp")},
		{"self_attn/o_proj/kernel", PS("dp", "fsdp")},

		{"mlp/gate_proj/kernel", PS("fsdp", "dp")},
		{"mlp/down_proj/kernel", PS("dp", "fsdp")},
		{"mlp/up_proj/kernel", PS("fsdp", "dp")},

		{"input_layernorm/kernel", PS(nil)},
		{"post_attention_layernorm/kernel", PS(nil)},

		{"model/norm/kernel", PS(nil)},
		{"lm_head/kernel", PS("fsdp", "dp")},

		// activations: [batch, seq, features] and [batch, heads, query, key]
		{"self_attn/(query|key|value)$", PS("fsdp", "mp", nil)},
		{"self_attn/attn_weights$", PS([]string{"dp", "fsdp"}, "mp", nil, nil)},

		{".*", PS(nil)},
	}
}

func fullyShardedRules() []Rule {
	return []Rule{
		{"model/embed_tokens/embedding", PS("fsdp")},

		{"self_attn/(q_proj|k_proj|v_proj)/kernel", PS("fsdp")},
		{"self_attn/o_proj/kernel", PS("fsdp")},

		{"mlp/gate_proj/kernel", PS("fsdp")},
		{"mlp/down_proj/kernel", PS("fsdp")},
		{"mlp/up_proj/kernel", PS("fsdp")},

		{"input_layernorm/kernel", PS(nil)},
		{"post_attention_layernorm/kernel", PS(nil)},

		{"model/norm/kernel", PS(nil)},
		{"lm_head/kernel", PS("fsdp")},

		{".*", PS("fsdp")},
	}
}
