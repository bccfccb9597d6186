package requirements

import (
	"fmt"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/docker/go-units"
	"math"
	"sort"
	"strings"
)

type ResourceKind string

const (
	CPU   ResourceKind = "cpu"
	RAM   ResourceKind = "ram"
	P100  ResourceKind = "P100"
	V100  ResourceKind = "V100"
	P4    ResourceKind = "P4"
	T4    ResourceKind = "T4"
	A100  ResourceKind = "A100"
	TPUV2 ResourceKind = "TPU_V2"
	TPUV3 ResourceKind = "TPU_V3"
)

var (
	GPUKinds         = []ResourceKind{P100, V100, P4, T4, A100}
	TPUKinds         = []ResourceKind{TPUV2, TPUV3}
	AcceleratorKinds = append(append([]ResourceKind{}, GPUKinds...), TPUKinds...)
)

func (k ResourceKind) IsAccelerator() bool {
	for _, a := range AcceleratorKinds {
		if a == k {
			return true
		}
	}
	return false
}

func (k ResourceKind) IsTPU() bool {
	return k == TPUV2 || k == TPUV3
}

func (k ResourceKind) IsGPU() bool {
	return k.IsAccelerator() && !k.IsTPU()
}

// ParseKind accepts resource names case-insensitively ("t4", "tpu_v2", "CPU").
func ParseKind(name string) (ResourceKind, error) {
	switch strings.ToLower(name) {
	case string(CPU):
		return CPU, nil
	case string(RAM), "memory":
		return RAM, nil
	}
	for _, a := range AcceleratorKinds {
		if strings.EqualFold(string(a), name) {
			return a, nil
		}
	}
	return "", exceptions.InvalidRequirement("unknown resource kind [%s]", name)
}

//
// CountPolicy is the set of accelerator counts a backend declares valid.
// Kinds missing from ValidCounts accept any positive integer count.
//
type CountPolicy struct {
	ValidCounts        map[ResourceKind][]int
	AllowHeterogeneous bool
}

// DefaultPolicy is for backends with TPUs: TPU slices come in 8 cores.
var DefaultPolicy = CountPolicy{
	ValidCounts: map[ResourceKind][]int{
		TPUV2: {8},
		TPUV3: {8},
	},
}

// GPUOnlyPolicy is for backends without TPUs; any TPU count is refused.
var GPUOnlyPolicy = CountPolicy{
	ValidCounts: map[ResourceKind][]int{
		TPUV2: {},
		TPUV3: {},
	},
}

func (p CountPolicy) allows(kind ResourceKind, count int) bool {
	valid, ok := p.ValidCounts[kind]
	if !ok {
		return count > 0
	}
	for _, v := range valid {
		if v == count {
			return true
		}
	}
	return false
}

//
// JobRequirements maps resource kinds to requested quantities. It is a value type,
// every operation returns a new instance.
//
type JobRequirements struct {
	resources map[ResourceKind]float64
}

func New(resources map[ResourceKind]float64) JobRequirements {
	r := JobRequirements{resources: make(map[ResourceKind]float64, len(resources))}
	for k, v := range resources {
		r.resources[k] = v
	}
	return r
}

// Parse builds requirements from user supplied keys. RAM accepts byte counts or
// human readable sizes such as "8GiB".
func Parse(raw map[string]interface{}) (JobRequirements, error) {
	resources := make(map[ResourceKind]float64, len(raw))
	for name, value := range raw {
		kind, err := ParseKind(name)
		if err != nil {
			return JobRequirements{}, err
		}
		quantity, err := parseQuantity(kind, value)
		if err != nil {
			return JobRequirements{}, err
		}
		resources[kind] = quantity
	}
	return New(resources), nil
}

func parseQuantity(kind ResourceKind, value interface{}) (float64, error) {
	switch v := value.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		if kind != RAM {
			return 0, exceptions.InvalidRequirement("[%s] must be numeric, got [%s]", kind, v)
		}
		b, err := units.RAMInBytes(v)
		if err != nil {
			return 0, exceptions.InvalidRequirement("unparseable ram [%s]: %v", v, err)
		}
		return float64(b), nil
	default:
		return 0, exceptions.InvalidRequirement("[%s] has unsupported value type %T", kind, value)
	}
}

func (r JobRequirements) Get(kind ResourceKind) float64 {
	return r.resources[kind]
}

func (r JobRequirements) Has(kind ResourceKind) bool {
	_, ok := r.resources[kind]
	return ok
}

func (r JobRequirements) CPU() float64 {
	return r.resources[CPU]
}

func (r JobRequirements) RAM() int64 {
	return int64(r.resources[RAM])
}

func (r JobRequirements) IsEmpty() bool {
	return len(r.resources) == 0
}

// Accelerator returns the first nonzero accelerator kind in declaration order.
func (r JobRequirements) Accelerator() (ResourceKind, int, bool) {
	for _, a := range AcceleratorKinds {
		if v := r.resources[a]; v != 0 {
			return a, int(v), true
		}
	}
	return "", 0, false
}

// Kinds returns the set resource kinds sorted by name.
func (r JobRequirements) Kinds() []ResourceKind {
	kinds := make([]ResourceKind, 0, len(r.resources))
	for k := range r.resources {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (r JobRequirements) Validate(policy CountPolicy) error {
	var accelerators []string
	for _, kind := range r.Kinds() {
		quantity := r.resources[kind]
		if quantity < 0 {
			return exceptions.InvalidRequirement("[%s] must not be negative, got %v", kind, quantity)
		}
		if kind == RAM && quantity != math.Trunc(quantity) {
			return exceptions.InvalidRequirement("[ram] must be an integer number of bytes, got %v", quantity)
		}
		if !kind.IsAccelerator() || quantity == 0 {
			continue
		}
		if quantity != math.Trunc(quantity) {
			return exceptions.InvalidRequirement("[%s] count must be an integer, got %v", kind, quantity)
		}
		if valid, ok := policy.ValidCounts[kind]; ok && len(valid) == 0 {
			return exceptions.InvalidRequirement("[%s] is not available on this backend", kind)
		}
		if !policy.allows(kind, int(quantity)) {
			return exceptions.InvalidRequirement(
				"[%s] count %d is not one of %v", kind, int(quantity), policy.ValidCounts[kind])
		}
		accelerators = append(accelerators, string(kind))
	}
	if len(accelerators) > 1 && !policy.AllowHeterogeneous {
		return exceptions.InvalidRequirement(
			"at most one accelerator kind may be requested, got [%s]", strings.Join(accelerators, ", "))
	}
	return nil
}

func (r JobRequirements) Merge(other JobRequirements) (JobRequirements, error) {
	merged := New(r.resources)
	for kind, quantity := range other.resources {
		if existing, ok := merged.resources[kind]; ok && existing != quantity {
			return JobRequirements{}, exceptions.ConflictingRequirement(
				"[%s] set to both %v and %v", kind, existing, quantity)
		}
		merged.resources[kind] = quantity
	}
	return merged, nil
}

func (r JobRequirements) String() string {
	parts := make([]string, 0, len(r.resources))
	for _, kind := range r.Kinds() {
		quantity := r.resources[kind]
		if kind == RAM {
			parts = append(parts, fmt.Sprintf("ram=%s", units.BytesSize(quantity)))
		} else {
			parts = append(parts, fmt.Sprintf("%s=%v", kind, quantity))
		}
	}
	return strings.Join(parts, ",")
}
