package model

import "fmt"

// Tier identifies one of the data copies
type Tier int

const (
	TierFast Tier = iota
	TierLocal
	TierCloud
)

// String returns the tier name used in logs and metric labels
func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierLocal:
		return "local"
	case TierCloud:
		return "cloud"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Tenant is a logical partition of all data, e.g. one household
type Tenant struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// Pair is an ordered (source, target) tier pair
type Pair struct {
	Source Tier
	Target Tier
}

// String returns "source->target"
func (p Pair) String() string {
	return p.Source.String() + "->" + p.Target.String()
}
