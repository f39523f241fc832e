// Package retention resolves how long tracking data must be kept before it
// becomes eligible for deletion.
package retention

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownPreset = errors.New("unknown retention preset")

type Field string

const (
	FieldTo       Field = "to"
	FieldFrom     Field = "from"
	FieldMetadata Field = "metadata"
	FieldRecord   Field = "record"
)

type Preset string

const (
	PresetMinimal  Preset = "minimal"
	PresetStandard Preset = "standard"
	PresetExtended Preset = "extended"
)

type policy struct {
	class string
	days  map[Field]int
}

var presets = map[Preset]policy{
	PresetMinimal: {
		class: "short",
		days:  map[Field]int{FieldTo: 30, FieldFrom: 30, FieldMetadata: 7, FieldRecord: 30},
	},
	PresetStandard: {
		class: "standard",
		days:  map[Field]int{FieldTo: 90, FieldFrom: 90, FieldMetadata: 30, FieldRecord: 180},
	},
	PresetExtended: {
		class: "extended",
		days:  map[Field]int{FieldTo: 365, FieldFrom: 365, FieldMetadata: 180, FieldRecord: 1825},
	},
}

// Override replaces the class and any subset of field retention days.
// Zero or negative days leave the underlying value in place.
type Override struct {
	Class string        `yaml:"class" mapstructure:"class"`
	Days  map[Field]int `yaml:"days" mapstructure:"days"`
}

type Options struct {
	Preset    Preset
	Tenants   map[string]Override
	Contracts map[string]Override
}

type Subject struct {
	TenantID    string
	ContractID  string
	RequestedAt time.Time
}

type Decision struct {
	Class     string
	Days      int
	ExpiresAt time.Time
	BucketYM  int
}

type Resolver struct {
	base      policy
	tenants   map[string]Override
	contracts map[string]Override
}

func NewResolver(opts Options) (*Resolver, error) {
	preset := Preset(strings.ToLower(strings.TrimSpace(string(opts.Preset))))
	if preset == "" {
		preset = PresetStandard
	}
	base, ok := presets[preset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPreset, opts.Preset)
	}
	return &Resolver{
		base:      base,
		tenants:   copyOverrides(opts.Tenants),
		contracts: copyOverrides(opts.Contracts),
	}, nil
}

func (r *Resolver) FieldDays(subject Subject, field Field) int {
	_, days := r.resolve(subject, field)
	return days
}

// Resolve returns the record-level retention decision. BucketYM is
// year*100+month of the expiry date.
func (r *Resolver) Resolve(subject Subject) Decision {
	class, days := r.resolve(subject, FieldRecord)
	expires := subject.RequestedAt.UTC().AddDate(0, 0, days)
	return Decision{
		Class:     class,
		Days:      days,
		ExpiresAt: expires,
		BucketYM:  BucketYM(expires),
	}
}

func (r *Resolver) resolve(subject Subject, field Field) (string, int) {
	class := r.base.class
	days := r.base.days[field]
	for _, override := range []Override{
		r.tenants[strings.TrimSpace(subject.TenantID)],
		r.contracts[strings.TrimSpace(subject.ContractID)],
	} {
		if override.Class != "" {
			class = override.Class
		}
		if d := override.Days[field]; d > 0 {
			days = d
		}
	}
	return class, days
}

func BucketYM(t time.Time) int {
	t = t.UTC()
	return t.Year()*100 + int(t.Month())
}

func copyOverrides(in map[string]Override) map[string]Override {
	out := make(map[string]Override, len(in))
	for key, override := range in {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		days := make(map[Field]int, len(override.Days))
		for field, d := range override.Days {
			days[Field(strings.ToLower(string(field)))] = d
		}
		out[key] = Override{Class: strings.TrimSpace(override.Class), Days: days}
	}
	return out
}
