// Package targeting models the demographic and interest filter of a run and
// converts it to the reach API's targeting envelope.
//
// Conversion is pure: nothing in this package performs I/O, so the interest
// group combination rules can be tested in isolation.
package targeting

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Age limits accepted by the reach API.
const (
	MinAge = 13
	MaxAge = 65

	// DefaultAgeMin is used when a Spec leaves AgeMin unset.
	DefaultAgeMin = 18
	// DefaultAgeMax is used when a Spec leaves AgeMax unset.
	DefaultAgeMax = 65
)

// Gender selects a gender filter. An empty gender list means all genders.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Combinator joins an interest group to the group before it.
type Combinator string

const (
	CombinatorAnd Combinator = "AND"
	CombinatorOr  Combinator = "OR"
)

// Interest is one remote interest segment.
type Interest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// InterestGroup is a saved set of interests. Operator relates the group to
// the previous one and is ignored on the first group; an empty Operator
// behaves as OR.
type InterestGroup struct {
	Name      string     `json:"name,omitempty" yaml:"name"`
	Interests []Interest `json:"interests" yaml:"interests"`
	Operator  Combinator `json:"operator,omitempty" yaml:"operator"`
}

// Spec is the caller's targeting filter. It is read-only for the duration of
// a run. Zero values mean "unset": AgeMin/AgeMax fall back to the defaults,
// empty slices apply no filter.
type Spec struct {
	AgeMin          int             `json:"age_min,omitempty" yaml:"age_min"`
	AgeMax          int             `json:"age_max,omitempty" yaml:"age_max"`
	Genders         []Gender        `json:"genders,omitempty" yaml:"genders"`
	DevicePlatforms []string        `json:"device_platforms,omitempty" yaml:"device_platforms"`
	InterestGroups  []InterestGroup `json:"interest_groups,omitempty" yaml:"interest_groups"`
}

var validPlatforms = map[string]bool{
	"mobile":  true,
	"desktop": true,
}

// Validate checks the spec for values the remote service would reject.
func (s Spec) Validate() error {
	ageMin, ageMax := s.ages()
	if ageMin < MinAge || ageMin > MaxAge {
		return fmt.Errorf("age_min %d out of range [%d, %d]", ageMin, MinAge, MaxAge)
	}
	if ageMax < MinAge || ageMax > MaxAge {
		return fmt.Errorf("age_max %d out of range [%d, %d]", ageMax, MinAge, MaxAge)
	}
	if ageMin > ageMax {
		return fmt.Errorf("age_min %d greater than age_max %d", ageMin, ageMax)
	}
	for _, g := range s.Genders {
		if g != GenderMale && g != GenderFemale {
			return fmt.Errorf("unknown gender %q", g)
		}
	}
	for _, p := range s.DevicePlatforms {
		if !validPlatforms[strings.ToLower(p)] {
			return fmt.Errorf("unknown device platform %q", p)
		}
	}
	for i, g := range s.InterestGroups {
		switch Combinator(strings.ToUpper(string(g.Operator))) {
		case "", CombinatorAnd, CombinatorOr:
		default:
			return fmt.Errorf("interest group %d: unknown operator %q", i, g.Operator)
		}
		for _, in := range g.Interests {
			if in.ID == "" {
				return fmt.Errorf("interest group %d: interest without id", i)
			}
		}
	}
	return nil
}

// HasInterests reports whether any group carries at least one interest.
func (s Spec) HasInterests() bool {
	for _, g := range s.InterestGroups {
		if len(g.Interests) > 0 {
			return true
		}
	}
	return false
}

// Simplified returns the reduced envelope used after a targeting rejection:
// interest filters dropped, demographics kept.
func (s Spec) Simplified() Spec {
	out := s
	out.InterestGroups = nil
	return out
}

func (s Spec) ages() (int, int) {
	lo, hi := s.AgeMin, s.AgeMax
	if lo == 0 {
		lo = DefaultAgeMin
	}
	if hi == 0 {
		hi = DefaultAgeMax
	}
	return lo, hi
}

// Fingerprint returns a stable content hash of the spec. Gender and platform
// order does not affect the hash; interest group order does, since it
// changes the clause structure.
func (s Spec) Fingerprint() string {
	ageMin, ageMax := s.ages()

	genders := make([]string, 0, len(s.Genders))
	for _, g := range s.Genders {
		genders = append(genders, string(g))
	}
	sort.Strings(genders)

	platforms := make([]string, 0, len(s.DevicePlatforms))
	for _, p := range s.DevicePlatforms {
		platforms = append(platforms, strings.ToLower(p))
	}
	sort.Strings(platforms)

	canonical := struct {
		AgeMin    int        `json:"a"`
		AgeMax    int        `json:"b"`
		Genders   []string   `json:"g"`
		Platforms []string   `json:"p"`
		Clauses   [][]string `json:"c"`
	}{
		AgeMin:    ageMin,
		AgeMax:    ageMax,
		Genders:   genders,
		Platforms: platforms,
	}
	for _, c := range Clauses(s.InterestGroups) {
		ids := make([]string, 0, len(c.Interests))
		for _, in := range c.Interests {
			ids = append(ids, in.ID)
		}
		sort.Strings(ids)
		canonical.Clauses = append(canonical.Clauses, ids)
	}

	// Marshalling a struct of strings and ints cannot fail.
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
