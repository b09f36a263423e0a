package targeting

import (
	"encoding/json"
	"strings"
)

// GeoKey references a resolved geography.
type GeoKey struct {
	Key string `json:"key"`
}

// GeoLocations scopes an envelope to resolved postal codes.
type GeoLocations struct {
	Zips []GeoKey `json:"zips"`
}

// Clause is one entry of flexible_spec. Interests inside a clause are OR'd;
// clauses are AND'd with each other.
type Clause struct {
	Interests []Interest `json:"interests"`
}

// Envelope is the targeting_spec document sent with an estimate call.
type Envelope struct {
	GeoLocations    GeoLocations `json:"geo_locations"`
	AgeMin          int          `json:"age_min"`
	AgeMax          int          `json:"age_max"`
	Genders         []int        `json:"genders,omitempty"`
	DevicePlatforms []string     `json:"device_platforms,omitempty"`
	FlexibleSpec    []Clause     `json:"flexible_spec,omitempty"`
}

// JSON encodes the envelope for the targeting_spec query parameter.
func (e Envelope) JSON() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Clauses converts interest groups to the remote group-combination encoding.
//
// A group's own interests are always OR'd. The first group opens a clause.
// Every later group either opens a new AND'd clause (operator AND) or is
// unioned into the preceding clause (operator OR or unset). Empty groups are
// skipped and do not affect how the next group combines. Duplicate interest
// IDs inside a clause are dropped.
func Clauses(groups []InterestGroup) []Clause {
	var clauses []Clause
	var seen []map[string]bool

	for _, g := range groups {
		if len(g.Interests) == 0 {
			continue
		}

		op := Combinator(strings.ToUpper(string(g.Operator)))
		if len(clauses) == 0 || op == CombinatorAnd {
			clauses = append(clauses, Clause{})
			seen = append(seen, map[string]bool{})
		}

		last := len(clauses) - 1
		for _, in := range g.Interests {
			if seen[last][in.ID] {
				continue
			}
			seen[last][in.ID] = true
			clauses[last].Interests = append(clauses[last].Interests, in)
		}
	}
	return clauses
}

// Baseline returns the neutral envelope for a geography: full age range, all
// genders, no interest filter.
func Baseline(geoKey string) Envelope {
	return Envelope{
		GeoLocations: GeoLocations{Zips: []GeoKey{{Key: geoKey}}},
		AgeMin:       DefaultAgeMin,
		AgeMax:       DefaultAgeMax,
	}
}

// Envelope combines the geography with the spec's demographic and interest
// filters.
func (s Spec) Envelope(geoKey string) Envelope {
	ageMin, ageMax := s.ages()
	env := Envelope{
		GeoLocations: GeoLocations{Zips: []GeoKey{{Key: geoKey}}},
		AgeMin:       ageMin,
		AgeMax:       ageMax,
		FlexibleSpec: Clauses(s.InterestGroups),
	}

	// Selecting both genders is the same as no filter.
	hasMale, hasFemale := false, false
	for _, g := range s.Genders {
		switch g {
		case GenderMale:
			hasMale = true
		case GenderFemale:
			hasFemale = true
		}
	}
	if hasMale != hasFemale {
		if hasMale {
			env.Genders = []int{1}
		} else {
			env.Genders = []int{2}
		}
	}

	for _, p := range s.DevicePlatforms {
		env.DevicePlatforms = append(env.DevicePlatforms, strings.ToLower(p))
	}
	return env
}
