package targeting

import "testing"

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		spec        Spec
		shouldError bool
	}{
		{"empty spec uses defaults", Spec{}, false},
		{"full spec", Spec{AgeMin: 21, AgeMax: 50, Genders: []Gender{GenderMale}, DevicePlatforms: []string{"desktop"}}, false},
		{"age below minimum", Spec{AgeMin: 10}, true},
		{"age above maximum", Spec{AgeMax: 70}, true},
		{"inverted ages", Spec{AgeMin: 40, AgeMax: 30}, true},
		{"unknown gender", Spec{Genders: []Gender{"other"}}, true},
		{"unknown platform", Spec{DevicePlatforms: []string{"tv"}}, true},
		{"unknown operator", Spec{InterestGroups: []InterestGroup{{Interests: []Interest{{ID: "1"}}, Operator: "XOR"}}}, true},
		{"interest without id", Spec{InterestGroups: []InterestGroup{{Interests: []Interest{{Name: "x"}}}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.shouldError {
				t.Errorf("Validate() error = %v, shouldError %v", err, tt.shouldError)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	a := Spec{
		Genders:         []Gender{GenderMale, GenderFemale},
		DevicePlatforms: []string{"mobile", "desktop"},
		InterestGroups:  []InterestGroup{group("", "A", "B")},
	}
	b := Spec{
		AgeMin:          DefaultAgeMin,
		AgeMax:          DefaultAgeMax,
		Genders:         []Gender{GenderFemale, GenderMale},
		DevicePlatforms: []string{"Desktop", "mobile"},
		InterestGroups:  []InterestGroup{group("", "B", "A")},
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("equivalent specs should share a fingerprint")
	}

	and := Spec{InterestGroups: []InterestGroup{group("", "A"), group(CombinatorAnd, "B")}}
	or := Spec{InterestGroups: []InterestGroup{group("", "A"), group(CombinatorOr, "B")}}
	if and.Fingerprint() == or.Fingerprint() {
		t.Error("AND and OR combinations must not collide")
	}

	if len(a.Fingerprint()) != 16 {
		t.Errorf("fingerprint length = %d, want 16", len(a.Fingerprint()))
	}
}

func TestSimplified(t *testing.T) {
	spec := Spec{AgeMin: 30, Genders: []Gender{GenderMale}, InterestGroups: []InterestGroup{group("", "A")}}
	simple := spec.Simplified()

	if simple.HasInterests() {
		t.Error("simplified spec should not carry interests")
	}
	if simple.AgeMin != 30 || len(simple.Genders) != 1 {
		t.Error("simplified spec should keep demographics")
	}
	if !spec.HasInterests() {
		t.Error("original spec must not be modified")
	}
}
