package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/audience-reach/pkg/reach"
	"github.com/Sternrassler/audience-reach/pkg/targeting"
)

// parseUnits reads one unit per line: "identifier" or "identifier,region".
// Lines without a region use defaultRegion. Blank lines and lines starting
// with '#' are skipped, as is a leading "identifier,region" header.
func parseUnits(r io.Reader, defaultRegion string) ([]reach.Unit, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	var units []reach.Unit
	for first := true; ; first = false {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse units: %w", err)
		}
		line, _ := reader.FieldPos(0)
		if strings.TrimSpace(record[0]) == "" {
			continue
		}
		if first && strings.EqualFold(strings.TrimSpace(record[0]), "identifier") {
			continue
		}

		region := defaultRegion
		if len(record) > 1 && strings.TrimSpace(record[1]) != "" {
			region = record[1]
		}
		if strings.TrimSpace(region) == "" {
			return nil, fmt.Errorf("line %d: no region for %q", line, record[0])
		}
		units = append(units, reach.NewUnit(record[0], region))
	}
	return units, nil
}

// readUnits parses the units file at path, or stdin for "-".
func readUnits(path, defaultRegion string) ([]reach.Unit, error) {
	if path == "-" {
		return parseUnits(os.Stdin, defaultRegion)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open units file: %w", err)
	}
	defer f.Close()
	return parseUnits(f, defaultRegion)
}

// loadTargeting reads a targeting spec from a YAML (or JSON) file. An empty
// path yields the zero spec: default ages, no filters.
func loadTargeting(path string) (targeting.Spec, error) {
	var spec targeting.Spec
	if path == "" {
		return spec, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("read targeting file: %w", err)
	}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("parse targeting file: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return spec, fmt.Errorf("invalid targeting: %w", err)
	}
	return spec, nil
}
