package logparse

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/performance-artifact.json
var perfSchemaJSON []byte

const perfSchemaURL = "https://treeherder.mozilla.org/schemas/performance-artifact.json"

func compilePerfSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	if err := c.AddResource(perfSchemaURL, bytes.NewReader(perfSchemaJSON)); err != nil {
		return nil, fmt.Errorf("logparse: load perf schema: %w", err)
	}
	s, err := c.Compile(perfSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("logparse: compile perf schema: %w", err)
	}
	return s, nil
}

// PerfherderData is one PERFHERDER_DATA block.
type PerfherderData struct {
	Framework PerfFramework `json:"framework"`
	Suites    []PerfSuite   `json:"suites"`
}

type PerfFramework struct {
	Name string `json:"name"`
}

// PerfAlertProps are the per-series alerting overrides a harness may set.
type PerfAlertProps struct {
	LowerIsBetter   *bool    `json:"lowerIsBetter,omitempty"`
	ShouldAlert     *bool    `json:"shouldAlert,omitempty"`
	AlertThreshold  *float64 `json:"alertThreshold,omitempty"`
	AlertChangeType string   `json:"alertChangeType,omitempty"`
	MinBackWindow   *int     `json:"minBackWindow,omitempty"`
	MaxBackWindow   *int     `json:"maxBackWindow,omitempty"`
	ForeWindow      *int     `json:"foreWindow,omitempty"`
}

type PerfSuite struct {
	Name         string   `json:"name"`
	Value        *float64 `json:"value,omitempty"`
	ExtraOptions []string `json:"extraOptions,omitempty"`
	PerfAlertProps
	Subtests []PerfSubtest `json:"subtests,omitempty"`
}

type PerfSubtest struct {
	Name  string   `json:"name"`
	Value *float64 `json:"value,omitempty"`
	PerfAlertProps
}

// validatePerf decodes and schema-checks a PERFHERDER_DATA payload.
// Non-finite values are not representable in JSON and fail decoding.
func (p *Parser) validatePerf(blob string) (PerfherderData, error) {
	dec := json.NewDecoder(strings.NewReader(blob))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return PerfherderData{}, fmt.Errorf("decode: %w", err)
	}
	if err := p.schema.Validate(doc); err != nil {
		return PerfherderData{}, err
	}
	var data PerfherderData
	if err := json.Unmarshal([]byte(blob), &data); err != nil {
		return PerfherderData{}, fmt.Errorf("decode: %w", err)
	}
	return data, nil
}
