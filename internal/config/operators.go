package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Operator is one entry of the operators file
type Operator struct {
	ID           string        `yaml:"id" validate:"required"`
	Name         string        `yaml:"name"`
	Strategy     string        `yaml:"strategy" validate:"required,oneof=exact prefix-repair time-window unjoinable"`
	IDPrefix     string        `yaml:"id_prefix"`
	StripPrefix  string        `yaml:"strip_prefix"`
	Sentinels    []string      `yaml:"sentinels"`
	Window       time.Duration `yaml:"window" validate:"gte=0"`
	Timezone     string        `yaml:"timezone" validate:"omitempty,timezone"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`
	TTL          time.Duration `yaml:"ttl" validate:"gte=0"`
	Disabled     bool          `yaml:"disabled"`

	Static StaticFeed `yaml:"gtfs"`
	Feed   LiveFeed   `yaml:"feed"`
}

// StaticFeed locates the operator's GTFS archive: an http(s) URL or a local path
type StaticFeed struct {
	URL string `yaml:"url"`
}

type LiveFeed struct {
	Format   string            `yaml:"format" validate:"required,oneof=gtfs-rt json rest"`
	URLs     []string          `yaml:"urls" validate:"required,min=1,dive,url"`
	Headers  map[string]string `yaml:"headers"`
	Stations []string          `yaml:"stations" validate:"required_if=Format rest,dive,required"`
}

type OperatorsFile struct {
	Operators []Operator `yaml:"operators" validate:"required,min=1,dive"`
}

// LoadOperators reads and validates the operators file. Header values may
// reference environment variables as ${NAME}.
func LoadOperators(path string) ([]Operator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read operators file: %w", err)
	}
	return ParseOperators(data)
}

func ParseOperators(data []byte) ([]Operator, error) {
	var file OperatorsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode operators file: %w", err)
	}

	v := validator.New()
	v.RegisterStructValidation(validateOperator, Operator{})
	v.RegisterStructValidation(validateOperatorsFile, OperatorsFile{})
	if err := v.Struct(file); err != nil {
		return nil, fmt.Errorf("invalid operators file: %w", err)
	}

	for i := range file.Operators {
		for k, val := range file.Operators[i].Feed.Headers {
			file.Operators[i].Feed.Headers[k] = os.ExpandEnv(val)
		}
	}
	return file.Operators, nil
}

func validateOperator(sl validator.StructLevel) {
	op := sl.Current().Interface().(Operator)
	if op.Strategy == "prefix-repair" && op.IDPrefix == "" {
		sl.ReportError(op.IDPrefix, "IDPrefix", "id_prefix", "required_for_prefix_repair", "")
	}
}

func validateOperatorsFile(sl validator.StructLevel) {
	file := sl.Current().Interface().(OperatorsFile)
	seen := make(map[string]bool, len(file.Operators))
	for _, op := range file.Operators {
		if seen[op.ID] {
			sl.ReportError(file.Operators, "Operators", "operators", "unique_id", op.ID)
		}
		seen[op.ID] = true
	}
}

// Location is the operator's timezone, UTC when unset
func (o Operator) Location() *time.Location {
	if o.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
