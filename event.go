package main

import (
	"encoding/json"
	"strings"

	"github.com/guregu/null/v5"
	"github.com/tidwall/gjson"
)

// TargetSelection is how an invocation names its functions: a single name,
// a list of names, or nothing at all (evaluate every discoverable function).
type TargetSelection interface {
	names() []string
}

type SingleTarget string

type ManyTargets []string

type NoTargets struct{}

func (s SingleTarget) names() []string { return []string{string(s)} }
func (m ManyTargets) names() []string  { return m }
func (NoTargets) names() []string      { return nil }

// InvocationEvent is the payload a scheduler sends to the handler.
type InvocationEvent struct {
	FunctionNames TargetSelection `json:"-"`
	// FunctionName is the older single-function form of FunctionNames.
	FunctionName null.String `json:"function_name"`
	SnsTopicArn  null.String `json:"sns_topic_arn"`
	Channel      null.String `json:"channel"`
	Minutes      null.Int    `json:"minutes"`
	Threshold    null.Float  `json:"threshold"`
	Region       null.String `json:"region"`
	OpenAIApiKey null.String `json:"openai_api_key"`
}

func (e *InvocationEvent) UnmarshalJSON(data []byte) error {
	type plain InvocationEvent
	var raw struct {
		plain
		FunctionNames json.RawMessage `json:"function_names"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	selection, err := parseTargetSelection(raw.FunctionNames)
	if err != nil {
		return err
	}

	*e = InvocationEvent(raw.plain)
	e.FunctionNames = selection
	return nil
}

func parseTargetSelection(raw []byte) (TargetSelection, error) {
	if len(raw) == 0 {
		return NoTargets{}, nil
	}

	value := gjson.ParseBytes(raw)
	switch {
	case value.Type == gjson.Null:
		return NoTargets{}, nil
	case value.Type == gjson.String:
		return SingleTarget(value.Str), nil
	case value.IsArray():
		names := make(ManyTargets, 0, len(value.Array()))
		for _, item := range value.Array() {
			if item.Type != gjson.String {
				return nil, &ValidationError{Field: "function_names", Reason: "must only contain strings"}
			}
			names = append(names, item.Str)
		}
		return names, nil
	default:
		return nil, &ValidationError{Field: "function_names", Reason: "must be a string or a list of strings"}
	}
}

// resolveTargets flattens a selection, dropping blank names. Duplicates are
// kept in order.
func resolveTargets(selection TargetSelection) []string {
	if selection == nil {
		return nil
	}
	var targets []string
	for _, name := range selection.names() {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		targets = append(targets, name)
	}
	return targets
}

// Invocation is an event resolved against the deployment defaults.
type Invocation struct {
	Region  string
	Request EvaluateRequest
}

// Resolve applies defaults and validates the result. No remote call is made.
func (e InvocationEvent) Resolve(defaults Config) (Invocation, error) {
	selection := e.FunctionNames
	if _, ok := selection.(NoTargets); (ok || selection == nil) && e.FunctionName.Valid {
		selection = SingleTarget(e.FunctionName.String)
	}
	targets := resolveTargets(selection)
	if len(targets) == 0 {
		targets = resolveTargets(ManyTargets(defaults.FunctionNames))
	}

	channel := strings.TrimSpace(e.SnsTopicArn.ValueOrZero())
	if channel == "" {
		channel = strings.TrimSpace(e.Channel.ValueOrZero())
	}
	if channel == "" {
		channel = strings.TrimSpace(defaults.Channel)
	}

	minutes := defaults.WindowMinutes
	if minutes == 0 {
		minutes = DefaultWindowMinutes
	}
	if e.Minutes.Valid {
		minutes = int(e.Minutes.Int64)
	}

	threshold := defaults.Threshold
	if e.Threshold.Valid {
		threshold = e.Threshold.Float64
	}

	region := strings.TrimSpace(e.Region.ValueOrZero())
	if region == "" {
		region = defaults.Region
	}
	if region == "" {
		region = defaultRegion
	}

	invocation := Invocation{
		Region: region,
		Request: EvaluateRequest{
			Channel:       channel,
			Targets:       targets,
			WindowMinutes: minutes,
			Threshold:     threshold,
			Credential:    strings.TrimSpace(e.OpenAIApiKey.ValueOrZero()),
		},
	}
	if err := invocation.Request.Validate(); err != nil {
		return Invocation{}, err
	}
	return invocation, nil
}
