package veto

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/anchor/pkg/resource"
)

// RegoQuery is the rule set evaluated by RegoPlugin. Policies live in
// package anchor.veto and add human-readable reasons to deny:
//
//	package anchor.veto
//
//	deny contains "production is frozen" if input.resource.spec.accountName == "prod"
const RegoQuery = "data.anchor.veto.deny"

// RegoPlugin vetoes convergence with OPA policies.
type RegoPlugin struct {
	query  rego.PreparedEvalQuery
	tracer trace.Tracer
}

// NewRegoPlugin compiles the given modules, keyed by file name.
func NewRegoPlugin(ctx context.Context, modules map[string]string) (*RegoPlugin, error) {
	if len(modules) == 0 {
		return nil, fmt.Errorf("rego: no policy modules")
	}

	opts := []func(*rego.Rego){rego.Query(RegoQuery)}
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile veto policies: %w", err)
	}

	return &RegoPlugin{
		query:  prepared,
		tracer: otel.Tracer("anchor.veto"),
	}, nil
}

// LoadRegoPlugin compiles every *.rego file in dir.
func LoadRegoPlugin(ctx context.Context, dir string) (*RegoPlugin, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}

	modules := make(map[string]string, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read policy %s: %w", file, err)
		}
		modules[filepath.Base(file)] = string(data)
	}
	return NewRegoPlugin(ctx, modules)
}

// Name implements Plugin.
func (p *RegoPlugin) Name() string { return "rego" }

// Allow implements Plugin.
func (p *RegoPlugin) Allow(ctx context.Context, r resource.Resource) (Decision, error) {
	ctx, span := p.tracer.Start(ctx, "veto.rego.allow",
		trace.WithAttributes(
			attribute.String("resource.name", r.Metadata.Name.String()),
			attribute.String("resource.kind", r.Kind),
		))
	defer span.End()

	input, err := buildInput(r)
	if err != nil {
		return Decision{}, err
	}

	rs, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate veto policies: %w", err)
	}

	reasons, err := denyReasons(rs)
	if err != nil {
		return Decision{}, err
	}
	if len(reasons) == 0 {
		return Proceed(), nil
	}
	return Halt(strings.Join(reasons, "; ")), nil
}

func buildInput(r resource.Resource) (map[string]any, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode policy input: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encode policy input: %w", err)
	}
	return map[string]any{
		"resource": doc,
		"kind":     r.Kind,
		"name":     r.Metadata.Name.String(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// denyReasons flattens the deny set. An undefined result means no policy
// defines deny, which proceeds.
func denyReasons(rs rego.ResultSet) ([]string, error) {
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}

	values, ok := rs[0].Expressions[0].Value.([]any)
	if !ok {
		return nil, fmt.Errorf("veto policy deny must be a set, got %T", rs[0].Expressions[0].Value)
	}

	reasons := make([]string, 0, len(values))
	for _, v := range values {
		reasons = append(reasons, fmt.Sprint(v))
	}
	sort.Strings(reasons)
	return reasons, nil
}
