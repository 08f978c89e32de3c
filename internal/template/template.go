// Package template clones workflows and fills template parameters.
//
// A template operation refers to a parameter with the token {{param.<name>}}
// in its SQL statement or object name. Substitution is literal: values are
// inserted as given and never rescanned for further tokens. Tokens with no
// value and no default are left in place and reported by UnresolvedTokens.
package template

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/workflow"
)

var tokenPattern = regexp.MustCompile(`\{\{param\.[^{}]*\}\}`)

// Token returns the placeholder for parameter name.
func Token(name string) string {
	return "{{param." + name + "}}"
}

// Store is the workflow persistence the instantiator needs.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (*workflow.TestWorkflow, error)
	SaveWorkflow(ctx context.Context, wf *workflow.TestWorkflow) error
}

// Instantiator creates concrete workflows from templates and clones.
type Instantiator struct {
	store Store
	now   func() time.Time
}

// NewInstantiator creates an Instantiator backed by store.
func NewInstantiator(store Store) *Instantiator {
	return &Instantiator{store: store, now: time.Now}
}

// CreateFromTemplate clones template templateID under newName, substitutes
// values into every operation and saves the result. The source must exist
// and be a template.
func (i *Instantiator) CreateFromTemplate(ctx context.Context, templateID, newName string, values map[string]string) (*workflow.TestWorkflow, error) {
	src, err := i.store.GetWorkflow(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !src.IsTemplate {
		return nil, errors.NewNotFound("template", templateID)
	}

	wf := src.Clone()
	applyValues(wf, values)
	return i.save(ctx, wf, newName)
}

// CloneWorkflow copies sourceID under newName without substitution. The
// copy is never a template.
func (i *Instantiator) CloneWorkflow(ctx context.Context, sourceID, newName string) (*workflow.TestWorkflow, error) {
	src, err := i.store.GetWorkflow(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return i.save(ctx, src.Clone(), newName)
}

func (i *Instantiator) save(ctx context.Context, wf *workflow.TestWorkflow, newName string) (*workflow.TestWorkflow, error) {
	if strings.TrimSpace(newName) != "" {
		wf.Name = newName
	}
	wf.IsTemplate = false
	now := i.now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now

	if err := wf.Validate(); err != nil {
		return nil, err
	}
	if err := i.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to save workflow %s: %w", wf.ID, err)
	}
	return wf, nil
}

// Instantiate returns a copy of wf with values substituted. Ids are kept so
// results can refer to the stored operations. Nothing is persisted.
func Instantiate(wf *workflow.TestWorkflow, values map[string]string) *workflow.TestWorkflow {
	c := wf.Copy()
	applyValues(c, values)
	return c
}

// UnresolvedTokens lists the distinct tokens still present in wf's
// operations, sorted.
func UnresolvedTokens(wf *workflow.TestWorkflow) []string {
	seen := make(map[string]struct{})
	for _, op := range wf.Operations {
		for _, text := range []string{op.SQLStatement, op.ObjectName} {
			for _, tok := range tokenPattern.FindAllString(text, -1) {
				seen[tok] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for tok := range seen {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// Resolve merges supplied values over the non-empty defaults of wf's
// parameters. Supplied values for undeclared names are kept.
func Resolve(wf *workflow.TestWorkflow, values map[string]string) map[string]string {
	out := make(map[string]string, len(values)+len(wf.Parameters))
	for _, p := range wf.Parameters {
		if p.DefaultValue != "" {
			out[p.Name] = p.DefaultValue
		}
	}
	for k, v := range values {
		if v == "" {
			if _, ok := out[k]; ok {
				continue
			}
		}
		out[k] = v
	}
	return out
}

func applyValues(wf *workflow.TestWorkflow, values map[string]string) {
	resolved := Resolve(wf, values)
	if len(resolved) == 0 {
		return
	}

	names := make([]string, 0, len(resolved))
	for k := range resolved {
		names = append(names, k)
	}
	sort.Strings(names)

	pairs := make([]string, 0, 2*len(names))
	for _, k := range names {
		pairs = append(pairs, Token(k), resolved[k])
	}
	r := strings.NewReplacer(pairs...)

	for i := range wf.Operations {
		op := &wf.Operations[i]
		op.SQLStatement = r.Replace(op.SQLStatement)
		op.ObjectName = r.Replace(op.ObjectName)
	}
}
