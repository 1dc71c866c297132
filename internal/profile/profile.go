// Package profile describes what the automation loop does to a page: where
// to open it, when it is ready, how to fill it and how to submit it.
package profile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"
)

var ErrUnknownProfile = errors.New("unknown profile")

// Label sources.
const (
	LabelSubject = "subject"
	LabelMessage = "message"
)

// Profile is the declarative form, as found in config. Script fields are
// text/template sources; values are inserted with {{json ...}} so they always
// reach the page as JavaScript literals.
//
// Template data: .Item .Subject .Message and .Sel (selector map).
type Profile struct {
	Name            string            `json:"name"`
	AddressTemplate string            `json:"address"`
	Ready           string            `json:"ready"`
	Fill            string            `json:"fill"`
	Submit          string            `json:"submit"`
	Selectors       map[string]string `json:"selectors,omitempty"`
	LabelFrom       string            `json:"label_from,omitempty"`
	// HTMLMessage keeps safe HTML in messages (UGC policy) instead of
	// reducing them to plain text.
	HTMLMessage bool `json:"html_message,omitempty"`
}

// Args is the per-item input to the scripts.
type Args struct {
	Item    string
	Subject string
	Message string
}

type scriptData struct {
	Args
	Sel map[string]string
}

// Compiled is a parsed, ready-to-use profile.
type Compiled struct {
	p Profile

	address *template.Template
	ready   *template.Template
	fill    *template.Template
	submit  *template.Template
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

func Compile(p Profile) (*Compiled, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, errors.New("profile name is required")
	}
	if strings.TrimSpace(p.AddressTemplate) == "" {
		return nil, fmt.Errorf("profile %s: address is required", p.Name)
	}
	c := &Compiled{p: p}
	var err error
	parse := func(field, src string) *template.Template {
		if err != nil {
			return nil
		}
		var t *template.Template
		t, err = template.New(p.Name + "." + field).Funcs(funcs).Option("missingkey=zero").Parse(src)
		if err != nil {
			err = fmt.Errorf("profile %s: %s: %w", p.Name, field, err)
		}
		return t
	}
	c.address = parse("address", p.AddressTemplate)
	c.ready = parse("ready", orDefault(p.Ready, "true"))
	c.fill = parse("fill", orDefault(p.Fill, "true"))
	c.submit = parse("submit", orDefault(p.Submit, "true"))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func (c *Compiled) Name() string      { return c.p.Name }
func (c *Compiled) HTMLMessage() bool { return c.p.HTMLMessage }
func (c *Compiled) Profile() Profile  { return c.p }

func (c *Compiled) render(t *template.Template, a Args) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, scriptData{Args: a, Sel: c.p.Selectors}); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (c *Compiled) Address(item string) (string, error) {
	return c.render(c.address, Args{Item: item})
}

func (c *Compiled) ReadyScript(a Args) (string, error)  { return c.render(c.ready, a) }
func (c *Compiled) FillScript(a Args) (string, error)   { return c.render(c.fill, a) }
func (c *Compiled) SubmitScript(a Args) (string, error) { return c.render(c.submit, a) }

// Label is the human summary recorded in history.
func (c *Compiled) Label(a Args) string {
	var s string
	switch c.p.LabelFrom {
	case LabelMessage:
		s = firstLine(a.Message)
	default:
		s = a.Subject
		if s == "" {
			s = firstLine(a.Message)
		}
	}
	if s == "" {
		return a.Item
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	const max = 80
	if r := []rune(s); len(r) > max {
		s = string(r[:max-1]) + "…"
	}
	return s
}

// Merge overlays o onto base. Empty fields in o keep base values; selectors
// are merged key by key.
func Merge(base, o Profile) Profile {
	out := base
	if o.Name != "" {
		out.Name = o.Name
	}
	if o.AddressTemplate != "" {
		out.AddressTemplate = o.AddressTemplate
	}
	if o.Ready != "" {
		out.Ready = o.Ready
	}
	if o.Fill != "" {
		out.Fill = o.Fill
	}
	if o.Submit != "" {
		out.Submit = o.Submit
	}
	if o.LabelFrom != "" {
		out.LabelFrom = o.LabelFrom
	}
	if o.HTMLMessage {
		out.HTMLMessage = true
	}
	if len(base.Selectors) > 0 || len(o.Selectors) > 0 {
		sel := make(map[string]string, len(base.Selectors)+len(o.Selectors))
		for k, v := range base.Selectors {
			sel[k] = v
		}
		for k, v := range o.Selectors {
			sel[k] = v
		}
		out.Selectors = sel
	}
	return out
}

// Registry resolves profile names to compiled profiles. Configured profiles
// override built-ins of the same name field by field.
type Registry struct {
	byName map[string]*Compiled
}

func NewRegistry(configured map[string]Profile) (*Registry, error) {
	all := Builtins()
	for name, p := range configured {
		p.Name = name
		if base, ok := all[name]; ok {
			p = Merge(base, p)
		}
		all[name] = p
	}
	r := &Registry{byName: make(map[string]*Compiled, len(all))}
	for name, p := range all {
		c, err := Compile(p)
		if err != nil {
			return nil, err
		}
		r.byName[name] = c
	}
	return r, nil
}

func (r *Registry) Get(name string) (*Compiled, error) {
	c, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return c, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
