// Package template reads node templates: HCL files describing nodes to
// allocate together with their attachments.
//
//	node "web-1" {
//	  cluster = "rack-a"
//	  parent  = "db-1"
//	  tags    = ["web"]
//
//	  attachment "jre" {
//	    source { java = "21" }
//	    on_host = true
//	    step "link" { files = ["bin/java"] }
//	  }
//
//	  attachment "app" {
//	    source { directory = "./build" }
//	    depends_on = ["jre"]
//	    step "copy" {
//	      include = ["*.jar"]
//	      into    = "lib"
//	    }
//	  }
//	}
//
// Expressions may read the environment through env, for example
// env.APP_VERSION.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"nodefleet/internal/attach"
	"nodefleet/internal/cluster"
	"nodefleet/internal/node"
	"nodefleet/internal/packages"

	"github.com/containerd/errdefs"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

type hclFile struct {
	Nodes []*hclNode `hcl:"node,block"`
}

type hclNode struct {
	Name        string           `hcl:"name,label"`
	Cluster     string           `hcl:"cluster,optional"`
	Parent      string           `hcl:"parent,optional"`
	Tags        []string         `hcl:"tags,optional"`
	Attachments []*hclAttachment `hcl:"attachment,block"`
}

type hclAttachment struct {
	Name      string     `hcl:"name,label"`
	Source    *hclSource `hcl:"source,block"`
	OnHost    bool       `hcl:"on_host,optional"`
	DependsOn []string   `hcl:"depends_on,optional"`
	Steps     []*hclStep `hcl:"step,block"`
}

type hclSource struct {
	Directory     string           `hcl:"directory,optional"`
	Package       string           `hcl:"package,optional"`
	Version       string           `hcl:"version,optional"`
	Java          string           `hcl:"java,optional"`
	JavaType      string           `hcl:"java_type,optional"`
	JavaMajorOnly bool             `hcl:"java_major_only,optional"`
	Files         []*hclFileSource `hcl:"file,block"`
}

type hclFileSource struct {
	Name string `hcl:"name,label"`
	URL  string `hcl:"url"`
}

type hclStep struct {
	Kind      string   `hcl:"kind,label"`
	Include   []string `hcl:"include,optional"`
	Files     []string `hcl:"files,optional"`
	Into      string   `hcl:"into,optional"`
	Libraries []string `hcl:"libraries,optional"`
}

// Node is one node read from a template.
type Node struct {
	Name    string
	Cluster string
	Parent  string
	Tags    []string
	// Attachments are the roots of the node's attachment graph.
	Attachments []*attach.Attachment
}

// Request is the allocation request for n.
func (n Node) Request() cluster.Request {
	req := cluster.Request{ParentNode: n.Parent, Node: n.Name, Tags: n.Tags}
	for _, a := range n.Attachments {
		req.Components = append(req.Components, a)
	}
	return req
}

// ParseFile reads the template at path. Relative directory sources resolve
// against the template's directory.
func ParseFile(path string) ([]Node, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve template path: %w", err)
	}
	return Parse(src, abs)
}

// Parse decodes template source. filename names the source in diagnostics and
// anchors relative directory sources.
func Parse(src []byte, filename string) ([]Node, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse template %s: %w: %w", filename, diags, errdefs.ErrInvalidArgument)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(f.Body, evalContext(), &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("decode template %s: %w: %w", filename, diags, errdefs.ErrInvalidArgument)
	}

	base := filepath.Dir(filename)
	seen := make(map[string]bool, len(parsed.Nodes))
	out := make([]Node, 0, len(parsed.Nodes))
	for _, hn := range parsed.Nodes {
		if err := node.ValidateName(hn.Name); err != nil {
			return nil, fmt.Errorf("template %s: %w", filename, err)
		}
		if seen[hn.Name] {
			return nil, fmt.Errorf("template %s: node %q declared twice: %w", filename, hn.Name, errdefs.ErrInvalidArgument)
		}
		seen[hn.Name] = true

		roots, err := buildAttachments(hn.Attachments, base)
		if err != nil {
			return nil, fmt.Errorf("template %s: node %q: %w", filename, hn.Name, err)
		}
		out = append(out, Node{
			Name:        hn.Name,
			Cluster:     strings.TrimSpace(hn.Cluster),
			Parent:      strings.TrimSpace(hn.Parent),
			Tags:        hn.Tags,
			Attachments: roots,
		})
	}
	return out, nil
}

func evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(env)},
	}
}

// buildAttachments builds every declared attachment, dependencies first, and
// returns the ones no other attachment depends on.
func buildAttachments(decls []*hclAttachment, base string) ([]*attach.Attachment, error) {
	byName := make(map[string]*hclAttachment, len(decls))
	for _, d := range decls {
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("attachment %q declared twice: %w", d.Name, errdefs.ErrInvalidArgument)
		}
		byName[d.Name] = d
	}

	built := make(map[string]*attach.Attachment, len(decls))
	visiting := make(map[string]bool)
	var build func(name string) (*attach.Attachment, error)
	build = func(name string) (*attach.Attachment, error) {
		if a, ok := built[name]; ok {
			return a, nil
		}
		d, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("attachment %q is not declared: %w", name, errdefs.ErrNotFound)
		}
		if visiting[name] {
			return nil, fmt.Errorf("attachment %q depends on itself: %w", name, errdefs.ErrInvalidArgument)
		}
		visiting[name] = true
		defer delete(visiting, name)

		var opts []attach.Option
		for _, dep := range d.DependsOn {
			da, err := build(dep)
			if err != nil {
				return nil, err
			}
			opts = append(opts, attach.DependsOn(da))
		}
		if d.OnHost {
			opts = append(opts, attach.OnHost())
		}
		key, err := sourceKey(d.Source, base)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: %w", name, err)
		}
		step, err := buildStep(d.Steps)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: %w", name, err)
		}
		a, err := attach.New(key, step, opts...)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: %w", name, err)
		}
		built[name] = a
		return a, nil
	}

	depended := make(map[string]bool)
	for _, d := range decls {
		for _, dep := range d.DependsOn {
			depended[dep] = true
		}
	}
	var roots []*attach.Attachment
	for _, d := range decls {
		a, err := build(d.Name)
		if err != nil {
			return nil, err
		}
		if !depended[d.Name] {
			roots = append(roots, a)
		}
	}
	return roots, nil
}

func sourceKey(s *hclSource, base string) (packages.Key, error) {
	if s == nil {
		return nil, fmt.Errorf("source block is required: %w", errdefs.ErrInvalidArgument)
	}
	var keys []packages.Key
	if s.Directory != "" {
		dir := s.Directory
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(base, dir)
		}
		keys = append(keys, packages.DirectoryKey{Path: filepath.Clean(dir)})
	}
	if s.Package != "" {
		keys = append(keys, packages.ProvidedKey{Name: s.Package, Version: s.Version})
	}
	if s.Java != "" {
		keys = append(keys, packages.JavaKey{Type: s.JavaType, Version: s.Java, MajorOnly: s.JavaMajorOnly})
	}
	if len(s.Files) > 0 {
		var fk packages.FilesKey
		for _, f := range s.Files {
			fk.Files = append(fk.Files, packages.FileSource{URL: f.URL, Name: f.Name})
		}
		keys = append(keys, fk)
	}
	if len(keys) != 1 {
		return nil, fmt.Errorf("source must set exactly one of directory, package, java or file blocks: %w", errdefs.ErrInvalidArgument)
	}
	if err := packages.Validate(keys[0]); err != nil {
		return nil, err
	}
	return keys[0], nil
}

func buildStep(decls []*hclStep) (attach.Step, error) {
	steps := make(attach.Sequence, 0, len(decls))
	for _, d := range decls {
		switch d.Kind {
		case "copy":
			steps = append(steps, attach.CopyFiles{Include: d.Include, Into: d.Into})
		case "link":
			steps = append(steps, attach.LinkFiles{Include: d.Include, Files: d.Files, Into: d.Into})
		case "load":
			steps = append(steps, attach.LoadLibraries{Libraries: d.Libraries})
		default:
			return nil, fmt.Errorf("unknown step %q: %w", d.Kind, errdefs.ErrInvalidArgument)
		}
	}
	switch len(steps) {
	case 0:
		return attach.CopyFiles{}, nil
	case 1:
		return steps[0], nil
	default:
		return steps, nil
	}
}
