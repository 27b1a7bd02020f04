package r4

import (
	"errors"
	"fmt"
	"strings"
)

// Graph errors
var (
	ErrNoComposition       = errors.New("bundle has no composition")
	ErrMultipleComposition = errors.New("bundle has more than one composition")
	ErrDanglingReference   = errors.New("reference does not resolve within bundle")
	ErrDuplicateResource   = errors.New("duplicate resource in bundle")
)

// Edge is a typed reference from one resource to another.
type Edge struct {
	From string
	To   string
	Type string
}

// Node is a resource of the bundle together with its outgoing edges.
type Node struct {
	Key      string
	Resource Resource
	Edges    []Edge
}

// Graph indexes the resources of a Bundle by "Type/id" and full URL so that
// references can be resolved without scanning entries.
type Graph struct {
	bundle *Bundle
	nodes  map[string]*Node
	byURL  map[string]*Node
	order  []*Node
}

// NewGraph indexes the entries of b. The bundle is not copied; later changes
// to it are not reflected in the graph.
func NewGraph(b *Bundle) *Graph {
	g := &Graph{
		bundle: b,
		nodes:  make(map[string]*Node),
		byURL:  make(map[string]*Node),
	}
	if b == nil {
		return g
	}
	for i := range b.Entry {
		g.index(b.Entry[i])
	}
	return g
}

func (g *Graph) index(entry BundleEntry) {
	res := entry.Resource
	if res == nil {
		return
	}
	node := &Node{Key: Key(res), Resource: res}
	for _, ref := range res.References() {
		node.Edges = append(node.Edges, Edge{From: node.Key, To: ref.Reference, Type: ref.ResourceType()})
	}
	if _, exists := g.nodes[node.Key]; !exists {
		g.nodes[node.Key] = node
	}
	if entry.FullURL != "" {
		g.byURL[entry.FullURL] = node
	}
	g.order = append(g.order, node)
}

// Bundle returns the indexed bundle.
func (g *Graph) Bundle() *Bundle {
	return g.bundle
}

// Node returns the node addressed by a "Type/id" key or entry full URL.
func (g *Graph) Node(ref string) (*Node, bool) {
	if n, ok := g.nodes[ref]; ok {
		return n, true
	}
	if n, ok := g.byURL[ref]; ok {
		return n, true
	}
	return nil, false
}

// Resolve returns the resource a reference points at.
func (g *Graph) Resolve(ref *Reference) (Resource, bool) {
	if ref == nil || ref.Reference == "" {
		return nil, false
	}
	n, ok := g.Node(ref.Reference)
	if !ok {
		return nil, false
	}
	return n.Resource, true
}

// Has reports whether a resource with the given key is present.
func (g *Graph) Has(key string) bool {
	_, ok := g.nodes[key]
	return ok
}

// OfType returns all resources of a type in bundle order.
func (g *Graph) OfType(resourceType string) []Resource {
	var out []Resource
	for _, n := range g.order {
		if n.Resource.GetResourceType() == resourceType {
			out = append(out, n.Resource)
		}
	}
	return out
}

// Composition returns the single Composition of the bundle.
func (g *Graph) Composition() (*Composition, error) {
	found := g.OfType("Composition")
	switch len(found) {
	case 0:
		return nil, ErrNoComposition
	case 1:
		return found[0].(*Composition), nil
	default:
		return nil, fmt.Errorf("%w: found %d", ErrMultipleComposition, len(found))
	}
}

// CheckReferences verifies that every local reference resolves and no
// resource key appears twice.
func (g *Graph) CheckReferences() error {
	var errs []error
	seen := make(map[string]bool, len(g.order))
	for _, n := range g.order {
		if seen[n.Key] {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateResource, n.Key))
		}
		seen[n.Key] = true
		for _, e := range n.Edges {
			if !isLocal(e.To) {
				continue
			}
			if _, ok := g.Node(e.To); !ok {
				errs = append(errs, fmt.Errorf("%w: %s -> %s", ErrDanglingReference, e.From, e.To))
			}
		}
	}
	return errors.Join(errs...)
}

// isLocal reports whether a reference is a relative "Type/id" reference.
func isLocal(ref string) bool {
	if strings.HasPrefix(ref, "#") || strings.Contains(ref, "://") || strings.HasPrefix(ref, "urn:") {
		return false
	}
	typ, id, ok := strings.Cut(ref, "/")
	return ok && typ != "" && id != "" && !strings.Contains(id, "/")
}
