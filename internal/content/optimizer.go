package content

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Limits are the channel's structural limits. Zero fields take defaults.
type Limits struct {
	MaxTextLength    int
	MaxFieldLength   int
	MaxAltTextLength int
	MaxDepth         int
}

func DefaultLimits() Limits {
	return Limits{MaxTextLength: 2000, MaxFieldLength: 160, MaxAltTextLength: 400, MaxDepth: 5}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxTextLength <= 0 {
		l.MaxTextLength = d.MaxTextLength
	}
	if l.MaxFieldLength <= 0 {
		l.MaxFieldLength = d.MaxFieldLength
	}
	if l.MaxAltTextLength <= 0 {
		l.MaxAltTextLength = d.MaxAltTextLength
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	return l
}

// Optimizer repairs payloads instead of rejecting them. It is stateless and
// safe for concurrent use.
type Optimizer struct {
	limits Limits
}

func NewOptimizer(l Limits) *Optimizer {
	return &Optimizer{limits: l.withDefaults()}
}

func (o *Optimizer) Limits() Limits { return o.limits }

// Optimize returns a repaired copy of p. The input is never mutated.
// Optimize(Optimize(p)) equals Optimize(p).
func (o *Optimizer) Optimize(p Payload) (Payload, error) {
	switch v := p.(type) {
	case Text:
		return o.optimizeText(v)
	case *Text:
		if v == nil {
			return nil, invalid("", "payload is nil")
		}
		return o.optimizeText(*v)
	case Rich:
		return o.optimizeRich(v)
	case *Rich:
		if v == nil {
			return nil, invalid("", "payload is nil")
		}
		return o.optimizeRich(*v)
	case nil:
		return nil, invalid("", "payload is nil")
	default:
		return nil, invalid("", "unsupported payload %T", p)
	}
}

func (o *Optimizer) optimizeText(t Text) (Payload, error) {
	body := strings.TrimSpace(t.Body)
	if body == "" {
		return nil, invalid("body", "text is empty")
	}
	return Text{Body: fixText(body, o.limits.MaxTextLength, truncatedMarker)}, nil
}

func (o *Optimizer) optimizeRich(r Rich) (Payload, error) {
	if r.Root == nil {
		return nil, invalid("root", "root node is required")
	}
	root, err := o.optimizeNode(r.Root.Clone(), 1, "root")
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, invalid("root", "no content left after removing empty nodes")
	}

	alt := cleanField(r.AltText)
	if alt == "" {
		alt = root.FirstText()
	}
	if alt == "" {
		return nil, invalid("alt_text", "alt text is required when the content has no text")
	}
	alt = fixText(alt, o.limits.MaxAltTextLength, ellipsis)
	return Rich{AltText: alt, Root: root}, nil
}

// optimizeNode repairs n in place and returns nil when the node should be removed.
func (o *Optimizer) optimizeNode(n *Node, depth int, path string) (*Node, error) {
	if n == nil {
		return nil, nil
	}
	if depth > o.limits.MaxDepth {
		return nil, invalid(path, "nesting depth %d exceeds %d", depth, o.limits.MaxDepth)
	}

	n.Text = cleanField(n.Text)
	if n.Text != "" {
		n.Text = fixText(n.Text, o.limits.MaxFieldLength, ellipsis)
	}
	n.URL = cleanField(n.URL)

	kids := n.Children[:0]
	for i, c := range n.Children {
		c, err := o.optimizeNode(c, depth+1, fmt.Sprintf("%s.children[%d]", path, i))
		if err != nil {
			return nil, err
		}
		if c != nil {
			kids = append(kids, c)
		}
	}
	if len(kids) == 0 {
		kids = nil
	}
	n.Children = kids

	n.Type = NodeType(strings.ToLower(strings.TrimSpace(string(n.Type))))
	if n.Type == "" {
		switch {
		case n.Text != "":
			n.Type = NodeText
		case len(n.Children) > 0:
			n.Type = NodeBox
		default:
			return nil, nil
		}
	}
	if !n.Type.Valid() {
		return nil, invalid(path, "unknown node type %q", n.Type)
	}
	if isEmptyNode(n) {
		return nil, nil
	}

	n.Layout = normalizeEnum(cleanField(n.Layout), layoutValues, layoutAliases)
	n.Size = normalizeEnum(cleanField(n.Size), sizeValues, sizeAliases)
	n.Weight = normalizeEnum(cleanField(n.Weight), weightValues, weightAliases)
	n.Align = normalizeEnum(cleanField(n.Align), alignValues, alignAliases)
	if c := cleanField(n.Color); c != "" {
		n.Color = normalizeColor(c)
	} else {
		n.Color = ""
	}
	if c := cleanField(n.BackgroundColor); c != "" {
		n.BackgroundColor = normalizeColor(c)
	} else {
		n.BackgroundColor = ""
	}
	return n, nil
}

func isEmptyNode(n *Node) bool {
	switch n.Type {
	case NodeText, NodeButton:
		return n.Text == ""
	case NodeImage:
		return n.URL == ""
	case NodeBox, NodeBubble:
		return len(n.Children) == 0
	}
	return false
}

// Validate runs the structural checks without mutating p.
func (o *Optimizer) Validate(p Payload) Report {
	var issues []Issue
	add := func(path, format string, args ...any) {
		issues = append(issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	switch v := p.(type) {
	case Text:
		o.validateText(v, add)
	case *Text:
		if v == nil {
			add("", "payload is nil")
		} else {
			o.validateText(*v, add)
		}
	case Rich:
		o.validateRich(v, add)
	case *Rich:
		if v == nil {
			add("", "payload is nil")
		} else {
			o.validateRich(*v, add)
		}
	default:
		add("", "unsupported payload %T", p)
	}
	return Report{Valid: len(issues) == 0, Issues: issues}
}

type addFunc func(path, format string, args ...any)

func (o *Optimizer) validateText(t Text, add addFunc) {
	if strings.TrimSpace(t.Body) == "" {
		add("body", "text is empty")
		return
	}
	if n := utf8.RuneCountInString(t.Body); n > o.limits.MaxTextLength {
		add("body", "length %d exceeds %d", n, o.limits.MaxTextLength)
	}
	if hasArtifact(t.Body) {
		add("body", "contains placeholder artifact")
	}
}

func (o *Optimizer) validateRich(r Rich, add addFunc) {
	if strings.TrimSpace(r.AltText) == "" {
		add("alt_text", "alt text is required")
	} else if n := utf8.RuneCountInString(r.AltText); n > o.limits.MaxAltTextLength {
		add("alt_text", "length %d exceeds %d", n, o.limits.MaxAltTextLength)
	}
	if r.Root == nil {
		add("root", "root node is required")
		return
	}
	o.validateNode(r.Root, 1, "root", add)
}

func (o *Optimizer) validateNode(n *Node, depth int, path string, add addFunc) {
	if n == nil {
		add(path, "node is null")
		return
	}
	if depth > o.limits.MaxDepth {
		add(path, "nesting depth %d exceeds %d", depth, o.limits.MaxDepth)
		return
	}
	switch {
	case n.Type == "":
		add(path, "type is required")
	case !n.Type.Valid():
		add(path, "unknown node type %q", n.Type)
	}
	checkEnum := func(field, v string, allowed map[string]struct{}) {
		if v != "" && !inSet(v, allowed) {
			add(path+"."+field, "invalid value %q", v)
		}
	}
	checkEnum("layout", n.Layout, layoutValues)
	checkEnum("size", n.Size, sizeValues)
	checkEnum("weight", n.Weight, weightValues)
	checkEnum("align", n.Align, alignValues)
	if n.Color != "" && !hexColor.MatchString(n.Color) {
		add(path+".color", "invalid color %q", n.Color)
	}
	if n.BackgroundColor != "" && !hexColor.MatchString(n.BackgroundColor) {
		add(path+".background_color", "invalid color %q", n.BackgroundColor)
	}
	if l := utf8.RuneCountInString(n.Text); l > o.limits.MaxFieldLength {
		add(path+".text", "length %d exceeds %d", l, o.limits.MaxFieldLength)
	}
	if hasArtifact(n.Text) {
		add(path+".text", "contains placeholder artifact")
	}
	for i, c := range n.Children {
		o.validateNode(c, depth+1, fmt.Sprintf("%s.children[%d]", path, i), add)
	}
}
