// Package content models notification payloads and repairs them to fit the
// channel's structural limits before they are queued.
package content

import (
	"strings"
)

// Payload is either Text or Rich.
type Payload interface {
	// Format is "text" or "rich".
	Format() string
	isPayload()
}

// Text is a plain message body.
type Text struct {
	Body string `json:"body"`
}

func (Text) Format() string { return "text" }
func (Text) isPayload()      {}

// Rich is structured content with a plain-text fallback.
type Rich struct {
	AltText string `json:"alt_text"`
	Root    *Node  `json:"root"`
}

func (Rich) Format() string { return "rich" }
func (Rich) isPayload()      {}

type NodeType string

const (
	NodeBubble    NodeType = "bubble"
	NodeBox       NodeType = "box"
	NodeText      NodeType = "text"
	NodeSeparator NodeType = "separator"
	NodeButton    NodeType = "button"
	NodeImage     NodeType = "image"
)

func (t NodeType) Valid() bool {
	switch t {
	case NodeBubble, NodeBox, NodeText, NodeSeparator, NodeButton, NodeImage:
		return true
	}
	return false
}

// Node is one element of a Rich tree.
type Node struct {
	Type            NodeType `json:"type,omitempty"`
	Layout          string   `json:"layout,omitempty"`
	Text            string   `json:"text,omitempty"`
	Size            string   `json:"size,omitempty"`
	Weight          string   `json:"weight,omitempty"`
	Align           string   `json:"align,omitempty"`
	Color           string   `json:"color,omitempty"`
	BackgroundColor string   `json:"background_color,omitempty"`
	URL             string   `json:"url,omitempty"`
	Children        []*Node  `json:"children,omitempty"`
}

// Clone deep-copies the subtree.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if len(n.Children) > 0 {
		c.Children = make([]*Node, len(n.Children))
		for i, ch := range n.Children {
			c.Children[i] = ch.Clone()
		}
	}
	return &c
}

// Walk visits n and its descendants depth first. depth starts at 1.
func (n *Node) Walk(fn func(n *Node, depth int) bool) {
	n.walk(1, fn)
}

func (n *Node) walk(depth int, fn func(*Node, int) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n, depth) {
		return false
	}
	for _, c := range n.Children {
		if !c.walk(depth+1, fn) {
			return false
		}
	}
	return true
}

// FirstText returns the text of the first text node, if any.
func (n *Node) FirstText() string {
	var out string
	n.Walk(func(x *Node, _ int) bool {
		if x.Type == NodeText && strings.TrimSpace(x.Text) != "" {
			out = x.Text
			return false
		}
		return true
	})
	return out
}

// Render flattens a payload into plain text for channels without rich support.
func Render(p Payload) string {
	switch v := p.(type) {
	case Text:
		return v.Body
	case *Text:
		return v.Body
	case Rich:
		return renderRich(v)
	case *Rich:
		return renderRich(*v)
	}
	return ""
}

func renderRich(r Rich) string {
	var lines []string
	r.Root.Walk(func(n *Node, _ int) bool {
		switch n.Type {
		case NodeText, NodeButton:
			if t := strings.TrimSpace(n.Text); t != "" {
				lines = append(lines, t)
			}
		}
		return true
	})
	if len(lines) == 0 {
		return r.AltText
	}
	return strings.Join(lines, "\n")
}
