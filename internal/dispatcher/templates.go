package dispatcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pricepush/internal/alert"
	"pricepush/internal/content"
	"pricepush/internal/market"
)

const (
	colorUp      = "#16a34a"
	colorDown    = "#dc2626"
	colorMuted   = "#6b7280"
	colorHeadBg  = "#111827"
	colorHeadTxt = "#ffffff"
)

// MarketUpdate is a multi-symbol price digest.
type MarketUpdate struct {
	ID        string
	Title     string
	Snapshots []market.Snapshot
	At        time.Time
}

type Announcement struct {
	ID    string
	Title string
	Body  string
	URL   string
}

// UserData is what the welcome message knows about a new user.
type UserData struct {
	Name string
}

func formatPrice(d decimal.Decimal) string {
	if d.Abs().GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return d.StringFixed(2)
	}
	return d.Truncate(8).String()
}

func formatChange(d decimal.Decimal) string {
	s := d.StringFixed(2) + "%"
	if d.IsPositive() {
		return "+" + s
	}
	return s
}

func changeColor(d decimal.Decimal) string {
	if d.IsNegative() {
		return colorDown
	}
	return colorUp
}

func header(title string) *content.Node {
	return &content.Node{
		Type:            content.NodeBox,
		Layout:          "vertical",
		BackgroundColor: colorHeadBg,
		Children: []*content.Node{
			{Type: content.NodeText, Text: title, Weight: "bold", Size: "lg", Color: colorHeadTxt},
		},
	}
}

func row(label, value, color string) *content.Node {
	return &content.Node{
		Type:   content.NodeBox,
		Layout: "horizontal",
		Children: []*content.Node{
			{Type: content.NodeText, Text: label, Size: "sm", Color: colorMuted},
			{Type: content.NodeText, Text: value, Size: "sm", Align: "end", Color: color},
		},
	}
}

func describe(ev alert.Event) string {
	th := formatPrice(ev.Threshold)
	switch ev.Type {
	case alert.PriceAbove:
		return "rose above " + th
	case alert.PriceBelow:
		return "fell below " + th
	case alert.PercentChange:
		return "moved " + formatChange(ev.Snapshot.ChangePercent) + " in 24h"
	case alert.VolumeSpike:
		return "volume spiked " + ev.Threshold.String() + "x"
	}
	return string(ev.Type)
}

func priceAlertPayload(ev alert.Event) content.Payload {
	s := ev.Snapshot
	title := fmt.Sprintf("%s %s", s.Symbol, describe(ev))
	body := &content.Node{
		Type:   content.NodeBox,
		Layout: "vertical",
		Children: []*content.Node{
			row("Price", formatPrice(s.Price), ""),
			row("24h change", formatChange(s.ChangePercent), changeColor(s.ChangePercent)),
			row("24h high / low", formatPrice(s.High)+" / "+formatPrice(s.Low), ""),
			row("24h volume", s.Volume.StringFixed(2), ""),
			{Type: content.NodeSeparator},
			{Type: content.NodeText, Text: "Triggered " + ev.TriggeredAt.UTC().Format("2006-01-02 15:04 MST"), Size: "xs", Color: colorMuted},
		},
	}
	return content.Rich{
		AltText: fmt.Sprintf("%s: now %s (%s)", title, formatPrice(s.Price), formatChange(s.ChangePercent)),
		Root:    &content.Node{Type: content.NodeBubble, Children: []*content.Node{header(title), body}},
	}
}

func marketUpdatePayload(u MarketUpdate) content.Payload {
	title := u.Title
	if title == "" {
		title = "Market update"
	}
	rows := make([]*content.Node, 0, len(u.Snapshots))
	alt := make([]string, 0, len(u.Snapshots))
	for _, s := range u.Snapshots {
		v := formatPrice(s.Price) + " (" + formatChange(s.ChangePercent) + ")"
		rows = append(rows, row(s.Symbol, v, changeColor(s.ChangePercent)))
		alt = append(alt, s.Symbol+" "+v)
	}
	return content.Rich{
		AltText: title + ": " + strings.Join(alt, ", "),
		Root: &content.Node{Type: content.NodeBubble, Children: []*content.Node{
			header(title),
			{Type: content.NodeBox, Layout: "vertical", Children: rows},
		}},
	}
}

func announcementPayload(a Announcement) content.Payload {
	children := []*content.Node{
		{Type: content.NodeText, Text: a.Body, Size: "md"},
	}
	if a.URL != "" {
		children = append(children, &content.Node{Type: content.NodeButton, Text: "Read more", URL: a.URL})
	}
	return content.Rich{
		AltText: a.Title + ": " + a.Body,
		Root: &content.Node{Type: content.NodeBubble, Children: []*content.Node{
			header(a.Title),
			{Type: content.NodeBox, Layout: "vertical", Children: children},
		}},
	}
}

func welcomePayload(u UserData) content.Payload {
	name := strings.TrimSpace(u.Name)
	if name == "" {
		name = "there"
	}
	return content.Text{Body: fmt.Sprintf("Welcome, %s! You will get price alerts and market updates here. Set up your first alert to get started.", name)}
}
