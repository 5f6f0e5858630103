package http

import (
	"bytes"
	"encoding/json"
	"html/template"

	x402 "github.com/x402-foundation/x402-facilitator"
)

// PaywallProvider generates HTML for browser-facing 402 responses.
type PaywallProvider interface {
	Render(required x402.PaymentRequired) (string, error)
}

// templatePaywall renders a html/template with the negotiation body embedded
// as JSON so wallet scripts can pick it up.
type templatePaywall struct {
	tmpl *template.Template
}

type paywallData struct {
	Required    x402.PaymentRequired
	RequiredJSON template.JS
	Description string
	Amount      string
	Network     string
}

const defaultPaywallTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Payment Required</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 40rem; margin: 4rem auto; padding: 0 1rem; }
.amount { font-size: 2rem; font-weight: 600; }
.network { color: #666; }
</style>
</head>
<body>
<h1>Payment Required</h1>
{{if .Description}}<p>{{.Description}}</p>{{end}}
<p class="amount">{{.Amount}}</p>
<p class="network">{{.Network}}</p>
<p>This resource requires payment. Use an x402-capable client or wallet to continue.</p>
<script>
window.x402 = {{.RequiredJSON}};
</script>
</body>
</html>
`

// DefaultPaywall returns the built-in paywall provider.
func DefaultPaywall() PaywallProvider {
	return &templatePaywall{
		tmpl: template.Must(template.New("paywall").Parse(defaultPaywallTemplate)),
	}
}

// NewTemplatePaywall builds a provider from a custom template. The template
// receives the negotiation body and its JSON encoding.
func NewTemplatePaywall(text string) (PaywallProvider, error) {
	tmpl, err := template.New("paywall").Parse(text)
	if err != nil {
		return nil, err
	}
	return &templatePaywall{tmpl: tmpl}, nil
}

func (p *templatePaywall) Render(required x402.PaymentRequired) (string, error) {
	raw, err := json.Marshal(required)
	if err != nil {
		return "", err
	}

	data := paywallData{
		Required:     required,
		RequiredJSON: template.JS(raw),
	}
	if len(required.Accepts) > 0 {
		first := required.Accepts[0]
		data.Description = first.Description
		data.Amount = first.Amount
		data.Network = string(first.Network)
	}

	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
