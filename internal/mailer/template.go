package mailer

import (
	"bytes"
	"html"
	"html/template"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/types"
)

// TemplateSource says which tier produced an email body
type TemplateSource string

const (
	SourceCustomHTML TemplateSource = "custom_html"
	SourceLinked     TemplateSource = "linked_template"
	SourceBuiltin    TemplateSource = "builtin"
)

// DefaultBuiltinTemplate is used when an automation names an unknown template
const DefaultBuiltinTemplate = "generic"

// Variables are the values available to {{token}} substitution
type Variables struct {
	CustomerName   string
	FirstName      string
	StoreName      string
	UnsubscribeURL string
	DiscountCode   string
	ShopURL        string
}

func (v Variables) lookup(token string) (string, bool) {
	switch token {
	case "customer_name":
		return v.CustomerName, true
	case "first_name":
		return v.FirstName, true
	case "store_name":
		return v.StoreName, true
	case "unsubscribe_url":
		return v.UnsubscribeURL, true
	case "discount_code":
		return v.DiscountCode, true
	case "shop_url":
		return v.ShopURL, true
	}
	return "", false
}

var (
	titleCaser  = cases.Title(language.Und)
	tokenRegexp = regexp.MustCompile(`\{\{\s*([A-Za-z_]+)\s*\}\}`)
)

// NewVariables builds the substitution set for a customer of shop
func NewVariables(shop string, customer *models.Customer, unsubscribeURL, discountCode string) Variables {
	first := strings.TrimSpace(customer.FirstName)
	if first == "" {
		first = "there"
	} else {
		first = titleCaser.String(first)
	}
	name := strings.TrimSpace(customer.Name)
	if name == "" {
		name = first
	}
	return Variables{
		CustomerName:   name,
		FirstName:      first,
		StoreName:      StoreName(shop),
		UnsubscribeURL: unsubscribeURL,
		DiscountCode:   discountCode,
		ShopURL:        types.ShopBaseURL(shop),
	}
}

// StoreName turns a shop id such as "beta-store" into "Beta Store"
func StoreName(shop string) string {
	return titleCaser.String(strings.ReplaceAll(shop, "-", " "))
}

// Substitute replaces {{token}} placeholders. Unknown tokens stay verbatim.
// escape HTML-escapes the substituted values.
func Substitute(text string, vars Variables, escape bool) string {
	return tokenRegexp.ReplaceAllStringFunc(text, func(match string) string {
		name := tokenRegexp.FindStringSubmatch(match)[1]
		value, ok := vars.lookup(name)
		if !ok {
			return match
		}
		if escape {
			return html.EscapeString(value)
		}
		return value
	})
}

// ResolveTemplate picks the body for an automation: its own HTML first, then
// a non-empty linked template, then a built-in template which always renders.
func ResolveTemplate(a *models.Automation, vars Variables) (string, TemplateSource) {
	if a.CustomHTML != nil && strings.TrimSpace(*a.CustomHTML) != "" {
		return Substitute(*a.CustomHTML, vars, true), SourceCustomHTML
	}
	if a.TemplateHTML != nil && strings.TrimSpace(*a.TemplateHTML) != "" {
		return Substitute(*a.TemplateHTML, vars, true), SourceLinked
	}
	return RenderBuiltin(a.BuiltinTemplate, vars), SourceBuiltin
}

const layout = `{{define "layout"}}<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.StoreName}}</title></head>
<body style="font-family:Helvetica,Arial,sans-serif;color:#222;max-width:600px;margin:0 auto;padding:24px">
{{template "content" .}}
<p style="margin-top:32px"><a href="{{.ShopURL}}">Visit {{.StoreName}}</a></p>
<p style="font-size:12px;color:#888">You are receiving this email because you shopped at {{.StoreName}}.
<a href="{{.UnsubscribeURL}}">Unsubscribe</a></p>
</body>
</html>{{end}}`

var builtinBodies = map[string]string{
	"generic": `{{define "content"}}<p>Hi {{.FirstName}},</p>
<p>Thanks for being part of {{.StoreName}}. There is always something new in store for you.</p>
{{if .DiscountCode}}<p>Use code <strong>{{.DiscountCode}}</strong> on your next order.</p>{{end}}{{end}}`,

	"welcome": `{{define "content"}}<p>Welcome, {{.FirstName}}!</p>
<p>We are glad you joined {{.StoreName}}. Take a look around and find something you love.</p>
{{if .DiscountCode}}<p>Here is a welcome gift: <strong>{{.DiscountCode}}</strong></p>{{end}}{{end}}`,

	"first_order": `{{define "content"}}<p>Hi {{.FirstName}},</p>
<p>Thank you for your first order with {{.StoreName}}! We hope you enjoy it.</p>
{{if .DiscountCode}}<p>Come back soon with <strong>{{.DiscountCode}}</strong>.</p>{{end}}{{end}}`,

	"vip": `{{define "content"}}<p>{{.FirstName}}, you are one of our best customers.</p>
<p>As a thank you, we wanted you to be the first to know what is coming next at {{.StoreName}}.</p>
{{if .DiscountCode}}<p>Your VIP code: <strong>{{.DiscountCode}}</strong></p>{{end}}{{end}}`,

	"win_back": `{{define "content"}}<p>We miss you, {{.FirstName}}.</p>
<p>It has been a while since your last visit to {{.StoreName}}. Here is what you have been missing.</p>
{{if .DiscountCode}}<p>Welcome back with <strong>{{.DiscountCode}}</strong>.</p>{{end}}{{end}}`,
}

var builtinTemplates = func() map[string]*template.Template {
	out := make(map[string]*template.Template, len(builtinBodies))
	for id, body := range builtinBodies {
		t := template.Must(template.New(id).Parse(layout))
		out[id] = template.Must(t.Parse(body))
	}
	return out
}()

// BuiltinTemplateIDs lists the built-in template ids
func BuiltinTemplateIDs() []string {
	ids := make([]string, 0, len(builtinBodies))
	for id := range builtinBodies {
		ids = append(ids, id)
	}
	return ids
}

// RenderBuiltin renders a built-in template, falling back to the generic one
// for unknown ids
func RenderBuiltin(id string, vars Variables) string {
	t, ok := builtinTemplates[id]
	if !ok {
		t = builtinTemplates[DefaultBuiltinTemplate]
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", vars); err != nil {
		// Only reachable if a built-in template is broken.
		return "<p>" + html.EscapeString(vars.FirstName) + "</p>"
	}
	return buf.String()
}
