// Package document renders invoice documents and stores them.
package document

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"path"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/ports"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/artpar/billingd/adapters/document")

// ObjectStore persists rendered documents under a key.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Config selects the document store.
type Config struct {
	Store     string   `yaml:"store"` // local | s3 | none
	LocalDir  string   `yaml:"local_dir"`
	S3        S3Config `yaml:"s3"`
	Issuer    string   `yaml:"issuer"`
	KeyPrefix string   `yaml:"key_prefix"`
}

// Generator renders invoices to HTML and stores them.
type Generator struct {
	store  ObjectStore
	tmpl   *template.Template
	issuer string
	prefix string
}

// NewGenerator creates a generator writing to store.
func NewGenerator(store ObjectStore, issuer, prefix string) *Generator {
	if prefix == "" {
		prefix = "invoices"
	}
	return &Generator{
		store:  store,
		tmpl:   template.Must(template.New("invoice").Parse(invoiceTemplate)),
		issuer: issuer,
		prefix: prefix,
	}
}

// Generate renders inv and returns the stored path.
func (g *Generator) Generate(ctx context.Context, inv billing.Invoice, user ports.User) (string, error) {
	ctx, span := tracer.Start(ctx, "document.Generate")
	defer span.End()

	body, err := g.Render(inv, user)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	key := Key(g.prefix, inv)
	if err := g.store.Put(ctx, key, body, "text/html; charset=utf-8"); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("store invoice %s: %w", inv.Number, err)
	}
	return key, nil
}

// Render produces the invoice HTML.
func (g *Generator) Render(inv billing.Invoice, user ports.User) ([]byte, error) {
	var buf bytes.Buffer
	err := g.tmpl.Execute(&buf, struct {
		Issuer  string
		Invoice billing.Invoice
		User    ports.User
	}{g.issuer, inv, user})
	if err != nil {
		return nil, fmt.Errorf("render invoice %s: %w", inv.Number, err)
	}
	return buf.Bytes(), nil
}

// Key returns the storage key of an invoice document:
// {prefix}/{yyyy}/{mm}/{number}.html
func Key(prefix string, inv billing.Invoice) string {
	return path.Join(prefix, inv.PeriodEnd.Format("2006"), inv.PeriodEnd.Format("01"), inv.Number+".html")
}

// PlaceholderPath is returned when a document cannot be generated.
func PlaceholderPath(number string) string {
	return billing.PlaceholderDocumentPath(number)
}

const invoiceTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Invoice {{.Invoice.Number}}</title></head>
<body>
<h1>{{if .Issuer}}{{.Issuer}} {{end}}Invoice {{.Invoice.Number}}</h1>
<p>Billed to: {{.User.Name}} &lt;{{.User.Email}}&gt;</p>
<p>Period: {{.Invoice.PeriodStart.Format "2006-01-02"}} to {{.Invoice.PeriodEnd.Format "2006-01-02"}}</p>
<p>Due: {{.Invoice.DueDate.Format "2006-01-02"}}</p>
<table>
<tr><td>Subtotal</td><td>{{.Invoice.Amount.StringFixed 2}} {{.Invoice.Currency}}</td></tr>
<tr><td>Tax</td><td>{{.Invoice.TaxAmount.StringFixed 2}} {{.Invoice.Currency}}</td></tr>
<tr><td>Total</td><td>{{.Invoice.TotalAmount.StringFixed 2}} {{.Invoice.Currency}}</td></tr>
</table>
<p>Status: {{.Invoice.Status}}</p>
{{if .Invoice.Notes}}<p>{{.Invoice.Notes}}</p>{{end}}
</body>
</html>
`

// Noop fails every generation, so callers fall back to the placeholder.
type Noop struct{}

// Generate always fails.
func (Noop) Generate(ctx context.Context, inv billing.Invoice, user ports.User) (string, error) {
	return "", fmt.Errorf("document generation disabled")
}

// New builds the configured generator.
func New(ctx context.Context, cfg Config) (ports.DocumentGenerator, error) {
	switch cfg.Store {
	case "local", "":
		dir := cfg.LocalDir
		if dir == "" {
			dir = "data/documents"
		}
		return NewGenerator(NewLocalStore(dir), cfg.Issuer, cfg.KeyPrefix), nil
	case "s3":
		store, err := NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return NewGenerator(store, cfg.Issuer, cfg.KeyPrefix), nil
	case "none":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown document store: %s", cfg.Store)
	}
}

// Ensure interface compliance.
var (
	_ ports.DocumentGenerator = (*Generator)(nil)
	_ ports.DocumentGenerator = Noop{}
)
