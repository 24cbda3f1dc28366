package document

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/ports"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"
)

func testInvoice() billing.Invoice {
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return billing.Invoice{
		ID:          "inv-1",
		Number:      "INV-20260301-00042",
		Amount:      decimal.NewFromInt(100),
		TaxAmount:   decimal.RequireFromString("20"),
		TotalAmount: decimal.RequireFromString("120"),
		Currency:    "USD",
		Status:      billing.InvoiceStatusPending,
		PeriodStart: end.AddDate(0, 0, -30),
		PeriodEnd:   end,
		DueDate:     end,
	}
}

func TestGenerator_LocalStore(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(NewLocalStore(dir), "Acme", "")

	path, err := g.Generate(context.Background(), testInvoice(), ports.User{Name: "Ada <script>", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if path != "invoices/2026/03/INV-20260301-00042.html" {
		t.Errorf("path = %s", path)
	}

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(path)))
	if err != nil {
		t.Fatalf("read document: %v", err)
	}
	body := string(data)
	for _, want := range []string{"Acme Invoice INV-20260301-00042", "120.00 USD", "20.00 USD", "2026-01-30"} {
		if !strings.Contains(body, want) {
			t.Errorf("document missing %q", want)
		}
	}
	if strings.Contains(body, "<script>") {
		t.Error("user name was not escaped")
	}
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, f.err
}

func TestS3Store_Put(t *testing.T) {
	fake := &fakeS3{}
	store := &S3Store{client: fake, bucket: "docs"}

	if err := store.Put(context.Background(), "invoices/a.html", []byte("hello"), "text/html"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if *fake.input.Bucket != "docs" || *fake.input.Key != "invoices/a.html" || string(fake.body) != "hello" {
		t.Errorf("input = %+v body=%s", fake.input, fake.body)
	}
	if fake.input.Metadata["checksum-sha256"] != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("checksum = %s", fake.input.Metadata["checksum-sha256"])
	}

	fake.err = errors.New("access denied")
	if err := store.Put(context.Background(), "k", nil, "text/html"); err == nil {
		t.Error("expected upload error")
	}
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), S3Config{}); err == nil {
		t.Error("expected error without bucket")
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	if g, err := New(ctx, Config{Store: "local", LocalDir: t.TempDir()}); err != nil || g == nil {
		t.Errorf("New(local) = %v, %v", g, err)
	}
	g, err := New(ctx, Config{Store: "none"})
	if err != nil {
		t.Fatalf("New(none) error = %v", err)
	}
	if _, err := g.Generate(ctx, testInvoice(), ports.User{}); err == nil {
		t.Error("Noop.Generate should fail")
	}
	if _, err := New(ctx, Config{Store: "ftp"}); err == nil {
		t.Error("expected error for unknown store")
	}
}

func TestPlaceholderPath(t *testing.T) {
	if got := PlaceholderPath("INV-20260301-00001"); got != "invoices/placeholder/INV-20260301-00001.pdf" {
		t.Errorf("PlaceholderPath = %s", got)
	}
}
