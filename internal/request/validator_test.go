package request_test

import (
	"errors"
	"testing"

	"github.com/basket/quoteflow/internal/request"
)

func newValidator(t *testing.T) *request.Validator {
	t.Helper()
	v, err := request.NewValidator()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	return v
}

func TestValidate_AcceptsWellFormedEnvelope(t *testing.T) {
	v := newValidator(t)
	_, err := v.Validate([]byte(`{
		"quote_id": "quote-1",
		"operation_kind": "send_quote_email",
		"operation_key": "quote-1:send_quote_email:v1",
		"payload": {"to": "buyer@example.com"},
		"max_retries": 5
	}`))
	if err != nil {
		t.Fatalf("expected valid envelope, got %v", err)
	}
}

func TestValidate_RejectsBadEnvelopes(t *testing.T) {
	v := newValidator(t)
	cases := map[string]string{
		"not json":         `{oops`,
		"missing key":      `{"quote_id":"q","operation_kind":"send_email","payload":{}}`,
		"empty quote":      `{"quote_id":"","operation_kind":"send_email","operation_key":"k","payload":{}}`,
		"bad kind pattern": `{"quote_id":"q","operation_kind":"Send Email","operation_key":"k","payload":{}}`,
		"payload not obj":  `{"quote_id":"q","operation_kind":"send_email","operation_key":"k","payload":"text"}`,
		"unknown field":    `{"quote_id":"q","operation_kind":"send_email","operation_key":"k","payload":{},"extra":1}`,
		"zero max_retries": `{"quote_id":"q","operation_kind":"send_email","operation_key":"k","payload":{},"max_retries":0}`,
	}
	for name, raw := range cases {
		if _, err := v.Validate([]byte(raw)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		} else {
			var verr *request.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("%s: expected ValidationError, got %T", name, err)
			}
		}
	}
}

func TestValidate_PerKindPayloadSchema(t *testing.T) {
	v := newValidator(t)
	err := v.RegisterPayloadSchema("send_quote_email", `{
		"type": "object",
		"required": ["to"],
		"properties": {"to": {"type": "string", "format": "email"}}
	}`)
	if err != nil {
		t.Fatalf("register payload schema: %v", err)
	}

	if _, err := v.Validate([]byte(`{
		"quote_id": "q", "operation_kind": "send_quote_email",
		"operation_key": "k", "payload": {"to": "buyer@example.com"}
	}`)); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}

	if _, err := v.Validate([]byte(`{
		"quote_id": "q", "operation_kind": "send_quote_email",
		"operation_key": "k", "payload": {}
	}`)); err == nil {
		t.Fatal("expected payload validation error for missing recipient")
	}

	// Kinds without a registered schema only get envelope checks.
	if _, err := v.Validate([]byte(`{
		"quote_id": "q", "operation_kind": "reserve_inventory",
		"operation_key": "k2", "payload": {"anything": true}
	}`)); err != nil {
		t.Fatalf("unregistered kind must pass envelope-only, got %v", err)
	}
}

func TestRegisterPayloadSchema_RejectsMalformedSchema(t *testing.T) {
	v := newValidator(t)
	if err := v.RegisterPayloadSchema("x", `{"type": 42}`); err == nil {
		t.Fatal("expected error for malformed schema")
	}
}
