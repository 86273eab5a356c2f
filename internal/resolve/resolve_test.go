package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/crm"
)

func testLog(t *testing.T) *logrus.Entry {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", t.Name())
}

func TestPhoneVariationsOrder(t *testing.T) {
	got := PhoneVariations("+37256789012")
	want := []string{"37256789012", "+3725678901", "56789012"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPhoneVariationsAddsPrefixWhenMissing(t *testing.T) {
	got := PhoneVariations("56789012")
	want := []string{"6789012", "5678901", "+37256789012"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPhoneVariationsShortNumberSkipped(t *testing.T) {
	if got := PhoneVariations("12345"); got != nil {
		t.Fatalf("got %v, want nil for short number", got)
	}
}

func TestCompanyVariations(t *testing.T) {
	got := CompanyVariations("AB Torutööd OÜ")
	want := []string{"Torutööd", "AB Torutööd"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

type lookupFunc func(criteria map[string]string) map[string]any

func lookupServer(t *testing.T, fn lookupFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			LookupCriteria map[string]string `json:"lookupCriteria"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode lookup: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(fn(body.LookupCriteria))
	}))
}

func newResolver(t *testing.T, lookupURL string) *Resolver {
	t.Helper()
	client := crm.NewClient("http://unused/", lookupURL, "http://unused/", 5*time.Second, testLog(t))
	return New(client, testLog(t))
}

func TestResolveVariationRecordsCriteriaUsed(t *testing.T) {
	srv := lookupServer(t, func(criteria map[string]string) map[string]any {
		if criteria["phoneNumber"] == "2345678" {
			return map[string]any{
				"customerFound":   true,
				"customerDetails": map[string]any{"id": "cust-1", "name": "Test Klient"},
			}
		}
		return map[string]any{"customerFound": false}
	})
	defer srv.Close()

	criteria := map[string]string{"phoneNumber": "12345678", "customerType": "ERAKLIENT"}
	match, err := newResolver(t, srv.URL).Resolve(context.Background(), "token", criteria, "12345678")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !match.Found || match.CustomerID != "cust-1" {
		t.Fatalf("match = %+v", match)
	}
	if match.Criteria["phoneNumber"] != "2345678" {
		t.Fatalf("recorded criteria %v, want the drop-first variation", match.Criteria)
	}
}

func TestResolveTerminalMiss(t *testing.T) {
	srv := lookupServer(t, func(map[string]string) map[string]any {
		return map[string]any{"customerFound": false}
	})
	defer srv.Close()

	criteria := map[string]string{"phoneNumber": "12345678"}
	match, err := newResolver(t, srv.URL).Resolve(context.Background(), "token", criteria, "12345678")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if match.Found {
		t.Fatal("match.Found should be false")
	}
	if match.CustomerID != "unknown-12345678" {
		t.Fatalf("placeholder id = %q", match.CustomerID)
	}
}

func TestResolveMissingFoundFlagImpliesFound(t *testing.T) {
	srv := lookupServer(t, func(map[string]string) map[string]any {
		return map[string]any{"customer": map[string]any{"id": "c-9"}}
	})
	defer srv.Close()

	match, err := newResolver(t, srv.URL).Resolve(context.Background(), "token",
		map[string]string{"phoneNumber": "5551234567"}, "x")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !match.Found || match.CustomerID != "c-9" {
		t.Fatalf("match = %+v", match)
	}
}

func TestCustomerDetailsCandidateKeys(t *testing.T) {
	body := map[string]any{
		"data": map[string]any{"id": "from-data"},
	}
	if got := customerDetails(body); got["id"] != "from-data" {
		t.Fatalf("got %v", got)
	}
	whole := map[string]any{"id": "whole", "name": "n"}
	if got := customerDetails(whole); got["id"] != "whole" {
		t.Fatalf("whole-body fallback failed: %v", got)
	}
}

func TestCustomerIDPlaceholder(t *testing.T) {
	if got := customerID(map[string]any{"name": "x"}, "555"); got != "unknown-555" {
		t.Fatalf("got %q", got)
	}
	if got := customerID(map[string]any{"customerId": "abc"}, "555"); got != "abc" {
		t.Fatalf("got %q", got)
	}
}
