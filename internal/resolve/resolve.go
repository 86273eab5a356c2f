// Package resolve matches extracted lookup criteria against the CRM,
// retrying with systematic criteria variations before declaring a miss.
package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/crm"
	"github.com/aviov/ct-toru/internal/extract"
)

// ErrNotFound marks a terminal resolution miss. The stage treats it as a
// handled business outcome, not a failure.
var ErrNotFound = errors.New("resolve: no matching customer")

// Match is the resolution result persisted alongside the transcript.
type Match struct {
	CustomerID string
	Details    map[string]any
	Criteria   map[string]string
	Found      bool
}

// Resolver drives CRM lookups with variation retry.
type Resolver struct {
	crm *crm.Client
	log *logrus.Entry
}

func New(client *crm.Client, log *logrus.Entry) *Resolver {
	return &Resolver{crm: client, log: log}
}

// Resolve tries the criteria as extracted, then walks phone and company
// variations until a lookup succeeds. The returned match records the exact
// criteria variant that produced it. A terminal miss returns a placeholder
// match wrapped with ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, token string, criteria map[string]string, caller string) (Match, error) {
	customerType := criteria[extract.FieldCustomerType]
	attempts := r.attempts(criteria)
	for i, attempt := range attempts {
		result, err := r.crm.FindCustomer(ctx, token, lookupFields(attempt), customerType)
		if err != nil {
			return Match{}, err
		}
		if !result.Found() {
			r.log.WithFields(logrus.Fields{
				"attempt":  i + 1,
				"criteria": extract.DescribeCriteria(attempt),
				"status":   result.StatusCode,
			}).Info("customer lookup miss")
			continue
		}
		details := customerDetails(result.Body)
		return Match{
			CustomerID: customerID(details, caller),
			Details:    details,
			Criteria:   attempt,
			Found:      true,
		}, nil
	}
	return Match{
		CustomerID: "unknown-" + caller,
		Criteria:   criteria,
		Found:      false,
	}, ErrNotFound
}

// attempts builds the ordered list of criteria variants: the original first,
// then one variant per phone variation, then one per company variation.
func (r *Resolver) attempts(criteria map[string]string) []map[string]string {
	attempts := []map[string]string{criteria}
	if phone := criteria[extract.FieldPhone]; phone != "" {
		for _, v := range PhoneVariations(phone) {
			attempts = append(attempts, withField(criteria, extract.FieldPhone, v))
		}
	}
	if company := criteria[extract.FieldCompany]; company != "" {
		for _, v := range CompanyVariations(company) {
			attempts = append(attempts, withField(criteria, extract.FieldCompany, v))
		}
	}
	return attempts
}

// lookupFields is the criteria map as sent on the wire: customerType travels
// as its own request field, not inside lookupCriteria.
func lookupFields(criteria map[string]string) map[string]string {
	out := make(map[string]string, len(criteria))
	for k, v := range criteria {
		if k != extract.FieldCustomerType {
			out[k] = v
		}
	}
	return out
}

func withField(criteria map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(criteria))
	for k, v := range criteria {
		out[k] = v
	}
	out[key] = value
	return out
}

// PhoneVariations generates retry candidates in a fixed order: drop the first
// digit, drop the last digit, strip the +372 country prefix, and prepend +372
// when no prefix is present. Numbers at or under six significant characters
// are too short to vary safely.
func PhoneVariations(phone string) []string {
	cleaned := cleanDigits(phone)
	if len(cleaned) <= 6 {
		return nil
	}
	var variations []string
	seen := map[string]bool{cleaned: true}
	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			variations = append(variations, v)
		}
	}
	add(cleaned[1:])
	add(cleaned[:len(cleaned)-1])
	if strings.HasPrefix(cleaned, "+372") {
		add(cleaned[4:])
	}
	if !strings.HasPrefix(cleaned, "+") {
		add("+372" + cleaned)
	}
	return variations
}

func cleanDigits(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r == '+' || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CompanyVariations generates retry candidates for a company name: the name
// without short filler tokens, and the name without its legal-entity suffix.
func CompanyVariations(company string) []string {
	var variations []string
	seen := map[string]bool{company: true}
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v != "" && !seen[v] {
			seen[v] = true
			variations = append(variations, v)
		}
	}

	var kept []string
	for _, tok := range strings.Fields(company) {
		if len([]rune(tok)) >= 3 {
			kept = append(kept, tok)
		}
	}
	add(strings.Join(kept, " "))
	add(extract.StripLegalSuffix(company))
	return variations
}

// Candidate keys under which CRM responses nest the customer record.
var detailKeys = []string{"customerDetails", "customer", "customerData", "data", "result"}

// customerDetails is the single place that knows where customer data lives
// in a lookup response: the first populated candidate key wins, otherwise the
// whole response body is taken as the record.
func customerDetails(body map[string]any) map[string]any {
	for _, key := range detailKeys {
		if nested, ok := body[key].(map[string]any); ok && len(nested) > 0 {
			return nested
		}
	}
	return body
}

func customerID(details map[string]any, caller string) string {
	for _, key := range []string{"id", "customerId", "customer_id"} {
		switch v := details[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return trimFloat(v)
		case json.Number:
			return v.String()
		}
	}
	return "unknown-" + caller
}

func trimFloat(f float64) string {
	data, _ := json.Marshal(f)
	return string(data)
}
