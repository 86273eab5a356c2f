// Package extract pulls structured evidence out of transcripts. Every
// logical field has two independent producers, deterministic regex heuristics
// that never fail and a best-effort LLM call, merged under the configured
// precedence.
package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/llm"
)

// Customer types form a closed 2-value set.
const (
	CustomerTypePersonal = "ERAKLIENT"
	CustomerTypeBusiness = "ETTEVÕTE"
)

// Criteria field keys, matching the CRM lookup contract.
const (
	FieldPhone        = "phoneNumber"
	FieldName         = "name"
	FieldCompany      = "companyName"
	FieldRegCode      = "companyRegCode"
	FieldEmail        = "email"
	FieldCustomerType = "customerType"
)

var (
	emailPattern   = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	// \b is ASCII-only in RE2 and never fires after "Ü", so the suffix is
	// delimited explicitly.
	companyPattern = regexp.MustCompile(`(\p{Lu}[\p{L}\-]*(?:\s+\p{Lu}[\p{L}\-]*)*)\s+(OÜ|AS|MTÜ|TÜ|FIE|UÜ)(?:\s|[,.!?;:]|$)`)
	phonePattern   = regexp.MustCompile(`(?:\+372[\s-]?)?\d{3,4}[\s-]?\d{3,4}\b`)
	regCodePattern = regexp.MustCompile(`\b\d{8}\b`)
	namePattern    = regexp.MustCompile(`(?i:minu nimi on|mina olen|nimi on|helistab|kontakt(?:isik)? on)\s+(\p{Lu}\p{Ll}+(?:\s+\p{Lu}\p{Ll}+)?)`)

	companyIndicators  = []string{"firma", "ettevõte", "ettevõtte", "äriühing", "organisatsioon", "OÜ", "AS", "FIE", "registrikood"}
	personalIndicators = []string{"eraklient", "erakliendid", "eraisik", "kodune", "kodus", "korter", "korterisse", "pere", "isiklik"}
)

// RegexCustomer extracts lookup criteria heuristically. It always produces a
// best-effort result; absent fields are never present as keys.
func RegexCustomer(transcript string) map[string]string {
	results := map[string]string{}

	if m := phonePattern.FindString(transcript); m != "" {
		clean := cleanPhone(m)
		if len(clean) >= 5 {
			results[FieldPhone] = clean
		}
	}
	if m := emailPattern.FindString(transcript); m != "" {
		results[FieldEmail] = m
	}

	var companyName string
	if groups := companyPattern.FindStringSubmatch(transcript); groups != nil {
		companyName = strings.Join(strings.Fields(groups[1]+" "+groups[2]), " ")
		results[FieldCompany] = companyName
	}
	if m := regCodePattern.FindString(transcript); m != "" {
		results[FieldRegCode] = m
	}
	if groups := namePattern.FindStringSubmatch(transcript); groups != nil {
		results[FieldName] = strings.Join(strings.Fields(groups[1]), " ")
	}

	results[FieldCustomerType] = voteCustomerType(transcript, companyName != "")
	return results
}

// voteCustomerType counts company- vs personal-indicator hits; a matched
// company name is decisive evidence of a business caller.
func voteCustomerType(transcript string, companyMatched bool) string {
	lower := strings.ToLower(transcript)
	companyCount := 0
	for _, ind := range companyIndicators {
		if strings.Contains(lower, strings.ToLower(ind)) {
			companyCount++
		}
	}
	personalCount := 0
	for _, ind := range personalIndicators {
		if strings.Contains(lower, strings.ToLower(ind)) {
			personalCount++
		}
	}
	if companyCount > personalCount || companyMatched {
		return CustomerTypeBusiness
	}
	return CustomerTypePersonal
}

func cleanPhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r == '+' || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

const extractionSystem = "You are a helpful assistant specializing in information extraction."

func customerPrompt(transcript string) string {
	return "You are an expert in analyzing Estonian customer service call transcripts. " +
		"Extract the following customer information from this phone call transcript. " +
		"Only extract information that is explicitly mentioned in the transcript. " +
		"If the information is not present, reply with null for that field.\n\n" +
		"Transcript: " + transcript + "\n\n" +
		"Return ONLY a JSON object with these exact fields:\n" +
		"{\n" +
		`  "phoneNumber": "extracted phone number",` + "\n" +
		`  "name": "customer contact person name",` + "\n" +
		`  "companyName": "company name",` + "\n" +
		`  "companyRegCode": "company registration code if mentioned",` + "\n" +
		`  "email": "email address if mentioned",` + "\n" +
		`  "customerType": "either ERAKLIENT (if personal customer) or ETTEVÕTE (if business customer)"` + "\n" +
		"}\n\n" +
		"IMPORTANT: Only include these exact fields. Do not add any additional fields, explanations, or text. " +
		"If information is not present in the transcript, use null for that field."
}

// LLMCustomer extracts lookup criteria with the language model. Any failure
// after the client's bounded retries yields an empty result; this extractor
// is best-effort by contract.
func LLMCustomer(ctx context.Context, chat llm.Chat, transcript string, log *logrus.Entry) map[string]string {
	content, err := chat.Complete(ctx, llm.Request{
		System:    extractionSystem,
		User:      customerPrompt(transcript),
		MaxTokens: 500,
	})
	if err != nil {
		log.WithError(err).Warn("llm customer extraction failed")
		return map[string]string{}
	}

	var parsed map[string]any
	if err := llm.DecodeJSON(content, &parsed); err != nil {
		log.WithError(err).Warn("llm customer extraction returned unparseable JSON")
		return map[string]string{}
	}

	results := map[string]string{}
	for key, value := range parsed {
		s, ok := value.(string)
		if !ok || s == "" || s == "null" {
			continue
		}
		switch key {
		case FieldPhone, FieldName, FieldCompany, FieldRegCode, FieldEmail, FieldCustomerType:
			results[key] = s
		}
	}
	log.WithField("fields", len(results)).Debug("llm customer extraction parsed")
	return results
}

// MergeCriteria combines the two extractions by precedence: each method's
// non-empty mapping acts as a patch, last writer wins over present keys only.
// When no phone number survives the merge and the caller id is real, the
// caller id backfills phoneNumber.
func MergeCriteria(regexResults, llmResults map[string]string, llmPrimary bool, caller string) map[string]string {
	merged := map[string]string{}
	first, second := llmResults, regexResults
	if llmPrimary && len(llmResults) > 0 {
		first, second = regexResults, llmResults
	}
	for k, v := range first {
		merged[k] = v
	}
	for k, v := range second {
		merged[k] = v
	}
	if _, ok := merged[FieldPhone]; !ok && caller != "" && caller != "test" {
		merged[FieldPhone] = caller
	}
	return merged
}

// DescribeCriteria renders criteria for logs without leaking order.
func DescribeCriteria(criteria map[string]string) string {
	keys := make([]string, 0, len(criteria))
	for k := range criteria {
		keys = append(keys, k)
	}
	return fmt.Sprintf("%d fields (%s)", len(criteria), strings.Join(keys, ","))
}
