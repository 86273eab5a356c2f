package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/classify"
	"github.com/aviov/ct-toru/internal/llm"
)

// OrderExtraction carries the order-level fields the language model reads out
// of a transcript. Nil means the extraction is unavailable and the regex
// fallbacks decide everything.
type OrderExtraction struct {
	CompanyInfo         string `json:"companyInfo"`
	TypeOfWork          string `json:"typeOfWork"`
	MaintenanceType     string `json:"maintenanceType"`
	SpecificIssue       string `json:"specificIssue"`
	PreferredTechnician string `json:"preferredTechnician"`
	TimePreference      string `json:"timePreference"`
	LocationDetails     string `json:"locationDetails"`
	AccessInstructions  string `json:"accessInstructions"`
	ContractStatus      string `json:"contractStatus"`
	CustomerRole        string `json:"customerRole"`
}

func orderPrompt(transcript string) string {
	return "You are an expert in analyzing Estonian plumbing service call transcripts. " +
		"Extract order details from this transcript. Use null for anything not mentioned.\n\n" +
		"Transcript: " + transcript + "\n\n" +
		"Return ONLY a JSON object with these exact fields:\n" +
		"{\n" +
		`  "companyInfo": "company the work is for",` + "\n" +
		`  "typeOfWork": "requested service type",` + "\n" +
		`  "maintenanceType": "one-off or recurring maintenance",` + "\n" +
		`  "specificIssue": "the concrete problem described",` + "\n" +
		`  "preferredTechnician": "technician asked for by name",` + "\n" +
		`  "timePreference": "requested day or time window",` + "\n" +
		`  "locationDetails": "address or site details",` + "\n" +
		`  "accessInstructions": "keys, door codes, reception desk",` + "\n" +
		`  "contractStatus": "whether the caller has a service contract",` + "\n" +
		`  "customerRole": "the caller's role"` + "\n" +
		"}"
}

// LLMOrder runs the structured order extraction. The only validation is the
// returned typeOfWork: when present it must be a member of the closed service
// set, otherwise the whole extraction is discarded, not just the field.
func LLMOrder(ctx context.Context, chat llm.Chat, transcript string, log *logrus.Entry) *OrderExtraction {
	content, err := chat.Complete(ctx, llm.Request{
		System:    extractionSystem,
		User:      orderPrompt(transcript),
		MaxTokens: 700,
	})
	if err != nil {
		log.WithError(err).Warn("llm order extraction failed")
		return nil
	}
	var ext OrderExtraction
	if err := llm.DecodeJSON(content, &ext); err != nil {
		log.WithError(err).Warn("llm order extraction returned unparseable JSON")
		return nil
	}
	ext = scrubNullLiterals(ext)
	if ext.TypeOfWork != "" && !classify.IsValid(ext.TypeOfWork) {
		log.WithField("typeOfWork", ext.TypeOfWork).Warn("llm order extraction outside service set, discarding")
		return nil
	}
	return &ext
}

func scrubNullLiterals(ext OrderExtraction) OrderExtraction {
	clean := func(s *string) {
		if strings.EqualFold(strings.TrimSpace(*s), "null") {
			*s = ""
		}
	}
	clean(&ext.CompanyInfo)
	clean(&ext.TypeOfWork)
	clean(&ext.MaintenanceType)
	clean(&ext.SpecificIssue)
	clean(&ext.PreferredTechnician)
	clean(&ext.TimePreference)
	clean(&ext.LocationDetails)
	clean(&ext.AccessInstructions)
	clean(&ext.ContractStatus)
	clean(&ext.CustomerRole)
	return ext
}

var (
	betweenHoursPattern = regexp.MustCompile(`(?i)kella\s+(\d{1,2})\s+ja\s+(\d{1,2})\s+vahel`)
	atHourPattern       = regexp.MustCompile(`(?i)\bkell\s+(\d{1,2})\b`)
)

var timeWindows = []struct {
	indicators []string
	phrase     string
}{
	{[]string{"hommikul", "hommikupoolikul"}, "hommikul"},
	{[]string{"pärastlõunal", "peale lõunat", "pealelõunal"}, "pärastlõunal"},
	{[]string{"õhtul", "õhtupoole"}, "õhtul"},
}

// TimeWindow composes a human-readable time preference from day references
// and time-of-day or explicit-hour phrases. Empty means no preference was
// voiced and the order is processed immediately.
func TimeWindow(transcript string) string {
	lower := strings.ToLower(transcript)

	day := ""
	switch {
	case strings.Contains(lower, "homme"):
		day = "homme"
	case strings.Contains(lower, "täna"):
		day = "täna"
	}

	window := ""
	if groups := betweenHoursPattern.FindStringSubmatch(transcript); groups != nil {
		window = "kella " + groups[1] + " ja " + groups[2] + " vahel"
	} else if groups := atHourPattern.FindStringSubmatch(transcript); groups != nil {
		window = "kell " + groups[1]
	} else {
		for _, tw := range timeWindows {
			for _, ind := range tw.indicators {
				if strings.Contains(lower, ind) {
					window = tw.phrase
					break
				}
			}
			if window != "" {
				break
			}
		}
	}

	switch {
	case day != "" && window != "":
		return day + " " + window
	case window != "":
		return window
	case day != "":
		return day
	default:
		return ""
	}
}

var accessIndicators = []string{
	"võti", "võtme", "uksekood", "ukse kood", "kood on", "fonolukk",
	"fonoluku", "valvelaud", "valvelauas", "sissepääs", "läbipääs", "trepikoda",
}

var sentenceSplit = regexp.MustCompile(`[.!?]+`)

// AccessInstructions returns the full sentence containing the first
// access-related indicator phrase, or an empty string when none appears.
func AccessInstructions(transcript string) string {
	lower := strings.ToLower(transcript)
	first := -1
	for _, ind := range accessIndicators {
		if idx := strings.Index(lower, ind); idx >= 0 && (first < 0 || idx < first) {
			first = idx
		}
	}
	if first < 0 {
		return ""
	}
	start := 0
	for _, loc := range sentenceSplit.FindAllStringIndex(transcript, -1) {
		if loc[1] > first {
			return strings.TrimSpace(transcript[start:loc[1]])
		}
		start = loc[1]
	}
	return strings.TrimSpace(transcript[start:])
}

var technicianIndicators = []string{
	"tehnik", "tehniku", "meister", "meistri", "sama mees", "palun saatke",
}

var capitalizedName = regexp.MustCompile(`^\p{Lu}\p{Ll}{2,19}$`)

var technicianStopwords = map[string]bool{
	"Tere": true, "Aitäh": true, "Palun": true, "Toruabi": true,
}

// TechnicianPreference scans around request-indicator phrases for an adjacent
// capitalized token of plausible name length, looking after the indicator
// first and before it second.
func TechnicianPreference(transcript string) string {
	lower := strings.ToLower(transcript)
	for _, ind := range technicianIndicators {
		idx := strings.Index(lower, ind)
		if idx < 0 {
			continue
		}
		after := strings.Fields(transcript[idx+len(ind):])
		if name := firstPlausibleName(after, 3); name != "" {
			return name
		}
		before := strings.Fields(transcript[:idx])
		if len(before) > 3 {
			before = before[len(before)-3:]
		}
		reverse(before)
		if name := firstPlausibleName(before, 3); name != "" {
			return name
		}
	}
	return ""
}

func firstPlausibleName(tokens []string, limit int) string {
	for i, tok := range tokens {
		if i >= limit {
			break
		}
		tok = strings.Trim(tok, ",.!?;:")
		if capitalizedName.MatchString(tok) && !technicianStopwords[tok] {
			return tok
		}
	}
	return ""
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// Contact is the order's contact-person block.
type Contact struct {
	FirstName string
	LastName  string
	Phone     string
	Email     string
}

var intlPhonePattern = regexp.MustCompile(`\+?\d[\d\s-]{5,13}\d`)

// ContactDetails assembles the contact block: defaults from the caller id and
// the CRM record, overridden by anything stated in the transcript. A name
// carrying a legal-entity suffix or equal to the company name is never
// attributed to a person.
func ContactDetails(transcript, caller, customerEmail, companyName string) Contact {
	contact := Contact{FirstName: "Unknown", LastName: "Unknown", Phone: caller, Email: customerEmail}

	if m := intlPhonePattern.FindString(transcript); m != "" {
		clean := cleanPhone(m)
		if len(clean) >= 7 {
			contact.Phone = clean
		}
	}
	if m := emailPattern.FindString(transcript); m != "" {
		contact.Email = m
	}

	groups := namePattern.FindStringSubmatch(transcript)
	if groups == nil {
		return contact
	}
	name := strings.Join(strings.Fields(groups[1]), " ")
	if isCompanyName(name, companyName) {
		return contact
	}
	parts := strings.SplitN(name, " ", 2)
	contact.FirstName = parts[0]
	if len(parts) == 2 {
		contact.LastName = parts[1]
	}
	return contact
}

var legalSuffixes = []string{"OÜ", "AS", "MTÜ", "TÜ", "FIE", "UÜ"}

func isCompanyName(name, companyName string) bool {
	for _, suffix := range legalSuffixes {
		if strings.HasSuffix(name, " "+suffix) || name == suffix {
			return true
		}
	}
	if companyName == "" {
		return false
	}
	return strings.EqualFold(name, companyName) ||
		strings.EqualFold(name, StripLegalSuffix(companyName))
}

// StripLegalSuffix removes a trailing legal-entity suffix from a company name.
func StripLegalSuffix(company string) string {
	trimmed := strings.TrimSpace(company)
	for _, suffix := range legalSuffixes {
		if strings.HasSuffix(trimmed, suffix) {
			return strings.TrimSpace(strings.TrimSuffix(trimmed, suffix))
		}
	}
	return trimmed
}

var contractNegations = []string{
	"ei ole lepingut", "lepingut ei ole", "pole lepingut", "lepingut pole", "ilma lepinguta",
}

// ContractNote derives the contract-status fragment. Negation phrases are
// checked before the positive keyword so double-negative phrasing does not
// read as a contract customer. An LLM-extracted status wins when present.
func ContractNote(extracted, transcript string) string {
	if extracted != "" {
		return extracted
	}
	lower := strings.ToLower(transcript)
	for _, neg := range contractNegations {
		if strings.Contains(lower, neg) {
			return "Lepinguta klient"
		}
	}
	if strings.Contains(lower, "leping") {
		return "Lepinguline klient"
	}
	return ""
}

var periodicityKeywords = []string{
	"iga kuu", "iga nädal", "kord kuus", "kord nädalas", "kord kvartalis",
	"regulaarselt", "perioodiline", "perioodiliselt", "hooldusleping",
}

// IsPeriodic reports whether the order looks like recurring maintenance:
// an explicit maintenance-type hint, periodicity wording in the issue text,
// or periodicity wording anywhere in the transcript.
func IsPeriodic(ext *OrderExtraction, transcript string) bool {
	if ext != nil && containsPeriodicity(ext.MaintenanceType) {
		return true
	}
	if ext != nil && containsPeriodicity(ext.SpecificIssue) {
		return true
	}
	return containsPeriodicity(transcript)
}

func containsPeriodicity(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range periodicityKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
