package order

import "strings"

// SummaryParts is everything the natural-language order summary can mention.
// Empty fields are simply left out.
type SummaryParts struct {
	Company        string
	WorkType       string
	Issue          string
	Periodic       bool
	Address        string
	ContractNote   string
	LocationDetail string
	Technician     string
	TimePreference string
	ContactName    string
	ContactRole    string
	Phone          string
	Access         string
	BillingName    string
}

type fragment struct {
	when bool
	text string
}

// Summarize renders the order summary from an ordered fragment list. Each
// fragment is appended only when its source datum is non-empty; the order of
// the list is part of the output contract.
func Summarize(p SummaryParts) string {
	contactLine := p.ContactName
	if p.ContactRole != "" && contactLine != "" {
		contactLine += " (" + p.ContactRole + ")"
	}
	fragments := []fragment{
		{p.Company != "", "Ettevõte: " + p.Company},
		{p.WorkType != "", "Töö liik: " + p.WorkType},
		{p.Issue != "", "Probleem: " + p.Issue},
		{p.Periodic, "Perioodiline hooldustöö"},
		{p.Address != "", "Aadress: " + p.Address},
		{p.ContractNote != "", p.ContractNote},
		{p.LocationDetail != "", "Objekt: " + p.LocationDetail},
		{p.Technician != "", "Soovitud tehnik: " + p.Technician},
		{p.TimePreference != "", "Soovitud aeg: " + p.TimePreference},
		{contactLine != "", "Kontaktisik: " + contactLine},
		{p.Phone != "", "Telefon: " + p.Phone},
		{p.Access != "", "Ligipääs: " + p.Access},
		{p.BillingName != "", "Arve saaja: " + p.BillingName},
	}
	var parts []string
	for _, f := range fragments {
		if f.when {
			parts = append(parts, f.text)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, ". ") + "."
}
