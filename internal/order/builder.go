// Package order assembles the CRM work-order draft from a transcript and a
// resolved customer, and drives the one-shot submission state machine.
package order

import (
	"time"

	"github.com/aviov/ct-toru/internal/extract"
)

// Draft is the full order payload the CRM accepts.
type Draft struct {
	Customer    CustomerBlock `json:"customer"`
	Order       ScheduleBlock `json:"order"`
	Location    LocationBlock `json:"location"`
	WorkDetails WorkDetails   `json:"workDetails"`
	Contact     ContactBlock  `json:"contact"`
	Payment     PaymentBlock  `json:"payment"`
	Metadata    MetadataBlock `json:"metadata"`
}

type CustomerBlock struct {
	CustomerType  string        `json:"customerType"`
	Name          string        `json:"name"`
	ID            string        `json:"id"`
	IsNewCustomer bool          `json:"isNewCustomer"`
	ContactPerson ContactPerson `json:"contactPerson"`
}

type ContactPerson struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone"`
	Email     string `json:"email,omitempty"`
}

type ScheduleBlock struct {
	Date                string       `json:"date"`
	PlannedWorkDuration WorkDuration `json:"plannedWorkDuration"`
	AdditionalTimeInfo  string       `json:"additionalTimeInfo"`
}

type WorkDuration struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type LocationBlock struct {
	Object         string  `json:"object"`
	Address        Address `json:"address"`
	AdditionalInfo string  `json:"additionalInfo"`
}

type Address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type WorkDetails struct {
	Description     string `json:"description"`
	TypeOfWork      string `json:"typeOfWork"`
	Problem         string `json:"problem"`
	AdditionalNotes string `json:"additionalNotes"`
}

type ContactBlock struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Role  string `json:"role"`
}

type PaymentBlock struct {
	Method string `json:"method"`
	Terms  string `json:"terms"`
}

type MetadataBlock struct {
	CallID                 string `json:"callId"`
	CallTimestamp          string `json:"callTimestamp"`
	TranscriptionTimestamp string `json:"transcriptionTimestamp"`
}

// Input is everything BuildDraft needs. Now is injected so a rebuilt draft
// differs from the original only in timestamp fields.
type Input struct {
	Transcript string
	Caller     string
	CallID     string
	CustomerID string
	Customer   map[string]any
	WorkType   string
	Extraction *extract.OrderExtraction
	Now        time.Time
}

// CRM timestamps are expressed in Tallinn local time with an explicit offset.
var tallinnZone = time.FixedZone("Europe/Tallinn", 3*60*60)

const (
	timestampLayout       = "2006-01-02T15:04:05-07:00"
	defaultTimeInfo       = "Immediate processing from call"
	defaultLocationInfo   = "From automated call processing"
	defaultProblem        = "Customer request from call"
	processingNote        = "Processed via AI pipeline"
	descriptionRuneLimit  = 500
	defaultCustomerType   = "ETTEVÕTE"
	defaultCountry        = "EE"
	defaultCity           = "Tallinn"
	defaultLocationObject = "Office"
)

// BuildDraft assembles the order payload. LLM-extracted fields win over the
// regex fallbacks field by field; every fallback is invocable on its own.
func BuildDraft(in Input) Draft {
	now := in.Now.In(tallinnZone)
	nowStr := now.Format(timestampLayout)

	customerName := stringField(in.Customer, "name")
	if customerName == "" {
		customerName = "Unknown"
	}
	customerType := stringField(in.Customer, "customerType")
	if customerType == "" {
		customerType = defaultCustomerType
	}
	email := stringField(in.Customer, "email")
	address := addressBlock(in.Customer)

	ext := in.Extraction
	timePref := pick(extField(ext, func(e *extract.OrderExtraction) string { return e.TimePreference }),
		extract.TimeWindow(in.Transcript))
	access := pick(extField(ext, func(e *extract.OrderExtraction) string { return e.AccessInstructions }),
		extract.AccessInstructions(in.Transcript))
	technician := pick(extField(ext, func(e *extract.OrderExtraction) string { return e.PreferredTechnician }),
		extract.TechnicianPreference(in.Transcript))
	issue := extField(ext, func(e *extract.OrderExtraction) string { return e.SpecificIssue })
	locationDetail := extField(ext, func(e *extract.OrderExtraction) string { return e.LocationDetails })
	role := pick(extField(ext, func(e *extract.OrderExtraction) string { return e.CustomerRole }), "Caller")
	contractNote := extract.ContractNote(
		extField(ext, func(e *extract.OrderExtraction) string { return e.ContractStatus }), in.Transcript)

	companyName := pick(extField(ext, func(e *extract.OrderExtraction) string { return e.CompanyInfo }), customerName)
	contact := extract.ContactDetails(in.Transcript, in.Caller, email, companyName)

	summary := Summarize(SummaryParts{
		Company:        extract.StripLegalSuffix(companyName),
		WorkType:       in.WorkType,
		Issue:          issue,
		Periodic:       extract.IsPeriodic(ext, in.Transcript),
		Address:        address.Street,
		ContractNote:   contractNote,
		LocationDetail: locationDetail,
		Technician:     technician,
		TimePreference: timePref,
		ContactName:    joinName(contact.FirstName, contact.LastName),
		ContactRole:    role,
		Phone:          contact.Phone,
		Access:         access,
		BillingName:    customerName,
	})

	return Draft{
		Customer: CustomerBlock{
			CustomerType:  customerType,
			Name:          customerName,
			ID:            in.CustomerID,
			IsNewCustomer: false,
			ContactPerson: ContactPerson{
				FirstName: contact.FirstName,
				LastName:  contact.LastName,
				Phone:     contact.Phone,
				Email:     contact.Email,
			},
		},
		Order: ScheduleBlock{
			Date:                now.Format("2006-01-02"),
			PlannedWorkDuration: WorkDuration{Start: nowStr, End: nowStr},
			AdditionalTimeInfo:  pick(timePref, defaultTimeInfo),
		},
		Location: LocationBlock{
			Object:         defaultLocationObject,
			Address:        address,
			AdditionalInfo: pick(access, defaultLocationInfo),
		},
		WorkDetails: WorkDetails{
			Description:     truncateRunes(summary, descriptionRuneLimit),
			TypeOfWork:      in.WorkType,
			Problem:         pick(issue, defaultProblem),
			AdditionalNotes: processingNote,
		},
		Contact: ContactBlock{
			Name:  customerName,
			Phone: contact.Phone,
			Role:  role,
		},
		Payment: PaymentBlock{Method: "Invoice", Terms: "30 days"},
		Metadata: MetadataBlock{
			CallID:                 in.CallID,
			CallTimestamp:          nowStr,
			TranscriptionTimestamp: nowStr,
		},
	}
}

func addressBlock(customer map[string]any) Address {
	addr := Address{Street: "Unknown", City: defaultCity, PostalCode: "Unknown", Country: defaultCountry}
	nested, ok := customer["address"].(map[string]any)
	if !ok {
		return addr
	}
	if v := stringField(nested, "street"); v != "" {
		addr.Street = v
	}
	if v := stringField(nested, "city"); v != "" {
		addr.City = v
	}
	if v := stringField(nested, "postalCode"); v != "" {
		addr.PostalCode = v
	}
	if v := stringField(nested, "country"); v != "" {
		addr.Country = v
	}
	return addr
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func extField(ext *extract.OrderExtraction, get func(*extract.OrderExtraction) string) string {
	if ext == nil {
		return ""
	}
	return get(ext)
}

func pick(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

func joinName(first, last string) string {
	if first == "Unknown" && last == "Unknown" {
		return ""
	}
	if last == "Unknown" || last == "" {
		return first
	}
	return first + " " + last
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
