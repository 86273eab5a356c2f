package extract

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/llm"
)

type fakeChat struct {
	reply string
	err   error
}

func (f *fakeChat) Complete(_ context.Context, _ llm.Request) (string, error) {
	return f.reply, f.err
}

func testLog(t *testing.T) *logrus.Entry {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", t.Name())
}

func TestRegexCustomerFields(t *testing.T) {
	transcript := "Tere, helistab Mart Tamm firmast Torutööd OÜ, registrikood 12345678, " +
		"telefon +372 5678 9012, e-post mart@torutood.ee"
	got := RegexCustomer(transcript)

	if got[FieldCompany] != "Torutööd OÜ" {
		t.Errorf("company = %q", got[FieldCompany])
	}
	if got[FieldRegCode] != "12345678" {
		t.Errorf("regCode = %q", got[FieldRegCode])
	}
	if got[FieldEmail] != "mart@torutood.ee" {
		t.Errorf("email = %q", got[FieldEmail])
	}
	if got[FieldName] != "Mart Tamm" {
		t.Errorf("name = %q", got[FieldName])
	}
	if got[FieldCustomerType] != CustomerTypeBusiness {
		t.Errorf("customerType = %q, want business", got[FieldCustomerType])
	}
}

func TestRegexCustomerPersonalDefault(t *testing.T) {
	got := RegexCustomer("Tere, mul on kodus korteris toru katki")
	if got[FieldCustomerType] != CustomerTypePersonal {
		t.Fatalf("customerType = %q, want personal", got[FieldCustomerType])
	}
}

func TestRegexCustomerAbsentFieldsOmitted(t *testing.T) {
	got := RegexCustomer("lühike jutt")
	for _, key := range []string{FieldPhone, FieldName, FieldCompany, FieldRegCode, FieldEmail} {
		if _, ok := got[key]; ok {
			t.Errorf("key %q present for transcript without evidence", key)
		}
	}
	if _, ok := got[FieldCustomerType]; !ok {
		t.Error("customerType must always be present")
	}
}

func TestLLMCustomerDropsNulls(t *testing.T) {
	reply := `{"phoneNumber": "56789012", "name": null, "companyName": "null", "email": "", "customerType": "ERAKLIENT", "extra": "x"}`
	got := LLMCustomer(context.Background(), &fakeChat{reply: reply}, "transcript", testLog(t))
	if got[FieldPhone] != "56789012" {
		t.Errorf("phone = %q", got[FieldPhone])
	}
	for _, key := range []string{FieldName, FieldCompany, FieldEmail, "extra"} {
		if _, ok := got[key]; ok {
			t.Errorf("key %q should have been dropped", key)
		}
	}
}

func TestLLMCustomerFailureYieldsEmpty(t *testing.T) {
	got := LLMCustomer(context.Background(), &fakeChat{err: errors.New("boom")}, "t", testLog(t))
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %v", got)
	}
	got = LLMCustomer(context.Background(), &fakeChat{reply: "not json"}, "t", testLog(t))
	if len(got) != 0 {
		t.Fatalf("expected empty result on parse failure, got %v", got)
	}
}

func TestMergeCriteriaLLMPrimaryPrecedence(t *testing.T) {
	regex := map[string]string{FieldPhone: "111", FieldName: "Regex Nimi"}
	llmRes := map[string]string{FieldPhone: "222"}
	got := MergeCriteria(regex, llmRes, true, "caller")
	if got[FieldPhone] != "222" {
		t.Errorf("llm-primary phone = %q, want llm value", got[FieldPhone])
	}
	if got[FieldName] != "Regex Nimi" {
		t.Errorf("gap fill name = %q", got[FieldName])
	}
}

func TestMergeCriteriaRegexPrimaryPrecedence(t *testing.T) {
	regex := map[string]string{FieldPhone: "111"}
	llmRes := map[string]string{FieldPhone: "222", FieldEmail: "a@b.ee"}
	got := MergeCriteria(regex, llmRes, false, "caller")
	if got[FieldPhone] != "111" {
		t.Errorf("regex-primary phone = %q", got[FieldPhone])
	}
	if got[FieldEmail] != "a@b.ee" {
		t.Errorf("gap fill email = %q", got[FieldEmail])
	}
}

func TestMergeCriteriaAbsentKeysNeverPresent(t *testing.T) {
	got := MergeCriteria(map[string]string{}, map[string]string{}, true, "test")
	if len(got) != 0 {
		t.Fatalf("expected empty merge, got %v", got)
	}
}

func TestMergeCriteriaCallerBackfill(t *testing.T) {
	got := MergeCriteria(map[string]string{}, nil, false, "+37256789012")
	if got[FieldPhone] != "+37256789012" {
		t.Fatalf("phone = %q, want caller backfill", got[FieldPhone])
	}
	got = MergeCriteria(map[string]string{}, nil, false, "test")
	if _, ok := got[FieldPhone]; ok {
		t.Fatal("sentinel caller must not backfill phone")
	}
}
