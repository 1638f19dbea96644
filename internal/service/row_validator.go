package service

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/peopleflow/importd/internal/domain/model"
)

// Closed vocabularies for employee row fields.
var (
	allowedCurrencies = map[string]bool{
		"USD": true, "EUR": true, "GBP": true, "ZAR": true, "KES": true,
		"UGX": true, "TZS": true, "RWF": true, "NGN": true,
	}
	allowedCountries = map[string]bool{
		"US": true, "GB": true, "ZA": true, "KE": true,
		"UG": true, "TZ": true, "RW": true, "NG": true,
	}
	allowedDepartments = map[string]bool{
		"Engineering": true, "Finance": true, "Support": true,
		"Customer Success": true, "Human Resources": true,
		"Marketing": true, "Sales": true, "Operations": true,
	}

	employeeNumberRe = regexp.MustCompile(`^EMP-\d{8}$`)
	nameCharsetRe    = regexp.MustCompile(`^[a-zA-Z\s\-']+$`)
)

const (
	minNameLength = 2
	minStartYear  = 1900
	maxSalary     = 10_000_000
	startDateISO  = "2006-01-02"
)

// ValidationResult is the outcome of validating one row. Errors is a
// field-keyed list map; an empty map means the row is valid and Upsert
// carries the parsed field values.
type ValidationResult struct {
	Valid     bool
	Errors    map[string][]string
	Sanitized model.RowData
	Upsert    *model.EmployeeUpsert
}

// RowValidator applies field constraints and business rules to one row at
// a time. Both layers run unconditionally and their errors are merged, so
// a row reports every violation at once.
type RowValidator struct {
	validate            *validator.Validate
	allowedEmailDomains map[string]bool
	now                 func() time.Time
}

// NewRowValidator creates a RowValidator with the given email-domain
// allow-list.
func NewRowValidator(allowedEmailDomains []string) *RowValidator {
	domains := make(map[string]bool, len(allowedEmailDomains))
	for _, d := range allowedEmailDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			domains[d] = true
		}
	}
	return &RowValidator{
		validate:            validator.New(),
		allowedEmailDomains: domains,
		now:                 time.Now,
	}
}

// WithClock overrides the validator's notion of now. Used in tests.
func (v *RowValidator) WithClock(now func() time.Time) *RowValidator {
	v.now = now
	return v
}

// Sanitize normalizes a raw row before validation: whitespace is trimmed
// everywhere, identifiers and codes are case-folded, and names are
// capitalized.
func (v *RowValidator) Sanitize(row model.RowData) model.RowData {
	out := make(model.RowData, len(row))
	for _, field := range model.CanonicalFields {
		out[field] = strings.TrimSpace(row[field])
	}
	out["employee_number"] = strings.ToUpper(out["employee_number"])
	out["email"] = strings.ToLower(out["email"])
	out["currency"] = strings.ToUpper(out["currency"])
	out["country_code"] = strings.ToUpper(out["country_code"])
	out["first_name"] = capitalizeName(out["first_name"])
	out["last_name"] = capitalizeName(out["last_name"])
	return out
}

// Validate sanitizes and validates one row. The returned result carries
// the sanitized row and, when valid, the parsed upsert values.
func (v *RowValidator) Validate(row model.RowData) ValidationResult {
	sanitized := v.Sanitize(row)
	errs := map[string][]string{}
	addErr := func(field, msg string) {
		errs[field] = append(errs[field], msg)
	}

	// Layer 1: field constraints.
	empNo := sanitized["employee_number"]
	if empNo == "" {
		addErr("employee_number", "employee number is required")
	} else if !employeeNumberRe.MatchString(empNo) {
		addErr("employee_number", "employee number must match EMP- followed by 8 digits")
	}

	for _, field := range []string{"first_name", "last_name"} {
		name := sanitized[field]
		if name == "" {
			addErr(field, strings.ReplaceAll(field, "_", " ")+" is required")
			continue
		}
		if len(name) < minNameLength {
			addErr(field, fmt.Sprintf("must be at least %d characters", minNameLength))
		}
	}

	email := sanitized["email"]
	if email == "" {
		addErr("email", "email is required")
	} else if err := v.validate.Var(email, "email"); err != nil {
		addErr("email", "email address is not valid")
	}

	department := sanitized["department"]
	if department == "" {
		addErr("department", "department is required")
	} else if !allowedDepartments[department] {
		addErr("department", fmt.Sprintf("unknown department %q", department))
	}

	var salary decimal.Decimal
	salaryRaw := sanitized["salary"]
	salaryParsed := false
	if salaryRaw == "" {
		addErr("salary", "salary is required")
	} else if parsed, err := decimal.NewFromString(salaryRaw); err != nil {
		addErr("salary", "salary must be a number")
	} else {
		salary = parsed
		salaryParsed = true
		if salary.IsNegative() {
			addErr("salary", "salary cannot be negative")
		}
	}

	currency := sanitized["currency"]
	if currency == "" {
		addErr("currency", "currency is required")
	} else if !allowedCurrencies[currency] {
		addErr("currency", fmt.Sprintf("unsupported currency %q", currency))
	}

	country := sanitized["country_code"]
	if country == "" {
		addErr("country_code", "country code is required")
	} else if !allowedCountries[country] {
		addErr("country_code", fmt.Sprintf("unsupported country code %q", country))
	}

	var startDate time.Time
	startRaw := sanitized["start_date"]
	startParsed := false
	if startRaw == "" {
		addErr("start_date", "start date is required")
	} else if parsed, err := time.Parse(startDateISO, startRaw); err != nil {
		addErr("start_date", "start date must be formatted YYYY-MM-DD")
	} else {
		startDate = parsed
		startParsed = true
		if startDate.Year() < minStartYear {
			addErr("start_date", fmt.Sprintf("start date cannot be before year %d", minStartYear))
		}
		if startDate.After(v.now()) {
			addErr("start_date", "start date cannot be in the future")
		}
	}

	// Layer 2: business rules, applied regardless of layer 1 outcomes.
	if salaryParsed && salary.GreaterThan(decimal.NewFromInt(maxSalary)) {
		addErr("salary", fmt.Sprintf("salary cannot exceed %d", maxSalary))
	}
	if email != "" {
		if at := strings.LastIndex(email, "@"); at >= 0 && at < len(email)-1 {
			domain := email[at+1:]
			if !v.allowedEmailDomains[domain] {
				addErr("email", fmt.Sprintf("email domain %q is not allowed", domain))
			}
		}
	}
	for _, field := range []string{"first_name", "last_name"} {
		name := sanitized[field]
		if name != "" && !nameCharsetRe.MatchString(name) {
			addErr(field, "may only contain letters, spaces, hyphens and apostrophes")
		}
	}

	result := ValidationResult{
		Valid:     len(errs) == 0,
		Errors:    errs,
		Sanitized: sanitized,
	}
	if result.Valid && salaryParsed && startParsed {
		result.Upsert = &model.EmployeeUpsert{
			EmployeeNumber: empNo,
			FirstName:      sanitized["first_name"],
			LastName:       sanitized["last_name"],
			Email:          email,
			Department:     department,
			Salary:         salary,
			Currency:       currency,
			CountryCode:    country,
			StartDate:      startDate,
		}
	}
	return result
}

// BatchSummary aggregates the outcomes of a batch of validations for
// post-hoc reporting.
type BatchSummary struct {
	Total          int              `json:"total"`
	Valid          int              `json:"valid"`
	Invalid        int              `json:"invalid"`
	ValidationRate float64          `json:"validation_rate"`
	CommonErrors   []ErrorFrequency `json:"common_errors"`
}

// ErrorFrequency pairs one error message with its occurrence count.
type ErrorFrequency struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

const maxCommonErrors = 10

// Summarize computes valid/invalid counts, the validation rate, and a
// frequency-ranked list of the most common error messages.
func (v *RowValidator) Summarize(results []ValidationResult) BatchSummary {
	summary := BatchSummary{Total: len(results)}
	freq := map[string]int{}
	for _, res := range results {
		if res.Valid {
			summary.Valid++
			continue
		}
		summary.Invalid++
		for _, msgs := range res.Errors {
			for _, msg := range msgs {
				freq[msg]++
			}
		}
	}
	if summary.Total > 0 {
		summary.ValidationRate = float64(summary.Valid) / float64(summary.Total) * 100
	}

	for msg, count := range freq {
		summary.CommonErrors = append(summary.CommonErrors, ErrorFrequency{Message: msg, Count: count})
	}
	sort.Slice(summary.CommonErrors, func(i, j int) bool {
		if summary.CommonErrors[i].Count != summary.CommonErrors[j].Count {
			return summary.CommonErrors[i].Count > summary.CommonErrors[j].Count
		}
		return summary.CommonErrors[i].Message < summary.CommonErrors[j].Message
	})
	if len(summary.CommonErrors) > maxCommonErrors {
		summary.CommonErrors = summary.CommonErrors[:maxCommonErrors]
	}
	return summary
}

// capitalizeName upper-cases the first letter of each space or hyphen
// separated part, matching how names are normalized on intake.
func capitalizeName(name string) string {
	if name == "" {
		return name
	}
	lower := strings.ToLower(name)
	var sb strings.Builder
	sb.Grow(len(lower))
	upperNext := true
	for _, r := range lower {
		if upperNext && r != ' ' && r != '-' && r != '\'' {
			sb.WriteRune(toUpperRune(r))
			upperNext = false
		} else {
			sb.WriteRune(r)
		}
		if r == ' ' || r == '-' || r == '\'' {
			upperNext = true
		}
	}
	return sb.String()
}

func toUpperRune(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - ('a' - 'A')
	}
	return r
}
