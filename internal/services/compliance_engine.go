package services

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	domain "github.com/tradelane/api/internal/domain"
)

// Mandatory field weights used by the risk score.
const (
	weightHSCode             = 25
	weightDestinationCountry = 20
	weightOriginCountry      = 15
	weightProductDescription = 15
	weightCommercialInvoice  = 10
	weightPackingList        = 10
	weightQuantity           = 3
	weightGrossWeight        = 2
)

// Contextual risk points.
const (
	riskDualUse            = 10
	riskHazardous          = 15
	riskPerishableNoTemp   = 10
	riskHighRiskHSChapter  = 10
	riskStrictDestination  = 5
	riskMissingOptionalDoc = 5
	maxRiskScore           = 100
	minDescriptionLength   = 10
	minIntendedUseLength   = 15
)

var (
	highRiskHSChapters = map[string]struct{}{
		"28": {}, "29": {}, "36": {}, "38": {}, "85": {}, "88": {}, "93": {},
	}
	strictImportDestinations = map[string]struct{}{
		"CN": {}, "RU": {}, "BR": {}, "IN": {}, "SA": {}, "ID": {}, "NG": {}, "AR": {},
	}
	genericDescriptions = map[string]struct{}{
		"goods": {}, "items": {}, "stuff": {}, "products": {}, "misc": {}, "merchandise": {}, "general cargo": {},
	}
	incoterms2020 = map[string]struct{}{
		"EXW": {}, "FCA": {}, "CPT": {}, "CIP": {}, "DAP": {}, "DPU": {}, "DDP": {},
		"FAS": {}, "FOB": {}, "CFR": {}, "CIF": {},
	}
	transportModes = map[string]struct{}{
		"air": {}, "sea": {}, "land": {}, "rail": {}, "multimodal": {},
	}
	eoriPattern  = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{1,15}$`)
	taxIDPattern = regexp.MustCompile(`^[A-Z0-9-]{5,20}$`)
)

// importBanRule blocks an HS prefix or a description keyword for a destination.
type importBanRule struct {
	hsPrefix string
	keyword  string
	reason   string
}

var importBans = map[string][]importBanRule{
	"SG": {
		{hsPrefix: "170410", keyword: "chewing gum", reason: "chewing gum imports are prohibited"},
	},
	"SA": {
		{hsPrefix: "2203", keyword: "beer", reason: "alcoholic beverages are prohibited"},
		{hsPrefix: "2204", keyword: "wine", reason: "alcoholic beverages are prohibited"},
		{hsPrefix: "2208", keyword: "spirits", reason: "alcoholic beverages are prohibited"},
		{hsPrefix: "0203", keyword: "pork", reason: "pork products are prohibited"},
	},
	"CN": {
		{hsPrefix: "6309", keyword: "used clothing", reason: "worn clothing imports are prohibited"},
	},
	"AU": {
		{hsPrefix: "2530", keyword: "soil", reason: "soil imports require biosecurity clearance and are refused"},
	},
	"IN": {
		{hsPrefix: "8703", keyword: "used car", reason: "used vehicle imports are restricted"},
	},
}

type verdict int

const (
	verdictValid verdict = iota
	verdictMismatch
	verdictInvalid
)

// penalty returns the points a verdict adds for a field of the given weight.
func (v verdict) penalty(weight int) int {
	switch v {
	case verdictInvalid:
		return weight
	case verdictMismatch:
		return weight / 2
	default:
		return 0
	}
}

// RiskPenalty is one contribution to the risk score.
type RiskPenalty struct {
	Source string
	Points int
	Reason string
}

// ComplianceAssessment is the deterministic outcome of the scoring policy.
type ComplianceAssessment struct {
	RiskScore       int
	Status          string
	MandatoryValid  bool
	ImportBanned    bool
	Penalties       []RiskPenalty
	CategoryScores  []domain.CategoryScore
	Violations      []domain.Finding
	Recommendations []domain.Finding
}

// State maps the assessment status to the internal compliance enum.
func (a ComplianceAssessment) State() domain.ComplianceState {
	return domain.ComplianceStateFromExternal(a.Status)
}

type fieldCheck struct {
	field   string
	weight  int
	verdict verdict
	message string
}

// EvaluateCompliance applies the fixed risk policy to the shipment fields.
func EvaluateCompliance(fields domain.ShipmentFields) ComplianceAssessment {
	var a ComplianceAssessment

	hs := normalizeHSCode(fields.HSCode)
	origin, originVerdict := checkCountry(fields.OriginCountry)
	destination, destinationVerdict := checkCountry(fields.DestinationCountry)
	if destinationVerdict == verdictValid && origin != "" && origin == destination {
		destinationVerdict = verdictMismatch
	}

	checks := []fieldCheck{
		checkHSCode(hs, fields.InvoiceHSCode),
		{field: domain.FieldDestinationCountry, weight: weightDestinationCountry, verdict: destinationVerdict,
			message: countryMessage(domain.FieldDestinationCountry, destinationVerdict)},
		{field: domain.FieldOriginCountry, weight: weightOriginCountry, verdict: originVerdict,
			message: countryMessage(domain.FieldOriginCountry, originVerdict)},
		checkDescription(fields.ProductDescription),
		checkDocument(domain.DocCommercialInvoice, weightCommercialInvoice, fields.Documents[domain.DocCommercialInvoice]),
		checkDocument(domain.DocPackingList, weightPackingList, fields.Documents[domain.DocPackingList]),
		checkAmount(domain.FieldQuantity, weightQuantity, fields.Quantity),
		checkAmount(domain.FieldGrossWeight, weightGrossWeight, fields.GrossWeight),
	}

	a.MandatoryValid = true
	for _, check := range checks {
		if check.verdict == verdictValid {
			continue
		}
		a.MandatoryValid = false
		a.addPenalty(check.field, check.verdict.penalty(check.weight), check.message)
		a.Violations = append(a.Violations, domain.Finding{Field: check.field, Message: check.message})
	}

	highRiskHS := false
	if len(hs) >= 2 {
		_, highRiskHS = highRiskHSChapters[hs[:2]]
	}
	if fields.DualUse {
		a.addPenalty(domain.FieldDualUse, riskDualUse, "dual-use goods require export control screening")
	}
	if fields.Hazardous {
		a.addPenalty(domain.FieldHazardous, riskHazardous, "hazardous material requires dangerous goods declarations")
	}
	if fields.Perishable && strings.TrimSpace(fields.TemperatureRequirement) == "" {
		a.addPenalty(domain.FieldTemperatureRequirement, riskPerishableNoTemp, "perishable goods without a temperature requirement")
		a.Recommendations = append(a.Recommendations, domain.Finding{
			Field:   domain.FieldTemperatureRequirement,
			Message: "State the required storage temperature range for perishable goods.",
		})
	}
	if highRiskHS {
		a.addPenalty(domain.FieldHSCode, riskHighRiskHSChapter, fmt.Sprintf("HS chapter %s is subject to heightened inspection", hs[:2]))
	}
	if _, strict := strictImportDestinations[destination]; strict {
		a.addPenalty(domain.FieldDestinationCountry, riskStrictDestination, "destination applies strict import controls")
	}

	if !fields.Documents[domain.DocCertificateOfOrigin].Uploaded {
		a.addPenalty(domain.DocCertificateOfOrigin, riskMissingOptionalDoc, "certificate of origin not provided")
		a.Recommendations = append(a.Recommendations, domain.Finding{
			Field:   domain.DocCertificateOfOrigin,
			Message: "Attach a certificate of origin to qualify for preferential duty treatment.",
		})
	}
	if (fields.DualUse || fields.Hazardous || highRiskHS) && !fields.Documents[domain.DocLicensesAndPermits].Uploaded {
		a.addPenalty(domain.DocLicensesAndPermits, riskMissingOptionalDoc, "licenses or permits not provided for controlled goods")
		a.Recommendations = append(a.Recommendations, domain.Finding{
			Field:   domain.DocLicensesAndPermits,
			Message: "Upload the export license or permit covering controlled goods.",
		})
	}

	if rule, banned := findImportBan(destination, hs, fields.ProductDescription); banned {
		a.ImportBanned = true
		a.Violations = append(a.Violations, domain.Finding{
			Field:   domain.FieldDestinationCountry,
			Message: fmt.Sprintf("%s: %s", domain.SupportedCountries[destination], rule.reason),
		})
	}

	if a.RiskScore > maxRiskScore {
		a.RiskScore = maxRiskScore
	}
	if a.MandatoryValid && !a.ImportBanned {
		a.Status = domain.ComplianceReadyForShipment
	} else {
		a.Status = domain.ComplianceNotReady
	}
	a.CategoryScores = scoreCategories(fields, checks, highRiskHS)
	return a
}

func (a *ComplianceAssessment) addPenalty(source string, points int, reason string) {
	if points <= 0 {
		return
	}
	a.Penalties = append(a.Penalties, RiskPenalty{Source: source, Points: points, Reason: reason})
	a.RiskScore += points
}

func normalizeHSCode(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r == '.' || r == ' ' || r == '-':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func checkHSCode(hs, invoiceRaw string) fieldCheck {
	check := fieldCheck{field: domain.FieldHSCode, weight: weightHSCode}
	if !isDigits(hs) || len(hs) < 6 || len(hs) > 10 {
		check.verdict = verdictInvalid
		check.message = "HS Code is missing or not a 6-10 digit code"
		return check
	}
	if invoice := normalizeHSCode(invoiceRaw); invoice != "" {
		if !isDigits(invoice) || len(invoice) < 6 || invoice[:6] != hs[:6] {
			check.verdict = verdictMismatch
			check.message = "HS Code does not match the code on the commercial invoice"
		}
	}
	return check
}

func checkCountry(raw string) (string, verdict) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", verdictInvalid
	}
	if len(trimmed) == 2 {
		if _, ok := domain.CountryName(trimmed); ok {
			return strings.ToUpper(trimmed), verdictValid
		}
	}
	if code, ok := domain.CountryCodeForName(trimmed); ok {
		return code, verdictMismatch
	}
	return "", verdictInvalid
}

func countryMessage(field string, v verdict) string {
	switch v {
	case verdictInvalid:
		return field + " is missing or not a supported ISO 3166-1 alpha-2 code"
	case verdictMismatch:
		if field == domain.FieldDestinationCountry {
			return field + " must be an ISO alpha-2 code different from the origin"
		}
		return field + " should be given as an ISO alpha-2 code"
	default:
		return ""
	}
}

func checkDescription(raw string) fieldCheck {
	check := fieldCheck{field: domain.FieldProductDescription, weight: weightProductDescription}
	trimmed := strings.TrimSpace(raw)
	switch {
	case trimmed == "":
		check.verdict = verdictInvalid
		check.message = "Product Description is missing"
	case len([]rune(trimmed)) < minDescriptionLength:
		check.verdict = verdictMismatch
		check.message = "Product Description is too short to identify the goods"
	default:
		if _, generic := genericDescriptions[strings.ToLower(trimmed)]; generic {
			check.verdict = verdictMismatch
			check.message = "Product Description is too generic"
		}
	}
	return check
}

func checkDocument(name string, weight int, doc domain.DocumentCheck) fieldCheck {
	check := fieldCheck{field: name, weight: weight}
	switch {
	case !doc.Uploaded:
		check.verdict = verdictInvalid
		check.message = name + " has not been uploaded"
	case !doc.Checked:
		check.verdict = verdictMismatch
		check.message = name + " was uploaded but not verified"
	}
	return check
}

func checkAmount(field string, weight int, raw string) fieldCheck {
	check := fieldCheck{field: field, weight: weight}
	value, ok := parseAmount(raw)
	switch {
	case !ok:
		check.verdict = verdictInvalid
		check.message = field + " is missing or not numeric"
	case value <= 0:
		check.verdict = verdictMismatch
		check.message = field + " must be greater than zero"
	}
	return check
}

// parseAmount reads a number with an optional trailing unit such as "120 kg".
func parseAmount(raw string) (float64, bool) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimRightFunc(trimmed, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsSpace(r) })
	trimmed = strings.ReplaceAll(trimmed, ",", "")
	if trimmed == "" {
		return 0, false
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func findImportBan(destination, hs, description string) (importBanRule, bool) {
	rules := importBans[destination]
	lowered := strings.ToLower(description)
	for _, rule := range rules {
		if hs != "" && strings.HasPrefix(hs, rule.hsPrefix) {
			return rule, true
		}
		if rule.keyword != "" && strings.Contains(lowered, rule.keyword) {
			return rule, true
		}
	}
	return importBanRule{}, false
}

type categoryCheck struct {
	failed bool
	points int
	issue  string
}

func scoreCategories(fields domain.ShipmentFields, mandatory []fieldCheck, highRiskHS bool) []domain.CategoryScore {
	byField := make(map[string]verdict, len(mandatory))
	for _, check := range mandatory {
		byField[check.field] = check.verdict
	}
	mandatoryCheck := func(field string, points int) categoryCheck {
		switch byField[field] {
		case verdictInvalid:
			return categoryCheck{failed: true, points: points, issue: field + " invalid"}
		case verdictMismatch:
			return categoryCheck{failed: true, points: points / 2, issue: field + " inconsistent"}
		default:
			return categoryCheck{}
		}
	}

	incoterm := strings.ToUpper(strings.TrimSpace(fields.Incoterms))
	_, incotermValid := incoterms2020[incoterm]
	mode := strings.ToLower(strings.TrimSpace(fields.TransportMode))
	_, modeValid := transportModes[mode]
	eori := strings.ToUpper(strings.ReplaceAll(fields.EORINumber, " ", ""))
	taxID := strings.ToUpper(strings.ReplaceAll(fields.TaxID, " ", ""))
	intendedUse := strings.TrimSpace(fields.IntendedUse)
	licenses := fields.Documents[domain.DocLicensesAndPermits]

	categories := []struct {
		name   string
		checks []categoryCheck
	}{
		{domain.GroupShipmentDetails, []categoryCheck{
			mandatoryCheck(domain.FieldOriginCountry, 25),
			mandatoryCheck(domain.FieldDestinationCountry, 25),
			mandatoryCheck(domain.FieldHSCode, 20),
			mandatoryCheck(domain.FieldProductDescription, 15),
			mandatoryCheck(domain.FieldQuantity, 10),
			mandatoryCheck(domain.FieldGrossWeight, 5),
		}},
		{domain.GroupTradeAndRegulatoryDetails, []categoryCheck{
			{failed: incoterm == "", points: 40, issue: "Incoterms missing"},
			{failed: incoterm != "" && !incotermValid, points: 30, issue: "Incoterms not an Incoterms 2020 rule"},
			mandatoryCheck(domain.DocCommercialInvoice, 30),
			{failed: fields.DualUse && !licenses.Uploaded, points: 30, issue: "dual-use goods without export license"},
		}},
		{domain.GroupPartiesAndIdentifiers, []categoryCheck{
			{failed: strings.TrimSpace(fields.ShipperName) == "", points: 25, issue: "Shipper Name missing"},
			{failed: strings.TrimSpace(fields.ConsigneeName) == "", points: 25, issue: "Consignee Name missing"},
			{failed: eori != "" && !eoriPattern.MatchString(eori), points: 25, issue: "EORI Number malformed"},
			{failed: taxID != "" && !taxIDPattern.MatchString(taxID), points: 25, issue: "Tax ID malformed"},
			{failed: eori == "" && taxID == "", points: 30, issue: "no EORI Number or Tax ID"},
		}},
		{domain.GroupLogisticsAndHandling, []categoryCheck{
			{failed: mode == "", points: 30, issue: "Mode of Transport missing"},
			{failed: mode != "" && !modeValid, points: 25, issue: "Mode of Transport not recognised"},
			mandatoryCheck(domain.DocPackingList, 30),
			{failed: fields.Perishable && strings.TrimSpace(fields.TemperatureRequirement) == "", points: 30, issue: "perishable without temperature requirement"},
			{failed: (fields.Hazardous || highRiskHS) && !licenses.Uploaded, points: 25, issue: "controlled goods without permits"},
		}},
		{domain.GroupIntendedUseDetails, []categoryCheck{
			{failed: intendedUse == "", points: 60, issue: "Intended Use missing"},
			{failed: intendedUse != "" && len([]rune(intendedUse)) < minIntendedUseLength, points: 30, issue: "Intended Use unclear"},
			{failed: fields.DualUse && len([]rune(intendedUse)) < minIntendedUseLength, points: 20, issue: "dual-use goods need a specific end use"},
		}},
	}

	scores := make([]domain.CategoryScore, 0, len(categories))
	for _, category := range categories {
		score := 100
		var issues []string
		for _, check := range category.checks {
			if !check.failed || check.points <= 0 {
				continue
			}
			score -= check.points
			issues = append(issues, check.issue)
		}
		if score < 0 {
			score = 0
		}
		scores = append(scores, domain.CategoryScore{
			Category: category.name,
			Score:    score,
			Tier:     domain.TierForScore(score),
			Issues:   issues,
		})
	}
	return scores
}
