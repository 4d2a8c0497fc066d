package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ComplianceState is the internal compliance axis of a draft.
type ComplianceState string

const (
	// ComplianceNotDone marks drafts that never went through a compliance check.
	ComplianceNotDone ComplianceState = "notDone"
	// ComplianceCompliant marks drafts whose last check reported them ready for shipment.
	ComplianceCompliant ComplianceState = "compliant"
	// ComplianceNonCompliant marks drafts whose last check reported blocking issues.
	ComplianceNonCompliant ComplianceState = "nonCompliant"
)

// RouteState is the route-optimization axis of a draft.
type RouteState string

const (
	// RouteNotDone marks drafts without a chosen route.
	RouteNotDone RouteState = "notDone"
	// RouteDone marks drafts with a chosen route.
	RouteDone RouteState = "done"
)

// DraftStatuses is the two-axis status pair that decides the tab a draft appears under.
type DraftStatuses struct {
	Compliance        ComplianceState `json:"compliance"`
	RouteOptimization RouteState      `json:"routeOptimization"`
}

// NewDraftStatuses returns the initial status pair for newly created drafts.
func NewDraftStatuses() DraftStatuses {
	return DraftStatuses{Compliance: ComplianceNotDone, RouteOptimization: RouteNotDone}
}

// DraftTab names the listing filters over the status pair.
type DraftTab string

const (
	TabYetToBeChecked   DraftTab = "yet-to-be-checked"
	TabCompliant        DraftTab = "compliant"
	TabNonCompliant     DraftTab = "non-compliant"
	TabReadyForShipment DraftTab = "ready-for-shipment"
)

// ParseDraftTab validates a raw tab value.
func ParseDraftTab(raw string) (DraftTab, bool) {
	tab := DraftTab(strings.ToLower(strings.TrimSpace(raw)))
	switch tab {
	case TabYetToBeChecked, TabCompliant, TabNonCompliant, TabReadyForShipment:
		return tab, true
	default:
		return "", false
	}
}

// Predicate returns the compliance state and the accepted route states for the tab.
func (t DraftTab) Predicate() (ComplianceState, []RouteState) {
	switch t {
	case TabYetToBeChecked:
		return ComplianceNotDone, []RouteState{RouteNotDone, RouteDone}
	case TabCompliant:
		return ComplianceCompliant, []RouteState{RouteNotDone}
	case TabNonCompliant:
		return ComplianceNonCompliant, []RouteState{RouteNotDone}
	case TabReadyForShipment:
		return ComplianceCompliant, []RouteState{RouteDone}
	default:
		return "", nil
	}
}

// Matches reports whether the status pair satisfies the tab predicate.
func (t DraftTab) Matches(statuses DraftStatuses) bool {
	compliance, routes := t.Predicate()
	if compliance == "" || statuses.Compliance != compliance {
		return false
	}
	for _, state := range routes {
		if statuses.RouteOptimization == state {
			return true
		}
	}
	return false
}

// Draft is the mutable shipment record that accumulates analysis results.
type Draft struct {
	ID                  string
	OwnerID             string
	FormData            FormData
	ComplianceData      *ComplianceResult
	RouteData           *Route
	CarbonAnalysisData  *CarbonAnalysis
	ProductAnalysisData *ProductClassification
	Statuses            DraftStatuses
	Timestamp           time.Time
	ExpiresAt           *time.Time
}

// Ephemeral reports whether the draft is a short-lived carbon analysis holder.
func (d Draft) Ephemeral() bool {
	return d.ExpiresAt != nil
}

// Form sub-group names.
const (
	GroupShipmentDetails           = "ShipmentDetails"
	GroupTradeAndRegulatoryDetails = "TradeAndRegulatoryDetails"
	GroupPartiesAndIdentifiers     = "PartiesAndIdentifiers"
	GroupLogisticsAndHandling      = "LogisticsAndHandling"
	GroupIntendedUseDetails        = "IntendedUseDetails"
	GroupDocumentVerification      = "DocumentVerification"
)

// Field keys read by the compliance engine.
const (
	FieldOriginCountry          = "Origin Country"
	FieldDestinationCountry     = "Destination Country"
	FieldHSCode                 = "HS Code"
	FieldProductDescription     = "Product Description"
	FieldQuantity               = "Quantity"
	FieldGrossWeight            = "Gross Weight"
	FieldIncoterms              = "Incoterms"
	FieldInvoiceHSCode          = "Invoice HS Code"
	FieldDualUse                = "Dual-Use Goods"
	FieldShipperName            = "Shipper Name"
	FieldConsigneeName          = "Consignee Name"
	FieldEORINumber             = "EORI Number"
	FieldTaxID                  = "Tax ID"
	FieldTransportMode          = "Mode of Transport"
	FieldHazardous              = "Hazardous Material"
	FieldPerishable             = "Perishable"
	FieldTemperatureRequirement = "Temperature Requirement"
	FieldIntendedUse            = "Intended Use"
)

// Document names tracked under DocumentVerification.
const (
	DocCommercialInvoice   = "Commercial Invoice"
	DocPackingList         = "Packing List"
	DocCertificateOfOrigin = "Certificate of Origin"
	DocLicensesAndPermits  = "Licenses/Permits"
)

// FormFields is an open key/value sub-group of shipment attributes.
type FormFields map[string]any

// DocumentCheck records whether a supporting document was uploaded and reviewed.
type DocumentCheck struct {
	Uploaded bool   `json:"uploaded"`
	Checked  bool   `json:"checked"`
	FileName string `json:"fileName,omitempty"`
}

// FormData groups shipment attributes by sub-group. Keys outside the known groups are kept in Extra
// and serialised next to the known groups, so a form read back can be submitted again unchanged.
type FormData struct {
	ShipmentDetails           FormFields               `json:"ShipmentDetails,omitempty"`
	TradeAndRegulatoryDetails FormFields               `json:"TradeAndRegulatoryDetails,omitempty"`
	PartiesAndIdentifiers     FormFields               `json:"PartiesAndIdentifiers,omitempty"`
	LogisticsAndHandling      FormFields               `json:"LogisticsAndHandling,omitempty"`
	IntendedUseDetails        FormFields               `json:"IntendedUseDetails,omitempty"`
	DocumentVerification      map[string]DocumentCheck `json:"DocumentVerification,omitempty"`
	Extra                     map[string]any           `json:"-"`
}

// formGroups is FormData without its methods, used to encode the known groups.
type formGroups FormData

// MarshalJSON writes Extra entries as top-level keys. Known group names always win.
func (f FormData) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(formGroups(f))
	if err != nil || len(f.Extra) == 0 {
		return known, err
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(known, &out); err != nil {
		return nil, err
	}
	for key, value := range f.Extra {
		if IsFormSection(key) {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("formData.%s: %w", key, err)
		}
		out[key] = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads known groups into their fields and every other key into Extra.
func (f *FormData) UnmarshalJSON(data []byte) error {
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(data, &sections); err != nil {
		return err
	}
	var groups formGroups
	if err := json.Unmarshal(data, &groups); err != nil {
		return err
	}
	*f = FormData(groups)
	f.Extra = nil
	for key, raw := range sections {
		if IsFormSection(key) {
			continue
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return fmt.Errorf("formData.%s: %w", key, err)
		}
		if f.Extra == nil {
			f.Extra = map[string]any{}
		}
		f.Extra[key] = value
	}
	return nil
}

// IsFormSection reports whether name is one of the typed FormData sections.
func IsFormSection(name string) bool {
	switch name {
	case GroupShipmentDetails, GroupTradeAndRegulatoryDetails, GroupPartiesAndIdentifiers,
		GroupLogisticsAndHandling, GroupIntendedUseDetails, GroupDocumentVerification:
		return true
	}
	return false
}

// Group returns the named sub-group, or nil for unknown names.
func (f FormData) Group(name string) FormFields {
	switch name {
	case GroupShipmentDetails:
		return f.ShipmentDetails
	case GroupTradeAndRegulatoryDetails:
		return f.TradeAndRegulatoryDetails
	case GroupPartiesAndIdentifiers:
		return f.PartiesAndIdentifiers
	case GroupLogisticsAndHandling:
		return f.LogisticsAndHandling
	case GroupIntendedUseDetails:
		return f.IntendedUseDetails
	default:
		return nil
	}
}

// SetField writes a value into the named sub-group, allocating it when needed.
// It reports false for unknown group names.
func (f *FormData) SetField(group, key string, value any) bool {
	var target *FormFields
	switch group {
	case GroupShipmentDetails:
		target = &f.ShipmentDetails
	case GroupTradeAndRegulatoryDetails:
		target = &f.TradeAndRegulatoryDetails
	case GroupPartiesAndIdentifiers:
		target = &f.PartiesAndIdentifiers
	case GroupLogisticsAndHandling:
		target = &f.LogisticsAndHandling
	case GroupIntendedUseDetails:
		target = &f.IntendedUseDetails
	default:
		return false
	}
	if *target == nil {
		*target = FormFields{}
	}
	(*target)[key] = value
	return true
}

// Document returns the verification state of a document.
func (f FormData) Document(name string) DocumentCheck {
	if f.DocumentVerification == nil {
		return DocumentCheck{}
	}
	return f.DocumentVerification[name]
}

// Empty reports whether no sub-group carries any value.
func (f FormData) Empty() bool {
	return len(f.ShipmentDetails) == 0 &&
		len(f.TradeAndRegulatoryDetails) == 0 &&
		len(f.PartiesAndIdentifiers) == 0 &&
		len(f.LogisticsAndHandling) == 0 &&
		len(f.IntendedUseDetails) == 0 &&
		len(f.DocumentVerification) == 0 &&
		len(f.Extra) == 0
}

// ShipmentFields is the typed view of the form keys the compliance engine reads.
type ShipmentFields struct {
	HSCode                 string
	InvoiceHSCode          string
	OriginCountry          string
	DestinationCountry     string
	ProductDescription     string
	Quantity               string
	GrossWeight            string
	Incoterms              string
	ShipperName            string
	ConsigneeName          string
	EORINumber             string
	TaxID                  string
	TransportMode          string
	TemperatureRequirement string
	IntendedUse            string
	DualUse                bool
	Hazardous              bool
	Perishable             bool
	Documents              map[string]DocumentCheck
}

// ShipmentFields extracts the typed view from the loose form.
func (f FormData) ShipmentFields() ShipmentFields {
	docs := make(map[string]DocumentCheck, len(f.DocumentVerification))
	for name, check := range f.DocumentVerification {
		docs[name] = check
	}
	return ShipmentFields{
		HSCode:                 f.ShipmentDetails.String(FieldHSCode),
		InvoiceHSCode:          f.TradeAndRegulatoryDetails.String(FieldInvoiceHSCode),
		OriginCountry:          f.ShipmentDetails.String(FieldOriginCountry),
		DestinationCountry:     f.ShipmentDetails.String(FieldDestinationCountry),
		ProductDescription:     f.ShipmentDetails.String(FieldProductDescription),
		Quantity:               f.ShipmentDetails.String(FieldQuantity),
		GrossWeight:            f.ShipmentDetails.String(FieldGrossWeight),
		Incoterms:              f.TradeAndRegulatoryDetails.String(FieldIncoterms),
		ShipperName:            f.PartiesAndIdentifiers.String(FieldShipperName),
		ConsigneeName:          f.PartiesAndIdentifiers.String(FieldConsigneeName),
		EORINumber:             f.PartiesAndIdentifiers.String(FieldEORINumber),
		TaxID:                  f.PartiesAndIdentifiers.String(FieldTaxID),
		TransportMode:          f.LogisticsAndHandling.String(FieldTransportMode),
		TemperatureRequirement: f.LogisticsAndHandling.String(FieldTemperatureRequirement),
		IntendedUse:            f.IntendedUseDetails.String(FieldIntendedUse),
		DualUse:                f.TradeAndRegulatoryDetails.Flag(FieldDualUse),
		Hazardous:              f.LogisticsAndHandling.Flag(FieldHazardous),
		Perishable:             f.LogisticsAndHandling.Flag(FieldPerishable),
		Documents:              docs,
	}
}

// String renders the value under key as trimmed text. Numbers keep their shortest form.
func (g FormFields) String(key string) string {
	if g == nil {
		return ""
	}
	switch v := g[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		if v {
			return "Yes"
		}
		return "No"
	default:
		return ""
	}
}

// Flag reads a Yes/No value. Booleans are accepted as-is.
func (g FormFields) Flag(key string) bool {
	if g == nil {
		return false
	}
	switch v := g[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "yes", "y", "true":
			return true
		}
	}
	return false
}
