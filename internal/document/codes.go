package document

import (
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outgoing"
)

const (
	cimTimeFormat    = "2006-01-02T15:04:05Z"
	periodTimeFormat = "2006-01-02T15:04Z"

	businessSectorElectricity = "23"
	defaultProduct            = "8716867000030"
	rejectReasonCode          = "A02"
)

type cimDocument struct {
	root      string
	namespace string
	typeCode  string
	reject    bool
}

var cimDocuments = map[outgoing.DocumentType]cimDocument{
	outgoing.DocumentNotifyAggregatedMeasureData: {
		root:      "NotifyAggregatedMeasureData_MarketDocument",
		namespace: "urn:ediel.org:measure:notifyaggregatedmeasuredata:0:1",
		typeCode:  "E31",
	},
	outgoing.DocumentRejectRequestAggregatedMeasureData: {
		root:      "RejectRequestAggregatedMeasureData_MarketDocument",
		namespace: "urn:ediel.org:measure:rejectrequestaggregatedmeasuredata:0:1",
		typeCode:  "ERR",
		reject:    true,
	},
	outgoing.DocumentNotifyValidatedMeasureData: {
		root:      "NotifyValidatedMeasureData_MarketDocument",
		namespace: "urn:ediel.org:measure:notifyvalidatedmeasuredata:0:1",
		typeCode:  "E66",
	},
	outgoing.DocumentRejectRequestValidatedMeasureData: {
		root:      "RejectRequestValidatedMeasureData_MarketDocument",
		namespace: "urn:ediel.org:measure:rejectrequestvalidatedmeasuredata:0:1",
		typeCode:  "ERR",
		reject:    true,
	},
}

type ebixDocument struct {
	root      string
	namespace string
	typeCode  string
}

var ebixDocuments = map[outgoing.DocumentType]ebixDocument{
	outgoing.DocumentNotifyAggregatedMeasureData: {
		root:      "DK_AggregatedMeteredDataTimeSeries",
		namespace: "un:unece:260:data:EEM-DK_AggregatedMeteredDataTimeSeries:v3",
		typeCode:  "E31",
	},
	outgoing.DocumentNotifyValidatedMeasureData: {
		root:      "DK_MeteredDataTimeSeries",
		namespace: "un:unece:260:data:EEM-DK_MeteredDataTimeSeries:v3",
		typeCode:  "E66",
	},
}

var roleCodes = map[outgoing.ActorRole]string{
	outgoing.RoleEnergySupplier:             "DDQ",
	outgoing.RoleGridAccessProvider:         "DDM",
	outgoing.RoleMeteredDataResponsible:     "MDR",
	outgoing.RoleBalanceResponsibleParty:    "DDK",
	outgoing.RoleMeteringPointAdministrator: "DDZ",
	outgoing.RoleDataHubAdministrator:       "DGL",
}

var businessReasonCodes = map[outgoing.BusinessReason]string{
	outgoing.ReasonPreliminaryAggregation: "D03",
	outgoing.ReasonBalanceFixing:          "D04",
	outgoing.ReasonWholesaleFixing:        "D05",
	outgoing.ReasonCorrection:             "D32",
	outgoing.ReasonPeriodicMetering:       "E23",
}

var meteringPointTypeCodes = map[string]string{
	"Consumption": "E17",
	"Production":  "E18",
	"Exchange":    "E20",
}

var settlementMethodCodes = map[string]string{
	"Flex":        "D01",
	"NonProfiled": "E02",
}

var measureUnitCodes = map[string]string{
	"kWh": "KWH",
	"MWh": "MWH",
}

var cimQualityCodes = map[string]string{
	"Missing":    "A02",
	"Estimated":  "A03",
	"Measured":   "A04",
	"Calculated": "A06",
}

var ebixQualityCodes = map[string]string{
	"Estimated":  "56",
	"Measured":   "E01",
	"Calculated": "D01",
	"Missing":    "A02",
}

// code translates a domain name; values without a mapping are assumed to be
// codes already.
func code[K ~string](table map[K]string, v K) string {
	if c, ok := table[v]; ok {
		return c
	}
	return string(v)
}

// codingScheme returns the CIM scheme of a party number: A10 for GLN, A01 for EIC.
func codingScheme(number string) string {
	if len(number) == 13 {
		return "A10"
	}
	return "A01"
}

// ebixSchemeAgency is the ebIX counterpart of codingScheme.
func ebixSchemeAgency(number string) string {
	if len(number) == 13 {
		return "9"
	}
	return "305"
}

func formatTime(t time.Time) string {
	return t.UTC().Format(cimTimeFormat)
}

func formatPeriodTime(t time.Time) string {
	return t.UTC().Format(periodTimeFormat)
}

func product(s *Series) string {
	if s.Product == "" {
		return defaultProduct
	}
	return s.Product
}
