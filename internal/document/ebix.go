package document

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/beevik/etree"

	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outgoing"
)

// EbixWriter writes the Danish ebIX time series documents. An ebIX document
// carries exactly one activity record.
type EbixWriter struct {
	types typeSet
}

func NewEbixWriter(types ...outgoing.DocumentType) *EbixWriter {
	return &EbixWriter{types: newTypeSet(types)}
}

func (w *EbixWriter) HandlesType(t outgoing.DocumentType) bool {
	_, known := ebixDocuments[t]
	return known && w.types[t]
}

func (w *EbixWriter) HandlesFormat(f outgoing.DocumentFormat) bool {
	return f == outgoing.FormatEbix
}

func (w *EbixWriter) ContentType() string {
	return "application/xml"
}

func (w *EbixWriter) Write(h Header, fragments []json.RawMessage) ([]byte, error) {
	def, ok := ebixDocuments[h.DocumentType]
	if !ok || !w.types[h.DocumentType] {
		return nil, &UnsupportedFormatError{DocumentType: h.DocumentType, Format: outgoing.FormatEbix}
	}
	if len(fragments) != 1 {
		return nil, fmt.Errorf("ebIX %s carries one activity record, got %d", def.root, len(fragments))
	}
	series, err := parseFragments(fragments)
	if err != nil {
		return nil, err
	}
	s := series[0]

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("ns0:" + def.root)
	root.CreateAttr("xmlns:ns0", def.namespace)

	header := root.CreateElement("HeaderEnergyDocument")
	text(header, "Identification", h.MessageID)
	listed(header, "DocumentType", def.typeCode, "260")
	text(header, "Creation", formatTime(h.CreatedAt))
	ebixParty(header.CreateElement("SenderEnergyParty"), h.SenderNumber)
	ebixParty(header.CreateElement("RecipientEnergyParty"), h.ReceiverNumber)

	process := root.CreateElement("ProcessEnergyContext")
	listed(process, "EnergyBusinessProcess", code(businessReasonCodes, h.BusinessReason), "260")
	listed(process, "EnergyBusinessProcessRole", code(roleCodes, h.ReceiverRole), "260")
	listed(process, "EnergyIndustryClassification", businessSectorElectricity, "6")

	payload := root.CreateElement("PayloadEnergyTimeSeries")
	text(payload, "Identification", s.TransactionID)
	listed(payload, "Function", "9", "6")
	if s.Period != nil {
		period := payload.CreateElement("ObservationTimeSeriesPeriod")
		listed(period, "ResolutionDuration", s.Period.Resolution, "6")
		text(period, "Start", formatTime(s.Period.Start))
		text(period, "End", formatTime(s.Period.End))
	}

	characteristic := payload.CreateElement("IncludedProductCharacteristic")
	listed(characteristic, "Identification", product(s), "9")
	if unit := code(measureUnitCodes, s.MeasureUnit); unit != "" {
		listed(characteristic, "UnitType", unit, "260")
	}

	if mpType := code(meteringPointTypeCodes, s.MeteringPointType); mpType != "" {
		mp := payload.CreateElement("DetailMeasurementMeteringPointCharacteristic")
		listed(mp, "TypeOfMeteringPoint", mpType, "260")
		if method := code(settlementMethodCodes, s.SettlementMethod); method != "" {
			listed(mp, "SettlementMethod", method, "260")
		}
	}

	if h.DocumentType == outgoing.DocumentNotifyValidatedMeasureData {
		loc := payload.CreateElement("MeteringPointDomainLocation")
		id := text(loc, "Identification", s.MeteringPointID)
		id.CreateAttr("schemeAgencyIdentifier", "9")
	}
	if s.GridArea != "" {
		area := payload.CreateElement("MeteringGridAreaUsedDomainLocation")
		id := text(area, "Identification", s.GridArea)
		id.CreateAttr("schemeAgencyIdentifier", "260")
		id.CreateAttr("schemeIdentifier", "DK")
	}
	if s.BalanceResponsibleNumber != "" {
		ebixParty(payload.CreateElement("BalanceResponsibleEnergyParty"), s.BalanceResponsibleNumber)
	}
	if s.EnergySupplierNumber != "" {
		ebixParty(payload.CreateElement("BalanceSupplierEnergyParty"), s.EnergySupplierNumber)
	}

	if s.Period != nil {
		for _, p := range s.Period.Points {
			obs := payload.CreateElement("IntervalEnergyObservation")
			text(obs, "Position", strconv.Itoa(p.Position))
			if p.Quantity != nil {
				text(obs, "EnergyQuantity", p.Quantity.String())
			}
			if q := code(ebixQualityCodes, p.Quality); q != "" {
				listed(obs, "QuantityQuality", q, "260")
			}
		}
	}

	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serializing %s: %w", def.root, err)
	}
	return out, nil
}

func listed(parent *etree.Element, tag, value, agency string) {
	el := text(parent, tag, value)
	el.CreateAttr("listAgencyIdentifier", agency)
}

func ebixParty(parent *etree.Element, number string) {
	el := text(parent, "Identification", number)
	el.CreateAttr("schemeAgencyIdentifier", ebixSchemeAgency(number))
}
