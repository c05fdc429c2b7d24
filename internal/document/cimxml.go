package document

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/beevik/etree"

	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outgoing"
)

// CIMXMLWriter writes the IEC CIM XML documents.
type CIMXMLWriter struct {
	types typeSet
}

func NewCIMXMLWriter(types ...outgoing.DocumentType) *CIMXMLWriter {
	return &CIMXMLWriter{types: newTypeSet(types)}
}

func (w *CIMXMLWriter) HandlesType(t outgoing.DocumentType) bool {
	_, known := cimDocuments[t]
	return known && w.types[t]
}

func (w *CIMXMLWriter) HandlesFormat(f outgoing.DocumentFormat) bool {
	return f == outgoing.FormatXML
}

func (w *CIMXMLWriter) ContentType() string {
	return "application/xml"
}

func (w *CIMXMLWriter) Write(h Header, fragments []json.RawMessage) ([]byte, error) {
	def, ok := cimDocuments[h.DocumentType]
	if !ok || !w.types[h.DocumentType] {
		return nil, &UnsupportedFormatError{DocumentType: h.DocumentType, Format: outgoing.FormatXML}
	}
	series, err := parseFragments(fragments)
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("cim:" + def.root)
	root.CreateAttr("xmlns:cim", def.namespace)
	text(root, "cim:mRID", h.MessageID)
	text(root, "cim:type", def.typeCode)
	text(root, "cim:process.processType", code(businessReasonCodes, h.BusinessReason))
	text(root, "cim:businessSector.type", businessSectorElectricity)
	party(root, "cim:sender_MarketParticipant.mRID", h.SenderNumber)
	text(root, "cim:sender_MarketParticipant.marketRole.type", code(roleCodes, h.SenderRole))
	party(root, "cim:receiver_MarketParticipant.mRID", h.ReceiverNumber)
	text(root, "cim:receiver_MarketParticipant.marketRole.type", code(roleCodes, h.ReceiverRole))
	text(root, "cim:createdDateTime", formatTime(h.CreatedAt))
	if def.reject {
		text(root, "cim:reason.code", rejectReasonCode)
	}

	for _, s := range series {
		el := root.CreateElement("cim:Series")
		if def.reject {
			writeRejectSeriesXML(el, s)
			continue
		}
		writeSeriesXML(el, h.DocumentType, s)
	}

	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serializing %s: %w", def.root, err)
	}
	return out, nil
}

func writeSeriesXML(el *etree.Element, t outgoing.DocumentType, s *Series) {
	text(el, "cim:mRID", s.TransactionID)
	if s.Version > 0 {
		text(el, "cim:version", strconv.FormatInt(s.Version, 10))
	}
	if s.OriginalTransactionIDReference != "" {
		text(el, "cim:originalTransactionIDReference_Series.mRID", s.OriginalTransactionIDReference)
	}
	if t == outgoing.DocumentNotifyValidatedMeasureData {
		party(el, "cim:marketEvaluationPoint.mRID", s.MeteringPointID)
	}
	optional(el, "cim:marketEvaluationPoint.type", code(meteringPointTypeCodes, s.MeteringPointType))
	optional(el, "cim:marketEvaluationPoint.settlementMethod", code(settlementMethodCodes, s.SettlementMethod))
	if s.GridArea != "" {
		area := el.CreateElement("cim:meteringGridArea_Domain.mRID")
		area.CreateAttr("codingScheme", "NDK")
		area.SetText(s.GridArea)
	}
	if s.EnergySupplierNumber != "" {
		party(el, "cim:energySupplier_MarketParticipant.mRID", s.EnergySupplierNumber)
	}
	if s.BalanceResponsibleNumber != "" {
		party(el, "cim:balanceResponsibleParty_MarketParticipant.mRID", s.BalanceResponsibleNumber)
	}
	text(el, "cim:product", product(s))
	optional(el, "cim:quantity_Measure_Unit.name", code(measureUnitCodes, s.MeasureUnit))

	if s.Period == nil {
		return
	}
	period := el.CreateElement("cim:Period")
	text(period, "cim:resolution", s.Period.Resolution)
	interval := period.CreateElement("cim:timeInterval")
	text(interval, "cim:start", formatPeriodTime(s.Period.Start))
	text(interval, "cim:end", formatPeriodTime(s.Period.End))
	for _, p := range s.Period.Points {
		point := period.CreateElement("cim:Point")
		text(point, "cim:position", strconv.Itoa(p.Position))
		if p.Quantity != nil {
			text(point, "cim:quantity", p.Quantity.String())
		}
		optional(point, "cim:quality", code(cimQualityCodes, p.Quality))
	}
}

func writeRejectSeriesXML(el *etree.Element, s *Series) {
	text(el, "cim:mRID", s.TransactionID)
	for _, r := range s.Reasons {
		reason := el.CreateElement("cim:Reason")
		text(reason, "cim:code", r.Code)
		optional(reason, "cim:text", r.Text)
	}
	optional(el, "cim:original_Transaction_IDReference_Series.mRID", s.OriginalTransactionIDReference)
}

func text(parent *etree.Element, tag, value string) *etree.Element {
	el := parent.CreateElement(tag)
	el.SetText(value)
	return el
}

func optional(parent *etree.Element, tag, value string) {
	if value != "" {
		text(parent, tag, value)
	}
}

func party(parent *etree.Element, tag, number string) {
	el := text(parent, tag, number)
	el.CreateAttr("codingScheme", codingScheme(number))
}
