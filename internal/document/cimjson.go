package document

import (
	"encoding/json"
	"fmt"

	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outgoing"
)

// CIMJSONWriter writes the CIM JSON documents. Coded values are wrapped in
// {"value": ...} objects the way the CIM JSON schemas define them.
type CIMJSONWriter struct {
	types typeSet
}

func NewCIMJSONWriter(types ...outgoing.DocumentType) *CIMJSONWriter {
	return &CIMJSONWriter{types: newTypeSet(types)}
}

func (w *CIMJSONWriter) HandlesType(t outgoing.DocumentType) bool {
	_, known := cimDocuments[t]
	return known && w.types[t]
}

func (w *CIMJSONWriter) HandlesFormat(f outgoing.DocumentFormat) bool {
	return f == outgoing.FormatJSON
}

func (w *CIMJSONWriter) ContentType() string {
	return "application/json"
}

type jsonValue struct {
	Value string `json:"value"`
}

type jsonCoded struct {
	CodingScheme string `json:"codingScheme"`
	Value        string `json:"value"`
}

func coded(v string) *jsonValue {
	if v == "" {
		return nil
	}
	return &jsonValue{Value: v}
}

func partyJSON(number string) *jsonCoded {
	if number == "" {
		return nil
	}
	return &jsonCoded{CodingScheme: codingScheme(number), Value: number}
}

type jsonDocument struct {
	MRID               string       `json:"mRID"`
	Type               jsonValue    `json:"type"`
	ProcessType        jsonValue    `json:"process.processType"`
	BusinessSectorType jsonValue    `json:"businessSector.type"`
	SenderMRID         jsonCoded    `json:"sender_MarketParticipant.mRID"`
	SenderRole         jsonValue    `json:"sender_MarketParticipant.marketRole.type"`
	ReceiverMRID       jsonCoded    `json:"receiver_MarketParticipant.mRID"`
	ReceiverRole       jsonValue    `json:"receiver_MarketParticipant.marketRole.type"`
	CreatedDateTime    string       `json:"createdDateTime"`
	ReasonCode         *jsonValue   `json:"reason.code,omitempty"`
	Series             []jsonSeries `json:"Series"`
}

type jsonSeries struct {
	MRID                   string       `json:"mRID"`
	Version                int64        `json:"version,omitempty"`
	OriginalTransactionRef string       `json:"originalTransactionIDReference_Series.mRID,omitempty"`
	MarketEvaluationPoint  *jsonCoded   `json:"marketEvaluationPoint.mRID,omitempty"`
	MeteringPointType      *jsonValue   `json:"marketEvaluationPoint.type,omitempty"`
	SettlementMethod       *jsonValue   `json:"marketEvaluationPoint.settlementMethod,omitempty"`
	GridArea               *jsonCoded   `json:"meteringGridArea_Domain.mRID,omitempty"`
	EnergySupplier         *jsonCoded   `json:"energySupplier_MarketParticipant.mRID,omitempty"`
	BalanceResponsible     *jsonCoded   `json:"balanceResponsibleParty_MarketParticipant.mRID,omitempty"`
	Product                string       `json:"product,omitempty"`
	MeasureUnit            *jsonValue   `json:"quantity_Measure_Unit.name,omitempty"`
	Period                 *jsonPeriod  `json:"Period,omitempty"`
	Reasons                []jsonReason `json:"Reason,omitempty"`
	RejectedTransactionRef string       `json:"original_Transaction_IDReference_Series.mRID,omitempty"`
}

type jsonPeriod struct {
	Resolution   string           `json:"resolution"`
	TimeInterval jsonTimeInterval `json:"timeInterval"`
	Points       []jsonPoint      `json:"Point"`
}

type jsonTimeInterval struct {
	Start jsonValue `json:"start"`
	End   jsonValue `json:"end"`
}

type jsonPoint struct {
	Position jsonValue   `json:"position"`
	Quantity json.Number `json:"quantity,omitempty"`
	Quality  *jsonValue  `json:"quality,omitempty"`
}

type jsonReason struct {
	Code jsonValue `json:"code"`
	Text string    `json:"text,omitempty"`
}

func (w *CIMJSONWriter) Write(h Header, fragments []json.RawMessage) ([]byte, error) {
	def, ok := cimDocuments[h.DocumentType]
	if !ok || !w.types[h.DocumentType] {
		return nil, &UnsupportedFormatError{DocumentType: h.DocumentType, Format: outgoing.FormatJSON}
	}
	series, err := parseFragments(fragments)
	if err != nil {
		return nil, err
	}

	doc := jsonDocument{
		MRID:               h.MessageID,
		Type:               jsonValue{Value: def.typeCode},
		ProcessType:        jsonValue{Value: code(businessReasonCodes, h.BusinessReason)},
		BusinessSectorType: jsonValue{Value: businessSectorElectricity},
		SenderMRID:         jsonCoded{CodingScheme: codingScheme(h.SenderNumber), Value: h.SenderNumber},
		SenderRole:         jsonValue{Value: code(roleCodes, h.SenderRole)},
		ReceiverMRID:       jsonCoded{CodingScheme: codingScheme(h.ReceiverNumber), Value: h.ReceiverNumber},
		ReceiverRole:       jsonValue{Value: code(roleCodes, h.ReceiverRole)},
		CreatedDateTime:    formatTime(h.CreatedAt),
	}
	if def.reject {
		doc.ReasonCode = &jsonValue{Value: rejectReasonCode}
	}
	for _, s := range series {
		if def.reject {
			doc.Series = append(doc.Series, rejectSeriesJSON(s))
			continue
		}
		doc.Series = append(doc.Series, seriesJSON(h.DocumentType, s))
	}

	out, err := json.Marshal(map[string]jsonDocument{def.root: doc})
	if err != nil {
		return nil, fmt.Errorf("serializing %s: %w", def.root, err)
	}
	return out, nil
}

func seriesJSON(t outgoing.DocumentType, s *Series) jsonSeries {
	js := jsonSeries{
		MRID:                   s.TransactionID,
		Version:                s.Version,
		OriginalTransactionRef: s.OriginalTransactionIDReference,
		MeteringPointType:      coded(code(meteringPointTypeCodes, s.MeteringPointType)),
		SettlementMethod:       coded(code(settlementMethodCodes, s.SettlementMethod)),
		EnergySupplier:         partyJSON(s.EnergySupplierNumber),
		BalanceResponsible:     partyJSON(s.BalanceResponsibleNumber),
		Product:                product(s),
		MeasureUnit:            coded(code(measureUnitCodes, s.MeasureUnit)),
	}
	if t == outgoing.DocumentNotifyValidatedMeasureData {
		js.MarketEvaluationPoint = partyJSON(s.MeteringPointID)
	}
	if s.GridArea != "" {
		js.GridArea = &jsonCoded{CodingScheme: "NDK", Value: s.GridArea}
	}
	if s.Period != nil {
		p := &jsonPeriod{
			Resolution: s.Period.Resolution,
			TimeInterval: jsonTimeInterval{
				Start: jsonValue{Value: formatPeriodTime(s.Period.Start)},
				End:   jsonValue{Value: formatPeriodTime(s.Period.End)},
			},
			Points: make([]jsonPoint, 0, len(s.Period.Points)),
		}
		for _, pt := range s.Period.Points {
			jp := jsonPoint{
				Position: jsonValue{Value: fmt.Sprint(pt.Position)},
				Quality:  coded(code(cimQualityCodes, pt.Quality)),
			}
			if pt.Quantity != nil {
				jp.Quantity = json.Number(pt.Quantity.String())
			}
			p.Points = append(p.Points, jp)
		}
		js.Period = p
	}
	return js
}

func rejectSeriesJSON(s *Series) jsonSeries {
	js := jsonSeries{
		MRID:                   s.TransactionID,
		RejectedTransactionRef: s.OriginalTransactionIDReference,
	}
	for _, r := range s.Reasons {
		js.Reasons = append(js.Reasons, jsonReason{Code: jsonValue{Value: r.Code}, Text: r.Text})
	}
	return js
}
