package document

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Series is the activity record stored as the content of an outgoing message.
// Enumerated fields hold domain names and are translated to codes per format.
type Series struct {
	TransactionID                  string   `json:"transactionId"`
	OriginalTransactionIDReference string   `json:"originalTransactionIdReference,omitempty"`
	Version                        int64    `json:"version,omitempty"`
	GridArea                       string   `json:"gridArea,omitempty"`
	MeteringPointID                string   `json:"meteringPointId,omitempty"`
	MeteringPointType              string   `json:"meteringPointType,omitempty"`
	SettlementMethod               string   `json:"settlementMethod,omitempty"`
	EnergySupplierNumber           string   `json:"energySupplierNumber,omitempty"`
	BalanceResponsibleNumber       string   `json:"balanceResponsibleNumber,omitempty"`
	Product                        string   `json:"product,omitempty"`
	MeasureUnit                    string   `json:"measureUnit,omitempty"`
	Period                         *Period  `json:"period,omitempty"`
	Reasons                        []Reason `json:"reasons,omitempty"`
}

type Period struct {
	Resolution string    `json:"resolution"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Points     []Point   `json:"points"`
}

type Point struct {
	Position int              `json:"position"`
	Quantity *decimal.Decimal `json:"quantity,omitempty"`
	Quality  string           `json:"quality,omitempty"`
}

// Reason explains a rejected request.
type Reason struct {
	Code string `json:"code"`
	Text string `json:"text,omitempty"`
}

func ParseSeries(raw json.RawMessage) (*Series, error) {
	var s Series
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s.TransactionID == "" {
		return nil, errors.New("transaction id is required")
	}
	return &s, nil
}
