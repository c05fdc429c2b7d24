package outgoing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type ActorRole string

const (
	RoleEnergySupplier             ActorRole = "EnergySupplier"
	RoleGridAccessProvider         ActorRole = "GridAccessProvider"
	RoleMeteredDataResponsible     ActorRole = "MeteredDataResponsible"
	RoleBalanceResponsibleParty    ActorRole = "BalanceResponsibleParty"
	RoleMeteringPointAdministrator ActorRole = "MeteringPointAdministrator"
	RoleDataHubAdministrator       ActorRole = "DataHubAdministrator"
)

var actorRoles = []ActorRole{
	RoleEnergySupplier,
	RoleGridAccessProvider,
	RoleMeteredDataResponsible,
	RoleBalanceResponsibleParty,
	RoleMeteringPointAdministrator,
	RoleDataHubAdministrator,
}

// ParseActorRole matches a role name case-insensitively.
func ParseActorRole(s string) (ActorRole, error) {
	for _, r := range actorRoles {
		if strings.EqualFold(string(r), s) {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown actor role %q", s)
}

type Category string

const (
	CategoryAggregations Category = "Aggregations"
	CategoryMeasureData  Category = "MeasureData"
)

// ParseCategory matches a category name case-insensitively.
func ParseCategory(s string) (Category, error) {
	for _, c := range []Category{CategoryAggregations, CategoryMeasureData} {
		if strings.EqualFold(string(c), s) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown message category %q", s)
}

type DocumentType string

const (
	DocumentNotifyAggregatedMeasureData        DocumentType = "NotifyAggregatedMeasureData"
	DocumentRejectRequestAggregatedMeasureData DocumentType = "RejectRequestAggregatedMeasureData"
	DocumentNotifyValidatedMeasureData         DocumentType = "NotifyValidatedMeasureData"
	DocumentRejectRequestValidatedMeasureData  DocumentType = "RejectRequestValidatedMeasureData"
)

var documentCategories = map[DocumentType]Category{
	DocumentNotifyAggregatedMeasureData:        CategoryAggregations,
	DocumentRejectRequestAggregatedMeasureData: CategoryAggregations,
	DocumentNotifyValidatedMeasureData:         CategoryMeasureData,
	DocumentRejectRequestValidatedMeasureData:  CategoryMeasureData,
}

// DocumentTypes lists every document type the hub can bundle, in a stable order.
func DocumentTypes() []DocumentType {
	return []DocumentType{
		DocumentNotifyAggregatedMeasureData,
		DocumentRejectRequestAggregatedMeasureData,
		DocumentNotifyValidatedMeasureData,
		DocumentRejectRequestValidatedMeasureData,
	}
}

// Category returns the retrieval category the document type is peeked under,
// or "" for unknown types.
func (t DocumentType) Category() Category {
	return documentCategories[t]
}

type BusinessReason string

const (
	ReasonPreliminaryAggregation BusinessReason = "PreliminaryAggregation"
	ReasonBalanceFixing          BusinessReason = "BalanceFixing"
	ReasonWholesaleFixing        BusinessReason = "WholesaleFixing"
	ReasonCorrection             BusinessReason = "Correction"
	ReasonPeriodicMetering       BusinessReason = "PeriodicMetering"
)

type DocumentFormat string

const (
	FormatXML  DocumentFormat = "Xml"
	FormatJSON DocumentFormat = "Json"
	FormatEbix DocumentFormat = "Ebix"
)

// DocumentFormats lists the payload formats in a stable order.
func DocumentFormats() []DocumentFormat {
	return []DocumentFormat{FormatXML, FormatJSON, FormatEbix}
}

// ParseDocumentFormat matches a format name case-insensitively.
func ParseDocumentFormat(s string) (DocumentFormat, error) {
	for _, f := range DocumentFormats() {
		if strings.EqualFold(string(f), s) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown document format %q", s)
}

// Receiver identifies an actor queue: the market participant number (GLN or EIC)
// and the role it acts in.
type Receiver struct {
	Number string    `json:"number"`
	Role   ActorRole `json:"role"`
}

func (r Receiver) Validate() error {
	if n := len(r.Number); n != 13 && n != 16 {
		return fmt.Errorf("actor number %q must be a 13 digit GLN or a 16 character EIC", r.Number)
	}
	if _, err := ParseActorRole(string(r.Role)); err != nil {
		return err
	}
	return nil
}

func (r Receiver) String() string {
	return r.Number + "/" + string(r.Role)
}

// GroupingKey decides which bundle a message joins.
type GroupingKey struct {
	DocumentType   DocumentType   `json:"documentType"`
	BusinessReason BusinessReason `json:"businessReason"`
	Category       Category       `json:"category"`
	Discriminator  string         `json:"discriminator,omitempty"`
	CalculationID  string         `json:"calculationId,omitempty"`
}

type OutgoingMessage struct {
	ID                 string          `json:"id"`
	Receiver           Receiver        `json:"receiver"`
	DocumentType       DocumentType    `json:"documentType"`
	BusinessReason     BusinessReason  `json:"businessReason"`
	Discriminator      string          `json:"discriminator,omitempty"`
	CalculationID      string          `json:"calculationId,omitempty"`
	RelatedToMessageID string          `json:"relatedToMessageId,omitempty"`
	Content            json.RawMessage `json:"content"`
	CreatedAt          time.Time       `json:"createdAt"`
	BundleID           string          `json:"bundleId,omitempty"`
	Position           int             `json:"position"`
}

func (m *OutgoingMessage) GroupingKey() GroupingKey {
	return GroupingKey{
		DocumentType:   m.DocumentType,
		BusinessReason: m.BusinessReason,
		Category:       m.DocumentType.Category(),
		Discriminator:  m.Discriminator,
		CalculationID:  m.CalculationID,
	}
}

// Validate checks the fields the queue relies on. Business content is validated
// upstream and is only required to be well-formed JSON here.
func (m *OutgoingMessage) Validate() error {
	if err := m.Receiver.Validate(); err != nil {
		return fmt.Errorf("receiver: %w", err)
	}
	if m.DocumentType.Category() == "" {
		return fmt.Errorf("unknown document type %q", m.DocumentType)
	}
	if m.BusinessReason == "" {
		return fmt.Errorf("business reason is required")
	}
	if !json.Valid(m.Content) {
		return fmt.Errorf("content of message %s is not valid JSON", m.ID)
	}
	return nil
}
