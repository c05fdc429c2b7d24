// Package document turns the messages of a sealed bundle into a market document.
// Writers are looked up by (document type, format) in a Factory built once at
// startup.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outgoing"
)

// Header carries the document level fields shared by every format.
type Header struct {
	MessageID          string
	DocumentType       outgoing.DocumentType
	BusinessReason     outgoing.BusinessReason
	SenderNumber       string
	SenderRole         outgoing.ActorRole
	ReceiverNumber     string
	ReceiverRole       outgoing.ActorRole
	RelatedToMessageID string
	CreatedAt          time.Time
}

// Writer serializes one bundle. Fragments are the message contents in bundle
// order; the output must depend on nothing but its arguments.
type Writer interface {
	HandlesType(t outgoing.DocumentType) bool
	HandlesFormat(f outgoing.DocumentFormat) bool
	ContentType() string
	Write(h Header, fragments []json.RawMessage) ([]byte, error)
}

// Key identifies a writer registration.
type Key struct {
	DocumentType outgoing.DocumentType
	Format       outgoing.DocumentFormat
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.DocumentType, k.Format)
}

var ErrUnsupportedFormat = errors.New("unsupported document format")

// UnsupportedFormatError reports a (document type, format) pair without a writer.
type UnsupportedFormatError struct {
	DocumentType outgoing.DocumentType
	Format       outgoing.DocumentFormat
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("no document writer for document type %s in format %s", e.DocumentType, e.Format)
}

func (e *UnsupportedFormatError) Is(target error) bool {
	return target == ErrUnsupportedFormat
}

// Factory is the writer registry.
type Factory struct {
	writers map[Key]Writer
}

// NewFactory indexes writers by the pairs they claim. Two writers claiming the
// same pair is a configuration error.
func NewFactory(writers ...Writer) (*Factory, error) {
	f := &Factory{writers: make(map[Key]Writer)}
	for _, t := range outgoing.DocumentTypes() {
		for _, format := range outgoing.DocumentFormats() {
			key := Key{DocumentType: t, Format: format}
			for _, w := range writers {
				if !w.HandlesType(t) || !w.HandlesFormat(format) {
					continue
				}
				if _, dup := f.writers[key]; dup {
					return nil, fmt.Errorf("more than one document writer for %s", key)
				}
				f.writers[key] = w
			}
		}
	}
	return f, nil
}

// NewDefaultFactory registers the CIM-XML, CIM-JSON and ebIX writers.
func NewDefaultFactory() (*Factory, error) {
	return NewFactory(
		NewCIMXMLWriter(outgoing.DocumentTypes()...),
		NewCIMJSONWriter(outgoing.DocumentTypes()...),
		NewEbixWriter(outgoing.DocumentNotifyAggregatedMeasureData, outgoing.DocumentNotifyValidatedMeasureData),
	)
}

func (f *Factory) Writer(t outgoing.DocumentType, format outgoing.DocumentFormat) (Writer, error) {
	w, ok := f.writers[Key{DocumentType: t, Format: format}]
	if !ok {
		return nil, &UnsupportedFormatError{DocumentType: t, Format: format}
	}
	return w, nil
}

func (f *Factory) Supports(t outgoing.DocumentType, format outgoing.DocumentFormat) bool {
	_, ok := f.writers[Key{DocumentType: t, Format: format}]
	return ok
}

// Validate checks that every key has a writer.
func (f *Factory) Validate(keys ...Key) error {
	var errs []error
	for _, k := range keys {
		if _, err := f.Writer(k.DocumentType, k.Format); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Keys returns the registered pairs in a stable order.
func (f *Factory) Keys() []Key {
	keys := make([]Key, 0, len(f.writers))
	for k := range f.writers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// SingleMessageTypes returns the document types that have an ebIX writer. Their
// bundles carry one message each.
func (f *Factory) SingleMessageTypes() []outgoing.DocumentType {
	var out []outgoing.DocumentType
	for _, t := range outgoing.DocumentTypes() {
		if f.Supports(t, outgoing.FormatEbix) {
			out = append(out, t)
		}
	}
	return out
}

// ContentType returns the media type a format is served with.
func ContentType(f outgoing.DocumentFormat) string {
	switch f {
	case outgoing.FormatJSON:
		return "application/json"
	default:
		return "application/xml"
	}
}

type typeSet map[outgoing.DocumentType]bool

func newTypeSet(types []outgoing.DocumentType) typeSet {
	s := make(typeSet, len(types))
	for _, t := range types {
		s[t] = true
	}
	return s
}

func parseFragments(fragments []json.RawMessage) ([]*Series, error) {
	if len(fragments) == 0 {
		return nil, errors.New("document has no activity records")
	}
	out := make([]*Series, 0, len(fragments))
	for i, raw := range fragments {
		s, err := ParseSeries(raw)
		if err != nil {
			return nil, fmt.Errorf("activity record %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}
