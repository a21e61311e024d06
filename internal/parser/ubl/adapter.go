package ubl

import (
	"errors"

	"github.com/beevik/etree"

	"github.com/rezonia/xml-sender/internal/model"
)

// ErrUnsupportedTypeCode is wrapped by adapters when the document type code
// is not in the type-code table
var ErrUnsupportedTypeCode = errors.New("unsupported document type code")

// Fields are the identifying values extracted from a UBL document
type Fields struct {
	RUC          string
	TypeCode     string
	DocumentType string
	DocumentID   string
}

// Adapter extracts Fields from one family of UBL root elements
type Adapter interface {
	// Parse extracts identifying fields from the document root
	Parse(root *etree.Element) (*Fields, error)

	// CanParse returns true if adapter can handle this root element
	CanParse(root *etree.Element) bool

	// Name returns the root element family handled by the adapter
	Name() string
}

// Registry holds all registered adapters
type Registry struct {
	adapters []Adapter
}

// NewRegistry creates registry with all adapters
func NewRegistry() *Registry {
	return &Registry{
		adapters: []Adapter{
			NewInvoiceAdapter(),
			NewNoteAdapter(model.DocumentTypeCreditNote, "07"),
			NewNoteAdapter(model.DocumentTypeDebitNote, "08"),
			NewSummaryAdapter(model.DocumentTypeVoidedDocuments, "RA"),
			NewSummaryAdapter(model.DocumentTypeSummaryDocuments, "RC"),
			NewAgentAdapter(model.DocumentTypePerception, "40"),
			NewAgentAdapter(model.DocumentTypeRetention, "20"),
		},
	}
}

// Detect identifies the adapter for a document root
func (r *Registry) Detect(root *etree.Element) (Adapter, error) {
	for _, a := range r.adapters {
		if a.CanParse(root) {
			return a, nil
		}
	}
	return nil, model.NewParseError(root.Tag, "root", "no adapter registered for root element", ErrUnsupportedTypeCode)
}

// RegisterAdapter adds a custom adapter to the registry
func (r *Registry) RegisterAdapter(a Adapter) {
	// Add at the beginning so custom adapters take priority
	r.adapters = append([]Adapter{a}, r.adapters...)
}

// GetAdapter returns adapter for a specific root element family
func (r *Registry) GetAdapter(name string) Adapter {
	for _, a := range r.adapters {
		if a.Name() == name {
			return a
		}
	}
	return nil
}
