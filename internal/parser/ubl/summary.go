package ubl

import (
	"strings"

	"github.com/beevik/etree"

	"github.com/rezonia/xml-sender/internal/model"
)

// SummaryAdapter parses <VoidedDocuments> (RA) and <SummaryDocuments> (RC).
// Their cbc:ID already starts with the type code, e.g. RA-20200101-1.
type SummaryAdapter struct {
	documentType string
	typeCode     string
}

// NewSummaryAdapter creates an adapter for a summary root element
func NewSummaryAdapter(documentType, typeCode string) *SummaryAdapter {
	return &SummaryAdapter{documentType: documentType, typeCode: typeCode}
}

// Name returns the root element family
func (a *SummaryAdapter) Name() string {
	return a.documentType
}

// CanParse checks the root element
func (a *SummaryAdapter) CanParse(root *etree.Element) bool {
	return isRoot(root, a.documentType)
}

// Parse extracts summary fields
func (a *SummaryAdapter) Parse(root *etree.Element) (*Fields, error) {
	id, err := documentID(root, a.documentType)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(id, a.typeCode+"-") {
		return nil, model.NewParseError(a.documentType, "ID", "id must start with "+a.typeCode+"-", nil)
	}
	ruc, err := supplierRUC(root, a.documentType)
	if err != nil {
		return nil, err
	}

	return &Fields{
		RUC:          ruc,
		TypeCode:     a.typeCode,
		DocumentType: a.documentType,
		DocumentID:   id,
	}, nil
}
