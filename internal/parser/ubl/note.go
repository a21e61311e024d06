package ubl

import (
	"github.com/beevik/etree"
)

// NoteAdapter parses <CreditNote> and <DebitNote> documents
type NoteAdapter struct {
	documentType string
	typeCode     string
}

// NewNoteAdapter creates an adapter for the given note root element
func NewNoteAdapter(documentType, typeCode string) *NoteAdapter {
	return &NoteAdapter{documentType: documentType, typeCode: typeCode}
}

// Name returns the root element family
func (a *NoteAdapter) Name() string {
	return a.documentType
}

// CanParse checks the root element
func (a *NoteAdapter) CanParse(root *etree.Element) bool {
	return isRoot(root, a.documentType)
}

// Parse extracts note fields
func (a *NoteAdapter) Parse(root *etree.Element) (*Fields, error) {
	id, err := documentID(root, a.documentType)
	if err != nil {
		return nil, err
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
