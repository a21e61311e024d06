package ubl

import (
	"github.com/beevik/etree"

	"github.com/rezonia/xml-sender/internal/model"
)

// invoiceTypes maps cbc:InvoiceTypeCode to the reported document type
var invoiceTypes = map[string]string{
	"01": model.DocumentTypeInvoice,
	"03": model.DocumentTypeSaleReceipt,
}

// InvoiceAdapter parses <Invoice> documents (facturas and boletas)
type InvoiceAdapter struct{}

// NewInvoiceAdapter creates a new invoice adapter
func NewInvoiceAdapter() *InvoiceAdapter {
	return &InvoiceAdapter{}
}

// Name returns the root element family
func (a *InvoiceAdapter) Name() string {
	return model.DocumentTypeInvoice
}

// CanParse checks the root element
func (a *InvoiceAdapter) CanParse(root *etree.Element) bool {
	return isRoot(root, "Invoice")
}

// Parse extracts invoice fields
func (a *InvoiceAdapter) Parse(root *etree.Element) (*Fields, error) {
	code := childText(root, "InvoiceTypeCode")
	if code == "" {
		return nil, model.NewParseError(model.DocumentTypeInvoice, "InvoiceTypeCode", "type code not found", nil)
	}
	documentType, ok := invoiceTypes[code]
	if !ok {
		return nil, model.NewParseError(model.DocumentTypeInvoice, "InvoiceTypeCode", "unknown type code "+code, ErrUnsupportedTypeCode)
	}

	id, err := documentID(root, documentType)
	if err != nil {
		return nil, err
	}
	ruc, err := supplierRUC(root, documentType)
	if err != nil {
		return nil, err
	}

	return &Fields{
		RUC:          ruc,
		TypeCode:     code,
		DocumentType: documentType,
		DocumentID:   id,
	}, nil
}
