package model

// Document type names as reported in FileInfo.DocumentType
const (
	DocumentTypeInvoice          = "Invoice"
	DocumentTypeSaleReceipt      = "SaleReceipt"
	DocumentTypeCreditNote       = "CreditNote"
	DocumentTypeDebitNote        = "DebitNote"
	DocumentTypeVoidedDocuments  = "VoidedDocuments"
	DocumentTypeSummaryDocuments = "SummaryDocuments"
	DocumentTypePerception       = "Perception"
	DocumentTypeRetention        = "Retention"
)

// IsSummaryDocumentType returns true for batch documents that the tax
// authority always processes asynchronously (ticket based)
func IsSummaryDocumentType(documentType string) bool {
	return documentType == DocumentTypeVoidedDocuments || documentType == DocumentTypeSummaryDocuments
}
