package ubl

import (
	"strings"

	"github.com/beevik/etree"

	"github.com/rezonia/xml-sender/internal/model"
)

// child walks direct children by local name, ignoring namespace prefixes
// (cbc:, cac:, or whatever prefix the issuer chose)
func child(elem *etree.Element, path ...string) *etree.Element {
	current := elem
	for _, name := range path {
		var next *etree.Element
		for _, c := range current.ChildElements() {
			if c.Tag == name {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		current = next
	}
	return current
}

// childText returns the trimmed text of the element at path, or ""
func childText(elem *etree.Element, path ...string) string {
	if e := child(elem, path...); e != nil {
		return strings.TrimSpace(e.Text())
	}
	return ""
}

// isRoot reports whether root has the given local name
func isRoot(root *etree.Element, name string) bool {
	return root != nil && root.Tag == name
}

// documentID reads cbc:ID, which must contain at least one '-'
func documentID(root *etree.Element, documentType string) (string, error) {
	id := childText(root, "ID")
	if id == "" {
		return "", model.NewParseError(documentType, "ID", "document id not found", nil)
	}
	if !strings.Contains(id, "-") || strings.HasPrefix(id, "-") || strings.HasSuffix(id, "-") {
		return "", model.NewParseError(documentType, "ID", "document id is not {series}-{number}: "+id, nil)
	}
	return id, nil
}

// supplierRUC reads the issuer tax id in either UBL 2.0 or UBL 2.1 layout
func supplierRUC(root *etree.Element, documentType string) (string, error) {
	candidates := [][]string{
		// UBL 2.0
		{"AccountingSupplierParty", "CustomerAssignedAccountID"},
		// UBL 2.1
		{"AccountingSupplierParty", "Party", "PartyIdentification", "ID"},
	}
	for _, path := range candidates {
		if ruc := childText(root, path...); ruc != "" {
			return ruc, nil
		}
	}
	return "", model.NewParseError(documentType, "AccountingSupplierParty", "issuer RUC not found", nil)
}
