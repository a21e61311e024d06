package ubl

import (
	"github.com/beevik/etree"

	"github.com/rezonia/xml-sender/internal/model"
)

// AgentAdapter parses <Perception> and <Retention> documents, where the
// issuer is the collecting agent instead of the supplier
type AgentAdapter struct {
	documentType string
	typeCode     string
}

// NewAgentAdapter creates an adapter for an agent-issued root element
func NewAgentAdapter(documentType, typeCode string) *AgentAdapter {
	return &AgentAdapter{documentType: documentType, typeCode: typeCode}
}

// Name returns the root element family
func (a *AgentAdapter) Name() string {
	return a.documentType
}

// CanParse checks the root element
func (a *AgentAdapter) CanParse(root *etree.Element) bool {
	return isRoot(root, a.documentType)
}

// Parse extracts agent document fields
func (a *AgentAdapter) Parse(root *etree.Element) (*Fields, error) {
	id, err := documentID(root, a.documentType)
	if err != nil {
		return nil, err
	}
	ruc := childText(root, "AgentParty", "PartyIdentification", "ID")
	if ruc == "" {
		return nil, model.NewParseError(a.documentType, "AgentParty", "agent RUC not found", nil)
	}

	return &Fields{
		RUC:          ruc,
		TypeCode:     a.typeCode,
		DocumentType: a.documentType,
		DocumentID:   id,
	}, nil
}
