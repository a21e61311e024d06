// Package ubl validates submitted UBL documents and extracts the metadata
// needed to name and route them to the tax authority.
package ubl

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/beevik/etree"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/rezonia/xml-sender/internal/model"
)

// Default SUNAT beta endpoints
const (
	DefaultInvoiceURL             = "https://e-beta.sunat.gob.pe/ol-ti-itcpfegem-beta/billService"
	DefaultPerceptionRetentionURL = "https://e-beta.sunat.gob.pe/ol-ti-itemision-otroscpe-gem-beta/billService"
)

const formField = "file"

// Endpoints maps document families to their delivery URL
type Endpoints struct {
	Invoice             string
	PerceptionRetention string
}

// DefaultEndpoints returns the SUNAT beta endpoints
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Invoice:             DefaultInvoiceURL,
		PerceptionRetention: DefaultPerceptionRetentionURL,
	}
}

// URLFor returns the delivery URL registered for documentType, or ""
func (e Endpoints) URLFor(documentType string) string {
	switch documentType {
	case model.DocumentTypeInvoice,
		model.DocumentTypeSaleReceipt,
		model.DocumentTypeCreditNote,
		model.DocumentTypeDebitNote,
		model.DocumentTypeVoidedDocuments,
		model.DocumentTypeSummaryDocuments:
		return e.Invoice
	case model.DocumentTypePerception, model.DocumentTypeRetention:
		return e.PerceptionRetention
	default:
		return ""
	}
}

// Validator checks submitted payloads. It has no side effects.
type Validator struct {
	registry  *Registry
	endpoints Endpoints
}

// Option configures the validator
type Option func(*Validator)

// WithEndpoints overrides the delivery endpoints
func WithEndpoints(endpoints Endpoints) Option {
	return func(v *Validator) {
		v.endpoints = endpoints
	}
}

// WithRegistry sets a custom adapter registry
func WithRegistry(registry *Registry) Option {
	return func(v *Validator) {
		v.registry = registry
	}
}

// NewValidator creates a validator with all adapters and the default endpoints
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		registry:  NewRegistry(),
		endpoints: DefaultEndpoints(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks raw is a supported UBL document and derives its FileInfo.
// A nil payload means no file was supplied at all.
func (v *Validator) Validate(raw []byte) (*model.FileInfo, error) {
	if raw == nil {
		return nil, model.NewValidationError(formField, model.MissingFile, "is required", nil)
	}
	if len(raw) == 0 {
		return nil, model.NewValidationError(formField, model.EmptyFile, "is empty", nil)
	}

	if err := wellFormed(raw); err != nil {
		return nil, malformed(err)
	}

	doc := etree.NewDocument()
	doc.ReadSettings.CharsetReader = charsetReader
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, malformed(err)
	}
	root := doc.Root()
	if root == nil {
		return nil, malformed(errors.New("no root element"))
	}

	adapter, err := v.registry.Detect(root)
	if err != nil {
		return nil, unsupported(err)
	}

	fields, err := adapter.Parse(root)
	if err != nil {
		if errors.Is(err, ErrUnsupportedTypeCode) {
			return nil, unsupported(err)
		}
		return nil, malformed(err)
	}

	url := v.endpoints.URLFor(fields.DocumentType)
	if url == "" {
		return nil, unsupported(fmt.Errorf("no endpoint registered for %s", fields.DocumentType))
	}

	return &model.FileInfo{
		RUC:          fields.RUC,
		Filename:     Filename(fields),
		DocumentID:   fields.DocumentID,
		DocumentType: fields.DocumentType,
		DeliveryURL:  url,
	}, nil
}

// Filename builds the tax authority naming convention {ruc}-{code}-{series}-{number}.
// Summary ids already carry their code.
func Filename(f *Fields) string {
	if model.IsSummaryDocumentType(f.DocumentType) {
		return f.RUC + "-" + f.DocumentID
	}
	return f.RUC + "-" + f.TypeCode + "-" + f.DocumentID
}

func malformed(cause error) error {
	return model.NewValidationError(formField, model.MalformedXML, "is not a valid XML file or is corrupted", cause)
}

func unsupported(cause error) error {
	return model.NewValidationError(formField, model.UnsupportedDocumentType, "document type is not supported", cause)
}

// wellFormed runs a strict token pass; etree reads raw tokens and does not
// check that end tags match their start tags
func wellFormed(raw []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.CharsetReader = charsetReader
	for {
		if _, err := dec.Token(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// charsetReader decodes the non UTF-8 encodings issuers commonly declare (ISO-8859-1)
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
	return enc.NewDecoder().Reader(input), nil
}
