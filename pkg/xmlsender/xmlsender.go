// Package xmlsender provides a public API for delivering UBL electronic
// documents to the Peruvian tax authority (SUNAT).
//
// An Engine validates submitted XML, stores it, and delivers it in the
// background, recording the authority's receipt (CDR) on the document.
//
// Example usage:
//
//	engine, err := xmlsender.NewEngine(ctx, xmlsender.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//	go engine.Run(ctx)
//
//	doc, err := engine.Submit(ctx, xmlsender.SubmitRequest{File: data})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	doc, err = engine.Wait(ctx, doc.ID)
//	fmt.Println(doc.DeliveryStatus, doc.SunatStatus.Description)
package xmlsender

import (
	"github.com/rezonia/xml-sender/internal/config"
	"github.com/rezonia/xml-sender/internal/documents"
	"github.com/rezonia/xml-sender/internal/model"
	"github.com/rezonia/xml-sender/internal/sunat"
)

// Re-export core types for public API
type (
	Document       = model.Document
	FileInfo       = model.FileInfo
	Credentials    = model.Credentials
	SunatStatus    = model.SunatStatus
	DeliveryStatus = model.DeliveryStatus
	SubmitRequest  = documents.SubmitRequest
	Options        = config.Config
)

// Re-export delivery statuses
const (
	StatusScheduledToDeliver = model.StatusScheduledToDeliver
	StatusDelivering         = model.StatusDelivering
	StatusDelivered          = model.StatusDelivered
	StatusFailed             = model.StatusFailed
)

// Re-export the delivery endpoint contract so callers can plug their own
type (
	Sender        = sunat.Sender
	SendRequest   = sunat.SendRequest
	StatusRequest = sunat.StatusRequest
	Response      = sunat.Response
	SunatError    = sunat.Error
)

// Re-export error types
type (
	ValidationError = model.ValidationError
	ParseError      = model.ParseError
)

// ErrNotFound is returned for unknown ids and for receipts not yet available
const ErrNotFound = model.ErrNotFound

// DefaultOptions returns in-memory storage, the SUNAT beta endpoints and the
// default delivery settings
func DefaultOptions() *Options {
	return config.Default()
}

// LoadOptions reads options from an optional YAML file, .env and XMLSENDER_
// environment variables
func LoadOptions(configFile string) (*Options, error) {
	return config.Load(configFile)
}
