package server

import (
	"time"

	"github.com/rezonia/xml-sender/internal/model"
)

// CredentialsResponse is the masked identity; fields are null when unset
type CredentialsResponse struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
}

// DocumentResponse is the JSON projection of a document
type DocumentResponse struct {
	ID               string              `json:"id"`
	FileID           string              `json:"fileID"`
	CDRID            *string             `json:"cdrID"`
	CustomID         *string             `json:"customId"`
	DeliveryStatus   string              `json:"deliveryStatus"`
	FileInfo         model.FileInfo      `json:"fileInfo"`
	SunatCredentials CredentialsResponse `json:"sunatCredentials"`
	SunatStatus      *model.SunatStatus  `json:"sunatStatus"`
	Attempts         int                 `json:"attempts"`
	LastError        *string             `json:"lastError"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// DocumentListResponse is the response for listing documents by status
type DocumentListResponse struct {
	Count     int                `json:"count"`
	Documents []DocumentResponse `json:"documents"`
}

// ValidationResponse is the response for validate endpoint
type ValidationResponse struct {
	Valid    bool            `json:"valid"`
	FileInfo *model.FileInfo `json:"fileInfo,omitempty"`
	Errors   []string        `json:"errors,omitempty"`
}

// NewDocumentResponse projects doc, masking its password
func NewDocumentResponse(doc *model.Document) DocumentResponse {
	masked := doc.Credentials.Masked()
	return DocumentResponse{
		ID:             doc.ID,
		FileID:         doc.FileID,
		CDRID:          optional(doc.CDRID),
		CustomID:       optional(doc.CustomID),
		DeliveryStatus: doc.DeliveryStatus.String(),
		FileInfo:       doc.FileInfo,
		SunatCredentials: CredentialsResponse{
			Username: optional(masked.Username),
			Password: optional(masked.Password),
		},
		SunatStatus: doc.SunatStatus,
		Attempts:    doc.Attempts,
		LastError:   optional(doc.LastError),
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
