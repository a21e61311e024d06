package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// PasswordMask replaces the password in every outward view of Credentials
const PasswordMask = "******"

// FileInfo holds the metadata extracted from a submitted XML document
type FileInfo struct {
	RUC          string `json:"ruc"`
	Filename     string `json:"filename"`
	DocumentID   string `json:"documentID"`
	DocumentType string `json:"documentType"`
	DeliveryURL  string `json:"deliveryURL"`
}

// Credentials is the identity used to authenticate against the delivery endpoint.
// System marks the process-wide default identity, which is never displayed.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"-"`
	System   bool   `json:"system,omitempty"`
}

// IsEmpty returns true when no username is set
func (c Credentials) IsEmpty() bool {
	return c.Username == ""
}

// Masked returns the display projection of the credentials.
// The password is always the fixed mask when a caller username is present;
// the system identity projects to empty credentials.
func (c Credentials) Masked() Credentials {
	if c.IsEmpty() || c.System {
		return Credentials{System: c.System}
	}
	return Credentials{Username: c.Username, Password: PasswordMask}
}

// MarshalJSON emits the masked projection so the plaintext password never
// leaves the process through encoding/json.
func (c Credentials) MarshalJSON() ([]byte, error) {
	m := c.Masked()
	return json.Marshal(struct {
		Username *string `json:"username"`
		Password *string `json:"password"`
		System   bool    `json:"system,omitempty"`
	}{
		Username: nullable(m.Username),
		Password: nullable(m.Password),
		System:   m.System,
	})
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// SunatStatus is the last outcome observed from the delivery endpoint
type SunatStatus struct {
	Code        int    `json:"code"`
	Ticket      string `json:"ticket,omitempty"`
	Status      string `json:"status"`
	Description string `json:"description"`
}

// Document is the unit of work tracked from submission to a terminal status
type Document struct {
	ID             string         `json:"id"`
	FileID         string         `json:"fileID"`
	CDRID          string         `json:"cdrID,omitempty"`
	CustomID       string         `json:"customId,omitempty"`
	FileInfo       FileInfo       `json:"fileInfo"`
	Credentials    Credentials    `json:"credentials"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus"`
	SunatStatus    *SunatStatus   `json:"sunatStatus,omitempty"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"lastError,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share mutable state with a store
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.SunatStatus != nil {
		s := *d.SunatStatus
		c.SunatStatus = &s
	}
	return &c
}

// Transition describes one update applied by the dispatcher.
// Zero values mean "keep the current value".
type Transition struct {
	Status      DeliveryStatus
	SunatStatus *SunatStatus
	CDRID       string
	Attempts    int
	LastError   string
	At          time.Time
}

// Apply validates t against the current state of d and mutates d in place
func (d *Document) Apply(t Transition) error {
	if !d.DeliveryStatus.CanTransitionTo(t.Status) {
		return NewTransitionError(d.ID, d.DeliveryStatus, t.Status, "illegal status transition")
	}
	if t.CDRID != "" && t.Status != StatusDelivered {
		return NewTransitionError(d.ID, d.DeliveryStatus, t.Status, "cdr can only be attached on delivery")
	}
	if t.Status == StatusDelivered && t.CDRID == "" {
		return NewTransitionError(d.ID, d.DeliveryStatus, t.Status, "delivery requires a cdr")
	}
	if t.Attempts != 0 && t.Attempts < d.Attempts {
		return NewTransitionError(d.ID, d.DeliveryStatus, t.Status,
			fmt.Sprintf("attempt counter cannot go back from %d to %d", d.Attempts, t.Attempts))
	}

	d.DeliveryStatus = t.Status
	if t.SunatStatus != nil {
		s := *t.SunatStatus
		d.SunatStatus = &s
	}
	if t.CDRID != "" {
		d.CDRID = t.CDRID
	}
	if t.Attempts != 0 {
		d.Attempts = t.Attempts
	}
	if t.LastError != "" || t.Attempts != 0 {
		d.LastError = t.LastError
	}
	if !t.At.IsZero() {
		d.UpdatedAt = t.At
	}
	return nil
}
