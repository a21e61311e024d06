package model_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/xml-sender/internal/model"
)

func TestDeliveryStatus_CanTransitionTo(t *testing.T) {
	all := []model.DeliveryStatus{
		model.StatusScheduledToDeliver,
		model.StatusDelivering,
		model.StatusDelivered,
		model.StatusFailed,
	}

	allowed := map[model.DeliveryStatus][]model.DeliveryStatus{
		model.StatusScheduledToDeliver: {model.StatusDelivering},
		model.StatusDelivering:         {model.StatusDelivering, model.StatusDelivered, model.StatusFailed},
	}

	for _, from := range all {
		for _, to := range all {
			expected := false
			for _, a := range allowed[from] {
				if a == to {
					expected = true
				}
			}
			assert.Equal(t, expected, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestDeliveryStatus_IsTerminal(t *testing.T) {
	assert.False(t, model.StatusScheduledToDeliver.IsTerminal())
	assert.False(t, model.StatusDelivering.IsTerminal())
	assert.True(t, model.StatusDelivered.IsTerminal())
	assert.True(t, model.StatusFailed.IsTerminal())
	assert.False(t, model.DeliveryStatus("SENT").IsValid())
}

func TestCredentials_Masked(t *testing.T) {
	tests := []struct {
		name     string
		creds    model.Credentials
		expected model.Credentials
	}{
		{
			name:     "caller credentials",
			creds:    model.Credentials{Username: "myUsername", Password: "myPassword"},
			expected: model.Credentials{Username: "myUsername", Password: "******"},
		},
		{
			name:     "empty password is still masked",
			creds:    model.Credentials{Username: "12345678912MODDATOS"},
			expected: model.Credentials{Username: "12345678912MODDATOS", Password: "******"},
		},
		{
			name:     "no identity",
			creds:    model.Credentials{},
			expected: model.Credentials{},
		},
		{
			name:     "system identity is hidden",
			creds:    model.Credentials{Username: "12345678912MODDATOS", Password: "MODDATOS", System: true},
			expected: model.Credentials{System: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.creds.Masked())
		})
	}
}

func TestDocument_MarshalJSONNeverLeaksPassword(t *testing.T) {
	tests := []struct {
		name     string
		creds    model.Credentials
		username interface{}
		password interface{}
	}{
		{
			name:     "caller identity",
			creds:    model.Credentials{Username: "20494637074USER", Password: "s3cr3t-pa55"},
			username: "20494637074USER",
			password: model.PasswordMask,
		},
		{
			name:  "system identity",
			creds: model.Credentials{Username: "12345678912MODDATOS", Password: "s3cr3t-pa55", System: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := newDocument(model.StatusScheduledToDeliver)
			doc.Credentials = tt.creds

			data, err := json.Marshal(doc)
			require.NoError(t, err)
			assert.NotContains(t, string(data), "s3cr3t-pa55")

			var decoded struct {
				Credentials map[string]interface{} `json:"credentials"`
			}
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, tt.username, decoded.Credentials["username"])
			assert.Equal(t, tt.password, decoded.Credentials["password"])
		})
	}
}

func newDocument(status model.DeliveryStatus) *model.Document {
	return &model.Document{
		ID:             "doc-1",
		FileID:         "file-1",
		DeliveryStatus: status,
	}
}

func TestDocument_Apply_Delivered(t *testing.T) {
	doc := newDocument(model.StatusDelivering)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	err := doc.Apply(model.Transition{
		Status:      model.StatusDelivered,
		CDRID:       "cdr-1",
		SunatStatus: &model.SunatStatus{Code: 0, Status: model.SunatAccepted, Description: "ok"},
		Attempts:    1,
		At:          at,
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusDelivered, doc.DeliveryStatus)
	assert.Equal(t, "cdr-1", doc.CDRID)
	assert.Equal(t, "file-1", doc.FileID)
	assert.Equal(t, 1, doc.Attempts)
	assert.Equal(t, at, doc.UpdatedAt)
	require.NotNil(t, doc.SunatStatus)
	assert.Equal(t, model.SunatAccepted, doc.SunatStatus.Status)
}

func TestDocument_Apply_Rejections(t *testing.T) {
	tests := []struct {
		name string
		doc  *model.Document
		tr   model.Transition
	}{
		{
			name: "regress to scheduled",
			doc:  newDocument(model.StatusDelivering),
			tr:   model.Transition{Status: model.StatusScheduledToDeliver},
		},
		{
			name: "skip delivering",
			doc:  newDocument(model.StatusScheduledToDeliver),
			tr:   model.Transition{Status: model.StatusFailed},
		},
		{
			name: "revisit terminal",
			doc:  newDocument(model.StatusFailed),
			tr:   model.Transition{Status: model.StatusDelivering},
		},
		{
			name: "cdr without delivery",
			doc:  newDocument(model.StatusDelivering),
			tr:   model.Transition{Status: model.StatusFailed, CDRID: "cdr-1"},
		},
		{
			name: "delivery without cdr",
			doc:  newDocument(model.StatusDelivering),
			tr:   model.Transition{Status: model.StatusDelivered},
		},
		{
			name: "attempts go back",
			doc:  &model.Document{ID: "doc-1", DeliveryStatus: model.StatusDelivering, Attempts: 3},
			tr:   model.Transition{Status: model.StatusDelivering, Attempts: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := *tt.doc
			err := tt.doc.Apply(tt.tr)
			require.Error(t, err)

			var terr *model.TransitionError
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, before, *tt.doc, "document must not change on a rejected transition")
		})
	}
}

func TestDocument_Clone(t *testing.T) {
	doc := newDocument(model.StatusDelivering)
	doc.SunatStatus = &model.SunatStatus{Ticket: "123"}

	clone := doc.Clone()
	clone.SunatStatus.Ticket = "456"
	clone.DeliveryStatus = model.StatusFailed

	assert.Equal(t, "123", doc.SunatStatus.Ticket)
	assert.Equal(t, model.StatusDelivering, doc.DeliveryStatus)
}

func TestValidationError_Message(t *testing.T) {
	err := model.NewValidationError("file", model.EmptyFile, "is empty", nil)
	assert.Equal(t, "Form[file] is empty", err.Error())
	assert.True(t, model.IsValidationKind(err, model.EmptyFile))
	assert.False(t, model.IsValidationKind(err, model.MissingFile))
}
