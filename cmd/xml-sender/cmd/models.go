package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rezonia/xml-sender/internal/model"
)

// ValidationResult is the validate command output for one file
type ValidationResult struct {
	File     string          `json:"file"`
	Valid    bool            `json:"valid"`
	FileInfo *model.FileInfo `json:"fileInfo,omitempty"`
	Errors   []string        `json:"errors,omitempty"`
}

func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func writeValidationTable(w io.Writer, results []*ValidationResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tVALID\tTYPE\tFILENAME\tDETAIL")
	for _, r := range results {
		if r.Valid {
			fmt.Fprintf(tw, "%s\tyes\t%s\t%s\t%s\n", r.File, r.FileInfo.DocumentType, r.FileInfo.Filename, r.FileInfo.DeliveryURL)
			continue
		}
		for _, e := range r.Errors {
			fmt.Fprintf(tw, "%s\tno\t-\t-\t%s\n", r.File, e)
		}
	}
	return tw.Flush()
}

func writeDocumentTable(w io.Writer, docs []*model.Document) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILENAME\tSTATUS\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, doc := range docs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", doc.ID, doc.FileInfo.Filename, doc.DeliveryStatus,
			doc.Attempts, doc.UpdatedAt.Format(time.RFC3339), doc.LastError)
	}
	return tw.Flush()
}
