package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rezonia/xml-sender/internal/parser/ubl"
)

var validateCmd = &cobra.Command{
	Use:   "validate [files...]",
	Short: "Validate UBL documents without sending them",
	Long: `Validate one or more UBL documents and print the metadata used to deliver them:
RUC, tax authority filename, document id, document type and delivery URL.

Checks performed:
  - The file is present, non-empty and well-formed XML
  - The root element is a supported document type
  - Issuer RUC, document id and type code can be located

Examples:
  xml-sender validate invoice.xml
  xml-sender validate invoices/ --format table`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files found to validate")
	}

	validator := ubl.NewValidator(ubl.WithEndpoints(cfg.Endpoints()))
	results := make([]*ValidationResult, 0, len(files))
	allValid := true

	for _, file := range files {
		result := validateFile(validator, file)
		results = append(results, result)
		if !result.Valid {
			allValid = false
		}
	}

	if outputFormat == "table" {
		err = writeValidationTable(os.Stdout, results)
	} else {
		err = writeJSON(os.Stdout, results)
	}
	if err != nil {
		return err
	}

	if !allValid {
		return fmt.Errorf("validation failed for some files")
	}
	return nil
}

func validateFile(validator *ubl.Validator, path string) *ValidationResult {
	result := &ValidationResult{File: path}

	data, err := os.ReadFile(path)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to read file: %v", err))
		return result
	}

	info, err := validator.Validate(data)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	result.Valid = true
	result.FileInfo = info
	return result
}
