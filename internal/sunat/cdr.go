package sunat

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/rezonia/xml-sender/internal/model"
)

// StatusForCode maps a receipt ResponseCode to its short status
func StatusForCode(code int) string {
	switch {
	case code == 0:
		return model.SunatAccepted
	case code >= 100 && code < 2000:
		return model.SunatException
	case code >= 2000 && code < 4000:
		return model.SunatRejected
	case code >= 4000:
		// accepted with observations
		return model.SunatAccepted
	default:
		return model.SunatError
	}
}

// IsAccepted reports whether a receipt code means the document was accepted
func IsAccepted(code int) bool {
	return code == 0 || code >= 4000
}

// ReadCDR extracts the outcome from a zipped ApplicationResponse receipt
func ReadCDR(zipped []byte) (*model.SunatStatus, error) {
	raw, err := unzipXML(zipped)
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("parsing cdr: %w", err)
	}
	resp := doc.FindElement("//DocumentResponse/Response")
	if resp == nil {
		return nil, fmt.Errorf("cdr has no DocumentResponse/Response")
	}

	codeText := strings.TrimSpace(elementText(resp, "ResponseCode"))
	code, err := strconv.Atoi(codeText)
	if err != nil {
		return nil, fmt.Errorf("cdr response code %q: %w", codeText, err)
	}

	return &model.SunatStatus{
		Code:        code,
		Status:      StatusForCode(code),
		Description: strings.TrimSpace(elementText(resp, "Description")),
	}, nil
}

func elementText(parent *etree.Element, tag string) string {
	if e := parent.SelectElement(tag); e != nil {
		return e.Text()
	}
	return ""
}

// unzipXML returns the first .xml entry of an archive
func unzipXML(zipped []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipped), int64(len(zipped)))
	if err != nil {
		return nil, fmt.Errorf("opening cdr archive: %w", err)
	}
	for _, f := range zr.File {
		if !strings.EqualFold(path.Ext(f.Name), ".xml") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("cdr archive has no xml entry")
}

// zipFile packs content as a single entry archive
func zipFile(name string, content []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(content); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
