package sunat

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/juju/loggo/v2"

	"github.com/rezonia/xml-sender/internal/model"
)

var logger = loggo.GetLogger("xmlsender.sunat")

const (
	nsSOAP    = "http://schemas.xmlsoap.org/soap/envelope/"
	nsService = "http://service.sunat.gob.pe"
	nsWSSE    = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"

	// DefaultTimeout bounds one SOAP exchange
	DefaultTimeout = 60 * time.Second

	// maxResponseSize caps the response body read into memory
	maxResponseSize = 16 << 20
)

// getStatus statusCode values
const (
	ticketDone    = "0"
	ticketPending = "98"
	ticketErrors  = "99"
)

// transientFaults are fault codes the endpoint reports when its own services are unavailable
var transientFaults = map[int]bool{
	109: true,
	130: true,
	131: true,
	132: true,
	133: true,
	134: true,
	135: true,
	136: true,
	137: true,
	138: true,
	200: true,
}

// Client is the SOAP Sender
type Client struct {
	httpClient *http.Client
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithHTTPClient sets the underlying http client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per exchange timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// NewClient creates a SOAP client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send zips the document and calls sendBill, or sendSummary for summary documents
func (c *Client) Send(ctx context.Context, req SendRequest) (*Response, error) {
	zipped, err := zipFile(req.Filename+".xml", req.Content)
	if err != nil {
		return nil, NewError(CodeTransport, "zipping document", false, err)
	}

	op := "sendBill"
	if model.IsSummaryDocumentType(req.DocumentType) {
		op = "sendSummary"
	}
	env := newEnvelope(req.Credentials, op, map[string]string{
		"fileName":    req.Filename + ".zip",
		"contentFile": base64.StdEncoding.EncodeToString(zipped),
	})

	result, err := c.call(ctx, req.URL, op, env)
	if err != nil {
		return nil, err
	}

	if op == "sendSummary" {
		ticket := strings.TrimSpace(findText(result, "ticket"))
		if ticket == "" {
			return nil, NewError(CodeInvalidResponse, "sendSummary response has no ticket", false, nil)
		}
		logger.Debugf("%s accepted with ticket %s", req.Filename, ticket)
		return &Response{Ticket: ticket}, nil
	}

	appResponse := findText(result, "applicationResponse")
	if appResponse == "" {
		return nil, NewError(CodeInvalidResponse, "sendBill response has no applicationResponse", false, nil)
	}
	return cdrResponse(appResponse)
}

// Status calls getStatus for a ticket
func (c *Client) Status(ctx context.Context, req StatusRequest) (*Response, error) {
	env := newEnvelope(req.Credentials, "getStatus", map[string]string{
		"ticket": req.Ticket,
	})

	result, err := c.call(ctx, req.URL, "getStatus", env)
	if err != nil {
		return nil, err
	}

	statusCode := strings.TrimSpace(findText(result, "statusCode"))
	content := findText(result, "content")
	switch statusCode {
	case ticketPending:
		return &Response{Pending: true}, nil
	case ticketDone, ticketErrors:
		if content == "" {
			return nil, NewError(CodeInvalidResponse, "ticket "+req.Ticket+" finished with status "+statusCode+" and no receipt", false, nil)
		}
		return cdrResponse(content)
	default:
		return nil, NewError(CodeInvalidResponse, "unexpected ticket status "+statusCode, false, nil)
	}
}

func cdrResponse(encoded string) (*Response, error) {
	cdr, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, NewError(CodeInvalidResponse, "decoding receipt", false, err)
	}
	status, err := ReadCDR(cdr)
	if err != nil {
		return nil, NewError(CodeInvalidResponse, "reading receipt", false, err)
	}
	return &Response{CDR: cdr, Status: status}, nil
}

// newEnvelope builds a SOAP envelope with a WS-Security UsernameToken header
func newEnvelope(creds model.Credentials, op string, params map[string]string) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("soapenv:Envelope")
	env.CreateAttr("xmlns:soapenv", nsSOAP)
	env.CreateAttr("xmlns:ser", nsService)
	env.CreateAttr("xmlns:wsse", nsWSSE)

	token := env.CreateElement("soapenv:Header").
		CreateElement("wsse:Security").
		CreateElement("wsse:UsernameToken")
	token.CreateElement("wsse:Username").SetText(creds.Username)
	token.CreateElement("wsse:Password").SetText(creds.Password)

	call := env.CreateElement("soapenv:Body").CreateElement("ser:" + op)
	// fixed order keeps the request stable
	for _, name := range []string{"fileName", "contentFile", "ticket"} {
		if v, ok := params[name]; ok {
			call.CreateElement(name).SetText(v)
		}
	}
	return doc
}

// call posts the envelope and returns the body's response element
func (c *Client) call(ctx context.Context, url, op string, env *etree.Document) (*etree.Element, error) {
	payload, err := env.WriteToBytes()
	if err != nil {
		return nil, NewError(CodeTransport, "encoding envelope", false, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, NewError(CodeTransport, "building request", false, err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"urn:`+op+`"`)

	logger.Debugf("calling %s at %s", op, url)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewError(CodeTransport, op+" request failed", true, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, NewError(CodeTransport, "reading "+op+" response", true, err)
	}

	doc := etree.NewDocument()
	parseErr := doc.ReadFromBytes(body)
	if parseErr == nil {
		if fault := doc.FindElement("//Envelope/Body/Fault"); fault != nil {
			return nil, faultError(fault)
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewError(resp.StatusCode, "authentication failed", false, nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, NewError(resp.StatusCode, "endpoint unavailable: "+resp.Status, true, nil)
	case resp.StatusCode >= 300:
		return nil, NewError(resp.StatusCode, "unexpected response: "+resp.Status, false, nil)
	}

	if parseErr != nil {
		return nil, NewError(CodeInvalidResponse, "invalid "+op+" response", false, parseErr)
	}
	result := doc.FindElement("//Envelope/Body/" + op + "Response")
	if result == nil {
		return nil, NewError(CodeInvalidResponse, op+" response element not found", false, nil)
	}
	return result, nil
}

// faultError maps a SOAP fault; faultcode looks like "soap-env:Client.0151"
// and some deployments carry the numeric code in faultstring instead
func faultError(fault *etree.Element) *Error {
	faultCode := strings.TrimSpace(findText(fault, "faultcode"))
	faultString := strings.TrimSpace(findText(fault, "faultstring"))

	code := 0
	if i := strings.LastIndex(faultCode, "."); i >= 0 {
		code, _ = strconv.Atoi(faultCode[i+1:])
	}
	if code == 0 {
		code, _ = strconv.Atoi(faultString)
	}

	message := faultString
	if detail := strings.TrimSpace(findText(fault, "detail")); detail != "" {
		message = fmt.Sprintf("%s (%s)", faultString, detail)
	}

	transient := transientFaults[code] || (code == 0 && strings.Contains(faultCode, "Server"))
	if code == 0 {
		code = CodeInvalidResponse
	}
	return NewError(code, message, transient, nil)
}

func findText(parent *etree.Element, tag string) string {
	if e := parent.FindElement(".//" + tag); e != nil {
		return e.Text()
	}
	return ""
}
