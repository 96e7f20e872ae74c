package powerscribe

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	soap12NS  = "http://www.w3.org/2003/05/soap-envelope"
	serviceNS = "http://tempuri.org/"
)

// ErrUnexpectedStatus is wrapped by non-2xx responses that carry no fault.
var ErrUnexpectedStatus = errors.New("unexpected status")

// Fault is a SOAP 1.2 fault returned by the service.
type Fault struct {
	Code   string `xml:"Code>Value"`
	Reason string `xml:"Reason>Text"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("soap fault %s: %s", f.Code, f.Reason)
}

type requestEnvelope struct {
	XMLName xml.Name       `xml:"http://www.w3.org/2003/05/soap-envelope Envelope"`
	Header  *requestHeader `xml:"http://www.w3.org/2003/05/soap-envelope Header,omitempty"`
	Body    requestBody    `xml:"http://www.w3.org/2003/05/soap-envelope Body"`
}

type requestHeader struct {
	AccountSession string `xml:"AccountSession"`
}

type requestBody struct {
	Content any `xml:",any"`
}

type responseEnvelope struct {
	Header struct {
		AccountSession *string `xml:"AccountSession"`
	} `xml:"Header"`
	Body struct {
		Fault *Fault `xml:"Fault"`
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

// call posts one SOAP 1.2 request to endpoint and decodes the body into out.
// It returns the AccountSession header of the response, if any.
func (c *Client) call(ctx context.Context, endpoint, action string, session *Session, in, out any) (string, error) {
	env := requestEnvelope{Body: requestBody{Content: in}}
	if session != nil {
		env.Header = &requestHeader{AccountSession: session.ID}
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(env); err != nil {
		return "", fmt.Errorf("encoding %s: %w", action, err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", fmt.Sprintf(`application/soap+xml; charset=utf-8; action="%s"`, action))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%s: reading response: %w", action, err)
	}

	var renv responseEnvelope
	if err := xml.Unmarshal(data, &renv); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", fmt.Errorf("%s: %w %d", action, ErrUnexpectedStatus, resp.StatusCode)
		}
		return "", fmt.Errorf("%s: decoding envelope: %w", action, err)
	}
	if renv.Body.Fault != nil {
		return "", fmt.Errorf("%s: %w", action, renv.Body.Fault)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s: %w %d", action, ErrUnexpectedStatus, resp.StatusCode)
	}

	if out != nil {
		if err := xml.Unmarshal(renv.Body.Inner, out); err != nil {
			return "", fmt.Errorf("%s: decoding body: %w", action, err)
		}
	}

	var token string
	if renv.Header.AccountSession != nil {
		token = strings.TrimSpace(*renv.Header.AccountSession)
	}
	return token, nil
}
