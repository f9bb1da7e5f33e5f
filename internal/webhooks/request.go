// Package webhooks receives provider webhook calls: authenticates them,
// hands them to the provider's event normalizer, and dispatches the
// resulting canonical events.
package webhooks

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

// maxBodyBytes caps webhook request bodies. Inbound raw MIME with
// attachments can be large; tracking payloads never are.
const maxBodyBytes = 32 << 20

// Request is one inbound webhook call, parsed exactly once so gates and
// normalizers can all read it without re-consuming the body.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte

	// Form holds the decoded fields for form-encoded and multipart bodies,
	// empty otherwise.
	Form url.Values
	// Files holds uploaded multipart file parts keyed by field name.
	Files map[string][]*multipart.FileHeader

	BasicAuthUser string
	BasicAuthPass string
	BasicAuthSet  bool
}

// ParseRequest reads and buffers an incoming webhook HTTP request.
func ParseRequest(r *http.Request) (*Request, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("webhook: read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("webhook: body exceeds %d bytes", maxBodyBytes)
	}

	req := &Request{
		Method: r.Method,
		URL:    r.URL,
		Header: r.Header,
		Body:   body,
		Form:   url.Values{},
	}
	req.BasicAuthUser, req.BasicAuthPass, req.BasicAuthSet = r.BasicAuth()

	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/x-www-form-urlencoded":
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("webhook: parse form: %w", err)
		}
		req.Form = form
	case strings.HasPrefix(mediaType, "multipart/"):
		reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
		form, err := reader.ReadForm(maxBodyBytes)
		if err != nil {
			return nil, fmt.Errorf("webhook: parse multipart: %w", err)
		}
		for key, values := range form.Value {
			req.Form[key] = values
		}
		req.Files = form.File
	}

	return req, nil
}

// FormValue returns the first value for the named form field.
func (r *Request) FormValue(key string) string {
	return r.Form.Get(key)
}

// FileContent reads one uploaded multipart file part.
func (r *Request) FileContent(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
