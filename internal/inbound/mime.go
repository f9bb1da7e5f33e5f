// Package inbound parses received email, either from a raw MIME blob or
// from provider-structured fields, into the canonical InboundMessage.
package inbound

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/example/esp-gateway/internal/models"
)

// ParseMIME parses a raw RFC 5322 message into an InboundMessage. The first
// text/plain and text/html parts become the bodies; every other leaf part
// becomes an attachment. Raw MIME is preferred over provider-structured
// payloads because structured parsing can silently drop attachments with
// unusual filenames.
func ParseMIME(raw []byte) (*models.InboundMessage, error) {
	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("inbound: parse message: %w", err)
	}

	msg := &models.InboundMessage{}
	header := textproto.MIMEHeader(parsed.Header)
	decoder := new(mime.WordDecoder)

	for key, values := range parsed.Header {
		if len(values) > 0 {
			msg.Headers.Set(key, values[0])
		}
	}

	if from, err := models.ParseAddress(parsed.Header.Get("From")); err == nil {
		msg.From = from
	}
	if to, err := models.ParseAddressList(parsed.Header.Get("To")); err == nil {
		msg.To = to
	}
	if cc, err := models.ParseAddressList(parsed.Header.Get("Cc")); err == nil {
		msg.CC = cc
	}
	if replyTo, err := models.ParseAddressList(parsed.Header.Get("Reply-To")); err == nil {
		msg.ReplyTo = replyTo
	}
	if subject, err := decoder.DecodeHeader(parsed.Header.Get("Subject")); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = parsed.Header.Get("Subject")
	}
	if date, err := parsed.Header.Date(); err == nil {
		msg.Date = date
	}
	msg.MessageID = strings.Trim(parsed.Header.Get("Message-Id"), "<>")

	if err := walkPart(msg, header, parsed.Body, 0); err != nil {
		return nil, err
	}
	return msg, nil
}

// maxPartDepth bounds MIME nesting so a malicious message cannot recurse
// unboundedly.
const maxPartDepth = 10

func walkPart(msg *models.InboundMessage, header textproto.MIMEHeader, body io.Reader, depth int) error {
	if depth > maxPartDepth {
		return fmt.Errorf("inbound: mime nesting exceeds %d levels", maxPartDepth)
	}

	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		reader := multipart.NewReader(body, params["boundary"])
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("inbound: read part: %w", err)
			}
			if err := walkPart(msg, part.Header, part, depth+1); err != nil {
				return err
			}
		}
	}

	content, err := decodeContent(header.Get("Content-Transfer-Encoding"), body)
	if err != nil {
		return fmt.Errorf("inbound: decode part: %w", err)
	}

	disposition, dparams, _ := mime.ParseMediaType(header.Get("Content-Disposition"))
	filename := partFilename(dparams, params)
	contentID := strings.Trim(header.Get("Content-Id"), "<>")

	isAttachment := disposition == "attachment" || filename != "" || contentID != ""
	if !isAttachment {
		switch mediaType {
		case "text/plain":
			if msg.Text == "" {
				msg.Text = string(content)
				return nil
			}
		case "text/html":
			if msg.HTML == "" {
				msg.HTML = string(content)
				return nil
			}
		}
	}

	msg.Attachments = append(msg.Attachments, models.InboundAttachment{
		Filename:    filename,
		ContentType: mediaType,
		Content:     content,
		Inline:      disposition == "inline" || (disposition == "" && contentID != ""),
		ContentID:   contentID,
	})
	return nil
}

func decodeContent(encoding string, body io.Reader) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return io.ReadAll(base64.NewDecoder(base64.StdEncoding, newLineStripper(body)))
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(body))
	default:
		return io.ReadAll(body)
	}
}

func partFilename(dispositionParams, typeParams map[string]string) string {
	name := dispositionParams["filename"]
	if name == "" {
		name = typeParams["name"]
	}
	if decoded, err := new(mime.WordDecoder).DecodeHeader(name); err == nil {
		return decoded
	}
	return name
}

// lineStripper removes CR/LF so wrapped base64 bodies decode cleanly.
type lineStripper struct {
	src io.Reader
}

func newLineStripper(src io.Reader) io.Reader { return &lineStripper{src: src} }

func (s *lineStripper) Read(p []byte) (int, error) {
	n, err := s.src.Read(p)
	kept := 0
	for i := 0; i < n; i++ {
		if p[i] == '\r' || p[i] == '\n' {
			continue
		}
		p[kept] = p[i]
		kept++
	}
	if kept == 0 && err == nil && n > 0 {
		return s.Read(p)
	}
	return kept, err
}
