package models

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// ErrInvalidAddress is returned when a mailbox string cannot be parsed as a
// single RFC 5322 address.
var ErrInvalidAddress = errors.New("invalid email address")

// EmailAddress is a parsed mailbox with separate display name and addr-spec.
type EmailAddress struct {
	Name string
	Addr string
}

// ParseAddress parses a single RFC 5322 mailbox string such as
// `Jane Doe <jane@example.com>` or a bare `jane@example.com`.
//
// A display name containing a comma or parenthesis that is not wrapped in
// double quotes is rejected rather than truncated at the special character.
func ParseAddress(value string) (EmailAddress, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return EmailAddress{}, fmt.Errorf("%w: value is empty", ErrInvalidAddress)
	}

	addr, err := mail.ParseAddress(trimmed)
	if err != nil {
		return EmailAddress{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, trimmed, err)
	}
	if addr.Address == "" || !strings.Contains(addr.Address, "@") {
		return EmailAddress{}, fmt.Errorf("%w: %q", ErrInvalidAddress, trimmed)
	}
	// net/mail accepts these leniently; an unquoted special would silently
	// change the recipient list when round-tripped, so reject instead.
	if strings.ContainsAny(addr.Name, ",()") && !strings.HasPrefix(trimmed, `"`) {
		return EmailAddress{}, fmt.Errorf("%w: %q: display name with specials must be double-quoted", ErrInvalidAddress, trimmed)
	}

	return EmailAddress{Name: addr.Name, Addr: addr.Address}, nil
}

// ParseAddressList parses a comma separated list of RFC 5322 mailboxes.
func ParseAddressList(value string) ([]EmailAddress, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	parsed, err := mail.ParseAddressList(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, trimmed, err)
	}

	result := make([]EmailAddress, 0, len(parsed))
	for _, addr := range parsed {
		result = append(result, EmailAddress{Name: addr.Name, Addr: addr.Address})
	}
	return result, nil
}

// MustParseAddress is a ParseAddress that panics on error. Intended for
// test fixtures and static initialisation only.
func MustParseAddress(value string) EmailAddress {
	addr, err := ParseAddress(value)
	if err != nil {
		panic(err)
	}
	return addr
}

// Validate checks that the addr-spec is well formed. Addresses built as
// struct literals bypass ParseAddress, so senders re-check them here.
func (a EmailAddress) Validate() error {
	if strings.TrimSpace(a.Addr) == "" {
		return fmt.Errorf("%w: empty addr-spec", ErrInvalidAddress)
	}
	if _, err := mail.ParseAddress(a.Addr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidAddress, a.Addr, err)
	}
	return nil
}

// AddrSpec returns the bare address lowercased, the key used for matching
// per-recipient merge data.
func (a EmailAddress) AddrSpec() string {
	return strings.ToLower(strings.TrimSpace(a.Addr))
}

// Domain returns the domain part of the addr-spec, or "" if there is none.
func (a EmailAddress) Domain() string {
	at := strings.LastIndex(a.Addr, "@")
	if at < 0 {
		return ""
	}
	return a.Addr[at+1:]
}

// String formats the mailbox for a message header, quoting the display name
// when it contains specials.
func (a EmailAddress) String() string {
	if a.Name == "" {
		return a.Addr
	}
	return (&mail.Address{Name: a.Name, Address: a.Addr}).String()
}

// FormatAddressList renders addresses as a comma separated header value.
func FormatAddressList(addrs []EmailAddress) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}
