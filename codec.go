package hark

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
)

// MaxDatagramSize is the size of the receive buffer.
const MaxDatagramSize = 65536

// MaxPayloadSize is the largest UDP payload an IPv4 datagram can carry,
// hence the largest announcement we encode or send.
const MaxPayloadSize = 65507

// Delimiter separates the service name from its URI in an announcement.
const Delimiter = '\t'

// Announcement is what travels in a single discovery datagram: a service
// name and one URI where the service can be reached.
type Announcement struct {
	Name    string
	Address string
}

func (a Announcement) validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: empty service name", ErrInvalidAnnouncement)
	}
	if strings.ContainsRune(a.Name, Delimiter) {
		return fmt.Errorf("%w: service name %q contains the delimiter", ErrInvalidAnnouncement, a.Name)
	}
	if strings.ContainsRune(a.Address, Delimiter) {
		return fmt.Errorf("%w: service uri %q contains the delimiter", ErrInvalidAnnouncement, a.Address)
	}
	if err := validateURI(a.Address); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAnnouncement, err)
	}
	return nil
}

// Encode produces the datagram payload `<name>\t<address>`.
func Encode(a Announcement) ([]byte, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(a.Name)+1+len(a.Address))
	buf = append(buf, a.Name...)
	buf = append(buf, Delimiter)
	buf = append(buf, a.Address...)
	if len(buf) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidAnnouncement, len(buf), MaxPayloadSize)
	}
	return buf, nil
}

// Decode parses a datagram payload.
//
// Payloads which do not split into exactly two non-empty fields return
// [ErrNotAnnouncement]: the group may carry unrelated traffic and callers
// are expected to ignore them. A well-formed payload whose second field
// is not a valid URI returns [ErrInvalidServiceURI].
//
// Only absolute URIs are accepted: the second field must carry a scheme,
// so relative references such as `10.0.0.1:8080` or `/users` are
// rejected. The rest of the syntax is checked by [url.Parse], which is
// more lenient than RFC 3986 and lets through some paths with spaces.
func Decode(payload []byte) (Announcement, error) {
	fields := bytes.Split(payload, []byte{Delimiter})
	if len(fields) != 2 || len(fields[0]) == 0 || len(fields[1]) == 0 {
		return Announcement{}, ErrNotAnnouncement
	}

	a := Announcement{
		Name:    string(fields[0]),
		Address: string(fields[1]),
	}
	if err := validateURI(a.Address); err != nil {
		return Announcement{}, err
	}
	return a, nil
}

func validateURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidServiceURI, err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("%w: %q is not absolute", ErrInvalidServiceURI, raw)
	}
	return nil
}
