package tools

import (
	"errors"
	"net/mail"
	"strings"

	"github.com/modfin/henry/slicez"
)

// DomainOfEmail returns the part after the last @ of an address, display names are allowed.
func DomainOfEmail(address string) (string, error) {
	if a, err := mail.ParseAddress(address); err == nil {
		address = a.Address
	}
	parts := strings.Split(address, "@")
	if len(parts) < 2 || slicez.Nth(parts, -1) == "" {
		return "", errors.New("no domain was present in email address")
	}
	return slicez.Nth(parts, -1), nil
}

func ValidateMessageID(messageID string) bool {
	if len(messageID) == 0 {
		return false
	}
	_, err := mail.ParseAddress(strings.Trim(messageID, "<>"))
	return err == nil
}
