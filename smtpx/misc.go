package smtpx

import (
	"fmt"
	"os"

	"github.com/rs/xid"
)

// GenerateId returns a globally unique Message-ID without angle brackets.
func GenerateId() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}

	return fmt.Sprintf("%s@%s", xid.New().String(), hostname)
}

// MessageId formats id for the Message-ID header.
func MessageId(id string) string {
	return "<" + id + ">"
}
