package tools

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

func Hostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// SplitAddress cuts an address at its last '@'.
func SplitAddress(address string) (local string, domain string, err error) {
	i := strings.LastIndex(address, "@")
	if i < 0 {
		return "", "", errors.New("no domain was present in email address")
	}
	local, domain = address[:i], address[i+1:]
	if len(local) == 0 {
		return "", "", fmt.Errorf("no local part in email address %s", address)
	}
	if len(domain) == 0 {
		return "", "", fmt.Errorf("no domain in email address %s", address)
	}
	return local, domain, nil
}

// ValidAddress is the syntactic check applied to senders and recipients.
// Anything beyond "local@domain" without whitespace is left to the mail server.
func ValidAddress(address string) bool {
	if strings.ContainsAny(address, " \t\r\n") {
		return false
	}
	_, _, err := SplitAddress(address)
	return err == nil
}
