// Package notarize submits signed artifacts to Apple's notarization service,
// waits for the verdict, and staples the resulting ticket.
//
// The service is reached only through its command line tool. Everything the
// pipeline learns about a request comes from scraping the tool's log text:
//
//	RequestUUID = 07307e2c-db26-494c-8630-cfa239d4b86b
//	Status: success
//
// ERROR lines are classified before anything else: ITMS-10004 means the
// account is throttled, any other ERROR is an unknown notarization failure.
package notarize

import (
	"bufio"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/aluedeke/go-macsign/pkg/errs"
)

// ThrottleCode is the error code Apple reports when an account submits too
// often.
const ThrottleCode = "ITMS-10004"

var (
	requestUUIDRe = regexp.MustCompile(`RequestUUID = (\S+)`)
	statusRe      = regexp.MustCompile(`Status: (success|invalid)`)
)

// Status is the verdict scraped from a status-check log.
type Status int

const (
	// Pending means no recognized status marker was found.
	Pending Status = iota
	Success
	Invalid
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Invalid:
		return "invalid"
	default:
		return "pending"
	}
}

// CheckErrors classifies the first ERROR line of a log, if any.
func CheckErrors(text string) error {
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.Contains(line, "ERROR "+ThrottleCode):
			return errs.New(errs.ErrThrottled, "%s", strings.TrimSpace(line))
		case strings.Contains(line, "ERROR "):
			return errs.New(errs.ErrUnknownNotarization, "%s", strings.TrimSpace(line))
		}
	}
	return nil
}

// ParseRequestUUID extracts the request identifier from a submission log.
// Error markers take precedence; a log without a RequestUUID line, or with a
// malformed one, is an unknown notarization error.
func ParseRequestUUID(text string) (string, error) {
	if err := CheckErrors(text); err != nil {
		return "", err
	}
	m := requestUUIDRe.FindStringSubmatch(text)
	if m == nil {
		return "", errs.New(errs.ErrUnknownNotarization, "no RequestUUID in notarization log")
	}
	if _, err := uuid.Parse(m[1]); err != nil {
		return "", errs.Wrap(errs.ErrUnknownNotarization, err, "bad RequestUUID %q", m[1])
	}
	return m[1], nil
}

// ParseStatus extracts the verdict from a status-check log.
func ParseStatus(text string) Status {
	m := statusRe.FindStringSubmatch(text)
	if m == nil {
		return Pending
	}
	if m[1] == "success" {
		return Success
	}
	return Invalid
}
