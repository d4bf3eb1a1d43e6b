package scraper

import (
	"fmt"
	"strconv"
	"strings"

	"pagewatch/pkg/notifier"

	"github.com/PuerkitoBio/goquery"
)

const (
	registrationPanel = "#ctl00_ContentPlaceHolder1_pActiveReg"
	issueStateToggles = ".table-list-header-toggle.states a.btn-link"
)

// RegistrationStatus returns the trimmed text of the registration status panel.
func RegistrationStatus(doc *goquery.Document) (string, error) {
	panel := doc.Find(registrationPanel)
	if panel.Length() == 0 {
		return "", &notifier.ExtractionError{Reason: "registration status panel not found"}
	}
	return strings.TrimSpace(panel.First().Text()), nil
}

// ParseIssueCounts reads "N Open" and "M Closed" from an issue list header.
func ParseIssueCounts(doc *goquery.Document) (notifier.IssueCounts, error) {
	toggles := doc.Find(issueStateToggles)
	if toggles.Length() == 0 {
		return notifier.IssueCounts{}, &notifier.ExtractionError{Reason: "issue state toggles not found"}
	}

	open, err := leadingCount(toggles.Filter(".selected").First().Text())
	if err != nil {
		return notifier.IssueCounts{}, &notifier.ExtractionError{Reason: fmt.Sprintf("open count: %v", err)}
	}
	closed, err := leadingCount(toggles.Not(".selected").First().Text())
	if err != nil {
		return notifier.IssueCounts{}, &notifier.ExtractionError{Reason: fmt.Sprintf("closed count: %v", err)}
	}

	return notifier.IssueCounts{Open: open, Closed: closed}, nil
}

// leadingCount parses the first whitespace-separated token, e.g. "1,204 Open".
func leadingCount(text string) (int, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty text")
	}
	n, err := strconv.Atoi(strings.ReplaceAll(fields[0], ",", ""))
	if err != nil {
		return 0, fmt.Errorf("non-numeric %q", fields[0])
	}
	if n < 0 {
		return 0, fmt.Errorf("negative %d", n)
	}
	return n, nil
}
