package audit

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Row is one audit-trail entry that carries a study identifier.
type Row struct {
	Identifier string
	Action     string
	Timestamp  time.Time
}

// Page is one page of search results.
type Page interface {
	Rows() []Row
	HasNextPage() bool
}

type htmlPage struct {
	rows    []Row
	hasNext bool
}

func (p *htmlPage) Rows() []Row       { return p.rows }
func (p *htmlPage) HasNextPage() bool { return p.hasNext }

var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parsePage extracts audit rows from a results page. Row timestamps are site
// wall-clock times and are read in loc.
func parsePage(r io.Reader, loc *time.Location) (*htmlPage, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parsing results page: %w", err)
	}

	page := &htmlPage{
		hasNext: doc.Find("a[name='nextPage']").Length() > 0,
	}

	var parseErr error
	doc.Find("a[studyuid][actiontype][date]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		uid := strings.TrimSpace(s.AttrOr("studyuid", ""))
		if uid == "" {
			return true
		}
		ts, err := parseTimestamp(s.AttrOr("date", ""), loc)
		if err != nil {
			parseErr = fmt.Errorf("row %s: %w", uid, err)
			return false
		}
		page.rows = append(page.rows, Row{
			Identifier: uid,
			Action:     s.AttrOr("actiontype", ""),
			Timestamp:  ts,
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return page, nil
}

func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// detailResponse is the XTile reply. The second sp element carries the accession.
type detailResponse struct {
	Params []string `xml:"sp"`
}

func parseDetail(data []byte) (string, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return "", nil
	}
	var d detailResponse
	if err := xml.Unmarshal(data, &d); err != nil {
		return "", fmt.Errorf("parsing detail response: %w", err)
	}
	if len(d.Params) < 2 {
		return "", nil
	}
	return strings.TrimSpace(d.Params[1]), nil
}
