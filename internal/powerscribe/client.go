// Package powerscribe talks to the PowerScribe 360 RAS SOAP services to find
// reports a registrar prelimmed that were later overread.
package powerscribe

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoSession is returned when SignIn succeeds without a session header.
var ErrNoSession = errors.New("no account session in sign-in response")

const (
	sessionEndpoint  = "Session.svc"
	explorerEndpoint = "Explorer.svc"
	reportEndpoint   = "Report.svc"

	isoMillis = "2006-01-02T15:04:05.000Z07:00"
)

// Session is the account-session token issued by SignIn. It is immutable and
// passed explicitly to every call that needs it.
type Session struct {
	ID string
}

// OrderRef identifies a completed order and its report.
type OrderRef struct {
	ReportID  int64  `xml:"ReportID"`
	Accession string `xml:"Accession"`
}

// ClientConfig holds the sign-in parameters and paging settings.
type ClientConfig struct {
	BaseURL     string
	Username    string
	Password    string
	Version     string
	Workstation string
	Locale      string
	TimeZoneID  string
	SiteID      int
	PageSize    int
	Timeout     time.Duration
	// Location is used for dateTime values that carry no offset.
	Location    *time.Location
}

// Client is a SOAP 1.2 client for the Session, Explorer and Report services.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	log  zerolog.Logger
}

// NewClient creates a client. PageSize defaults to 3000.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 3000
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger.With().Str("component", "powerscribe").Logger(),
	}
}

type signInRequest struct {
	XMLName     xml.Name `xml:"http://tempuri.org/ SignIn"`
	LoginName   string   `xml:"loginName"`
	Password    string   `xml:"password"`
	AdminMode   bool     `xml:"adminMode"`
	Version     string   `xml:"version"`
	Workstation string   `xml:"workstation"`
	Locale      string   `xml:"locale"`
	TimeZoneID  string   `xml:"timeZoneId"`
}

type signOutRequest struct {
	XMLName xml.Name `xml:"http://tempuri.org/ SignOut"`
}

// SignIn opens an account session.
func (c *Client) SignIn(ctx context.Context) (Session, error) {
	token, err := c.call(ctx, sessionEndpoint, serviceNS+"ISession/SignIn", nil, signInRequest{
		LoginName:   c.cfg.Username,
		Password:    c.cfg.Password,
		AdminMode:   false,
		Version:     c.cfg.Version,
		Workstation: c.cfg.Workstation,
		Locale:      c.cfg.Locale,
		TimeZoneID:  c.cfg.TimeZoneID,
	}, nil)
	if err != nil {
		return Session{}, fmt.Errorf("sign in: %w", err)
	}
	if token == "" {
		return Session{}, ErrNoSession
	}
	c.log.Debug().Msg("Signed in")
	return Session{ID: token}, nil
}

// SignOut closes the account session.
func (c *Client) SignOut(ctx context.Context, s Session) error {
	if _, err := c.call(ctx, sessionEndpoint, serviceNS+"ISession/SignOut", &s, signOutRequest{}, nil); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	c.log.Debug().Msg("Signed out")
	return nil
}

type timeRange struct {
	Period string `xml:"Period"`
	From   string `xml:"From"`
	To     string `xml:"To"`
}

type browseOrdersRequest struct {
	XMLName        xml.Name  `xml:"http://tempuri.org/ BrowseOrders"`
	SiteID         int       `xml:"siteID"`
	Time           timeRange `xml:"time"`
	OrderStatus    string    `xml:"orderStatus"`
	TransferStatus string    `xml:"transferStatus"`
	ReportStatus   string    `xml:"reportStatus"`
	AccountID      int64     `xml:"accountID"`
	Sort           string    `xml:"sort"`
	PageSize       int       `xml:"pageSize"`
	PageNumber     int       `xml:"pageNumber"`
}

type browseOrdersResponse struct {
	Orders []OrderRef `xml:"BrowseOrdersResult>Order"`
}

// browseOrders fetches one page of completed, reported orders.
func (c *Client) browseOrders(ctx context.Context, s Session, accountID int64, from, to time.Time, page int) ([]OrderRef, error) {
	var resp browseOrdersResponse
	_, err := c.call(ctx, explorerEndpoint, serviceNS+"IExplorer/BrowseOrders", &s, browseOrdersRequest{
		SiteID:         c.cfg.SiteID,
		Time:           timeRange{Period: "Custom", From: from.Format(isoMillis), To: to.Format(isoMillis)},
		OrderStatus:    "Completed",
		TransferStatus: "Sent",
		ReportStatus:   "Reported",
		AccountID:      accountID,
		Sort:           "LastModifiedDate ASC",
		PageSize:       c.cfg.PageSize,
		PageNumber:     page,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("browse orders page %d: %w", page, err)
	}
	return resp.Orders, nil
}

// ListCompletedOrders yields the account's completed orders in [from, to],
// fetching pages lazily until a short page. Each call starts a new cursor;
// the sequence stops after the first error.
func (c *Client) ListCompletedOrders(ctx context.Context, s Session, accountID int64, from, to time.Time) iter.Seq2[OrderRef, error] {
	return func(yield func(OrderRef, error) bool) {
		total := 0
		for page := 1; ; page++ {
			orders, err := c.browseOrders(ctx, s, accountID, from, to, page)
			if err != nil {
				yield(OrderRef{}, err)
				return
			}
			for _, o := range orders {
				if !yield(o, nil) {
					return
				}
			}
			total += len(orders)
			if len(orders) < c.cfg.PageSize {
				c.log.Info().Int("pages", page).Int("orders", total).Msg("Finished listing orders")
				return
			}
		}
	}
}

type getReportRequest struct {
	XMLName          xml.Name `xml:"http://tempuri.org/ GetReport"`
	ReportID         int64    `xml:"reportID"`
	FetchAudio       bool     `xml:"fetchAudio"`
	FetchImages      bool     `xml:"fetchImages"`
	FetchNotes       bool     `xml:"fetchNotes"`
	FetchAttachments bool     `xml:"fetchAttachments"`
}

type getReportResponse struct {
	Result struct {
		Overread       bool   `xml:"Overread"`
		LastPrelimDate string `xml:"LastPrelimDate"`
	} `xml:"GetReportResult"`
}

// GetOverread reports whether the report was overread and, if so, when the
// registrar's prelim was last saved.
func (c *Client) GetOverread(ctx context.Context, s Session, reportID int64) (time.Time, bool, error) {
	var resp getReportResponse
	_, err := c.call(ctx, reportEndpoint, serviceNS+"IReport/GetReport", &s, getReportRequest{ReportID: reportID}, &resp)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get report %d: %w", reportID, err)
	}
	if !resp.Result.Overread || resp.Result.LastPrelimDate == "" {
		return time.Time{}, false, nil
	}
	ts, err := parseServiceTime(resp.Result.LastPrelimDate, c.cfg.Location)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("report %d: %w", reportID, err)
	}
	return ts, true, nil
}

// parseServiceTime reads xs:dateTime values, with or without an offset.
// Values without an offset are read in loc.
func parseServiceTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognised dateTime %q", s)
}
