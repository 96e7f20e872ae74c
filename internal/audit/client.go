package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnexpectedStatus is wrapped by every non-2xx response from the site.
var ErrUnexpectedStatus = errors.New("unexpected status")

const (
	loginPath  = "/InteleBrowser/login/ws/auth"
	logoutPath = "/InteleBrowser/login/ws/auth/revoke"
	appPath    = "/InteleBrowser/app"

	searchService   = "direct/1/AuditDetails/$Form"
	pageSizeService = "direct/1/AuditDetails/auditDetailsTable.tableForm"
	nextPageService = "direct/1/AuditDetails/auditDetailsTable.customPaginationControlTop.nextPage"
	detailService   = "xtile/null/AuditDetails/$XTile$2"

	searchCheckboxes = 43
)

// actionCheckboxes maps action types to the search-form checkbox selecting them.
var actionCheckboxes = map[string]string{
	"AddEmergencyImpression": "$Checkbox$2",
}

// SearchQuery selects the audit rows for one site user over whole days.
type SearchQuery struct {
	Username string
	From     time.Time
	To       time.Time
	Actions  []string
}

// ClientConfig holds the settings for an InteleBrowser session.
type ClientConfig struct {
	BaseURL        string
	Username       string
	Password       string
	PageSizeOption string
	Timeout        time.Duration
	Location       *time.Location
}

// Client drives the InteleBrowser audit-details screen over HTTP. A Client
// holds one cookie session and must not be shared between scrapes.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	log  zerolog.Logger
}

// NewClient creates a client with its own cookie jar.
func NewClient(cfg ClientConfig, logger zerolog.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Jar: jar, Timeout: cfg.Timeout},
		log:  logger.With().Str("component", "audit").Logger(),
	}, nil
}

// Login authenticates the session.
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{
		"username":       {c.cfg.Username},
		"password":       {c.cfg.Password},
		"mfaToken":       {""},
		"keepMeLoggedIn": {"false"},
	}
	if _, err := c.do(ctx, http.MethodPost, loginPath, nil, form); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// Logout revokes the session.
func (c *Client) Logout(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodGet, logoutPath, nil, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Search sets the largest page size and submits the search form, returning
// the first page of results.
func (c *Client) Search(ctx context.Context, q SearchQuery) (Page, error) {
	sizeForm := url.Values{
		"service":          {pageSizeService},
		"sp":               {"S2"},
		"Form2":            {"pageSizeSelect,pageSizeSelect$0"},
		"pageSizeSelect":   {c.cfg.PageSizeOption},
		"pageSizeSelect$0": {c.cfg.PageSizeOption},
	}
	if _, err := c.do(ctx, http.MethodPost, appPath, nil, sizeForm); err != nil {
		return nil, fmt.Errorf("setting page size: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, appPath, nil, searchForm(q))
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return parsePage(bytes.NewReader(body), c.cfg.Location)
}

// NextPage follows the pagination control of the current result set.
func (c *Client) NextPage(ctx context.Context) (Page, error) {
	body, err := c.do(ctx, http.MethodPost, appPath, url.Values{"service": {nextPageService}}, nil)
	if err != nil {
		return nil, fmt.Errorf("next page: %w", err)
	}
	return parsePage(bytes.NewReader(body), c.cfg.Location)
}

// Detail fetches the accession for a study identifier. An empty string
// means the site returned nothing for it.
func (c *Client) Detail(ctx context.Context, identifier string) (string, error) {
	body, err := c.do(ctx, http.MethodGet, appPath, url.Values{"service": {detailService}, "sp": {identifier}}, nil)
	if err != nil {
		return "", fmt.Errorf("detail %s: %w", identifier, err)
	}
	return parseDetail(body)
}

func searchForm(q SearchQuery) url.Values {
	fields := []string{"usernameFilter", "$PropertySelection", "patientIdFilter", "studyDescriptionFilter", "$PropertySelection$0", "$Checkbox"}
	for i := 0; i < searchCheckboxes; i++ {
		fields = append(fields, fmt.Sprintf("$Checkbox$%d", i))
	}
	fields = append(fields, "$Submit")

	form := url.Values{
		"service":                {searchService},
		"sp":                     {"S0"},
		"Form0":                  {strings.Join(fields, ",")},
		"usernameFilter":         {q.Username},
		"$PropertySelection":     {"anyRole"},
		"patientIdFilter":        {""},
		"studyDescriptionFilter": {""},
		"$PropertySelection$0":   {q.From.Format("2006/01/02") + ":" + q.To.Format("2006/01/02")},
		"$Submit":                {"Update"},
	}
	for _, a := range q.Actions {
		if box, ok := actionCheckboxes[a]; ok {
			form.Set(box, "on")
		}
	}
	return form
}

func (c *Client) do(ctx context.Context, method, path string, query, form url.Values) ([]byte, error) {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w %d from %s", ErrUnexpectedStatus, resp.StatusCode, path)
	}
	c.log.Debug().Str("method", method).Str("path", path).Int("bytes", len(data)).Msg("Audit site request")
	return data, nil
}
