package patreon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/dukerupert/premiumsync/internal/logging"
	"github.com/dukerupert/premiumsync/internal/model"
)

const defaultBaseURL = "https://www.patreon.com/api/oauth2/v2"

// Config holds Patreon API configuration.
type Config struct {
	Token          string
	BaseURL        string
	MinPledgeCents int
	PageSize       int
}

// APIError is a non-2xx response from the Patreon API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("patreon api: status %d: %s", e.StatusCode, e.Body)
}

// ErrNotConfigured is returned when no creator access token is set.
var ErrNotConfigured = errors.New("patreon: creator access token not set")

// ErrNoCampaign is returned when the token owner has no campaign.
var ErrNoCampaign = errors.New("patreon: no campaign found for token owner")

// Client reads the creator's campaign members.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Patreon client authenticated with the creator token.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 {
		cfg.PageSize = 25
	}

	httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	httpClient.Timeout = 30 * time.Second

	return &Client{cfg: cfg, httpClient: httpClient, logger: logger}
}

type resource struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type memberResource struct {
	resource
	Attributes struct {
		Email                        string `json:"email"`
		LastChargeStatus             string `json:"last_charge_status"`
		IsDelinquent                 bool   `json:"is_delinquent"`
		IsFreeTrial                  bool   `json:"is_free_trial"`
		CurrentlyEntitledAmountCents *int   `json:"currently_entitled_amount_cents"`
		WillPayAmountCents           *int   `json:"will_pay_amount_cents"`
		PatronStatus                 string `json:"patron_status"`
	} `json:"attributes"`
	Relationships struct {
		User struct {
			Data *resource `json:"data"`
		} `json:"user"`
		CurrentlyEntitledTiers struct {
			Data []resource `json:"data"`
		} `json:"currently_entitled_tiers"`
	} `json:"relationships"`
}

type includedResource struct {
	resource
	Attributes struct {
		Email string `json:"email"`
	} `json:"attributes"`
}

type membersResponse struct {
	Data     []memberResource   `json:"data"`
	Included []includedResource `json:"included"`
	Meta     struct {
		Pagination struct {
			Total   int `json:"total"`
			Cursors struct {
				Next *string `json:"next"`
			} `json:"cursors"`
		} `json:"pagination"`
	} `json:"meta"`
}

// FetchAll returns every member of the creator's first campaign with its
// eligibility verdict. It reads pages until the provider stops returning a
// cursor. Any failure is logged and yields a nil roster with the error; no
// partial roster is ever returned.
func (c *Client) FetchAll(ctx context.Context) ([]model.Patron, error) {
	patrons, err := c.fetchAll(ctx)
	if err != nil {
		c.logFailure(err)
		return nil, err
	}
	c.logger.Info("fetched patrons from patreon", "count", len(patrons))
	return patrons, nil
}

func (c *Client) fetchAll(ctx context.Context) ([]model.Patron, error) {
	if c.cfg.Token == "" {
		return nil, ErrNotConfigured
	}

	campaignID, err := c.campaignID(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("found patreon campaign", "campaign_id", campaignID)

	var patrons []model.Patron
	cursor := ""
	for {
		page, err := c.membersPage(ctx, campaignID, cursor)
		if err != nil {
			return nil, err
		}
		patrons = append(patrons, c.convert(page)...)

		next := page.Meta.Pagination.Cursors.Next
		if next == nil || *next == "" || *next == cursor {
			break
		}
		cursor = *next
	}
	return patrons, nil
}

func (c *Client) campaignID(ctx context.Context) (string, error) {
	var resp struct {
		Data []resource `json:"data"`
	}
	if err := c.get(ctx, "/campaigns", nil, &resp); err != nil {
		return "", fmt.Errorf("fetch campaigns: %w", err)
	}
	if len(resp.Data) == 0 {
		return "", ErrNoCampaign
	}
	return resp.Data[0].ID, nil
}

// memberFields is the sparse fieldset requested for members. The provider
// omits any attribute not listed here.
const memberFields = "email,last_charge_status,is_delinquent,is_free_trial,currently_entitled_amount_cents,will_pay_amount_cents,patron_status"

func (c *Client) membersPage(ctx context.Context, campaignID, cursor string) (*membersResponse, error) {
	q := url.Values{}
	q.Set("include", "user,currently_entitled_tiers")
	q.Set("fields[member]", memberFields)
	q.Set("fields[user]", "email")
	q.Set("page[count]", strconv.Itoa(c.cfg.PageSize))
	if cursor != "" {
		q.Set("page[cursor]", cursor)
	}

	var page membersResponse
	if err := c.get(ctx, "/campaigns/"+url.PathEscape(campaignID)+"/members", q, &page); err != nil {
		return nil, fmt.Errorf("fetch campaign members: %w", err)
	}
	return &page, nil
}

func (c *Client) convert(page *membersResponse) []model.Patron {
	users := make(map[string]string, len(page.Included))
	for _, inc := range page.Included {
		if inc.Type == "user" {
			users[inc.ID] = inc.Attributes.Email
		}
	}

	out := make([]model.Patron, 0, len(page.Data))
	for _, m := range page.Data {
		if m.Type != "member" {
			continue
		}

		var userID, email string
		if u := m.Relationships.User.Data; u != nil {
			userID = u.ID
			email = users[u.ID]
		}
		if email == "" {
			email = m.Attributes.Email
		}
		email = strings.ToLower(strings.TrimSpace(email))

		member := Member{
			ChargeStatus:        m.Attributes.LastChargeStatus,
			Delinquent:          m.Attributes.IsDelinquent || m.Attributes.PatronStatus == PatronStatusDeclined,
			FreeTrial:           m.Attributes.IsFreeTrial,
			EntitledTiers:       len(m.Relationships.CurrentlyEntitledTiers.Data),
			EntitledAmountCents: m.Attributes.CurrentlyEntitledAmountCents,
			WillPayAmountCents:  m.Attributes.WillPayAmountCents,
		}
		active := Eligible(member, c.cfg.MinPledgeCents)

		c.logger.Debug("classified patron",
			"patreon_user_id", userID,
			logging.Email(email),
			"active", active,
			"charge_status", member.ChargeStatus,
			"delinquent", member.Delinquent,
			"pledge_cents", member.PledgeCents(),
			"free_trial", member.FreeTrial,
			"entitled_tiers", member.EntitledTiers,
		)

		out = append(out, model.Patron{
			PatreonUserID:     userID,
			Email:             email,
			Active:            active,
			PledgeAmountCents: member.PledgeCents(),
			FreeTrial:         member.FreeTrial,
		})
	}
	return out
}

func (c *Client) get(ctx context.Context, path string, q url.Values, dst any) error {
	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) logFailure(err error) {
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrNotConfigured):
		c.logger.Error("patreon creator access token is not set")
	case errors.Is(err, ErrNoCampaign):
		c.logger.Error("no campaign found for the patreon creator token; make sure the account has an active campaign")
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized:
		c.logger.Error("patreon creator access token is invalid", "error", err)
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden:
		c.logger.Error("patreon api forbidden; check token permissions and campaign status", "error", err)
	default:
		c.logger.Error("patreon patron fetch failed", "error", err)
	}
}
