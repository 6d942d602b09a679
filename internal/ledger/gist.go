package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"

	"github.com/dukerupert/premiumsync/internal/model"
)

// GistConfig configures a GistStore.
type GistConfig struct {
	Token    string
	GistID   string
	Filename string
	// BaseURL overrides the GitHub API root, mainly for tests.
	BaseURL string
}

// GistStore keeps the ledger in one file of a GitHub gist. The file is read
// with GET and fully replaced with PATCH.
type GistStore struct {
	client   *github.Client
	gistID   string
	filename string
	now      func() time.Time
	logger   *slog.Logger
}

// NewGistStore creates a gist-backed store.
func NewGistStore(cfg GistConfig, logger *slog.Logger) (*GistStore, error) {
	if cfg.Token == "" || cfg.GistID == "" {
		return nil, errors.New("gist store: token and gist id are required")
	}
	if cfg.Filename == "" {
		cfg.Filename = "premium_users.json"
	}

	httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	httpClient.Timeout = 15 * time.Second
	client := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("gist store: parse base url: %w", err)
		}
		client.BaseURL = u
	}

	return &GistStore{
		client:   client,
		gistID:   cfg.GistID,
		filename: cfg.Filename,
		now:      time.Now,
		logger:   logger,
	}, nil
}

// Load fetches and decodes the ledger. On any failure it logs, returns an
// empty ledger and a non-nil error. A missing or empty file is not a failure.
func (s *GistStore) Load(ctx context.Context) (*model.Ledger, error) {
	gist, resp, err := s.client.Gists.Get(ctx, s.gistID)
	if err != nil {
		s.logHTTPFailure("load premium data from gist", resp, err)
		return model.NewLedger(), fmt.Errorf("load gist: %w", err)
	}

	file, ok := gist.Files[github.GistFilename(s.filename)]
	content := file.GetContent()
	if !ok || content == "" {
		s.logger.Warn("ledger file missing or empty in gist, starting with empty data", "file", s.filename)
		return model.NewLedger(), nil
	}

	l, err := Decode([]byte(content), s.now().UTC(), s.logger)
	if err != nil {
		s.logger.Error("failed to decode ledger from gist", "error", err)
		return model.NewLedger(), err
	}
	s.logger.Info("loaded premium users from gist", "count", l.Len())
	return l, nil
}

// Save overwrites the ledger file with the full snapshot.
func (s *GistStore) Save(ctx context.Context, l *model.Ledger) error {
	data, err := Encode(l)
	if err != nil {
		s.logger.Error("failed to encode ledger", "error", err)
		return err
	}

	edit := &github.Gist{
		Files: map[github.GistFilename]github.GistFile{
			github.GistFilename(s.filename): {Content: github.String(string(data))},
		},
	}
	_, resp, err := s.client.Gists.Edit(ctx, s.gistID, edit)
	if err != nil {
		s.logHTTPFailure("save premium data to gist", resp, err)
		return fmt.Errorf("save gist: %w", err)
	}
	s.logger.Info("saved premium users to gist", "count", l.Len())
	return nil
}

func (s *GistStore) logHTTPFailure(op string, resp *github.Response, err error) {
	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	switch status {
	case http.StatusNotFound:
		s.logger.Warn(op+": gist not found or id/permissions incorrect", "status", status, "error", err)
	case http.StatusUnauthorized, http.StatusForbidden:
		s.logger.Error(op+": token unauthorized or missing gist scope", "status", status, "error", err)
	default:
		s.logger.Error(op, "status", status, "error", err)
	}
}
