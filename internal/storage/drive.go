package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/term"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const (
	drivePageSize   = 100
	driveListFields = "nextPageToken, files(id, name, mimeType)"
)

var ErrAuthorizationRequired = errors.New("google drive authorization required")

type DriveOptions struct {
	CredentialsFile string
	TokenFile       string
	Scopes          []string
	// Prompt is read for the authorization code on first use; Out receives
	// the consent URL. Both default to the process terminal.
	Prompt io.Reader
	Out    io.Writer
	Logger *slog.Logger
	// HTTPClient replaces the OAuth flow entirely when set.
	HTTPClient *http.Client
	Endpoint   string
}

type DriveStorage struct {
	service *drive.Service
	logger  *slog.Logger
}

func NewDriveStorage(ctx context.Context, opts DriveOptions) (*DriveStorage, error) {
	logger := discardLogger(opts.Logger)
	httpClient := opts.HTTPClient
	if httpClient == nil {
		client, err := authorizedDriveClient(ctx, opts, logger)
		if err != nil {
			return nil, err
		}
		httpClient = client
	}
	clientOpts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if strings.TrimSpace(opts.Endpoint) != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	service, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return &DriveStorage{service: service, logger: logger}, nil
}

// ListChildren pages through every file whose parent is location.
func (s *DriveStorage) ListChildren(ctx context.Context, location string) ([]File, error) {
	query := fmt.Sprintf("'%s' in parents", strings.ReplaceAll(location, "'", `\'`))
	files := []File{}
	pageToken := ""
	for {
		call := s.service.Files.List().
			Q(query).
			PageSize(drivePageSize).
			Fields(driveListFields).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list drive folder %s: %w", location, err)
		}
		for _, f := range list.Files {
			files = append(files, File{ID: f.Id, Name: f.Name, MimeType: f.MimeType})
		}
		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}
	s.logger.Debug("listed drive folder", "folder_id", location, "files", len(files))
	return files, nil
}

func (s *DriveStorage) DownloadToLocalTemp(ctx context.Context, file File, dir string) (string, error) {
	resp, err := s.service.Files.Get(file.ID).Context(ctx).Download()
	if err != nil {
		return "", fmt.Errorf("download drive file %s: %w", file.ID, err)
	}
	defer resp.Body.Close()
	return downloadTo(s.logger, dir, file, resp.ContentLength, resp.Body)
}

func (s *DriveStorage) MoveToLocation(ctx context.Context, fileID, newLocation, oldLocation string) error {
	updated, err := s.service.Files.Update(fileID, &drive.File{}).
		AddParents(newLocation).
		RemoveParents(oldLocation).
		Fields("id, parents").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("move drive file %s: %w", fileID, err)
	}
	s.logger.Debug("drive file moved", "file_id", fileID, "parents", updated.Parents)
	return nil
}

func (s *DriveStorage) FileLink(ctx context.Context, fileID string) (string, error) {
	return DriveFileLink(fileID), nil
}

func DriveFileLink(fileID string) string {
	return "https://drive.google.com/file/d/" + fileID + "/view"
}

func authorizedDriveClient(ctx context.Context, opts DriveOptions, logger *slog.Logger) (*http.Client, error) {
	credentials, err := os.ReadFile(opts.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read google credentials: %w", err)
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{drive.DriveScope}
	}
	config, err := google.ConfigFromJSON(credentials, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse google credentials: %w", err)
	}

	token, err := readToken(opts.TokenFile)
	if err != nil {
		logger.Info("no stored google token, starting authorization")
		token, err = promptForToken(ctx, config, opts)
		if err != nil {
			return nil, err
		}
		if err := writeToken(opts.TokenFile, token); err != nil {
			return nil, err
		}
	}
	source := &persistingTokenSource{
		base:   config.TokenSource(ctx, token),
		path:   opts.TokenFile,
		last:   token.AccessToken,
		logger: logger,
	}
	return oauth2.NewClient(ctx, source), nil
}

func promptForToken(ctx context.Context, config *oauth2.Config, opts DriveOptions) (*oauth2.Token, error) {
	in := opts.Prompt
	out := opts.Out
	if in == nil {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return nil, fmt.Errorf("%w: run once from a terminal to store a token", ErrAuthorizationRequired)
		}
		in = os.Stdin
	}
	if out == nil {
		out = os.Stderr
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob"
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintf(out, "Open the following link in your browser, then paste the authorization code:\n%s\n> ", authURL)

	code, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && code != "") {
		return nil, fmt.Errorf("read authorization code: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: empty authorization code", ErrAuthorizationRequired)
	}
	token, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return token, nil
}

func readToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	token := &oauth2.Token{}
	if err := json.Unmarshal(data, token); err != nil {
		return nil, err
	}
	return token, nil
}

func writeToken(path string, token *oauth2.Token) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// persistingTokenSource writes refreshed tokens back to disk so the next run
// does not need to prompt again.
type persistingTokenSource struct {
	base   oauth2.TokenSource
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if token.AccessToken != p.last {
		p.last = token.AccessToken
		if err := writeToken(p.path, token); err != nil {
			p.logger.Warn("failed to persist refreshed google token", "error", err)
		}
	}
	return token, nil
}
