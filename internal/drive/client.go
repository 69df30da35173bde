// Package drive wraps the Google Drive v3 and Drive Activity v2 APIs behind a
// normalized client. All Google-specific request shapes (field masks, shared
// drive flags, pagination tokens) stay inside this package.
package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/driveactivity/v2"
	"google.golang.org/api/option"

	"github.com/pockettdocs/backend/internal/model"
)

const (
	fileFields = "id, name, mimeType, size, modifiedTime, viewedByMeTime, createdTime, webViewLink, iconLink, trashed, shared, ownedByMe, permissions(id, type, role, emailAddress, domain, allowFileDiscovery, expirationTime)"

	defaultTimeout  = 25 * time.Second
	defaultPageSize = 100
	// Pagination follows nextPageToken until exhausted or this many pages,
	// whichever comes first, so a huge Drive cannot blow up memory.
	defaultMaxPages = 10

	maxReadRetries = 3

	defaultUploadEndpoint = "https://www.googleapis.com/upload/drive/v3/files"
)

// Options configures a Factory. Endpoint overrides exist for tests.
type Options struct {
	Endpoint         string
	ActivityEndpoint string
	UploadEndpoint   string
	Timeout          time.Duration
	PageSize         int64
	MaxPages         int
}

// Factory builds per-token clients. One client per connector per request; the
// token is resolved by the caller before the client is constructed.
type Factory struct {
	opts Options
}

// NewFactory returns a Factory with defaults filled in.
func NewFactory(opts Options) *Factory {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.UploadEndpoint == "" {
		opts.UploadEndpoint = defaultUploadEndpoint
	}
	return &Factory{opts: opts}
}

// ClientFor returns a Client authenticated with the given access token.
func (f *Factory) ClientFor(ctx context.Context, accessToken string) (*Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	hc := oauth2.NewClient(ctx, ts)
	hc.Timeout = f.opts.Timeout

	driveOpts := []option.ClientOption{option.WithHTTPClient(hc)}
	if f.opts.Endpoint != "" {
		driveOpts = append(driveOpts, option.WithEndpoint(f.opts.Endpoint))
	}
	svc, err := gdrive.NewService(ctx, driveOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create drive service: %w", err)
	}

	actOpts := []option.ClientOption{option.WithHTTPClient(hc)}
	if f.opts.ActivityEndpoint != "" {
		actOpts = append(actOpts, option.WithEndpoint(f.opts.ActivityEndpoint))
	}
	act, err := driveactivity.NewService(ctx, actOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create drive activity service: %w", err)
	}

	return &Client{
		svc:            svc,
		act:            act,
		hc:             hc,
		token:          accessToken,
		pageSize:       f.opts.PageSize,
		maxPages:       f.opts.MaxPages,
		uploadEndpoint: f.opts.UploadEndpoint,
	}, nil
}

// Client issues authenticated Drive calls for a single account.
type Client struct {
	svc            *gdrive.Service
	act            *driveactivity.Service
	hc             *http.Client
	token          string
	pageSize       int64
	maxPages       int
	uploadEndpoint string
}

// ListQuery shapes a files.list call.
type ListQuery struct {
	Q       string
	OrderBy string
	// Cap on total returned items; 0 means bounded only by the page cap.
	Limit int
}

// ListFiles runs files.list with shared-drive flags set and follows
// nextPageToken up to the configured page cap.
func (c *Client) ListFiles(ctx context.Context, q ListQuery) ([]model.DriveFile, error) {
	var files []model.DriveFile
	pageToken := ""

	for page := 0; page < c.maxPages; page++ {
		var r *gdrive.FileList
		err := c.retryRead(ctx, func() error {
			call := c.svc.Files.List().
				Context(ctx).
				PageSize(c.pageSize).
				Fields("nextPageToken", "files("+fileFields+")").
				SupportsAllDrives(true).
				IncludeItemsFromAllDrives(true).
				Corpora("allDrives")
			if q.Q != "" {
				call = call.Q(q.Q)
			}
			if q.OrderBy != "" {
				call = call.OrderBy(q.OrderBy)
			}
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var doErr error
			r, doErr = call.Do()
			return doErr
		})
		if err != nil {
			return nil, fmt.Errorf("unable to list files: %w", err)
		}

		for _, f := range r.Files {
			files = append(files, fromAPI(f))
			if q.Limit > 0 && len(files) >= q.Limit {
				return files, nil
			}
		}
		if r.NextPageToken == "" {
			break
		}
		pageToken = r.NextPageToken
	}
	return files, nil
}

// GetFile fetches one file's metadata.
func (c *Client) GetFile(ctx context.Context, fileID string) (model.DriveFile, error) {
	var f *gdrive.File
	err := c.retryRead(ctx, func() error {
		var doErr error
		f, doErr = c.svc.Files.Get(fileID).
			Context(ctx).
			SupportsAllDrives(true).
			Fields(fileFields).
			Do()
		return doErr
	})
	if err != nil {
		return model.DriveFile{}, fmt.Errorf("unable to get file %s: %w", fileID, err)
	}
	return fromAPI(f), nil
}

// BatchMetadata fetches metadata for each id, skipping files that have gone
// missing. A 404 on one id never fails the batch.
func (c *Client) BatchMetadata(ctx context.Context, fileIDs []string) ([]model.DriveFile, error) {
	files := make([]model.DriveFile, 0, len(fileIDs))
	for _, id := range fileIDs {
		f, err := c.GetFile(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				log.Ctx(ctx).Debug().Str("file_id", id).Msg("linked file no longer exists on Drive, skipping")
				continue
			}
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// ListChildren lists the direct children of a folder.
func (c *Client) ListChildren(ctx context.Context, folderID string) ([]model.DriveFile, error) {
	return c.ListFiles(ctx, ListQuery{
		Q: fmt.Sprintf("'%s' in parents and trashed = false", folderID),
	})
}

// Copy duplicates a file in place.
func (c *Client) Copy(ctx context.Context, fileID, name string) (model.DriveFile, error) {
	f, err := c.svc.Files.Copy(fileID, &gdrive.File{Name: name}).
		Context(ctx).
		SupportsAllDrives(true).
		Fields(fileFields).
		Do()
	if err != nil {
		return model.DriveFile{}, fmt.Errorf("unable to copy file: %w", Classify(err))
	}
	return fromAPI(f), nil
}

// CreateShortcut creates a Drive shortcut pointing at targetID inside parentID.
func (c *Client) CreateShortcut(ctx context.Context, targetID, parentID, name string) (model.DriveFile, error) {
	f := &gdrive.File{
		Name:     name,
		MimeType: "application/vnd.google-apps.shortcut",
		Parents:  []string{parentID},
		ShortcutDetails: &gdrive.FileShortcutDetails{
			TargetId: targetID,
		},
	}
	res, err := c.svc.Files.Create(f).
		Context(ctx).
		SupportsAllDrives(true).
		Fields(fileFields).
		Do()
	if err != nil {
		return model.DriveFile{}, fmt.Errorf("unable to create shortcut: %w", Classify(err))
	}
	return fromAPI(res), nil
}

// Download streams a file's content. The caller owns the returned body.
func (c *Client) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	resp, err := c.svc.Files.Get(fileID).
		Context(ctx).
		SupportsAllDrives(true).
		Download()
	if err != nil {
		return nil, fmt.Errorf("unable to download file %s: %w", fileID, Classify(err))
	}
	return resp.Body, nil
}

// Trash moves a file to the trash. Files are never hard-deleted from here.
func (c *Client) Trash(ctx context.Context, fileID string) error {
	_, err := c.svc.Files.Update(fileID, &gdrive.File{Trashed: true}).
		Context(ctx).
		SupportsAllDrives(true).
		Fields("id, trashed").
		Do()
	if err != nil {
		return fmt.Errorf("unable to trash file %s: %w", fileID, Classify(err))
	}
	return nil
}

// ListRevisions lists the revision history of a file.
func (c *Client) ListRevisions(ctx context.Context, fileID string) ([]model.Revision, error) {
	var r *gdrive.RevisionList
	err := c.retryRead(ctx, func() error {
		var doErr error
		r, doErr = c.svc.Revisions.List(fileID).
			Context(ctx).
			Fields("revisions(id, modifiedTime, size, keepForever, lastModifyingUser(displayName))").
			Do()
		return doErr
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list revisions for %s: %w", fileID, err)
	}

	revisions := make([]model.Revision, 0, len(r.Revisions))
	for _, rev := range r.Revisions {
		out := model.Revision{
			ID:           rev.Id,
			ModifiedTime: parseTime(rev.ModifiedTime),
			KeepForever:  rev.KeepForever,
		}
		if rev.Size > 0 {
			out.Size = strconv.FormatInt(rev.Size, 10)
		}
		if rev.LastModifyingUser != nil {
			out.LastModifier = rev.LastModifyingUser.DisplayName
		}
		revisions = append(revisions, out)
	}
	return revisions, nil
}

// ListPermissions lists the permission entries on a file.
func (c *Client) ListPermissions(ctx context.Context, fileID string) ([]model.Permission, error) {
	var r *gdrive.PermissionList
	err := c.retryRead(ctx, func() error {
		var doErr error
		r, doErr = c.svc.Permissions.List(fileID).
			Context(ctx).
			SupportsAllDrives(true).
			Fields("permissions(id, type, role, emailAddress, domain, allowFileDiscovery, expirationTime)").
			Do()
		return doErr
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list permissions for %s: %w", fileID, err)
	}

	perms := make([]model.Permission, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		perms = append(perms, permFromAPI(p))
	}
	return perms, nil
}

// UpdatePermissionExpiry sets an expiration on a permission entry. Mutating
// call, never retried.
func (c *Client) UpdatePermissionExpiry(ctx context.Context, fileID, permissionID string, expiration time.Time) error {
	_, err := c.svc.Permissions.Update(fileID, permissionID, &gdrive.Permission{
		ExpirationTime: expiration.UTC().Format(time.RFC3339),
	}).
		Context(ctx).
		SupportsAllDrives(true).
		Do()
	if err != nil {
		return fmt.Errorf("unable to update permission %s on %s: %w", permissionID, fileID, Classify(err))
	}
	return nil
}

// DeletePermission removes a permission entry from a file.
func (c *Client) DeletePermission(ctx context.Context, fileID, permissionID string) error {
	err := c.svc.Permissions.Delete(fileID, permissionID).
		Context(ctx).
		SupportsAllDrives(true).
		Do()
	if err != nil {
		return fmt.Errorf("unable to delete permission %s on %s: %w", permissionID, fileID, Classify(err))
	}
	return nil
}

// About returns the account identity and storage quota from about.get.
func (c *Client) About(ctx context.Context) (model.AccountInfo, error) {
	var a *gdrive.About
	err := c.retryRead(ctx, func() error {
		var doErr error
		a, doErr = c.svc.About.Get().
			Context(ctx).
			Fields("user, storageQuota").
			Do()
		return doErr
	})
	if err != nil {
		return model.AccountInfo{}, fmt.Errorf("unable to get account info: %w", err)
	}

	info := model.AccountInfo{Quota: model.StorageQuota{Limit: "0", Usage: "0"}}
	if a.User != nil {
		info.Email = a.User.EmailAddress
		info.Name = a.User.DisplayName
		info.PhotoLink = a.User.PhotoLink
	}
	if a.StorageQuota != nil {
		info.Quota.Limit = strconv.FormatInt(a.StorageQuota.Limit, 10)
		info.Quota.Usage = strconv.FormatInt(a.StorageQuota.Usage, 10)
	}
	return info, nil
}

// ActivityCounts aggregates Drive Activity events since the given time into a
// per-file event count.
func (c *Client) ActivityCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	counts := make(map[string]int)
	pageToken := ""

	for page := 0; page < c.maxPages; page++ {
		var r *driveactivity.QueryDriveActivityResponse
		err := c.retryRead(ctx, func() error {
			var doErr error
			r, doErr = c.act.Activity.Query(&driveactivity.QueryDriveActivityRequest{
				AncestorName: "items/root",
				Filter:       fmt.Sprintf("time >= %d", since.UnixMilli()),
				PageSize:     c.pageSize,
				PageToken:    pageToken,
			}).Context(ctx).Do()
			return doErr
		})
		if err != nil {
			return nil, fmt.Errorf("unable to query drive activity: %w", err)
		}

		for _, activity := range r.Activities {
			for _, target := range activity.Targets {
				if target.DriveItem == nil {
					continue
				}
				id := strings.TrimPrefix(target.DriveItem.Name, "items/")
				if id != "" {
					counts[id]++
				}
			}
		}
		if r.NextPageToken == "" {
			break
		}
		pageToken = r.NextPageToken
	}
	return counts, nil
}

// UploadMeta describes the file a resumable upload session will create.
type UploadMeta struct {
	Name     string   `json:"name"`
	MimeType string   `json:"mimeType"`
	Parents  []string `json:"parents,omitempty"`
}

// ResumableUploadURL opens a resumable upload session and returns the session
// URL from the Location header. When fileID is set the session overwrites that
// file instead of creating a new one. The client library does not expose the
// session URL, so this goes straight to the upload endpoint.
func (c *Client) ResumableUploadURL(ctx context.Context, meta UploadMeta, fileID, origin string) (string, error) {
	endpoint := c.uploadEndpoint + "?uploadType=resumable&supportsAllDrives=true"
	method := http.MethodPost
	payload := any(meta)
	if fileID != "" {
		endpoint = c.uploadEndpoint + "/" + fileID + "?uploadType=resumable&supportsAllDrives=true"
		method = http.MethodPatch
		// Parents cannot be changed through an overwrite session.
		payload = UploadMeta{Name: meta.Name, MimeType: meta.MimeType}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("unable to marshal upload metadata: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("unable to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Type", meta.MimeType)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("unable to open upload session: %w", Classify(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &Error{Kind: KindAPIError, Status: resp.StatusCode, Message: string(msg)}
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", NewError(KindAPIError, "upload session response missing Location header")
	}
	return location, nil
}

// retryRead wraps idempotent reads with bounded exponential backoff. Rate
// limits (403/429) and transient transport failures retry; everything else is
// permanent.
func (c *Client) retryRead(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxReadRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		classified := Classify(err)
		if retryable(classified) {
			return classified
		}
		return backoff.Permanent(classified)
	}, bo)
}

func fromAPI(f *gdrive.File) model.DriveFile {
	out := model.DriveFile{
		ID:             f.Id,
		Name:           f.Name,
		MimeType:       f.MimeType,
		ModifiedTime:   parseTime(f.ModifiedTime),
		ViewedByMeTime: parseTime(f.ViewedByMeTime),
		CreatedTime:    parseTime(f.CreatedTime),
		WebViewLink:    f.WebViewLink,
		IconLink:       f.IconLink,
		Trashed:        f.Trashed,
		Shared:         f.Shared,
		OwnedByMe:      f.OwnedByMe,
	}
	if f.Size > 0 {
		out.Size = strconv.FormatInt(f.Size, 10)
	}
	for _, p := range f.Permissions {
		out.Permissions = append(out.Permissions, permFromAPI(p))
	}
	return out
}

func permFromAPI(p *gdrive.Permission) model.Permission {
	return model.Permission{
		ID:             p.Id,
		Type:           p.Type,
		Role:           p.Role,
		EmailAddress:   p.EmailAddress,
		Domain:         p.Domain,
		AllowDiscovery: p.AllowFileDiscovery,
		ExpirationTime: parseTime(p.ExpirationTime),
	}
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
