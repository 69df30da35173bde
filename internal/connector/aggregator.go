// Package connector aggregates Drive data across the connectors of an
// organization and owns the connector lifecycle.
package connector

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/pockettdocs/backend/internal/drive"
	"github.com/pockettdocs/backend/internal/model"
	"github.com/pockettdocs/backend/internal/signal"
)

// DriveClient is the slice of the Drive API client the aggregator uses.
type DriveClient interface {
	ListFiles(ctx context.Context, q drive.ListQuery) ([]model.DriveFile, error)
	GetFile(ctx context.Context, fileID string) (model.DriveFile, error)
	BatchMetadata(ctx context.Context, fileIDs []string) ([]model.DriveFile, error)
	ListChildren(ctx context.Context, folderID string) ([]model.DriveFile, error)
	Copy(ctx context.Context, fileID, name string) (model.DriveFile, error)
	CreateShortcut(ctx context.Context, targetID, parentID, name string) (model.DriveFile, error)
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)
	Trash(ctx context.Context, fileID string) error
	ListRevisions(ctx context.Context, fileID string) ([]model.Revision, error)
	ListPermissions(ctx context.Context, fileID string) ([]model.Permission, error)
	UpdatePermissionExpiry(ctx context.Context, fileID, permissionID string, expiration time.Time) error
	DeletePermission(ctx context.Context, fileID, permissionID string) error
	About(ctx context.Context) (model.AccountInfo, error)
	ActivityCounts(ctx context.Context, since time.Time) (map[string]int, error)
	ResumableUploadURL(ctx context.Context, meta drive.UploadMeta, fileID, origin string) (string, error)
}

// ClientFactory builds a Drive client bound to an access token.
type ClientFactory interface {
	ClientFor(ctx context.Context, accessToken string) (DriveClient, error)
}

// ClientFactoryFunc adapts a function to ClientFactory.
type ClientFactoryFunc func(ctx context.Context, accessToken string) (DriveClient, error)

func (f ClientFactoryFunc) ClientFor(ctx context.Context, accessToken string) (DriveClient, error) {
	return f(ctx, accessToken)
}

// TokenSource hands out valid access tokens per connector.
type TokenSource interface {
	AccessToken(ctx context.Context, connectorID string) (string, error)
	Invalidate(connectorID string)
	Revoke(ctx context.Context, accessToken string) error
}

// Connectors is the connector-store surface the aggregator needs.
type Connectors interface {
	Find(ctx context.Context, id string) (*model.Connector, error)
	FindForOrg(ctx context.Context, organizationID string) ([]model.Connector, error)
	FindActiveForOrg(ctx context.Context, organizationID string) ([]model.Connector, error)
	Upsert(ctx context.Context, connector *model.Connector) error
	SetStatus(ctx context.Context, id string, status model.ConnectorStatus) error
	UpdateSettings(ctx context.Context, id string, settings model.ConnectorSettings) error
	ClearTokens(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// LinkedFiles is the linked-file-store surface the aggregator needs.
type LinkedFiles interface {
	UpsertLinks(ctx context.Context, connectorID string, fileIDs []string) error
	ActiveForConnector(ctx context.Context, connectorID string) ([]model.LinkedFile, error)
	Revoke(ctx context.Context, connectorID, fileID string) error
}

// Notifier pushes connector lifecycle events to listening clients. May be nil.
type Notifier interface {
	Broadcast(event string, payload any)
}

// Aggregator fans Drive reads out over the active connectors of an org and
// funnels connector mutations through the store and token manager.
type Aggregator struct {
	connectors Connectors
	linked     LinkedFiles
	clients    ClientFactory
	tokens     TokenSource
	notifier   Notifier
	now        func() time.Time
}

// NewAggregator creates an Aggregator. notifier may be nil.
func NewAggregator(connectors Connectors, linked LinkedFiles, clients ClientFactory, tokens TokenSource, notifier Notifier) *Aggregator {
	return &Aggregator{
		connectors: connectors,
		linked:     linked,
		clients:    clients,
		tokens:     tokens,
		notifier:   notifier,
		now:        time.Now,
	}
}

func (a *Aggregator) clientFor(ctx context.Context, connectorID string) (DriveClient, error) {
	token, err := a.tokens.AccessToken(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	return a.clients.ClientFor(ctx, token)
}

func (a *Aggregator) broadcast(event string, payload any) {
	if a.notifier != nil {
		a.notifier.Broadcast(event, payload)
	}
}

const (
	notTrashed = "trashed = false"
	notFolder  = "mimeType != '" + model.FolderMimeType + "'"
)

// MostRecentFiles lists the connector's files modified within the range,
// newest first.
func (a *Aggregator) MostRecentFiles(ctx context.Context, connectorID string, limit int, rng model.TimeRange) ([]model.DriveFile, error) {
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	since := a.now().Add(-rng.Duration()).UTC().Format(time.RFC3339)
	return client.ListFiles(ctx, drive.ListQuery{
		Q:       fmt.Sprintf("%s and %s and modifiedTime > '%s'", notTrashed, notFolder, since),
		OrderBy: "modifiedTime desc",
		Limit:   limit,
	})
}

// MostActiveFiles ranks the connector's files by Drive activity event count
// within the range, breaking ties by last view.
func (a *Aggregator) MostActiveFiles(ctx context.Context, connectorID string, limit int, rng model.TimeRange) ([]model.DriveFile, error) {
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	counts, err := client.ActivityCounts(ctx, a.now().Add(-rng.Duration()))
	if err != nil {
		return nil, err
	}
	if len(counts) == 0 {
		return []model.DriveFile{}, nil
	}

	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return counts[ids[i]] > counts[ids[j]] })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	files, err := client.BatchMetadata(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range files {
		files[i].ActivityCount = counts[files[i].ID]
	}
	sortByActivity(files)
	return files, nil
}

// StaleFiles lists files untouched past the stale threshold, oldest first.
// Folders are excluded at the query, recently viewed files post-filter.
func (a *Aggregator) StaleFiles(ctx context.Context, connectorID string, limit int) ([]model.DriveFile, error) {
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	now := a.now()
	cutoff := now.Add(-signal.StaleAfter).UTC().Format(time.RFC3339)
	// viewedByMeTime decides staleness first; a file modified yesterday but
	// last opened a year ago is still stale. Files Drive has no view time
	// for fall back to modifiedTime, hence the or.
	files, err := client.ListFiles(ctx, drive.ListQuery{
		Q:       fmt.Sprintf("%s and %s and (viewedByMeTime < '%s' or modifiedTime < '%s')", notTrashed, notFolder, cutoff, cutoff),
		OrderBy: "modifiedTime asc",
		Limit:   limit * 2, // headroom for the post-filter
	})
	if err != nil {
		return nil, err
	}

	stale := files[:0]
	for _, f := range files {
		if signal.IsStale(f, now, signal.StaleAfter) {
			stale = append(stale, f)
		}
	}
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// DuplicateFiles detects likely duplicates among the connector's recent files
// by normalized name. Groups are flattened in group order up to limit.
func (a *Aggregator) DuplicateFiles(ctx context.Context, connectorID string, limit int) ([]model.DriveFile, error) {
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	sample, err := client.ListFiles(ctx, drive.ListQuery{
		Q:       notTrashed + " and " + notFolder,
		OrderBy: "modifiedTime desc",
	})
	if err != nil {
		return nil, err
	}
	return flattenGroups(signal.DuplicateGroups(sample), limit), nil
}

// SharedFiles lists files shared with the connector's account.
func (a *Aggregator) SharedFiles(ctx context.Context, connectorID string, limit int) ([]model.DriveFile, error) {
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	return client.ListFiles(ctx, drive.ListQuery{
		Q:       notTrashed + " and sharedWithMe = true",
		OrderBy: "modifiedTime desc",
		Limit:   limit,
	})
}

// SharedByMeFiles lists files owned by the connector's account and shared out.
func (a *Aggregator) SharedByMeFiles(ctx context.Context, connectorID string, limit int) ([]model.DriveFile, error) {
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	files, err := client.ListFiles(ctx, drive.ListQuery{
		Q:       notTrashed + " and 'me' in owners",
		OrderBy: "modifiedTime desc",
	})
	if err != nil {
		return nil, err
	}

	shared := files[:0]
	for _, f := range files {
		if f.Shared {
			shared = append(shared, f)
		}
	}
	if limit > 0 && len(shared) > limit {
		shared = shared[:limit]
	}
	return shared, nil
}

// Storage size bands, in gigabytes.
const (
	bandLowerBytes int64 = 5 * 1024 * 1024 * 1024
	bandUpperBytes int64 = 10 * 1024 * 1024 * 1024
)

// StorageFiles lists the connector's heaviest files within a size band.
// band "5-10" covers 5 to 10 GB, "10+" everything above; any other value
// means no band filter. owner "me" restricts to owned files.
func (a *Aggregator) StorageFiles(ctx context.Context, connectorID string, limit int, band, owner string) ([]model.DriveFile, error) {
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return nil, err
	}

	q := notTrashed + " and " + notFolder
	switch band {
	case "5-10":
		q += fmt.Sprintf(" and quotaBytesUsed > %d and quotaBytesUsed <= %d", bandLowerBytes, bandUpperBytes)
	case "10+":
		q += fmt.Sprintf(" and quotaBytesUsed > %d", bandUpperBytes)
	}
	if owner == "me" {
		q += " and 'me' in owners"
	}
	return client.ListFiles(ctx, drive.ListQuery{
		Q:       q,
		OrderBy: "quotaBytesUsed desc",
		Limit:   limit,
	})
}

// StorageQuota returns the account identity and quota behind a connector.
func (a *Aggregator) StorageQuota(ctx context.Context, connectorID string) (model.AccountInfo, error) {
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return model.AccountInfo{}, err
	}
	return client.About(ctx)
}

// FilesMetadata fetches current metadata for a set of file ids. Files gone
// from Drive are silently skipped.
func (a *Aggregator) FilesMetadata(ctx context.Context, connectorID string, fileIDs []string) ([]model.DriveFile, error) {
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	return client.BatchMetadata(ctx, fileIDs)
}

// importDepthLimit caps recursive folder expansion during import.
const importDepthLimit = 10

// ImportFiles links the given files to the connector, expanding folders
// recursively. All links land in one transaction; the import either links the
// full expansion or nothing.
func (a *Aggregator) ImportFiles(ctx context.Context, connectorID string, fileIDs []string) ([]string, error) {
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var linked []string
	var expand func(ctx context.Context, id string, depth int) error
	expand = func(ctx context.Context, id string, depth int) error {
		if seen[id] {
			return nil
		}
		seen[id] = true

		f, err := client.GetFile(ctx, id)
		if err != nil {
			if drive.IsNotFound(err) {
				return nil
			}
			return err
		}
		if f.MimeType != model.FolderMimeType {
			linked = append(linked, f.ID)
			return nil
		}
		if depth >= importDepthLimit {
			return nil
		}
		children, err := client.ListChildren(ctx, f.ID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := expand(ctx, child.ID, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	for _, id := range fileIDs {
		if err := expand(ctx, id, 0); err != nil {
			return nil, err
		}
	}
	if len(linked) == 0 {
		return []string{}, nil
	}
	if err := a.linked.UpsertLinks(ctx, connectorID, linked); err != nil {
		return nil, err
	}
	a.broadcast("files.imported", map[string]any{
		"connectorId": connectorID,
		"count":       len(linked),
	})
	return linked, nil
}

// LinkedFileView is a linked-file row joined with live Drive metadata.
type LinkedFileView struct {
	model.DriveFile
	LinkedAt time.Time `json:"linkedAt"`
}

// LinkedFiles merges the connector's active links with current Drive
// metadata. Links whose files vanished from Drive keep their row and render
// with a placeholder name.
func (a *Aggregator) LinkedFiles(ctx context.Context, connectorID string) ([]LinkedFileView, error) {
	rows, err := a.linked.ActiveForConnector(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []LinkedFileView{}, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.FileID
	}
	files, err := a.FilesMetadata(ctx, connectorID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.DriveFile, len(files))
	for _, f := range files {
		byID[f.ID] = f
	}

	views := make([]LinkedFileView, 0, len(rows))
	for _, r := range rows {
		f, ok := byID[r.FileID]
		if !ok {
			f = model.DriveFile{ID: r.FileID, Name: "Unknown File"}
		}
		views = append(views, LinkedFileView{DriveFile: f, LinkedAt: r.LinkedAt})
	}
	return views, nil
}

// RevokeLinkedFile soft-revokes a link; the row stays for audit.
func (a *Aggregator) RevokeLinkedFile(ctx context.Context, connectorID, fileID string) error {
	return a.linked.Revoke(ctx, connectorID, fileID)
}

// CopyFile duplicates a file in the connector account. An empty name keeps
// the Drive default ("Copy of ...").
func (a *Aggregator) CopyFile(ctx context.Context, connectorID, fileID, name string) (model.DriveFile, error) {
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return model.DriveFile{}, err
	}
	return client.Copy(ctx, fileID, name)
}

// CreateShortcut creates a Drive shortcut to target under parent.
func (a *Aggregator) CreateShortcut(ctx context.Context, connectorID, targetID, parentID, name string) (model.DriveFile, error) {
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return model.DriveFile{}, err
	}
	return client.CreateShortcut(ctx, targetID, parentID, name)
}

// DownloadFile streams a file's content along with its current metadata. The
// caller owns the returned body.
func (a *Aggregator) DownloadFile(ctx context.Context, connectorID, fileID string) (model.DriveFile, io.ReadCloser, error) {
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return model.DriveFile{}, nil, err
	}
	f, err := client.GetFile(ctx, fileID)
	if err != nil {
		return model.DriveFile{}, nil, err
	}
	body, err := client.Download(ctx, fileID)
	if err != nil {
		return model.DriveFile{}, nil, err
	}
	return f, body, nil
}

// TrashFile moves a file to the connector account's trash.
func (a *Aggregator) TrashFile(ctx context.Context, connectorID, fileID string) error {
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return err
	}
	return client.Trash(ctx, fileID)
}

// RevokePermission removes a permission from a file. Returns false when the
// API rejects the change (for example a 403 on a file the account cannot
// administer); auth and transport failures surface as errors.
func (a *Aggregator) RevokePermission(ctx context.Context, connectorID, fileID, permissionID string) (bool, error) {
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return false, err
	}
	return asOutcome(client.DeletePermission(ctx, fileID, permissionID))
}

// UpdatePermissionExpiry sets an expiration on a permission, same outcome
// contract as RevokePermission.
func (a *Aggregator) UpdatePermissionExpiry(ctx context.Context, connectorID, fileID, permissionID string, expiration time.Time) (bool, error) {
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return false, err
	}
	return asOutcome(client.UpdatePermissionExpiry(ctx, fileID, permissionID, expiration))
}

// asOutcome turns API rejections into a false outcome while letting auth and
// transport failures propagate.
func asOutcome(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	switch drive.KindOf(err) {
	case drive.KindAPIError, drive.KindNotFound:
		return false, nil
	default:
		return false, err
	}
}

// Permissions lists a file's permissions.
func (a *Aggregator) Permissions(ctx context.Context, connectorID, fileID string) ([]model.Permission, error) {
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	return client.ListPermissions(ctx, fileID)
}

// Revisions lists a file's revision history.
func (a *Aggregator) Revisions(ctx context.Context, connectorID, fileID string) ([]model.Revision, error) {
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	return client.ListRevisions(ctx, fileID)
}

// ResumableUploadURL opens a resumable upload session. fileID non-empty means
// overwrite; origin is passed through for the browser's CORS handshake.
func (a *Aggregator) ResumableUploadURL(ctx context.Context, connectorID string, meta drive.UploadMeta, fileID, origin string) (string, error) {
	// New uploads without an explicit parent land in the connector's
	// configured app folder, when one is set.
	if fileID == "" && len(meta.Parents) == 0 {
		conn, err := a.connectors.Find(ctx, connectorID)
		if err != nil {
			return "", err
		}
		if conn.Settings.AppFolderID != "" {
			meta.Parents = []string{conn.Settings.AppFolderID}
		}
	}
	client, err := a.clientFor(ctx, connectorID)
	if err != nil {
		return "", err
	}
	return client.ResumableUploadURL(ctx, meta, fileID, origin)
}

// AccessTokenFor exposes a short-lived bearer token for the connector, used
// by the token route for client-direct uploads.
func (a *Aggregator) AccessTokenFor(ctx context.Context, connectorID string) (string, error) {
	return a.tokens.AccessToken(ctx, connectorID)
}

func flattenGroups(groups [][]model.DriveFile, limit int) []model.DriveFile {
	out := []model.DriveFile{}
	for _, g := range groups {
		out = append(out, g...)
		if limit > 0 && len(out) >= limit {
			return out[:limit]
		}
	}
	return out
}

func sortByActivity(files []model.DriveFile) {
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].ActivityCount != files[j].ActivityCount {
			return files[i].ActivityCount > files[j].ActivityCount
		}
		return laterTime(files[i].ViewedByMeTime, files[j].ViewedByMeTime)
	})
}

func sortByModified(files []model.DriveFile) {
	sort.SliceStable(files, func(i, j int) bool {
		return laterTime(files[i].ModifiedTime, files[j].ModifiedTime)
	})
}

// laterTime orders non-nil over nil, then later timestamps first.
func laterTime(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.After(*b)
	}
}
