package connector

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pockettdocs/backend/internal/model"
	"github.com/pockettdocs/backend/internal/signal"
)

// fanOut runs fn against every active connector of the org concurrently and
// settles all results. A failing connector contributes nothing beyond a
// warning log; its failure never poisons the merged result. Contributions are
// reassembled in connector order (creation ascending) so the merge is
// deterministic, and every file is tagged with its source connector.
func (a *Aggregator) fanOut(ctx context.Context, organizationID string, fn func(ctx context.Context, c model.Connector) ([]model.DriveFile, error)) ([]model.DriveFile, error) {
	conns, err := a.connectors.FindActiveForOrg(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return []model.DriveFile{}, nil
	}

	results := make([][]model.DriveFile, len(conns))
	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c model.Connector) {
			defer wg.Done()
			files, err := fn(ctx, c)
			if err != nil {
				log.Ctx(ctx).Warn().Err(err).
					Str("connector_id", c.ID).
					Str("email", c.Email).
					Msg("connector excluded from aggregate")
				return
			}
			for j := range files {
				files[j].ConnectorID = c.ID
				files[j].Source = c.Email
			}
			results[i] = files
		}(i, c)
	}
	wg.Wait()

	var merged []model.DriveFile
	for _, r := range results {
		merged = append(merged, r...)
	}
	return merged, nil
}

// OrgRecentFiles merges the most recently modified files across the org's
// connectors, newest first.
func (a *Aggregator) OrgRecentFiles(ctx context.Context, organizationID string, limit int, rng model.TimeRange) ([]model.DriveFile, error) {
	merged, err := a.fanOut(ctx, organizationID, func(ctx context.Context, c model.Connector) ([]model.DriveFile, error) {
		return a.MostRecentFiles(ctx, c.ID, limit, rng)
	})
	if err != nil {
		return nil, err
	}
	merged = signal.Dedupe(merged)
	sortByModified(merged)
	return truncate(merged, limit), nil
}

// OrgActiveFiles merges activity-ranked files across the org's connectors.
func (a *Aggregator) OrgActiveFiles(ctx context.Context, organizationID string, limit int, rng model.TimeRange) ([]model.DriveFile, error) {
	merged, err := a.fanOut(ctx, organizationID, func(ctx context.Context, c model.Connector) ([]model.DriveFile, error) {
		return a.MostActiveFiles(ctx, c.ID, limit, rng)
	})
	if err != nil {
		return nil, err
	}
	merged = signal.Dedupe(merged)
	sortByActivity(merged)
	return truncate(merged, limit), nil
}

// OrgStaleFiles merges stale files across the org's connectors, longest
// untouched first.
func (a *Aggregator) OrgStaleFiles(ctx context.Context, organizationID string, limit int) ([]model.DriveFile, error) {
	merged, err := a.fanOut(ctx, organizationID, func(ctx context.Context, c model.Connector) ([]model.DriveFile, error) {
		return a.StaleFiles(ctx, c.ID, limit)
	})
	if err != nil {
		return nil, err
	}
	merged = signal.Dedupe(merged)
	sort.SliceStable(merged, func(i, j int) bool {
		return laterTime(merged[j].ModifiedTime, merged[i].ModifiedTime)
	})
	return truncate(merged, limit), nil
}

// OrgDuplicateFiles groups likely duplicates across the org. A file reachable
// through several connectors is deduped by id before grouping, so a shared
// file does not count as its own duplicate.
func (a *Aggregator) OrgDuplicateFiles(ctx context.Context, organizationID string, limit int) ([]model.DriveFile, error) {
	merged, err := a.fanOut(ctx, organizationID, func(ctx context.Context, c model.Connector) ([]model.DriveFile, error) {
		return a.DuplicateFiles(ctx, c.ID, 0)
	})
	if err != nil {
		return nil, err
	}
	return flattenGroups(signal.DuplicateGroups(signal.Dedupe(merged)), limit), nil
}

// AccountQuota is one connector's contribution to the org storage rollup.
type AccountQuota struct {
	ConnectorID string             `json:"connectorId"`
	Email       string             `json:"email"`
	Quota       model.StorageQuota `json:"quota"`
}

// OrgQuota is the additive storage rollup, with per-account breakdown.
// Accounts that failed to report are listed so the caller can render a
// partial total honestly.
type OrgQuota struct {
	Total    model.StorageQuota `json:"total"`
	Accounts []AccountQuota     `json:"accounts"`
	Failed   []string           `json:"failed,omitempty"`
}

// OrgStorageQuota sums storage quotas across the org's connectors. Partial
// success is success: failing accounts are reported, not fatal.
func (a *Aggregator) OrgStorageQuota(ctx context.Context, organizationID string) (OrgQuota, error) {
	conns, err := a.connectors.FindActiveForOrg(ctx, organizationID)
	if err != nil {
		return OrgQuota{}, err
	}

	type result struct {
		account AccountQuota
		err     error
	}
	results := make([]result, len(conns))
	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c model.Connector) {
			defer wg.Done()
			info, err := a.StorageQuota(ctx, c.ID)
			results[i] = result{
				account: AccountQuota{ConnectorID: c.ID, Email: c.Email, Quota: info.Quota},
				err:     err,
			}
		}(i, c)
	}
	wg.Wait()

	out := OrgQuota{Accounts: []AccountQuota{}}
	var quotas []model.StorageQuota
	for i, r := range results {
		if r.err != nil {
			log.Ctx(ctx).Warn().Err(r.err).
				Str("connector_id", conns[i].ID).
				Msg("connector excluded from quota rollup")
			out.Failed = append(out.Failed, conns[i].ID)
			continue
		}
		out.Accounts = append(out.Accounts, r.account)
		quotas = append(quotas, r.account.Quota)
	}
	out.Total = signal.SumQuotas(quotas)
	return out, nil
}

// Sample budgets for the org file sample, per list.
const (
	sampleRecent    = 150
	samplePerList   = 100
	samplePerBand   = 60
	sampleRecentRng = model.RangeYear
)

// FileSample is the mixed org-wide sample and the signal rollup over it.
type FileSample struct {
	Files   []model.DriveFile `json:"files"`
	Summary signal.Summary    `json:"summary"`
}

// OrgFileSample assembles a representative sample of the org's Drive
// footprint: recent, active, shared, shared-by-me, stale and heavy files from
// every connector, deduped by id, with the signal summary computed over the
// sample. Each per-connector list settles independently.
func (a *Aggregator) OrgFileSample(ctx context.Context, organizationID string) (FileSample, error) {
	merged, err := a.fanOut(ctx, organizationID, func(ctx context.Context, c model.Connector) ([]model.DriveFile, error) {
		return a.connectorSample(ctx, c)
	})
	if err != nil {
		return FileSample{}, err
	}
	deduped := signal.Dedupe(merged)
	for i := range deduped {
		deduped[i].Badges = signal.ComputeBadges(deduped[i], deduped[i].Permissions)
	}
	return FileSample{
		Files:   deduped,
		Summary: signal.Summarize(deduped, a.now()),
	}, nil
}

// connectorSample gathers one connector's slice of the sample. Individual
// lists that fail are skipped; the sample degrades instead of vanishing.
func (a *Aggregator) connectorSample(ctx context.Context, c model.Connector) ([]model.DriveFile, error) {
	lists := []struct {
		name string
		fn   func(ctx context.Context) ([]model.DriveFile, error)
	}{
		{"recent", func(ctx context.Context) ([]model.DriveFile, error) {
			return a.MostRecentFiles(ctx, c.ID, sampleRecent, sampleRecentRng)
		}},
		{"active", func(ctx context.Context) ([]model.DriveFile, error) {
			return a.MostActiveFiles(ctx, c.ID, samplePerList, model.RangeMonth)
		}},
		{"shared", func(ctx context.Context) ([]model.DriveFile, error) {
			return a.SharedFiles(ctx, c.ID, samplePerList)
		}},
		{"shared_by_me", func(ctx context.Context) ([]model.DriveFile, error) {
			return a.SharedByMeFiles(ctx, c.ID, samplePerList)
		}},
		{"stale", func(ctx context.Context) ([]model.DriveFile, error) {
			return a.StaleFiles(ctx, c.ID, samplePerList)
		}},
		{"storage_5_10", func(ctx context.Context) ([]model.DriveFile, error) {
			return a.StorageFiles(ctx, c.ID, samplePerBand, "5-10", "")
		}},
		{"storage_10_plus", func(ctx context.Context) ([]model.DriveFile, error) {
			return a.StorageFiles(ctx, c.ID, samplePerBand, "10+", "")
		}},
	}

	var sample []model.DriveFile
	var firstErr error
	succeeded := false
	for _, l := range lists {
		files, err := l.fn(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			log.Ctx(ctx).Warn().Err(err).
				Str("connector_id", c.ID).
				Str("list", l.name).
				Msg("sample list skipped")
			continue
		}
		succeeded = true
		sample = append(sample, files...)
	}
	if !succeeded && firstErr != nil {
		return nil, firstErr
	}
	return sample, nil
}

func truncate(files []model.DriveFile, limit int) []model.DriveFile {
	if limit > 0 && len(files) > limit {
		return files[:limit]
	}
	return files
}
