// Package signal derives storage and risk signals from Drive file metadata.
// Everything here is pure: no I/O, no clocks except those passed in.
package signal

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pockettdocs/backend/internal/model"
)

const (
	// StaleAfter is how long a file may sit untouched before it counts as
	// stale.
	StaleAfter = 180 * 24 * time.Hour

	// LargeFileBytes is the large-file threshold (500 MB).
	LargeFileBytes int64 = 500 * 1024 * 1024
)

// Dedupe collapses a merged sample by file id. The last instance of an id
// wins, so callers append fresher sources after staler ones.
func Dedupe(files []model.DriveFile) []model.DriveFile {
	index := make(map[string]int, len(files))
	out := make([]model.DriveFile, 0, len(files))
	for _, f := range files {
		if i, ok := index[f.ID]; ok {
			out[i] = f
			continue
		}
		index[f.ID] = len(out)
		out = append(out, f)
	}
	return out
}

// IsStale reports whether the file has gone untouched past the threshold.
// Last view wins over last modification when both exist; folders are never
// stale since their timestamps rarely reflect the activity inside them.
func IsStale(f model.DriveFile, now time.Time, threshold time.Duration) bool {
	if f.MimeType == model.FolderMimeType {
		return false
	}
	ts := f.ViewedByMeTime
	if ts == nil {
		ts = f.ModifiedTime
	}
	if ts == nil {
		return false
	}
	return now.Sub(*ts) > threshold
}

// ParseSize parses the API's string-typed size. Drive omits size for native
// Google formats and folders, so an empty or malformed value means "unknown"
// rather than zero; the second return distinguishes the two.
func ParseSize(size string) (int64, bool) {
	if size == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(size, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// IsLarge reports whether the file crosses the large-file threshold. Files
// with unknown size are never large.
func IsLarge(f model.DriveFile, threshold int64) bool {
	n, ok := ParseSize(f.Size)
	return ok && n >= threshold
}

var (
	copySuffix    = regexp.MustCompile(`(?i)\s*(-\s*)?copy(\s+of)?\s*$`)
	copyPrefix    = regexp.MustCompile(`(?i)^copy\s+of\s+`)
	numberSuffix  = regexp.MustCompile(`\s*\((\d+)\)\s*$`)
	spaceCollapse = regexp.MustCompile(`\s+`)
)

// NormalizeName reduces a filename to its duplicate-detection key: lowercase,
// extension kept, "copy of" prefixes and " copy"/"(n)" suffixes stripped.
func NormalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))

	ext := ""
	if i := strings.LastIndex(n, "."); i > 0 {
		ext = n[i:]
		n = n[:i]
	}

	n = copyPrefix.ReplaceAllString(n, "")
	for {
		trimmed := numberSuffix.ReplaceAllString(n, "")
		trimmed = copySuffix.ReplaceAllString(trimmed, "")
		if trimmed == n {
			break
		}
		n = trimmed
	}
	n = spaceCollapse.ReplaceAllString(n, " ")
	return strings.TrimSpace(n) + ext
}

// DuplicateGroups buckets files whose normalized names collide. Name-based
// detection is approximate: distinct files that merely share a name are
// grouped, and renamed copies are missed. Folders are skipped. Groups are
// ordered by size descending, then by name for stability.
func DuplicateGroups(files []model.DriveFile) [][]model.DriveFile {
	buckets := map[string][]model.DriveFile{}
	for _, f := range files {
		if f.MimeType == model.FolderMimeType {
			continue
		}
		key := NormalizeName(f.Name)
		if key == "" {
			continue
		}
		buckets[key] = append(buckets[key], f)
	}

	groups := make([][]model.DriveFile, 0, len(buckets))
	for _, group := range buckets {
		if len(group) < 2 {
			continue
		}
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool {
		if len(groups[i]) != len(groups[j]) {
			return len(groups[i]) > len(groups[j])
		}
		return groups[i][0].Name < groups[j][0].Name
	})
	return groups
}

var sensitiveKeywords = []string{
	"password", "passwd", "credential", "secret", "private key",
	"ssn", "social security", "tax", "w-2", "w2 ", "1099",
	"salary", "payroll", "compensation",
	"passport", "driver license", "drivers license",
	"bank statement", "routing number",
	"confidential", "nda", "medical", "insurance",
}

// IsSensitiveName reports whether a filename matches the sensitive-content
// keyword heuristic. Purely lexical; false negatives are expected.
func IsSensitiveName(name string) bool {
	n := strings.ToLower(name)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(n, kw) {
			return true
		}
	}
	return false
}

// IsRiskyShare reports whether any permission exposes the file beyond named
// accounts: an `anyone` grant, or link-sharing discoverable without an
// account.
func IsRiskyShare(perms []model.Permission) bool {
	for _, p := range perms {
		if p.Type == "anyone" {
			return true
		}
		if p.Type == "domain" && p.AllowDiscovery {
			return true
		}
	}
	return false
}

// ComputeBadges derives the badge set for a file. Permissions may be nil when
// the caller did not fetch them; the risk badge is then skipped rather than
// guessed from the Shared flag alone.
func ComputeBadges(f model.DriveFile, perms []model.Permission) []model.Badge {
	var badges []model.Badge
	if IsSensitiveName(f.Name) {
		badges = append(badges, model.Badge{Type: model.BadgeSensitive, Label: "Sensitive"})
	}
	if perms != nil && IsRiskyShare(perms) {
		badges = append(badges, model.Badge{Type: model.BadgeRisk, Label: "Publicly accessible"})
	}
	return badges
}

// Summary is the count rollup over a deduped sample.
type Summary struct {
	Total      int `json:"total"`
	Stale      int `json:"stale"`
	Large      int `json:"large"`
	Duplicates int `json:"duplicates"`
	Sensitive  int `json:"sensitive"`
	Risky      int `json:"risky"`
}

// Summarize counts signals over a sample. The input is deduped first so a
// file reached through several list queries counts once. Risky counts files
// already carrying a risk badge; permission fetching is the caller's concern.
func Summarize(files []model.DriveFile, now time.Time) Summary {
	deduped := Dedupe(files)
	s := Summary{Total: len(deduped)}
	for _, f := range deduped {
		if IsStale(f, now, StaleAfter) {
			s.Stale++
		}
		if IsLarge(f, LargeFileBytes) {
			s.Large++
		}
		if IsSensitiveName(f.Name) {
			s.Sensitive++
		}
		for _, b := range f.Badges {
			if b.Type == model.BadgeRisk {
				s.Risky++
				break
			}
		}
	}
	for _, group := range DuplicateGroups(deduped) {
		s.Duplicates += len(group)
	}
	return s
}

// SumQuotas adds per-account quotas into one org-wide figure. Unparseable
// values contribute nothing; a zero limit means at least one account reported
// unlimited or unknown storage, and callers should treat the total limit as
// indicative only.
func SumQuotas(quotas []model.StorageQuota) model.StorageQuota {
	var limit, usage int64
	for _, q := range quotas {
		if n, ok := ParseSize(q.Limit); ok {
			limit += n
		}
		if n, ok := ParseSize(q.Usage); ok {
			usage += n
		}
	}
	return model.StorageQuota{
		Limit: strconv.FormatInt(limit, 10),
		Usage: strconv.FormatInt(usage, 10),
	}
}
