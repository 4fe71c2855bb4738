package usecase

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ted-sharp/aloe-apps-filebridge/internal/domain"
)

// AdmissionFilter decides whether a candidate path becomes a queued unit
// of work. For an admitted candidate exactly one derived target path is
// inserted into the active set and enqueued; everything else is rejected.
type AdmissionFilter struct {
	profileName    string
	ignoreSuffixes []string // normalized: lowercase, leading dot
	markerSuffixes []string // derived from *.SUFFIX patterns, dot included
	active         *ActiveFileSet
	cooldown       *CooldownMap
	queue          chan<- string
	store          domain.LogStore
	logger         *zap.Logger
}

// NewAdmissionFilter builds the filter for one profile. Extension and
// marker rules are normalized once here.
func NewAdmissionFilter(
	profile domain.WatchProfile,
	active *ActiveFileSet,
	cooldown *CooldownMap,
	queue chan<- string,
	store domain.LogStore,
	logger *zap.Logger,
) *AdmissionFilter {
	f := &AdmissionFilter{
		profileName: profile.Name,
		active:      active,
		cooldown:    cooldown,
		queue:       queue,
		store:       store,
		logger:      logger,
	}
	for _, ext := range profile.IgnoreExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		f.ignoreSuffixes = append(f.ignoreSuffixes, ext)
	}
	for _, pat := range profile.MarkerFilePatterns {
		if strings.HasPrefix(pat, "*.") && len(pat) > 2 {
			// "*.ready" admits basenames ending in ".ready".
			f.markerSuffixes = append(f.markerSuffixes, pat[1:])
		}
	}
	return f
}

// Admit runs the admission pipeline for one candidate path. The manual
// flag disables the cooldown check (operator-initiated scans). Returns
// true when the derived target was enqueued.
func (f *AdmissionFilter) Admit(path string, manual bool) bool {
	now := timeNow()
	base := filepath.Base(path)

	info, statErr := os.Stat(path)
	if statErr == nil && info.IsDir() {
		return false
	}
	if statErr != nil && !f.isMarkerName(base) {
		return false
	}

	lowerBase := strings.ToLower(base)
	for _, suffix := range f.ignoreSuffixes {
		if strings.HasSuffix(lowerBase, suffix) {
			f.logger.Debug("candidate ignored by extension",
				zap.String("profile", f.profileName),
				zap.String("path", path))
			return false
		}
	}

	target := path
	if len(f.markerSuffixes) > 0 {
		matched := false
		for _, suffix := range f.markerSuffixes {
			if strings.HasSuffix(base, suffix) {
				target = strings.TrimSuffix(path, suffix)
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
		if _, err := os.Stat(target); err != nil {
			f.logger.Debug("marker target missing",
				zap.String("profile", f.profileName),
				zap.String("marker", path),
				zap.String("target", target))
			return false
		}
	}

	if f.active.Contains(target) {
		return false
	}
	if !manual && f.cooldown.InCooldown(target, now) {
		f.logger.Debug("candidate in cooldown",
			zap.String("profile", f.profileName),
			zap.String("path", target))
		return false
	}
	if !f.active.TryAdd(target) {
		return false
	}

	select {
	case f.queue <- target:
		f.logger.Debug("candidate admitted",
			zap.String("profile", f.profileName),
			zap.String("path", target))
		return true
	default:
		f.active.Remove(target)
		f.logger.Warn("work queue full, candidate dropped",
			zap.String("profile", f.profileName),
			zap.String("path", target))
		f.appendEntry(domain.LogEntry{
			LogType: domain.LogWatcherError,
			Message: "work queue full, candidate dropped",
			Details: "profile: " + f.profileName + ", file: " + target,
		})
		return false
	}
}

// isMarkerName reports whether the basename matches a marker pattern.
func (f *AdmissionFilter) isMarkerName(base string) bool {
	for _, suffix := range f.markerSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}

func (f *AdmissionFilter) appendEntry(entry domain.LogEntry) {
	if err := f.store.Append(entry); err != nil {
		f.logger.Warn("failed to append log entry",
			zap.String("profile", f.profileName),
			zap.Error(err))
	}
}
