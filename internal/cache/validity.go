package cache

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"
)

// Fingerprint names, in the order they are checked
const (
	FingerprintSchema     = "schema_version"
	FingerprintSource     = "source_identity"
	FingerprintVector     = "vector_enabled"
	FingerprintUniverse   = "universe_version"
	FingerprintCustomData = "custom_data_version"
)

// Purge selects which stored tiles a changed fingerprint invalidates
type Purge int

const (
	// PurgeAll removes every tile
	PurgeAll Purge = iota
	// PurgeStock removes tiles with any stock content (overlap not complete)
	PurgeStock
	// PurgeCustom removes tiles with any custom content (overlap not none)
	PurgeCustom
)

func (p Purge) String() string {
	switch p {
	case PurgeAll:
		return "all"
	case PurgeStock:
		return "stock"
	case PurgeCustom:
		return "custom"
	default:
		return fmt.Sprintf("purge(%d)", int(p))
	}
}

// CustomPolicy decides how much a custom data change purges
type CustomPolicy string

const (
	// CustomPurgeAll drops the whole cache when custom data changes
	CustomPurgeAll CustomPolicy = "all"
	// CustomPurgeSelective drops only tiles that contain custom data
	CustomPurgeSelective CustomPolicy = "selective"
)

// Check compares one stored fingerprint with the current value of the fact it tracks
type Check struct {
	Name    string
	Current func(ctx context.Context) (string, error)
	Purge   Purge
}

// StaticCheck tracks a value known at startup, such as a config setting
func StaticCheck(name, value string, purge Purge) Check {
	return Check{
		Name:    name,
		Current: func(context.Context) (string, error) { return value, nil },
		Purge:   purge,
	}
}

// DefaultChecks builds the fingerprint list for a cache configuration. Broad
// checks come first so narrower ones usually find nothing left to purge.
func DefaultChecks(opts Options, ds DataStore) []Check {
	checks := []Check{
		StaticCheck(FingerprintSchema, SchemaVersion, PurgeAll),
		StaticCheck(FingerprintSource, opts.SourceID, PurgeAll),
		StaticCheck(FingerprintVector, strconv.FormatBool(opts.VectorEnabled), PurgeAll),
	}
	if ds == nil {
		return checks
	}

	customPurge := PurgeAll
	if opts.CustomPolicy == CustomPurgeSelective {
		customPurge = PurgeCustom
	}
	return append(checks,
		Check{Name: FingerprintUniverse, Current: ds.UniverseVersion, Purge: PurgeStock},
		Check{Name: FingerprintCustomData, Current: ds.CustomDataVersion, Purge: customPurge},
	)
}

// ValidityReport lists what a validity run did
type ValidityReport struct {
	Triggered []string
	Purged    int
}

// ValidityChecker runs once at startup, before the index is loaded. A check
// whose stored or current value cannot be read, or whose values differ, runs its
// purge and then records the current value.
type ValidityChecker struct {
	store  fingerprintStore
	checks []Check
	logger *zap.Logger
}

func NewValidityChecker(store fingerprintStore, checks []Check, logger *zap.Logger) *ValidityChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ValidityChecker{store: store, checks: checks, logger: logger}
}

// Run evaluates every check in order. A failed purge stops the run with an
// error and leaves its fingerprint untouched, so the next start purges again.
func (v *ValidityChecker) Run(ctx context.Context, progress func(done, total int)) (ValidityReport, error) {
	var report ValidityReport

	for i, check := range v.checks {
		current, curErr := check.Current(ctx)
		stored, found, storedErr := v.store.Fingerprint(ctx, check.Name)

		currentOK := curErr == nil && current != ""
		storedOK := storedErr == nil && found && stored != ""

		if currentOK && storedOK && current == stored {
			if progress != nil {
				progress(i+1, len(v.checks))
			}
			continue
		}

		v.logger.Info("Cache fingerprint changed",
			zap.String("fingerprint", check.Name),
			zap.String("stored", stored),
			zap.String("current", current),
			zap.Bool("stored_readable", storedOK),
			zap.Bool("current_readable", currentOK),
			zap.Stringer("purge", check.Purge),
		)
		if curErr != nil {
			v.logger.Warn("Failed to read current fingerprint", zap.String("fingerprint", check.Name), zap.Error(curErr))
		}
		if storedErr != nil {
			v.logger.Warn("Failed to read stored fingerprint", zap.String("fingerprint", check.Name), zap.Error(storedErr))
		}

		n, err := v.purge(ctx, check.Purge)
		if err != nil {
			return report, fmt.Errorf("purge for %s: %w", check.Name, err)
		}
		report.Triggered = append(report.Triggered, check.Name)
		report.Purged += n

		// An unreadable current value is recorded as empty, which never matches
		if !currentOK {
			current = ""
		}
		if err := v.store.SetFingerprint(ctx, check.Name, current); err != nil {
			v.logger.Warn("Failed to store fingerprint", zap.String("fingerprint", check.Name), zap.Error(err))
		}

		if progress != nil {
			progress(i+1, len(v.checks))
		}
	}

	return report, nil
}

func (v *ValidityChecker) purge(ctx context.Context, p Purge) (int, error) {
	switch p {
	case PurgeStock:
		keys, err := v.store.DeleteWhereOverlapNot(ctx, OverlapComplete)
		return len(keys), err
	case PurgeCustom:
		keys, err := v.store.DeleteWhereOverlapNot(ctx, OverlapNone)
		return len(keys), err
	default:
		return v.store.DeleteAll(ctx)
	}
}
