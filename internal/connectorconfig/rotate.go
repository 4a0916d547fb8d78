package connectorconfig

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/activekg/activekg/internal/platform/logging"
	"github.com/activekg/activekg/internal/platform/metrics"
)

// RotationResult summarizes one rotation batch.
type RotationResult struct {
	Scanned    int
	Rotated    int
	Failed     int
	DryRun     bool
	NewVersion string
}

// rotationRepository is the slice of Repository the Rotator depends on.
type rotationRepository interface {
	ListStaleKeyVersion(ctx context.Context, activeVersion string, limit int) ([]storedConfig, error)
	Upsert(ctx context.Context, sc storedConfig) error
}

// Rotator re-encrypts every connector_configs row still under a stale KEK
// version with the active one, batch by batch, so a rotation never holds a
// single long-running transaction across every tenant.
type Rotator struct {
	repo   rotationRepository
	cipher *Cipher
	log    *logging.Logger
	metric *metrics.Registry
}

func NewRotator(repo rotationRepository, cipher *Cipher, log *logging.Logger, m *metrics.Registry) *Rotator {
	return &Rotator{repo: repo, cipher: cipher, log: log, metric: m}
}

// Filter narrows a rotation batch to a subset of providers and/or tenants.
// A nil/empty slice means "no restriction on that dimension". Repository.
// ListStaleKeyVersion has no SQL-level provider/tenant predicate, so Filter
// is applied client-side over the scanned batch; Scanned still reports the
// raw count returned by the repository so RunUntilDrained's exhaustion
// check (Scanned < batchSize) keeps working against the true stale set.
type Filter struct {
	Providers []string
	Tenants   []string
}

func (f Filter) matches(sc storedConfig) bool {
	if len(f.Providers) > 0 && !containsStr(f.Providers, sc.Provider) {
		return false
	}
	if len(f.Tenants) > 0 && !containsStr(f.Tenants, sc.TenantID) {
		return false
	}
	return true
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// RotateBatch re-encrypts up to batchSize stale rows matching filter.
// Callers loop until Scanned < batchSize to drain the whole stale set.
func (r *Rotator) RotateBatch(ctx context.Context, batchSize int, dryRun bool, filter Filter) (RotationResult, error) {
	active := r.cipher.ActiveVersion()
	stale, err := r.repo.ListStaleKeyVersion(ctx, active, batchSize)
	if err != nil {
		return RotationResult{}, err
	}

	result := RotationResult{Scanned: len(stale), DryRun: dryRun, NewVersion: active}

	matching := stale[:0:0]
	for _, sc := range stale {
		if filter.matches(sc) {
			matching = append(matching, sc)
		}
	}

	if dryRun {
		result.Rotated = len(matching)
		return result, nil
	}

	var errs *multierror.Error
	for _, sc := range matching {
		if err := r.rotateOne(ctx, sc); err != nil {
			result.Failed++
			errs = multierror.Append(errs, err)
			r.record("failure")
			continue
		}
		result.Rotated++
		r.record("success")
	}

	return result, errs.ErrorOrNil()
}

func (r *Rotator) rotateOne(ctx context.Context, sc storedConfig) error {
	var pc plainConfig
	if sc.ConfigJSON != nil {
		if err := json.Unmarshal(sc.ConfigJSON, &pc); err != nil {
			return err
		}
	}

	if pc.CredentialCiphertext != "" {
		raw, err := base64.StdEncoding.DecodeString(pc.CredentialCiphertext)
		if err != nil {
			return err
		}
		plain, err := r.cipher.Decrypt(sc.TenantID, sc.Provider, "credential", raw, sc.KeyVersion)
		if err != nil {
			return err
		}
		newCiphertext, newVersion, err := r.cipher.Encrypt(sc.TenantID, sc.Provider, "credential", plain)
		if err != nil {
			return err
		}
		pc.CredentialCiphertext = base64.StdEncoding.EncodeToString(newCiphertext)
		sc.KeyVersion = newVersion
	} else {
		sc.KeyVersion = r.cipher.ActiveVersion()
	}

	raw, err := json.Marshal(pc)
	if err != nil {
		return err
	}
	sc.ConfigJSON = raw

	return r.repo.Upsert(ctx, sc)
}

func (r *Rotator) record(result string) {
	if r.metric == nil {
		return
	}
	r.metric.KeyRotationTotal.WithLabelValues(result).Inc()
}

// RunUntilDrained repeatedly rotates batches until a batch scans fewer
// than batchSize rows, pausing pause between batches to bound Postgres
// load during a large rotation.
func (r *Rotator) RunUntilDrained(ctx context.Context, batchSize int, pause time.Duration, filter Filter) (RotationResult, error) {
	var total RotationResult
	total.NewVersion = r.cipher.ActiveVersion()
	var errs *multierror.Error

	for {
		batch, err := r.RotateBatch(ctx, batchSize, false, filter)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		total.Scanned += batch.Scanned
		total.Rotated += batch.Rotated
		total.Failed += batch.Failed

		if batch.Scanned < batchSize {
			break
		}
		select {
		case <-ctx.Done():
			errs = multierror.Append(errs, ctx.Err())
			return total, errs.ErrorOrNil()
		case <-time.After(pause):
		}
	}

	return total, errs.ErrorOrNil()
}
