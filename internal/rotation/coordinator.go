// Package rotation re-encrypts stored credentials under the next master key
// version staged from configuration. Runs are single-flight, batched, and
// idempotent: a crashed or cancelled run can simply be started again and
// picks up where the version tags say work remains. Because the target key
// material lives in configuration rather than process memory, a restart at
// any point never strands records on an unrecoverable version.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentbus/buskeeper/internal/crypto"
	"github.com/agentbus/buskeeper/pkg/models"
	"github.com/google/uuid"
)

// ErrRotationInProgress is returned when Rotate is called while a run is
// already active. Calls are rejected, never queued.
var ErrRotationInProgress = errors.New("rotation already in progress")

// Store is the persistence surface rotation needs. *store.PostgresStore
// satisfies it.
type Store interface {
	ListCredentialsAfter(ctx context.Context, afterID uuid.UUID, limit int) ([]*models.Credential, error)
	UpdateCredentialCiphertext(ctx context.Context, id uuid.UUID, password models.Ciphertext, txnPassword *models.Ciphertext, expectVersion int) (bool, error)
}

// Coordinator drives master-key rotation runs.
type Coordinator struct {
	store      Store
	registry   *crypto.Registry
	cipher     *crypto.Cipher
	batchSize  int
	maxRetries int

	mu      sync.Mutex
	running bool
	report  models.RotationReport
}

// NewCoordinator creates a Coordinator. batchSize bounds how many records are
// held in memory at once; maxRetries bounds per-record attempts.
func NewCoordinator(s Store, registry *crypto.Registry, cipher *crypto.Cipher, batchSize, maxRetries int) *Coordinator {
	return &Coordinator{
		store:      s,
		registry:   registry,
		cipher:     cipher,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		report:     models.RotationReport{State: models.RotationIdle},
	}
}

// Status returns a snapshot of the current or most recent run.
func (c *Coordinator) Status() models.RotationReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}

// runTimeout bounds a background rotation run. The run is batched and each
// batch is short, but a wedged database must not pin the goroutine forever.
const runTimeout = 30 * time.Minute

// begin claims the single-flight slot. A second caller while a run is
// active gets ErrRotationInProgress immediately; calls are never queued.
func (c *Coordinator) begin(actor string) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return time.Time{}, ErrRotationInProgress
	}
	c.running = true
	started := time.Now().UTC()
	c.report = models.RotationReport{
		State:       models.RotationRunning,
		InitiatedBy: actor,
		StartedAt:   &started,
	}
	return started, nil
}

func (c *Coordinator) end(report models.RotationReport) {
	c.mu.Lock()
	c.running = false
	c.report = report
	c.mu.Unlock()
}

// Rotate activates the staged master key version and re-encrypts every
// stored credential under it, synchronously. Without a staged key the run
// resumes toward the current version. The returned report is also retained
// for Status.
func (c *Coordinator) Rotate(ctx context.Context, actor string) (models.RotationReport, error) {
	started, err := c.begin(actor)
	if err != nil {
		return models.RotationReport{}, err
	}

	report := c.run(ctx, actor, started)
	c.end(report)

	if report.State == models.RotationFailed {
		return report, errors.New(report.Error)
	}
	return report, nil
}

// StartAsync claims the single-flight slot and runs the rotation in a
// background goroutine with its own timeout. Callers observe progress
// through Status.
func (c *Coordinator) StartAsync(actor string) error {
	started, err := c.begin(actor)
	if err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		report := c.run(ctx, actor, started)
		c.end(report)
		if report.State == models.RotationFailed {
			slog.Error("background rotation failed", "error", report.Error)
		}
	}()
	return nil
}

func (c *Coordinator) run(ctx context.Context, actor string, started time.Time) models.RotationReport {
	report := models.RotationReport{
		State:       models.RotationRunning,
		InitiatedBy: actor,
		StartedAt:   &started,
	}
	finish := func(state, errMsg string) models.RotationReport {
		done := time.Now().UTC()
		report.State = state
		report.Error = errMsg
		report.CompletedAt = &done
		return report
	}

	// A staged key from configuration becomes the target. Without one this
	// is a resume pass: stragglers from an interrupted run are driven to
	// the version that is already current.
	oldVersion := c.registry.CurrentVersion()
	newVersion, err := c.registry.ActivateStaged()
	if errors.Is(err, crypto.ErrNoStagedKey) {
		newVersion = oldVersion
	} else if err != nil {
		return finish(models.RotationFailed, fmt.Sprintf("activate staged key: %v", err))
	}
	report.OldVersion = oldVersion
	report.NewVersion = newVersion

	slog.Info("rotation started",
		"old_version", oldVersion,
		"new_version", newVersion,
		"initiated_by", actor)

	var afterID uuid.UUID
	for {
		// Cancellation is honored between batches only. Already-rotated
		// records stay rotated; a later run skips them by version tag.
		if err := ctx.Err(); err != nil {
			slog.Warn("rotation cancelled",
				"processed", report.Processed,
				"skipped", report.Skipped,
				"failed", report.Failed)
			return finish(models.RotationFailed, fmt.Sprintf("cancelled: %v", err))
		}

		batch, err := c.store.ListCredentialsAfter(ctx, afterID, c.batchSize)
		if err != nil {
			return finish(models.RotationFailed, fmt.Sprintf("list credentials: %v", err))
		}
		if len(batch) == 0 {
			break
		}

		for _, cred := range batch {
			afterID = cred.ID
			if cred.Password.KeyVersion == newVersion {
				report.Skipped++
				continue
			}
			if err := c.rotateRecord(ctx, cred, newVersion); err != nil {
				slog.Error("credential rotation failed",
					"credential_id", cred.ID,
					"tagged_version", cred.Password.KeyVersion,
					"error", err)
				report.Failed++
				continue
			}
			report.Processed++
		}
	}

	if report.Failed > 0 {
		slog.Warn("rotation completed with errors",
			"processed", report.Processed,
			"skipped", report.Skipped,
			"failed", report.Failed)
		return finish(models.RotationCompletedWithErrors, "")
	}

	// Every record now carries the new version, so the old key is no
	// longer needed for decryption. It stays resolvable until discarded.
	if oldVersion != newVersion {
		if err := c.registry.Retire(oldVersion); err != nil {
			slog.Warn("retire old key version", "version", oldVersion, "error", err)
		}
	}

	slog.Info("rotation completed",
		"processed", report.Processed,
		"skipped", report.Skipped,
		"new_version", newVersion)
	return finish(models.RotationCompleted, "")
}

// rotateRecord re-encrypts one credential under targetVersion with bounded
// retries. The write is conditional on the version tag observed at read
// time, so a concurrent writer causes a clean no-op rather than a clobber.
func (c *Coordinator) rotateRecord(ctx context.Context, cred *models.Credential, targetVersion int) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		lastErr = c.tryRotateRecord(ctx, cred, targetVersion)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return fmt.Errorf("after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Coordinator) tryRotateRecord(ctx context.Context, cred *models.Credential, targetVersion int) error {
	password, err := c.cipher.Decrypt(cred.Password)
	if err != nil {
		return fmt.Errorf("decrypt password: %w", err)
	}
	newPassword, err := c.cipher.EncryptWith(password, targetVersion)
	if err != nil {
		return fmt.Errorf("re-encrypt password: %w", err)
	}

	var newTxn *models.Ciphertext
	if cred.TxnPassword != nil {
		txn, err := c.cipher.Decrypt(*cred.TxnPassword)
		if err != nil {
			return fmt.Errorf("decrypt txn password: %w", err)
		}
		ct, err := c.cipher.EncryptWith(txn, targetVersion)
		if err != nil {
			return fmt.Errorf("re-encrypt txn password: %w", err)
		}
		newTxn = &ct
	}

	// A false swap means a concurrent writer already moved the record off
	// the version we read. That is success for our purposes.
	if _, err := c.store.UpdateCredentialCiphertext(ctx, cred.ID, newPassword, newTxn, cred.Password.KeyVersion); err != nil {
		return fmt.Errorf("write ciphertext: %w", err)
	}
	return nil
}
