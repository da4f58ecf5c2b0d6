package rotation_test

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/agentbus/buskeeper/internal/crypto"
	"github.com/agentbus/buskeeper/internal/rotation"
	"github.com/agentbus/buskeeper/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory rotation.Store keeping credentials in id order,
// matching the keyset pagination contract of the Postgres implementation.
type memStore struct {
	mu    sync.Mutex
	creds []*models.Credential

	// onList, when set, runs after each successful list call. Used to
	// inject cancellation and to gate single-flight tests.
	onList func(batch []*models.Credential)
}

func (m *memStore) add(cred *models.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cred
	m.creds = append(m.creds, &cp)
	sort.Slice(m.creds, func(i, j int) bool {
		return bytes.Compare(m.creds[i].ID[:], m.creds[j].ID[:]) < 0
	})
}

func (m *memStore) ListCredentialsAfter(_ context.Context, afterID uuid.UUID, limit int) ([]*models.Credential, error) {
	m.mu.Lock()
	var batch []*models.Credential
	for _, c := range m.creds {
		if bytes.Compare(c.ID[:], afterID[:]) <= 0 {
			continue
		}
		cp := *c
		batch = append(batch, &cp)
		if len(batch) == limit {
			break
		}
	}
	hook := m.onList
	m.mu.Unlock()
	if hook != nil {
		hook(batch)
	}
	return batch, nil
}

func (m *memStore) UpdateCredentialCiphertext(_ context.Context, id uuid.UUID, password models.Ciphertext, txnPassword *models.Ciphertext, expectVersion int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.ID != id {
			continue
		}
		if c.Password.KeyVersion != expectVersion {
			return false, nil
		}
		c.Password = password
		c.TxnPassword = txnPassword
		return true, nil
	}
	return false, nil
}

func (m *memStore) get(t *testing.T, id uuid.UUID) *models.Credential {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.ID == id {
			cp := *c
			return &cp
		}
	}
	t.Fatalf("credential %s not found", id)
	return nil
}

// newRegistry builds a registry on version 1 with version 2 staged, the
// state main wires up when a successor key is configured.
func newRegistry(t *testing.T) *crypto.Registry {
	t.Helper()
	k1, err := crypto.GenerateKey()
	require.NoError(t, err)
	registry, err := crypto.NewRegistry(map[int][]byte{1: k1})
	require.NoError(t, err)
	k2, err := crypto.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, registry.Stage(2, k2))
	return registry
}

func seedCredential(t *testing.T, s *memStore, cipher *crypto.Cipher, password string, txnPassword *string) uuid.UUID {
	t.Helper()
	ct, err := cipher.Encrypt(password)
	require.NoError(t, err)
	cred := &models.Credential{
		ID:        uuid.Must(uuid.NewV7()),
		LoginName: "agent",
		Password:  ct,
		IsActive:  true,
	}
	if txnPassword != nil {
		txn, err := cipher.Encrypt(*txnPassword)
		require.NoError(t, err)
		cred.TxnPassword = &txn
	}
	s.add(cred)
	return cred.ID
}

func TestRotate_ReencryptsAllRecords(t *testing.T) {
	registry := newRegistry(t)
	cipher := crypto.NewCipher(registry)
	s := &memStore{}

	plaintexts := make(map[uuid.UUID]string)
	txn := "txn-secret"
	for i := 0; i < 25; i++ {
		pw := uuid.NewString()
		var tp *string
		if i%3 == 0 {
			tp = &txn
		}
		id := seedCredential(t, s, cipher, pw, tp)
		plaintexts[id] = pw
	}

	// Batch size smaller than the record count forces multiple pages.
	coord := rotation.NewCoordinator(s, registry, cipher, 10, 3)
	report, err := coord.Rotate(context.Background(), "ops@example.com")
	require.NoError(t, err)

	assert.Equal(t, models.RotationCompleted, report.State)
	assert.Equal(t, 1, report.OldVersion)
	assert.Equal(t, 2, report.NewVersion)
	assert.Equal(t, 25, report.Processed)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, "ops@example.com", report.InitiatedBy)
	require.NotNil(t, report.CompletedAt)

	for id, want := range plaintexts {
		cred := s.get(t, id)
		assert.Equal(t, 2, cred.Password.KeyVersion)
		got, err := cipher.Decrypt(cred.Password)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if cred.TxnPassword != nil {
			assert.Equal(t, 2, cred.TxnPassword.KeyVersion)
			gotTxn, err := cipher.Decrypt(*cred.TxnPassword)
			require.NoError(t, err)
			assert.Equal(t, txn, gotTxn)
		}
	}

	// The retired version must stay resolvable.
	_, err = registry.Resolve(1)
	assert.NoError(t, err)
	assert.Equal(t, 2, registry.CurrentVersion())
}

func TestRotate_SkipsRecordsAlreadyOnNewVersion(t *testing.T) {
	registry := newRegistry(t)
	cipher := crypto.NewCipher(registry)
	s := &memStore{}

	for i := 0; i < 3; i++ {
		seedCredential(t, s, cipher, "pw", nil)
	}
	// Records already tagged with the incoming version are never touched,
	// not even decrypted.
	for i := 0; i < 2; i++ {
		s.add(&models.Credential{
			ID:       uuid.Must(uuid.NewV7()),
			Password: models.Ciphertext{KeyVersion: 2, Data: []byte("opaque")},
		})
	}

	coord := rotation.NewCoordinator(s, registry, cipher, 10, 3)
	report, err := coord.Rotate(context.Background(), "ops")
	require.NoError(t, err)

	assert.Equal(t, models.RotationCompleted, report.State)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 0, report.Failed)
}

func TestRotate_PartialFailureDoesNotAbort(t *testing.T) {
	registry := newRegistry(t)
	cipher := crypto.NewCipher(registry)
	s := &memStore{}

	good := seedCredential(t, s, cipher, "pw-good", nil)
	s.add(&models.Credential{
		ID:       uuid.Must(uuid.NewV7()),
		Password: models.Ciphertext{KeyVersion: 1, Data: []byte("not a real ciphertext")},
	})
	alsoGood := seedCredential(t, s, cipher, "pw-also", nil)

	coord := rotation.NewCoordinator(s, registry, cipher, 10, 2)
	report, err := coord.Rotate(context.Background(), "ops")
	require.NoError(t, err)

	assert.Equal(t, models.RotationCompletedWithErrors, report.State)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Failed)

	for _, id := range []uuid.UUID{good, alsoGood} {
		cred := s.get(t, id)
		assert.Equal(t, 2, cred.Password.KeyVersion)
		_, err := cipher.Decrypt(cred.Password)
		assert.NoError(t, err)
	}
}

func TestRotate_SingleFlight(t *testing.T) {
	registry := newRegistry(t)
	cipher := crypto.NewCipher(registry)
	s := &memStore{}
	seedCredential(t, s, cipher, "pw", nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s.onList = func([]*models.Credential) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	coord := rotation.NewCoordinator(s, registry, cipher, 10, 3)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := coord.Rotate(context.Background(), "first")
		assert.NoError(t, err)
	}()

	<-entered
	assert.Equal(t, models.RotationRunning, coord.Status().State)
	_, err := coord.Rotate(context.Background(), "second")
	assert.ErrorIs(t, err, rotation.ErrRotationInProgress)

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("rotation did not finish")
	}

	// Once the run finishes, a new rotation is accepted again. With no
	// further key staged it is a sweep on the current version.
	report, err := coord.Rotate(context.Background(), "third")
	require.NoError(t, err)
	assert.Equal(t, models.RotationCompleted, report.State)
	assert.Equal(t, 2, report.NewVersion)
}

func TestRotate_CancelledBetweenBatchesThenResumed(t *testing.T) {
	registry := newRegistry(t)
	cipher := crypto.NewCipher(registry)
	s := &memStore{}

	plaintexts := make(map[uuid.UUID]string)
	for i := 0; i < 6; i++ {
		pw := uuid.NewString()
		id := seedCredential(t, s, cipher, pw, nil)
		plaintexts[id] = pw
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.onList = func([]*models.Credential) { cancel() }

	coord := rotation.NewCoordinator(s, registry, cipher, 2, 3)
	report, err := coord.Rotate(ctx, "ops")
	assert.Error(t, err)
	assert.Equal(t, models.RotationFailed, report.State)
	assert.Contains(t, report.Error, "cancelled")
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, models.RotationFailed, coord.Status().State)

	// Cancellation does not roll anything back; a fresh run finishes the
	// job and every record still decrypts to its original plaintext.
	s.onList = nil
	report, err = coord.Rotate(context.Background(), "ops")
	require.NoError(t, err)
	assert.Equal(t, models.RotationCompleted, report.State)

	current := registry.CurrentVersion()
	for id, want := range plaintexts {
		cred := s.get(t, id)
		assert.Equal(t, current, cred.Password.KeyVersion)
		got, err := cipher.Decrypt(cred.Password)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRotate_NoStagedKeyIsASweep(t *testing.T) {
	k1, err := crypto.GenerateKey()
	require.NoError(t, err)
	registry, err := crypto.NewRegistry(map[int][]byte{1: k1})
	require.NoError(t, err)
	cipher := crypto.NewCipher(registry)
	s := &memStore{}
	seedCredential(t, s, cipher, "pw", nil)

	coord := rotation.NewCoordinator(s, registry, cipher, 10, 3)
	report, err := coord.Rotate(context.Background(), "ops")
	require.NoError(t, err)

	assert.Equal(t, models.RotationCompleted, report.State)
	assert.Equal(t, 1, report.OldVersion)
	assert.Equal(t, 1, report.NewVersion)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Processed)
	assert.Equal(t, 1, registry.CurrentVersion())
}

func TestRotate_RecordsDecryptAfterRestart(t *testing.T) {
	k1, err := crypto.GenerateKey()
	require.NoError(t, err)
	k2, err := crypto.GenerateKey()
	require.NoError(t, err)

	registry, err := crypto.NewRegistry(map[int][]byte{1: k1})
	require.NoError(t, err)
	require.NoError(t, registry.Stage(2, k2))
	cipher := crypto.NewCipher(registry)
	s := &memStore{}
	id := seedCredential(t, s, cipher, "partner-password", nil)

	coord := rotation.NewCoordinator(s, registry, cipher, 10, 3)
	report, err := coord.Rotate(context.Background(), "ops")
	require.NoError(t, err)
	require.Equal(t, models.RotationCompleted, report.State)

	// Rebuild the registry from the same configured material, as a
	// process restart would. The rotated record must still decrypt.
	restarted, err := crypto.NewRegistry(map[int][]byte{1: k1, 2: k2})
	require.NoError(t, err)
	restartedCipher := crypto.NewCipher(restarted)

	cred := s.get(t, id)
	require.Equal(t, 2, cred.Password.KeyVersion)
	got, err := restartedCipher.Decrypt(cred.Password)
	require.NoError(t, err)
	assert.Equal(t, "partner-password", got)
}

func TestStatus_InitiallyIdle(t *testing.T) {
	registry := newRegistry(t)
	coord := rotation.NewCoordinator(&memStore{}, registry, crypto.NewCipher(registry), 10, 3)
	assert.Equal(t, models.RotationIdle, coord.Status().State)
}
