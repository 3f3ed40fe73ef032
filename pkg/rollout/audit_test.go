package rollout

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/evoloop/pkg/artifact"
)

func newTestAudit(t *testing.T, secret []byte) (*AuditLog, artifact.Store) {
	t.Helper()
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	l, err := NewAuditLog(store, secret)
	require.NoError(t, err)
	return l, store
}

func TestAuditChainAndVerify(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestAudit(t, []byte("deployment-secret"))

	require.NoError(t, l.Append(ctx, &AuditEntry{Action: ActionStartCanary, FromStage: StageIdle, ToStage: StageCanary, ActivePolicy: "v1", CandidatePolicy: "v2"}))
	require.NoError(t, l.Append(ctx, &AuditEntry{Action: ActionAdvance, FromStage: StageCanary, ToStage: StagePartial, ActivePolicy: "v1", CandidatePolicy: "v2"}))
	require.NoError(t, l.Append(ctx, &AuditEntry{Action: ActionPromote, FromStage: StagePartial, ToStage: StageFull, ActivePolicy: "v2"}))

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, genesisHash, entries[0].PrevHash)
	require.Equal(t, entries[0].EntryHash, entries[1].PrevHash)
	require.Equal(t, entries[1].EntryHash, entries[2].PrevHash)
	require.NotEmpty(t, entries[2].Signature)

	require.NoError(t, l.Verify(ctx, l.PublicKey()))
}

func TestAuditTailRecovery(t *testing.T) {
	ctx := context.Background()
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)

	l1, err := NewAuditLog(store, []byte("secret"))
	require.NoError(t, err)
	require.NoError(t, l1.Append(ctx, &AuditEntry{Action: ActionStartCanary, FromStage: StageIdle, ToStage: StageCanary, ActivePolicy: "v1"}))

	// A fresh instance over the same store continues the chain.
	l2, err := NewAuditLog(store, []byte("secret"))
	require.NoError(t, err)
	require.NoError(t, l2.Append(ctx, &AuditEntry{Action: ActionRollback, FromStage: StageCanary, ToStage: StageRollback, ActivePolicy: "v1"}))

	require.NoError(t, l2.Verify(ctx, l2.PublicKey()))
}

func TestAuditDetectsTamper(t *testing.T) {
	ctx := context.Background()
	l, store := newTestAudit(t, []byte("secret"))

	require.NoError(t, l.Append(ctx, &AuditEntry{Action: ActionStartCanary, FromStage: StageIdle, ToStage: StageCanary, ActivePolicy: "v1"}))
	require.NoError(t, l.Append(ctx, &AuditEntry{Action: ActionPromote, FromStage: StagePartial, ToStage: StageFull, ActivePolicy: "v2"}))

	data, err := store.Get(ctx, AuditLogKey)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(`"active_policy":"v2"`), []byte(`"active_policy":"v9"`), 1)
	require.NotEqual(t, data, tampered)
	_, err = store.Put(ctx, AuditLogKey, tampered)
	require.NoError(t, err)

	require.Error(t, l.Verify(ctx, l.PublicKey()))
}

func TestAuditWrongKeyFailsVerify(t *testing.T) {
	ctx := context.Background()
	l, store := newTestAudit(t, []byte("secret-a"))
	require.NoError(t, l.Append(ctx, &AuditEntry{Action: ActionStartCanary, FromStage: StageIdle, ToStage: StageCanary, ActivePolicy: "v1"}))

	other, err := NewAuditLog(store, []byte("secret-b"))
	require.NoError(t, err)
	require.Error(t, other.Verify(ctx, other.PublicKey()))
}

func TestAuditUnsignedChain(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestAudit(t, nil)
	require.Nil(t, l.PublicKey())

	require.NoError(t, l.Append(ctx, &AuditEntry{Action: ActionStartCanary, FromStage: StageIdle, ToStage: StageCanary, ActivePolicy: "v1"}))
	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	require.Empty(t, entries[0].Signature)

	// Hash chain still verifies without signatures.
	require.NoError(t, l.Verify(ctx, nil))
}
