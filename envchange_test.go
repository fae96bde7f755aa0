package tds

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func varByteField(b []byte) []byte {
	return append([]byte{byte(len(b))}, b...)
}

func txnIDBytes(id uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], id)
	return b[:]
}

func TestTryReadEnvChangeBeginTransaction(t *testing.T) {
	sess, send := newSyncTestSession(t)
	var msg []byte
	msg = append(msg, envChangeTypeBeginTran)
	msg = append(msg, varByteField(txnIDBytes(0xAB))...)
	msg = append(msg, varByteField(nil)...)
	send(msg, true)

	ev, ok, outcome, err := TryReadEnvChangeTransactionToken(sess.ReadPipeline())
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.True(t, ok)
	assert.Equal(t, envChangeBeginTransaction, ev.Kind)
	assert.EqualValues(t, 0xAB, ev.TxnID)
}

func TestTryReadEnvChangeCommitTransaction(t *testing.T) {
	sess, send := newSyncTestSession(t)
	var msg []byte
	msg = append(msg, envChangeTypeCommitTran)
	msg = append(msg, varByteField(txnIDBytes(0xAB))...)
	msg = append(msg, varByteField(nil)...)
	send(msg, true)

	ev, ok, outcome, err := TryReadEnvChangeTransactionToken(sess.ReadPipeline())
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.True(t, ok)
	assert.Equal(t, envChangeCommitTransaction, ev.Kind)
}

func TestTryReadEnvChangeRollbackTransaction(t *testing.T) {
	sess, send := newSyncTestSession(t)
	var msg []byte
	msg = append(msg, envChangeTypeRollbackTran)
	msg = append(msg, varByteField(txnIDBytes(0xAB))...)
	msg = append(msg, varByteField(nil)...)
	send(msg, true)

	ev, ok, outcome, err := TryReadEnvChangeTransactionToken(sess.ReadPipeline())
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.True(t, ok)
	assert.Equal(t, envChangeRollbackTransaction, ev.Kind)
}

func TestTryReadEnvChangeDistributedBeginAndPromote(t *testing.T) {
	for _, tc := range []struct {
		sub  uint8
		kind envChangeKind
	}{
		{envChangeTypeDistributedTranBegin, envChangeDistributedTransactionBegin},
		{envChangeTypePromoteTran, envChangePromoteTransaction},
	} {
		sess, send := newSyncTestSession(t)
		var msg []byte
		msg = append(msg, tc.sub)
		msg = append(msg, varByteField(txnIDBytes(0xCD))...)
		msg = append(msg, varByteField(nil)...)
		send(msg, true)

		ev, ok, outcome, err := TryReadEnvChangeTransactionToken(sess.ReadPipeline())
		require.NoError(t, err)
		require.Equal(t, Completed, outcome)
		require.True(t, ok)
		assert.Equal(t, tc.kind, ev.Kind)
		assert.EqualValues(t, 0xCD, ev.TxnID)
	}
}

func TestTryReadEnvChangeDefectTransaction(t *testing.T) {
	sess, send := newSyncTestSession(t)
	var msg []byte
	msg = append(msg, envChangeTypeDefectTran)
	msg = append(msg, varByteField(txnIDBytes(0xAB))...)
	msg = append(msg, varByteField(nil)...)
	send(msg, true)

	ev, ok, outcome, err := TryReadEnvChangeTransactionToken(sess.ReadPipeline())
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.True(t, ok)
	assert.Equal(t, envChangeDefectTransaction, ev.Kind)
}

func TestTryReadEnvChangePacketSize(t *testing.T) {
	sess, send := newSyncTestSession(t)
	var msg []byte
	msg = append(msg, envChangeTypePacketSize)
	msg = append(msg, varByteField([]byte("8192"))...)
	msg = append(msg, varByteField([]byte("4096"))...)
	send(msg, true)

	ev, ok, outcome, err := TryReadEnvChangeTransactionToken(sess.ReadPipeline())
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	assert.False(t, ok, "packet size is reported via PacketSize, not a transaction Kind")
	assert.Equal(t, 8192, ev.PacketSize)
}

func TestTryReadEnvChangeUnrecognizedSubTypeReportsNotOK(t *testing.T) {
	sess, send := newSyncTestSession(t)
	send([]byte{1, 0}, true) // sub-type 1 (database) carries no transaction semantics here

	ev, ok, outcome, err := TryReadEnvChangeTransactionToken(sess.ReadPipeline())
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	assert.False(t, ok)
	assert.Equal(t, envChangeNone, ev.Kind)
}

func TestTryReadEnvChangeBeginTransactionRejectsWrongSizeID(t *testing.T) {
	sess, send := newSyncTestSession(t)
	var msg []byte
	msg = append(msg, envChangeTypeBeginTran)
	msg = append(msg, varByteField([]byte{1, 2, 3})...) // wrong size: not 8 bytes
	msg = append(msg, varByteField(nil)...)
	send(msg, true)

	_, ok, outcome, err := TryReadEnvChangeTransactionToken(sess.ReadPipeline())
	assert.False(t, ok)
	assert.Equal(t, Failed, outcome)
	assert.Error(t, err)
}
