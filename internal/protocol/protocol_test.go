package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCompleteHeaderInOneChunk(t *testing.T) {
	var p Parser
	consumed, ok, err := p.Parse([]byte("get x\r\n"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, len("get x\r\n"), consumed)

	cmd, argBytes := p.Build()
	assert.Equal(t, KindGet, cmd.Kind)
	assert.Equal(t, "x", cmd.Key)
	assert.Equal(t, 0, argBytes)
}

// S6: "get x\r" then "\n" arrive in two reads. The first call sees no
// CRLF yet and must report consumed=0, ok=false so the Connection waits
// for more bytes; the second call (fed the accumulated buffer) finds it.
func TestParseSplitAcrossReads(t *testing.T) {
	var p Parser
	consumed, ok, err := p.Parse([]byte("get x\r"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, consumed)

	consumed, ok, err = p.Parse([]byte("get x\r\n"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, len("get x\r\n"), consumed)
}

func TestParseSetAnnouncesArgBytes(t *testing.T) {
	var p Parser
	_, ok, err := p.Parse([]byte("set x 3\r\n"))
	require.NoError(t, err)
	require.True(t, ok)

	cmd, argBytes := p.Build()
	assert.Equal(t, KindSet, cmd.Kind)
	assert.Equal(t, 3, argBytes)
	assert.Equal(t, 3, cmd.ArgBytes())
}

func TestParseMalformedVerb(t *testing.T) {
	var p Parser
	_, ok, err := p.Parse([]byte("bogus x\r\n"))
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseMissingSizeOnSet(t *testing.T) {
	var p Parser
	_, _, err := p.Parse([]byte("set x\r\n"))
	assert.ErrorIs(t, err, ErrMalformed)
}

type fakeStorage struct {
	values map[string][]byte
}

func newFakeStorage() *fakeStorage { return &fakeStorage{values: map[string][]byte{}} }

func (f *fakeStorage) Put(k string, v []byte) bool { f.values[k] = v; return true }
func (f *fakeStorage) PutIfAbsent(k string, v []byte) bool {
	if _, ok := f.values[k]; ok {
		return false
	}
	f.values[k] = v
	return true
}
func (f *fakeStorage) Set(k string, v []byte) bool {
	if _, ok := f.values[k]; !ok {
		return false
	}
	f.values[k] = v
	return true
}
func (f *fakeStorage) Delete(k string) bool {
	if _, ok := f.values[k]; !ok {
		return false
	}
	delete(f.values, k)
	return true
}
func (f *fakeStorage) Get(k string) ([]byte, bool) { v, ok := f.values[k]; return v, ok }

func TestCommandExecuteGetHitAndMiss(t *testing.T) {
	s := newFakeStorage()
	s.Put("x", []byte("1"))

	cmd := &Command{Kind: KindGet, Key: "x"}
	assert.Equal(t, "VALUE x 0 1\r\n1\r\nEND", cmd.Execute(s))

	cmd = &Command{Kind: KindGet, Key: "missing"}
	assert.Equal(t, "END", cmd.Execute(s))
}

func TestCommandExecuteSetAddDelete(t *testing.T) {
	s := newFakeStorage()

	cmd := &Command{Kind: KindAdd, Key: "x", Argument: []byte("1")}
	assert.Equal(t, "STORED", cmd.Execute(s))
	assert.Equal(t, "NOT_STORED", cmd.Execute(s), "second add of the same key must fail")

	setCmd := &Command{Kind: KindSet, Key: "x", Argument: []byte("2")}
	assert.Equal(t, "STORED", setCmd.Execute(s))

	del := &Command{Kind: KindDelete, Key: "x"}
	assert.Equal(t, "DELETED", del.Execute(s))
	assert.Equal(t, "NOT_FOUND", del.Execute(s))
}
