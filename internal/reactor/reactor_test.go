package reactor

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct{ values map[string][]byte }

func newFakeStorage() *fakeStorage { return &fakeStorage{values: map[string][]byte{}} }

func (f *fakeStorage) Put(k string, v []byte) bool         { f.values[k] = v; return true }
func (f *fakeStorage) PutIfAbsent(k string, v []byte) bool { f.values[k] = v; return true }
func (f *fakeStorage) Set(k string, v []byte) bool         { f.values[k] = v; return true }
func (f *fakeStorage) Delete(k string) bool                { delete(f.values, k); return true }
func (f *fakeStorage) Get(k string) ([]byte, bool)         { v, ok := f.values[k]; return v, ok }

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// TestEndToEndGetRoundTrip exercises the full accept -> read -> parse ->
// execute -> write path (spec.md S5) over a real TCP loopback socket.
func TestEndToEndGetRoundTrip(t *testing.T) {
	storage := newFakeStorage()
	storage.Put("x", []byte("1"))

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)

	r, err := New(ln, storage, nil, false, quietLog())
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run() }()
	defer r.Shutdown()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("get x\r\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "VALUE x 0 1\r\n", line)
}
