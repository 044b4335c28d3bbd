package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	require.NoError(t, err)
	srv.Start()
	require.True(t, srv.ReadyForConnections(3*time.Second), "nats not ready")
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

type recordingIngester struct {
	mu    sync.Mutex
	names []string
	err   error
	done  chan struct{}
}

func (r *recordingIngester) IngestUpload(_ context.Context, filename string, rd io.Reader, _ Options) (*Result, error) {
	io.Copy(io.Discard, rd)
	r.mu.Lock()
	r.names = append(r.names, filename)
	r.mu.Unlock()
	if r.done != nil {
		r.done <- struct{}{}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &Result{DocumentID: 1, Filename: filename}, nil
}

func (r *recordingIngester) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

func tempPDF(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "manual.pdf")
	require.NoError(t, os.WriteFile(p, []byte("%PDF"), 0o644))
	return p
}

func TestConsumer_Success(t *testing.T) {
	nc := startTestNATS(t)
	ing := &recordingIngester{done: make(chan struct{}, 4)}
	sub, err := StartConsumer(nc, ing, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })

	require.NoError(t, SubmitJob(context.Background(), nc, Job{Path: tempPDF(t)}))
	require.NoError(t, nc.Flush())

	select {
	case <-ing.done:
	case <-time.After(3 * time.Second):
		t.Fatal("job not consumed")
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, ing.calls())
	assert.Equal(t, []string{"manual.pdf"}, ing.names)
}

func TestConsumer_RetriesThenDLQ(t *testing.T) {
	nc := startTestNATS(t)
	dlq := make(chan *nats.Msg, 1)
	dsub, err := nc.ChanSubscribe(DLQSubject, dlq)
	require.NoError(t, err)
	t.Cleanup(func() { dsub.Unsubscribe() })

	ing := &recordingIngester{err: errors.New("failed to extract: corrupt")}
	sub, err := StartConsumer(nc, ing, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })

	job := Job{Path: tempPDF(t), Filename: "renamed.pdf", SkipOCR: true}
	require.NoError(t, SubmitJob(context.Background(), nc, job))

	select {
	case msg := <-dlq:
		var got dlqMessage
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, job, got.Job)
		assert.Equal(t, MaxRetries, got.Retries)
		assert.Contains(t, got.Error, "corrupt")
	case <-time.After(5 * time.Second):
		t.Fatal("no DLQ message")
	}
	assert.Equal(t, MaxRetries, ing.calls())
	assert.Equal(t, "renamed.pdf", ing.names[0])
}

func TestConsumer_MissingFileGoesToDLQ(t *testing.T) {
	nc := startTestNATS(t)
	dlq := make(chan *nats.Msg, 1)
	dsub, err := nc.ChanSubscribe(DLQSubject, dlq)
	require.NoError(t, err)
	t.Cleanup(func() { dsub.Unsubscribe() })

	ing := &recordingIngester{}
	sub, err := StartConsumer(nc, ing, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })

	require.NoError(t, SubmitJob(context.Background(), nc, Job{Path: filepath.Join(t.TempDir(), "gone.pdf")}))
	select {
	case <-dlq:
	case <-time.After(5 * time.Second):
		t.Fatal("no DLQ message")
	}
	assert.Zero(t, ing.calls())
}
