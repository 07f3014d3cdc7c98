package task

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forest6511/paradl/internal/control"
	"github.com/forest6511/paradl/pkg/errors"
	"github.com/forest6511/paradl/pkg/types"
)

// failAfterNStore wraps a real FileStore and fails Save from the Nth call
// onward, to deterministically reproduce a Control Store I/O failure
// arriving mid-download rather than at Initialize.
type failAfterNStore struct {
	inner    control.Store
	failFrom int32
	calls    int32
}

func (s *failAfterNStore) Save(record *types.ControlRecord) error {
	if atomic.AddInt32(&s.calls, 1) >= s.failFrom {
		return fmt.Errorf("fake control store: simulated write failure")
	}
	return s.inner.Save(record)
}

func (s *failAfterNStore) Load() (*types.ControlRecord, bool) { return s.inner.Load() }
func (s *failAfterNStore) Exists() bool                       { return s.inner.Exists() }
func (s *failAfterNStore) Delete() error                      { return s.inner.Delete() }

func rangeCapableServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
			if r.Method == http.MethodGet {
				_, _ = w.Write(payload)
			}
			return
		}

		var start, end int
		_, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		if err != nil || end >= len(payload) {
			end = len(payload) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		if r.Method == http.MethodGet {
			_, _ = w.Write(payload[start : end+1])
		}
	}))
}

func baseOptions(t *testing.T, url string) Options {
	return Options{
		URLs:                    []string{url},
		OutputDirectory:         t.TempDir(),
		SegmentSize:             10,
		MaxSplits:               4,
		MaxConnectionsPerServer: 4,
		Timeout:                 5 * time.Second,
		Retries:                 2,
		RetryDelay:              time.Millisecond,
		FileAllocation:          types.AllocationTrunc,
		ResumeDownloads:         true,
		ControlBackend:          "file",
	}
}

func TestSegmentedDownloadWritesCorrectBytes(t *testing.T) {
	payload := []byte(strings.Repeat("abcdefghij", 10)) // 100 bytes
	srv := rangeCapableServer(t, payload)
	defer srv.Close()

	tk := New(baseOptions(t, srv.URL))
	if err := tk.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	info := tk.Info()
	if info.Status != types.TaskCompleted {
		t.Fatalf("status = %v, want completed", info.Status)
	}

	got, err := os.ReadFile(info.OutputPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("downloaded content mismatch")
	}

	if _, err := os.Stat(info.OutputPath + ".paradl"); !os.IsNotExist(err) {
		t.Error("control sidecar should be deleted after a successful download")
	}
}

func TestSingleStreamPathWhenRangeUnsupported(t *testing.T) {
	payload := []byte("no ranges here, just a plain body")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(payload)
		}
	}))
	defer srv.Close()

	opts := baseOptions(t, srv.URL)
	tk := New(opts)
	if err := tk.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	info := tk.Info()
	got, err := os.ReadFile(info.OutputPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("downloaded content mismatch")
	}
}

func TestMirrorRotationRoundRobinsAcrossURLs(t *testing.T) {
	payload := []byte(strings.Repeat("Z", 80))
	var hitsA, hitsB int64

	mkServer := func(counter *int64) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				atomic.AddInt64(counter, 1)
			}
			rangeHeader := r.Header.Get("Range")
			if rangeHeader == "" {
				w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
				w.WriteHeader(http.StatusOK)
				return
			}
			var start, end int
			_, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
			if err != nil || end >= len(payload) {
				end = len(payload) - 1
			}
			w.WriteHeader(http.StatusPartialContent)
			if r.Method == http.MethodGet {
				_, _ = w.Write(payload[start : end+1])
			}
		}))
	}
	srvA := mkServer(&hitsA)
	defer srvA.Close()
	srvB := mkServer(&hitsB)
	defer srvB.Close()

	opts := baseOptions(t, srvA.URL)
	opts.URLs = []string{srvA.URL, srvB.URL}
	opts.MaxConnectionsPerServer = 1 // force sequential dispatch so rotation is deterministic

	tk := New(opts)
	if err := tk.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if hitsA == 0 || hitsB == 0 {
		t.Errorf("expected both mirrors to receive at least one GET, got A=%d B=%d", hitsA, hitsB)
	}
}

func TestCancelDuringDownloadStopsTask(t *testing.T) {
	block := make(chan struct{})
	payload := []byte(strings.Repeat("Q", 200))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method == http.MethodHead {
			// Range probe: answer immediately so only the real GET blocks.
			w.WriteHeader(http.StatusPartialContent)
			return
		}
		<-block
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer srv.Close()

	opts := baseOptions(t, srv.URL)
	tk := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tk.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	tk.Cancel()
	close(block)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start after cancel should return nil, got: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Cancel")
	}

	if got := tk.Info().Status; got != types.TaskCancelled {
		t.Errorf("status = %v, want cancelled", got)
	}
}

func TestAllSegmentsFailedEventuallyExhausts(t *testing.T) {
	payload := []byte(strings.Repeat("X", 40))
	var attempt int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
			return
		}
		// Every GET fails, regardless of round, to force SegmentsExhausted.
		if r.Method == http.MethodGet {
			atomic.AddInt64(&attempt, 1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer srv.Close()

	opts := baseOptions(t, srv.URL)
	opts.Retries = 0
	opts.RetryDelay = time.Millisecond

	tk := New(opts)
	err := tk.Start(context.Background())
	if err == nil {
		t.Fatal("expected SegmentsExhausted error")
	}
	if errors.GetKind(err) != errors.KindSegmentsExhausted {
		t.Errorf("kind = %v, want SegmentsExhausted", errors.GetKind(err))
	}
	if got := tk.Info().Status; got != types.TaskFailed {
		t.Errorf("status = %v, want failed", got)
	}
}

func TestControlStoreFailureFailsTaskRatherThanLoopingSegments(t *testing.T) {
	payload := []byte(strings.Repeat("Z", 40)) // 4 segments of size 10
	srv := rangeCapableServer(t, payload)
	defer srv.Close()

	opts := baseOptions(t, srv.URL)
	outputPath := filepath.Join(opts.OutputDirectory, "download")
	// failFrom=2: call 1 is chunker.Initialize's baseline save, which must
	// succeed; call 2 is the first segment's completion save, which fails.
	opts.Store = &failAfterNStore{inner: control.NewFileStore(outputPath), failFrom: 2}

	tk := New(opts)
	err := tk.Start(context.Background())
	if err == nil {
		t.Fatal("expected a control store failure to fail the task")
	}
	if errors.GetKind(err) != errors.KindControlParse {
		t.Errorf("kind = %v, want ControlParse", errors.GetKind(err))
	}
	if got := tk.Info().Status; got != types.TaskFailed {
		t.Errorf("status = %v, want failed", got)
	}
}

func TestResumeReusesExistingProgress(t *testing.T) {
	payload := []byte(strings.Repeat("R", 100))
	block := make(chan struct{})
	var allowGet atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
			return
		}
		if !allowGet.Load() {
			<-block
		}
		var start, end int
		_, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		if err != nil || end >= len(payload) {
			end = len(payload) - 1
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(payload[start : end+1])
	}))
	defer srv.Close()

	dir := t.TempDir()
	opts := baseOptions(t, srv.URL)
	opts.OutputDirectory = dir
	opts.Filename = "r.bin"

	tk1 := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tk1.Start(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
	close(block)

	sidecar := filepath.Join(dir, "r.bin.paradl")
	if _, err := os.Stat(sidecar); err != nil {
		t.Fatalf("expected control sidecar to survive a cancelled run: %v", err)
	}

	allowGet.Store(true)
	tk2 := New(opts)
	if err := tk2.Start(context.Background()); err != nil {
		t.Fatalf("resumed Start: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "r.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("resumed content mismatch")
	}
}

func TestEventsEmittedInLifecycleOrder(t *testing.T) {
	payload := []byte(strings.Repeat("E", 30))
	srv := rangeCapableServer(t, payload)
	defer srv.Close()

	tk := New(baseOptions(t, srv.URL))

	var typesSeen []types.EventType
	tk.Events().On(func(e types.Event) {
		typesSeen = append(typesSeen, e.Type)
	})

	if err := tk.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(typesSeen) == 0 || typesSeen[0] != types.EventStart {
		t.Fatalf("first event = %v, want start", typesSeen)
	}
	if typesSeen[len(typesSeen)-1] != types.EventComplete {
		t.Fatalf("last event = %v, want complete", typesSeen[len(typesSeen)-1])
	}
}
