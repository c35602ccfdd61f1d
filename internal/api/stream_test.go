package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bc-dunia/snmpwatch/internal/events"
	"github.com/bc-dunia/snmpwatch/internal/transcript"
)

type sseEvent struct {
	name  string
	id    uint64
	entry transcript.Entry
}

func openStream(t *testing.T, ctx context.Context, url string, lastEventID string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("SSE request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	return resp
}

// readEvents parses n events from an SSE body.
func readEvents(t *testing.T, body io.Reader, n int) []sseEvent {
	t.Helper()
	scanner := bufio.NewScanner(body)
	var (
		out []sseEvent
		cur sseEvent
	)
	for len(out) < n && scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			id, err := strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
			if err != nil {
				t.Fatalf("bad id line %q", line)
			}
			cur.id = id
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.entry); err != nil {
				t.Fatalf("bad data line %q: %v", line, err)
			}
		case line == "":
			if cur.name != "" {
				out = append(out, cur)
			}
			cur = sseEvent{}
		}
	}
	if len(out) < n {
		t.Fatalf("got %d events, want %d (scan error: %v)", len(out), n, scanner.Err())
	}
	return out
}

func appendRequests(log *transcript.Log, engineID string, n int) {
	for i := 0; i < n; i++ {
		log.Append(transcript.Entry{
			EngineID:    engineID,
			MessageType: transcript.MessageGetRequest,
			Origin:      transcript.OriginManager,
			RequestID:   uint32(i + 1),
		})
	}
}

func TestStreamLiveEntries(t *testing.T) {
	log := transcript.New(100)
	appendRequests(log, "Engine-1", 3) // history is not replayed without a cursor
	ts := newTestServer(t, Config{Transcript: log})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := openStream(t, ctx, ts.URL+"/api/snmp/stream", "")

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream; charset=utf-8" {
		t.Errorf("Content-Type = %s", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %s", cc)
	}

	live := log.Append(transcript.Entry{EngineID: "Engine-2", MessageType: transcript.MessageTrap, Origin: transcript.OriginReceiver, Severity: "critical"})

	events := readEvents(t, resp.Body, 1)
	ev := events[0]
	if ev.name != "transcript" || ev.id != live.Seq {
		t.Errorf("event = %s id %d, want transcript id %d", ev.name, ev.id, live.Seq)
	}
	if ev.entry.MessageType != transcript.MessageTrap || ev.entry.Severity != "critical" {
		t.Errorf("entry = %+v", ev.entry)
	}
}

func TestStreamReplayFromLastEventID(t *testing.T) {
	log := transcript.New(100)
	appendRequests(log, "Engine-1", 5)
	ts := newTestServer(t, Config{Transcript: log})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := openStream(t, ctx, ts.URL+"/api/snmp/stream?since=1", "2")

	events := readEvents(t, resp.Body, 3)
	for i, ev := range events {
		if want := uint64(3 + i); ev.id != want {
			t.Errorf("event %d id = %d, want %d", i, ev.id, want)
		}
	}

	// Live entries continue after the replay without gaps or repeats.
	next := log.Append(transcript.Entry{EngineID: "Engine-1", MessageType: transcript.MessageGetResponse, Origin: transcript.OriginManager})
	live := readEvents(t, resp.Body, 1)
	if live[0].id != next.Seq {
		t.Errorf("live id = %d, want %d", live[0].id, next.Seq)
	}
}

func TestStreamEngineFilter(t *testing.T) {
	log := transcript.New(100)
	ts := newTestServer(t, Config{Transcript: log})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := openStream(t, ctx, ts.URL+"/api/snmp/stream?engine=Engine-2", "")

	appendRequests(log, "Engine-1", 2)
	want := log.Append(transcript.Entry{EngineID: "Engine-2", MessageType: transcript.MessageError, Origin: transcript.OriginManager, Error: "timeout"})

	events := readEvents(t, resp.Body, 1)
	if events[0].entry.EngineID != "Engine-2" || events[0].id != want.Seq {
		t.Errorf("event = %+v", events[0])
	}
}

func TestStreamBadCursor(t *testing.T) {
	ts := newTestServer(t, Config{Transcript: transcript.New(10)})
	var body envelope[any]
	if code := getJSON(t, ts.URL+"/api/snmp/stream?since=abc", &body); code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
	if body.Code != "INVALID_PARAMETER" {
		t.Errorf("code = %s, want INVALID_PARAMETER", body.Code)
	}
}

func TestStreamWithoutTranscript(t *testing.T) {
	ts := newTestServer(t, Config{})
	var body envelope[any]
	if code := getJSON(t, ts.URL+"/api/snmp/stream", &body); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestStreamMergedConcurrentEngines(t *testing.T) {
	const (
		engines   = 8
		perEngine = 25
	)
	log := transcript.New(100)
	ts := newTestServer(t, Config{Transcript: log})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp := openStream(t, ctx, ts.URL+"/api/snmp/stream", "")

	var wg sync.WaitGroup
	for e := 0; e < engines; e++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			appendRequests(log, id, perEngine)
		}(fmt.Sprintf("E%d", e))
	}
	wg.Wait()

	got := readEvents(t, resp.Body, engines*perEngine)
	seen := make(map[uint64]bool, len(got))
	last := make(map[string]uint64)
	for _, ev := range got {
		if seen[ev.id] {
			t.Fatalf("seq %d delivered twice", ev.id)
		}
		seen[ev.id] = true
		if ev.id <= last[ev.entry.EngineID] {
			t.Errorf("%s: seq %d after %d", ev.entry.EngineID, ev.id, last[ev.entry.EngineID])
		}
		last[ev.entry.EngineID] = ev.id
	}
	for seq := uint64(1); seq <= engines*perEngine; seq++ {
		if !seen[seq] {
			t.Errorf("seq %d never delivered", seq)
		}
	}
}

func TestAlreadySentForgetsReplayedSeq(t *testing.T) {
	replayed := map[uint64]struct{}{4: {}, 6: {}}
	if !alreadySent(replayed, 4) {
		t.Error("replayed seq 4 not recognised")
	}
	if alreadySent(replayed, 4) {
		t.Error("seq 4 matched twice")
	}
	if alreadySent(replayed, 5) {
		t.Error("seq 5 below the replay high-water mark was not replayed and must be sent")
	}
	if alreadySent(nil, 1) {
		t.Error("nil replay set matched")
	}
}

// syncBuffer lets the handler goroutine log while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStreamSkipsUnencodableEntry(t *testing.T) {
	var logs syncBuffer
	log := transcript.New(100)
	ts := newTestServer(t, Config{
		Transcript: log,
		Logger:     events.NewEventLoggerWithWriter("api", "test", &logs),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := openStream(t, ctx, ts.URL+"/api/snmp/stream", "")

	// time.Time refuses to encode years past 9999.
	bad := log.Append(transcript.Entry{
		EngineID:    "Engine-1",
		Timestamp:   time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC),
		MessageType: transcript.MessageGetRequest,
		Origin:      transcript.OriginManager,
	})
	good := log.Append(transcript.Entry{EngineID: "Engine-1", MessageType: transcript.MessageGetResponse, Origin: transcript.OriginManager})

	got := readEvents(t, resp.Body, 1)
	if got[0].id != good.Seq {
		t.Fatalf("first event id = %d, want %d", got[0].id, good.Seq)
	}
	out := logs.String()
	if !strings.Contains(out, `"msg":"stream_encode_error"`) || !strings.Contains(out, fmt.Sprintf(`"seq":%d`, bad.Seq)) {
		t.Errorf("skipped entry not logged: %s", out)
	}
}
