package dispatcher

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/teemoapi/teemo/internal/config"
	"github.com/teemoapi/teemo/internal/protocol"
)

func startServer(t *testing.T, timeout time.Duration) *Server {
	t.Helper()
	cfg := &config.Dispatcher{
		BindAddress: "127.0.0.1",
		APIPort:     0,
		WorkerPort:  0,
		TaskTimeout: timeout,
		Accounts: []config.Account{
			{Username: "user1", Password: "pass1"},
			{Username: "user2", Password: "pass2"},
		},
	}
	srv := NewServer(cfg, zerolog.Nop())
	go srv.Run()
	t.Cleanup(srv.Close)

	deadline := time.Now().Add(2 * time.Second)
	for srv.APIAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("Server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv
}

// attachWorker runs the worker side of the subscribe handshake and returns
// the connection once the dispatcher has the worker registered.
func attachWorker(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	want := srv.workers.Len() + 1
	conn, err := net.Dial("tcp", srv.WorkerAddr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	greeting := append([]byte{protocol.SubscribeByte}, protocol.SubscribeGreet...)
	_, err = conn.Write(greeting)
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	readCred := func() string {
		n, err := r.ReadByte()
		require.NoError(t, err)
		raw := make([]byte, n)
		_, err = io.ReadFull(r, raw)
		require.NoError(t, err)
		return string(raw)
	}
	username := readCred()
	readCred() // password
	require.NotEmpty(t, username)

	_, err = conn.Write([]byte{protocol.ReadyByte})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for srv.workers.Len() < want {
		if time.Now().After(deadline) {
			t.Fatal("Worker never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn, r
}

func waitForWorkers(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.workers.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d workers, have %d", n, srv.workers.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func doGET(t *testing.T, srv *Server, requestLine string) string {
	t.Helper()
	conn, err := net.Dial("tcp", srv.APIAddr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(requestLine + "\r\n\r\n"))
	require.NoError(t, err)
	data, _ := io.ReadAll(conn)
	return string(data)
}

func TestNoWorkerGives503(t *testing.T) {
	srv := startServer(t, time.Second)
	got := doGET(t, srv, "GET /summonerid/42/runes HTTP/1.1")
	if !strings.HasPrefix(got, "HTTP/1.1 503 Service Unavailable\r\n") {
		t.Errorf("Expected a 503, got %q", got)
	}
	if !strings.Contains(got, `{"success":false, "code":503, "data":{}}`) {
		t.Errorf("Expected the 503 body, got %q", got)
	}
}

func TestHappyPathPlayerLookup(t *testing.T) {
	srv := startServer(t, 2*time.Second)
	conn, r := attachWorker(t, srv)

	type apiResult struct{ body string }
	resc := make(chan apiResult, 1)
	go func() {
		resc <- apiResult{doGET(t, srv, "GET /player/Honux HTTP/1.1")}
	}()

	rec, err := protocol.ReadRecord(r)
	require.NoError(t, err)
	require.Equal(t, protocol.KindString, rec.Kind)
	require.Equal(t, "summonerService", rec.Destination)
	require.Equal(t, "getSummonerByName", rec.Operation)
	require.Equal(t, "Honux", rec.Str)

	body := []byte("gzip-bytes-here")
	frame := protocol.ResultHeader{TaskID: rec.TaskID, Size: uint32(len(body))}.Encode()
	frame = append(frame, body...)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	got := (<-resc).body
	if !strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("Expected a 200, got %q", got)
	}
	if !strings.Contains(got, "Content-Encoding: gzip\r\n") {
		t.Error("Expected the gzip header")
	}
	if !strings.Contains(got, "Content-Length: 15\r\n") {
		t.Error("Expected Content-Length 15")
	}
	if !strings.HasSuffix(got, "\r\n\r\ngzip-bytes-here\r\n") {
		t.Errorf("Expected the worker body verbatim, got %q", got)
	}
}

func TestFragmentedReplyReassembles(t *testing.T) {
	srv := startServer(t, 2*time.Second)
	conn, r := attachWorker(t, srv)

	resc := make(chan string, 1)
	go func() {
		resc <- doGET(t, srv, "GET /accountid/7/recentGames HTTP/1.1")
	}()

	rec, err := protocol.ReadRecord(r)
	require.NoError(t, err)
	require.Equal(t, protocol.KindNumeric, rec.Kind)
	require.Equal(t, uint32(7), rec.Number)

	body := strings.Repeat("x", 3000)
	// Header plus the first 1399 body bytes, then raw continuation pieces.
	first := append(protocol.ResultHeader{TaskID: rec.TaskID, Size: 3000}.Encode(), body[:1399]...)
	_, err = conn.Write(first)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write([]byte(body[1399:2500]))
	require.NoError(t, err)
	_, err = conn.Write([]byte(body[2500:]))
	require.NoError(t, err)

	got := <-resc
	require.Contains(t, got, "Content-Length: 3000\r\n")
	require.True(t, strings.HasSuffix(got, body+"\r\n"), "reassembled body must be intact")
}

func TestFragmentedBodyWithHeaderLikeBytes(t *testing.T) {
	srv := startServer(t, 2*time.Second)
	conn, r := attachWorker(t, srv)

	resc := make(chan string, 1)
	go func() {
		resc <- doGET(t, srv, "GET /summonerid/8/masteries HTTP/1.1")
	}()

	rec, err := protocol.ReadRecord(r)
	require.NoError(t, err)
	require.Equal(t, "masteryBookService", rec.Destination)

	// Every body byte equals the result start byte. Continuation chunks must
	// be consumed as payload, never reparsed as fresh headers.
	body := strings.Repeat("\x01", 2000)
	first := append(protocol.ResultHeader{TaskID: rec.TaskID, Size: 2000}.Encode(), body[:700]...)
	_, err = conn.Write(first)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write([]byte(body[700:]))
	require.NoError(t, err)

	got := <-resc
	require.True(t, strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n"), "got %q", got)
	require.Contains(t, got, "Content-Length: 2000\r\n")
	require.True(t, strings.HasSuffix(got, body+"\r\n"), "body bytes must arrive intact")
}

func TestPlayerNameDecodesSpaces(t *testing.T) {
	srv := startServer(t, 2*time.Second)
	conn, r := attachWorker(t, srv)

	resc := make(chan string, 1)
	go func() {
		resc <- doGET(t, srv, "GET /player/Ho%20nux HTTP/1.1")
	}()

	rec, err := protocol.ReadRecord(r)
	require.NoError(t, err)
	require.Equal(t, protocol.KindString, rec.Kind)
	require.Equal(t, "summonerService", rec.Destination)
	require.Equal(t, "getSummonerByName", rec.Operation)
	require.Equal(t, "Ho nux", rec.Str)

	frame := append(protocol.ResultHeader{TaskID: rec.TaskID, Size: 2}.Encode(), "ok"...)
	_, err = conn.Write(frame)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(<-resc, "HTTP/1.1 200 OK\r\n"))
}

func TestMalformedPathsGive400(t *testing.T) {
	srv := startServer(t, time.Second)
	attachWorker(t, srv)

	ids := make([]string, 31)
	for i := range ids {
		ids[i] = "1"
	}
	paths := []string{
		"/nonsense",
		"/player/",
		"/accountid/notanumber/stats",
		"/list/" + strings.Join(ids, ";") + "/icons",
	}
	for _, path := range paths {
		got := doGET(t, srv, "GET "+path+" HTTP/1.1")
		if !strings.HasPrefix(got, "HTTP/1.1 400 Bad Request\r\n") {
			t.Errorf("%s: expected a 400, got %q", path, got)
		}
	}
}

func TestNonGETGives503(t *testing.T) {
	srv := startServer(t, time.Second)
	attachWorker(t, srv)

	got := doGET(t, srv, "POST /player/Honux HTTP/1.1")
	if !strings.HasPrefix(got, "HTTP/1.1 503 Service Unavailable\r\n") {
		t.Errorf("Expected a 503, got %q", got)
	}
}

func TestTaskDeadlineGives408(t *testing.T) {
	srv := startServer(t, 100*time.Millisecond)
	_, r := attachWorker(t, srv)

	start := time.Now()
	got := doGET(t, srv, "GET /summonerid/42/runes HTTP/1.1")
	elapsed := time.Since(start)

	rec, err := protocol.ReadRecord(r)
	require.NoError(t, err)
	require.Equal(t, "spellBookService", rec.Destination)
	require.Equal(t, "getSpellBook", rec.Operation)

	if !strings.HasPrefix(got, "HTTP/1.0 408 Request Timeout\r\n") {
		t.Errorf("Expected a 408, got %q", got)
	}
	if !strings.Contains(got, "Content-Length: 40\r\n") {
		t.Errorf("Expected Content-Length 40, got %q", got)
	}
	if elapsed < 90*time.Millisecond {
		t.Errorf("408 arrived too early: %v", elapsed)
	}
}

func TestAdminStatusAndKill(t *testing.T) {
	srv := startServer(t, time.Second)
	conn0, r0 := attachWorker(t, srv)
	attachWorker(t, srv)
	waitForWorkers(t, srv, 2)

	status := doGET(t, srv, "GET /server/status HTTP/1.1")
	require.Contains(t, status, `"code":200`)
	require.Contains(t, status, `"uid":0`)
	require.Contains(t, status, `"uid":1`)

	got := doGET(t, srv, "GET /server/worker/0/kill HTTP/1.1")
	require.Contains(t, got, `{"success":true, "code":200, "data":{"message":"Killed the worker. List updated."}}`)

	kill, err := r0.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(protocol.KindKill), kill)
	conn0.Close()
	waitForWorkers(t, srv, 1)

	status = doGET(t, srv, "GET /server/status HTTP/1.1")
	require.Contains(t, status, `"uid":0`)
	require.NotContains(t, status, `"uid":1`)

	got = doGET(t, srv, "GET /server/worker/5/kill HTTP/1.1")
	require.Contains(t, got, `"Worker not found."`)
}

func TestWorkerBadMagicRejected(t *testing.T) {
	srv := startServer(t, time.Second)
	conn, err := net.Dial("tcp", srv.WorkerAddr())
	require.NoError(t, err)
	defer conn.Close()

	// Full-length greeting with the wrong magic byte.
	bad := append([]byte{0xAB}, protocol.SubscribeGreet...)
	_, err = conn.Write(bad)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("Expected the connection to be closed without credentials")
	}
	if srv.credentials.Available() != 2 {
		t.Errorf("Expected no credential borrowed, have %d available", srv.credentials.Available())
	}
}

func TestCredentialReturnedOnDisconnect(t *testing.T) {
	srv := startServer(t, time.Second)
	conn, _ := attachWorker(t, srv)

	require.Equal(t, 1, srv.credentials.Available())
	conn.Close()
	waitForWorkers(t, srv, 0)

	deadline := time.Now().Add(2 * time.Second)
	for srv.credentials.Available() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected the lease back, have %d available", srv.credentials.Available())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
