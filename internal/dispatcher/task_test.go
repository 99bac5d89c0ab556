package dispatcher

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testRegistry(timeout time.Duration) *TaskRegistry {
	return NewTaskRegistry(timeout, zerolog.Nop())
}

func TestTaskCompletes(t *testing.T) {
	reg := testRegistry(time.Second)
	client, server := net.Pipe()
	defer client.Close()

	task := reg.Create(server)
	body := []byte("payload")

	done := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(client)
		done <- data
	}()

	task.PrepareResponse(uint32(len(body)))
	task.AppendData(body)

	got := string(<-done)
	if !strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("Expected a 200 response, got %q", got)
	}
	if !strings.Contains(got, "Content-Encoding: gzip\r\n") {
		t.Error("Expected gzip content encoding")
	}
	if !strings.Contains(got, "Content-Length: 7\r\n") {
		t.Error("Expected Content-Length 7")
	}
	if !strings.HasSuffix(got, "\r\n\r\npayload\r\n") {
		t.Errorf("Expected body with trailing CRLF, got %q", got)
	}
	if !task.Complete() {
		t.Error("Expected the task to be complete")
	}
	if reg.Len() != 0 {
		t.Errorf("Expected an empty registry, got %d tasks", reg.Len())
	}
}

func TestTaskFragmentedBody(t *testing.T) {
	reg := testRegistry(time.Second)
	client, server := net.Pipe()
	defer client.Close()

	task := reg.Create(server)

	done := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(client)
		done <- data
	}()

	task.PrepareResponse(10)
	task.AppendData([]byte("01234"))
	if task.Complete() {
		t.Error("Task must not complete before the declared size arrives")
	}
	task.AppendData([]byte("56789"))

	got := string(<-done)
	if !strings.HasSuffix(got, "0123456789\r\n") {
		t.Errorf("Expected the reassembled body, got %q", got)
	}
}

func TestTaskTimeoutWrites408(t *testing.T) {
	reg := testRegistry(50 * time.Millisecond)
	client, server := net.Pipe()
	defer client.Close()

	task := reg.Create(server)

	data, _ := io.ReadAll(client)
	got := string(data)
	if !strings.HasPrefix(got, "HTTP/1.0 408 Request Timeout\r\n") {
		t.Errorf("Expected a 408 response, got %q", got)
	}
	if !strings.Contains(got, `{"success":false, "code":408, "data":{}}`) {
		t.Errorf("Expected the 408 body, got %q", got)
	}

	// A late completion must be a no-op.
	task.PrepareResponse(4)
	task.AppendData([]byte("late"))
	if task.Complete() {
		t.Error("A timed-out task must never complete")
	}
	if reg.Len() != 0 {
		t.Errorf("Expected an empty registry, got %d tasks", reg.Len())
	}
}

func TestTaskCancel(t *testing.T) {
	reg := testRegistry(time.Second)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	task := reg.Create(server)
	task.Cancel()

	if reg.Find(task.ID()) != nil {
		t.Error("Expected the cancelled task to be released")
	}

	// Late data for a cancelled task is discarded.
	task.PrepareResponse(4)
	task.AppendData([]byte("late"))
	if task.Complete() {
		t.Error("A cancelled task must never complete")
	}
}

func TestTaskIDsIncrement(t *testing.T) {
	reg := testRegistry(time.Second)
	_, server := net.Pipe()
	defer server.Close()

	first := reg.Create(server)
	second := reg.Create(server)
	if second.ID() != first.ID()+1 {
		t.Errorf("Expected consecutive ids, got %d then %d", first.ID(), second.ID())
	}
	if reg.Find(first.ID()) != first {
		t.Error("Expected Find to return the live task")
	}
}
