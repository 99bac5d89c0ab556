package dispatcher

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/teemoapi/teemo/internal/protocol"
)

var workerUIDCounter uint32

// WorkerConn is the dispatcher's view of one attached worker: its socket,
// the credential lease it holds, and the receive state machine for result
// frames.
type WorkerConn struct {
	uid    uint32
	conn   net.Conn
	server *Server
	lease  Credentials

	writeMu sync.Mutex

	log zerolog.Logger
}

func newWorkerConn(conn net.Conn, server *Server) *WorkerConn {
	uid := atomic.AddUint32(&workerUIDCounter, 1)
	return &WorkerConn{
		uid:    uid,
		conn:   conn,
		server: server,
		log:    server.log.With().Uint32("worker", uid).Logger(),
	}
}

func (w *WorkerConn) UID() uint32 { return w.uid }

func (w *WorkerConn) remoteIP() string {
	if addr, ok := w.conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	host, _, err := net.SplitHostPort(w.conn.RemoteAddr().String())
	if err != nil {
		return w.conn.RemoteAddr().String()
	}
	return host
}

// SendRecord serialises and writes one request record, chunking writes so no
// single write exceeds the frame limit.
func (w *WorkerConn) SendRecord(rec *protocol.Record) error {
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	return w.send(data)
}

func (w *WorkerConn) send(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	for len(data) > 0 {
		n := len(data)
		if n > protocol.WriteChunkSize {
			n = protocol.WriteChunkSize
		}
		if _, err := w.conn.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// run drives the whole worker connection: handshake, credential push, ready
// signal, then steady-state frame routing. Any error tears the session down,
// returning the lease and unsubscribing.
func (w *WorkerConn) run() {
	defer w.conn.Close()

	r := bufio.NewReaderSize(w.conn, 16*1024)

	if err := w.handshake(r); err != nil {
		w.log.Warn().Err(err).Msg("Worker handshake failed")
		return
	}

	// Lease held from here on; give it back however we exit.
	defer w.server.credentials.Return(w.lease)

	ready, err := r.ReadByte()
	if err != nil || ready != protocol.ReadyByte {
		w.log.Warn().Msg("Worker never signalled ready")
		return
	}

	w.server.workers.Subscribe(w)
	defer w.server.workers.Unsubscribe(w.uid)
	w.log.Info().Str("address", w.remoteIP()).Msg("Worker subscribed")

	if err := w.readLoop(r); err != nil && err != io.EOF {
		w.log.Warn().Err(err).Msg("Worker connection lost")
	}
}

func (w *WorkerConn) handshake(r *bufio.Reader) error {
	greeting := make([]byte, protocol.SubscribeLen)
	if _, err := io.ReadFull(r, greeting); err != nil {
		return fmt.Errorf("reading greeting: %w", err)
	}
	if greeting[0] != protocol.SubscribeByte || string(greeting[1:]) != protocol.SubscribeGreet {
		return fmt.Errorf("bad magic greeting")
	}

	lease, ok := w.server.credentials.Borrow()
	if !ok {
		return fmt.Errorf("credential pool exhausted")
	}
	w.lease = lease

	buf := make([]byte, 0, len(lease.Username)+len(lease.Password)+2)
	buf = append(buf, byte(len(lease.Username)))
	buf = append(buf, lease.Username...)
	buf = append(buf, byte(len(lease.Password)))
	buf = append(buf, lease.Password...)
	if _, err := w.conn.Write(buf); err != nil {
		w.server.credentials.Return(lease)
		w.lease = Credentials{}
		return fmt.Errorf("pushing credentials: %w", err)
	}
	return nil
}

// readLoop parses result frames by declared length rather than by read
// boundary; TCP gives no alignment guarantees.
func (w *WorkerConn) readLoop(r *bufio.Reader) error {
	header := make([]byte, protocol.ResultHeaderLen)
	chunk := make([]byte, 4096)

	for {
		start, err := r.ReadByte()
		if err != nil {
			return err
		}
		if start != protocol.ResultStartByte {
			// Not a result frame. Drop whatever arrived with it and rearm.
			w.log.Debug().Uint8("byte", start).Msg("Ignoring stray worker bytes")
			if _, err := r.Discard(r.Buffered()); err != nil {
				return err
			}
			continue
		}

		header[0] = start
		if _, err := io.ReadFull(r, header[1:]); err != nil {
			return err
		}
		hdr, err := protocol.DecodeResultHeader(header)
		if err != nil {
			return err
		}

		task := w.server.tasks.Find(hdr.TaskID)
		if task != nil {
			task.PrepareResponse(hdr.Size)
		} else {
			w.log.Debug().Uint32("task", hdr.TaskID).Msg("Result for unknown task, draining")
		}

		// Stream the body. A released task (timeout or cancel) still has its
		// bytes drained so the next header starts clean; AppendData itself
		// discards when the task is no longer open.
		remaining := hdr.Size
		for remaining > 0 {
			n := len(chunk)
			if uint32(n) > remaining {
				n = int(remaining)
			}
			read, err := r.Read(chunk[:n])
			if err != nil {
				return err
			}
			if task != nil {
				task.AppendData(chunk[:read])
			}
			remaining -= uint32(read)
		}
	}
}
