package dispatcher

import (
	"fmt"
	"strconv"
)

// Canned JSON bodies for the API side. Responses are written by hand because
// the protocol is a single-shot HTTP dialect: exactly one request line in,
// exactly one response out, Content-Length covering the JSON only, and a bare
// CRLF trailing it.
const (
	bodyBadRequest     = `{"success":false, "code":400, "data":{}}`
	bodyTimeout        = `{"success":false, "code":408, "data":{}}`
	bodyUnavailable    = `{"success":false, "code":503, "data":{}}`
	bodyWorkerNotFound = `{"success":false, "code":503, "data":{"error":"Worker not found."}}`
	bodyRestarting     = `{"success":true, "code":200, "data":{"message":"Worker is restarting."}}`
	bodyKilled         = `{"success":true, "code":200, "data":{"message":"Killed the worker. List updated."}}`
)

func httpResponse(statusLine, body string) []byte {
	return []byte(statusLine + "\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"Content-Type: application/json\r\n" +
		"Connection: close\r\n" +
		"\r\n" +
		body + "\r\n")
}

func responseBadRequest() []byte {
	return httpResponse("HTTP/1.1 400 Bad Request", bodyBadRequest)
}

func responseUnavailable() []byte {
	return httpResponse("HTTP/1.1 503 Service Unavailable", bodyUnavailable)
}

func responseWorkerNotFound() []byte {
	return httpResponse("HTTP/1.1 503 Service Unavailable", bodyWorkerNotFound)
}

func responseTimeout() []byte {
	return httpResponse("HTTP/1.0 408 Request Timeout", bodyTimeout)
}

func responseOK(body string) []byte {
	return httpResponse("HTTP/1.1 200 OK", body)
}

// taskResponsePrefix opens the streamed 200 response for a worker-sourced
// payload of bodySize gzip bytes.
func taskResponsePrefix(bodySize uint32) string {
	return fmt.Sprintf("HTTP/1.1 200 OK\r\n"+
		"Content-Encoding: gzip\r\n"+
		"Content-Length: %d\r\n"+
		"Content-Type: application/json; charset=UTF-8\r\n"+
		"\r\n", bodySize)
}
